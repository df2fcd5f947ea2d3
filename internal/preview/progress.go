package preview

import "sync"

// Context merges progress from several sequential phases into one
// monotonically non-decreasing [0, 1] stream, each phase labeled with the
// wire step identifier spec.md §6 documents (e.g. "preview_extract",
// "preview_transcode", "preview_estimate"). Each phase calls Report with
// its own local progress in [0, 1]; Advance moves to the next phase slot
// and sets the label phases from that point on report under. Grounded on
// the original sidecar's PreviewProgressCtx
// (original_source/native/src/preview.rs): a phase index plus a captured
// step label feed every emitted callback.
type Context struct {
	mu         sync.Mutex
	total      int
	phaseIndex int
	last       float64
	step       string
	onProgress func(progress float64, step string)
}

// NewContext returns a Context with total phase slots and an optional
// callback (nil is a valid no-op sink).
func NewContext(total int, onProgress func(progress float64, step string)) *Context {
	if total < 1 {
		total = 1
	}
	return &Context{total: total, onProgress: onProgress}
}

// SetStep labels the current phase slot without moving to the next one.
// Used to label phase 0 before any Advance call.
func (c *Context) SetStep(step string) {
	c.mu.Lock()
	c.step = step
	c.mu.Unlock()
}

// Advance moves to the next phase slot and labels it step. Call once
// between phases, never mid-phase.
func (c *Context) Advance(step string) {
	c.mu.Lock()
	if c.phaseIndex < c.total-1 {
		c.phaseIndex++
	}
	c.step = step
	c.mu.Unlock()
}

// Report folds a phase-local progress value p into the overall stream and
// invokes the callback with the current phase's step label, clamping to
// ensure the overall value never decreases.
func (c *Context) Report(p float64) {
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	c.mu.Lock()
	overall := (float64(c.phaseIndex) + p) / float64(c.total)
	if overall < c.last {
		overall = c.last
	}
	if overall > 1 {
		overall = 1
	}
	c.last = overall
	step := c.step
	cb := c.onProgress
	c.mu.Unlock()
	if cb != nil {
		cb(overall, step)
	}
}

// FillRemaining reports 1.0, labeled step, for each of the remaining phase
// slots, used when an optional phase (e.g. estimate sampling) terminates
// early or is skipped so the overall stream still reaches 1.0
// monotonically (spec.md §4.5 step 7).
func (c *Context) FillRemaining(step string) {
	c.mu.Lock()
	remaining := c.total - c.phaseIndex
	c.mu.Unlock()
	for i := 0; i < remaining; i++ {
		c.Advance(step)
		c.Report(1.0)
	}
}

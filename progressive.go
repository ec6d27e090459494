package ptf

import "fmt"

// Progressive configures when a session exposes partial results.
//
// StepBytes and StepPercent decide when a snapshot is due. Interval bounds the
// input a single call may consume, so a caller can render a preview every
// Interval bytes even when the whole stream is already available.
type Progressive struct {
	// StepBytes requests a snapshot each time this many more bytes are consumed.
	StepBytes int64
	// StepPercent requests a snapshot each time this percentage of TotalSize is consumed.
	// It takes precedence over StepBytes.
	StepPercent int
	// TotalSize is the expected stream length, required by StepPercent.
	TotalSize int64
	// Interval enables strict interval mode: a call stops once it has consumed
	// Interval bytes past the previous pause, inside a segment if need be, and
	// returns StatusProgress.
	Interval int64
	// RenderSteps bounds the pipeline stages a strict interval snapshot runs per
	// call. An unfinished snapshot is resumed by the following calls before any
	// more input is consumed. Zero renders the whole snapshot at the pause.
	RenderSteps int
}

// Controller decides when a session flushes a snapshot.
type Controller struct {
	step     int64 // Snapshot distance in bytes; zero disables snapshots.
	interval int64
	steps    int   // Stage budget of a strict interval snapshot.
	last     int64 // Consumed offset at the previous trigger.
	boundary int64 // Offset of the previous strict interval pause.
	pending  bool
}

func newController(p Progressive) (*Controller, error) {
	if p.StepBytes < 0 || p.StepPercent < 0 || p.TotalSize < 0 || p.Interval < 0 || p.RenderSteps < 0 {
		return nil, fmt.Errorf("negative progressive setting %+v: %w", p, ErrUnsupported)
	}

	if p.RenderSteps > 0 && p.Interval == 0 {
		return nil, fmt.Errorf("render steps without a strict interval: %w", ErrUnsupported)
	}

	c := &Controller{step: p.StepBytes, interval: p.Interval, steps: p.RenderSteps}

	if p.StepPercent > 0 {
		if p.StepPercent > 100 {
			return nil, fmt.Errorf("step of %d%%: %w", p.StepPercent, ErrUnsupported)
		}

		if p.TotalSize == 0 {
			return nil, fmt.Errorf("percentage steps without a total size: %w", ErrUnsupported)
		}

		c.step = max(1, p.TotalSize*int64(p.StepPercent)/100)
	}

	return c, nil
}

// Observe records that consumed bytes have been consumed. It returns true
// when a step boundary was crossed since the previous trigger.
func (c *Controller) Observe(consumed int64) bool {
	if c.step == 0 || consumed <= c.last {
		return false
	}

	if consumed/c.step > c.last/c.step {
		c.last = consumed
		c.pending = true

		return true
	}

	return false
}

// Pending reports whether a triggered snapshot has not been flushed yet.
func (c *Controller) Pending() bool {
	return c.pending
}

// Flushed clears the pending trigger.
func (c *Controller) Flushed() {
	c.pending = false
}

// Limit returns the stream offset the parser may not read past in this call.
// The boolean is true when the interval, rather than the input, sets the limit;
// the call then consumes exactly up to it.
func (c *Controller) Limit(consumed, seen int64) (int64, bool) {
	if c.interval == 0 {
		return seen, false
	}

	b := max(c.boundary, consumed) + c.interval
	if seen >= b {
		return b, true
	}

	return seen, false
}

// Pause records a strict interval stop at offset b.
func (c *Controller) Pause(b int64) {
	c.boundary = b
}

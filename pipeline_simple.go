package ptf

import (
	"golang.org/x/sync/errgroup"
)

// SimplePipeline holds every stage output for the whole frame.
// With more than one worker each stage is split into disjoint row stripes.
type SimplePipeline struct {
	plan    *plan
	workers int
	tracker
	need [][]span
	win  [][]*rows // Allocated on the first run.

	open    bool
	pending []int // Groups written when the open render finishes.
	stage   int   // Next stage of the open render.
}

func newSimplePipeline(p *plan, workers int) *SimplePipeline {
	return &SimplePipeline{plan: p, workers: max(workers, 1), need: p.frameNeeds()}
}

// Kind returns FullFrame.
func (fp *SimplePipeline) Kind() PipelineKind {
	return FullFrame
}

// Run renders the whole frame if any group changed, then writes the changed groups to s.
func (fp *SimplePipeline) Run(s *Surface) (Progress, error) {
	return runSteps(fp, s)
}

// Step runs one stage over the whole frame. The last stage also writes the changed groups.
func (fp *SimplePipeline) Step(s *Surface) (pr Progress, done bool, err error) {
	if s != fp.surface {
		fp.open = false
	}

	if err = fp.bind(fp.plan, s); err != nil {
		return Progress{}, false, err
	}

	defer func() {
		if err != nil {
			fp.open = false
		}
	}()
	defer recoverDecode(&err)

	if !fp.open {
		fp.pending = fp.dirty(fp.plan, fp.pending[:0])
		fp.open, fp.stage = true, 0
	}

	if len(fp.pending) > 0 {
		if err := fp.render(fp.stage); err != nil {
			return Progress{}, false, err
		}

		fp.stage++
		if fp.stage < len(fp.plan.stages) {
			return Progress{}, false, nil
		}

		final := fp.win[len(fp.plan.stages)]
		for _, i := range fp.pending {
			g := &fp.plan.groups[i]
			fp.save.save(final, s, g.y0, g.y1)
			fp.mark(fp.plan, i)
		}
	}

	fp.open = false

	pr = fp.plan.progress()
	pr.Changed = len(fp.pending) > 0

	return pr, true, nil
}

// render runs stage k over the whole frame.
func (fp *SimplePipeline) render(k int) error {
	if fp.win == nil {
		fp.win = fp.plan.windows(fp.need, func(r span, width int) *rows {
			return &rows{y0: r.lo, height: r.hi - r.lo, width: width, stride: width, pix: make([]float32, (r.hi-r.lo)*width)}
		})
	}

	st := fp.plan.stages[k]
	in, out, spans := fp.win[k], fp.win[k+1], fp.need[k+1]

	if fp.workers < 2 {
		st.process(in, out, spans)

		return nil
	}

	var g errgroup.Group
	g.SetLimit(fp.workers)

	for _, part := range splitSpans(spans, fp.workers) {
		part := part // per-iteration copy (go1.22 loopvar semantics)
		g.Go(func() (err error) {
			defer recoverDecode(&err)
			st.process(in, out, part)

			return nil
		})
	}

	return g.Wait()
}

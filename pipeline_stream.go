package ptf

// StreamingPipeline renders one row group at a time. Stage outputs live in
// pooled windows covering the group plus the borders of later stages.
type StreamingPipeline struct {
	plan *plan
	tracker
	held []*[]float32 // Window storage borrowed for the current group.

	open  bool
	queue []int     // Groups left in the open render, current first.
	stage int       // Next stage of queue[0].
	win   [][]*rows // Stage windows of queue[0].
	wrote bool
}

func newStreamingPipeline(p *plan) *StreamingPipeline {
	return &StreamingPipeline{plan: p}
}

// Kind returns Streaming.
func (sp *StreamingPipeline) Kind() PipelineKind {
	return Streaming
}

// Run renders the groups whose tiles changed since they were last written to s.
func (sp *StreamingPipeline) Run(s *Surface) (Progress, error) {
	return runSteps(sp, s)
}

// Step runs one stage of the current group.
func (sp *StreamingPipeline) Step(s *Surface) (pr Progress, done bool, err error) {
	if s != sp.surface {
		sp.abort()
	}

	if err = sp.bind(sp.plan, s); err != nil {
		return Progress{}, false, err
	}

	defer func() {
		if err != nil {
			sp.abort()
		}
	}()
	defer recoverDecode(&err)

	if !sp.open {
		sp.queue = sp.dirty(sp.plan, sp.queue[:0])
		sp.open, sp.stage, sp.wrote = true, 0, false
	}

	if len(sp.queue) > 0 {
		g := &sp.plan.groups[sp.queue[0]]
		if sp.stage == 0 {
			sp.win = sp.plan.windows(g.need, sp.window)
		}

		k := sp.stage
		sp.plan.stages[k].process(sp.win[k], sp.win[k+1], g.need[k+1])
		sp.stage++

		if sp.stage == len(sp.plan.stages) {
			sp.save.save(sp.win[sp.stage], s, g.y0, g.y1)
			sp.mark(sp.plan, sp.queue[0])
			sp.release()

			sp.queue, sp.stage, sp.wrote = sp.queue[1:], 0, true
		}

		if len(sp.queue) > 0 {
			return Progress{}, false, nil
		}
	}

	sp.open = false

	pr = sp.plan.progress()
	pr.Changed = sp.wrote

	return pr, true, nil
}

// abort drops the open render.
func (sp *StreamingPipeline) abort() {
	sp.release()
	sp.open, sp.queue, sp.stage, sp.win = false, sp.queue[:0], 0, nil
}

// window borrows storage for rows sp of the given width.
func (sp *StreamingPipeline) window(r span, width int) *rows {
	bp := windowPool.Get().(*[]float32)
	sp.held = append(sp.held, bp)

	n := (r.hi - r.lo) * width
	if cap(*bp) < n {
		*bp = make([]float32, n)
	}

	return &rows{y0: r.lo, height: r.hi - r.lo, width: width, stride: width, pix: (*bp)[:n]}
}

func (sp *StreamingPipeline) release() {
	for i, bp := range sp.held {
		windowPool.Put(bp)
		sp.held[i] = nil
	}

	sp.held = sp.held[:0]
	sp.win = nil
}

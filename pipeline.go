package ptf

import (
	"bytes"
	"fmt"
	"image"
	"sync"
)

// Progress describes which rows of the surface hold rendered pixels.
type Progress struct {
	// Written covers the leading rows rendered from at least one pass.
	Written image.Rectangle
	// Final covers the leading rows rendered from every pass. Later runs never change them.
	Final image.Rectangle
	// Changed reports whether the run wrote anything.
	Changed bool
}

// Pipeline renders the channel buffers into a surface.
//
// A render covers the row groups that changed since the previous render on the
// same surface and advances one stage per Step. The channel buffers must not
// change while a render is open. A different surface abandons the open render
// and starts over.
type Pipeline interface {
	// Run finishes the open render, or runs a new one to the end.
	Run(s *Surface) (Progress, error)
	// Step runs the next stage of the open render, opening one if needed.
	// Done reports that the render finished; pr is its progress.
	Step(s *Surface) (pr Progress, done bool, err error)
	// Kind returns the pipeline variant.
	Kind() PipelineKind
}

// runSteps steps p until the open render is done.
func runSteps(p Pipeline, s *Surface) (Progress, error) {
	for {
		pr, done, err := p.Step(s)
		if err != nil || done {
			return pr, err
		}
	}
}

// plan is the immutable description of a render shared by both pipeline variants.
type plan struct {
	cfg    Config
	mode   ProgressiveMode
	tiles  *tileState
	stages []stage
	input  []*rows  // Whole channel buffers, the input of the first stage.
	dims   [][]size // dims[k][c] is the extent of channel c entering stage k.
	groups []groupPlan
}

// groupPlan describes the rendering of final rows [y0, y1).
type groupPlan struct {
	y0, y1   int
	ty0, ty1 int      // Tile rows feeding the group.
	need     [][]span // need[k][c] is the input of stage k; need[len(stages)] is the output.
}

func newPlan(cfg Config, buf *Buffers, tiles *tileState, method UpsampleMethod, mode ProgressiveMode) (*plan, error) {
	desc := buf.Desc()
	if len(desc) != cfg.Channels() {
		return nil, fmt.Errorf("%d buffers for %d channels: %w", len(desc), cfg.Channels(), ErrBufferContract)
	}

	p := &plan{cfg: cfg, mode: mode, tiles: tiles}
	p.stages = append(p.stages, newDequantStage(cfg), newHaarStage(desc))

	cw, ch := cfg.codedSize()
	coded := size{cw, ch}

	if cfg.Subsampled {
		in := size{desc[1].Width, desc[1].Height}
		st, err := newUpsampleStage("chroma upsample", channelSet{1, 2}, in, coded, method)
		if err != nil {
			return nil, err
		}

		p.stages = append(p.stages, st)
	}

	if cfg.Transform == TransformYCbCr {
		p.stages = append(p.stages, newColorStage())
	}

	if cfg.Upsampled {
		var all channelSet
		for c := range desc {
			all = append(all, c)
		}

		st, err := newUpsampleStage("upsample", all, coded, size{cfg.Width, cfg.Height}, method)
		if err != nil {
			return nil, err
		}

		p.stages = append(p.stages, st)
	}

	for c := range desc {
		r, err := buf.rows(c)
		if err != nil {
			return nil, err
		}

		p.input = append(p.input, r)
	}

	p.dims = make([][]size, len(p.stages)+1)
	p.dims[0] = make([]size, len(desc))
	for c, d := range desc {
		p.dims[0][c] = size{d.Width, d.Height}
	}

	for k, st := range p.stages {
		for _, c := range st.channels() {
			if c < 0 || c >= len(desc) {
				return nil, fmt.Errorf("%v reads channel %d of %d: %w", st, c, len(desc), ErrBufferContract)
			}
		}

		p.dims[k+1] = make([]size, len(desc))
		for c, in := range p.dims[k] {
			p.dims[k+1][c] = in
			if st.uses(c) {
				p.dims[k+1][c] = st.outSize(c, in)
			}
		}
	}

	for c, d := range p.dims[len(p.stages)] {
		if d.w != cfg.Width || d.h != cfg.Height {
			return nil, fmt.Errorf("channel %d renders %dx%d for a %dx%d image: %w", c, d.w, d.h, cfg.Width, cfg.Height, ErrInternal)
		}
	}

	rowsPerGroup := cfg.TileSize
	if cfg.Upsampled {
		rowsPerGroup <<= 1
	}

	for y0 := 0; y0 < cfg.Height; y0 += rowsPerGroup {
		g := groupPlan{y0: y0, y1: min(y0+rowsPerGroup, cfg.Height)}
		g.need = p.needs(span{g.y0, g.y1})
		g.ty0, g.ty1 = p.influence(g.need[0], desc)
		p.groups = append(p.groups, g)
	}

	return p, nil
}

// needs walks the stages backwards and returns the rows each stage must read
// to produce final rows out.
func (p *plan) needs(out span) [][]span {
	n := len(p.stages)
	channels := len(p.input)

	need := make([][]span, n+1)
	need[n] = make([]span, channels)
	for c := range need[n] {
		need[n][c] = out
	}

	for k := n - 1; k >= 0; k-- {
		st := p.stages[k]

		// A mixing stage produces the same rows of every channel it uses.
		if st.mixes() {
			var u span
			for c := 0; c < channels; c++ {
				if st.uses(c) {
					u = u.union(need[k+1][c])
				}
			}

			for c := 0; c < channels; c++ {
				if st.uses(c) {
					need[k+1][c] = u
				}
			}
		}

		need[k] = make([]span, channels)
		for c := range need[k] {
			if st.uses(c) {
				need[k][c] = inputSpan(st, need[k+1][c], p.dims[k][c].h)
			} else {
				need[k][c] = need[k+1][c]
			}
		}
	}

	return need
}

// influence returns the tile rows holding the coefficients read by need.
func (p *plan) influence(need []span, desc []ChannelDesc) (int, int) {
	ts := p.cfg.tileShift()
	ty0, ty1 := p.cfg.tilesY(), 0

	for c, sp := range need {
		if sp.empty() {
			continue
		}

		s := desc[c].Shift
		ty0 = min(ty0, (sp.lo<<s)>>ts)
		ty1 = max(ty1, (((sp.hi-1)<<s)>>ts)+1)
	}

	return ty0, min(ty1, p.cfg.tilesY())
}

// frameNeeds returns the whole extent of every stage.
func (p *plan) frameNeeds() [][]span {
	need := make([][]span, len(p.dims))
	for k, d := range p.dims {
		need[k] = make([]span, len(d))
		for c, sz := range d {
			need[k][c] = span{0, sz.h}
		}
	}

	return need
}

// level returns the number of passes group g is rendered from.
func (p *plan) level(g *groupPlan) int {
	return p.tiles.level(g.ty0, g.ty1)
}

// renderKey returns the state group g is rendered from under the progressive
// mode: tile versions when eager, the level otherwise. The boolean is false
// while the group may not be rendered.
func (p *plan) renderKey(g *groupPlan) (uint64, bool) {
	lvl := p.level(g)
	if lvl < 1 {
		return 0, false
	}

	switch p.mode {
	case ProgressiveEager:
		return p.tiles.version(g.ty0, g.ty1), true
	case ProgressiveFullFrame:
		if !p.tiles.complete(p.cfg.Passes) {
			return 0, false
		}
	}

	return uint64(lvl), true
}

// progress returns the leading rows at level one and at full level.
func (p *plan) progress() Progress {
	var written, final int

	if p.mode == ProgressiveFullFrame && !p.tiles.complete(p.cfg.Passes) {
		return Progress{
			Written: image.Rect(0, 0, p.cfg.Width, 0),
			Final:   image.Rect(0, 0, p.cfg.Width, 0),
		}
	}

	prefixWritten, prefixFinal := true, true
	for i := range p.groups {
		g := &p.groups[i]
		lvl := p.level(g)

		prefixWritten = prefixWritten && lvl >= 1
		prefixFinal = prefixFinal && lvl >= p.cfg.Passes

		if prefixWritten {
			written = g.y1
		}

		if prefixFinal {
			final = g.y1
		}
	}

	return Progress{
		Written: image.Rect(0, 0, p.cfg.Width, written),
		Final:   image.Rect(0, 0, p.cfg.Width, final),
	}
}

// windows returns the stage inputs and outputs for need. Channels a stage
// does not use pass through as the same window.
func (p *plan) windows(need [][]span, alloc func(sp span, width int) *rows) [][]*rows {
	win := make([][]*rows, len(p.stages)+1)
	win[0] = p.input

	for k, st := range p.stages {
		win[k+1] = make([]*rows, len(p.input))
		for c := range win[k+1] {
			if st.uses(c) {
				win[k+1][c] = alloc(need[k+1][c], p.dims[k+1][c].w)
			} else {
				win[k+1][c] = win[k][c]
			}
		}
	}

	return win
}

// tracker remembers what a pipeline has written to its surface.
type tracker struct {
	surface *Surface
	save    *saveStage
	seen    []uint64 // Render keys last written; zero means never.
}

// bind switches the tracker to s, forgetting everything written before.
func (t *tracker) bind(p *plan, s *Surface) error {
	if s == nil {
		return fmt.Errorf("no surface: %w", ErrBufferContract)
	}

	if s == t.surface {
		return nil
	}

	sv, err := newSaveStage(p.cfg, len(p.input), s)
	if err != nil {
		return err
	}

	t.surface, t.save = s, sv
	t.seen = make([]uint64, len(p.groups))

	return nil
}

// dirty appends to out the renderable groups whose key changed since they were written.
func (t *tracker) dirty(p *plan, out []int) []int {
	for i := range p.groups {
		if k, ok := p.renderKey(&p.groups[i]); ok && k != t.seen[i] {
			out = append(out, i)
		}
	}

	return out
}

func (t *tracker) mark(p *plan, i int) {
	t.seen[i], _ = p.renderKey(&p.groups[i])
}

// recoverDecode turns an errDecode panic into an error.
func recoverDecode(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(errDecode); ok {
			*err = e.error

			return
		}

		panic(r)
	}
}

// windowPool holds row window storage for the streaming pipeline.
var windowPool = sync.Pool{
	New: func() interface{} {
		return new([]float32)
	},
}

// splitSpans divides every span into n disjoint stripes.
func splitSpans(spans []span, n int) [][]span {
	parts := make([][]span, n)
	for i := range parts {
		parts[i] = make([]span, len(spans))
		for c, sp := range spans {
			h := sp.hi - sp.lo
			parts[i][c] = span{sp.lo + h*i/n, sp.lo + h*(i+1)/n}
		}
	}

	return parts
}

// newPipeline returns the pipeline variant selected by kind.
func newPipeline(kind PipelineKind, p *plan, workers int) (Pipeline, error) {
	switch kind {
	case Streaming:
		return newStreamingPipeline(p), nil
	case FullFrame:
		return newSimplePipeline(p, workers), nil
	}

	return nil, fmt.Errorf("pipeline %v: %w", kind, ErrUnsupported)
}

// crossPipeline renders through two variants and compares the result.
type crossPipeline struct {
	main, shadow Pipeline
	surface      *Surface // Main surface the shadow mirrors.
	mirror       *Surface
	cfg          Config
}

func newCrossPipeline(kind PipelineKind, p *plan, workers int) (*crossPipeline, error) {
	other := FullFrame
	if kind == FullFrame {
		other = Streaming
	}

	main, err := newPipeline(kind, p, workers)
	if err != nil {
		return nil, err
	}

	shadow, err := newPipeline(other, p, workers)
	if err != nil {
		return nil, err
	}

	return &crossPipeline{main: main, shadow: shadow, cfg: p.cfg}, nil
}

func (cp *crossPipeline) Kind() PipelineKind {
	return cp.main.Kind()
}

func (cp *crossPipeline) Run(s *Surface) (Progress, error) {
	return runSteps(cp, s)
}

// Step advances the main variant. When its render is done, the shadow renders
// the same groups into the mirror and both are compared.
func (cp *crossPipeline) Step(s *Surface) (Progress, bool, error) {
	if s != cp.surface {
		cp.surface = s
		cp.mirror = &Surface{
			Pix:    make([]byte, len(s.Pix)),
			Stride: s.Stride,
			Width:  s.Width,
			Height: s.Height,
			Layout: s.Layout,
			Format: s.Format,
		}
	}

	pr, done, err := cp.main.Step(s)
	if err != nil || !done {
		return pr, done, err
	}

	spr, err := cp.shadow.Run(cp.mirror)
	if err != nil {
		return pr, false, err
	}

	if pr.Written != spr.Written || pr.Final != spr.Final || pr.Changed != spr.Changed {
		return pr, false, fmt.Errorf("%v progress %v, %v progress %v: %w", cp.main.Kind(), pr.Written, cp.shadow.Kind(), spr.Written, ErrInternal)
	}

	planes := 1
	if s.Layout == LayoutPlanar {
		planes = cp.cfg.Channels()
	}

	rowBytes := cp.cfg.Width * s.samplesPerPixel(cp.cfg.Channels()) * s.Format.BytesPerSample()

	for k := 0; k < planes; k++ {
		for y := pr.Written.Min.Y; y < pr.Written.Max.Y; y++ {
			off := (k*cp.cfg.Height + y) * s.Stride
			if !bytes.Equal(s.Pix[off:off+rowBytes], cp.mirror.Pix[off:off+rowBytes]) {
				return pr, false, fmt.Errorf("%v and %v differ at row %d: %w", cp.main.Kind(), cp.shadow.Kind(), y, ErrInternal)
			}
		}
	}

	return pr, true, nil
}

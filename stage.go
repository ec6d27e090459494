package ptf

import "fmt"

// rows is a window of consecutive rows of one channel, addressed in the
// channel's own image coordinates.
type rows struct {
	y0     int // First row held.
	height int // Rows held.
	width  int
	stride int
	pix    []float32
}

// row returns row y. Asking for a row outside the window is an internal error.
func (r *rows) row(y int) []float32 {
	i := y - r.y0
	if i < 0 || i >= r.height {
		panic(errDecode{fmt.Errorf("row %d outside window [%d,%d): %w", y, r.y0, r.y0+r.height, ErrInternal)})
	}

	off := i * r.stride

	return r.pix[off : off+r.width]
}

// span is a half-open range of rows.
type span struct {
	lo, hi int
}

func (s span) empty() bool {
	return s.hi <= s.lo
}

func (s span) union(o span) span {
	if s.empty() {
		return o
	}

	if o.empty() {
		return s
	}

	return span{min(s.lo, o.lo), max(s.hi, o.hi)}
}

// size is the extent of a channel at some point of the pipeline.
type size struct {
	w, h int
}

// stage is one transform of the render pipeline.
//
// A stage computes each output row from a bounded neighbourhood of input rows
// and holds no state, so any partition of the output rows gives the same pixels.
type stage interface {
	fmt.Stringer
	// channels returns the channels the stage reads and writes.
	channels() channelSet
	// uses reports whether the stage reads and writes channel c.
	uses(c int) bool
	// border is the number of extra input rows needed above and below.
	border() int
	// align is the row alignment of the input the stage reads.
	align() int
	// shift is the log2 scale factor between input and output.
	shift() uint
	// mixes reports whether an output channel depends on other channels.
	mixes() bool
	// outSize returns the output extent of channel c for input extent in.
	outSize(c int, in size) size
	// process computes rows spans[c] of every used channel c.
	process(in, out []*rows, spans []span)
}

// inputSpan maps output rows of a stage to the input rows they depend on.
func inputSpan(st stage, out span, inHeight int) span {
	if out.empty() {
		return out
	}

	b := st.border()
	lo := (out.lo >> st.shift()) - b
	hi := ((out.hi - 1) >> st.shift()) + 1 + b

	if a := st.align(); a > 1 {
		lo = max(lo, 0) / a * a
		hi = (hi + a - 1) / a * a
	}

	return span{max(lo, 0), min(hi, inHeight)}
}

// channelSet is the set of channels a stage works on.
type channelSet []int

func (cs channelSet) channels() channelSet {
	return cs
}

func (cs channelSet) uses(c int) bool {
	for _, x := range cs {
		if x == c {
			return true
		}
	}

	return false
}

// dequantStage scales coefficients to normalized sample units.
type dequantStage struct {
	channelSet
	scale []float32
}

func newDequantStage(cfg Config) *dequantStage {
	st := &dequantStage{scale: make([]float32, cfg.Channels())}
	for c := range st.scale {
		st.channelSet = append(st.channelSet, c)
		if cfg.Float {
			st.scale[c] = 1
		} else {
			st.scale[c] = float32(cfg.Quant[c]) / cfg.maxValue()
		}
	}

	return st
}

func (st *dequantStage) String() string { return fmt.Sprintf("dequantize %v", st.scale) }
func (st *dequantStage) border() int { return 0 }
func (st *dequantStage) align() int { return 1 }
func (st *dequantStage) shift() uint { return 0 }
func (st *dequantStage) mixes() bool { return false }
func (st *dequantStage) outSize(_ int, in size) size { return in }

func (st *dequantStage) process(in, out []*rows, spans []span) {
	for _, c := range st.channelSet {
		s := st.scale[c]
		for y := spans[c].lo; y < spans[c].hi; y++ {
			src := in[c].row(y)
			dst := out[c].row(y)
			for x := range dst {
				dst[x] = src[x] * s
			}
		}
	}
}

// haarStage inverts the 2x2 Haar transform of every block.
// Each output row reads both rows of its block, so input is block aligned.
// Details not decoded yet are zero, which renders the block mean.
type haarStage struct {
	channelSet
	heights []int
}

func newHaarStage(desc []ChannelDesc) *haarStage {
	st := &haarStage{heights: make([]int, len(desc))}
	for _, d := range desc {
		st.channelSet = append(st.channelSet, d.Index)
		st.heights[d.Index] = d.Height
	}

	return st
}

func (st *haarStage) String() string { return "inverse haar" }
func (st *haarStage) border() int { return 0 }
func (st *haarStage) align() int { return 2 }
func (st *haarStage) shift() uint { return 0 }
func (st *haarStage) mixes() bool { return false }
func (st *haarStage) outSize(_ int, in size) size { return in }

func (st *haarStage) process(in, out []*rows, spans []span) {
	for _, c := range st.channelSet {
		h := st.heights[c]
		for y := spans[c].lo; y < spans[c].hi; y++ {
			by := y &^ 1
			tall := by+1 < h
			top := y&1 == 0

			r0 := in[c].row(by)
			var r1 []float32
			if tall {
				r1 = in[c].row(by + 1)
			}

			dst := out[c].row(y)
			w := len(dst)

			for x := 0; x < w; x += 2 {
				wide := x+1 < w

				ll := r0[x]
				var hl, lh, hh float32
				if wide {
					hl = r0[x+1]
				}

				if tall {
					lh = r1[x]
					if wide {
						hh = r1[x+1]
					}
				}

				s, d := ll, hl
				if tall {
					if top {
						s, d = (ll+lh)*0.5, (hl+hh)*0.5
					} else {
						s, d = (ll-lh)*0.5, (hl-hh)*0.5
					}
				}

				if wide {
					dst[x] = (s + d) * 0.5
					dst[x+1] = (s - d) * 0.5
				} else {
					dst[x] = s
				}
			}
		}
	}
}

// Irreversible colour transform coefficients.
const (
	ictCrR = 1.402
	ictCbG = 0.344136
	ictCrG = 0.714136
	ictCbB = 1.772
)

// colorStage converts YCbCr in channels 0..2 to RGB.
type colorStage struct {
	channelSet
}

func newColorStage() *colorStage {
	return &colorStage{channelSet: channelSet{0, 1, 2}}
}

func (st *colorStage) String() string { return "ycbcr to rgb" }
func (st *colorStage) border() int { return 0 }
func (st *colorStage) align() int { return 1 }
func (st *colorStage) shift() uint { return 0 }
func (st *colorStage) mixes() bool { return true }
func (st *colorStage) outSize(_ int, in size) size { return in }

func (st *colorStage) process(in, out []*rows, spans []span) {
	for y := spans[0].lo; y < spans[0].hi; y++ {
		yr, cbr, crr := in[0].row(y), in[1].row(y), in[2].row(y)
		rr, gr, br := out[0].row(y), out[1].row(y), out[2].row(y)

		for x := range rr {
			lum, cb, cr := yr[x], cbr[x], crr[x]
			rr[x] = lum + ictCrR*cr
			gr[x] = lum - ictCbG*cb - ictCrG*cr
			br[x] = lum + ictCbB*cb
		}
	}
}

package ptf

import "fmt"

// Upsampling

// Constants for a 4-tap Catmull-Rom upsampling filter, in 1/128 units.
const (
	cf4A = -9
	cf4B = 111
	cf4C = 29
	cf4D = -3
	cf3A = 28
	cf3B = 109
	cf3C = -9
	cf3X = 104
	cf3Y = 27
	cf3Z = -3
	cf2A = 139
	cf2B = -11
)

// tap lists the input samples and weights producing one output sample.
type tap struct {
	idx [4]int
	w   [4]float32
	n   int
}

func tap2(i0, i1 int, a, b int) tap {
	return tap{idx: [4]int{i0, i1}, w: [4]float32{float32(a) / 128, float32(b) / 128}, n: 2}
}

func tap3(i0, i1, i2 int, a, b, c int) tap {
	return tap{idx: [4]int{i0, i1, i2}, w: [4]float32{float32(a) / 128, float32(b) / 128, float32(c) / 128}, n: 3}
}

func tap4(i int, a, b, c, d int) tap {
	return tap{
		idx: [4]int{i, i + 1, i + 2, i + 3},
		w:   [4]float32{float32(a) / 128, float32(b) / 128, float32(c) / 128, float32(d) / 128},
		n:   4,
	}
}

// catmullRomTap returns the taps of output sample o when doubling n >= 3 samples.
// The first and last three outputs use the mirrored edge filters.
func catmullRomTap(o, n int) tap {
	switch {
	case o == 0:
		return tap2(0, 1, cf2A, cf2B)
	case o == 1:
		return tap3(0, 1, 2, cf3X, cf3Y, cf3Z)
	case o == 2:
		return tap3(0, 1, 2, cf3A, cf3B, cf3C)
	case o == 2*n-1:
		return tap2(n-1, n-2, cf2A, cf2B)
	case o == 2*n-2:
		return tap3(n-1, n-2, n-3, cf3X, cf3Y, cf3Z)
	case o == 2*n-3:
		return tap3(n-1, n-2, n-3, cf3A, cf3B, cf3C)
	}

	y := (o - 3) >> 1
	if (o-3)&1 == 0 {
		return tap4(y, cf4A, cf4B, cf4C, cf4D)
	}

	return tap4(y, cf4D, cf4C, cf4B, cf4A)
}

// nearestTap returns the tap of output sample o for nearest-neighbor doubling.
func nearestTap(o int) tap {
	return tap{idx: [4]int{o >> 1}, w: [4]float32{1}, n: 1}
}

// axisTaps returns the taps of m output samples upsampled from n inputs.
// Catmull-Rom needs at least three inputs; shorter axes use nearest neighbor.
func axisTaps(n, m int, method UpsampleMethod) []tap {
	taps := make([]tap, m)
	for o := range taps {
		if method == CatmullRom && n >= 3 {
			taps[o] = catmullRomTap(o, n)
		} else {
			taps[o] = nearestTap(o)
		}
	}

	return taps
}

// upsampleStage doubles a set of channels in both directions.
// The output is cropped to the target size, which is at most twice the input.
type upsampleStage struct {
	channelSet
	name   string
	method UpsampleMethod
	in     size
	out    size
	vTaps  []tap // Per output row.
	hTaps  []tap // Per output column.
}

func newUpsampleStage(name string, chans channelSet, in, out size, method UpsampleMethod) (*upsampleStage, error) {
	if out.w > 2*in.w || out.h > 2*in.h || out.w < in.w || out.h < in.h {
		return nil, fmt.Errorf("%s: cannot upsample %dx%d to %dx%d: %w", name, in.w, in.h, out.w, out.h, ErrInternal)
	}

	return &upsampleStage{
		channelSet: chans,
		name:       name,
		method:     method,
		in:         in,
		out:        out,
		vTaps:      axisTaps(in.h, out.h, method),
		hTaps:      axisTaps(in.w, out.w, method),
	}, nil
}

func (st *upsampleStage) String() string { return fmt.Sprintf("%s %v", st.name, st.channelSet) }
func (st *upsampleStage) shift() uint { return 1 }
func (st *upsampleStage) mixes() bool { return false }
func (st *upsampleStage) align() int { return 1 }

func (st *upsampleStage) border() int {
	if st.method == CatmullRom {
		return 2
	}

	return 0
}

func (st *upsampleStage) outSize(_ int, _ size) size {
	return st.out
}

func (st *upsampleStage) process(in, out []*rows, spans []span) {
	// Scratch is per call: workers may process disjoint rows concurrently.
	tmp := make([]float32, st.in.w)

	for _, c := range st.channelSet {
		for y := spans[c].lo; y < spans[c].hi; y++ {
			vt := &st.vTaps[y]

			src := tmp
			if vt.n == 1 {
				src = in[c].row(vt.idx[0])
			} else {
				r := in[c].row(vt.idx[0])
				for x := range tmp {
					tmp[x] = vt.w[0] * r[x]
				}

				for k := 1; k < vt.n; k++ {
					r = in[c].row(vt.idx[k])
					w := vt.w[k]
					for x := range tmp {
						tmp[x] += w * r[x]
					}
				}
			}

			dst := out[c].row(y)
			for x := range dst {
				ht := &st.hTaps[x]
				v := ht.w[0] * src[ht.idx[0]]
				for k := 1; k < ht.n; k++ {
					v += ht.w[k] * src[ht.idx[k]]
				}

				dst[x] = v
			}
		}
	}
}

package ptf

import (
	"errors"
	"math"
	"testing"
)

// isEqual compares two sample slices and reports the first difference.
func isEqual(t *testing.T, got, want []float32, context string) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("%s: length mismatch: got %d, want %d", context, len(got), len(want))
	}

	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > 1e-5 {
			t.Errorf("%s: first difference at index %d: got %v, want %v", context, i, got[i], want[i])

			return
		}
	}
}

func runUpsample(t *testing.T, in []float32, inSize, outSize size, method UpsampleMethod) []float32 {
	t.Helper()

	st, err := newUpsampleStage("upsample", channelSet{0}, inSize, outSize, method)
	if err != nil {
		t.Fatalf("newUpsampleStage failed: %v", err)
	}

	out := make([]float32, outSize.w*outSize.h)
	st.process(
		[]*rows{fullRows(in, inSize.w, inSize.h)},
		[]*rows{fullRows(out, outSize.w, outSize.h)},
		[]span{{0, outSize.h}},
	)

	return out
}

func TestUpsampleNearestNeighbor(t *testing.T) {
	tests := []struct {
		name     string
		in       []float32
		inSize   size
		outSize  size
		expected []float32
	}{
		{
			name:    "2x2 to 4x4",
			in:      []float32{10, 20, 30, 40},
			inSize:  size{2, 2},
			outSize: size{4, 4},
			expected: []float32{
				10, 10, 20, 20,
				10, 10, 20, 20,
				30, 30, 40, 40,
				30, 30, 40, 40,
			},
		},
		{
			name:    "2x2 to 3x3",
			in:      []float32{10, 20, 30, 40},
			inSize:  size{2, 2},
			outSize: size{3, 3},
			expected: []float32{
				10, 10, 20,
				10, 10, 20,
				30, 30, 40,
			},
		},
		{
			name:     "1x1 to 1x2",
			in:       []float32{7},
			inSize:   size{1, 1},
			outSize:  size{1, 2},
			expected: []float32{7, 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := runUpsample(t, tt.in, tt.inSize, tt.outSize, NearestNeighbor)
			isEqual(t, got, tt.expected, tt.name)
		})
	}
}

func TestUpsampleCatmullRomConstant(t *testing.T) {
	in := make([]float32, 6*5)
	for i := range in {
		in[i] = 0.25
	}

	got := runUpsample(t, in, size{6, 5}, size{12, 9}, CatmullRom)
	for i, v := range got {
		if math.Abs(float64(v)-0.25) > 1e-6 {
			t.Fatalf("Sample %d: got %v, want 0.25", i, v)
		}
	}
}

func TestUpsampleCatmullRomWeights(t *testing.T) {
	for _, n := range []int{3, 4, 7} {
		for _, tp := range axisTaps(n, 2*n, CatmullRom) {
			var sum float32
			for k := 0; k < tp.n; k++ {
				sum += tp.w[k]
				if tp.idx[k] < 0 || tp.idx[k] >= n {
					t.Fatalf("n=%d: tap index %d out of range", n, tp.idx[k])
				}
			}

			if math.Abs(float64(sum)-1) > 1e-6 {
				t.Errorf("n=%d: weights sum to %v", n, sum)
			}
		}
	}
}

func TestUpsampleCatmullRomRamp(t *testing.T) {
	// A linear ramp stays monotonic.
	in := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	got := runUpsample(t, in, size{8, 1}, size{16, 1}, CatmullRom)

	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Errorf("Sample %d: %v after %v", i, got[i], got[i-1])
		}
	}
}

func TestUpsampleShortAxis(t *testing.T) {
	// Two samples are too few for Catmull-Rom and fall back to nearest neighbour.
	got := runUpsample(t, []float32{1, 2}, size{2, 1}, size{4, 1}, CatmullRom)
	isEqual(t, got, []float32{1, 1, 2, 2}, "short axis")
}

func TestNewUpsampleStageSize(t *testing.T) {
	if _, err := newUpsampleStage("upsample", channelSet{0}, size{4, 4}, size{9, 8}, NearestNeighbor); !errors.Is(err, ErrInternal) {
		t.Errorf("Expected ErrInternal, got %v", err)
	}
}

package ptf

import (
	"errors"
	"testing"
)

func TestAllocate(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		kinds  []ChannelKind
		widths []int
		height []int
	}{
		{
			name:   "gray",
			cfg:    testConfig(5, 3, 1),
			kinds:  []ChannelKind{KindGray},
			widths: []int{5},
			height: []int{3},
		},
		{
			name:   "rgb",
			cfg:    testConfig(2, 2, 3),
			kinds:  []ChannelKind{KindRed, KindGreen, KindBlue},
			widths: []int{2, 2, 2},
			height: []int{2, 2, 2},
		},
		{
			name:   "rgba",
			cfg:    testConfig(2, 2, 3, withAlpha),
			kinds:  []ChannelKind{KindRed, KindGreen, KindBlue, KindAlpha},
			widths: []int{2, 2, 2, 2},
			height: []int{2, 2, 2, 2},
		},
		{
			name:   "subsampled chroma",
			cfg:    testConfig(9, 7, 3, withSubsampled),
			kinds:  []ChannelKind{KindRed, KindGreen, KindBlue},
			widths: []int{9, 5, 5},
			height: []int{7, 4, 4},
		},
		{
			name:   "upsampled",
			cfg:    testConfig(9, 7, 1, withUpsampled, withAlpha),
			kinds:  []ChannelKind{KindGray, KindAlpha},
			widths: []int{5, 5},
			height: []int{4, 4},
		},
		{
			name:   "four components",
			cfg:    testConfig(3, 3, 4, withAlpha),
			kinds:  []ChannelKind{KindExtra, KindExtra, KindExtra, KindExtra, KindAlpha},
			widths: []int{3, 3, 3, 3, 3},
			height: []int{3, 3, 3, 3, 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Allocate(tt.cfg)
			if err != nil {
				t.Fatalf("Allocate failed: %v", err)
			}

			if buf.Len() != len(tt.kinds) {
				t.Fatalf("Expected %d channels, got %d", len(tt.kinds), buf.Len())
			}

			for i, d := range buf.Desc() {
				if d.Index != i || d.Kind != tt.kinds[i] {
					t.Errorf("Channel %d: got index %d kind %v, want kind %v", i, d.Index, d.Kind, tt.kinds[i])
				}

				if d.Width != tt.widths[i] || d.Height != tt.height[i] {
					t.Errorf("Channel %d: got %dx%d, want %dx%d", i, d.Width, d.Height, tt.widths[i], tt.height[i])
				}

				if d.Stride < d.Width || d.Stride%strideAlign != 0 {
					t.Errorf("Channel %d: bad stride %d for width %d", i, d.Stride, d.Width)
				}

				pix, _, err := buf.Plane(i)
				if err != nil {
					t.Fatalf("Plane(%d) failed: %v", i, err)
				}

				if len(pix) != d.Stride*d.Height {
					t.Errorf("Channel %d: got %d elements, want %d", i, len(pix), d.Stride*d.Height)
				}
			}
		})
	}
}

func TestPlaneOutOfRange(t *testing.T) {
	buf, err := Allocate(testConfig(2, 2, 3))
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	for _, i := range []int{-1, 3, 4} {
		if _, _, err := buf.Plane(i); !errors.Is(err, ErrBufferContract) {
			t.Errorf("Plane(%d): expected ErrBufferContract, got %v", i, err)
		}
	}
}

func TestAllocateQuantizerMismatch(t *testing.T) {
	cfg := testConfig(2, 2, 3)
	cfg.Quant = cfg.Quant[:2]

	if _, err := Allocate(cfg); !errors.Is(err, ErrBufferContract) {
		t.Errorf("Expected ErrBufferContract, got %v", err)
	}
}

func TestDescIsCopy(t *testing.T) {
	buf, _ := Allocate(testConfig(2, 2, 1))

	d := buf.Desc()
	d[0].Width = 100

	if buf.Desc()[0].Width != 2 {
		t.Errorf("Desc exposed internal state")
	}
}

package ptf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Layout is the arrangement of samples in a Surface.
type Layout int

const (
	// LayoutNative interleaves all channels in index order.
	LayoutNative Layout = iota
	// LayoutRGBA packs four samples per pixel. Gray is replicated and a missing
	// alpha channel is written opaque.
	LayoutRGBA
	// LayoutBGRA is LayoutRGBA with red and blue swapped.
	LayoutBGRA
	// LayoutPlanar stores one plane per channel, one after the other.
	LayoutPlanar
)

func (l Layout) String() string {
	switch l {
	case LayoutNative:
		return "native"
	case LayoutRGBA:
		return "rgba"
	case LayoutBGRA:
		return "bgra"
	case LayoutPlanar:
		return "planar"
	}

	return fmt.Sprintf("Layout(%d)", int(l))
}

// SampleType is the storage type of one output sample.
type SampleType int

const (
	// Uint8 stores samples scaled to 0..255.
	Uint8 SampleType = iota
	// Uint16 stores samples scaled to the significant bits of DataFormat.
	Uint16
	// Float16 stores IEEE half floats, saturated at ±65504.
	Float16
	// Float32 stores IEEE single floats as decoded.
	Float32
)

// DataFormat describes how samples are stored in a Surface.
type DataFormat struct {
	Type SampleType
	// Bits is the significant bits of Uint16 samples. Zero means 16.
	Bits int
	// BigEndian selects the byte order of multi-byte samples.
	BigEndian bool
}

// BytesPerSample returns the storage size of one sample.
func (f DataFormat) BytesPerSample() int {
	switch f.Type {
	case Uint16, Float16:
		return 2
	case Float32:
		return 4
	}

	return 1
}

func (f DataFormat) validate() error {
	switch f.Type {
	case Uint8, Float16, Float32:
		return nil
	case Uint16:
		if f.Bits < 0 || f.Bits > 16 {
			return fmt.Errorf("%d-bit samples: %w", f.Bits, ErrUnsupported)
		}

		return nil
	}

	return fmt.Errorf("sample type %d: %w", f.Type, ErrUnsupported)
}

// DefaultFormat returns the natural output format of pf.
func DefaultFormat(pf PixelFormat) DataFormat {
	switch {
	case pf.Float:
		return DataFormat{Type: Float32}
	case pf.Depth > 8:
		return DataFormat{Type: Uint16, Bits: pf.Depth}
	}

	return DataFormat{Type: Uint8}
}

// Surface is a caller-owned destination for decoded pixels.
// Stride is the distance in bytes between rows and may exceed the packed row size.
type Surface struct {
	Pix    []byte
	Stride int
	Width  int
	Height int
	Layout Layout
	Format DataFormat
}

// NewSurface allocates a tightly packed surface for cfg.
func NewSurface(cfg Config, layout Layout, format DataFormat) *Surface {
	s := &Surface{Width: cfg.Width, Height: cfg.Height, Layout: layout, Format: format}
	s.Stride = cfg.Width * s.samplesPerPixel(cfg.Channels()) * format.BytesPerSample()
	s.Pix = make([]byte, s.planes(cfg.Channels())*cfg.Height*s.Stride)

	return s
}

func (s *Surface) samplesPerPixel(channels int) int {
	switch s.Layout {
	case LayoutRGBA, LayoutBGRA:
		return 4
	case LayoutPlanar:
		return 1
	}

	return channels
}

func (s *Surface) planes(channels int) int {
	if s.Layout == LayoutPlanar {
		return channels
	}

	return 1
}

// Check reports ErrSurfaceTooSmall if s cannot hold an image described by cfg.
func (s *Surface) Check(cfg Config) error {
	return s.check(cfg.Width, cfg.Height, cfg.Channels())
}

// check verifies that the surface can hold a w x h image of the given channel count.
func (s *Surface) check(w, h, channels int) error {
	if err := s.Format.validate(); err != nil {
		return err
	}

	if s.Width < w || s.Height < h {
		return fmt.Errorf("surface %dx%d for a %dx%d image: %w", s.Width, s.Height, w, h, ErrSurfaceTooSmall)
	}

	rowBytes := w * s.samplesPerPixel(channels) * s.Format.BytesPerSample()
	if s.Stride < rowBytes {
		return fmt.Errorf("stride %d for rows of %d bytes: %w", s.Stride, rowBytes, ErrSurfaceTooSmall)
	}

	need := (s.planes(channels)*h-1)*s.Stride + rowBytes
	if len(s.Pix) < need {
		return fmt.Errorf("%d bytes, need %d: %w", len(s.Pix), need, ErrSurfaceTooSmall)
	}

	return nil
}

// saveStage writes final channel rows into a Surface.
type saveStage struct {
	channels []int // Source channel per output sample; -1 writes opaque.
	planar   bool
	format   DataFormat
	width    int
	height   int
}

// newSaveStage maps the surface layout to channel indices. Every index is
// checked against the allocation here, before any row is written.
func newSaveStage(cfg Config, allocated int, s *Surface) (*saveStage, error) {
	if err := s.check(cfg.Width, cfg.Height, cfg.Channels()); err != nil {
		return nil, err
	}

	var chans []int

	switch s.Layout {
	case LayoutNative, LayoutPlanar:
		for c := 0; c < cfg.Channels(); c++ {
			chans = append(chans, c)
		}
	case LayoutRGBA, LayoutBGRA:
		switch cfg.Components {
		case 1:
			chans = []int{0, 0, 0}
		case 3:
			chans = []int{0, 1, 2}
		default:
			return nil, fmt.Errorf("%d components as %v: %w", cfg.Components, s.Layout, ErrUnsupported)
		}

		if cfg.Alpha {
			chans = append(chans, cfg.Components)
		} else {
			chans = append(chans, -1)
		}

		if s.Layout == LayoutBGRA {
			chans[0], chans[2] = chans[2], chans[0]
		}
	default:
		return nil, fmt.Errorf("layout %v: %w", s.Layout, ErrUnsupported)
	}

	for _, c := range chans {
		if c >= allocated {
			return nil, fmt.Errorf("save reads channel %d of %d: %w", c, allocated, ErrBufferContract)
		}
	}

	return &saveStage{
		channels: chans,
		planar:   s.Layout == LayoutPlanar,
		format:   s.Format,
		width:    cfg.Width,
		height:   cfg.Height,
	}, nil
}

func (sv *saveStage) String() string {
	return fmt.Sprintf("save channels %v (planar %v, %+v)", sv.channels, sv.planar, sv.format)
}

// save copies rows [y0, y1) of the final channel windows into s, honoring its stride.
func (sv *saveStage) save(final []*rows, s *Surface, y0, y1 int) {
	bps := sv.format.BytesPerSample()
	pixelBytes := len(sv.channels) * bps
	if sv.planar {
		pixelBytes = bps
	}

	for y := y0; y < y1; y++ {
		for k, c := range sv.channels {
			var src []float32
			if c >= 0 {
				src = final[c].row(y)
			}

			off := y*s.Stride + k*bps
			if sv.planar {
				off = (k*sv.height + y) * s.Stride
			}

			for x := 0; x < sv.width; x++ {
				v := float32(1)
				if src != nil {
					v = src[x]
				}

				sv.format.put(s.Pix[off:off+bps], v)
				off += pixelBytes
			}
		}
	}
}

// maxFloat16 is the largest finite half-precision value.
const maxFloat16 = 65504

// put stores one normalized sample. Integer and half formats clamp to range
// and NaN stores as zero in every format.
func (f DataFormat) put(dst []byte, v float32) {
	if v != v {
		v = 0
	}

	switch f.Type {
	case Uint8:
		dst[0] = uint8(unit(v)*255 + 0.5)
	case Uint16:
		bits := f.Bits
		if bits == 0 {
			bits = 16
		}

		u := uint16(unit(v)*float32(int(1)<<bits-1) + 0.5)
		f.putUint16(dst, u)
	case Float16:
		v = min(max(v, -maxFloat16), maxFloat16)
		f.putUint16(dst, float16.Fromfloat32(v).Bits())
	case Float32:
		if f.BigEndian {
			binary.BigEndian.PutUint32(dst, math.Float32bits(v))
		} else {
			binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
		}
	}
}

func (f DataFormat) putUint16(dst []byte, u uint16) {
	if f.BigEndian {
		binary.BigEndian.PutUint16(dst, u)
	} else {
		binary.LittleEndian.PutUint16(dst, u)
	}
}

// unit clamps v to [0, 1].
func unit(v float32) float32 {
	if v < 0 {
		return 0
	}

	if v > 1 {
		return 1
	}

	return v
}

package ptf

import "fmt"

// ChannelKind is the semantic meaning of a channel in the rendered output.
type ChannelKind int

const (
	// KindGray is the single colour channel of a gray image.
	KindGray ChannelKind = iota
	// KindRed, KindGreen and KindBlue are the colour channels after reconstruction.
	KindRed
	KindGreen
	KindBlue
	// KindAlpha is the alpha channel, stored after the colour channels.
	KindAlpha
	// KindExtra is any further channel. It is carried through to LayoutNative and LayoutPlanar only.
	KindExtra
)

func (k ChannelKind) String() string {
	switch k {
	case KindGray:
		return "gray"
	case KindRed:
		return "red"
	case KindGreen:
		return "green"
	case KindBlue:
		return "blue"
	case KindAlpha:
		return "alpha"
	case KindExtra:
		return "extra"
	}

	return fmt.Sprintf("ChannelKind(%d)", int(k))
}

// ChannelDesc describes one allocated channel buffer.
type ChannelDesc struct {
	Index       int         // Stable channel index.
	Kind        ChannelKind // Meaning of the channel after colour reconstruction.
	Width       int         // Samples per row.
	Height      int         // Rows.
	Stride      int         // Elements from one row to the next.
	ElementSize int         // Bytes per element.
	Shift       uint        // Subsampling relative to the coded grid (log2).
}

// Buffers holds one plane per channel, in index order.
// The index to kind mapping depends only on the PixelFormat.
type Buffers struct {
	desc   []ChannelDesc
	planes [][]float32
}

// strideAlign is the row alignment of channel planes, in elements.
const strideAlign = 16

// channelKinds maps channel indices to their meaning.
func channelKinds(pf PixelFormat) []ChannelKind {
	kinds := make([]ChannelKind, 0, pf.Channels())

	switch pf.Components {
	case 1:
		kinds = append(kinds, KindGray)
	case 3:
		kinds = append(kinds, KindRed, KindGreen, KindBlue)
	default:
		for i := 0; i < pf.Components; i++ {
			kinds = append(kinds, KindExtra)
		}
	}

	if pf.Alpha {
		kinds = append(kinds, KindAlpha)
	}

	return kinds
}

// Allocate creates the channel buffers for cfg.
// Planes hold float32 coefficients and are zeroed, so an undecoded region reads as zero.
func Allocate(cfg Config) (*Buffers, error) {
	kinds := channelKinds(cfg.PixelFormat)
	if len(kinds) != cfg.Channels() || len(kinds) > maxChannels {
		return nil, fmt.Errorf("%d kinds for %d channels: %w", len(kinds), cfg.Channels(), ErrInternal)
	}

	if len(cfg.Quant) != len(kinds) {
		return nil, fmt.Errorf("%d quantizers for %d channels: %w", len(cfg.Quant), len(kinds), ErrBufferContract)
	}

	w, h := cfg.codedSize()

	b := &Buffers{
		desc:   make([]ChannelDesc, len(kinds)),
		planes: make([][]float32, len(kinds)),
	}

	for i, kind := range kinds {
		shift := cfg.channelShift(i)
		cw, ch := ceilShift(w, shift), ceilShift(h, shift)
		stride := (cw + strideAlign - 1) &^ (strideAlign - 1)

		b.desc[i] = ChannelDesc{
			Index:       i,
			Kind:        kind,
			Width:       cw,
			Height:      ch,
			Stride:      stride,
			ElementSize: 4,
			Shift:       shift,
		}
		b.planes[i] = make([]float32, stride*ch)
	}

	return b, nil
}

// Len returns the number of channels.
func (b *Buffers) Len() int {
	return len(b.desc)
}

// Desc returns the channel descriptors in index order.
func (b *Buffers) Desc() []ChannelDesc {
	return append([]ChannelDesc(nil), b.desc...)
}

// Plane returns the samples and descriptor of channel i.
// An index outside the allocation is a contract violation, never a skipped write.
func (b *Buffers) Plane(i int) ([]float32, ChannelDesc, error) {
	if i < 0 || i >= len(b.planes) {
		return nil, ChannelDesc{}, fmt.Errorf("channel %d of %d: %w", i, len(b.planes), ErrBufferContract)
	}

	return b.planes[i], b.desc[i], nil
}

// rows returns a window over the whole of channel i.
func (b *Buffers) rows(i int) (*rows, error) {
	pix, d, err := b.Plane(i)
	if err != nil {
		return nil, err
	}

	return &rows{y0: 0, height: d.Height, width: d.Width, stride: d.Stride, pix: pix}, nil
}

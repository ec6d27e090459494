package ptf

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Standard error types for PTF decoding.
var (
	ErrMalformedHeader = errors.New("malformed header")
	ErrUnsupported     = errors.New("unsupported feature")
	ErrCorrupt         = errors.New("corrupt tile data")
	ErrBufferContract  = errors.New("buffer contract violation")
	ErrSurfaceTooSmall = errors.New("output surface too small")
	ErrInternal        = errors.New("internal inconsistency")
	// ErrNeedMoreInput is not a decoding failure. It is returned by the one-shot
	// helpers when the stream ends before the frame is complete.
	ErrNeedMoreInput = errors.New("need more input")
)

// DecodeError is the error returned by a failed session.
// It records the stream offset at which the failure was detected.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("ptf: %v (offset %d)", e.Err, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// UpsampleMethod defines the algorithm used for chroma and image upsampling.
type UpsampleMethod int

const (
	// NearestNeighbor is a fast but low-quality upsampling method.
	NearestNeighbor UpsampleMethod = iota
	// CatmullRom is a higher-quality bicubic upsampling method.
	CatmullRom
)

// PipelineKind selects the render pipeline implementation.
type PipelineKind int

const (
	// Streaming renders one row group at a time with a bounded working set.
	Streaming PipelineKind = iota
	// FullFrame holds every stage output for the whole image.
	FullFrame
)

func (k PipelineKind) String() string {
	switch k {
	case Streaming:
		return "streaming"
	case FullFrame:
		return "full-frame"
	}

	return fmt.Sprintf("PipelineKind(%d)", int(k))
}

// ProgressiveMode selects what a snapshot renders.
type ProgressiveMode int

const (
	// ProgressivePass renders a row group once every tile feeding it has completed
	// another pass.
	ProgressivePass ProgressiveMode = iota
	// ProgressiveEager renders a row group whenever coefficients feeding it arrived,
	// including the part of a tile section decoded so far.
	ProgressiveEager
	// ProgressiveFullFrame renders nothing before the frame is complete.
	ProgressiveFullFrame
)

func (m ProgressiveMode) String() string {
	switch m {
	case ProgressivePass:
		return "pass"
	case ProgressiveEager:
		return "eager"
	case ProgressiveFullFrame:
		return "full-frame"
	}

	return fmt.Sprintf("ProgressiveMode(%d)", int(m))
}

// Options specifies decoding parameters.
type Options struct {
	// Pipeline selects the render pipeline variant. Both variants produce identical pixels.
	Pipeline PipelineKind
	// Workers bounds the worker pool used by the full-frame pipeline.
	// Values below 2 render sequentially. Ignored by the streaming pipeline.
	Workers int
	// UpsampleMethod defines the algorithm used for chroma and image upsampling.
	UpsampleMethod UpsampleMethod
	// AllowPartial permits rendering before the frame is complete: on progressive
	// steps and when the input ends early. Without it, nothing but the header is
	// exposed until the final segment has been decoded.
	AllowPartial bool
	// Progressive configures when snapshots are emitted and the strict interval mode.
	Progressive Progressive
	// ProgressiveMode selects which decoded data snapshots render. Rows a mode
	// has not rendered yet are left untouched and excluded from Progress.
	ProgressiveMode ProgressiveMode
	// CrossCheck renders through both pipeline variants and fails with ErrInternal
	// if they disagree. Intended for tests and diagnostics.
	CrossCheck bool
	// MaxPixels limits width*height. Zero means 1<<28.
	MaxPixels int64
	// MaxSegment limits the payload size of a single segment. Zero means 64 MiB.
	MaxSegment int64
	// OnMetadata receives each metadata segment (colour profile, EXIF, ...)
	// before any tile is decoded. The data slice is owned by the callee.
	OnMetadata func(tag string, data []byte)
	// Logger receives diagnostics. Nil discards them.
	Logger logrus.FieldLogger
}

const (
	defaultMaxPixels  = 1 << 28
	defaultMaxSegment = 64 << 20
)

// withDefaults returns a copy of the first non-nil options with defaults applied.
func withDefaults(opts ...*Options) Options {
	var o Options
	if len(opts) > 0 && opts[0] != nil {
		o = *opts[0]
	}

	if o.MaxPixels <= 0 {
		o.MaxPixels = defaultMaxPixels
	}

	if o.MaxSegment <= 0 {
		o.MaxSegment = defaultMaxSegment
	}

	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}

	return o
}

// maxHeaderSize is the longest stream prefix that can hold the signature and the header segment.
const maxHeaderSize = len(signature) + segmentHeaderSize + maxHeaderPayload

// A pool for header-sized buffers to reduce allocations in DecodeConfig.
var headerBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, maxHeaderSize)

		return &b
	},
}

// Interface to check if a reader knows its remaining length.
type readerWithLen interface {
	Len() int
}

// readAllData reads data from r, pre-allocating if the size is known.
func readAllData(r io.Reader) ([]byte, error) {
	if rl, ok := r.(readerWithLen); ok {
		size := rl.Len()
		if size > 0 {
			data := make([]byte, size)
			_, err := io.ReadFull(r, data)
			if err != nil {
				return nil, fmt.Errorf("failed to read image data: %w", err)
			}

			return data, nil
		}
	}

	return io.ReadAll(r)
}

// Decode reads a PTF image from r and returns it as an [image.Image].
// It accepts an optional Options struct to control decoding parameters.
//
// 8-bit images decode to *image.Gray, *image.RGBA or *image.NRGBA; deeper and
// float images decode to the 16-bit variants. With AllowPartial, a truncated
// stream yields the rows decoded so far and a nil error.
func Decode(r io.Reader, opts ...*Options) (image.Image, error) {
	data, err := readAllData(r)
	if err != nil {
		return nil, err
	}

	s, err := NewSession(opts...)
	if err != nil {
		return nil, err
	}

	// A size-only call stops after the header, so the image is bound before any tile.
	res, err := s.Process(Input{Data: data, Final: true, SizeOnly: true})
	if err != nil {
		return nil, err
	}

	if res.Status != StatusHeaderParsed {
		return nil, fmt.Errorf("%w: %v", ErrInternal, res.Status)
	}

	cfg, _ := s.Config()

	img, surface, err := newImage(cfg)
	if err != nil {
		return nil, err
	}

	if err := s.SetSurface(surface); err != nil {
		return nil, err
	}

	for {
		res, err = s.Process(Input{Data: data, Final: true})
		if err != nil {
			return nil, err
		}

		// Strict interval mode pauses; resume until the input is exhausted.
		if res.Status != StatusProgress {
			break
		}
	}

	if res.Status == StatusComplete || s.opts.AllowPartial {
		return img, nil
	}

	return nil, fmt.Errorf("truncated stream: %w", ErrNeedMoreInput)
}

// newImage allocates an image matching cfg and a surface writing into its pixels.
func newImage(cfg Config) (image.Image, *Surface, error) {
	rect := image.Rect(0, 0, cfg.Width, cfg.Height)
	wide := cfg.Depth > 8

	var format DataFormat
	if wide {
		format = DataFormat{Type: Uint16, Bits: 16, BigEndian: true}
	} else {
		format = DataFormat{Type: Uint8}
	}

	if cfg.Components == 1 && !cfg.Alpha {
		if wide {
			img := image.NewGray16(rect)

			return img, &Surface{Pix: img.Pix, Stride: img.Stride, Width: cfg.Width, Height: cfg.Height, Layout: LayoutNative, Format: format}, nil
		}

		img := image.NewGray(rect)

		return img, &Surface{Pix: img.Pix, Stride: img.Stride, Width: cfg.Width, Height: cfg.Height, Layout: LayoutNative, Format: format}, nil
	}

	if cfg.Components != 1 && cfg.Components != 3 {
		return nil, nil, fmt.Errorf("%d components have no image.Image mapping: %w", cfg.Components, ErrUnsupported)
	}

	var (
		img    image.Image
		pix    []byte
		stride int
	)

	switch {
	case wide && cfg.Alpha:
		m := image.NewNRGBA64(rect)
		img, pix, stride = m, m.Pix, m.Stride
	case wide:
		m := image.NewRGBA64(rect)
		img, pix, stride = m, m.Pix, m.Stride
	case cfg.Alpha:
		m := image.NewNRGBA(rect)
		img, pix, stride = m, m.Pix, m.Stride
	default:
		m := image.NewRGBA(rect)
		img, pix, stride = m, m.Pix, m.Stride
	}

	return img, &Surface{Pix: pix, Stride: stride, Width: cfg.Width, Height: cfg.Height, Layout: LayoutRGBA, Format: format}, nil
}

// DecodeConfig returns the color model and dimensions of a PTF image without decoding the tile data.
func DecodeConfig(r io.Reader) (image.Config, error) {
	bufPtr := headerBufferPool.Get().(*[]byte)
	defer headerBufferPool.Put(bufPtr)
	headerData := *bufPtr

	// An io.ErrUnexpectedEOF only means the stream is shorter than the largest header.
	n, err := io.ReadFull(r, headerData)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return image.Config{}, err
	}

	if n == 0 {
		return image.Config{}, fmt.Errorf("empty stream: %w", ErrMalformedHeader)
	}

	cfg, err := NewDecoder().Config(headerData[:n])
	if err != nil {
		if errors.Is(err, ErrNeedMoreInput) {
			return image.Config{}, fmt.Errorf("truncated header: %w", ErrMalformedHeader)
		}

		return image.Config{}, err
	}

	return image.Config{
		ColorModel: cfg.ColorModel(),
		Width:      cfg.Width,
		Height:     cfg.Height,
	}, nil
}

// ColorModel returns the color model of the image produced by Decode.
func (c Config) ColorModel() color.Model {
	wide := c.Depth > 8

	switch {
	case c.Components == 1 && !c.Alpha && wide:
		return color.Gray16Model
	case c.Components == 1 && !c.Alpha:
		return color.GrayModel
	case wide && c.Alpha:
		return color.NRGBA64Model
	case wide:
		return color.RGBA64Model
	case c.Alpha:
		return color.NRGBAModel
	}

	return color.RGBAModel
}

// init registers the PTF format with the standard library's image package.
func init() {
	decodeWrapper := func(r io.Reader) (image.Image, error) {
		return Decode(r)
	}

	image.RegisterFormat("ptf", signature, decodeWrapper, DecodeConfig)
}

// isSignature reports whether p starts with as much of the signature as it holds.
func isSignature(p []byte) bool {
	n := min(len(p), len(signature))

	return bytes.Equal(p[:n], []byte(signature[:n]))
}

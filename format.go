package ptf

import (
	"encoding/binary"
	"fmt"
	"image"
)

// signature opens every PTF stream.
const signature = "\x89PTF"

// Segment markers.
const (
	markerHeader   = 'H'
	markerMetadata = 'M'
	markerTile     = 'T'
	markerEnd      = 'E'
)

// segmentHeaderSize is the marker byte plus the 32-bit payload length.
const segmentHeaderSize = 5

// tileHeaderSize is the pass byte plus the 32-bit tile index opening a tile payload.
const tileHeaderSize = 5

// Header flag bits.
const (
	flagAlpha  = 1 << 0
	flagPlanar = 1 << 1
	flagFloat  = 1 << 2
)

// headerFixedSize is the header payload size without the per-channel quantizers.
const headerFixedSize = 17

// maxChannels is four colour components plus alpha.
const maxChannels = 5

// Codec identifies the container of tile bodies.
type Codec int

const (
	// CodecStored keeps tile bodies uncompressed.
	CodecStored Codec = iota
	// CodecZstd compresses each tile body as one zstd frame.
	CodecZstd
	// CodecZlib compresses each tile body as one zlib stream.
	CodecZlib
)

func (c Codec) String() string {
	switch c {
	case CodecStored:
		return "stored"
	case CodecZstd:
		return "zstd"
	case CodecZlib:
		return "zlib"
	}

	return fmt.Sprintf("Codec(%d)", int(c))
}

// ColorTransform identifies the colour reconstruction applied to channels 0..2.
type ColorTransform int

const (
	// TransformNone renders the channels as stored.
	TransformNone ColorTransform = iota
	// TransformYCbCr is the irreversible YCbCr to RGB transform.
	TransformYCbCr
)

// PixelFormat describes the samples of a decoded image.
// It is resolved once from the header and never changes afterwards.
type PixelFormat struct {
	Components int  // Colour components, 1 to 4.
	Depth      int  // Bits per sample: 8, 12, 16, or 32 for float samples.
	Float      bool // Samples are IEEE floats.
	Alpha      bool // An alpha channel follows the colour components.
	Planar     bool // The stream prefers one output plane per channel.
}

// Channels returns the number of logical channels, alpha included.
func (pf PixelFormat) Channels() int {
	if pf.Alpha {
		return pf.Components + 1
	}

	return pf.Components
}

// maxValue is the largest integer sample value, or 1 for float samples.
func (pf PixelFormat) maxValue() float32 {
	if pf.Float {
		return 1
	}

	return float32(int(1)<<pf.Depth - 1)
}

// Config is the resolved stream header.
type Config struct {
	Width, Height int
	PixelFormat
	TileSize   int            // Tile edge in coded pixels.
	Passes     int            // Refinement passes per tile, 1 or 2.
	Transform  ColorTransform // Colour reconstruction of channels 0..2.
	Subsampled bool           // Channels 1 and 2 are stored at half resolution.
	Upsampled  bool           // The coded image is half size and upsampled 2x.
	Codec      Codec          // Container of the tile bodies.
	Quant      []uint16       // Quantizer step per channel.
}

// codedSize returns the dimensions of the coded grid.
func (c Config) codedSize() (int, int) {
	if c.Upsampled {
		return ceilShift(c.Width, 1), ceilShift(c.Height, 1)
	}

	return c.Width, c.Height
}

func (c Config) tileShift() uint {
	var s uint
	for 1<<s < c.TileSize {
		s++
	}

	return s
}

func (c Config) tilesX() int {
	w, _ := c.codedSize()

	return (w + c.TileSize - 1) / c.TileSize
}

func (c Config) tilesY() int {
	_, h := c.codedSize()

	return (h + c.TileSize - 1) / c.TileSize
}

func (c Config) tileCount() int {
	return c.tilesX() * c.tilesY()
}

// channelShift returns the subsampling of channel ch relative to the coded grid.
func (c Config) channelShift(ch int) uint {
	if c.Subsampled && (ch == 1 || ch == 2) {
		return 1
	}

	return 0
}

// tileRect returns the coded-grid rectangle of tile t.
func (c Config) tileRect(t int) image.Rectangle {
	w, h := c.codedSize()
	tx, ty := t%c.tilesX(), t/c.tilesX()

	return image.Rect(tx*c.TileSize, ty*c.TileSize, min((tx+1)*c.TileSize, w), min((ty+1)*c.TileSize, h))
}

// channelRect returns the region of tile t within channel ch.
func (c Config) channelRect(t, ch int) image.Rectangle {
	r := c.tileRect(t)
	s := c.channelShift(ch)

	return image.Rect(r.Min.X>>s, r.Min.Y>>s, ceilShift(r.Max.X, s), ceilShift(r.Max.Y, s))
}

// ceilShift divides v by 2^s, rounding up.
func ceilShift(v int, s uint) int {
	return (v + (1 << s) - 1) >> s
}

// parseHeader decodes the payload of a header segment.
func parseHeader(p []byte, maxPixels int64) (Config, error) {
	if len(p) < headerFixedSize {
		return Config{}, fmt.Errorf("header of %d bytes: %w", len(p), ErrMalformedHeader)
	}

	var c Config
	c.Width = int(binary.BigEndian.Uint32(p[0:]))
	c.Height = int(binary.BigEndian.Uint32(p[4:]))
	c.Components = int(p[8])
	flags := p[9]
	c.Depth = int(p[10])
	tileShift := p[11]
	c.Passes = int(p[12])
	c.Transform = ColorTransform(p[13])
	chroma := p[14]
	upsample := p[15]
	c.Codec = Codec(p[16])

	if c.Width == 0 || c.Height == 0 {
		return Config{}, fmt.Errorf("empty image %dx%d: %w", c.Width, c.Height, ErrMalformedHeader)
	}

	if int64(c.Width)*int64(c.Height) > maxPixels {
		return Config{}, fmt.Errorf("image %dx%d exceeds %d pixels: %w", c.Width, c.Height, maxPixels, ErrUnsupported)
	}

	if c.Components < 1 || c.Components > 4 {
		return Config{}, fmt.Errorf("component count %d: %w", c.Components, ErrMalformedHeader)
	}

	if flags&^(flagAlpha|flagPlanar|flagFloat) != 0 {
		return Config{}, fmt.Errorf("reserved flags %#x: %w", flags, ErrUnsupported)
	}

	c.Alpha = flags&flagAlpha != 0
	c.Planar = flags&flagPlanar != 0
	c.Float = flags&flagFloat != 0

	switch {
	case c.Float && c.Depth != 32:
		return Config{}, fmt.Errorf("float samples of %d bits: %w", c.Depth, ErrUnsupported)
	case !c.Float && c.Depth != 8 && c.Depth != 12 && c.Depth != 16:
		return Config{}, fmt.Errorf("bit depth %d: %w", c.Depth, ErrUnsupported)
	}

	if tileShift < 3 || tileShift > 10 {
		return Config{}, fmt.Errorf("tile shift %d: %w", tileShift, ErrMalformedHeader)
	}

	c.TileSize = 1 << tileShift

	if c.Passes != 1 && c.Passes != 2 {
		return Config{}, fmt.Errorf("%d passes: %w", c.Passes, ErrUnsupported)
	}

	switch c.Transform {
	case TransformNone:
	case TransformYCbCr:
		if c.Components < 3 {
			return Config{}, fmt.Errorf("colour transform on %d components: %w", c.Components, ErrMalformedHeader)
		}
	default:
		return Config{}, fmt.Errorf("colour transform %d: %w", c.Transform, ErrUnsupported)
	}

	switch chroma {
	case 0:
	case 1:
		if c.Transform != TransformYCbCr {
			return Config{}, fmt.Errorf("chroma subsampling without colour transform: %w", ErrMalformedHeader)
		}

		c.Subsampled = true
	default:
		return Config{}, fmt.Errorf("chroma mode %d: %w", chroma, ErrUnsupported)
	}

	switch upsample {
	case 0:
	case 1:
		c.Upsampled = true
	default:
		return Config{}, fmt.Errorf("upsampling mode %d: %w", upsample, ErrUnsupported)
	}

	if c.Codec < CodecStored || c.Codec > CodecZlib {
		return Config{}, fmt.Errorf("codec %d: %w", c.Codec, ErrUnsupported)
	}

	n := c.Channels()
	if len(p) != headerFixedSize+2*n {
		return Config{}, fmt.Errorf("header of %d bytes for %d channels: %w", len(p), n, ErrMalformedHeader)
	}

	c.Quant = make([]uint16, n)
	for i := range c.Quant {
		c.Quant[i] = binary.BigEndian.Uint16(p[headerFixedSize+2*i:])
		if c.Quant[i] == 0 {
			return Config{}, fmt.Errorf("zero quantizer for channel %d: %w", i, ErrMalformedHeader)
		}
	}

	return c, nil
}

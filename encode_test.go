package ptf

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// testStream is the input of the test encoder.
type testStream struct {
	cfg    Config
	planes [][]float32 // Samples per channel at channel resolution, rows packed.
	meta   []Metadata
}

// testSegment is one encoded segment, kept separate so tests can reorder or damage them.
type testSegment struct {
	marker  byte
	payload []byte
}

// testConfig returns an 8-bit single pass configuration with 8x8 tiles, modified by mods.
// Quantizers default to 1 for every channel.
func testConfig(w, h, comps int, mods ...func(*Config)) Config {
	cfg := Config{
		Width:       w,
		Height:      h,
		PixelFormat: PixelFormat{Components: comps, Depth: 8},
		TileSize:    8,
		Passes:      1,
		Codec:       CodecStored,
	}

	for _, m := range mods {
		m(&cfg)
	}

	if cfg.Quant == nil {
		cfg.Quant = make([]uint16, cfg.Channels())
		for i := range cfg.Quant {
			cfg.Quant[i] = 1
		}
	}

	return cfg
}

func withAlpha(c *Config) { c.Alpha = true }
func withTwoPasses(c *Config) { c.Passes = 2 }
func withYCbCr(c *Config) { c.Transform = TransformYCbCr }
func withSubsampled(c *Config) { c.Transform, c.Subsampled = TransformYCbCr, true }
func withUpsampled(c *Config) { c.Upsampled = true }
func withFloat(c *Config) { c.Float, c.Depth = true, 32 }

func withDepth(d int) func(*Config) {
	return func(c *Config) { c.Depth = d }
}

func withCodec(codec Codec) func(*Config) {
	return func(c *Config) { c.Codec = codec }
}

func withTileSize(n int) func(*Config) {
	return func(c *Config) { c.TileSize = n }
}

// testPattern returns a deterministic sample generator for cfg. Chroma channels
// of YCbCr streams are centred on zero.
func testPattern(cfg Config) func(c, x, y int) float32 {
	return func(c, x, y int) float32 {
		v := (x*37 + y*11 + c*71 + x*y) % 256
		if cfg.Transform == TransformYCbCr && (c == 1 || c == 2) {
			v -= 128
		}

		if cfg.Float {
			return float32(v) / 255
		}

		return float32(v * int(cfg.maxValue()) / 255)
	}
}

// newTestStream samples f over every channel of cfg.
func newTestStream(t testing.TB, cfg Config, f func(c, x, y int) float32) testStream {
	t.Helper()

	buf, err := Allocate(cfg)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	ts := testStream{cfg: cfg}
	for _, d := range buf.Desc() {
		plane := make([]float32, d.Width*d.Height)
		for y := 0; y < d.Height; y++ {
			for x := 0; x < d.Width; x++ {
				plane[y*d.Width+x] = f(d.Index, x, y)
			}
		}

		ts.planes = append(ts.planes, plane)
	}

	return ts
}

// forwardHaar computes the 2x2 Haar coefficients of a w x h plane in place of its samples.
func forwardHaar(plane []float32, w, h int) []float32 {
	out := make([]float32, len(plane))

	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			wide, tall := x+1 < w, y+1 < h

			a := plane[y*w+x]
			var b, c, d float32
			if wide {
				b = plane[y*w+x+1]
			}

			if tall {
				c = plane[(y+1)*w+x]
			}

			if wide && tall {
				d = plane[(y+1)*w+x+1]
			}

			s0, d0, s1, d1 := a+b, a-b, c+d, c-d

			switch {
			case wide && tall:
				out[y*w+x] = s0 + s1
				out[y*w+x+1] = d0 + d1
				out[(y+1)*w+x] = s0 - s1
				out[(y+1)*w+x+1] = d0 - d1
			case wide:
				out[y*w+x] = s0
				out[y*w+x+1] = d0
			case tall:
				out[y*w+x] = a + c
				out[(y+1)*w+x] = a - c
			default:
				out[y*w+x] = a
			}
		}
	}

	return out
}

func headerPayload(cfg Config) []byte {
	var flags byte
	if cfg.Alpha {
		flags |= flagAlpha
	}

	if cfg.Planar {
		flags |= flagPlanar
	}

	if cfg.Float {
		flags |= flagFloat
	}

	p := binary.BigEndian.AppendUint32(nil, uint32(cfg.Width))
	p = binary.BigEndian.AppendUint32(p, uint32(cfg.Height))
	p = append(p,
		byte(cfg.Components),
		flags,
		byte(cfg.Depth),
		byte(cfg.tileShift()),
		byte(cfg.Passes),
		byte(cfg.Transform),
		boolByte(cfg.Subsampled),
		boolByte(cfg.Upsampled),
		byte(cfg.Codec),
	)

	for _, q := range cfg.Quant {
		p = binary.BigEndian.AppendUint16(p, q)
	}

	return p
}

func boolByte(b bool) byte {
	if b {
		return 1
	}

	return 0
}

func appendZigzag(p []byte, v int64) []byte {
	u := uint32(int32(v)<<1) ^ uint32(int32(v)>>31)

	return binary.AppendUvarint(p, uint64(u))
}

func appendFloat(p []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(p, math.Float32bits(v))
}

func quantize(v float32, q uint16) int64 {
	return int64(math.Round(float64(v) / float64(q)))
}

// tileBody serializes one pass of one tile before compression.
func tileBody(cfg Config, coeffs [][]float32, desc []ChannelDesc, tile, pass int) []byte {
	var body []byte

	if cfg.Passes == 1 || pass == 0 {
		for c, d := range desc {
			r := cfg.channelRect(tile, c)
			for y := r.Min.Y; y < r.Max.Y; y += 2 {
				var prev int64
				for x := r.Min.X; x < r.Max.X; x += 2 {
					v := coeffs[c][y*d.Width+x]
					if cfg.Float {
						body = appendFloat(body, v)

						continue
					}

					q := quantize(v, cfg.Quant[c])
					body = appendZigzag(body, q-prev)
					prev = q
				}
			}
		}
	}

	if cfg.Passes == 1 || pass == 1 {
		for c, d := range desc {
			put := func(x, y int) {
				v := coeffs[c][y*d.Width+x]
				if cfg.Float {
					body = appendFloat(body, v)
				} else {
					body = appendZigzag(body, quantize(v, cfg.Quant[c]))
				}
			}

			r := cfg.channelRect(tile, c)
			for y := r.Min.Y; y < r.Max.Y; y += 2 {
				for x := r.Min.X; x < r.Max.X; x += 2 {
					wide, tall := x+1 < r.Max.X, y+1 < r.Max.Y
					if wide {
						put(x+1, y)
					}

					if tall {
						put(x, y+1)
					}

					if wide && tall {
						put(x+1, y+1)
					}
				}
			}
		}
	}

	return body
}

func compressBody(t testing.TB, codec Codec, raw []byte) []byte {
	t.Helper()

	switch codec {
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatalf("zstd.NewWriter failed: %v", err)
		}
		defer enc.Close()

		return enc.EncodeAll(raw, nil)
	case CodecZlib:
		var buf bytes.Buffer

		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			t.Fatalf("zlib write failed: %v", err)
		}

		if err := zw.Close(); err != nil {
			t.Fatalf("zlib close failed: %v", err)
		}

		return buf.Bytes()
	}

	return raw
}

// tileSegment builds a tile segment around an already compressed body.
func tileSegment(pass, tile int, body []byte) testSegment {
	p := []byte{byte(pass)}
	p = binary.BigEndian.AppendUint32(p, uint32(tile))

	return testSegment{markerTile, append(p, body...)}
}

// encodeSegments encodes ts pass by pass, tiles in raster order.
func encodeSegments(t testing.TB, ts testStream) []testSegment {
	t.Helper()

	segs := []testSegment{{markerHeader, headerPayload(ts.cfg)}}
	for _, m := range ts.meta {
		segs = append(segs, testSegment{markerMetadata, append([]byte(m.Tag), m.Data...)})
	}

	buf, err := Allocate(ts.cfg)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	desc := buf.Desc()

	coeffs := make([][]float32, len(desc))
	for c, d := range desc {
		coeffs[c] = forwardHaar(ts.planes[c], d.Width, d.Height)
	}

	for pass := 0; pass < ts.cfg.Passes; pass++ {
		for tile := 0; tile < ts.cfg.tileCount(); tile++ {
			body := compressBody(t, ts.cfg.Codec, tileBody(ts.cfg, coeffs, desc, tile, pass))
			segs = append(segs, tileSegment(pass, tile, body))
		}
	}

	return append(segs, testSegment{markerEnd, nil})
}

// assemble writes the signature followed by segs.
func assemble(segs []testSegment) []byte {
	out := []byte(signature)
	for _, s := range segs {
		out = append(out, s.marker)
		out = binary.BigEndian.AppendUint32(out, uint32(len(s.payload)))
		out = append(out, s.payload...)
	}

	return out
}

// segmentOffsets returns the stream offset of every segment of segs.
func segmentOffsets(segs []testSegment) []int64 {
	offs := make([]int64, len(segs))
	off := int64(len(signature))
	for i, s := range segs {
		offs[i] = off
		off += segmentHeaderSize + int64(len(s.payload))
	}

	return offs
}

func encodeStream(t testing.TB, ts testStream) []byte {
	t.Helper()

	return assemble(encodeSegments(t, ts))
}

// encodePattern encodes cfg filled with testPattern.
func encodePattern(t testing.TB, cfg Config) []byte {
	t.Helper()

	return encodeStream(t, newTestStream(t, cfg, testPattern(cfg)))
}

// decodeSurface decodes data in one call into a new surface.
func decodeSurface(t testing.TB, data []byte, opts *Options, layout Layout, format DataFormat) (*Session, *Surface, Result) {
	t.Helper()

	s, err := NewSession(opts)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	// A size-only call stops after the header so the surface is bound before any tile.
	res, err := s.Process(Input{Data: data, Final: true, SizeOnly: true})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if res.Status != StatusHeaderParsed {
		t.Fatalf("Expected %v, got %v", StatusHeaderParsed, res.Status)
	}

	cfg, _ := s.Config()
	sf := NewSurface(cfg, layout, format)
	if err := s.SetSurface(sf); err != nil {
		t.Fatalf("SetSurface failed: %v", err)
	}

	for {
		res, err = s.Process(Input{Data: data, Final: true})
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if res.Status != StatusProgress {
			break
		}
	}

	return s, sf, res
}

// floatSamples reads a native little-endian Float32 surface.
func floatSamples(sf *Surface, channels int) []float32 {
	out := make([]float32, 0, sf.Width*sf.Height*channels)
	for y := 0; y < sf.Height; y++ {
		row := sf.Pix[y*sf.Stride:]
		for i := 0; i < sf.Width*channels; i++ {
			out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(row[4*i:])))
		}
	}

	return out
}

func TestEncoderRoundTrip(t *testing.T) {
	cfg := testConfig(7, 5, 1)
	ts := newTestStream(t, cfg, testPattern(cfg))

	coeffs := forwardHaar(ts.planes[0], 7, 5)
	if coeffs[0] != ts.planes[0][0]+ts.planes[0][1]+ts.planes[0][7]+ts.planes[0][8] {
		t.Errorf("LL of the first block: got %v", coeffs[0])
	}

	// The last column holds single-column blocks.
	if coeffs[6] != ts.planes[0][6]+ts.planes[0][13] {
		t.Errorf("LL of an edge block: got %v", coeffs[6])
	}

	// The last row holds single-row blocks.
	if coeffs[4*7] != ts.planes[0][4*7]+ts.planes[0][4*7+1] {
		t.Errorf("LL of a bottom block: got %v", coeffs[4*7])
	}

	if coeffs[4*7+6] != ts.planes[0][4*7+6] {
		t.Errorf("LL of the corner block: got %v", coeffs[4*7+6])
	}
}

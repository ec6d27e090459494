package ptf

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestParseHeader(t *testing.T) {
	cfg := testConfig(300, 200, 3, withAlpha, withSubsampled, withTwoPasses, withCodec(CodecZstd), withDepth(12), withTileSize(64))
	cfg.Quant = []uint16{1, 2, 3, 4}

	got, err := parseHeader(headerPayload(cfg), defaultMaxPixels)
	if err != nil {
		t.Fatalf("parseHeader failed: %v", err)
	}

	if got.Width != 300 || got.Height != 200 || got.Channels() != 4 || got.Depth != 12 {
		t.Errorf("Got %+v", got)
	}

	if got.TileSize != 64 || got.Passes != 2 || !got.Subsampled || got.Transform != TransformYCbCr || got.Codec != CodecZstd {
		t.Errorf("Got %+v", got)
	}

	for i, q := range []uint16{1, 2, 3, 4} {
		if got.Quant[i] != q {
			t.Errorf("Quant[%d]: got %d, want %d", i, got.Quant[i], q)
		}
	}
}

func TestParseHeaderErrors(t *testing.T) {
	base := testConfig(16, 16, 3)

	tests := []struct {
		name   string
		modify func(p []byte) []byte
		want   error
	}{
		{"short", func(p []byte) []byte { return p[:10] }, ErrMalformedHeader},
		{"zero width", func(p []byte) []byte { binary.BigEndian.PutUint32(p, 0); return p }, ErrMalformedHeader},
		{"too many pixels", func(p []byte) []byte { binary.BigEndian.PutUint32(p, 1<<30); return p }, ErrUnsupported},
		{"no components", func(p []byte) []byte { p[8] = 0; return p }, ErrMalformedHeader},
		{"reserved flag", func(p []byte) []byte { p[9] = 0x80; return p }, ErrUnsupported},
		{"bit depth", func(p []byte) []byte { p[10] = 10; return p }, ErrUnsupported},
		{"float depth", func(p []byte) []byte { p[9] = flagFloat; return p }, ErrUnsupported},
		{"tile shift", func(p []byte) []byte { p[11] = 2; return p }, ErrMalformedHeader},
		{"passes", func(p []byte) []byte { p[12] = 3; return p }, ErrUnsupported},
		{"transform", func(p []byte) []byte { p[13] = 7; return p }, ErrUnsupported},
		{"chroma without transform", func(p []byte) []byte { p[14] = 1; return p }, ErrMalformedHeader},
		{"upsample mode", func(p []byte) []byte { p[15] = 2; return p }, ErrUnsupported},
		{"codec", func(p []byte) []byte { p[16] = 9; return p }, ErrUnsupported},
		{"missing quantizer", func(p []byte) []byte { return p[:len(p)-2] }, ErrMalformedHeader},
		{"zero quantizer", func(p []byte) []byte { p[headerFixedSize] = 0; p[headerFixedSize+1] = 0; return p }, ErrMalformedHeader},
		{"alpha without quantizer", func(p []byte) []byte { p[9] = flagAlpha; return p }, ErrMalformedHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseHeader(tt.modify(headerPayload(base)), defaultMaxPixels)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParseHeaderTransformNeedsColour(t *testing.T) {
	cfg := testConfig(4, 4, 1)
	p := headerPayload(cfg)
	p[13] = byte(TransformYCbCr)

	if _, err := parseHeader(p, defaultMaxPixels); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("Expected ErrMalformedHeader, got %v", err)
	}
}

func TestTileGeometry(t *testing.T) {
	cfg := testConfig(20, 9, 3, withSubsampled)

	if cfg.tilesX() != 3 || cfg.tilesY() != 2 {
		t.Fatalf("Expected 3x2 tiles, got %dx%d", cfg.tilesX(), cfg.tilesY())
	}

	// The last tile is clipped to the image.
	if r := cfg.tileRect(5); r.Min.X != 16 || r.Min.Y != 8 || r.Max.X != 20 || r.Max.Y != 9 {
		t.Errorf("tileRect(5): got %v", r)
	}

	// Chroma regions are half size, rounded up.
	if r := cfg.channelRect(5, 1); r.Min.X != 8 || r.Min.Y != 4 || r.Max.X != 10 || r.Max.Y != 5 {
		t.Errorf("channelRect(5, 1): got %v", r)
	}

	up := testConfig(17, 17, 1, withUpsampled)
	if w, h := up.codedSize(); w != 9 || h != 9 {
		t.Errorf("codedSize: got %dx%d, want 9x9", w, h)
	}
}

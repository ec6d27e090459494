package ptf

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// maxTileBody bounds the decompressed size of one tile section.
const maxTileBody = 256 << 20

// zstdDecoderPool is a pool of zstd decoders shared by all sessions.
var zstdDecoderPool = sync.Pool{
	New: func() interface{} {
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderLowmem(true),
			zstd.WithDecoderMaxMemory(maxTileBody),
		)
		if err != nil {
			panic(err)
		}

		return dec
	},
}

// tileState records how far each tile has been decoded.
type tileState struct {
	tilesX   int
	passes   []uint8  // Passes decoded per tile.
	versions []uint32 // Bumped whenever a tile's coefficients change.
}

func newTileState(cfg Config) *tileState {
	n := cfg.tileCount()

	return &tileState{
		tilesX:   cfg.tilesX(),
		passes:   make([]uint8, n),
		versions: make([]uint32, n),
	}
}

// level returns the smallest pass count over tile rows [ty0, ty1).
func (s *tileState) level(ty0, ty1 int) int {
	lvl := -1
	for t := ty0 * s.tilesX; t < ty1*s.tilesX; t++ {
		if p := int(s.passes[t]); lvl < 0 || p < lvl {
			lvl = p
		}
	}

	return max(lvl, 0)
}

// version returns a value that changes whenever a tile in rows [ty0, ty1) changes.
func (s *tileState) version(ty0, ty1 int) uint64 {
	var v uint64
	for t := ty0 * s.tilesX; t < ty1*s.tilesX; t++ {
		v += uint64(s.versions[t])
	}

	return v
}

// complete reports whether every tile has all passes.
func (s *tileState) complete(passes int) bool {
	for _, p := range s.passes {
		if int(p) < passes {
			return false
		}
	}

	return true
}

// coeffWalker visits the coefficient slots of one tile section in stream order:
// the LL coefficients of every channel for the first pass, then the HL, LH and
// HH coefficients of every channel for the second. A single pass stream carries both.
type coeffWalker struct {
	rects  []image.Rectangle // Tile region per channel.
	phases []bool            // True for the lowpass phase.

	phase, c int
	x, y     int
	k        int  // Next detail slot of the block.
	fresh    bool // Position not yet set for channel c.
}

func newCoeffWalker(cfg Config, tile, pass int) coeffWalker {
	w := coeffWalker{fresh: true}
	for c := 0; c < cfg.Channels(); c++ {
		w.rects = append(w.rects, cfg.channelRect(tile, c))
	}

	if cfg.Passes == 1 || pass == 0 {
		w.phases = append(w.phases, true)
	}

	if cfg.Passes == 1 || pass == 1 {
		w.phases = append(w.phases, false)
	}

	return w
}

// next returns the channel, position and kind of the next coefficient.
// The boolean is false once the section is exhausted.
func (w *coeffWalker) next() (c, x, y int, low, ok bool) {
	for w.phase < len(w.phases) {
		if w.c == len(w.rects) {
			w.phase, w.c, w.fresh = w.phase+1, 0, true

			continue
		}

		r := w.rects[w.c]
		if w.fresh {
			w.x, w.y, w.k, w.fresh = r.Min.X, r.Min.Y, 0, false
		}

		if w.y >= r.Max.Y {
			w.c, w.fresh = w.c+1, true

			continue
		}

		if w.x >= r.Max.X {
			w.x, w.y, w.k = r.Min.X, w.y+2, 0

			continue
		}

		if w.phases[w.phase] {
			x, y := w.x, w.y
			w.x += 2

			return w.c, x, y, true, true
		}

		wide := w.x+1 < r.Max.X
		tall := w.y+1 < r.Max.Y

		var dx, dy int
		switch {
		case w.k == 0 && wide:
			dx, dy = 1, 0
		case w.k <= 1 && tall:
			dx, dy, w.k = 0, 1, 1
		case w.k <= 2 && wide && tall:
			dx, dy, w.k = 1, 1, 2
		default:
			w.x, w.k = w.x+2, 0

			continue
		}

		w.k++

		return w.c, w.x + dx, w.y + dy, false, true
	}

	return 0, 0, 0, false, false
}

// done reports whether every slot has been visited.
func (w coeffWalker) done() bool {
	_, _, _, _, ok := w.next()

	return !ok
}

// tileDecoder turns tile sections into coefficients in the channel buffers.
//
// A section may arrive in pieces. With incremental set, stored bodies are
// applied as their bytes come in, keeping a coefficient split between pieces
// in pending. Otherwise bodies are collected in pending and applied once
// complete, so the buffers only ever hold whole passes.
type tileDecoder struct {
	cfg         Config
	buf         *Buffers
	state       *tileState
	incremental bool

	tile, pass int
	walk       coeffWalker
	prev       float32 // Previous LL coefficient of the block row.
	pending    []byte
	scratch    []byte // Decompressed body, reused between tiles.
}

func newTileDecoder(cfg Config, buf *Buffers, incremental bool) *tileDecoder {
	return &tileDecoder{cfg: cfg, buf: buf, state: newTileState(cfg), incremental: incremental}
}

// begin starts a section carrying the given pass of a tile.
func (td *tileDecoder) begin(pass, tile int) error {
	if tile < 0 || tile >= len(td.state.passes) {
		return fmt.Errorf("tile %d of %d: %w", tile, len(td.state.passes), ErrCorrupt)
	}

	if pass >= td.cfg.Passes {
		return fmt.Errorf("pass %d of %d: %w", pass, td.cfg.Passes, ErrCorrupt)
	}

	if int(td.state.passes[tile]) != pass {
		return fmt.Errorf("tile %d pass %d after %d passes: %w", tile, pass, td.state.passes[tile], ErrCorrupt)
	}

	td.tile, td.pass = tile, pass
	td.walk = newCoeffWalker(td.cfg, tile, pass)
	td.prev = 0
	td.pending = td.pending[:0]

	return nil
}

// write applies the next bytes of the section body. Last marks the end of the body.
func (td *tileDecoder) write(p []byte, last bool) (err error) {
	defer recoverDecode(&err)

	if td.incremental && td.cfg.Codec == CodecStored {
		td.apply(p)
	} else {
		body := p
		if len(td.pending) > 0 || !last {
			td.pending = append(td.pending, p...)
			body = td.pending
		}

		if !last {
			return nil
		}

		raw, err := td.inflate(body)
		if err != nil {
			return err
		}

		td.pending = td.pending[:0]
		td.apply(raw)
	}

	if !last {
		return nil
	}

	if !td.walk.done() {
		return fmt.Errorf("tile %d: body ends before its coefficients: %w", td.tile, ErrCorrupt)
	}

	if len(td.pending) != 0 {
		return fmt.Errorf("tile %d: %d trailing bytes: %w", td.tile, len(td.pending), ErrCorrupt)
	}

	td.state.passes[td.tile]++
	td.state.versions[td.tile]++

	return nil
}

// apply stores every whole coefficient of data and keeps the remainder in pending.
func (td *tileDecoder) apply(data []byte) {
	if len(td.pending) > 0 {
		td.pending = append(td.pending, data...)
		data = td.pending
	}

	rd := &coeffReader{data: data, float: td.cfg.Float}
	wrote := false

	for rd.ready() {
		c, x, y, low, ok := td.walk.next()
		if !ok {
			rd.fail("tile %d: %d trailing bytes", td.tile, rd.remaining())
		}

		pix, stride := td.plane(c)

		if low {
			if x == td.walk.rects[c].Min.X {
				td.prev = 0
			}

			td.prev = rd.lowpass(td.prev)
			pix[y*stride+x] = td.prev
		} else {
			pix[y*stride+x] = rd.detail()
		}

		wrote = true
	}

	td.pending = append(td.pending[:0], data[rd.pos:]...)

	if wrote {
		td.state.versions[td.tile]++
	}
}

func (td *tileDecoder) plane(c int) ([]float32, int) {
	pix, d, err := td.buf.Plane(c)
	if err != nil {
		panic(errDecode{err})
	}

	return pix, d.Stride
}

// inflate returns the decompressed tile body.
func (td *tileDecoder) inflate(body []byte) ([]byte, error) {
	switch td.cfg.Codec {
	case CodecStored:
		return body, nil
	case CodecZstd:
		dec := zstdDecoderPool.Get().(*zstd.Decoder)
		defer zstdDecoderPool.Put(dec)

		out, err := dec.DecodeAll(body, td.scratch[:0])
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %v: %w", err, ErrCorrupt)
		}

		td.scratch = out

		return out, nil
	case CodecZlib:
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zlib decode: %v: %w", err, ErrCorrupt)
		}
		defer zr.Close()

		w := bytes.NewBuffer(td.scratch[:0])
		n, err := io.Copy(w, io.LimitReader(zr, maxTileBody+1))
		if err != nil {
			return nil, fmt.Errorf("zlib decode: %v: %w", err, ErrCorrupt)
		}

		if n > maxTileBody {
			return nil, fmt.Errorf("tile body exceeds %d bytes: %w", maxTileBody, ErrCorrupt)
		}

		td.scratch = w.Bytes()

		return td.scratch, nil
	}

	return nil, fmt.Errorf("codec %v: %w", td.cfg.Codec, ErrUnsupported)
}

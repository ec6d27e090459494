package ptf

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// State is the position of a session in the decoding state machine.
type State int

const (
	StateInitial State = iota
	StateHeaderParsed
	StateFrameDecoding
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateHeaderParsed:
		return "header-parsed"
	case StateFrameDecoding:
		return "frame-decoding"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Status is the outcome of a Process call.
type Status int

const (
	// StatusNeedMoreInput means every available byte has been used.
	StatusNeedMoreInput Status = iota
	// StatusHeaderParsed means the header is known; bind a surface and call again.
	StatusHeaderParsed
	// StatusProgress means a snapshot or a strict interval pause; call again to continue.
	StatusProgress
	// StatusComplete means the frame has been fully decoded and rendered.
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusNeedMoreInput:
		return "need-more-input"
	case StatusHeaderParsed:
		return "header-parsed"
	case StatusProgress:
		return "progress"
	case StatusComplete:
		return "complete"
	}

	return fmt.Sprintf("Status(%d)", int(s))
}

// Input is one call's worth of stream data.
type Input struct {
	// Data is either the next chunk (Chunk set) or the whole stream prefix seen so far.
	Data []byte
	// Chunk selects append semantics. A session uses one mode for its lifetime.
	Chunk bool
	// Final reports that no more data will follow.
	Final bool
	// SizeOnly stops after the header and never allocates.
	SizeOnly bool
}

// Result describes the state of a session after a Process call.
type Result struct {
	Status   Status
	State    State
	Consumed int64    // Bytes durably consumed.
	Progress Progress // Rows written to the surface so far.
	Snapshot bool     // The call wrote a partial image.
}

// Metadata is an uninterpreted metadata segment.
type Metadata struct {
	Tag  string
	Data []byte
}

// maxHeaderPayload is the size of a header with the largest channel count.
const maxHeaderPayload = headerFixedSize + 2*maxChannels

// Session decodes one PTF stream.
type Session struct {
	opts Options
	log  logrus.FieldLogger

	cursor Cursor
	in     input
	ctrl   *Controller
	state  State

	cfg       Config
	hasConfig bool
	buf       *Buffers
	tiles     *tileDecoder
	plan      *plan
	pipe      Pipeline
	surface   *Surface
	meta      []Metadata
	seg       segment
	tileSeen  bool // Metadata is no longer allowed.
	rendering bool // A strict interval snapshot is still rendering.
	progress  Progress

	res Result // Result of a terminal state.
	err error
}

// NewSession returns a session in the initial state.
func NewSession(opts ...*Options) (*Session, error) {
	o := withDefaults(opts...)

	ctrl, err := newController(o.Progressive)
	if err != nil {
		return nil, err
	}

	if o.Pipeline != Streaming && o.Pipeline != FullFrame {
		return nil, fmt.Errorf("pipeline %v: %w", o.Pipeline, ErrUnsupported)
	}

	if o.UpsampleMethod != NearestNeighbor && o.UpsampleMethod != CatmullRom {
		return nil, fmt.Errorf("upsample method %d: %w", o.UpsampleMethod, ErrUnsupported)
	}

	if o.ProgressiveMode < ProgressivePass || o.ProgressiveMode > ProgressiveFullFrame {
		return nil, fmt.Errorf("progressive mode %v: %w", o.ProgressiveMode, ErrUnsupported)
	}

	return &Session{opts: o, log: o.Logger, ctrl: ctrl}, nil
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Config returns the parsed header. The boolean is false before the header is known.
func (s *Session) Config() (Config, bool) {
	return s.cfg, s.hasConfig
}

// Buffers returns the channel buffers, or nil before allocation.
func (s *Session) Buffers() *Buffers {
	return s.buf
}

// Metadata returns the metadata segments seen so far.
func (s *Session) Metadata() []Metadata {
	return s.meta
}

// SetSurface binds the destination of rendered pixels. Rows are written on
// snapshots and on completion. Binding a surface after completion renders into it at once.
func (s *Session) SetSurface(sf *Surface) error {
	if s.state == StateError {
		return s.err
	}

	if !s.hasConfig {
		return fmt.Errorf("surface bound before the header: %w", ErrBufferContract)
	}

	if sf == nil {
		return fmt.Errorf("nil surface: %w", ErrBufferContract)
	}

	if err := sf.Check(s.cfg); err != nil {
		return err
	}

	if _, err := newSaveStage(s.cfg, s.cfg.Channels(), sf); err != nil {
		return err
	}

	if sf != s.surface {
		s.rendering = false
	}

	s.surface = sf

	s.log.WithFields(logrus.Fields{
		"state":  s.state,
		"layout": sf.Layout,
		"stride": sf.Stride,
	}).Debug("surface bound")

	if s.state == StateComplete {
		if _, err := s.flush(0); err != nil {
			_, err = s.fail(err)

			return err
		}

		s.res = s.result(StatusComplete, false)
	}

	return nil
}

// Process feeds input and decodes as far as it allows.
// Terminal states return the same result and error again.
func (s *Session) Process(in Input) (Result, error) {
	switch s.state {
	case StateComplete, StateError:
		return s.res, s.err
	}

	total, err := s.in.feed(in.Data, in.Chunk, s.cursor.Consumed())
	if err != nil {
		return s.fail(err)
	}

	if err := s.cursor.See(total); err != nil {
		return s.fail(err)
	}

	if s.state == StateInitial {
		ok, err := s.readHeader(in.Final)
		if err != nil {
			return s.fail(err)
		}

		if !ok {
			return s.result(StatusNeedMoreInput, false), nil
		}

		s.setState(StateHeaderParsed)

		if in.SizeOnly {
			return s.result(StatusHeaderParsed, false), nil
		}

		if err := s.allocate(); err != nil {
			return s.fail(err)
		}

		if s.cursor.Available() == 0 {
			return s.result(StatusHeaderParsed, false), nil
		}
	}

	if in.SizeOnly {
		return s.result(StatusHeaderParsed, false), nil
	}

	if s.buf == nil {
		if err := s.allocate(); err != nil {
			return s.fail(err)
		}
	}

	if s.rendering {
		return s.snapshot(StatusProgress, s.ctrl.steps)
	}

	return s.decodeFrame(in.Final)
}

// readHeader consumes the signature and the header segment in one step.
func (s *Session) readHeader(final bool) (bool, error) {
	p := s.in.window(s.cursor.Consumed(), s.cursor.Seen())

	if !isSignature(p) {
		return false, fmt.Errorf("not a PTF stream: %w", ErrMalformedHeader)
	}

	need := len(signature) + segmentHeaderSize
	if len(p) >= need {
		if m := p[len(signature)]; m != markerHeader {
			return false, fmt.Errorf("first segment %q is not a header: %w", m, ErrMalformedHeader)
		}

		n := binary.BigEndian.Uint32(p[len(signature)+1:])
		if n > maxHeaderPayload {
			return false, fmt.Errorf("header of %d bytes: %w", n, ErrMalformedHeader)
		}

		need += int(n)
	}

	if len(p) < need {
		if final {
			return false, fmt.Errorf("truncated header: %w", ErrMalformedHeader)
		}

		return false, nil
	}

	cfg, err := parseHeader(p[len(signature)+segmentHeaderSize:need], s.opts.MaxPixels)
	if err != nil {
		return false, err
	}

	if _, err := s.cursor.Advance(need); err != nil {
		return false, err
	}

	s.cfg, s.hasConfig = cfg, true

	s.log.WithFields(logrus.Fields{
		"width":    cfg.Width,
		"height":   cfg.Height,
		"channels": cfg.Channels(),
		"depth":    cfg.Depth,
		"passes":   cfg.Passes,
		"codec":    cfg.Codec,
	}).Debug("header parsed")

	return true, nil
}

// allocate creates the channel buffers and the pipeline. It runs once per session.
func (s *Session) allocate() error {
	if s.buf != nil {
		return fmt.Errorf("buffers already allocated: %w", ErrBufferContract)
	}

	buf, err := Allocate(s.cfg)
	if err != nil {
		return err
	}

	td := newTileDecoder(s.cfg, buf, s.opts.ProgressiveMode == ProgressiveEager)

	pl, err := newPlan(s.cfg, buf, td.state, s.opts.UpsampleMethod, s.opts.ProgressiveMode)
	if err != nil {
		return err
	}

	var pipe Pipeline
	if s.opts.CrossCheck {
		pipe, err = newCrossPipeline(s.opts.Pipeline, pl, s.opts.Workers)
	} else {
		pipe, err = newPipeline(s.opts.Pipeline, pl, s.opts.Workers)
	}

	if err != nil {
		return err
	}

	s.buf, s.tiles, s.plan, s.pipe = buf, td, pl, pipe

	s.log.WithFields(logrus.Fields{
		"channels": buf.Len(),
		"tiles":    s.cfg.tileCount(),
		"groups":   len(pl.groups),
		"stages":   len(pl.stages),
		"pipeline": pipe.Kind(),
	}).Debug("buffers allocated")

	return nil
}

// decodeFrame consumes input until it, or the strict interval, runs out.
func (s *Session) decodeFrame(final bool) (Result, error) {
	if s.state == StateHeaderParsed {
		s.setState(StateFrameDecoding)
	}

	end, capped := s.ctrl.Limit(s.cursor.Consumed(), s.cursor.Seen())

	for s.cursor.Consumed() < end {
		n, done, err := s.consume(s.in.window(s.cursor.Consumed(), end))
		if err != nil {
			return s.fail(&DecodeError{Offset: s.seg.start, Err: err})
		}

		if _, err := s.cursor.Advance(n); err != nil {
			return s.fail(err)
		}

		s.ctrl.Observe(s.cursor.Consumed())

		if done {
			if _, err := s.flush(0); err != nil {
				return s.fail(err)
			}

			s.setState(StateComplete)
			s.res = s.result(StatusComplete, false)

			return s.res, nil
		}
	}

	switch {
	case capped:
		s.ctrl.Pause(end)

		return s.snapshot(StatusProgress, s.ctrl.steps)
	case final:
		s.log.WithFields(logrus.Fields{
			"state":  s.state,
			"offset": s.cursor.Consumed(),
		}).Info("stream ended before the frame was complete")

		return s.snapshot(StatusNeedMoreInput, 0)
	case s.ctrl.Pending() && s.opts.AllowPartial:
		res, err := s.snapshot(StatusNeedMoreInput, 0)
		if err == nil && res.Snapshot {
			res.Status = StatusProgress
		}

		return res, err
	}

	return s.result(StatusNeedMoreInput, false), nil
}

// snapshot renders a partial image when allowed and returns status. A positive
// budget bounds the pipeline stages run; an unfinished render reports StatusProgress.
func (s *Session) snapshot(status Status, budget int) (Result, error) {
	if !s.opts.AllowPartial {
		return s.result(status, false), nil
	}

	changed, err := s.flush(budget)
	if err != nil {
		return s.fail(err)
	}

	if s.rendering {
		status = StatusProgress
	}

	return s.result(status, changed), nil
}

// segment is the position inside the segment being consumed. Bytes are
// consumed as they arrive, so a segment may span any number of calls.
type segment struct {
	start  int64 // Stream offset of the marker.
	head   [segmentHeaderSize + tileHeaderSize]byte
	fill   int // Bytes of head read.
	marker byte
	length int64 // Payload length, known once the segment header is read.
	read   int64 // Payload bytes consumed.
	data   []byte // Metadata payload read so far.
}

// consume feeds p, the bytes at the cursor, to the current segment and returns
// how many were used. Done reports the end of the frame.
func (s *Session) consume(p []byte) (int, bool, error) {
	sg := &s.seg

	if sg.fill == 0 {
		sg.start = s.cursor.Consumed()
	}

	if sg.fill < segmentHeaderSize {
		n := copy(sg.head[sg.fill:segmentHeaderSize], p)
		sg.fill += n

		if sg.fill < segmentHeaderSize {
			return n, false, nil
		}

		done, err := s.open()

		return n, done, err
	}

	if sg.marker == markerTile && sg.fill < len(sg.head) {
		n := copy(sg.head[sg.fill:], p)
		sg.fill += n
		sg.read += int64(n)

		if sg.fill < len(sg.head) {
			return n, false, nil
		}

		pass := int(sg.head[segmentHeaderSize])
		tile := int(binary.BigEndian.Uint32(sg.head[segmentHeaderSize+1:]))

		if err := s.tiles.begin(pass, tile); err != nil {
			return n, false, err
		}

		s.tileSeen = true

		if sg.read == sg.length {
			return n, false, s.body(nil, true)
		}

		return n, false, nil
	}

	n := int(min(int64(len(p)), sg.length-sg.read))
	sg.read += int64(n)
	last := sg.read == sg.length

	switch sg.marker {
	case markerMetadata:
		sg.data = append(sg.data, p[:n]...)
		if last {
			s.metadata(sg.data)
			sg.fill = 0
		}
	case markerTile:
		if err := s.body(p[:n], last); err != nil {
			return n, false, err
		}
	}

	return n, false, nil
}

// open checks a complete segment header. It returns true for the end of the frame.
func (s *Session) open() (bool, error) {
	sg := &s.seg
	sg.marker = sg.head[0]
	sg.length = int64(binary.BigEndian.Uint32(sg.head[1:]))
	sg.read = 0

	switch sg.marker {
	case markerMetadata, markerTile, markerEnd:
	case markerHeader:
		return false, fmt.Errorf("second header segment: %w", ErrMalformedHeader)
	default:
		return false, fmt.Errorf("unknown marker %#02x: %w", sg.marker, ErrMalformedHeader)
	}

	if sg.length > s.opts.MaxSegment {
		return false, fmt.Errorf("segment of %d bytes exceeds %d: %w", sg.length, s.opts.MaxSegment, ErrUnsupported)
	}

	switch sg.marker {
	case markerMetadata:
		if s.tileSeen {
			return false, fmt.Errorf("metadata after tile data: %w", ErrMalformedHeader)
		}

		if sg.length < 4 {
			return false, fmt.Errorf("metadata segment of %d bytes: %w", sg.length, ErrMalformedHeader)
		}

		sg.data = sg.data[:0]
	case markerTile:
		if sg.length < tileHeaderSize {
			return false, fmt.Errorf("tile segment of %d bytes: %w", sg.length, ErrCorrupt)
		}
	case markerEnd:
		if sg.length != 0 {
			return false, fmt.Errorf("end segment of %d bytes: %w", sg.length, ErrMalformedHeader)
		}

		if !s.tiles.state.complete(s.cfg.Passes) {
			return false, fmt.Errorf("end of frame with tiles missing: %w", ErrMalformedHeader)
		}

		sg.fill = 0

		return true, nil
	}

	return false, nil
}

// body passes tile body bytes to the tile decoder.
func (s *Session) body(p []byte, last bool) error {
	if err := s.tiles.write(p, last); err != nil {
		return err
	}

	if last {
		s.log.WithFields(logrus.Fields{
			"tile":   s.tiles.tile,
			"pass":   s.tiles.pass,
			"offset": s.seg.start,
		}).Debug("tile decoded")

		s.seg.fill = 0
	}

	return nil
}

// metadata records a complete metadata payload.
func (s *Session) metadata(p []byte) {
	m := Metadata{Tag: string(p[:4]), Data: append([]byte(nil), p[4:]...)}
	s.meta = append(s.meta, m)

	s.log.WithFields(logrus.Fields{"tag": m.Tag, "size": len(m.Data)}).Debug("metadata")

	if s.opts.OnMetadata != nil {
		s.opts.OnMetadata(m.Tag, append([]byte(nil), m.Data...))
	}
}

// flush renders into the bound surface. Without a surface only progress is
// updated. A positive budget bounds the pipeline stages run; the render then
// stays open until a later flush finishes it.
func (s *Session) flush(budget int) (bool, error) {
	if s.surface == nil {
		s.ctrl.Flushed()
		s.progress = s.plan.progress()

		return false, nil
	}

	var (
		pr   Progress
		done bool
		err  error
	)

	if budget <= 0 {
		pr, err = s.pipe.Run(s.surface)
		done = err == nil
	} else {
		for i := 0; i < budget && !done && err == nil; i++ {
			pr, done, err = s.pipe.Step(s.surface)
		}
	}

	if err != nil {
		return false, err
	}

	s.rendering = !done
	if !done {
		return false, nil
	}

	s.ctrl.Flushed()
	s.progress = pr

	if pr.Changed {
		s.log.WithFields(logrus.Fields{
			"state":   s.state,
			"offset":  s.cursor.Consumed(),
			"written": pr.Written.Max.Y,
			"final":   pr.Final.Max.Y,
		}).Debug("snapshot")
	}

	return pr.Changed, nil
}

func (s *Session) result(status Status, snapshot bool) Result {
	return Result{
		Status:   status,
		State:    s.state,
		Consumed: s.cursor.Consumed(),
		Progress: s.progress,
		Snapshot: snapshot,
	}
}

func (s *Session) setState(st State) {
	s.log.WithFields(logrus.Fields{
		"from":   s.state,
		"to":     st,
		"offset": s.cursor.Consumed(),
	}).Debug("state transition")

	s.state = st
}

// fail moves the session to the error state for good.
func (s *Session) fail(err error) (Result, error) {
	var de *DecodeError
	if !errors.As(err, &de) {
		de = &DecodeError{Offset: s.cursor.Consumed(), Err: err}
	}

	s.cursor.Fail(de)
	s.setState(StateError)

	s.err = de
	s.res = s.result(StatusNeedMoreInput, false)

	s.log.WithFields(logrus.Fields{
		"offset": de.Offset,
	}).WithError(de.Err).Error("decoding failed")

	return s.res, s.err
}

package ptf

import (
	"fmt"
)

// Decoder drives a Session from incremental input.
//
// The session is created on the first call and lives until Reset. Input is fed
// either with Append, one chunk at a time, or with Update, passing the whole
// prefix received so far.
type Decoder struct {
	opts    Options
	session *Session // Nil until the first input.
}

// NewDecoder returns a decoder with the given options. It accepts an optional Options struct.
func NewDecoder(opts ...*Options) *Decoder {
	return &Decoder{opts: withDefaults(opts...)}
}

func (d *Decoder) ensure() (*Session, error) {
	if d.session == nil {
		s, err := NewSession(&d.opts)
		if err != nil {
			return nil, err
		}

		d.session = s
	}

	return d.session, nil
}

// Append feeds the next chunk of the stream. Final reports that it is the last one.
func (d *Decoder) Append(chunk []byte, final bool) (Result, error) {
	s, err := d.ensure()
	if err != nil {
		return Result{}, err
	}

	return s.Process(Input{Data: chunk, Chunk: true, Final: final})
}

// Update feeds the stream prefix received so far. Data must start with the
// bytes passed to earlier calls and may not be shorter than what was consumed.
func (d *Decoder) Update(data []byte, final bool) (Result, error) {
	s, err := d.ensure()
	if err != nil {
		return Result{}, err
	}

	return s.Process(Input{Data: data, Final: final})
}

// Config resolves the header from a stream prefix without allocating any buffers.
// It returns an error wrapping ErrNeedMoreInput if the prefix ends inside the header.
// A session fed with Append takes no prefix; data is ignored and the header is
// reported once the appended chunks hold it.
func (d *Decoder) Config(data []byte) (Config, error) {
	s, err := d.ensure()
	if err != nil {
		return Config{}, err
	}

	if cfg, ok := s.Config(); ok {
		return cfg, nil
	}

	if s.in.mode == feedChunked {
		return Config{}, fmt.Errorf("header incomplete after %d appended bytes: %w", s.cursor.Seen(), ErrNeedMoreInput)
	}

	if _, err := s.Process(Input{Data: data, SizeOnly: true}); err != nil {
		return Config{}, err
	}

	cfg, ok := s.Config()
	if !ok {
		return Config{}, fmt.Errorf("header incomplete after %d bytes: %w", len(data), ErrNeedMoreInput)
	}

	return cfg, nil
}

// SetSurface binds the output surface of the current session.
func (d *Decoder) SetSurface(sf *Surface) error {
	if d.session == nil {
		return fmt.Errorf("surface bound before any input: %w", ErrBufferContract)
	}

	return d.session.SetSurface(sf)
}

// Session returns the current session, or nil before the first input.
func (d *Decoder) Session() *Session {
	return d.session
}

// Reset drops the current session. The next input starts a new stream.
func (d *Decoder) Reset() {
	d.session = nil
}

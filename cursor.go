package ptf

import "fmt"

// AdvanceKind tags the outcome of a cursor advance.
type AdvanceKind int

const (
	// Consumed means N more bytes were durably consumed.
	Consumed AdvanceKind = iota
	// NeedMoreInput means nothing could be consumed; N is the consumed total.
	NeedMoreInput
)

// Advance is the result of Cursor.Advance.
type Advance struct {
	Kind AdvanceKind
	N    int64
}

// Cursor tracks how much of the input has been durably consumed.
//
// Accounting is by cumulative stream offset, so a caller may re-supply bytes it
// already sent as part of a growing buffer. Once failed, a cursor stays failed.
type Cursor struct {
	consumed int64 // Monotonic, never exceeds seen.
	seen     int64 // Total input length observed so far.
	err      error // Permanent failure, if any.
}

// See records that total bytes of input are now available.
func (c *Cursor) See(total int64) error {
	if c.err != nil {
		return c.err
	}

	if total < c.consumed {
		return c.Fail(fmt.Errorf("input of %d bytes is shorter than the %d already consumed: %w", total, c.consumed, ErrBufferContract))
	}

	c.seen = total

	return nil
}

// Advance consumes n bytes. Consuming zero bytes reports NeedMoreInput.
func (c *Cursor) Advance(n int) (Advance, error) {
	if c.err != nil {
		return Advance{}, c.err
	}

	if n < 0 || int64(n) > c.seen-c.consumed {
		return Advance{}, c.Fail(fmt.Errorf("advance of %d bytes with %d available: %w", n, c.seen-c.consumed, ErrInternal))
	}

	if n == 0 {
		return Advance{Kind: NeedMoreInput, N: c.consumed}, nil
	}

	c.consumed += int64(n)

	return Advance{Kind: Consumed, N: int64(n)}, nil
}

// Fail makes err the permanent state of the cursor. The first failure wins.
func (c *Cursor) Fail(err error) error {
	if c.err == nil {
		c.err = err
	}

	return c.err
}

// Err returns the permanent failure, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Consumed returns the number of bytes durably consumed.
func (c *Cursor) Consumed() int64 {
	return c.consumed
}

// Seen returns the total input length observed.
func (c *Cursor) Seen() int64 {
	return c.seen
}

// Available returns the number of seen but unconsumed bytes.
func (c *Cursor) Available() int64 {
	return c.seen - c.consumed
}

type feedMode int

const (
	feedNone feedMode = iota
	feedGrowing
	feedChunked
)

// input holds the bytes seen so far.
// Growing input borrows the caller's slice; chunked input is copied, and the
// consumed prefix is dropped once it passes half of the buffer.
type input struct {
	mode feedMode
	base int64 // Stream offset of buf[0].
	buf  []byte
}

// feed adds data and returns the total stream length now available.
func (in *input) feed(data []byte, chunk bool, consumed int64) (int64, error) {
	mode := feedGrowing
	if chunk {
		mode = feedChunked
	}

	if in.mode != feedNone && in.mode != mode {
		return 0, fmt.Errorf("growing and chunked input mixed in one session: %w", ErrBufferContract)
	}

	in.mode = mode

	if !chunk {
		in.buf = data
		in.base = 0

		return int64(len(data)), nil
	}

	in.compact(consumed)
	in.buf = append(in.buf, data...)

	return in.base + int64(len(in.buf)), nil
}

func (in *input) compact(consumed int64) {
	drop := consumed - in.base
	if drop <= 0 || drop < int64(len(in.buf))/2 {
		return
	}

	n := copy(in.buf, in.buf[drop:])
	in.buf = in.buf[:n]
	in.base = consumed
}

// window returns the stream bytes in [from, to).
func (in *input) window(from, to int64) []byte {
	return in.buf[from-in.base : to-in.base]
}

// Package codec encodes a channel's ciphertext as a sequence of
// self-delimited opaque segments. Each segment is written as a 4-byte
// big-endian length followed by its bytes, so a stream can be split back
// into the exact segments it was built from without inspecting them.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	lengthPrefixSize = 4
	// MaxSegmentSize bounds a single segment. A CKKS row ciphertext is a few
	// hundred kilobytes, so this leaves plenty of room.
	MaxSegmentSize = 256 * 1024 * 1024
)

// ErrTruncated is returned when a stream ends inside a segment.
var ErrTruncated = errors.New("codec: truncated segment stream")

// Writer appends length-prefixed segments to an underlying writer.
type Writer struct {
	w     io.Writer
	count int
}

// NewWriter returns a Writer that appends segments to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteSegment appends one segment.
func (w *Writer) WriteSegment(seg []byte) error {
	if len(seg) > MaxSegmentSize {
		return fmt.Errorf("segment of %d bytes exceeds limit", len(seg))
	}
	var lenBuf [lengthPrefixSize]byte
	// #nosec G115 -- bounded by MaxSegmentSize above.
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(seg)))
	if _, err := w.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write segment length: %w", err)
	}
	if len(seg) > 0 {
		if _, err := w.w.Write(seg); err != nil {
			return fmt.Errorf("write segment: %w", err)
		}
	}
	w.count++
	return nil
}

// Count returns the number of segments written so far.
func (w *Writer) Count() int {
	return w.count
}

// Reader splits a stream back into segments.
type Reader struct {
	r io.Reader
}

// NewReader returns a Reader that consumes segments from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next segment. It returns io.EOF when the stream ends
// exactly on a segment boundary and ErrTruncated when it does not.
func (r *Reader) Next() ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	n, err := io.ReadFull(r.r, lenBuf[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("read segment length: %w", err)
	}
	segLen := binary.BigEndian.Uint32(lenBuf[:])
	if segLen > MaxSegmentSize {
		return nil, fmt.Errorf("segment length %d exceeds limit", segLen)
	}
	seg := make([]byte, segLen)
	if _, err := io.ReadFull(r.r, seg); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("read segment: %w", err)
	}
	return seg, nil
}

// ReadAll consumes r until the end and returns all segments in order.
func ReadAll(r io.Reader) ([][]byte, error) {
	sr := NewReader(r)
	var segs [][]byte
	for {
		seg, err := sr.Next()
		if errors.Is(err, io.EOF) {
			return segs, nil
		}
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
}

// Encode returns the stream form of segs.
func Encode(segs [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, seg := range segs {
		if err := w.WriteSegment(seg); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode splits an in-memory stream into its segments.
func Decode(data []byte) ([][]byte, error) {
	return ReadAll(bytes.NewReader(data))
}

// Package transport frames protocol messages over byte streams.
//
// Two bindings are provided: newline-delimited JSON for stdio and 4-byte
// big-endian length-prefixed frames for the Unix socket. Both yield the same
// payloads; the dispatcher does not know which one it is reading.
package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
)

// MaxMessageSize bounds a single payload in either binding.
const MaxMessageSize = 64 << 20

// ErrFrameTooLarge marks a payload that exceeded the size limit. It is
// delivered wrapped in a *FrameError; the stream stays usable.
var ErrFrameTooLarge = errors.New("message exceeds the size limit")

// FrameError reports a single unusable message. Reading may continue.
type FrameError struct {
	Size int64
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("discarded %d-byte message: %v", e.Size, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Reader yields one payload per call. It returns io.EOF when the stream
// ends cleanly and a *FrameError for a message that had to be discarded.
type Reader interface {
	ReadMessage() ([]byte, error)
}

// Writer emits one payload per call.
type Writer interface {
	WriteMessage(payload []byte) error
}

// Messages turns r into a lazy sequence. Frame errors are yielded and
// iteration continues; any other error is yielded once and ends the
// sequence. A clean end of stream ends it silently.
func Messages(r Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			payload, err := r.ReadMessage()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				var fe *FrameError
				if errors.As(err, &fe) {
					if !yield(nil, err) {
						return
					}
					continue
				}
				yield(nil, err)
				return
			}
			if !yield(payload, nil) {
				return
			}
		}
	}
}

// LineReader reads newline-delimited messages. "\r\n" endings are accepted
// and blank lines are skipped.
type LineReader struct {
	br  *bufio.Reader
	max int
}

// NewLineReader creates a LineReader. max <= 0 selects MaxMessageSize.
func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = MaxMessageSize
	}
	return &LineReader{br: bufio.NewReaderSize(r, 64<<10), max: max}
}

// ReadMessage implements Reader.
func (l *LineReader) ReadMessage() ([]byte, error) {
	for {
		line, size, err := l.readLine()
		if err != nil && (size == 0 || !errors.Is(err, io.EOF)) {
			return nil, err
		}
		if size > int64(l.max) {
			return nil, &FrameError{Size: size, Err: ErrFrameTooLarge}
		}
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(bytes.TrimSpace(line)) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// readLine returns the next line including its terminator. Once the line
// passes the size limit the rest of it is consumed and dropped, and only
// the total size is reported.
func (l *LineReader) readLine() ([]byte, int64, error) {
	var buf []byte
	var size int64
	for {
		chunk, err := l.br.ReadSlice('\n')
		size += int64(len(chunk))
		if size <= int64(l.max)+2 {
			buf = append(buf, chunk...)
		} else {
			buf = nil
		}
		switch {
		case err == nil:
			return buf, size - trailerLen(chunk), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return buf, size, err
		}
	}
}

func trailerLen(chunk []byte) int64 {
	switch {
	case bytes.HasSuffix(chunk, []byte("\r\n")):
		return 2
	case bytes.HasSuffix(chunk, []byte("\n")):
		return 1
	default:
		return 0
	}
}

// LineWriter writes one message per line.
type LineWriter struct {
	w io.Writer
}

// NewLineWriter creates a LineWriter.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// WriteMessage implements Writer. payload must not contain a newline;
// encoding/json output never does.
func (l *LineWriter) WriteMessage(payload []byte) error {
	if bytes.IndexByte(payload, '\n') >= 0 {
		return errors.New("payload contains a newline")
	}
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := l.w.Write(buf)
	return err
}

// FrameReader reads length-prefixed frames.
type FrameReader struct {
	r   io.Reader
	max int
	hdr [4]byte
}

// NewFrameReader creates a FrameReader. max <= 0 selects MaxMessageSize.
func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = MaxMessageSize
	}
	return &FrameReader{r: bufio.NewReaderSize(r, 64<<10), max: max}
}

// ReadMessage implements Reader. Empty frames are skipped.
func (f *FrameReader) ReadMessage() ([]byte, error) {
	for {
		if _, err := io.ReadFull(f.r, f.hdr[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("reading frame header: %w", err)
			}
			return nil, err
		}
		n := binary.BigEndian.Uint32(f.hdr[:])
		if n == 0 {
			continue
		}
		if int64(n) > int64(f.max) {
			if _, err := io.CopyN(io.Discard, f.r, int64(n)); err != nil {
				return nil, fmt.Errorf("discarding oversized frame: %w", err)
			}
			return nil, &FrameError{Size: int64(n), Err: ErrFrameTooLarge}
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return nil, fmt.Errorf("reading frame body: %w", err)
		}
		return payload, nil
	}
}

// FrameWriter writes length-prefixed frames.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteMessage implements Writer.
func (f *FrameWriter) WriteMessage(payload []byte) error {
	if len(payload) > MaxMessageSize {
		return &FrameError{Size: int64(len(payload)), Err: ErrFrameTooLarge}
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := f.w.Write(buf)
	return err
}

package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameBytes bounds a single frame. Screenshot references and decision
// payloads are passed by value, so frames can be large but not unbounded.
const MaxFrameBytes = 8 << 20

// Framer reads and writes one JSON envelope per line over an ordered duplex
// stream. Writes are serialized internally; reads must stay on one goroutine.
type Framer struct {
	r  *bufio.Reader
	w  io.Writer
	mu sync.Mutex
}

// NewFramer wraps rw (typically a net.Conn) in a line-delimited JSON codec.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{
		r: bufio.NewReaderSize(rw, 64<<10),
		w: rw,
	}
}

// ReadRequest reads the next request frame.
func (f *Framer) ReadRequest() (Request, error) {
	var req Request
	line, err := f.readLine()
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return req, fmt.Errorf("malformed request frame: %w", err)
	}
	return req, nil
}

// ReadResponse reads the next response frame.
func (f *Framer) ReadResponse() (Response, error) {
	var res Response
	line, err := f.readLine()
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(line, &res); err != nil {
		return res, fmt.Errorf("malformed response frame: %w", err)
	}
	return res, nil
}

// WriteRequest writes one request frame.
func (f *Framer) WriteRequest(req Request) error { return f.writeJSON(req) }

// WriteResponse writes one response frame.
func (f *Framer) WriteResponse(res Response) error { return f.writeJSON(res) }

func (f *Framer) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	b = append(b, '\n')
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.w.Write(b)
	return err
}

// readLine accumulates one newline-terminated frame, enforcing MaxFrameBytes
// as it reads so an oversized frame is rejected without buffering it whole.
func (f *Framer) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := f.r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxFrameBytes {
			return nil, fmt.Errorf("frame exceeds %d bytes", MaxFrameBytes)
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			// Tolerate a final unterminated frame.
			return line, nil
		default:
			return nil, err
		}
	}
}

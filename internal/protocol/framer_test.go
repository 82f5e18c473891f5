package protocol

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFramerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf)

	req, err := NewRequest("r1", MethodExecute, ExecuteParams{Action: "echo", Args: []any{"hi"}})
	require.NoError(t, err)
	require.NoError(t, f.WriteRequest(req))
	require.NoError(t, f.WriteResponse(OkResponse("r1", "done")))

	// Two frames, each on its own line.
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	got, err := f.ReadRequest()
	require.NoError(t, err)
	require.Equal(t, "r1", got.ID)
	require.Equal(t, MethodExecute, got.Method)

	res, err := f.ReadResponse()
	require.NoError(t, err)
	require.Equal(t, "r1", res.ID)
	require.NotNil(t, res.Result)
	require.True(t, res.Result.Success)
}

func TestFramerUnterminatedFinalFrame(t *testing.T) {
	f := NewFramer(readWriter{strings.NewReader(`{"id":"x","method":"health"}`), io.Discard})
	req, err := f.ReadRequest()
	require.NoError(t, err)
	require.Equal(t, "x", req.ID)

	_, err = f.ReadRequest()
	require.ErrorIs(t, err, io.EOF)
}

func TestFramerMalformedFrame(t *testing.T) {
	f := NewFramer(readWriter{strings.NewReader("not json\n"), io.Discard})
	_, err := f.ReadRequest()
	require.Error(t, err)
	require.Contains(t, err.Error(), "malformed request frame")
}

func TestFramerRejectsOversizedFrame(t *testing.T) {
	// A peer that never sends a newline must be cut off at the frame cap,
	// not buffered without bound.
	f := NewFramer(readWriter{endlessReader{}, io.Discard})
	_, err := f.ReadRequest()
	require.Error(t, err)
	require.Contains(t, err.Error(), "frame exceeds")
}

func TestFramerAcceptsFrameSpanningBufferedReads(t *testing.T) {
	// Larger than the framer's internal buffer, well under the frame cap.
	big := strings.Repeat("x", 100<<10)
	f := NewFramer(readWriter{strings.NewReader(`{"id":"` + big + `","method":"health"}` + "\n"), io.Discard})
	req, err := f.ReadRequest()
	require.NoError(t, err)
	require.Equal(t, big, req.ID)
}

func TestFramerConcurrentWrites(t *testing.T) {
	var buf safeBuffer
	f := NewFramer(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, f.WriteResponse(OkResponse("id", nil)))
		}()
	}
	wg.Wait()

	// Interleaved writers must still produce one valid frame per line.
	rf := NewFramer(readWriter{bytes.NewReader(buf.Bytes()), io.Discard})
	for i := 0; i < 20; i++ {
		res, err := rf.ReadResponse()
		require.NoError(t, err)
		require.Equal(t, "id", res.ID)
	}
}

type readWriter struct {
	io.Reader
	io.Writer
}

// endlessReader yields 'a' bytes forever without ever producing a newline.
type endlessReader struct{}

func (endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	return len(p), nil
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Read(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

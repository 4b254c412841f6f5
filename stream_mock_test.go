package nats

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testInfo = `INFO {"server_id":"X","version":"1.4.1","host":"0.0.0.0","port":4222,"max_payload":1048576}`

// mockStream serves queued inbound bytes and records every write.
type mockStream struct {
	in     bytes.Buffer
	out    bytes.Buffer
	writes []string

	// maxWrite, when positive, makes Write accept at most that many bytes.
	maxWrite int
	// zeroWrite makes Write accept nothing.
	zeroWrite bool
	// onWrite sees every accepted chunk.
	onWrite func(s *mockStream, p []byte)

	closed bool
}

func newMockStream(lines ...string) *mockStream {
	s := &mockStream{}
	s.serve(lines...)
	return s
}

// serve queues each line followed by CRLF.
func (s *mockStream) serve(lines ...string) {
	for _, line := range lines {
		s.in.WriteString(line + "\r\n")
	}
}

func (s *mockStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.zeroWrite {
		return 0, nil
	}

	n := len(p)
	if s.maxWrite > 0 && n > s.maxWrite {
		n = s.maxWrite
	}
	s.out.Write(p[:n])
	s.writes = append(s.writes, string(p[:n]))
	if s.onWrite != nil {
		s.onWrite(s, p[:n])
	}
	return n, nil
}

func (s *mockStream) ReadLine() ([]byte, error) {
	line, err := s.in.ReadBytes('\n')
	if err != nil {
		if len(line) > 0 {
			return line, io.ErrUnexpectedEOF
		}
		return nil, io.EOF
	}
	return bytes.TrimSuffix(line[:len(line)-1], []byte{'\r'}), nil
}

func (s *mockStream) ReadExact(n int) ([]byte, error) {
	if s.in.Len() < n {
		return bytes.Clone(s.in.Next(s.in.Len())), io.ErrUnexpectedEOF
	}
	return bytes.Clone(s.in.Next(n)), nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}

// lines returns the written control lines, one per CRLF terminated line.
func (s *mockStream) lines() []string {
	text := strings.TrimSuffix(s.out.String(), "\r\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\r\n")
}

func (s *mockStream) reset() {
	s.out.Reset()
	s.writes = nil
}

func discardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(t *testing.T) *Options {
	t.Helper()
	opts, err := NewOptions(map[string]any{
		"username": "user",
		"password": "password",
		"version":  "1.0.0",
	})
	require.NoError(t, err)
	return opts
}

// connectMock returns a Ready session over a mock stream with the handshake
// output already cleared.
func connectMock(t *testing.T, options ...Option) (*Conn, *mockStream) {
	t.Helper()

	s := newMockStream(testInfo, "PONG")
	c, err := Connect(s, testOptions(t), append([]Option{LoggerOption(discardLogger())}, options...)...)
	require.NoError(t, err)
	s.reset()
	return c, s
}

package nats

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Stream is the byte transport a session speaks the protocol over.
// A Stream is owned by exactly one session.
type Stream interface {
	// Write writes p and reports how many bytes were accepted. Short writes
	// are retried by the caller with the remaining suffix.
	Write(p []byte) (int, error)
	// ReadLine returns the next CRLF terminated line without its terminator.
	ReadLine() ([]byte, error)
	// ReadExact returns exactly n bytes or an error.
	ReadExact(n int) ([]byte, error)
}

// maxLineLength bounds a control line; INFO lines with long connect_urls
// lists are the largest the server sends.
const maxLineLength = 64 * 1024

// netStream is a Stream over a net.Conn with per-operation deadlines.
type netStream struct {
	rawConn   net.Conn
	reader    *bufio.Reader
	timeout   time.Duration
	chunkSize int
}

// NewStream wraps conn. Reads and writes use opts' timeout as a deadline and
// payloads are read in slices of at most opts' chunk size.
func NewStream(conn net.Conn, opts *Options) Stream {
	if opts == nil {
		opts = DefaultOptions()
	}
	chunkSize := opts.ChunkSize()
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &netStream{
		rawConn:   conn,
		reader:    bufio.NewReaderSize(conn, maxLineLength),
		timeout:   opts.Timeout(),
		chunkSize: chunkSize,
	}
}

func (s *netStream) deadline() time.Time {
	if s.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.timeout)
}

func (s *netStream) Write(p []byte) (int, error) {
	_ = s.rawConn.SetWriteDeadline(s.deadline())
	return s.rawConn.Write(p)
}

func (s *netStream) ReadLine() ([]byte, error) {
	_ = s.rawConn.SetReadDeadline(s.deadline())

	line, err := s.reader.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, &ProtocolError{Reason: "line exceeds maximum length", Err: ErrMessageTooLarge}
	case errors.Is(err, io.EOF) && len(line) > 0:
		return bytes.Clone(line), io.ErrUnexpectedEOF
	case err != nil:
		return nil, err
	}

	line = bytes.TrimSuffix(line[:len(line)-1], []byte{'\r'})
	return bytes.Clone(line), nil
}

func (s *netStream) ReadExact(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.Errorf("nats: negative read length %d", n)
	}

	buf := make([]byte, n)
	for read := 0; read < n; {
		end := min(read+s.chunkSize, n)

		_ = s.rawConn.SetReadDeadline(s.deadline())
		m, err := io.ReadFull(s.reader, buf[read:end])
		read += m
		if err != nil {
			return buf[:read], err
		}
	}
	return buf, nil
}

// Close closes the underlying connection.
func (s *netStream) Close() error {
	return s.rawConn.Close()
}

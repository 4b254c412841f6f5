package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Frame
	}{
		{"ok", "+OK", Frame{Kind: FrameOK}},
		{"ping", "PING", Frame{Kind: FramePing}},
		{"pong", "PONG", Frame{Kind: FramePong}},
		{"lower case pong", "pong", Frame{Kind: FramePong}},
		{"err", "-ERR 'Authorization Violation'", Frame{Kind: FrameErr, Message: "authorization violation"}},
		{"err without reason", "-ERR", Frame{Kind: FrameErr, Message: ""}},
		{"empty", "", Frame{Kind: FrameErr, Message: "empty response"}},
		{"blank", "   ", Frame{Kind: FrameErr, Message: "empty response"}},
		{"info", `INFO {"server_id":"X", "port":4222}`, Frame{Kind: FrameInfo, Info: []byte(`{"server_id":"X", "port":4222}`)}},
		{"msg", "MSG foo sid123 5", Frame{Kind: FrameMsg, Subject: "foo", Sid: "sid123", Size: 5}},
		{"msg with reply", "MSG foo sid123 INBOX.1 5", Frame{Kind: FrameMsg, Subject: "foo", Sid: "sid123", Reply: "INBOX.1", Size: 5}},
		{"msg extra spaces", "MSG  foo\tsid123   0", Frame{Kind: FrameMsg, Subject: "foo", Sid: "sid123", Size: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLine([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLine_Errors(t *testing.T) {
	tests := []string{
		"INFO",
		"MSG foo 5",
		"MSG foo sid reply extra 5",
		"MSG foo sid -1",
		"MSG foo sid five",
		"NOPE",
		"SUB foo sid",
	}

	for _, line := range tests {
		t.Run(line, func(t *testing.T) {
			_, err := parseLine([]byte(line))
			var protoErr *ProtocolError
			assert.ErrorAs(t, err, &protoErr)
		})
	}
}

func TestFrame_IsError(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"", true},
		{"-ERR 'Stale Connection'", true},
		{"+OK", false},
		{"PONG", false},
		{"PING", false},
	}

	for _, tt := range tests {
		f, err := parseLine([]byte(tt.line))
		require.NoError(t, err)
		assert.Equal(t, tt.want, f.IsError(), "line %q", tt.line)
	}
}

func TestReadFrame_Msg(t *testing.T) {
	s := newMockStream("MSG foo sid123 5", "hello", "MSG foo sid123 INBOX.1 5", "world")

	f, line, err := readFrame(s, 0)
	require.NoError(t, err)
	assert.Equal(t, "MSG foo sid123 5", string(line))
	assert.Equal(t, "foo", f.Subject)
	assert.Equal(t, "sid123", f.Sid)
	assert.Empty(t, f.Reply)
	assert.Equal(t, 5, f.Size)
	assert.Equal(t, "hello", string(f.Payload))

	f, _, err = readFrame(s, 0)
	require.NoError(t, err)
	assert.Equal(t, "INBOX.1", f.Reply)
	assert.Equal(t, "world", string(f.Payload))
}

func TestReadFrame_TooLarge(t *testing.T) {
	s := newMockStream("MSG foo sid 11", "hello world")

	_, _, err := readFrame(s, 10)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestReadFrame_SizeWithoutMaxPayload(t *testing.T) {
	tests := []string{
		"MSG foo sid 9223372036854775807",
		"MSG foo sid reply 9223372036854775806",
		"MSG foo sid 1000000000000",
		"MSG foo sid 67108865",
	}

	for _, line := range tests {
		t.Run(line, func(t *testing.T) {
			s := newMockStream(line, "x")

			_, _, err := readFrame(s, 0)
			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.ErrorIs(t, err, ErrMessageTooLarge)
		})
	}

	s := newMockStream("MSG foo sid 5", "hello")
	f, _, err := readFrame(s, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(f.Payload))
}

func TestReadFrame_Unterminated(t *testing.T) {
	s := &mockStream{}
	s.in.WriteString("+O")

	f, _, err := readFrame(s, 0)
	require.NoError(t, err)
	assert.True(t, f.IsError())
	assert.Equal(t, ErrEmptyResponse.Error(), f.Message)
}

func TestReadFrame_ShortPayload(t *testing.T) {
	s := &mockStream{}
	s.in.WriteString("MSG foo sid 10\r\nabc")

	_, _, err := readFrame(s, 0)
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestEncode(t *testing.T) {
	assert.Equal(t, "CONNECT {}\r\n", string(encodeConnect([]byte("{}"))))
	assert.Equal(t, "PING\r\n", string(encodePing()))
	assert.Equal(t, "PONG\r\n", string(encodePong()))
	assert.Equal(t, "PUB FOO 11\r\nHello World\r\n", string(encodePub("FOO", "", []byte("Hello World"))))
	assert.Equal(t, "PUB FOO BAR 2\r\n\r\n\r\n", string(encodePub("FOO", "BAR", []byte("\r\n"))))
	assert.Equal(t, "SUB foo PzioLnvdR4cXQfrIitw6\r\n", string(encodeSub("foo", "PzioLnvdR4cXQfrIitw6")))
	assert.Equal(t, "UNSUB sid\r\n", string(encodeUnsub("sid", 0)))
	assert.Equal(t, "UNSUB sid 1\r\n", string(encodeUnsub("sid", 1)))
}

func TestValidSubject(t *testing.T) {
	assert.True(t, validSubject("foo.bar"))
	assert.True(t, validSubject("_INBOX.abc"))
	assert.False(t, validSubject(""))
	assert.False(t, validSubject("foo bar"))
	assert.False(t, validSubject("foo\r\n"))
	assert.False(t, validSubject("foo\tbar"))
}

func TestFrameKind_String(t *testing.T) {
	assert.Equal(t, "+OK", FrameOK.String())
	assert.Equal(t, "-ERR", FrameErr.String())
	assert.Equal(t, "INFO", FrameInfo.String())
	assert.Equal(t, "MSG", FrameMsg.String())
	assert.Equal(t, "PING", FramePing.String())
	assert.Equal(t, "PONG", FramePong.String())
	assert.Equal(t, "UNKNOWN", FrameKind(42).String())
}

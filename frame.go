package nats

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const crlf = "\r\n"

// defaultMaxPayload caps inbound payloads when the server announced no
// max_payload.
const defaultMaxPayload = 64 << 20

// Protocol operation names.
const (
	opConnect = "CONNECT"
	opInfo    = "INFO"
	opPub     = "PUB"
	opSub     = "SUB"
	opUnsub   = "UNSUB"
	opMsg     = "MSG"
	opPing    = "PING"
	opPong    = "PONG"
	opOK      = "+OK"
	opErr     = "-ERR"
)

// FrameKind identifies the variant of an inbound Frame.
type FrameKind int

// Inbound frame kinds.
const (
	FrameOK FrameKind = iota
	FrameErr
	FrameInfo
	FrameMsg
	FramePing
	FramePong
)

// String returns the protocol name of the kind.
func (k FrameKind) String() string {
	switch k {
	case FrameOK:
		return opOK
	case FrameErr:
		return opErr
	case FrameInfo:
		return opInfo
	case FrameMsg:
		return opMsg
	case FramePing:
		return opPing
	case FramePong:
		return opPong
	default:
		return "UNKNOWN"
	}
}

// Frame is one decoded inbound protocol unit.
type Frame struct {
	Kind FrameKind

	// Message is the server's reason on FrameErr.
	Message string
	// Info is the raw JSON object on FrameInfo.
	Info []byte

	// MSG fields. Size is the payload length announced on the line.
	Subject string
	Sid     string
	Reply   string
	Size    int
	Payload []byte
}

// IsError reports whether the frame is an error response.
func (f Frame) IsError() bool {
	return f.Kind == FrameErr
}

func errFrame(message string) Frame {
	return Frame{Kind: FrameErr, Message: message}
}

// parseLine decodes a control line. MSG payloads are not read here.
func parseLine(line []byte) (Frame, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return errFrame(ErrEmptyResponse.Error()), nil
	}

	op, rest, _ := bytes.Cut(line, []byte{' '})
	switch strings.ToUpper(string(op)) {
	case opOK:
		return Frame{Kind: FrameOK}, nil
	case opErr:
		return errFrame(errorReason(rest)), nil
	case opPing:
		return Frame{Kind: FramePing}, nil
	case opPong:
		return Frame{Kind: FramePong}, nil
	case opInfo:
		rest = bytes.TrimSpace(rest)
		if len(rest) == 0 {
			return Frame{}, protocolErrorf(line, "INFO without payload")
		}
		return Frame{Kind: FrameInfo, Info: rest}, nil
	case opMsg:
		return parseMsgLine(line)
	}
	return Frame{}, protocolErrorf(line, "unknown operation %q", op)
}

// errorReason normalizes the text following -ERR: "'Authorization Violation'"
// becomes "authorization violation".
func errorReason(rest []byte) string {
	reason := strings.TrimSpace(string(rest))
	reason = strings.Trim(reason, "'")
	return strings.ToLower(reason)
}

// parseMsgLine handles both "MSG <subject> <sid> <size>" and
// "MSG <subject> <sid> <reply> <size>". The size is always the last token.
func parseMsgLine(line []byte) (Frame, error) {
	fields := strings.Fields(string(line))

	f := Frame{Kind: FrameMsg}
	switch len(fields) {
	case 4:
		f.Subject, f.Sid = fields[1], fields[2]
	case 5:
		f.Subject, f.Sid, f.Reply = fields[1], fields[2], fields[3]
	default:
		return Frame{}, protocolErrorf(line, "MSG has %d arguments", len(fields)-1)
	}

	size, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil || size < 0 {
		return Frame{}, protocolErrorf(line, "invalid MSG size %q", fields[len(fields)-1])
	}
	f.Size = size
	return f, nil
}

// readFrame reads one frame from s. A MSG frame is completed by reading its
// payload and trailing CRLF. maxPayload, when positive, caps the announced
// size; otherwise defaultMaxPayload does.
func readFrame(s Stream, maxPayload int) (Frame, []byte, error) {
	line, err := s.ReadLine()
	if err != nil {
		var perr *ProtocolError
		switch {
		case errors.As(err, &perr):
			return Frame{}, line, err
		case errors.Is(err, io.ErrUnexpectedEOF) && len(line) > 0:
			return errFrame(ErrEmptyResponse.Error()), line, nil
		}
		return Frame{}, line, connectionError("read", err)
	}

	f, err := parseLine(line)
	if err != nil || f.Kind != FrameMsg {
		return f, line, err
	}

	if maxPayload <= 0 {
		maxPayload = defaultMaxPayload
	}
	if f.Size > maxPayload {
		return Frame{}, line, errors.WithStack(&ProtocolError{
			Reason: "payload exceeds max_payload",
			Line:   string(line),
			Err:    ErrMessageTooLarge,
		})
	}

	data, err := s.ReadExact(f.Size + len(crlf))
	if err != nil {
		return Frame{}, line, connectionError("read", err)
	}
	if !bytes.HasSuffix(data, []byte(crlf)) {
		return Frame{}, line, protocolErrorf(line, "payload not terminated by CRLF")
	}
	f.Payload = data[:f.Size]
	return f, line, nil
}

// validSubject reports whether s can be used as a subject, reply subject or sid.
func validSubject(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t\r\n")
}

func encodeConnect(payload []byte) []byte {
	buf := make([]byte, 0, len(opConnect)+len(payload)+3)
	buf = append(buf, opConnect...)
	buf = append(buf, ' ')
	buf = append(buf, payload...)
	return append(buf, crlf...)
}

func encodePing() []byte { return []byte(opPing + crlf) }

func encodePong() []byte { return []byte(opPong + crlf) }

// encodePub builds "PUB <subject> [<reply>] <size>\r\n<payload>\r\n".
func encodePub(subject, reply string, payload []byte) []byte {
	buf := make([]byte, 0, len(subject)+len(reply)+len(payload)+24)
	buf = append(buf, opPub...)
	buf = append(buf, ' ')
	buf = append(buf, subject...)
	if reply != "" {
		buf = append(buf, ' ')
		buf = append(buf, reply...)
	}
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, int64(len(payload)), 10)
	buf = append(buf, crlf...)
	buf = append(buf, payload...)
	return append(buf, crlf...)
}

func encodeSub(subject, sid string) []byte {
	return []byte(opSub + " " + subject + " " + sid + crlf)
}

// encodeUnsub omits the count when maxMsgs is not positive.
func encodeUnsub(sid string, maxMsgs int) []byte {
	if maxMsgs > 0 {
		return []byte(opUnsub + " " + sid + " " + strconv.Itoa(maxMsgs) + crlf)
	}
	return []byte(opUnsub + " " + sid + crlf)
}

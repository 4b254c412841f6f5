package nats

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ServerInfo is the metadata announced by the server in its INFO frame.
type ServerInfo struct {
	ServerID        string   `json:"server_id"`
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Version         string   `json:"version"`
	GoVersion       string   `json:"go_version"`
	ProtocolVersion int      `json:"proto"`
	AuthRequired    bool     `json:"auth_required"`
	TLSRequired     bool     `json:"tls_required"`
	TLSVerify       bool     `json:"tls_verify"`
	MaxPayload      int      `json:"max_payload"`
	ClientID        uint64   `json:"client_id"`
	ConnectURLs     []string `json:"connect_urls"`
}

// ParseServerInfo parses a complete "INFO {...}" line.
func ParseServerInfo(line []byte) (*ServerInfo, error) {
	op, rest, ok := bytes.Cut(bytes.TrimSpace(line), []byte{' '})
	if !ok || !strings.EqualFold(string(op), opInfo) {
		return nil, protocolErrorf(line, "expected INFO")
	}
	return parseServerInfoJSON(rest)
}

// parseServerInfoJSON decodes the INFO payload. Unknown keys are ignored and
// absent keys keep their zero value; the payload must be a JSON object.
func parseServerInfoJSON(data []byte) (*ServerInfo, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, errors.WithStack(&ProtocolError{
			Reason: "INFO payload is not a JSON object",
			Line:   string(data),
			Err:    err,
		})
	}

	info := new(ServerInfo)
	if err := json.Unmarshal(data, info); err != nil {
		return nil, errors.WithStack(&ProtocolError{
			Reason: "malformed INFO payload",
			Line:   string(data),
			Err:    err,
		})
	}

	// Older servers report the Go version under "go".
	if raw, ok := fields["go"]; ok && info.GoVersion == "" {
		_ = json.Unmarshal(raw, &info.GoVersion)
	}
	return info, nil
}

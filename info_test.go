package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerInfo(t *testing.T) {
	line := `INFO {"server_id":"7rCY5EiVoJnVPso7zhEfkI","version":"1.4.1","proto":1,"git_commit":"3e64f0b","go":"go1.11.5","host":"0.0.0.0","port":4222,"auth_required":true,"tls_required":true,"tls_verify":true,"max_payload":1048576,"client_id":35,"connect_urls":["10.0.0.1:4222","10.0.0.2:4222"]}`

	info, err := ParseServerInfo([]byte(line))
	require.NoError(t, err)

	assert.Equal(t, &ServerInfo{
		ServerID:        "7rCY5EiVoJnVPso7zhEfkI",
		Host:            "0.0.0.0",
		Port:            4222,
		Version:         "1.4.1",
		GoVersion:       "go1.11.5",
		ProtocolVersion: 1,
		AuthRequired:    true,
		TLSRequired:     true,
		TLSVerify:       true,
		MaxPayload:      1048576,
		ClientID:        35,
		ConnectURLs:     []string{"10.0.0.1:4222", "10.0.0.2:4222"},
	}, info)
}

func TestParseServerInfo_GoVersionKey(t *testing.T) {
	info, err := ParseServerInfo([]byte(`INFO {"go_version":"go1.21.0","go":"go1.11.5"}`))
	require.NoError(t, err)
	assert.Equal(t, "go1.21.0", info.GoVersion)
}

func TestParseServerInfo_ZeroValues(t *testing.T) {
	info, err := ParseServerInfo([]byte(`INFO {"server_id":"X","headers":true,"nonce":"abc"}`))
	require.NoError(t, err)

	assert.Equal(t, "X", info.ServerID)
	assert.Zero(t, info.Port)
	assert.Zero(t, info.MaxPayload)
	assert.False(t, info.AuthRequired)
	assert.Nil(t, info.ConnectURLs)
}

func TestParseServerInfo_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not INFO", `PONG`},
		{"no payload", `INFO`},
		{"array payload", `INFO [1,2]`},
		{"null payload", `INFO null`},
		{"invalid JSON", `INFO {"server_id":`},
		{"wrong field type", `INFO {"port":"four"}`},
		{"other operation", `MSG {"port":4222}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseServerInfo([]byte(tt.line))
			var protoErr *ProtocolError
			assert.ErrorAs(t, err, &protoErr)
		})
	}
}

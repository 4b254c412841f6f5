package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	// defaultChunkSize is the largest slice requested from the stream per payload read.
	defaultChunkSize = 1500
	// defaultTimeout applies to every read and write when no timeout is configured.
	defaultTimeout = 60 * time.Second
	// lang is sent in the CONNECT payload.
	lang = "go"
)

// Recognized option names.
const (
	optUsername  = "username"
	optPassword  = "password"
	optToken     = "token"
	optPedantic  = "pedantic"
	optDebug     = "debug"
	optTimeout   = "timeout"
	optReconnect = "reconnect"
	optChunkSize = "chunkSize"
	optVersion   = "version"
)

// Options is the validated, immutable configuration of a session.
type Options struct {
	username  string
	password  string
	token     string
	pedantic  bool
	debug     bool
	timeout   time.Duration
	reconnect bool
	chunkSize int
	version   string
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() *Options {
	return &Options{
		timeout:   defaultTimeout,
		reconnect: true,
		chunkSize: defaultChunkSize,
	}
}

// NewOptions builds Options from named values. Names are matched exactly
// against the recognized set; anything else is a *ConfigurationError.
// The timeout is given in milliseconds or as a time.Duration.
func NewOptions(values map[string]any) (*Options, error) {
	opts := DefaultOptions()
	for name, value := range values {
		if err := opts.set(name, value); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// LoadOptions reads a YAML mapping of option names from path.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "nats: read options file")
	}

	values := make(map[string]any)
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrapf(err, "nats: parse options file %s", path)
	}
	return NewOptions(values)
}

func (o *Options) set(name string, value any) error {
	var err error
	switch name {
	case optUsername:
		o.username, err = stringValue(name, value)
	case optPassword:
		o.password, err = stringValue(name, value)
	case optToken:
		o.token, err = stringValue(name, value)
	case optVersion:
		o.version, err = stringValue(name, value)
	case optPedantic:
		o.pedantic, err = boolValue(name, value)
	case optDebug:
		o.debug, err = boolValue(name, value)
	case optReconnect:
		o.reconnect, err = boolValue(name, value)
	case optTimeout:
		o.timeout, err = durationValue(name, value)
	case optChunkSize:
		var n int
		if n, err = intValue(name, value); err == nil && n <= 0 {
			err = &ConfigurationError{Key: name, Reason: "must be positive"}
		}
		o.chunkSize = n
	default:
		err = &ConfigurationError{Key: name, Reason: "unknown option"}
	}
	return err
}

func stringValue(name string, value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}
	return "", &ConfigurationError{Key: name, Reason: fmt.Sprintf("expected string, got %T", value)}
}

func boolValue(name string, value any) (bool, error) {
	if v, ok := value.(bool); ok {
		return v, nil
	}
	return false, &ConfigurationError{Key: name, Reason: fmt.Sprintf("expected bool, got %T", value)}
}

// intValue accepts every integer kind plus integral float64, which is what
// YAML and JSON decoders produce for numbers.
func intValue(name string, value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int8:
		return int(v), nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint:
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) {
			return int(v), nil
		}
	}
	return 0, &ConfigurationError{Key: name, Reason: fmt.Sprintf("expected integer, got %v (%T)", value, value)}
}

func durationValue(name string, value any) (time.Duration, error) {
	if d, ok := value.(time.Duration); ok {
		if d < 0 {
			return 0, &ConfigurationError{Key: name, Reason: "must not be negative"}
		}
		return d, nil
	}
	ms, err := intValue(name, value)
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		return 0, &ConfigurationError{Key: name, Reason: "must not be negative"}
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (o *Options) Username() string { return o.username }
func (o *Options) Password() string { return o.password }
func (o *Options) Token() string { return o.token }
func (o *Options) Pedantic() bool { return o.pedantic }
func (o *Options) Debug() bool { return o.debug }
func (o *Options) Timeout() time.Duration { return o.timeout }
func (o *Options) ChunkSize() int { return o.chunkSize }
func (o *Options) Version() string { return o.version }

// Reconnect reports the configured reconnect flag. It is advisory only:
// the session never reconnects, a supervisor owning the stream may consult it.
func (o *Options) Reconnect() bool { return o.reconnect }

// WithVersion returns a copy of o carrying the given client version.
func (o *Options) WithVersion(version string) *Options {
	cp := *o
	cp.version = version
	return &cp
}

type handshakePayload struct {
	Lang      string  `json:"lang"`
	Version   *string `json:"version"`
	Verbose   bool    `json:"verbose"`
	Pedantic  bool    `json:"pedantic"`
	User      string  `json:"user,omitempty"`
	Pass      string  `json:"pass,omitempty"`
	AuthToken string  `json:"auth_token,omitempty"`
}

// HandshakePayload returns the JSON object sent with CONNECT. Verbose is
// always false; version is null until populated.
func (o *Options) HandshakePayload() ([]byte, error) {
	p := handshakePayload{
		Lang:      lang,
		Pedantic:  o.pedantic,
		User:      o.username,
		Pass:      o.password,
		AuthToken: o.token,
	}
	if o.version != "" {
		v := o.version
		p.Version = &v
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "nats: encode handshake payload")
	}
	return data, nil
}

// sessionOptions holds per-session collaborators that are not name-keyed options.
type sessionOptions struct {
	logger        Logger
	tracer        trace.Tracer
	clientVersion string
	maxDepth      int
}

// Logger receives the session's structured log records. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}

// Option configures a session.
type Option func(*sessionOptions)

// LoggerOption returns an Option that sets the logger. Sessions log to
// slog.Default() otherwise.
func LoggerOption(logger Logger) Option {
	return func(o *sessionOptions) {
		o.logger = logger
	}
}

// TracerOption returns an Option that sets the tracer used for handshake and
// request spans. If not set, the global tracer provider is used.
func TracerOption(tracer trace.Tracer) Option {
	return func(o *sessionOptions) {
		o.tracer = tracer
	}
}

// ClientVersionOption sets the version reported in CONNECT when the options
// carry none.
func ClientVersionOption(version string) Option {
	return func(o *sessionOptions) {
		o.clientVersion = version
	}
}

// MaxDispatchDepthOption bounds how many dispatch loops may be nested by
// handlers that call Wait, Request or Ping.
func MaxDispatchDepthOption(depth int) Option {
	return func(o *sessionOptions) {
		o.maxDepth = depth
	}
}

// Package nats provides a synchronous client for the NATS text protocol.
// A session owns one Stream, performs the CONNECT/INFO/PING handshake and
// then publishes, subscribes and correlates request/reply exchanges.
// Inbound messages are only read while the caller is inside Wait, Ping or
// Request; handlers run inline, in frame arrival order.
package nats

import (
	"context"
	"encoding/hex"
	"io"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Version is the client version reported in CONNECT unless overridden.
const Version = "0.1.0"

const (
	// defaultMaxDispatchDepth bounds nested dispatch loops started from handlers.
	defaultMaxDispatchDepth = 16
	// tracerName names the tracer taken from the global provider.
	tracerName = "github.com/Zereker/nats"
	// inboxPrefix starts every generated reply subject.
	inboxPrefix = "_INBOX."
)

// State is the lifecycle state of a session.
type State uint32

// Session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingInfo
	StateAwaitingConnectAck
	StateReady
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingInfo:
		return "awaiting_info"
	case StateAwaitingConnectAck:
		return "awaiting_connect_ack"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of a session's counters.
type Stats struct {
	PingsSent     uint64
	PongsReceived uint64
	Publishes     uint64
	BytesOut      uint64
	MessagesIn    uint64
	BytesIn       uint64
}

type counters struct {
	pingsSent     atomic.Uint64
	pongsReceived atomic.Uint64
	publishes     atomic.Uint64
	bytesOut      atomic.Uint64
	messagesIn    atomic.Uint64
	bytesIn       atomic.Uint64
	subscriptions atomic.Int64
}

// Conn is a session over a single Stream.
//
// A Conn is not safe for concurrent use: every operation runs on the
// caller's goroutine. State, Stats, Err and NumSubscriptions may be read
// from other goroutines.
type Conn struct {
	stream Stream
	opts   *Options
	logger Logger
	tracer trace.Tracer

	info  *ServerInfo
	subs  *subscriptions
	state atomic.Uint32
	err   atomic.Pointer[error]
	stats counters

	depth    int
	maxDepth int
}

// Connect runs the handshake over stream and returns a Ready session.
// On failure the stream is closed (when it implements io.Closer) and the
// returned error is a *ConnectionError or *ProtocolError.
func Connect(stream Stream, opts *Options, options ...Option) (*Conn, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	so := sessionOptions{}
	for _, o := range options {
		o(&so)
	}
	checkSessionOptions(&so)

	if opts.Version() == "" {
		opts = opts.WithVersion(so.clientVersion)
	}

	c := &Conn{
		stream:   stream,
		opts:     opts,
		logger:   so.logger,
		tracer:   so.tracer,
		subs:     newSubscriptions(),
		maxDepth: so.maxDepth,
	}
	c.setState(StateConnecting)

	if err := c.handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

// checkSessionOptions sets default values for session collaborators.
func checkSessionOptions(so *sessionOptions) {
	if so.logger == nil {
		so.logger = defaultLogger()
	}
	if so.tracer == nil {
		so.tracer = otel.Tracer(tracerName)
	}
	if so.clientVersion == "" {
		so.clientVersion = Version
	}
	if so.maxDepth <= 0 {
		so.maxDepth = defaultMaxDispatchDepth
	}
}

func (c *Conn) handshake() (err error) {
	_, span := c.tracer.Start(context.Background(), "nats.connect")
	defer func() {
		endSpan(span, err)
	}()

	c.setState(StateAwaitingInfo)
	f, line, err := c.readFrame()
	if err != nil {
		return err
	}
	if f.IsError() {
		return c.fail(connectionError("handshake", errors.Errorf("server error: %s", f.Message)))
	}
	if f.Kind != FrameInfo {
		return c.fail(protocolErrorf(line, "expected INFO, got %s", f.Kind))
	}

	info, err := parseServerInfoJSON(f.Info)
	if err != nil {
		return c.fail(err)
	}
	c.info = info
	span.SetAttributes(attribute.String("nats.server_id", info.ServerID))

	c.setState(StateAwaitingConnectAck)
	payload, err := c.opts.HandshakePayload()
	if err != nil {
		return c.fail(err)
	}
	if err = c.send(encodeConnect(payload)); err != nil {
		return err
	}

	// The PING is sent right behind CONNECT so that a server which does not
	// acknowledge CONNECT (verbose off) still produces a reply to wait for.
	if err = c.send(encodePing()); err != nil {
		return err
	}
	c.stats.pingsSent.Add(1)

	for pong := false; !pong; {
		f, line, err = c.readFrame()
		if err != nil {
			return err
		}

		switch f.Kind {
		case FrameOK:
		case FrameErr:
			return c.fail(connectionError("handshake", errors.Errorf("server rejected connection: %s", f.Message)))
		case FramePing:
			if err = c.send(encodePong()); err != nil {
				return err
			}
		case FramePong:
			c.stats.pongsReceived.Add(1)
			pong = true
		default:
			return c.fail(protocolErrorf(line, "unexpected %s during handshake", f.Kind))
		}
	}

	c.setState(StateReady)
	c.logger.Info("connected",
		"server_id", info.ServerID,
		"version", info.Version,
		"max_payload", info.MaxPayload)
	return nil
}

// Publish sends data on subject. No reply is awaited.
func (c *Conn) Publish(subject string, data []byte) error {
	return c.PublishRequest(subject, "", data)
}

// PublishRequest sends data on subject asking receivers to answer on reply.
func (c *Conn) PublishRequest(subject, reply string, data []byte) error {
	if !c.ready() {
		return ErrNotConnected
	}
	if !validSubject(subject) || (reply != "" && !validSubject(reply)) {
		return errors.Wrapf(ErrInvalidSubject, "publish %q", subject)
	}
	if c.info.MaxPayload > 0 && len(data) > c.info.MaxPayload {
		return errors.Wrapf(ErrMaxPayload, "%d bytes, server allows %d", len(data), c.info.MaxPayload)
	}

	if err := c.send(encodePub(subject, reply, data)); err != nil {
		return err
	}
	c.stats.publishes.Add(1)
	return nil
}

// Subscribe registers handler for subject and returns the subscription id.
// The handler is registered before SUB is written.
func (c *Conn) Subscribe(subject string, handler MsgHandler) (string, error) {
	if !c.ready() {
		return "", ErrNotConnected
	}
	if !validSubject(subject) {
		return "", errors.Wrapf(ErrInvalidSubject, "subscribe %q", subject)
	}

	sid := c.subs.register(subject, handler)
	c.syncSubscriptions()
	if err := c.send(encodeSub(subject, sid)); err != nil {
		c.subs.remove(sid)
		c.syncSubscriptions()
		return "", err
	}
	return sid, nil
}

// Unsubscribe removes sid immediately. A MSG for sid that was already in
// flight makes the next dispatch fail with ErrNoSubscription.
func (c *Conn) Unsubscribe(sid string) error {
	if !c.ready() {
		return ErrNotConnected
	}
	if _, ok := c.subs.lookup(sid); !ok {
		return errors.Wrapf(ErrNoSubscription, "unsubscribe %s", sid)
	}

	if err := c.send(encodeUnsub(sid, 0)); err != nil {
		return err
	}
	c.subs.remove(sid)
	c.syncSubscriptions()
	return nil
}

// AutoUnsubscribe caps sid at maxMsgs further deliveries, after which it is
// removed. A non-positive maxMsgs behaves like Unsubscribe.
func (c *Conn) AutoUnsubscribe(sid string, maxMsgs int) error {
	if maxMsgs <= 0 {
		return c.Unsubscribe(sid)
	}
	if !c.ready() {
		return ErrNotConnected
	}
	if _, ok := c.subs.lookup(sid); !ok {
		return errors.Wrapf(ErrNoSubscription, "unsubscribe %s", sid)
	}

	if err := c.send(encodeUnsub(sid, maxMsgs)); err != nil {
		return err
	}
	return c.subs.bound(sid, maxMsgs)
}

// Ping sends PING and dispatches inbound frames until PONG arrives.
func (c *Conn) Ping() error {
	if !c.ready() {
		return ErrNotConnected
	}
	if err := c.send(encodePing()); err != nil {
		return err
	}
	c.stats.pingsSent.Add(1)

	return c.dispatch(func(f Frame) bool {
		return f.Kind == FramePong
	})
}

// Wait reads frames until n messages have been delivered to their handlers.
// Keepalives and unsolicited +OK/-ERR frames are handled along the way.
// There is no timeout other than the stream's read deadline.
func (c *Conn) Wait(n int) error {
	if !c.ready() {
		return ErrNotConnected
	}
	if n <= 0 {
		return nil
	}

	delivered := 0
	return c.dispatch(func(f Frame) bool {
		if f.Kind == FrameMsg {
			delivered++
		}
		return delivered >= n
	})
}

// Request publishes data on subject with a fresh inbox as reply subject and
// blocks until the single reply has been delivered to handler. Messages for
// other subscriptions that arrive first are delivered in order.
func (c *Conn) Request(subject string, data []byte, handler MsgHandler) (err error) {
	if !c.ready() {
		return ErrNotConnected
	}
	// Refuse before anything is sent so no inbox is left behind.
	if c.depth >= c.maxDepth {
		return ErrDispatchDepth
	}

	inbox := newInbox()
	_, span := c.tracer.Start(context.Background(), "nats.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("nats.subject", subject),
			attribute.String("nats.inbox", inbox),
			attribute.Int("nats.payload_size", len(data)),
		))
	defer func() {
		endSpan(span, err)
	}()

	sid, err := c.Subscribe(inbox, handler)
	if err != nil {
		return err
	}
	if err = c.AutoUnsubscribe(sid, 1); err != nil {
		return err
	}
	if err = c.PublishRequest(subject, inbox, data); err != nil {
		if c.ready() {
			_ = c.Unsubscribe(sid)
		}
		return err
	}

	err = c.dispatch(func(Frame) bool {
		_, pending := c.subs.lookup(sid)
		return !pending
	})
	if err != nil && c.ready() {
		if _, pending := c.subs.lookup(sid); pending {
			_ = c.Unsubscribe(sid)
		}
	}
	return err
}

// dispatch reads frames and delivers MSG frames until done reports true for
// the frame just handled. It is a loop, nested dispatches started from
// handlers are bounded by maxDepth.
func (c *Conn) dispatch(done func(Frame) bool) error {
	if c.depth >= c.maxDepth {
		return ErrDispatchDepth
	}
	c.depth++
	defer func() {
		c.depth--
	}()

	for {
		f, _, err := c.readFrame()
		if err != nil {
			return err
		}

		switch f.Kind {
		case FramePing:
			if err = c.send(encodePong()); err != nil {
				return err
			}
		case FramePong:
			c.stats.pongsReceived.Add(1)
		case FrameOK:
			c.logger.Debug("unsolicited +OK ignored")
		case FrameErr:
			c.logger.Warn("server error", "error", f.Message)
		case FrameInfo:
			c.logger.Debug("asynchronous INFO ignored", "info", string(f.Info))
		case FrameMsg:
			c.stats.messagesIn.Add(1)
			c.stats.bytesIn.Add(uint64(len(f.Payload)))

			msg := &Msg{Subject: f.Subject, Reply: f.Reply, Data: f.Payload, Sid: f.Sid, conn: c}
			err = c.subs.deliver(msg)
			c.syncSubscriptions()
			if err != nil {
				return c.fail(err)
			}
			// The handler may have closed the session.
			if !c.ready() {
				return ErrNotConnected
			}
		}

		if done(f) {
			return nil
		}
	}
}

// Close closes the session and its stream. Later operations report
// ErrNotConnected and Err returns ErrConnectionClosed.
func (c *Conn) Close() error {
	if c.State() == StateClosed {
		return nil
	}
	return c.closeWith(ErrConnectionClosed)
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Err returns the reason the session was closed, or nil.
func (c *Conn) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

// ServerInfo returns a copy of the metadata the server sent during the handshake.
func (c *Conn) ServerInfo() ServerInfo {
	info := *c.info
	info.ConnectURLs = slices.Clone(info.ConnectURLs)
	return info
}

// Stats returns a snapshot of the session counters.
func (c *Conn) Stats() Stats {
	return Stats{
		PingsSent:     c.stats.pingsSent.Load(),
		PongsReceived: c.stats.pongsReceived.Load(),
		Publishes:     c.stats.publishes.Load(),
		BytesOut:      c.stats.bytesOut.Load(),
		MessagesIn:    c.stats.messagesIn.Load(),
		BytesIn:       c.stats.bytesIn.Load(),
	}
}

// NumSubscriptions returns the number of registered subscriptions.
func (c *Conn) NumSubscriptions() int {
	return int(c.stats.subscriptions.Load())
}

func (c *Conn) ready() bool {
	return c.State() == StateReady
}

func (c *Conn) setState(s State) {
	c.state.Store(uint32(s))
}

func (c *Conn) syncSubscriptions() {
	c.stats.subscriptions.Store(int64(c.subs.len()))
}

// send writes p completely, retrying short writes with the remaining suffix.
// Any failure closes the session.
func (c *Conn) send(p []byte) error {
	if c.opts.Debug() {
		c.logger.Debug("frame sent", "line", firstLine(p), "bytes", len(p))
	}

	for len(p) > 0 {
		n, err := c.stream.Write(p)
		if err != nil {
			return c.fail(connectionError("write", err))
		}
		if n == 0 {
			return c.fail(connectionError("write", ErrBrokenPipe))
		}
		c.stats.bytesOut.Add(uint64(n))
		p = p[n:]
	}
	return nil
}

// readFrame reads the next frame; any failure closes the session.
func (c *Conn) readFrame() (Frame, []byte, error) {
	maxPayload := 0
	if c.info != nil {
		maxPayload = c.info.MaxPayload
	}

	f, line, err := readFrame(c.stream, maxPayload)
	if err != nil {
		return f, line, c.fail(err)
	}
	if c.opts.Debug() {
		c.logger.Debug("frame received", "line", string(line), "payload_bytes", len(f.Payload))
	}
	return f, line, nil
}

// fail closes the session with reason err and returns err.
func (c *Conn) fail(err error) error {
	if c.State() != StateClosed {
		_ = c.closeWith(err)
	}
	return err
}

func (c *Conn) closeWith(reason error) error {
	c.err.Store(&reason)
	c.setState(StateClosed)

	if errors.Is(reason, ErrConnectionClosed) {
		c.logger.Info("connection closed")
	} else {
		c.logger.Error("connection closed with error", "error", reason)
	}

	if closer, ok := c.stream.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// newInbox returns a unique reply subject: the prefix, a base-36 timestamp
// and a random suffix.
func newInbox() string {
	id := uuid.New()
	return inboxPrefix + strconv.FormatInt(time.Now().UnixNano(), 36) + "." + hex.EncodeToString(id[:])
}

func firstLine(p []byte) string {
	for i := 0; i+1 < len(p); i++ {
		if p[i] == '\r' && p[i+1] == '\n' {
			return string(p[:i])
		}
	}
	return string(p)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

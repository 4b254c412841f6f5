package nats

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const defaultPort = "4222"

// Dial opens a TCP connection to addr and runs Connect over it.
// addr is "nats://host[:port]" or "host[:port]"; the port defaults to 4222.
func Dial(ctx context.Context, addr string, opts *Options, options ...Option) (*Conn, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	hostport, err := serverAddress(addr)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.Timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return nil, connectionError("dial "+hostport, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	return Connect(NewStream(conn, opts), opts, options...)
}

func serverAddress(addr string) (string, error) {
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", errors.Wrapf(err, "nats: invalid server url %q", addr)
		}
		if u.Scheme != "nats" && u.Scheme != "tcp" {
			return "", errors.Errorf("nats: unsupported url scheme %q", u.Scheme)
		}
		port := u.Port()
		if port == "" {
			port = defaultPort
		}
		if u.Hostname() == "" {
			return "", errors.Errorf("nats: server url %q has no host", addr)
		}
		return net.JoinHostPort(u.Hostname(), port), nil
	}
	if addr == "" {
		return "", errors.New("nats: empty server address")
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, defaultPort), nil
	}
	return addr, nil
}

package natstest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// DefaultInfo is the INFO payload sent when Broker.Info is nil.
func DefaultInfo() map[string]any {
	return map[string]any{
		"server_id":   "natstest",
		"version":     "1.4.1",
		"proto":       1,
		"go":          "go1.11.5",
		"host":        "127.0.0.1",
		"port":        4222,
		"max_payload": 1048576,
	}
}

// Broker is a Handler speaking the client protocol. It routes PUB to SUB by
// exact subject match across all connections and honours UNSUB counts.
type Broker struct {
	// Info is sent as the INFO payload.
	Info map[string]any
	// User and Pass, when set, must match the CONNECT credentials.
	User string
	Pass string

	mu      sync.Mutex
	clients map[*brokerClient]struct{}
}

type brokerClient struct {
	conn net.Conn

	writeMu sync.Mutex
	subs    map[string]*brokerSub
}

type brokerSub struct {
	subject   string
	sid       string
	max       int
	delivered int
}

// NewBroker returns a Broker announcing DefaultInfo.
func NewBroker() *Broker {
	return &Broker{Info: DefaultInfo()}
}

// Handle implements Handler.
func (b *Broker) Handle(ctx context.Context, conn *net.TCPConn) error {
	c := &brokerClient{conn: conn, subs: make(map[string]*brokerSub)}

	info := b.Info
	if info == nil {
		info = DefaultInfo()
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := c.write("INFO " + string(data) + "\r\n"); err != nil {
		return err
	}

	b.mu.Lock()
	if b.clients == nil {
		b.clients = make(map[*brokerClient]struct{})
	}
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
	}()

	reader := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		op, args, _ := strings.Cut(line, " ")

		switch strings.ToUpper(op) {
		case "CONNECT":
			if err := b.connect(c, args); err != nil {
				// Keep reading until the client hangs up so the -ERR is not
				// lost to a reset.
				_, _ = io.Copy(io.Discard, reader)
				return err
			}
		case "PING":
			err = c.write("PONG\r\n")
		case "PONG":
		case "SUB":
			err = b.subscribe(c, strings.Fields(args))
		case "UNSUB":
			err = b.unsubscribe(c, strings.Fields(args))
		case "PUB":
			err = b.publish(reader, strings.Fields(args))
		default:
			err = c.write("-ERR 'Unknown Protocol Operation'\r\n")
		}
		if err != nil {
			return err
		}
	}
}

func (b *Broker) connect(c *brokerClient, args string) error {
	var opts struct {
		User string `json:"user"`
		Pass string `json:"pass"`
	}
	if err := json.Unmarshal([]byte(args), &opts); err != nil {
		_ = c.write("-ERR 'Invalid Connect Payload'\r\n")
		return err
	}
	if b.User != "" && (opts.User != b.User || opts.Pass != b.Pass) {
		_ = c.write("-ERR 'Authorization Violation'\r\n")
		return fmt.Errorf("authorization violation for user %q", opts.User)
	}
	return nil
}

func (b *Broker) subscribe(c *brokerClient, args []string) error {
	if len(args) != 2 {
		return c.write("-ERR 'Invalid Subscription'\r\n")
	}

	b.mu.Lock()
	c.subs[args[1]] = &brokerSub{subject: args[0], sid: args[1]}
	b.mu.Unlock()
	return nil
}

func (b *Broker) unsubscribe(c *brokerClient, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return c.write("-ERR 'Invalid Unsubscribe'\r\n")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := c.subs[args[0]]
	if !ok {
		return nil
	}
	if len(args) == 1 {
		delete(c.subs, args[0])
		return nil
	}

	maxMsgs, err := strconv.Atoi(args[1])
	if err != nil {
		return c.write("-ERR 'Invalid Unsubscribe'\r\n")
	}
	sub.max = maxMsgs
	if sub.delivered >= maxMsgs {
		delete(c.subs, args[0])
	}
	return nil
}

func (b *Broker) publish(reader *bufio.Reader, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("invalid PUB arguments %q", args)
	}
	size, err := strconv.Atoi(args[len(args)-1])
	if err != nil {
		return err
	}

	payload := make([]byte, size+2)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return err
	}
	payload = payload[:size]

	subject, reply := args[0], ""
	if len(args) == 3 {
		reply = args[1]
	}
	b.Deliver(subject, reply, payload)
	return nil
}

// Deliver sends a MSG to every subscription on subject, as if it had been
// published by a client.
func (b *Broker) Deliver(subject, reply string, payload []byte) {
	type target struct {
		client *brokerClient
		sid    string
	}

	b.mu.Lock()
	var targets []target
	for c := range b.clients {
		for sid, sub := range c.subs {
			if sub.subject != subject {
				continue
			}
			targets = append(targets, target{client: c, sid: sid})
			sub.delivered++
			if sub.max > 0 && sub.delivered >= sub.max {
				delete(c.subs, sid)
			}
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		header := "MSG " + subject + " " + t.sid
		if reply != "" {
			header += " " + reply
		}
		header += " " + strconv.Itoa(len(payload)) + "\r\n"
		_ = t.client.write(header + string(payload) + "\r\n")
	}
}

// Subscriptions returns how many subscriptions are registered across clients.
func (b *Broker) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for c := range b.clients {
		n += len(c.subs)
	}
	return n
}

func (c *brokerClient) write(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := io.WriteString(c.conn, s)
	return err
}

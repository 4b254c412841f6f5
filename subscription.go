package nats

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

const (
	sidLength   = 20
	sidAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// MsgHandler is invoked for every message delivered to a subscription.
type MsgHandler func(msg *Msg)

// subscription is one sid registered with the server.
type subscription struct {
	sid     string
	subject string
	handler MsgHandler
	// remaining deliveries; zero means unbounded.
	remaining int
}

// subscriptions maps sids to handlers for a single session.
type subscriptions struct {
	entries map[string]*subscription
}

func newSubscriptions() *subscriptions {
	return &subscriptions{entries: make(map[string]*subscription)}
}

// register stores an unbounded subscription and returns its sid.
func (r *subscriptions) register(subject string, handler MsgHandler) string {
	sid := newSid()
	for r.entries[sid] != nil {
		sid = newSid()
	}
	r.entries[sid] = &subscription{sid: sid, subject: subject, handler: handler}
	return sid
}

// bound caps the remaining deliveries of sid at maxMsgs.
func (r *subscriptions) bound(sid string, maxMsgs int) error {
	sub, ok := r.entries[sid]
	if !ok {
		return errors.Wrap(ErrNoSubscription, sid)
	}
	sub.remaining = maxMsgs
	return nil
}

// deliver hands msg to the handler registered for msg.Sid. A bounded
// subscription whose cap is reached is removed before its handler runs.
func (r *subscriptions) deliver(msg *Msg) error {
	sub, ok := r.entries[msg.Sid]
	if !ok {
		return errors.WithStack(&ProtocolError{Reason: "no subscription found for sid " + msg.Sid, Err: ErrNoSubscription})
	}

	if sub.remaining > 0 {
		sub.remaining--
		if sub.remaining == 0 {
			delete(r.entries, sub.sid)
		}
	}

	if sub.handler != nil {
		sub.handler(msg)
	}
	return nil
}

func (r *subscriptions) remove(sid string) bool {
	if _, ok := r.entries[sid]; !ok {
		return false
	}
	delete(r.entries, sid)
	return true
}

func (r *subscriptions) lookup(sid string) (*subscription, bool) {
	sub, ok := r.entries[sid]
	return sub, ok
}

func (r *subscriptions) len() int {
	return len(r.entries)
}

// newSid returns a random alphanumeric identifier of sidLength characters.
// Bytes at or above the largest multiple of the alphabet size are discarded
// so every character is equally likely.
func newSid() string {
	const limit = 256 - 256%len(sidAlphabet)

	sid := make([]byte, 0, sidLength)
	var buf [sidLength * 2]byte
	for len(sid) < sidLength {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(errors.Wrap(err, "nats: read random sid"))
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			sid = append(sid, sidAlphabet[int(b)%len(sidAlphabet)])
			if len(sid) == sidLength {
				break
			}
		}
	}
	return string(sid)
}

package nats

// Msg is a message delivered to a subscription handler.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
	Sid     string

	conn *Conn
}

// Conn returns the session the message was delivered on.
func (m *Msg) Conn() *Conn {
	return m.conn
}

// Respond publishes data to the message's reply subject, or back to its own
// subject when the sender did not ask for a reply.
func (m *Msg) Respond(data []byte) error {
	if m.conn == nil {
		return ErrNoReply
	}
	if m.Reply != "" {
		return m.conn.Publish(m.Reply, data)
	}
	return m.conn.Publish(m.Subject, data)
}

// String returns the payload.
func (m *Msg) String() string {
	return string(m.Data)
}

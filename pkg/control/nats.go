package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubject is the NATS subject the agent listens on.
const DefaultSubject = "offline.agent.control"

// ErrNoReply is returned by a Requester when the agent did not answer in time.
var ErrNoReply = errors.New("no reply from agent")

// BusConfig selects how the NATS connection is established.
type BusConfig struct {
	// URL of an external NATS server. Empty starts an embedded server.
	URL string

	// Port of the embedded server. -1 picks a random free port.
	Port int
}

// Bus is a NATS connection, optionally backed by an embedded server.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	closed chan struct{}
}

// Connect opens the NATS connection described by cfg.
func Connect(cfg BusConfig) (*Bus, error) {
	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name("offline-agent"),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	}

	if cfg.URL != "" {
		conn, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		return &Bus{conn: conn, closed: closed}, nil
	}

	ns, err := server.NewServer(&server.Options{
		Host: "127.0.0.1",
		Port: cfg.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL(), opts...)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	return &Bus{server: ns, conn: conn, closed: closed}, nil
}

// Conn returns the underlying connection.
func (b *Bus) Conn() *nats.Conn {
	return b.conn
}

// ClientURL returns the address clients should connect to.
func (b *Bus) ClientURL() string {
	if b.server != nil {
		return b.server.ClientURL()
	}
	return b.conn.ConnectedUrl()
}

// Close drains the connection, waiting up to timeout for pending replies,
// and stops the embedded server, if any.
func (b *Bus) Close(timeout time.Duration) error {
	var err error
	if derr := b.conn.Drain(); derr != nil && !errors.Is(derr, nats.ErrConnectionClosed) {
		err = fmt.Errorf("failed to drain NATS connection: %w", derr)
		b.conn.Close()
	}

	select {
	case <-b.closed:
	case <-time.After(timeout):
		b.conn.Close()
	}

	if b.server != nil {
		b.server.Shutdown()
		b.server.WaitForShutdown()
	}
	return err
}

// Listener answers control messages arriving on a NATS subject. The reply
// goes to the request's reply inbox.
type Listener struct {
	sub    *nats.Subscription
	logger zerolog.Logger
}

// Listen subscribes h to subject on conn.
func Listen(conn *nats.Conn, subject string, h *Handler, logger zerolog.Logger) (*Listener, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	l := &Listener{logger: logger.With().Str("component", "control").Str("subject", subject).Logger()}

	sub, err := conn.Subscribe(subject, func(m *nats.Msg) {
		var msg Message
		var reply Reply
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			reply = Reply{Success: false, Error: fmt.Sprintf("invalid message: %v", err)}
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			reply = h.Handle(ctx, msg)
			cancel()
		}

		if m.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			l.logger.Error().Err(err).Msg("Failed to encode reply")
			return
		}
		if err := m.Respond(data); err != nil {
			l.logger.Error().Err(err).Msg("Failed to send reply")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	l.sub = sub
	return l, nil
}

// Close stops receiving messages after in-flight ones are answered.
func (l *Listener) Close() error {
	return l.sub.Drain()
}

// Requester sends control messages to an agent over NATS.
type Requester struct {
	conn    *nats.Conn
	subject string
}

// NewRequester creates a requester for subject.
func NewRequester(conn *nats.Conn, subject string) *Requester {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Requester{conn: conn, subject: subject}
}

// Send sends msg and waits for the reply. A missing ID is filled in.
func (r *Requester) Send(ctx context.Context, msg Message) (Reply, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to encode message: %w", err)
	}

	resp, err := r.conn.RequestWithContext(ctx, r.subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return Reply{}, fmt.Errorf("%w: %v", ErrNoReply, err)
		}
		return Reply{}, fmt.Errorf("request failed: %w", err)
	}

	var reply Reply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return Reply{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	return reply, nil
}

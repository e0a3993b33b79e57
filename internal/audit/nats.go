package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultNATSSubject prefixes published events; the event type is appended
// (toolgate.audit.denied, toolgate.audit.completed, ...).
const DefaultNATSSubject = "toolgate.audit"

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL     string
	Subject string
	Token   string
	Name    string
}

// NATSSink publishes every event as JSON. Publishing is buffered by the
// client library so SendEvent does not wait for the server.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// ConnectNATS dials the server with unlimited reconnects.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*NATSSink, error) {
	name := cfg.Name
	if name == "" {
		name = "toolgate-audit"
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", cfg.URL, err)
	}

	subject := cfg.Subject
	if subject == "" {
		subject = DefaultNATSSubject
	}
	logger.Info("nats audit publisher connected", slog.String("url", cfg.URL), slog.String("subject", subject))
	return &NATSSink{conn: nc, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) SendEvent(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	return s.conn.Publish(s.subject+"."+string(ev.Type), data)
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"hostaudit/core"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSRelayConfig configures the NATS relay.
type NATSRelayConfig struct {
	URL     string
	Subject string
	Timeout time.Duration
}

// NATSRelay publishes each notification to a NATS subject with routing headers.
type NATSRelay struct {
	conn    *nats.Conn
	subject string
	logger  *zap.SugaredLogger
}

// NewNATSRelay connects to the NATS server at cfg.URL.
func NewNATSRelay(cfg NATSRelayConfig, logger *zap.SugaredLogger) (*NATSRelay, error) {
	if cfg.Subject == "" {
		cfg.Subject = "hostaudit.detections"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("hostaudit"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("NATS relay disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("NATS relay reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}

	logger.Infow("NATS relay connected", "url", cfg.URL, "subject", cfg.Subject)
	return &NATSRelay{conn: conn, subject: cfg.Subject, logger: logger}, nil
}

// Name implements Relay.
func (r *NATSRelay) Name() string { return "nats" }

// Send implements Relay.
func (r *NATSRelay) Send(ctx context.Context, n core.Notification, payload []byte) error {
	if !r.conn.IsConnected() {
		return errors.New("nats connection not available")
	}

	msg := &nats.Msg{
		Subject: r.subject,
		Data:    payload,
		Header:  notificationHeaders(n),
	}
	if err := r.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish to %s: %w", r.subject, err)
	}
	return nil
}

// Close implements Relay.
func (r *NATSRelay) Close() error {
	if err := r.conn.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		r.logger.Debugw("NATS flush on close failed", "error", err)
	}
	r.conn.Close()
	return nil
}

func notificationHeaders(n core.Notification) nats.Header {
	h := nats.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("x-rule-id", n.RuleID)
	h.Set("x-severity", string(n.Severity))
	h.Set("x-host", n.Host)
	if n.ID != 0 {
		h.Set("x-detection-id", strconv.FormatInt(n.ID, 10))
	}
	return h
}

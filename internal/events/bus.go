// Package events provides pub/sub messaging over an embedded NATS server.
// The detector publishes pipeline activity on it and the status API relays
// subjects to websocket clients.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects published by the detector.
const (
	SubjectMotion         = "panoptic.motion"
	SubjectSessionStarted = "panoptic.session.started"
	SubjectSessionEnded   = "panoptic.session.ended"
	SubjectSegmentClosed  = "panoptic.segment.closed"
	SubjectStreamUpdated  = "panoptic.stream.updated"

	// SubjectAll matches every detector subject.
	SubjectAll = "panoptic.>"
)

// Config configures the embedded NATS server. Port -1 selects a random
// free port.
type Config struct {
	Host string
	Port int
}

// Bus is an embedded NATS server plus a client connection to it. A nil
// *Bus is valid and drops all publishes, so callers need no enabled checks.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.RWMutex
	subs   map[string][]*nats.Subscription
}

// NewBus starts an embedded NATS server and connects to it.
func NewBus(cfg Config, logger *slog.Logger) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = server.RANDOM_PORT
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	b := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	b.logger.Info("Event bus started", "url", ns.ClientURL())
	return b, nil
}

// ClientURL returns the NATS client URL of the embedded server.
func (b *Bus) ClientURL() string {
	if b == nil {
		return ""
	}
	return b.server.ClientURL()
}

// Publish marshals v as JSON and publishes it. No-op on a nil bus.
func (b *Bus) Publish(subject string, v any) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// Subscribe registers a handler for a subject. Wildcards are supported.
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	if b == nil {
		return nil, nil
	}
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	b.subsMu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes all subscriptions for a subject.
func (b *Bus) Unsubscribe(subject string) {
	if b == nil {
		return
	}
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	for _, sub := range b.subs[subject] {
		_ = sub.Unsubscribe()
	}
	delete(b.subs, subject)
}

// Connected reports whether the client connection is up.
func (b *Bus) Connected() bool {
	return b != nil && b.conn.IsConnected()
}

// Stop drains the connection and shuts the server down.
func (b *Bus) Stop() {
	if b == nil {
		return
	}
	_ = b.conn.Drain()
	b.server.Shutdown()
	b.logger.Info("Event bus stopped")
}

package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cachevoice/cachevoice/internal/config"
)

const (
	SubjectCacheHit      = "cachevoice.cache.hit"
	SubjectCacheMiss     = "cachevoice.cache.miss"
	SubjectCacheEviction = "cachevoice.cache.eviction"
)

// CacheEvent is the payload published for cache activity.
type CacheEvent struct {
	Reason      string    `json:"reason"`
	VoiceID     string    `json:"voice_id,omitempty"`
	TextPreview string    `json:"text_preview,omitempty"`
	Evicted     int       `json:"evicted,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher mirrors cache activity onto NATS for other voice components. A
// nil Publisher is valid and publishes nothing.
type Publisher struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(cfg config.BusConfig, log *slog.Logger) (*Publisher, error) {
	options := []nats.Option{
		nats.Name("cachevoice"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}
	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("connected to NATS", slog.String("servers", url))
	return &Publisher{conn: conn, log: log.With(slog.String("component", "bus"))}, nil
}

func (p *Publisher) Publish(subject string, event CacheEvent) {
	if p == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("failed to marshal cache event", slog.String("error", err.Error()))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn("failed to publish cache event",
			slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.log.Info("closing NATS connection")
	p.conn.Drain()
	p.conn.Close()
}

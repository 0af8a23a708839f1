// Package events mirrors room notifications to RabbitMQ so external
// services (recorders, analytics) can follow room state. The in-process
// fan-out never depends on this; publishing is best-effort.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/dstrelka/huddle/internal/domain"
)

const (
	queuePrefix = "huddle.room."
	dialRetries = 5
	dialBackoff = 500 * time.Millisecond
)

// Publisher implements core.EventSink over one AMQP connection, declaring
// one queue per room on first use.
type Publisher struct {
	conn *amqp.Connection

	mu       sync.Mutex
	channel  *amqp.Channel
	declared map[domain.RoomID]struct{}
}

// Dial connects to the broker, retrying briefly so the server can start
// alongside it.
func Dial(url string) (*Publisher, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < dialRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Warn().Str("module", "events").Err(err).Msg("amqp dial, retrying")
		time.Sleep(dialBackoff)
	}
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return &Publisher{
		conn:     conn,
		channel:  ch,
		declared: make(map[domain.RoomID]struct{}),
	}, nil
}

// Publish mirrors one room event. Failures are logged and swallowed.
func (p *Publisher) Publish(ev domain.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Str("module", "events").Err(err).Msg("marshal event")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	name := queuePrefix + string(ev.Room)
	if _, ok := p.declared[ev.Room]; !ok {
		if _, err := p.channel.QueueDeclare(name, false, true, false, false, nil); err != nil {
			log.Warn().Str("module", "events").Str("queue", name).Err(err).Msg("queue declare")
			return
		}
		p.declared[ev.Room] = struct{}{}
	}
	err = p.channel.Publish("", name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		log.Warn().Str("module", "events").Str("queue", name).Err(err).Msg("publish")
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		log.Warn().Str("module", "events").Err(err).Msg("channel close")
	}
	return p.conn.Close()
}

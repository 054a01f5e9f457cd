// Package telemetry exports polling samples and movement events: JSON over
// MQTT and time series points to InfluxDB.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cjeanneret/PanTilt/internal/debug"
	"github.com/cjeanneret/PanTilt/internal/servo"
)

// Topic suffixes under the configured prefix.
const (
	TopicSample   = "sample"
	TopicMovement = "movement"
)

// DefaultQueueSize is how many messages may wait for the broker before new
// samples are dropped. Movement events are never dropped for samples.
const DefaultQueueSize = 64

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

type message struct {
	topic   string
	payload []byte
}

// Publisher forwards session notifications to an MQTT broker. Observers only
// enqueue; Run does the network I/O so the polling loop never waits on the
// broker.
type Publisher struct {
	prefix  string
	publish func(topic string, payload []byte) error
	close   func()

	queue   chan message
	mu      sync.Mutex
	dropped int
}

// NewMQTTPublisher connects to cfg.Broker.
func NewMQTTPublisher(cfg MQTTConfig) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	debug.Info("Connected to MQTT broker %s as %s", cfg.Broker, cfg.ClientID)

	publish := func(topic string, payload []byte) error {
		token := client.Publish(topic, 0, false, payload)
		if !token.WaitTimeout(2 * time.Second) {
			return fmt.Errorf("publish %s: timeout", topic)
		}
		return token.Error()
	}
	return newPublisher(cfg.TopicPrefix, publish, func() { client.Disconnect(250) }), nil
}

func newPublisher(prefix string, publish func(string, []byte) error, closeFn func()) *Publisher {
	if prefix == "" {
		prefix = "pantilt"
	}
	return &Publisher{
		prefix:  strings.TrimSuffix(prefix, "/"),
		publish: publish,
		close:   closeFn,
		queue:   make(chan message, DefaultQueueSize),
	}
}

// Topic returns the full topic for suffix.
func (p *Publisher) Topic(suffix string) string {
	return p.prefix + "/" + suffix
}

// Attach subscribes to s and returns the detach func.
func (p *Publisher) Attach(s *servo.Session) (detach func()) {
	offSample := s.OnSample(func(snap servo.Snapshot) {
		p.enqueue(TopicSample, snap, false)
	})
	offMove := s.OnMovement(func(ev servo.MovementEvent) {
		p.enqueue(TopicMovement, ev, true)
	})
	return func() {
		offSample()
		offMove()
	}
}

func (p *Publisher) enqueue(suffix string, v any, mustSend bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		debug.Error(fmt.Errorf("mqtt encode %s: %w", suffix, err))
		return
	}
	msg := message{topic: p.Topic(suffix), payload: payload}
	select {
	case p.queue <- msg:
		return
	default:
	}
	if !mustSend {
		p.drop()
		return
	}
	// make room for the event by discarding the oldest queued message
	select {
	case <-p.queue:
		p.drop()
	default:
	}
	select {
	case p.queue <- msg:
	default:
		p.drop()
	}
}

func (p *Publisher) drop() {
	p.mu.Lock()
	p.dropped++
	n := p.dropped
	p.mu.Unlock()
	if n == 1 || n%100 == 0 {
		debug.Verbose("MQTT queue full, %d message(s) dropped so far", n)
	}
}

// Dropped returns how many messages were discarded because the queue was full.
func (p *Publisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Run publishes queued messages until ctx is cancelled, then disconnects.
// Publish failures are logged; the publisher keeps going.
func (p *Publisher) Run(ctx context.Context) error {
	defer func() {
		if p.close != nil {
			p.close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-p.queue:
			if err := p.publish(msg.topic, msg.payload); err != nil {
				debug.Error(fmt.Errorf("mqtt publish: %w", err))
			}
		}
	}
}

package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

const (
	TopicEntriesConfirmed      = "arena.entries.confirmed.v1"
	TopicPaymentAuthorizations = "arena.payments.authorization.v1"

	payloadVersion = "v1"
)

const (
	defaultBatchTimeout = 10 * time.Millisecond
	defaultWriteTimeout = 5 * time.Second
	defaultClientID     = "arena-api"
)

var ErrInvalidRecord = errors.New("events: invalid record")

// Record is one arena event. Records are keyed by tournament so a consumer sees the
// events of one tournament on one partition, in commit order.
type Record struct {
	Topic        string
	TournamentID uuid.UUID
	Payload      []byte
}

func (r Record) validate() error {
	switch r.Topic {
	case TopicEntriesConfirmed, TopicPaymentAuthorizations:
	default:
		return fmt.Errorf("%w: unknown topic %q", ErrInvalidRecord, r.Topic)
	}
	if r.TournamentID == uuid.Nil {
		return fmt.Errorf("%w: missing tournament id", ErrInvalidRecord)
	}
	if !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload is not json", ErrInvalidRecord)
	}
	return nil
}

// Producer publishes arena records.
type Producer interface {
	Publish(ctx context.Context, r Record) error
	Close() error
}

type ProducerConfig struct {
	Driver string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	ClientID     string
	TLS          bool

	// Stdio fields.
	Writer io.Writer
}

// NewProducer creates a producer for the configured driver. An empty driver selects kafka.
func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch driver := strings.TrimSpace(strings.ToLower(cfg.Driver)); driver {
	case "", DriverKafka:
		return newKafkaProducer(cfg)
	case DriverStdio:
		return newStdioProducer(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (Producer, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka producer requires at least one broker", ErrInvalidConfig)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = defaultClientID
	}

	transport := &kafka.Transport{ClientID: clientID}
	if cfg.TLS {
		transport.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	// Hash on the tournament key keeps per-tournament ordering.
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		Transport:              transport,
	}
	return &kafkaProducer{writer: writer}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: r.Topic,
		Key:   []byte(r.TournamentID.String()),
		Value: r.Payload,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "payload-version", Value: []byte(payloadVersion)},
		},
	})
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

// stdioLine is the envelope the stdio driver writes, one per line.
type stdioLine struct {
	Topic        string          `json:"topic"`
	TournamentID string          `json:"tournamentId"`
	Payload      json.RawMessage `json:"payload"`
}

type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(cfg ProducerConfig) Producer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	line, err := json.Marshal(stdioLine{Topic: r.Topic, TournamentID: r.TournamentID.String(), Payload: r.Payload})
	if err != nil {
		return fmt.Errorf("events: encode line: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.w.Write(append(line, '\n'))
	return err
}

func (p *stdioProducer) Close() error {
	return nil
}

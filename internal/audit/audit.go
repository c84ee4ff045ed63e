// Package audit emits one event per reconciled capture or money movement.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	KindCapture        = "capture"
	KindPayout         = "commission_payout"
	KindDebtCollection = "debt_collection"
	KindDeposit        = "deposit_transition"
)

type Event struct {
	Kind        string            `json:"kind"`
	Provider    string            `json:"provider,omitempty"`
	ProviderRef string            `json:"provider_ref,omitempty"`
	Type        string            `json:"type,omitempty"`
	RelatedID   string            `json:"related_id,omitempty"`
	Amount      string            `json:"amount,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	Result      string            `json:"result"`
	Detail      map[string]string `json:"detail,omitempty"`
	At          time.Time         `json:"at"`
}

// Key partitions events for the same entity together.
func (e Event) Key() string {
	if e.ProviderRef != "" {
		return e.Provider + ":" + e.ProviderRef
	}
	return e.Kind + ":" + e.RelatedID
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// KafkaPublisher writes events to the audit topic.
type KafkaPublisher struct {
	w *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
	if log != nil {
		w.ErrorLogger = kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Warn(fmt.Sprintf(msg, args...))
		})
	}
	return &KafkaPublisher{w: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key()),
		Value: value,
		Time:  e.At,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Package bus carries channel events between services over kafka. Every
// event is keyed by channel id so one channel's events stay in one partition
// and keep their order.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/meeting-chat/pkg/metrics"
	"github.com/mahaj/meeting-chat/pkg/model"
)

var ErrUntypedEvent = errors.New("bus: event without type")

// Encode marshals an event into a kafka message.
func Encode(ev model.Event) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	return kafka.Message{Key: []byte(ev.ChannelID), Value: data, Time: time.Now()}, nil
}

func Decode(data []byte) (model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.Event{}, err
	}
	if ev.Type == "" {
		return model.Event{}, ErrUntypedEvent
	}
	return ev, nil
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	w writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}}
}

func (p *Publisher) Publish(ctx context.Context, ev model.Event) error {
	msg, err := Encode(ev)
	if err != nil {
		return err
	}
	err = p.w.WriteMessages(ctx, msg)
	metrics.EventsPublished.WithLabelValues(string(ev.Type), metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

// Handler processes one event. Returning an error only logs it; the event is
// not redelivered.
type Handler func(ctx context.Context, ev model.Event) error

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Subscriber struct {
	r      reader
	commit bool
	log    zerolog.Logger
	// retryDelay is the pause after a failed fetch.
	retryDelay time.Duration
}

// NewFanoutSubscriber reads every event from now on. Each instance gets its
// own consumer group, so every gateway sees every event.
func NewFanoutSubscriber(brokers []string, topic, instance string, log zerolog.Logger) *Subscriber {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     "gateway-group-" + instance,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     100 * time.Millisecond,
	})
	return &Subscriber{r: r, log: log, retryDelay: time.Second}
}

// NewGroupSubscriber shares the topic among members of a consumer group and
// commits offsets after each handled event.
func NewGroupSubscriber(brokers []string, topic, group string, log zerolog.Logger) *Subscriber {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	})
	return &Subscriber{r: r, commit: true, log: log, retryDelay: time.Second}
}

// Run feeds events to h until ctx is done.
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	for {
		m, err := s.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Dur("retry_in", s.retryDelay).Msg("bus fetch failed")
			select {
			case <-time.After(s.retryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		ev, err := Decode(m.Value)
		if err != nil {
			s.log.Warn().Err(err).Int64("offset", m.Offset).Msg("skipping undecodable event")
		} else if err := h(ctx, ev); err != nil {
			s.log.Error().Err(err).Str("type", string(ev.Type)).Str("channel", ev.ChannelID).Msg("event handler failed")
		}

		if s.commit {
			if err := s.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Int64("offset", m.Offset).Msg("commit failed")
			}
		}
	}
}

func (s *Subscriber) Close() error {
	return s.r.Close()
}

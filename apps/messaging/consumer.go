package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/mahaj/meeting-chat/pkg/model"
)

type MessageWriter interface {
	Insert(ctx context.Context, m model.ChatMessage) error
}

// Consumer persists new messages read from the bus. Edits and deletes are
// written by the api service before it publishes them, so only message
// events are stored here.
type Consumer struct {
	repo MessageWriter
	log  zerolog.Logger
}

func NewConsumer(repo MessageWriter, log zerolog.Logger) *Consumer {
	return &Consumer{repo: repo, log: log}
}

var errIncompleteMessage = errors.New("message event without id or channel")

// Handle is a bus.Handler.
func (c *Consumer) Handle(ctx context.Context, ev model.Event) error {
	if ev.Type != model.EventMessage {
		if ev.Type.Ephemeral() {
			c.log.Debug().Str("type", string(ev.Type)).Msg("skipping persistence for ephemeral event")
		}
		return nil
	}

	m := ev.Message
	if m == nil || m.ID == 0 {
		return errIncompleteMessage
	}
	if m.ChannelID == "" {
		m.ChannelID = ev.ChannelID
	}
	if m.ChannelID == "" {
		return errIncompleteMessage
	}
	if m.Kind == "" {
		m.Kind = model.KindOrdinary
	}

	if err := c.repo.Insert(ctx, *m); err != nil {
		return err
	}
	c.log.Debug().Int64("message_id", m.ID).Str("channel", m.ChannelID).Msg("message saved to ScyllaDB")
	return nil
}

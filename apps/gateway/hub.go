package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/meeting-chat/pkg/metrics"
	"github.com/mahaj/meeting-chat/pkg/model"
)

// Longest message body accepted from a client.
const maxBodyLength = 4000

type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

type Presence interface {
	Join(ctx context.Context, channelID, address string) error
	Leave(ctx context.Context, channelID, address string) error
}

type IDGenerator interface {
	Generate() (int64, time.Time)
}

// presenceOp is one pending presence write, applied in submission order.
type presenceOp struct {
	join      bool
	channelID string
	address   string
}

type clientCommand struct {
	client *Client
	cmd    model.Command
	err    error
}

// Hub owns channel membership. Commands from every client are handled on the
// Run goroutine; events from the bus fan out through Deliver.
type Hub struct {
	channels   map[string]map[*Client]bool // channel_id -> clients
	mu         sync.RWMutex
	commands   chan clientCommand
	unregister chan *Client
	done       chan struct{}
	presenceQ  chan presenceOp

	bus      Publisher
	presence Presence
	ids      IDGenerator
	log      zerolog.Logger
}

func NewHub(bus Publisher, presence Presence, ids IDGenerator, log zerolog.Logger) *Hub {
	return &Hub{
		channels:   make(map[string]map[*Client]bool),
		commands:   make(chan clientCommand, 256),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		presenceQ:  make(chan presenceOp, 1024),
		bus:        bus,
		presence:   presence,
		ids:        ids,
		log:        log,
	}
}

func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	go h.writePresence(ctx)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for ch, clients := range h.channels {
				for c := range clients {
					c.close()
				}
				delete(h.channels, ch)
			}
			h.mu.Unlock()
			return nil
		case cc := <-h.commands:
			h.handle(ctx, cc)
		case c := <-h.unregister:
			h.leave(ctx, c)
			c.close()
		}
	}
}

// submit hands a client command to the Run loop.
func (h *Hub) submit(cc clientCommand) bool {
	select {
	case h.commands <- cc:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) handle(ctx context.Context, cc clientCommand) {
	c, cmd := cc.client, cc.cmd
	if c.gone {
		return
	}
	if cc.err != nil {
		c.reject(c.channel, "invalid_command", "malformed command")
		return
	}
	metrics.CommandsReceived.WithLabelValues(string(cmd.Type)).Inc()

	switch cmd.Type {
	case model.CommandJoin:
		h.join(ctx, c, cmd.ChannelID)
	case model.CommandLeave:
		if cmd.ChannelID == c.channel {
			h.leave(ctx, c)
		}
	case model.CommandSend:
		if !c.joined(cmd.ChannelID) {
			c.reject(cmd.ChannelID, "not_joined", "join the channel before sending")
			return
		}
		switch body := cmd.Body; {
		case strings.TrimSpace(body) == "":
			c.reject(cmd.ChannelID, "empty_message", "message body is empty")
			return
		case len(body) > maxBodyLength:
			c.reject(cmd.ChannelID, "message_too_long", "message body exceeds 4000 bytes")
			return
		}
		id, ts := h.ids.Generate()
		h.publish(ctx, model.Event{
			Type:      model.EventMessage,
			ChannelID: cmd.ChannelID,
			Message: &model.ChatMessage{
				ID:          id,
				ChannelID:   cmd.ChannelID,
				Sender:      c.sender,
				Body:        cmd.Body,
				Kind:        model.KindOrdinary,
				Timestamp:   ts.UTC(),
				ClientToken: cmd.ClientToken,
			},
		})
	case model.CommandTyping:
		if c.joined(cmd.ChannelID) {
			sender := c.sender
			h.publish(ctx, model.Event{Type: model.EventTyping, ChannelID: cmd.ChannelID, Sender: &sender})
		}
	case model.CommandStopTyping:
		if c.joined(cmd.ChannelID) {
			h.publish(ctx, model.Event{Type: model.EventStopTyping, ChannelID: cmd.ChannelID, Sender: &model.Sender{Address: c.sender.Address}})
		}
	default:
		c.reject(cmd.ChannelID, "unknown_command", "unknown command "+string(cmd.Type))
	}
}

func (h *Hub) join(ctx context.Context, c *Client, channelID string) {
	if strings.TrimSpace(channelID) == "" {
		c.reject("", "invalid_command", "channel_id is required")
		return
	}
	if c.channel == channelID {
		c.queue(model.Event{Type: model.EventJoinAck, ChannelID: channelID})
		return
	}
	h.leave(ctx, c)

	h.mu.Lock()
	if h.channels[channelID] == nil {
		h.channels[channelID] = make(map[*Client]bool)
	}
	h.channels[channelID][c] = true
	var others []model.Sender
	seen := map[string]bool{c.sender.Address: true}
	for other := range h.channels[channelID] {
		if !seen[other.sender.Address] {
			seen[other.sender.Address] = true
			others = append(others, other.sender)
		}
	}
	h.mu.Unlock()
	c.channel = channelID
	metrics.ConnectedClients.Inc()

	h.queuePresence(ctx, presenceOp{join: true, channelID: channelID, address: c.sender.Address})

	c.queue(model.Event{Type: model.EventJoinAck, ChannelID: channelID})
	for _, s := range others {
		c.queue(model.Event{Type: model.EventPresenceJoined, ChannelID: channelID, Sender: &s})
	}
	h.log.Info().Str("address", c.sender.Address).Str("channel", channelID).Msg("client joined")
	sender := c.sender
	h.publish(ctx, model.Event{Type: model.EventPresenceJoined, ChannelID: channelID, Sender: &sender})
}

// leave removes c from its channel, if any.
func (h *Hub) leave(ctx context.Context, c *Client) {
	channelID := c.channel
	if channelID == "" {
		return
	}
	c.channel = ""

	h.mu.Lock()
	clients := h.channels[channelID]
	delete(clients, c)
	stillHere := false
	for other := range clients {
		if other.sender.Address == c.sender.Address {
			stillHere = true
		}
	}
	if len(clients) == 0 {
		delete(h.channels, channelID)
	}
	h.mu.Unlock()
	metrics.ConnectedClients.Dec()
	h.log.Info().Str("address", c.sender.Address).Str("channel", channelID).Msg("client left")

	if stillHere {
		return
	}
	h.queuePresence(ctx, presenceOp{channelID: channelID, address: c.sender.Address})
	sender := c.sender
	h.publish(ctx, model.Event{Type: model.EventPresenceLeft, ChannelID: channelID, Sender: &sender})
}

func (h *Hub) queuePresence(ctx context.Context, op presenceOp) {
	select {
	case h.presenceQ <- op:
	case <-ctx.Done():
	}
}

// writePresence applies presence writes off the Run loop so a slow redis
// never delays acks or fan-out.
func (h *Hub) writePresence(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-h.presenceQ:
			if op.join {
				if err := h.presence.Join(ctx, op.channelID, op.address); err != nil {
					h.log.Warn().Err(err).Str("channel", op.channelID).Msg("presence not recorded")
				}
				continue
			}
			if err := h.presence.Leave(ctx, op.channelID, op.address); err != nil {
				h.log.Warn().Err(err).Str("channel", op.channelID).Msg("presence not removed")
			}
		}
	}
}

func (h *Hub) publish(ctx context.Context, ev model.Event) {
	if err := h.bus.Publish(ctx, ev); err != nil {
		h.log.Error().Err(err).Str("type", string(ev.Type)).Str("channel", ev.ChannelID).Msg("failed to publish event")
	}
}

// Deliver fans an event from the bus out to local clients of its channel.
// Clients that cannot keep up are disconnected.
func (h *Hub) Deliver(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var slow []*Client
	h.mu.RLock()
	for c := range h.channels[ev.ChannelID] {
		select {
		case c.send <- data:
			metrics.EventsDelivered.WithLabelValues(string(ev.Type)).Inc()
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		metrics.SlowClientsDropped.Inc()
		h.log.Warn().Str("address", c.sender.Address).Msg("dropping slow client")
		go h.drop(c)
	}
	return nil
}

package chatsync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/meeting-chat/pkg/model"
)

type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseJoining
	PhaseActive
	PhaseReconnecting
)

var phaseNames = [...]string{"disconnected", "connecting", "joining", "active", "reconnecting"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Conn is one live push connection. ReadEvent is called from a single
// goroutine. WriteCommand and Close queue work and must not block.
type Conn interface {
	ReadEvent() (model.Event, error)
	WriteCommand(cmd model.Command) error
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Signals posted back to the session loop by connection goroutines. Each
// carries the epoch it was issued under; anything from an older epoch is
// stale and dropped.
type (
	connDialed struct {
		epoch uint64
		conn  Conn
	}
	connFailed struct {
		epoch uint64
		err   error
	}
	connEvent struct {
		epoch uint64
		ev    model.Event
	}
	connRetry struct {
		epoch uint64
	}
)

// ConnManager drives the push connection through its phases. Every method
// runs on the session loop; goroutines it starts only talk back through post.
type ConnManager struct {
	dialer   Dialer
	backoff  Backoff
	channel  string
	identity model.Sender
	post     func(any) bool
	log      zerolog.Logger

	phase   Phase
	conn    Conn
	epoch   uint64
	attempt int
	joins   int
	retry   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	lastErr error
}

func newConnManager(dialer Dialer, backoff Backoff, channel string, identity model.Sender, post func(any) bool, log zerolog.Logger) *ConnManager {
	return &ConnManager{
		dialer:   dialer,
		backoff:  backoff.withDefaults(),
		channel:  channel,
		identity: identity,
		post:     post,
		log:      log,
	}
}

func (m *ConnManager) Phase() Phase { return m.phase }

// Joins counts how many times the connection has reached Active.
func (m *ConnManager) Joins() int { return m.joins }

// Err is the transport error that caused the last drop, if any.
func (m *ConnManager) Err() error { return m.lastErr }

func validate(channel string, identity model.Sender, dialer Dialer) error {
	switch {
	case channel == "":
		return &ConfigurationError{Field: "channel id"}
	case !identity.Valid():
		return &ConfigurationError{Field: "local identity"}
	case dialer == nil:
		return &ConfigurationError{Field: "dialer"}
	}
	return nil
}

// Start leaves the phase at Disconnected if the configuration is incomplete.
func (m *ConnManager) Start(ctx context.Context) error {
	if err := validate(m.channel, m.identity, m.dialer); err != nil {
		return err
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.connect()
	return nil
}

func (m *ConnManager) connect() {
	m.phase = PhaseConnecting
	m.epoch++
	epoch, ctx := m.epoch, m.ctx
	m.log.Debug().Uint64("epoch", epoch).Int("attempt", m.attempt).Msg("dialing push server")
	go func() {
		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			m.post(connFailed{epoch: epoch, err: &TransportError{Op: "dial", Err: err}})
			return
		}
		if !m.post(connDialed{epoch: epoch, conn: conn}) {
			conn.Close()
		}
	}()
}

func (m *ConnManager) readPump(epoch uint64, conn Conn) {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			m.post(connFailed{epoch: epoch, err: &TransportError{Op: "read", Err: err}})
			return
		}
		if !m.post(connEvent{epoch: epoch, ev: ev}) {
			return
		}
	}
}

func (m *ConnManager) dialed(sig connDialed) {
	if sig.epoch != m.epoch || m.closed {
		sig.conn.Close()
		return
	}
	m.conn = sig.conn
	m.phase = PhaseJoining
	go m.readPump(sig.epoch, sig.conn)
	if err := sig.conn.WriteCommand(model.JoinCommand(m.channel, m.identity)); err != nil {
		m.drop(&TransportError{Op: "join", Err: err})
	}
}

// failed reports whether the signal caused a drop.
func (m *ConnManager) failed(sig connFailed) bool {
	if sig.epoch != m.epoch || m.closed {
		return false
	}
	m.drop(sig.err)
	return true
}

// event filters a pushed event. join_ack moves Joining to Active; events for
// other channels or stale connections are dropped.
func (m *ConnManager) event(sig connEvent) (model.Event, bool) {
	if sig.epoch != m.epoch || m.closed {
		return model.Event{}, false
	}
	ev := sig.ev
	if ev.ChannelID != "" && ev.ChannelID != m.channel {
		m.log.Debug().Str("event_channel", ev.ChannelID).Str("type", string(ev.Type)).Msg("ignoring event for another channel")
		return model.Event{}, false
	}
	if ev.Type == model.EventJoinAck {
		if m.phase != PhaseJoining {
			return model.Event{}, false
		}
		m.phase = PhaseActive
		m.attempt = 0
		m.joins++
		m.lastErr = nil
		m.log.Info().Str("channel", m.channel).Int("joins", m.joins).Msg("joined channel")
	}
	return ev, true
}

func (m *ConnManager) retryDue(sig connRetry) {
	if sig.epoch != m.epoch || m.closed || m.phase != PhaseReconnecting {
		return
	}
	m.connect()
}

func (m *ConnManager) drop(err error) {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.epoch++
	m.lastErr = err
	m.attempt++
	if m.backoff.Exhausted(m.attempt) {
		m.phase = PhaseDisconnected
		m.log.Error().Err(err).Int("attempts", m.attempt-1).Msg("giving up on push connection")
		return
	}
	m.phase = PhaseReconnecting
	delay := m.backoff.NextDelay(m.attempt)
	epoch := m.epoch
	m.retry = time.AfterFunc(delay, func() { m.post(connRetry{epoch: epoch}) })
	m.log.Warn().Err(err).Int("attempt", m.attempt).Dur("delay", delay).Msg("push connection lost, reconnecting")
}

// Send writes a command on the live connection. Outside Active it fails
// with ErrNotConnected and has no side effects.
func (m *ConnManager) Send(cmd model.Command) error {
	if m.phase != PhaseActive || m.conn == nil {
		return ErrNotConnected
	}
	if err := m.conn.WriteCommand(cmd); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		m.drop(terr)
		return terr
	}
	return nil
}

// Close sends leave best-effort, releases the transport and cancels any
// pending dial or retry. The phase ends at Disconnected.
func (m *ConnManager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	if m.retry != nil {
		m.retry.Stop()
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.conn != nil {
		if m.phase == PhaseActive || m.phase == PhaseJoining {
			if err := m.conn.WriteCommand(model.LeaveCommand(m.channel)); err != nil {
				m.log.Debug().Err(err).Msg("leave not delivered")
			}
		}
		m.conn.Close()
		m.conn = nil
	}
	m.epoch++
	m.phase = PhaseDisconnected
}

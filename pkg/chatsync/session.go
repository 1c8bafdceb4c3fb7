package chatsync

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mahaj/meeting-chat/pkg/model"
)

// MessageAPI is the request/response side of the server.
type MessageAPI interface {
	HistoryFetcher
	// EditMessage returns the message as stored, carrying the server's edit time.
	EditMessage(ctx context.Context, channelID string, id int64, body, requester string) (model.ChatMessage, error)
	DeleteMessage(ctx context.Context, channelID string, id int64, requester string) error
}

type Config struct {
	ChannelID string
	Identity  model.Sender
	PageSize  int

	// TypingTimeout is both the remote expiry and the local debounce window.
	TypingTimeout time.Duration
	// TickInterval drives typing expiry; it must stay at or below one second.
	TickInterval time.Duration
	Backoff      Backoff

	// DisableOptimistic waits for the server echo before showing a sent message.
	DisableOptimistic bool
	// ResyncOnReconnect reloads the latest page after every reconnect. Off by
	// default: messages sent while disconnected only show up after Refresh or
	// LoadMore.
	ResyncOnReconnect bool
}

// View is a read-only, point-in-time picture of the session.
type View struct {
	Messages []model.ChatMessage
	Typing   []string
	Phase    Phase
	LastErr  error
	HasMore  bool
	Loading  bool
	// Members maps present addresses to display names.
	Members map[string]string
}

type loadKind int

const (
	loadInitial loadKind = iota
	loadOlder
	loadRefresh
)

func (k loadKind) String() string {
	switch k {
	case loadInitial:
		return "initial"
	case loadOlder:
		return "older"
	default:
		return "refresh"
	}
}

// Inputs delivered to the loop besides the connection signals.
type (
	sendReq struct {
		text  string
		reply chan error
	}
	editReq struct {
		id    int64
		text  string
		reply chan error
	}
	deleteReq struct {
		id    int64
		reply chan error
	}
	typingReq struct {
		reply chan error
	}
	loadReq struct {
		kind  loadKind
		reply chan error
	}
	loadDone struct {
		kind  loadKind
		page  model.Page
		err   error
		reply chan error
	}
	mutationDone struct {
		id       int64
		body     string
		editedAt *time.Time
		delete   bool
		err      error
		reply    chan error
	}
	typingStop struct {
		gen uint64
	}
)

// Session is the engine for one viewer in one channel. A single goroutine owns
// all state; every public method marshals onto it and blocks only the caller.
type Session struct {
	cfg    Config
	api    MessageAPI
	loader *HistoryLoader
	log    zerolog.Logger
	now    func() time.Time

	inbox    chan any
	done     chan struct{}
	stopped  chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	view       atomic.Pointer[View]
	subMu      sync.Mutex
	subs       []chan View
	subsClosed bool

	// Owned by the loop.
	store         *Store
	typing        *TypingTracker
	debounce      *Debouncer
	conn          *ConnManager
	ctx           context.Context
	cancel        context.CancelFunc
	hasMore       bool
	initialLoaded bool
	loading       bool
	resyncDue     bool
	lastErr       error
	members       map[string]string
	replies       []pendingReply
}

type pendingReply struct {
	ch  chan error
	err error
}

func NewSession(cfg Config, api MessageAPI, dialer Dialer, log zerolog.Logger) *Session {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = TypingTimeout
	}
	if cfg.TickInterval <= 0 || cfg.TickInterval > time.Second {
		cfg.TickInterval = 500 * time.Millisecond
	}

	s := &Session{
		cfg:     cfg,
		api:     api,
		log:     log.With().Str("channel", cfg.ChannelID).Logger(),
		now:     time.Now,
		inbox:   make(chan any, 256),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		store:   NewStore(),
		typing:  NewTypingTracker(cfg.TypingTimeout),
		members: make(map[string]string),
	}
	if api != nil {
		s.loader = NewHistoryLoader(api)
	}
	s.debounce = NewDebouncer(cfg.TypingTimeout, func(gen uint64) { s.post(typingStop{gen: gen}) })
	s.conn = newConnManager(dialer, cfg.Backoff, cfg.ChannelID, cfg.Identity, s.post, s.log)
	s.view.Store(&View{Phase: PhaseDisconnected, Members: map[string]string{}})
	return s
}

// Start kicks off the initial history load and the push connection. A
// missing channel id, identity, dialer or API is a ConfigurationError; the
// session then stays Disconnected for good.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrClosed
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	err := validate(s.cfg.ChannelID, s.cfg.Identity, s.conn.dialer)
	if err == nil && s.api == nil {
		err = &ConfigurationError{Field: "message api"}
	}
	if err == nil {
		err = s.conn.Start(s.ctx)
	}
	if err != nil {
		s.cancel()
		s.lastErr = err
		s.publish()
		s.log.Error().Err(err).Msg("session not started")
		close(s.stopped)
		s.closeSubs()
		return err
	}

	s.startLoad(loadInitial, nil, nil)
	s.publish()
	go s.run()
	return nil
}

// Stop tears the session down: pending typing and reconnect timers are
// cancelled, leave goes out best-effort and late I/O results are discarded.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.started.CompareAndSwap(false, true) {
			close(s.stopped)
			s.closeSubs()
		}
	})
	<-s.stopped
}

// Send posts a message. Blank text is rejected before anything else.
func (s *Session) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	return s.call(ctx, func(reply chan error) any { return sendReq{text: text, reply: reply} })
}

func (s *Session) Edit(ctx context.Context, id int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	return s.call(ctx, func(reply chan error) any { return editReq{id: id, text: text, reply: reply} })
}

func (s *Session) Delete(ctx context.Context, id int64) error {
	return s.call(ctx, func(reply chan error) any { return deleteReq{id: id, reply: reply} })
}

// Typing records a local keystroke.
func (s *Session) Typing(ctx context.Context) error {
	return s.call(ctx, func(reply chan error) any { return typingReq{reply: reply} })
}

// LoadMore fetches the page before the oldest loaded message. It returns at
// once when nothing older exists or a load is already running.
func (s *Session) LoadMore(ctx context.Context) error {
	return s.call(ctx, func(reply chan error) any { return loadReq{kind: loadOlder, reply: reply} })
}

// Refresh reloads the most recent page and merges it, recovering messages
// missed while disconnected.
func (s *Session) Refresh(ctx context.Context) error {
	return s.call(ctx, func(reply chan error) any { return loadReq{kind: loadRefresh, reply: reply} })
}

// State returns the latest view.
func (s *Session) State() View {
	return *s.view.Load()
}

// Subscribe returns a channel carrying the latest view after every change.
// Slow readers only miss intermediate views. The channel closes after Stop.
func (s *Session) Subscribe() <-chan View {
	ch := make(chan View, 1)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch <- *s.view.Load()
	if s.subsClosed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Session) call(ctx context.Context, mk func(reply chan error) any) error {
	select {
	case <-s.stopped:
		return ErrClosed
	default:
	}
	if !s.started.Load() {
		return ErrNotConnected
	}
	reply := make(chan error, 1)
	select {
	case s.inbox <- mk(reply):
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands an input to the loop. It reports false once the session is
// stopping, in which case the input is dropped.
func (s *Session) post(in any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- in:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.stopped)
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()

	for {
		select {
		case <-s.done:
			s.teardown()
			return
		case in := <-s.inbox:
			s.dispatch(in)
			s.publish()
			s.flushReplies()
		case now := <-tick.C:
			if s.typing.ExpireTick(now) {
				s.publish()
			}
		}
	}
}

func (s *Session) teardown() {
	s.debounce.Cancel()
	s.conn.Close()
	s.cancel()

	// Release anything that raced into the inbox.
	for {
		select {
		case in := <-s.inbox:
			switch in := in.(type) {
			case connDialed:
				in.conn.Close()
			case loadDone:
				if in.reply != nil {
					in.reply <- ErrClosed
				}
			case mutationDone:
				in.reply <- ErrClosed
			}
			continue
		default:
		}
		break
	}

	s.loading = false
	s.publish()
	s.closeSubs()
	s.log.Info().Msg("session stopped")
}

func (s *Session) dispatch(in any) {
	before := s.conn.Phase()
	switch in := in.(type) {
	case connDialed:
		s.conn.dialed(in)
	case connFailed:
		s.conn.failed(in)
	case connRetry:
		s.conn.retryDue(in)
	case connEvent:
		if ev, ok := s.conn.event(in); ok {
			s.apply(ev)
		}
	case sendReq:
		s.respond(in.reply, s.send(in.text))
	case editReq:
		s.mutate(in.id, in.text, false, in.reply)
	case deleteReq:
		s.mutate(in.id, "", true, in.reply)
	case typingReq:
		s.respond(in.reply, s.keystroke())
	case typingStop:
		if s.debounce.Expired(in.gen) {
			if err := s.conn.Send(model.StopTypingCommand(s.cfg.ChannelID, s.cfg.Identity.Address)); err != nil {
				s.log.Debug().Err(err).Msg("stop typing not sent")
			}
		}
	case loadReq:
		s.requestLoad(in)
	case loadDone:
		s.loaded(in)
	case mutationDone:
		s.mutated(in)
	default:
		s.log.Warn().Type("input", in).Msg("unhandled session input")
	}
	s.phaseChanged(before, s.conn.Phase())
}

func (s *Session) phaseChanged(before, after Phase) {
	if before == after {
		return
	}
	s.log.Info().Stringer("from", before).Stringer("to", after).Msg("connection phase changed")

	if before == PhaseActive {
		s.debounce.Cancel()
		s.typing.Reset()
		s.resyncDue = false
	}
	switch after {
	case PhaseActive:
		if s.conn.Joins() > 1 && s.cfg.ResyncOnReconnect {
			if s.loading {
				s.resyncDue = true
			} else {
				s.startLoad(loadRefresh, nil, nil)
			}
		}
	case PhaseDisconnected:
		if err := s.conn.Err(); err != nil {
			s.lastErr = err
		}
	}
}

// apply routes a push event into the store, tracker or member map.
func (s *Session) apply(ev model.Event) {
	switch ev.Type {
	case model.EventJoinAck:
	case model.EventMessage:
		if ev.Message == nil {
			s.log.Warn().Msg("message event without payload")
			return
		}
		s.store.ApplyLive(*ev.Message)
		s.typing.Stop(ev.Message.Sender.Address)
	case model.EventMessageEdited:
		at := s.now().UTC()
		if ev.EditedAt != nil {
			at = *ev.EditedAt
		}
		if !s.store.ApplyEdit(ev.MessageID, ev.Body, at) {
			s.log.Debug().Int64("message_id", ev.MessageID).Msg("edit for message not loaded")
		}
	case model.EventMessageDeleted:
		if !s.store.ApplyDelete(ev.MessageID) {
			s.log.Debug().Int64("message_id", ev.MessageID).Msg("delete for message not loaded")
		}
	case model.EventTyping:
		if ev.Sender == nil || ev.Sender.Address == s.cfg.Identity.Address {
			return
		}
		s.typing.Signal(*ev.Sender, s.now())
	case model.EventStopTyping:
		if ev.Sender != nil {
			s.typing.Stop(ev.Sender.Address)
		}
	case model.EventPresenceJoined:
		if ev.Sender != nil {
			s.members[ev.Sender.Address] = ev.Sender.DisplayName
		}
	case model.EventPresenceLeft:
		if ev.Sender != nil {
			delete(s.members, ev.Sender.Address)
			s.typing.Stop(ev.Sender.Address)
		}
	case model.EventError:
		s.lastErr = &ServerRejectedError{Code: ev.Code, Message: ev.Error}
		s.log.Warn().Str("code", ev.Code).Str("error", ev.Error).Msg("server rejected request")
	default:
		s.log.Debug().Str("type", string(ev.Type)).Msg("ignoring unknown event")
	}
}

func (s *Session) send(text string) error {
	if s.conn.Phase() != PhaseActive {
		return ErrNotConnected
	}
	token := uuid.NewString()
	if !s.cfg.DisableOptimistic {
		s.store.AddPending(model.ChatMessage{
			ChannelID:   s.cfg.ChannelID,
			Sender:      s.cfg.Identity,
			Body:        text,
			Kind:        model.KindOrdinary,
			Timestamp:   s.now().UTC(),
			ClientToken: token,
		})
	}
	if err := s.conn.Send(model.SendCommand(s.cfg.ChannelID, s.cfg.Identity, text, token)); err != nil {
		s.store.Discard(token)
		s.lastErr = err
		return err
	}
	return nil
}

func (s *Session) keystroke() error {
	if s.conn.Phase() != PhaseActive {
		return ErrNotConnected
	}
	if !s.debounce.Keystroke(s.now()) {
		return nil
	}
	return s.conn.Send(model.TypingCommand(s.cfg.ChannelID, s.cfg.Identity))
}

// mutate runs an edit or delete over the request/response API off the loop.
func (s *Session) mutate(id int64, body string, del bool, reply chan error) {
	if id == 0 {
		s.respond(reply, ErrUnknownMessage)
		return
	}
	if s.conn.Phase() != PhaseActive {
		s.respond(reply, ErrNotConnected)
		return
	}
	ctx, channel, requester := s.ctx, s.cfg.ChannelID, s.cfg.Identity.Address
	go func() {
		done := mutationDone{id: id, body: body, delete: del, reply: reply}
		if del {
			done.err = s.api.DeleteMessage(ctx, channel, id, requester)
		} else {
			var stored model.ChatMessage
			stored, done.err = s.api.EditMessage(ctx, channel, id, body, requester)
			done.editedAt = stored.EditedAt
		}
		if !s.post(done) {
			reply <- ErrClosed
		}
	}()
}

func (s *Session) mutated(in mutationDone) {
	if in.err != nil {
		s.lastErr = in.err
		s.log.Warn().Err(in.err).Int64("message_id", in.id).Bool("delete", in.delete).Msg("message update failed")
		s.respond(in.reply, in.err)
		return
	}
	if in.delete {
		s.store.ApplyDelete(in.id)
	} else {
		// The server's edit time orders this edit against pushed ones.
		at := s.now().UTC()
		if in.editedAt != nil {
			at = *in.editedAt
		}
		s.store.ApplyEdit(in.id, in.body, at)
	}
	s.respond(in.reply, nil)
}

func (s *Session) requestLoad(in loadReq) {
	if s.loading {
		s.respond(in.reply, nil)
		return
	}
	kind := in.kind
	if kind == loadOlder && !s.initialLoaded {
		// The first page never arrived; try it again instead.
		kind = loadInitial
	}
	var cursor *model.Cursor
	if kind == loadOlder {
		oldest, ok := s.store.Oldest()
		if !s.hasMore || !ok {
			s.respond(in.reply, nil)
			return
		}
		cursor = &oldest
	}
	s.startLoad(kind, cursor, in.reply)
}

func (s *Session) startLoad(kind loadKind, cursor *model.Cursor, reply chan error) {
	s.loading = true
	ctx, channel, size := s.ctx, s.cfg.ChannelID, s.cfg.PageSize
	s.log.Debug().Stringer("kind", kind).Msg("loading history")
	go func() {
		var (
			page model.Page
			err  error
		)
		if cursor != nil {
			page, err = s.loader.LoadBefore(ctx, channel, *cursor, size)
		} else {
			page, err = s.loader.LoadInitial(ctx, channel, size)
		}
		if !s.post(loadDone{kind: kind, page: page, err: err, reply: reply}) && reply != nil {
			reply <- ErrClosed
		}
	}()
}

func (s *Session) loaded(in loadDone) {
	s.loading = false
	defer s.resyncIfDue()
	reply := func(err error) {
		if in.reply != nil {
			s.respond(in.reply, err)
		}
	}
	if errors.Is(in.err, ErrLoadInProgress) {
		reply(nil)
		return
	}
	if in.err != nil {
		s.lastErr = in.err
		s.log.Warn().Err(in.err).Stringer("kind", in.kind).Msg("history load failed")
		reply(in.err)
		return
	}

	added := s.store.ApplyPage(in.page.Messages)
	switch in.kind {
	case loadInitial:
		s.initialLoaded = true
		s.hasMore = in.page.HasMore
	case loadOlder:
		s.hasMore = in.page.HasMore
	case loadRefresh:
		if !s.initialLoaded {
			s.initialLoaded = true
			s.hasMore = in.page.HasMore
		}
	}
	var hu *HistoryUnavailableError
	if errors.As(s.lastErr, &hu) {
		s.lastErr = nil
	}
	s.log.Debug().Stringer("kind", in.kind).Int("added", added).Bool("has_more", s.hasMore).Msg("history merged")
	reply(nil)
}

// resyncIfDue runs a reconnect refresh that arrived while another load was
// in flight.
func (s *Session) resyncIfDue() {
	if !s.resyncDue || s.loading {
		return
	}
	s.resyncDue = false
	if s.conn.Phase() == PhaseActive {
		s.startLoad(loadRefresh, nil, nil)
	}
}

// respond queues a caller's result until the view reflecting it is published.
func (s *Session) respond(ch chan error, err error) {
	s.replies = append(s.replies, pendingReply{ch: ch, err: err})
}

func (s *Session) flushReplies() {
	for _, r := range s.replies {
		r.ch <- r.err
	}
	s.replies = s.replies[:0]
}

func (s *Session) publish() {
	v := &View{
		Messages: s.store.Snapshot(),
		Typing:   s.typing.Names(),
		Phase:    s.conn.Phase(),
		LastErr:  s.lastErr,
		HasMore:  s.hasMore,
		Loading:  s.loading,
		Members:  maps.Clone(s.members),
	}
	s.view.Store(v)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- *v:
		default:
		}
	}
}

func (s *Session) closeSubs() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subsClosed {
		return
	}
	s.subsClosed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

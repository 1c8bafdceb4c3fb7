package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/meeting-chat/pkg/auth"
	"github.com/mahaj/meeting-chat/pkg/chatsync"
	"github.com/mahaj/meeting-chat/pkg/db"
	"github.com/mahaj/meeting-chat/pkg/model"
)

var (
	alice = model.Sender{Address: "alice@example.com", DisplayName: "Alice"}
	bob   = model.Sender{Address: "bob@example.com", DisplayName: "Bob"}
	now   = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

type pageCall struct {
	channelID string
	limit     int
	before    *model.Cursor
}

type fakeStore struct {
	mu    sync.Mutex
	rows  map[int64]model.ChatMessage
	pages []pageCall
}

func (f *fakeStore) Page(ctx context.Context, channelID string, limit int, before *model.Cursor) (model.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, pageCall{channelID, limit, before})
	var out []model.ChatMessage
	for _, m := range f.rows {
		out = append(out, m)
	}
	return model.Page{Messages: out, HasMore: true}, nil
}

func (f *fakeStore) Get(ctx context.Context, channelID string, id int64) (model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok || m.ChannelID != channelID {
		return model.ChatMessage{}, db.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) UpdateBody(ctx context.Context, channelID string, id int64, body string, editedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.rows[id]
	m.Body = body
	m.EditedAt = &editedAt
	f.rows[id] = m
	return nil
}

func (f *fakeStore) SoftDelete(ctx context.Context, channelID string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.rows[id]
	m.Body = ""
	m.Deleted = true
	f.rows[id] = m
	return nil
}

func (f *fakeStore) row(id int64) model.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

func (f *fakeStore) lastPage() pageCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[len(f.pages)-1]
}

type fakeMembers []string

func (m fakeMembers) Members(context.Context, string) ([]string, error) { return m, nil }

type recordingBus struct {
	mu     sync.Mutex
	events []model.Event
}

func (b *recordingBus) Publish(ctx context.Context, ev model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) published() []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Event(nil), b.events...)
}

type apiFixture struct {
	url    string
	tokens *auth.Signer
	store  *fakeStore
	bus    *recordingBus
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	tokens, err := auth.NewSigner("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	store := &fakeStore{rows: map[int64]model.ChatMessage{
		7: {ID: 7, ChannelID: "room", Sender: alice, Body: "hello", Kind: model.KindOrdinary, Timestamp: now.Add(-time.Minute)},
	}}
	bus := &recordingBus{}
	s := NewServer(store, fakeMembers{"alice@example.com", "bob@example.com"}, bus, tokens, zerolog.Nop())
	s.now = func() time.Time { return now }

	srv := httptest.NewServer(newRouter(s))
	t.Cleanup(srv.Close)
	return &apiFixture{url: srv.URL, tokens: tokens, store: store, bus: bus}
}

func (f *apiFixture) client(t *testing.T, s model.Sender) *chatsync.APIClient {
	t.Helper()
	tok, err := f.tokens.GenerateToken(s)
	if err != nil {
		t.Fatal(err)
	}
	return chatsync.NewAPIClient(f.url, tok)
}

func TestLogin(t *testing.T) {
	f := newAPI(t)

	tok, err := chatsync.Login(context.Background(), f.url, alice)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := f.tokens.ValidateToken(tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Sender() != alice {
		t.Errorf("unexpected claims %+v", claims.Sender())
	}

	_, err = chatsync.Login(context.Background(), f.url, model.Sender{Address: "alice@example.com"})
	var reqErr *chatsync.RequestError
	if !errors.As(err, &reqErr) || reqErr.Status != http.StatusBadRequest {
		t.Errorf("expected 400 without display name, got %v", err)
	}
}

func TestRequiresToken(t *testing.T) {
	f := newAPI(t)

	resp, err := http.Get(f.url + "/channels/room/messages")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}

	_, err = chatsync.NewAPIClient(f.url, "garbage").FetchHistory(context.Background(), "room", 10, nil)
	var reqErr *chatsync.RequestError
	if !errors.As(err, &reqErr) || reqErr.Status != http.StatusUnauthorized {
		t.Errorf("expected 401 for a bad token, got %v", err)
	}
}

func TestHistoryCursor(t *testing.T) {
	f := newAPI(t)
	c := f.client(t, alice)

	page, err := c.FetchHistory(context.Background(), "room 1", 25, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !page.HasMore || len(page.Messages) != 1 {
		t.Errorf("unexpected page %+v", page)
	}
	if got := f.store.lastPage(); got.channelID != "room 1" || got.limit != 25 || got.before != nil {
		t.Errorf("unexpected query %+v", got)
	}

	before := model.Cursor{Timestamp: now.Add(-time.Hour), ID: 41}
	if _, err := c.FetchHistory(context.Background(), "room", 1000, &before); err != nil {
		t.Fatal(err)
	}
	got := f.store.lastPage()
	if got.limit != maxPageSize {
		t.Errorf("expected limit capped at %d, got %d", maxPageSize, got.limit)
	}
	if got.before == nil || !got.before.Timestamp.Equal(before.Timestamp) || got.before.ID != 41 {
		t.Errorf("expected cursor %+v, got %+v", before, got.before)
	}
}

func TestHistoryCursorByIDOnly(t *testing.T) {
	f := newAPI(t)
	tok, _ := f.tokens.GenerateToken(alice)

	req, _ := http.NewRequest(http.MethodGet, f.url+"/channels/room/messages?before_id=12", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := f.store.lastPage().before; got == nil || got.ID != 12 || !got.Timestamp.IsZero() {
		t.Errorf("expected an id-only cursor, got %+v", got)
	}
}

func TestHistoryRejectsBadParams(t *testing.T) {
	f := newAPI(t)
	tok, _ := f.tokens.GenerateToken(alice)

	for _, q := range []string{"limit=0", "limit=abc", "before=yesterday", "before_id=0", "before_id=x"} {
		req, _ := http.NewRequest(http.MethodGet, f.url+"/channels/room/messages?"+q, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}
}

func TestEditOwnMessage(t *testing.T) {
	f := newAPI(t)

	stored, err := f.client(t, alice).EditMessage(context.Background(), "room", 7, "hello again", alice.Address)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ID != 7 || stored.Body != "hello again" || stored.EditedAt == nil || !stored.EditedAt.Equal(now) {
		t.Errorf("expected the updated message with the server edit time, got %+v", stored)
	}
	m := f.store.row(7)
	if m.Body != "hello again" || m.EditedAt == nil || !m.EditedAt.Equal(now) {
		t.Errorf("unexpected stored row %+v", m)
	}

	events := f.bus.published()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %+v", events)
	}
	ev := events[0]
	if ev.Type != model.EventMessageEdited || ev.ChannelID != "room" || ev.MessageID != 7 || ev.Body != "hello again" {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.EditedAt == nil || !ev.EditedAt.Equal(now) {
		t.Errorf("expected edited_at %v, got %v", now, ev.EditedAt)
	}
}

func TestEditRejected(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()

	if _, err := f.client(t, bob).EditMessage(ctx, "room", 7, "mine now", bob.Address); !errors.Is(err, chatsync.ErrForbidden) {
		t.Errorf("expected forbidden for another sender, got %v", err)
	}
	if _, err := f.client(t, bob).EditMessage(ctx, "room", 7, "mine now", alice.Address); !errors.Is(err, chatsync.ErrForbidden) {
		t.Errorf("expected forbidden for a spoofed requester, got %v", err)
	}
	if _, err := f.client(t, alice).EditMessage(ctx, "room", 99, "x", alice.Address); !errors.Is(err, chatsync.ErrMessageNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := f.client(t, alice).EditMessage(ctx, "other", 7, "x", alice.Address); !errors.Is(err, chatsync.ErrMessageNotFound) {
		t.Errorf("expected not found in another channel, got %v", err)
	}

	_, err := f.client(t, alice).EditMessage(ctx, "room", 7, "  ", alice.Address)
	var reqErr *chatsync.RequestError
	if !errors.As(err, &reqErr) || reqErr.Status != http.StatusBadRequest {
		t.Errorf("expected 400 for a blank body, got %v", err)
	}

	if f.store.row(7).Body != "hello" {
		t.Error("row should be unchanged")
	}
	if n := len(f.bus.published()); n != 0 {
		t.Errorf("expected nothing published, got %d", n)
	}
}

func TestDeleteOwnMessage(t *testing.T) {
	f := newAPI(t)
	c := f.client(t, alice)

	if err := c.DeleteMessage(context.Background(), "room", 7, alice.Address); err != nil {
		t.Fatal(err)
	}
	if m := f.store.row(7); !m.Deleted || m.Body != "" {
		t.Errorf("expected soft delete, got %+v", m)
	}
	events := f.bus.published()
	if len(events) != 1 || events[0].Type != model.EventMessageDeleted || events[0].MessageID != 7 {
		t.Errorf("unexpected events %+v", events)
	}

	if err := c.DeleteMessage(context.Background(), "room", 7, alice.Address); !errors.Is(err, chatsync.ErrMessageNotFound) {
		t.Errorf("expected deleted message to be gone, got %v", err)
	}
	if _, err := c.EditMessage(context.Background(), "room", 7, "back", alice.Address); !errors.Is(err, chatsync.ErrMessageNotFound) {
		t.Errorf("expected edit of a deleted message to fail, got %v", err)
	}
}

func TestUsers(t *testing.T) {
	f := newAPI(t)

	members, err := f.client(t, alice).Members(context.Background(), "room")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0] != alice.Address {
		t.Errorf("unexpected members %v", members)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPI(t)
	for _, path := range []string{"/health", "/metrics"} {
		resp, err := http.Get(f.url + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mahaj/meeting-chat/pkg/auth"
	"github.com/mahaj/meeting-chat/pkg/db"
	"github.com/mahaj/meeting-chat/pkg/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxBodyLength   = 4000
)

type MessageStore interface {
	Page(ctx context.Context, channelID string, limit int, before *model.Cursor) (model.Page, error)
	Get(ctx context.Context, channelID string, id int64) (model.ChatMessage, error)
	UpdateBody(ctx context.Context, channelID string, id int64, body string, editedAt time.Time) error
	SoftDelete(ctx context.Context, channelID string, id int64) error
}

type MemberLister interface {
	Members(ctx context.Context, channelID string) ([]string, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Server serves history, message mutations and presence lookups.
type Server struct {
	messages MessageStore
	members  MemberLister
	bus      Publisher
	tokens   *auth.Signer
	log      zerolog.Logger
	now      func() time.Time
}

func NewServer(messages MessageStore, members MemberLister, bus Publisher, tokens *auth.Signer, log zerolog.Logger) *Server {
	return &Server{messages: messages, members: members, bus: bus, tokens: tokens, log: log, now: time.Now}
}

// channelParam returns the decoded channel id. chi matches on the raw path,
// so escaped ids arrive still escaped.
func channelParam(r *http.Request) string {
	raw := chi.URLParam(r, "channel")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				log.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the claims on the request context.
func AuthMiddleware(tokens *auth.Signer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := auth.BearerToken(r.Header.Get("Authorization"))
			if tokenString == "" {
				writeError(w, http.StatusUnauthorized, "authorization header required")
				return
			}
			claims, err := tokens.ValidateToken(tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
		})
	}
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sender := model.Sender{Address: strings.TrimSpace(req.Address), DisplayName: strings.TrimSpace(req.DisplayName)}
	if !sender.Valid() {
		writeError(w, http.StatusBadRequest, "address and display_name are required")
		return
	}

	token, err := s.tokens.GenerateToken(sender)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to generate token")
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, model.LoginResponse{Token: token})
}

// History returns one page of a channel, newest last. before is a unix
// millisecond cursor and before_id the id of the oldest message already
// held; when both are omitted the latest page is returned.
func (s *Server) History(w http.ResponseWriter, r *http.Request) {
	channelID := channelParam(r)

	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxPageSize)
	}

	var before *model.Cursor
	q := r.URL.Query()
	if v := q.Get("before"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be unix milliseconds")
			return
		}
		before = &model.Cursor{Timestamp: time.UnixMilli(ms).UTC()}
	}
	if v := q.Get("before_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "before_id must be a positive message id")
			return
		}
		if before == nil {
			before = &model.Cursor{}
		}
		before.ID = id
	}

	page, err := s.messages.Page(r.Context(), channelID, limit, before)
	if err != nil {
		s.log.Error().Err(err).Str("channel", channelID).Msg("failed to load history")
		writeError(w, http.StatusInternalServerError, "failed to retrieve history")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ownedMessage loads the addressed message and checks that the caller sent
// it. It writes the error response itself and returns false on failure.
func (s *Server) ownedMessage(w http.ResponseWriter, r *http.Request, requester string) (model.ChatMessage, bool) {
	channelID := channelParam(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return model.ChatMessage{}, false
	}

	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return model.ChatMessage{}, false
	}
	if requester != "" && requester != claims.Address {
		writeError(w, http.StatusForbidden, "requester does not match token")
		return model.ChatMessage{}, false
	}

	m, err := s.messages.Get(r.Context(), channelID, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
		return model.ChatMessage{}, false
	case err != nil:
		s.log.Error().Err(err).Int64("message_id", id).Msg("failed to load message")
		writeError(w, http.StatusInternalServerError, "failed to load message")
		return model.ChatMessage{}, false
	case m.Deleted:
		writeError(w, http.StatusNotFound, "message was deleted")
		return model.ChatMessage{}, false
	case m.Sender.Address != claims.Address:
		writeError(w, http.StatusForbidden, "only the sender may change a message")
		return model.ChatMessage{}, false
	}
	return m, true
}

func (s *Server) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req model.EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	if len(req.Body) > maxBodyLength {
		writeError(w, http.StatusBadRequest, "body exceeds 4000 bytes")
		return
	}

	m, ok := s.ownedMessage(w, r, req.RequesterAddress)
	if !ok {
		return
	}
	editedAt := s.now().UTC()
	if err := s.messages.UpdateBody(r.Context(), m.ChannelID, m.ID, req.Body, editedAt); err != nil {
		s.log.Error().Err(err).Int64("message_id", m.ID).Msg("failed to edit message")
		writeError(w, http.StatusInternalServerError, "failed to edit message")
		return
	}

	s.publish(r.Context(), model.Event{
		Type:      model.EventMessageEdited,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Body:      req.Body,
		EditedAt:  &editedAt,
	})
	m.Body = req.Body
	m.EditedAt = &editedAt
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	var req model.DeleteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	m, ok := s.ownedMessage(w, r, req.RequesterAddress)
	if !ok {
		return
	}
	if err := s.messages.SoftDelete(r.Context(), m.ChannelID, m.ID); err != nil {
		s.log.Error().Err(err).Int64("message_id", m.ID).Msg("failed to delete message")
		writeError(w, http.StatusInternalServerError, "failed to delete message")
		return
	}

	s.publish(r.Context(), model.Event{Type: model.EventMessageDeleted, ChannelID: m.ChannelID, MessageID: m.ID})
	w.WriteHeader(http.StatusNoContent)
}

// publish failures are logged; the write already happened and clients pick
// it up on their next history load.
func (s *Server) publish(ctx context.Context, ev model.Event) {
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("type", string(ev.Type)).Int64("message_id", ev.MessageID).Msg("failed to publish event")
	}
}

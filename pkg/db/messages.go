package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/meeting-chat/pkg/metrics"
	"github.com/mahaj/meeting-chat/pkg/model"
	"github.com/mahaj/meeting-chat/pkg/snowflake"
)

var ErrNotFound = errors.New("message not found")

const messageColumns = `channel_id, id, sender_address, sender_name, body, kind, timestamp, edited_at, deleted, client_token`

// MessageRepository reads and writes channel history. Rows cluster by
// snowflake id descending, so time cursors become id bounds.
type MessageRepository struct {
	s *Session
}

func NewMessageRepository(s *Session) *MessageRepository {
	return &MessageRepository{s: s}
}

// pageQuery asks for one row more than limit so the caller can tell whether
// older rows remain. A cursor carrying an id is exact; a bare timestamp falls
// back to the lowest id of its millisecond.
func pageQuery(channelID string, limit int, before *model.Cursor) (string, []any) {
	if before != nil {
		bound := before.ID
		if bound <= 0 {
			bound = snowflake.Floor(before.Timestamp)
		}
		return `SELECT ` + messageColumns + ` FROM messages WHERE channel_id = ? AND id < ? LIMIT ?`,
			[]any{channelID, bound, limit + 1}
	}
	return `SELECT ` + messageColumns + ` FROM messages WHERE channel_id = ? LIMIT ?`,
		[]any{channelID, limit + 1}
}

// finishPage turns newest-first rows into an ascending page.
func finishPage(rows []model.ChatMessage, limit int) model.Page {
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	slices.Reverse(rows)
	if rows == nil {
		rows = []model.ChatMessage{}
	}
	return model.Page{Messages: rows, HasMore: hasMore}
}

func (r *MessageRepository) Page(ctx context.Context, channelID string, limit int, before *model.Cursor) (model.Page, error) {
	defer observe(time.Now())
	stmt, args := pageQuery(channelID, limit, before)
	iter := r.s.Query(stmt, args...).WithContext(ctx).Iter()

	var rows []model.ChatMessage
	for {
		m, ok := scanMessage(iter)
		if !ok {
			break
		}
		rows = append(rows, m)
	}
	if err := iter.Close(); err != nil {
		return model.Page{}, fmt.Errorf("query history for %s: %w", channelID, err)
	}
	return finishPage(rows, limit), nil
}

func (r *MessageRepository) Get(ctx context.Context, channelID string, id int64) (model.ChatMessage, error) {
	defer observe(time.Now())
	iter := r.s.Query(`SELECT `+messageColumns+` FROM messages WHERE channel_id = ? AND id = ?`, channelID, id).WithContext(ctx).Iter()
	m, ok := scanMessage(iter)
	if err := iter.Close(); err != nil {
		return model.ChatMessage{}, fmt.Errorf("get message %d: %w", id, err)
	}
	if !ok {
		return model.ChatMessage{}, ErrNotFound
	}
	return m, nil
}

// Insert stores a new message. Redelivered inserts do not clobber later
// edits or deletes.
func (r *MessageRepository) Insert(ctx context.Context, m model.ChatMessage) error {
	defer observe(time.Now())
	err := r.s.Query(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		m.ChannelID, m.ID, m.Sender.Address, m.Sender.DisplayName, m.Body, string(m.Kind), m.Timestamp, nil, false, m.ClientToken,
	).WithContext(ctx).Exec()
	metrics.MessagesPersisted.WithLabelValues("insert", metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("insert message %d: %w", m.ID, err)
	}
	return nil
}

func (r *MessageRepository) UpdateBody(ctx context.Context, channelID string, id int64, body string, editedAt time.Time) error {
	defer observe(time.Now())
	err := r.s.Query(`UPDATE messages SET body = ?, edited_at = ? WHERE channel_id = ? AND id = ?`,
		body, editedAt, channelID, id).WithContext(ctx).Exec()
	metrics.MessagesPersisted.WithLabelValues("edit", metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("edit message %d: %w", id, err)
	}
	return nil
}

// SoftDelete keeps the row as a tombstone and drops the body.
func (r *MessageRepository) SoftDelete(ctx context.Context, channelID string, id int64) error {
	defer observe(time.Now())
	err := r.s.Query(`UPDATE messages SET deleted = true, body = '' WHERE channel_id = ? AND id = ?`,
		channelID, id).WithContext(ctx).Exec()
	metrics.MessagesPersisted.WithLabelValues("delete", metrics.Result(err)).Inc()
	if err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	return nil
}

func scanMessage(iter *gocql.Iter) (model.ChatMessage, bool) {
	var (
		m        model.ChatMessage
		kind     string
		editedAt time.Time
	)
	if !iter.Scan(&m.ChannelID, &m.ID, &m.Sender.Address, &m.Sender.DisplayName, &m.Body, &kind, &m.Timestamp, &editedAt, &m.Deleted, &m.ClientToken) {
		return model.ChatMessage{}, false
	}
	return normalizeRow(m, kind, editedAt), true
}

// normalizeRow fills the columns older rows may lack. A missing timestamp is
// recovered from the snowflake id.
func normalizeRow(m model.ChatMessage, kind string, editedAt time.Time) model.ChatMessage {
	m.Kind = model.Kind(kind)
	if m.Kind == "" {
		m.Kind = model.KindOrdinary
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = snowflake.Time(m.ID)
	}
	m.Timestamp = m.Timestamp.UTC()
	if !editedAt.IsZero() {
		t := editedAt.UTC()
		m.EditedAt = &t
	}
	return m
}

func observe(start time.Time) {
	metrics.ScyllaLatency.Observe(time.Since(start).Seconds())
}

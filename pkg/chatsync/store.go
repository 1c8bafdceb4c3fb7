package chatsync

import (
	"slices"
	"time"

	"github.com/mahaj/meeting-chat/pkg/model"
)

// Store is the ordered, deduplicated message view of one channel. It is not
// safe for concurrent use; the session loop is its only caller.
type Store struct {
	msgs []model.ChatMessage
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Len() int {
	return len(s.msgs)
}

// ApplyPage merges a page of history. Entries whose id is already stored are
// skipped; an entry carrying the correlation token of a local echo replaces
// the echo. Returns how many new entries were inserted.
func (s *Store) ApplyPage(page []model.ChatMessage) int {
	seen := make(map[int64]struct{}, len(page))
	fresh := make([]model.ChatMessage, 0, len(page))
	for _, m := range page {
		if m.ID == 0 {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		if s.indexOf(m.ID) >= 0 {
			continue
		}
		if i := s.indexOfToken(m.ClientToken); i >= 0 {
			s.replace(i, m)
			continue
		}
		m.Pending = false
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}
	slices.SortStableFunc(fresh, compare)
	s.msgs = mergeSorted(fresh, s.msgs)
	return len(fresh)
}

// ApplyLive adds a pushed message. A message whose id or correlation token is
// already stored replaces that entry where it stands.
func (s *Store) ApplyLive(m model.ChatMessage) {
	m.Pending = false
	if i := s.indexOf(m.ID); i >= 0 {
		s.replace(i, m)
		return
	}
	if i := s.indexOfToken(m.ClientToken); i >= 0 {
		s.replace(i, m)
		return
	}
	s.insert(m)
}

// AddPending inserts an optimistic local echo identified only by its token.
func (s *Store) AddPending(m model.ChatMessage) {
	m.ID = 0
	m.Pending = true
	s.insert(m)
}

// Discard removes an unconfirmed echo, e.g. after its send failed.
func (s *Store) Discard(token string) bool {
	i := s.indexOfToken(token)
	if i < 0 || !s.msgs[i].Pending {
		return false
	}
	s.msgs = slices.Delete(s.msgs, i, i+1)
	return true
}

// ApplyEdit reports whether the id is known. Edits older than the stored
// edit time are ignored so a late duplicate cannot roll the body back.
func (s *Store) ApplyEdit(id int64, body string, editedAt time.Time) bool {
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	m := &s.msgs[i]
	if m.EditedAt != nil && m.EditedAt.After(editedAt) {
		return true
	}
	at := editedAt
	m.Body = body
	m.EditedAt = &at
	return true
}

func (s *Store) ApplyDelete(id int64) bool {
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.msgs[i].Deleted = true
	return true
}

// Oldest returns the history cursor of the oldest server-confirmed entry.
func (s *Store) Oldest() (model.Cursor, bool) {
	for i := range s.msgs {
		if !s.msgs[i].Pending {
			return model.CursorOf(&s.msgs[i]), true
		}
	}
	return model.Cursor{}, false
}

// Snapshot copies the visible view: system messages are left out and deleted
// messages show the tombstone text.
func (s *Store) Snapshot() []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.Kind == model.KindSystem {
			continue
		}
		if m.Deleted {
			m.Body = model.Tombstone
		}
		out = append(out, m)
	}
	return out
}

func (s *Store) indexOf(id int64) int {
	if id == 0 {
		return -1
	}
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexOfToken(token string) int {
	if token == "" {
		return -1
	}
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].ClientToken == token {
			return i
		}
	}
	return -1
}

func (s *Store) insert(m model.ChatMessage) {
	pos := len(s.msgs)
	for pos > 0 && m.Before(&s.msgs[pos-1]) {
		pos--
	}
	s.msgs = slices.Insert(s.msgs, pos, m)
}

// replace swaps in the authoritative copy at index i. A delete is sticky and
// a newer stored edit wins over the incoming body.
func (s *Store) replace(i int, m model.ChatMessage) {
	old := s.msgs[i]
	m.Pending = false
	m.Deleted = m.Deleted || old.Deleted
	if old.EditedAt != nil && (m.EditedAt == nil || old.EditedAt.After(*m.EditedAt)) {
		m.Body = old.Body
		m.EditedAt = old.EditedAt
	}
	s.msgs[i] = m

	// The server timestamp of a confirmed echo can differ from the local one;
	// move the entry only if it would otherwise break the ordering.
	for i > 0 && s.msgs[i].Before(&s.msgs[i-1]) {
		s.msgs[i], s.msgs[i-1] = s.msgs[i-1], s.msgs[i]
		i--
	}
	for i < len(s.msgs)-1 && s.msgs[i+1].Before(&s.msgs[i]) {
		s.msgs[i], s.msgs[i+1] = s.msgs[i+1], s.msgs[i]
		i++
	}
}

func compare(a, b model.ChatMessage) int {
	switch {
	case a.Before(&b):
		return -1
	case b.Before(&a):
		return 1
	}
	return 0
}

func mergeSorted(a, b []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].Before(&a[i]) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

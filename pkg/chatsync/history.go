package chatsync

import (
	"context"
	"slices"

	"golang.org/x/sync/semaphore"

	"github.com/mahaj/meeting-chat/pkg/model"
)

const DefaultPageSize = 50

// HistoryFetcher is the request/response history endpoint. A nil before
// asks for the most recent page.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, channelID string, limit int, before *model.Cursor) (model.Page, error)
}

// HistoryLoader fetches pages of channel history. At most one fetch runs at
// a time; callers arriving while one is outstanding get ErrLoadInProgress.
type HistoryLoader struct {
	fetcher HistoryFetcher
	sem     *semaphore.Weighted
}

func NewHistoryLoader(fetcher HistoryFetcher) *HistoryLoader {
	return &HistoryLoader{
		fetcher: fetcher,
		sem:     semaphore.NewWeighted(1),
	}
}

// LoadInitial fetches the most recent pageSize messages.
func (l *HistoryLoader) LoadInitial(ctx context.Context, channelID string, pageSize int) (model.Page, error) {
	return l.load(ctx, channelID, pageSize, nil)
}

// LoadBefore fetches up to pageSize messages ordered strictly before cursor.
// Messages sharing the cursor's millisecond are kept when their id is lower.
func (l *HistoryLoader) LoadBefore(ctx context.Context, channelID string, cursor model.Cursor, pageSize int) (model.Page, error) {
	page, err := l.load(ctx, channelID, pageSize, &cursor)
	if err != nil {
		return page, err
	}
	page.Messages = slices.DeleteFunc(page.Messages, func(m model.ChatMessage) bool {
		return !m.Precedes(cursor)
	})
	return page, nil
}

func (l *HistoryLoader) load(ctx context.Context, channelID string, pageSize int, before *model.Cursor) (model.Page, error) {
	if !l.sem.TryAcquire(1) {
		return model.Page{}, ErrLoadInProgress
	}
	defer l.sem.Release(1)

	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	page, err := l.fetcher.FetchHistory(ctx, channelID, pageSize, before)
	if err != nil {
		return model.Page{}, &HistoryUnavailableError{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return model.Page{}, &HistoryUnavailableError{Err: err}
	}
	slices.SortStableFunc(page.Messages, compare)
	return page, nil
}

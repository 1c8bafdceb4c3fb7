package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/mahaj/meeting-chat/pkg/chatsync"
	"github.com/mahaj/meeting-chat/pkg/model"
)

// printer writes view changes as terminal lines. Each message is printed
// again whenever its rendered line changes, so confirmations, edits and
// deletes show up as new lines.
type printer struct {
	w io.Writer

	mu      sync.Mutex
	printed map[string]string
	typing  string
	phase   chatsync.Phase
	lastErr string
	hasMore bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, printed: make(map[string]string)}
}

func messageKey(m model.ChatMessage) string {
	if m.ClientToken != "" {
		return "t:" + m.ClientToken
	}
	return "i:" + strconv.FormatInt(m.ID, 10)
}

func formatMessage(m model.ChatMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.Timestamp.Local().Format("15:04"), m.Sender.DisplayName, m.Body)
	switch {
	case m.Pending:
		b.WriteString(" (sending)")
	case m.Deleted:
	case m.Edited():
		b.WriteString(" (edited)")
	}
	if m.ID != 0 {
		fmt.Fprintf(&b, "  #%d", m.ID)
	}
	return b.String()
}

func (p *printer) render(v chatsync.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v.Phase != p.phase {
		p.phase = v.Phase
		fmt.Fprintf(p.w, "-- %s\n", v.Phase)
	}
	for _, m := range v.Messages {
		line := formatMessage(m)
		key := messageKey(m)
		if p.printed[key] == line {
			continue
		}
		p.printed[key] = line
		fmt.Fprintln(p.w, line)
	}
	if v.HasMore && !p.hasMore {
		fmt.Fprintln(p.w, "-- older messages available, type /more")
	}
	p.hasMore = v.HasMore

	typing := ""
	if len(v.Typing) > 0 {
		typing = strings.Join(v.Typing, ", ") + " typing..."
	}
	if typing != p.typing {
		p.typing = typing
		if typing != "" {
			fmt.Fprintln(p.w, "-- "+typing)
		}
	}

	errText := ""
	if v.LastErr != nil {
		errText = v.LastErr.Error()
	}
	if errText != p.lastErr {
		p.lastErr = errText
		if errText != "" {
			fmt.Fprintln(p.w, "!! "+errText)
		}
	}
}

func (p *printer) notice(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, "!! "+err.Error())
}

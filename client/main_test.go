package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mahaj/meeting-chat/pkg/chatsync"
	"github.com/mahaj/meeting-chat/pkg/model"
)

func TestParseInput(t *testing.T) {
	cases := []struct {
		line string
		want input
	}{
		{"", input{action: actionNone}},
		{"  hello there ", input{action: actionSend, text: "hello there"}},
		{"/more", input{action: actionMore}},
		{"/refresh", input{action: actionRefresh}},
		{"/typing", input{action: actionTyping}},
		{"/quit", input{action: actionQuit}},
		{"/delete 42", input{action: actionDelete, id: 42}},
		{"/edit 42 fixed typo", input{action: actionEdit, id: 42, text: "fixed typo"}},
		{"/edit 42", input{action: actionInvalid}},
		{"/delete abc", input{action: actionInvalid}},
		{"/shout", input{action: actionInvalid}},
	}
	for _, c := range cases {
		if got := parseInput(c.line); got != c.want {
			t.Errorf("parseInput(%q) = %+v, want %+v", c.line, got, c.want)
		}
	}
}

func TestGatewayURL(t *testing.T) {
	for _, raw := range []string{"ws://localhost:8080/ws", "wss://chat.example.com/ws"} {
		if got, err := gatewayURL(raw); err != nil || got != raw {
			t.Errorf("%s: got %q, %v", raw, got, err)
		}
	}
	for _, raw := range []string{"http://localhost:8080/ws", "localhost:8080", "ws:///ws", "ws://[::1"} {
		if _, err := gatewayURL(raw); err == nil {
			t.Errorf("%s: expected an error", raw)
		}
	}
}

func TestPrinterReprintsChanges(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	alice := model.Sender{Address: "alice@example.com", DisplayName: "Alice"}
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	pending := model.ChatMessage{Sender: alice, Body: "hi", Timestamp: ts, ClientToken: "tok", Pending: true}
	p.render(chatsync.View{Phase: chatsync.PhaseActive, Messages: []model.ChatMessage{pending}})
	p.render(chatsync.View{Phase: chatsync.PhaseActive, Messages: []model.ChatMessage{pending}})

	confirmed := pending
	confirmed.ID, confirmed.Pending = 7, false
	p.render(chatsync.View{Phase: chatsync.PhaseActive, Messages: []model.ChatMessage{confirmed}, Typing: []string{"Bob"}})

	out := buf.String()
	if n := strings.Count(out, "(sending)"); n != 1 {
		t.Errorf("expected pending line once, got %d in %q", n, out)
	}
	if !strings.Contains(out, "Alice: hi  #7") {
		t.Errorf("expected confirmed line, got %q", out)
	}
	if !strings.Contains(out, "Bob typing...") {
		t.Errorf("expected typing line, got %q", out)
	}
}

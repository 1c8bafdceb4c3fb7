package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/meeting-chat/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the server.
	maxFrameSize = 1 << 20

	sendBuffer = 64
)

var (
	errConnClosed = errors.New("connection closed")
	errSendFull   = errors.New("send buffer full")
)

// WSDialer opens push connections over websocket, authenticating with a
// bearer token.
type WSDialer struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	c, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return newWSConn(c), nil
}

// wsConn pairs a reader owned by the caller with a write pump goroutine, so
// WriteCommand and Close only queue.
type wsConn struct {
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	dead    chan struct{}
	once    sync.Once
	pending []model.Event
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(maxFrameSize)
	ws := &wsConn{
		conn: c,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		dead: make(chan struct{}),
	}
	go ws.writePump()
	return ws
}

// ReadEvent returns the next event. A frame may hold several newline
// separated events; a frame that fails to decode yields what preceded the error.
func (c *wsConn) ReadEvent() (model.Event, error) {
	for len(c.pending) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return model.Event{}, err
		}
		c.pending = decodeFrame(data)
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func decodeFrame(data []byte) []model.Event {
	var events []model.Event
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var ev model.Event
		if err := dec.Decode(&ev); err != nil {
			// io.EOF ends the frame; anything else drops the undecodable rest.
			return events
		}
		if ev.Type != "" {
			events = append(events, ev)
		}
	}
}

func (c *wsConn) WriteCommand(cmd model.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", cmd.Type, err)
	}
	select {
	case <-c.done:
		return errConnClosed
	case <-c.dead:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendFull
	}
}

// Close flushes queued commands, sends a close frame and releases the socket
// from the write pump. It does not wait for any of that.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) writePump() {
	defer func() {
		close(c.dead)
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

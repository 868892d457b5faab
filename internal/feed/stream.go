package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var errSubscribeRejected = errors.New("websocket failed to subscribe")

type subscribeRequest struct {
	Event   string           `json:"event"`
	Payload subscribePayload `json:"payload"`
}

type subscribePayload struct {
	Channels []string `json:"channels"`
	Token    string   `json:"token"`
}

// streamMessage is any message the server pushes. Response carries the
// subscribed channel list for "subscribe" and the positions for
// "wsPositions".
type streamMessage struct {
	Event    string          `json:"event"`
	Channel  string          `json:"channel"`
	Response json.RawMessage `json:"response"`
}

// stream is one subscription to an AlphaInsider channel. It runs one
// connection at a time and redials after every disconnect.
type stream struct {
	client  *Client
	channel string
	events  chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

func newStream(c *Client, channel string) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		client:  c,
		channel: channel,
		events:  make(chan Event, 16),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *stream) start() {
	s.wg.Add(1)
	go s.run()
}

// Events implements Subscription.
func (s *stream) Events() <-chan Event { return s.events }

// Close implements Subscription.
func (s *stream) Close() error {
	s.cancel()
	s.closeConn()
	s.wg.Wait()
	s.client.forget(s)
	return nil
}

func (s *stream) run() {
	defer s.wg.Done()
	defer close(s.events)

	log := s.client.log.With("channel", s.channel)
	for {
		err := s.session()
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, errSubscribeRejected) {
			log.Error("websocket subscription rejected")
			s.emit(Event{Kind: EventError, Channel: s.channel, Message: "Websocket failed to subscribe."})
			return
		}
		log.Warn("websocket closed, reconnecting", "error", err, "wait", s.client.reconnect)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.client.reconnect):
		}
	}
}

// session runs a single connection until it drops.
func (s *stream) session() error {
	conn, _, err := s.client.dialer.DialContext(s.ctx, s.client.streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if !s.setConn(conn) {
		return s.ctx.Err()
	}
	defer s.closeConn()

	var alive atomic.Bool
	alive.Store(true)
	conn.SetPongHandler(func(string) error {
		alive.Store(true)
		return nil
	})

	err = conn.WriteJSON(subscribeRequest{
		Event: "subscribe",
		Payload: subscribePayload{
			Channels: []string{s.channel},
			Token:    s.client.apiKey,
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go s.heartbeat(conn, &alive, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}

		switch {
		case msg.Event == "subscribe":
			var channels []string
			if err := json.Unmarshal(msg.Response, &channels); err != nil || !slices.Contains(channels, s.channel) {
				return errSubscribeRejected
			}
		case msg.Event == "wsPositions" && msg.Channel == s.channel:
			s.emit(Event{Kind: EventPositionChange, Channel: msg.Channel, Data: msg.Response})
		default:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Unhandled Event"),
				time.Now().Add(time.Second))
			return fmt.Errorf("unhandled event %q", msg.Event)
		}
	}
}

// heartbeat pings the server every ping interval. A missing pong since the
// last ping drops the connection so run redials.
func (s *stream) heartbeat(conn *websocket.Conn, alive *atomic.Bool, done <-chan struct{}) {
	ticker := time.NewTicker(s.client.ping)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !alive.Swap(false) {
				s.client.log.Warn("websocket heartbeat missed", "channel", s.channel)
				conn.Close()
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *stream) setConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *stream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

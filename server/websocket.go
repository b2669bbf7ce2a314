package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tangled.org/rknarc.net/gitar/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// commitEvent is pushed to subscribers after every new archive commit.
type commitEvent struct {
	Commit      string `json:"commit"`
	SigningTime int64  `json:"signing_time"`
}

// notifyHub fans commit events out to websocket subscribers.  Slow
// subscribers get dropped rather than blocking the archiver.
type notifyHub struct {
	mu     sync.Mutex
	subs   map[chan commitEvent]struct{}
	logger types.Logger
	closed bool
}

func newNotifyHub(logger types.Logger) *notifyHub {
	return &notifyHub{
		subs:   make(map[chan commitEvent]struct{}),
		logger: logger,
	}
}

func (h *notifyHub) subscribe() chan commitEvent {
	ch := make(chan commitEvent, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

func (h *notifyHub) unsubscribe(ch chan commitEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *notifyHub) broadcast(ev commitEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber not draining; drop it.
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *notifyHub) clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *notifyHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

func (s *Server) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Printf("server: websocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})

		events := s.notify.subscribe()
		defer s.notify.unsubscribe(events)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-done:
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}

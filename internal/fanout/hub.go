package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dyluth/cipher/pkg/cipher"
)

// DefaultMaxObservers is the per-puzzle observer cap.
const DefaultMaxObservers = 100

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

// ErrTooManyObservers is returned by Serve when the puzzle is at its observer cap.
var ErrTooManyObservers = errors.New("too many observers for this puzzle")

// HubOptions configures a Hub. Zero values take the defaults.
type HubOptions struct {
	MaxObservers int
	CheckOrigin  func(r *http.Request) bool
	Logger       *slog.Logger
}

// Hub pushes events from Redis Pub/Sub to websocket observers grouped by puzzle.
// Events without a puzzle ID go to every observer.
type Hub struct {
	client       *cipher.Client
	maxObservers int
	upgrader     websocket.Upgrader
	log          *slog.Logger

	mu        sync.Mutex
	observers map[string]map[*observer]struct{} // puzzleID -> observers
	dropped   uint64
}

type observer struct {
	puzzleID string
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (o *observer) close() {
	o.once.Do(func() { close(o.done) })
}

// NewHub creates a hub. Call Run to start routing.
func NewHub(client *cipher.Client, opts HubOptions) *Hub {
	if opts.MaxObservers <= 0 {
		opts.MaxObservers = DefaultMaxObservers
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		client:       client,
		maxObservers: opts.MaxObservers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		log:       opts.Logger.With("component", "hub", "instance", client.InstanceName()),
		observers: make(map[string]map[*observer]struct{}),
	}
}

// Run subscribes to all events and routes them until ctx is cancelled.
// ready, if non-nil, is closed once the subscription is active.
func (h *Hub) Run(ctx context.Context, ready chan<- struct{}) error {
	sub, err := h.client.SubscribeAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	defer sub.Close()
	if ready != nil {
		close(ready)
	}

	h.log.Info("hub_started")
	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil

		case e, ok := <-sub.Events():
			if !ok {
				h.closeAll()
				return nil
			}
			h.route(e)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			h.log.Warn("hub_subscription_error", "error", err)
		}
	}
}

// route delivers the event to its puzzle's observers, or to all observers
// for global events. A full observer queue drops the event for that observer.
func (h *Hub) route(e *cipher.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Error("event_marshal_failed", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	deliver := func(set map[*observer]struct{}) {
		for o := range set {
			select {
			case o.send <- data:
			default:
				h.dropped++
			}
		}
	}

	if e.Global() {
		for _, set := range h.observers {
			deliver(set)
		}
		return
	}
	deliver(h.observers[e.PuzzleID])
}

// ObserverCount returns the number of observers attached to a puzzle.
func (h *Hub) ObserverCount(puzzleID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers[puzzleID])
}

// Dropped returns how many deliveries were dropped on full observer queues.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// register reserves a slot for a new observer.
func (h *Hub) register(puzzleID string) (*observer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.observers[puzzleID]
	if len(set) >= h.maxObservers {
		return nil, ErrTooManyObservers
	}
	if set == nil {
		set = make(map[*observer]struct{})
		h.observers[puzzleID] = set
	}
	o := &observer{
		puzzleID: puzzleID,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	set[o] = struct{}{}
	return o, nil
}

func (h *Hub) unregister(o *observer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.observers[o.puzzleID]; ok {
		delete(set, o)
		if len(set) == 0 {
			delete(h.observers, o.puzzleID)
		}
	}
	o.close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.observers {
		for o := range set {
			o.close()
		}
	}
}

// Serve upgrades the request to a websocket and streams the puzzle's events
// until the client goes away. Returns ErrTooManyObservers, without writing a
// response, when the cap is reached. Blocks for the life of the connection.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, puzzleID string) error {
	o, err := h.register(puzzleID)
	if err != nil {
		return err
	}
	defer h.unregister(o)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}
	defer conn.Close()

	h.log.Debug("observer_connected", "puzzle_id", puzzleID)

	go h.writePump(conn, o)
	h.readPump(conn, o)

	h.log.Debug("observer_disconnected", "puzzle_id", puzzleID)
	return nil
}

// readPump discards client messages and returns when the connection closes.
func (h *Hub) readPump(conn *websocket.Conn, o *observer) {
	defer o.close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *Hub) writePump(conn *websocket.Conn, o *observer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-o.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				o.close()
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.close()
				return
			}
		}
	}
}

// Package live pushes classroom events to teachers watching a quiz or a
// feedback session. Each watched channel gets one hub goroutine that owns
// its client set.
package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types.
const (
	EventStudentJoined     = "student_joined"
	EventResponseSubmitted = "response_submitted"
	EventAttemptSubmitted  = "attempt_submitted"
	EventViolation         = "violation"
	EventSessionStatus     = "session_status"
	EventHeartbeat         = "heartbeat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// Event is the JSON frame sent to subscribers.
type Event struct {
	Type    string    `json:"type"`
	Channel string    `json:"channel"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher is the side of the broker services depend on.
type Publisher interface {
	Publish(channel, eventType string, payload any)
}

// Broker owns one hub per channel.
type Broker struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	hubs   map[string]*hub
	closed bool
}

// NewBroker returns an empty broker. checkOrigin may be nil to use the
// gorilla same-origin default.
func NewBroker(checkOrigin func(*http.Request) bool) *Broker {
	return &Broker{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		hubs: make(map[string]*hub),
	}
}

// Publish sends an event to every subscriber of channel. Events for channels
// nobody watches are dropped.
func (b *Broker) Publish(channel, eventType string, payload any) {
	b.mu.Lock()
	h := b.hubs[channel]
	b.mu.Unlock()
	if h == nil {
		return
	}
	data, err := json.Marshal(Event{Type: eventType, Channel: channel, Payload: payload, At: time.Now().UTC()})
	if err != nil {
		slog.Error("live: marshal event", "channel", channel, "type", eventType, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// Subscribers returns how many clients watch channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.Lock()
	h := b.hubs[channel]
	b.mu.Unlock()
	if h == nil {
		return 0
	}
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Serve upgrades the request and streams channel events until the client
// goes away.
func (b *Broker) Serve(w http.ResponseWriter, r *http.Request, channel, userID string) error {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), userID: userID}

	h := b.join(channel, c)
	if h == nil {
		conn.Close()
		return nil
	}
	go c.writePump()
	c.readPump(h)
	return nil
}

// Close stops every hub and disconnects all clients.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	hubs := b.hubs
	b.hubs = make(map[string]*hub)
	b.mu.Unlock()
	for _, h := range hubs {
		h.stop()
	}
}

func (b *Broker) hubFor(channel string) *hub {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if h, ok := b.hubs[channel]; ok {
		return h
	}
	h := newHub(channel, b.release)
	b.hubs[channel] = h
	go h.run()
	return h
}

// release drops an idle hub, unless a newer one already took its place.
// join registers c on the channel's hub. A hub that went idle between lookup
// and registration has already been dropped from the map, so the lookup is
// retried and yields a fresh hub. It returns nil once the broker is closed.
func (b *Broker) join(channel string, c *client) *hub {
	for {
		h := b.hubFor(channel)
		if h == nil {
			return nil
		}
		select {
		case h.register <- c:
			return h
		case <-h.done:
		}
	}
}

func (b *Broker) release(h *hub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hubs[h.channel] == h {
		delete(b.hubs, h.channel)
	}
}

type hub struct {
	channel    string
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	direct     chan outbound
	count      chan chan int
	done       chan struct{}
	stopOnce   sync.Once
	onIdle     func(*hub)
}

func newHub(channel string, onIdle func(*hub)) *hub {
	return &hub{
		channel:    channel,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, sendBuffer),
		direct:     make(chan outbound),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		onIdle:     onIdle,
	}
}

func (h *hub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *hub) run() {
	defer func() {
		for c := range h.clients {
			close(c.send)
		}
	}()
	for {
		select {
		case <-h.done:
			return
		case c := <-h.register:
			h.clients[c] = true
			slog.Debug("live: client registered", "channel", h.channel, "user_id", c.userID, "clients", len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			close(c.send)
			slog.Debug("live: client unregistered", "channel", h.channel, "user_id", c.userID, "clients", len(h.clients))
			if len(h.clients) == 0 {
				h.onIdle(h)
				h.stop()
				return
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer: drop it rather than stall the channel.
					delete(h.clients, c)
					close(c.send)
				}
			}
		case out := <-h.direct:
			if h.clients[out.client] {
				select {
				case out.client.send <- out.data:
				default:
				}
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

// outbound is a frame for a single client.
type outbound struct {
	client *client
	data   []byte
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

type inbound struct {
	Type string `json:"type"`
}

func (c *client) readPump(h *hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == EventHeartbeat {
			// Heartbeats are answered to the sender only.
			reply, _ := json.Marshal(Event{Type: EventHeartbeat, Channel: h.channel, At: time.Now().UTC()})
			select {
			case h.direct <- outbound{client: c, data: reply}:
			case <-h.done:
				return
			}
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

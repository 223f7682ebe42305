package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans payloads out to subscribers keyed by topic. Previews publish
// to "preview:<id>" topics and account status updates to "account:<id>".
// One hub lives for the whole process: created at startup, closed during
// shutdown after in-flight builds drain.
type Hub struct {
	topics    map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates a Hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		topics:    make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			for topic, clients := range h.topics {
				for c := range clients {
					c.Close()
				}
				delete(h.topics, topic)
			}
			return
		case sub := <-h.register:
			if _, ok := h.topics[sub.topic]; !ok {
				h.topics[sub.topic] = make(map[Subscriber]struct{})
			}
			h.topics[sub.topic][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.topics[sub.topic]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.topics, sub.topic)
				}
			}
		case msg := <-h.broadcast:
			clients, ok := h.topics[msg.topic]
			if !ok {
				continue
			}
			for c := range clients {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					delete(clients, c)
				}
			}
			if len(clients) == 0 {
				delete(h.topics, msg.topic)
			}
		}
	}
}

// Register adds a client to a topic. No-op after Close.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.quit:
	}
}

// Unregister removes a client from a topic. No-op after Close.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.quit:
	}
}

// Broadcast sends payload to every client on the topic. Topics with no
// subscribers drop the payload, as does a closed hub.
func (h *Hub) Broadcast(topic string, payload []byte) {
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
	case <-h.quit:
	}
}

// Close stops the dispatch loop and closes every remaining subscriber.
// It blocks until the loop has exited and is safe to call twice.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.quit)
	})
	<-h.done
}

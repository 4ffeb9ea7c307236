package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ksms-live/internal/hubproto"
)

// Hub is the server side of one realtime endpoint (notification, vote or
// show-status). It maintains the set of connected clients and fans messages
// out to them. With Redis configured every instance publishes to a shared
// channel and delivers what it receives from it, so a push made on one
// instance reaches clients connected to any other.
type Hub struct {
	name string

	// Owned by Run. Nothing else touches these maps.
	clients map[*Client]bool
	byUser  map[string]map[*Client]bool

	broadcast  chan envelope // From Redis (or local publish) -> clients
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	done       chan struct{} // closed when Run returns

	redis *redis.Client
	log   *zap.Logger
}

// envelope is what travels over Redis. An empty UserID addresses everyone.
type envelope struct {
	UserID  string `json:"user_id,omitempty"`
	Payload []byte `json:"payload"`
}

// NewHub creates a hub. redisClient may be nil for a single instance.
func NewHub(name string, redisClient *redis.Client, log *zap.Logger) *Hub {
	return &Hub{
		name:       name,
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]map[*Client]bool),
		broadcast:  make(chan envelope, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		redis:      redisClient,
		log:        log.With(zap.String("hub", name)),
	}
}

func (h *Hub) Name() string { return h.name }

func (h *Hub) channel() string { return "ksms:hub:" + h.name }

// Run owns the client set until ctx is done, then tells every client the
// hub is going away (reconnect allowed) and closes their send queues.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			bye := hubproto.Close("server shutting down", true)
			for client := range h.clients {
				select {
				case client.send <- bye:
				default:
				}
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			if client.userID != "" {
				if h.byUser[client.userID] == nil {
					h.byUser[client.userID] = make(map[*Client]bool)
				}
				h.byUser[client.userID][client] = true
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case env := <-h.broadcast:
			targets := h.clients
			if env.UserID != "" {
				targets = h.byUser[env.UserID]
			}
			for client := range targets {
				select {
				case client.send <- env.Payload:
				default:
					// Slow consumer: drop it, it will reconnect and re-fetch.
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	if set := h.byUser[client.userID]; set != nil {
		delete(set, client)
		if len(set) == 0 {
			delete(h.byUser, client.userID)
		}
	}
	close(client.send)
}

// ClientCount reports the number of connected clients on this instance.
func (h *Hub) ClientCount(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	case <-ctx.Done():
		return 0
	}
}

// SubscribeToRedis relays messages published by any instance into Run.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.Subscribe(ctx, h.channel())
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Warn("bad envelope from redis", zap.Error(err))
				continue
			}
			select {
			case h.broadcast <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Broadcast invokes target on every connected client.
func (h *Hub) Broadcast(ctx context.Context, target string, args ...any) error {
	return h.publish(ctx, "", target, args)
}

// SendToUser invokes target only on the connections of userID.
func (h *Hub) SendToUser(ctx context.Context, userID, target string, args ...any) error {
	if userID == "" {
		return fmt.Errorf("hub %s: empty user id", h.name)
	}
	return h.publish(ctx, userID, target, args)
}

func (h *Hub) publish(ctx context.Context, userID, target string, args []any) error {
	payload, err := hubproto.Invocation(target, args...)
	if err != nil {
		return err
	}
	env := envelope{UserID: userID, Payload: payload}

	if h.redis == nil {
		select {
		case h.broadcast <- env:
			return nil
		case <-h.done:
			return fmt.Errorf("hub %s: stopped", h.name)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := h.redis.Publish(ctx, h.channel(), b).Err(); err != nil {
		return fmt.Errorf("hub %s: redis publish: %w", h.name, err)
	}
	return nil
}

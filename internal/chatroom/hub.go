package chatroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ksms-live/internal/chat"
)

const redisChannel = "ksms:chat"

var ErrStopped = errors.New("chatroom: hub stopped")

// Hub routes livestream chat messages to the clients watching each channel.
// Messages are saved, then published to Redis (when configured) so clients
// on every instance get them.
type Hub struct {
	// Owned by Run.
	clients  map[*Client]bool
	watchers map[string]map[*Client]bool

	broadcast  chan envelope // From Redis (or local publish) -> watchers
	register   chan *Client
	unregister chan *Client
	watch      chan watchRequest
	done       chan struct{}

	redis *redis.Client
	repo  Repository
	log   *zap.Logger
}

func NewHub(redisClient *redis.Client, repo Repository, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		watchers:   make(map[string]map[*Client]bool),
		broadcast:  make(chan envelope, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		watch:      make(chan watchRequest),
		done:       make(chan struct{}),
		redis:      redisClient,
		repo:       repo,
		log:        log.With(zap.String("hub", "chat")),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}

		case req := <-h.watch:
			if req.on && h.clients[req.client] {
				if h.watchers[req.channelID] == nil {
					h.watchers[req.channelID] = make(map[*Client]bool)
				}
				h.watchers[req.channelID][req.client] = true
			} else {
				h.unwatchOne(req.client, req.channelID)
			}
			close(req.ack)

		case env := <-h.broadcast:
			for client := range h.watchers[env.ChannelID] {
				if !client.deliver(env.Payload) {
					// Slow consumer.
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) unwatchOne(client *Client, channelID string) {
	if set := h.watchers[channelID]; set != nil {
		delete(set, client)
		if len(set) == 0 {
			delete(h.watchers, channelID)
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	for channelID := range h.watchers {
		h.unwatchOne(client, channelID)
	}
	client.close()
}

// setWatch blocks until Run has applied the change.
func (h *Hub) setWatch(client *Client, channelID string, on bool) error {
	req := watchRequest{client: client, channelID: channelID, on: on, ack: make(chan struct{})}
	select {
	case h.watch <- req:
	case <-h.done:
		return ErrStopped
	}
	<-req.ack
	return nil
}

// SubscribeToRedis listens for messages from other instances.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.Subscribe(ctx, redisChannel)
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

// Publish saves m and delivers it to every watcher of channelID.
func (h *Hub) Publish(ctx context.Context, channelID, livestreamID string, m chat.Message) error {
	if err := h.repo.SaveMessage(ctx, channelID, livestreamID, m); err != nil {
		h.log.Error("❌ DB Error", zap.Error(err))
		return fmt.Errorf("chatroom: save message: %w", err)
	}

	payload, err := json.Marshal(newMessageFrame(channelID, m))
	if err != nil {
		return err
	}
	env := envelope{ChannelID: channelID, Payload: payload}

	if h.redis == nil {
		select {
		case h.broadcast <- env:
			return nil
		case <-h.done:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := h.redis.Publish(ctx, redisChannel, b).Err(); err != nil {
		return fmt.Errorf("chatroom: redis publish: %w", err)
	}
	return nil
}

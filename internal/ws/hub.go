// Package ws implements the WebSocket transport. This file contains the hub:
// the process-local registry of live clients, pairwise rooms with monotonic
// sequence counters, and the optional Redis relay that forwards broadcasts
// to peer nodes. Presence, receipts, and notifications all reach clients
// through the hub's SendToUser/BroadcastToRoom fan-out.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/go-redis/redis/v9"
	"github.com/rs/zerolog/log"
)

// redisPublishTimeout bounds one relay publish.
const redisPublishTimeout = 5 * time.Second

// RoomFor returns the deterministic pairwise room key for two users. The ids
// are sorted so both ends compute the same key.
func RoomFor(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return "chat:" + userA + ":" + userB
}

// Hub tracks live clients and fans frames out to rooms and users. All state
// is process-local; with multiple nodes the Redis relay forwards frames but
// each node's managers stay authoritative for their own sockets.
type Hub struct {
	mu    sync.RWMutex
	users map[string]map[*Client]struct{}
	rooms map[string]map[*Client]struct{}
	seqs  map[string]int64

	relay *Relay
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		users: make(map[string]map[*Client]struct{}),
		rooms: make(map[string]map[*Client]struct{}),
		seqs:  make(map[string]int64),
	}
}

// SetRelay attaches the cross-node relay. Must be called before any client
// registers.
func (h *Hub) SetRelay(r *Relay) { h.relay = r }

// Register adds a client to the user registry.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set := h.users[c.UserID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.users[c.UserID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the user registry and every room it
// joined. Safe to call more than once and on partially initialized clients.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.users[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, c.UserID)
		}
	}
	for room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
		delete(c.rooms, room)
	}
	h.mu.Unlock()
}

// Join adds the client to a room.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	h.mu.Unlock()
}

// Leave removes the client from a room. Unknown rooms are ignored.
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
	h.mu.Unlock()
}

// NextSequence returns the next monotonic sequence value for a room. The
// sequence is assigned at broadcast time and establishes cross-client
// ordering; receivers recover from out-of-order arrival by re-sorting on
// timestamp.
func (h *Hub) NextSequence(room string) int64 {
	h.mu.Lock()
	h.seqs[room]++
	n := h.seqs[room]
	h.mu.Unlock()
	return n
}

// BroadcastToRoom sends a frame to every client in the room and forwards it
// to peer nodes through the relay. Returns the number of local sockets the
// frame was queued to.
func (h *Hub) BroadcastToRoom(room string, frame any) int {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("frame marshal failed")
		return 0
	}
	n := h.broadcastRaw(room, payload)
	if h.relay != nil {
		h.relay.PublishRoom(room, payload)
	}
	return n
}

// broadcastRaw fans pre-marshalled bytes out to the local room members.
func (h *Hub) broadcastRaw(room string, payload []byte) int {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range members {
		if c.enqueue(payload) {
			n++
		}
	}
	return n
}

// SendToUser delivers a frame to every live socket the user has on this
// node, plus peer nodes via the relay. Returns true when at least one local
// socket accepted the frame.
func (h *Hub) SendToUser(userID string, frame any) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("frame marshal failed")
		return false
	}
	delivered := h.sendRaw(userID, payload)
	if h.relay != nil {
		h.relay.PublishUser(userID, payload)
	}
	return delivered
}

// sendRaw fans pre-marshalled bytes out to the user's local sockets.
func (h *Hub) sendRaw(userID string, payload []byte) bool {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range clients {
		if c.enqueue(payload) {
			delivered = true
		}
	}
	return delivered
}

// HasLocalClient reports whether the user has at least one socket on this
// node.
func (h *Hub) HasLocalClient(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// relayEnvelope is the wire format published between nodes.
type relayEnvelope struct {
	Node    string          `json:"node"`
	Room    string          `json:"room,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Relay forwards hub traffic across nodes over Redis pub/sub. It is
// optional; a single-node deployment runs without it.
type Relay struct {
	rdb     *redis.Client
	channel string
	node    string
	hub     *Hub
}

// NewRelay connects the relay and verifies the Redis endpoint.
func NewRelay(ctx context.Context, addr, channel, node string, hub *Hub) (*Relay, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	r := &Relay{rdb: rdb, channel: channel, node: node, hub: hub}
	hub.SetRelay(r)
	go r.subscribe(ctx)
	return r, nil
}

// PublishRoom forwards a room broadcast to peer nodes.
func (r *Relay) PublishRoom(room string, payload []byte) {
	r.publish(relayEnvelope{Node: r.node, Room: room, Payload: payload})
}

// PublishUser forwards a user delivery to peer nodes.
func (r *Relay) PublishUser(userID string, payload []byte) {
	r.publish(relayEnvelope{Node: r.node, UserID: userID, Payload: payload})
}

func (r *Relay) publish(env relayEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		log.Warn().Err(err).Msg("relay publish failed")
	}
}

// subscribe forwards peer-node frames into the local hub. The loop restarts
// itself after a panic, mirroring the cluster receiver it is modeled on.
func (r *Relay) subscribe(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("relay receiver crashed")
			go r.subscribe(ctx)
		}
	}()

	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	for msg := range sub.Channel() {
		var env relayEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Warn().Err(err).Msg("relay envelope decode failed")
			continue
		}
		if env.Node == r.node {
			continue // our own publish echoed back
		}
		switch {
		case env.Room != "":
			r.hub.broadcastRaw(env.Room, env.Payload)
		case env.UserID != "":
			r.hub.sendRaw(env.UserID, env.Payload)
		}
	}
}

// Close shuts the relay's Redis client.
func (r *Relay) Close() error { return r.rdb.Close() }

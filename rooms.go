package realtime

import (
	"encoding/json"
	"sort"
	"sync"
)

type conversationRoom struct {
	id      ConversationID
	members map[UserID]struct{}

	// sendMu serialises fan-outs so every member observes broadcasts in
	// the order the router accepted them (per-room FIFO).
	sendMu sync.Mutex
}

// ConversationRouter owns room membership and performs message fan-out.
// Membership is keyed by user, not connection: delivery resolves each member
// to all of their open connections at send time, and offline members are
// skipped silently (the durable store covers them on next fetch).
type ConversationRouter struct {
	mu        sync.RWMutex
	rooms     map[ConversationID]*conversationRoom
	userRooms map[UserID]map[ConversationID]struct{}

	registry *Registry
	deliver  func(c *Conn, data []byte, eventType string) error
}

func NewConversationRouter(registry *Registry, deliver func(c *Conn, data []byte, eventType string) error) *ConversationRouter {
	return &ConversationRouter{
		rooms:     make(map[ConversationID]*conversationRoom),
		userRooms: make(map[UserID]map[ConversationID]struct{}),
		registry:  registry,
		deliver:   deliver,
	}
}

// Join is idempotent; the room is created implicitly on first join.
func (cr *ConversationRouter) Join(userID UserID, convID ConversationID) {
	if userID == "" || convID == "" {
		return
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()

	room, ok := cr.rooms[convID]
	if !ok {
		room = &conversationRoom{id: convID, members: make(map[UserID]struct{})}
		cr.rooms[convID] = room
	}
	room.members[userID] = struct{}{}

	if _, ok := cr.userRooms[userID]; !ok {
		cr.userRooms[userID] = make(map[ConversationID]struct{})
	}
	cr.userRooms[userID][convID] = struct{}{}
}

// Leave is idempotent; leaving a room the user is not in is a no-op, and the
// room is garbage-collected when its membership becomes empty.
func (cr *ConversationRouter) Leave(userID UserID, convID ConversationID) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.leaveLocked(userID, convID)
}

func (cr *ConversationRouter) leaveLocked(userID UserID, convID ConversationID) {
	room, ok := cr.rooms[convID]
	if !ok {
		return
	}

	delete(room.members, userID)
	if len(room.members) == 0 {
		delete(cr.rooms, convID)
	}

	if userConvs, ok := cr.userRooms[userID]; ok {
		delete(userConvs, convID)
		if len(userConvs) == 0 {
			delete(cr.userRooms, userID)
		}
	}
}

// RemoveUser pulls the user out of every room they were in. Called when the
// user's last connection closes so no room ever lists an offline member.
func (cr *ConversationRouter) RemoveUser(userID UserID) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	convs, ok := cr.userRooms[userID]
	if !ok {
		return
	}
	for convID := range convs {
		if room, ok := cr.rooms[convID]; ok {
			delete(room.members, userID)
			if len(room.members) == 0 {
				delete(cr.rooms, convID)
			}
		}
	}
	delete(cr.userRooms, userID)
}

func (cr *ConversationRouter) IsMember(userID UserID, convID ConversationID) bool {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	room, ok := cr.rooms[convID]
	if !ok {
		return false
	}
	_, member := room.members[userID]
	return member
}

func (cr *ConversationRouter) Members(convID ConversationID) []UserID {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	room, ok := cr.rooms[convID]
	if !ok {
		return nil
	}
	out := make([]UserID, 0, len(room.members))
	for userID := range room.members {
		out = append(out, userID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (cr *ConversationRouter) ConversationsFor(userID UserID) []ConversationID {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	convs, ok := cr.userRooms[userID]
	if !ok {
		return nil
	}
	out := make([]ConversationID, 0, len(convs))
	for convID := range convs {
		out = append(out, convID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (cr *ConversationRouter) RoomCount() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return len(cr.rooms)
}

// Broadcast delivers the event to every currently-online member of the room
// except excludeUserID. Broadcasting to an empty or unknown room is a no-op.
// Returns the number of connections the frame was queued to.
func (cr *ConversationRouter) Broadcast(convID ConversationID, env Envelope, excludeUserID UserID) int {
	data, err := json.Marshal(env)
	if err != nil {
		return 0
	}
	return cr.broadcastRaw(convID, data, env.Type, excludeUserID)
}

// broadcastRaw is the pre-marshalled fan-out path, shared with cluster
// replay where the frame arrives already encoded.
func (cr *ConversationRouter) broadcastRaw(convID ConversationID, data []byte, eventType string, excludeUserID UserID) int {
	cr.mu.RLock()
	room, ok := cr.rooms[convID]
	cr.mu.RUnlock()
	if !ok {
		return 0
	}

	room.sendMu.Lock()
	defer room.sendMu.Unlock()

	cr.mu.RLock()
	members := make([]UserID, 0, len(room.members))
	for userID := range room.members {
		if userID == excludeUserID {
			continue
		}
		members = append(members, userID)
	}
	cr.mu.RUnlock()

	sent := 0
	for _, userID := range members {
		for _, c := range cr.registry.ConnectionsFor(userID) {
			if cr.deliver(c, data, eventType) == nil {
				sent++
			}
		}
	}
	return sent
}

// SendDirect delivers the event to all of one user's open connections,
// covering multi-device sessions. Offline users are silently skipped.
func (cr *ConversationRouter) SendDirect(userID UserID, env Envelope) int {
	data, err := json.Marshal(env)
	if err != nil {
		return 0
	}

	return cr.sendDirectRaw(userID, data, env.Type)
}

func (cr *ConversationRouter) sendDirectRaw(userID UserID, data []byte, eventType string) int {
	sent := 0
	for _, c := range cr.registry.ConnectionsFor(userID) {
		if cr.deliver(c, data, eventType) == nil {
			sent++
		}
	}
	return sent
}

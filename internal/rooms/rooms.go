// Package rooms manages contest chat rooms: membership, presence events,
// and chat fan-out. Rooms exist only while occupied; the first join
// creates one and the last leave destroys it. Contest participation is
// verified by the caller before Join; this package only tracks who is in
// the room right now.
package rooms

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/paperclash/realtime/internal/auth"
	"github.com/paperclash/realtime/internal/limits"
	"github.com/paperclash/realtime/internal/metrics"
	"github.com/paperclash/realtime/internal/protocol"
	"github.com/paperclash/realtime/internal/topic"
	"github.com/rs/zerolog"
)

const maxChatLength = 200

// Member is a connection present in a room. Implemented by hub clients.
type Member interface {
	Principal() auth.Principal
	Deliver(f *protocol.Frame)
}

// Occupant is the wire shape of one room member.
type Occupant struct {
	Wallet   string `json:"wallet"`
	Nickname string `json:"nickname,omitempty"`
	Role     string `json:"role"`
}

// ChatMessage is the broadcast payload for one chat line.
type ChatMessage struct {
	ID        string `json:"id"`
	ContestID int64  `json:"contestId"`
	Wallet    string `json:"wallet"`
	Nickname  string `json:"nickname,omitempty"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type room struct {
	contestID int64
	members   map[Member]struct{}
}

// Manager owns every live room. All membership mutation happens under one
// mutex; fan-out enqueues onto member send queues and never blocks.
type Manager struct {
	mu    sync.Mutex
	rooms map[int64]*room

	chatLimiter *limits.SlidingWindow
	logger      zerolog.Logger
}

// NewManager builds the room table. Chat is limited to chatLimit messages
// per chatWindow per wallet across all of a user's rooms.
func NewManager(chatLimit int, chatWindow time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		rooms:       make(map[int64]*room),
		chatLimiter: limits.NewSlidingWindow(chatLimit, chatWindow),
		logger:      logger.With().Str("component", "rooms").Logger(),
	}
}

// Stop terminates the chat limiter janitor.
func (m *Manager) Stop() {
	m.chatLimiter.Stop()
}

// Join places the member in the contest's room, creating it on first
// entry. A member occupies at most one room; joining another leaves the
// current one first. The joiner receives a ROOM_STATE snapshot of current
// occupants; everyone already present receives PARTICIPANT_JOINED.
func (m *Manager) Join(contestID int64, member Member) error {
	p := member.Principal()
	if p.Anonymous {
		return protocol.Errf(protocol.CodeUnauthorized, "authentication required to join a room")
	}

	if prior, ok := m.currentRoom(member); ok && prior != contestID {
		if err := m.Leave(prior, member); err != nil {
			return err
		}
	}

	m.mu.Lock()
	r := m.rooms[contestID]
	if r == nil {
		r = &room{contestID: contestID, members: make(map[Member]struct{})}
		m.rooms[contestID] = r
		metrics.RoomsCurrent.Inc()
		m.logger.Info().Int64("contest_id", contestID).Msg("Room created")
	}
	if _, already := r.members[member]; already {
		m.mu.Unlock()
		return protocol.Errf(protocol.CodeBadRequest, "already in room %d", contestID)
	}
	r.members[member] = struct{}{}
	occupants := r.snapshotLocked()
	others := r.othersLocked(member)
	m.mu.Unlock()

	state, err := protocol.NewDataObject(protocol.TypeRoomState, roomTopic(contestID), struct {
		ContestID    int64      `json:"contestId"`
		Participants []Occupant `json:"participants"`
	}{contestID, occupants})
	if err != nil {
		return err
	}
	member.Deliver(state)

	joined, err := protocol.NewDataObject(protocol.TypeParticipantJoin, roomTopic(contestID), occupantOf(p))
	if err != nil {
		return err
	}
	joined.ContestID = contestID
	for _, other := range others {
		other.Deliver(joined)
	}
	return nil
}

// Leave removes the member and notifies the remaining occupants. The
// last leave destroys the room.
func (m *Manager) Leave(contestID int64, member Member) error {
	m.mu.Lock()
	r := m.rooms[contestID]
	if r == nil {
		m.mu.Unlock()
		return protocol.Errf(protocol.CodeRoomNotFound, "no room for contest %d", contestID)
	}
	if _, in := r.members[member]; !in {
		m.mu.Unlock()
		return protocol.Errf(protocol.CodeRoomNotFound, "not in room %d", contestID)
	}
	delete(r.members, member)
	remaining := r.othersLocked(nil)
	if len(r.members) == 0 {
		delete(m.rooms, contestID)
		metrics.RoomsCurrent.Dec()
		m.logger.Info().Int64("contest_id", contestID).Msg("Room destroyed")
	}
	m.mu.Unlock()

	left, err := protocol.NewDataObject(protocol.TypeParticipantLeft, roomTopic(contestID), occupantOf(member.Principal()))
	if err != nil {
		return err
	}
	left.ContestID = contestID
	for _, other := range remaining {
		other.Deliver(left)
	}
	return nil
}

// LeaveAll removes a disconnecting member from its room, if any.
func (m *Manager) LeaveAll(member Member) {
	if id, ok := m.currentRoom(member); ok {
		if err := m.Leave(id, member); err != nil {
			m.logger.Debug().Err(err).Int64("contest_id", id).Msg("Leave on disconnect")
		}
	}
	m.chatLimiter.Forget(member.Principal().Key())
}

// currentRoom returns the contest id of the room the member occupies.
func (m *Manager) currentRoom(member Member) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rooms {
		if _, in := r.members[member]; in {
			return id, true
		}
	}
	return 0, false
}

// Chat validates and broadcasts a chat line to every occupant, including
// the sender. Message ids are `<contestId>-<unixMillis>-<suffix>` so they
// sort chronologically per room.
func (m *Manager) Chat(contestID int64, member Member, text string) error {
	if text == "" {
		return protocol.Errf(protocol.CodeBadRequest, "empty chat message")
	}
	if utf8.RuneCountInString(text) > maxChatLength {
		return protocol.Errf(protocol.CodeBadRequest, "chat message exceeds %d characters", maxChatLength)
	}

	p := member.Principal()

	m.mu.Lock()
	r := m.rooms[contestID]
	if r == nil {
		m.mu.Unlock()
		return protocol.Errf(protocol.CodeRoomNotFound, "no room for contest %d", contestID)
	}
	if _, in := r.members[member]; !in {
		m.mu.Unlock()
		return protocol.Errf(protocol.CodeNotSubscribed, "not in room %d", contestID)
	}
	recipients := r.othersLocked(nil)
	m.mu.Unlock()

	if !m.chatLimiter.Allow(p.Key()) {
		return protocol.Errf(protocol.CodeRateLimited, "chat rate limit exceeded")
	}

	now := time.Now().UTC()
	msg := ChatMessage{
		ID:        fmt.Sprintf("%d-%d-%s", contestID, now.UnixMilli(), uuid.NewString()[:8]),
		ContestID: contestID,
		Wallet:    p.Wallet,
		Nickname:  p.Nickname,
		Role:      string(p.Role),
		Text:      text,
		Timestamp: now.Format(time.RFC3339Nano),
	}
	frame, err := protocol.NewDataObject(protocol.TypeChatMessage, roomTopic(contestID), msg)
	if err != nil {
		return err
	}
	frame.ContestID = contestID
	for _, rec := range recipients {
		rec.Deliver(frame)
	}
	return nil
}

// Activity rebroadcasts a presence signal (typing, idle) to the other
// occupants. The server stamps the sender identity and timestamp; client
// supplied identity fields in the payload are ignored.
func (m *Manager) Activity(contestID int64, member Member, action string, data json.RawMessage) error {
	if action == "" {
		return protocol.Errf(protocol.CodeBadRequest, "missing activity action")
	}
	p := member.Principal()

	m.mu.Lock()
	r := m.rooms[contestID]
	if r == nil {
		m.mu.Unlock()
		return protocol.Errf(protocol.CodeRoomNotFound, "no room for contest %d", contestID)
	}
	if _, in := r.members[member]; !in {
		m.mu.Unlock()
		return protocol.Errf(protocol.CodeNotSubscribed, "not in room %d", contestID)
	}
	others := r.othersLocked(member)
	m.mu.Unlock()

	frame, err := protocol.NewDataObject(protocol.TypeParticipantActivity, roomTopic(contestID), struct {
		Wallet    string          `json:"wallet"`
		Nickname  string          `json:"nickname,omitempty"`
		Action    string          `json:"action"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		Timestamp string          `json:"timestamp"`
	}{p.Wallet, p.Nickname, action, data, time.Now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return err
	}
	frame.ContestID = contestID
	for _, other := range others {
		other.Deliver(frame)
	}
	return nil
}

// Occupants returns the current member snapshot for diagnostics.
func (m *Manager) Occupants(contestID int64) []Occupant {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[contestID]
	if r == nil {
		return nil
	}
	return r.snapshotLocked()
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

func (r *room) snapshotLocked() []Occupant {
	out := make([]Occupant, 0, len(r.members))
	for member := range r.members {
		out = append(out, occupantOf(member.Principal()))
	}
	return out
}

// othersLocked returns every member except skip. Pass nil for all.
func (r *room) othersLocked(skip Member) []Member {
	out := make([]Member, 0, len(r.members))
	for member := range r.members {
		if member == skip {
			continue
		}
		out = append(out, member)
	}
	return out
}

func occupantOf(p auth.Principal) Occupant {
	return Occupant{Wallet: p.Wallet, Nickname: p.Nickname, Role: string(p.Role)}
}

func roomTopic(contestID int64) string {
	return topic.Key{Namespace: topic.NSRoom, Scope: fmt.Sprintf("%d", contestID)}.String()
}

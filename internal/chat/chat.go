// Package chat keeps the in-memory per-user conversation history. Histories
// live only as long as the process; nothing here touches disk.
package chat

import "sync"

// Role tags a message with its conversation participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation. ImageURL is set only for user
// messages that carry a photo; Text then holds the caption (possibly empty).
// Messages are treated as immutable once appended.
type Message struct {
	Role     Role
	Text     string
	ImageURL string
}

// Store maps a user id to its conversation. The first message of every
// conversation is the system prompt, seeded lazily on first access.
//
// Access for a single user must be serialized by the caller around a whole
// turn (append then read then append is not atomic); Lock/Unlock provide a
// per-user mutex for that. Different users never contend.
type Store struct {
	mu            sync.Mutex
	systemPrompt  string
	conversations map[int64][]Message
	userLocks     map[int64]*sync.Mutex
}

// NewStore creates a store seeding new conversations with the given system
// prompt.
func NewStore(systemPrompt string) *Store {
	return &Store{
		systemPrompt:  systemPrompt,
		conversations: make(map[int64][]Message),
		userLocks:     make(map[int64]*sync.Mutex),
	}
}

// Lock acquires the per-user turn lock, creating it on first use.
func (s *Store) Lock(userID int64) {
	s.mu.Lock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	s.mu.Unlock()
	l.Lock()
}

// Unlock releases the per-user turn lock.
func (s *Store) Unlock(userID int64) {
	s.mu.Lock()
	l := s.userLocks[userID]
	s.mu.Unlock()
	if l != nil {
		l.Unlock()
	}
}

// GetOrInit returns a copy of the user's conversation, creating it seeded
// with the system message if it does not exist yet.
func (s *Store) GetOrInit(userID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked(userID)
	return s.copyLocked(userID)
}

// Append adds a message to the user's conversation, seeding it first when
// needed so the system message always comes first.
func (s *Store) Append(userID int64, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked(userID)
	s.conversations[userID] = append(s.conversations[userID], msg)
}

// Reset removes the user's conversation so the next interaction re-seeds it.
func (s *Store) Reset(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, userID)
}

// History returns a copy of the user's conversation without creating one.
func (s *Store) History(userID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked(userID)
}

// Len returns the number of messages in the user's conversation.
func (s *Store) Len(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations[userID])
}

func (s *Store) initLocked(userID int64) {
	if _, ok := s.conversations[userID]; !ok {
		s.conversations[userID] = []Message{{Role: RoleSystem, Text: s.systemPrompt}}
	}
}

func (s *Store) copyLocked(userID int64) []Message {
	conv := s.conversations[userID]
	if conv == nil {
		return nil
	}
	out := make([]Message, len(conv))
	copy(out, conv)
	return out
}

package services

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mydoctor/internal/models"
)

var (
	// ErrSessionNotFound is returned when a session ID has no live conversation.
	ErrSessionNotFound = errors.New("session not found")
	// ErrShareNotFound is returned when a share ID does not resolve.
	ErrShareNotFound = errors.New("share not found")
)

// seedTurns are the immutable system messages every conversation starts
// with. They are never trimmed, never returned in user-facing history, and
// always sent to the upstream model first.
var seedTurns = []models.Turn{
	{
		Role: "system",
		Content: "You are My Doctor, a careful medical information assistant. " +
			"Answer health questions using the conversation history for context. " +
			"Respond ONLY with a JSON object containing the keys: symptoms, " +
			"possible_causes, advice, urgency, when_to_see_doctor, references. " +
			"The urgency value must be one of: low, moderate, high, emergency.",
	},
	{
		Role: "system",
		Content: "You are not a substitute for a licensed physician. Never " +
			"prescribe medication dosages. If the user describes a life-threatening " +
			"situation, set urgency to emergency and tell them to contact emergency " +
			"services immediately.",
	},
	{
		Role: "system",
		Content: "Reply in the same language the user writes in. If the user " +
			"writes in Urdu, answer in Urdu. Keep each field concise and practical.",
	},
}

// conversation is the mutable per-session record. Turns always begin with
// the seed system messages.
type conversation struct {
	turns     []models.Turn
	title     string
	pinned    bool
	archived  bool
	shareID   string
	createdAt time.Time
	updatedAt time.Time
	pinnedAt  time.Time
}

// ConversationStore keeps chat histories in memory with TTL eviction.
// Expired sessions are purged lazily on every access, so no background
// goroutine is required; an optional periodic sweep can call Sweep directly.
type ConversationStore struct {
	mu       sync.Mutex
	sessions map[string]*conversation
	shares   map[string]string // shareID -> sessionID
	ttl      time.Duration
	maxTurns int
	now      func() time.Time
}

// NewConversationStore creates a store evicting sessions idle longer than
// ttl and trimming each conversation to maxTurns messages.
func NewConversationStore(ttl time.Duration, maxTurns int) *ConversationStore {
	return &ConversationStore{
		sessions: make(map[string]*conversation),
		shares:   make(map[string]string),
		ttl:      ttl,
		maxTurns: maxTurns,
		now:      time.Now,
	}
}

// Ensure returns a live session for the given ID, creating one seeded with
// the system messages when the ID is empty, unknown, or expired.
func (s *ConversationStore) Ensure(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	if sessionID != "" {
		if _, ok := s.sessions[sessionID]; ok {
			return sessionID
		}
	}

	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	s.seedLocked(sessionID, now)
	return sessionID
}

func (s *ConversationStore) seedLocked(sessionID string, now time.Time) *conversation {
	turns := make([]models.Turn, len(seedTurns))
	copy(turns, seedTurns)
	for i := range turns {
		turns[i].Timestamp = now
	}

	conv := &conversation{
		turns:     turns,
		createdAt: now,
		updatedAt: now,
	}
	s.sessions[sessionID] = conv
	return conv
}

// AppendUser records a user turn. The first user message becomes the
// session title, truncated to 80 characters.
func (s *ConversationStore) AppendUser(sessionID, content string) error {
	return s.append(sessionID, "user", content, nil)
}

// AppendUserBlocks records a multi-modal user turn. Content carries the
// text rendering, blocks the full parts including images.
func (s *ConversationStore) AppendUserBlocks(sessionID, content string, blocks []models.ContentBlock) error {
	return s.append(sessionID, "user", content, blocks)
}

// AppendAssistant records an assistant turn.
func (s *ConversationStore) AppendAssistant(sessionID, content string) error {
	return s.append(sessionID, "assistant", content, nil)
}

func (s *ConversationStore) append(sessionID, role, content string, blocks []models.ContentBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	conv, ok := s.sessions[sessionID]
	if !ok {
		// The session may have expired between the request starting and the
		// reply arriving. Re-seed it rather than losing the turn.
		conv = s.seedLocked(sessionID, now)
	}

	conv.turns = append(conv.turns, models.Turn{
		Role:      role,
		Content:   content,
		Blocks:    blocks,
		Timestamp: now,
	})
	conv.updatedAt = now

	if role == "user" && conv.title == "" {
		conv.title = makeTitle(content)
	}

	s.trimLocked(conv)
	return nil
}

// trimLocked drops the oldest non-system turns until the conversation fits
// maxTurns. Seed system messages are never dropped.
func (s *ConversationStore) trimLocked(conv *conversation) {
	excess := len(conv.turns) - s.maxTurns
	if excess <= 0 {
		return
	}

	kept := make([]models.Turn, 0, s.maxTurns)
	for _, t := range conv.turns {
		if excess > 0 && t.Role != "system" {
			excess--
			continue
		}
		kept = append(kept, t)
	}
	conv.turns = kept
}

// Turns returns a copy of the full conversation, seed messages included,
// in the order they are sent upstream.
func (s *ConversationStore) Turns(sessionID string) ([]models.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(s.now())

	conv, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	out := make([]models.Turn, len(conv.turns))
	copy(out, conv.turns)
	for i := range out {
		if len(out[i].Blocks) > 0 {
			blocks := make([]models.ContentBlock, len(out[i].Blocks))
			copy(blocks, out[i].Blocks)
			out[i].Blocks = blocks
		}
	}
	return out, nil
}

// History returns the user-visible turns of a session, excluding the seed
// system messages.
func (s *ConversationStore) History(sessionID string) ([]models.Turn, error) {
	turns, err := s.Turns(sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]models.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role != "system" {
			out = append(out, t)
		}
	}
	return out, nil
}

// Sessions lists live conversations, pinned first, then by most recent
// activity.
func (s *ConversationStore) Sessions() []models.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(s.now())

	out := make([]models.SessionSummary, 0, len(s.sessions))
	for id, conv := range s.sessions {
		turns := 0
		for _, t := range conv.turns {
			if t.Role != "system" {
				turns++
			}
		}
		summary := models.SessionSummary{
			SessionID: id,
			Title:     conv.title,
			Pinned:    conv.pinned,
			Archived:  conv.archived,
			Turns:     turns,
			CreatedAt: conv.createdAt,
			UpdatedAt: conv.updatedAt,
		}
		if !conv.pinnedAt.IsZero() {
			at := conv.pinnedAt
			summary.PinnedAt = &at
		}
		out = append(out, summary)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// SetPinned updates a session's pinned flag and records when it was pinned.
func (s *ConversationStore) SetPinned(sessionID string, pinned bool) error {
	return s.update(sessionID, func(conv *conversation, now time.Time) {
		conv.pinned = pinned
		if pinned {
			conv.pinnedAt = now
		} else {
			conv.pinnedAt = time.Time{}
		}
	})
}

// SetArchived updates a session's archived flag.
func (s *ConversationStore) SetArchived(sessionID string, archived bool) error {
	return s.update(sessionID, func(conv *conversation, _ time.Time) { conv.archived = archived })
}

// update applies fn to a live session and refreshes its activity time, so
// pinning or archiving keeps a session from expiring.
func (s *ConversationStore) update(sessionID string, fn func(*conversation, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	conv, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	fn(conv, now)
	conv.updatedAt = now
	return nil
}

// Delete removes a session and its share link, if any.
func (s *ConversationStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if conv.shareID != "" {
		delete(s.shares, conv.shareID)
	}
	delete(s.sessions, sessionID)
	return nil
}

// Share returns a stable share ID for a session, creating one on first
// call. Repeated calls return the same ID.
func (s *ConversationStore) Share(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(s.now())

	conv, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}

	if conv.shareID == "" {
		conv.shareID = uuid.New().String()
		s.shares[conv.shareID] = sessionID
	}
	return conv.shareID, nil
}

// ResolveShare returns the user-visible history behind a share ID.
func (s *ConversationStore) ResolveShare(shareID string) ([]models.Turn, error) {
	s.mu.Lock()
	sessionID, ok := s.shares[shareID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrShareNotFound
	}

	turns, err := s.History(sessionID)
	if err != nil {
		return nil, ErrShareNotFound
	}
	return turns, nil
}

// Count returns the number of live sessions.
func (s *ConversationStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
	return len(s.sessions)
}

// Sweep purges expired sessions now. The store already sweeps lazily on
// every access; this exists for the optional periodic cleanup job.
func (s *ConversationStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

func (s *ConversationStore) sweepLocked(now time.Time) int {
	removed := 0
	for id, conv := range s.sessions {
		if now.Sub(conv.updatedAt) > s.ttl {
			if conv.shareID != "" {
				delete(s.shares, conv.shareID)
			}
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("🧹 [CONVERSATIONS] Purged %d expired session(s)", removed)
	}
	return removed
}

// makeTitle derives a session title from the first line of a message,
// truncated to 80 characters.
func makeTitle(content string) string {
	title := strings.TrimSpace(content)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	runes := []rune(title)
	if len(runes) > 80 {
		title = string(runes[:80])
	}
	return title
}

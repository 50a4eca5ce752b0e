package models

import "time"

// ChatAttachment is a file the user attached to a message. Text files are
// inlined into the prompt, images ride along as data URLs for vision models.
type ChatAttachment struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // "text" or "image"
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/chat. Language overrides automatic
// detection when set to a supported code ("en" or "ur").
type ChatRequest struct {
	Message     string           `json:"message"`
	SessionID   string           `json:"session_id,omitempty"`
	Language    string           `json:"language,omitempty"`
	Attachments []ChatAttachment `json:"attachments,omitempty"`
}

// ContentBlock is one part of a multi-modal turn.
type ContentBlock struct {
	Type     string `json:"type"` // "text" or "image_url"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// StructuredResult is the structured medical answer extracted from the
// upstream model's reply. Every field is always populated; the normalizer
// fills defaults for anything the model omitted.
type StructuredResult struct {
	Symptoms       string   `json:"symptoms"`
	PossibleCauses string   `json:"possible_causes"`
	Advice         string   `json:"advice"`
	Urgency        string   `json:"urgency"` // low | moderate | high | emergency
	WhenToSeeDr    string   `json:"when_to_see_doctor"`
	References     []string `json:"references"`
	Disclaimer     string   `json:"disclaimer"`
}

// ChatResponse is the body returned by POST /api/chat.
type ChatResponse struct {
	SessionID  string           `json:"session_id"`
	Reply      string           `json:"reply"`
	Structured StructuredResult `json:"structured"`
	Emergency  bool             `json:"emergency"`
	Language   string           `json:"language"`
	Degraded   bool             `json:"degraded,omitempty"`
}

// Turn is one message in a conversation's history. Blocks is non-nil only
// for multi-modal turns; Content always carries the text rendering.
type Turn struct {
	Role      string         `json:"role"` // system | user | assistant
	Content   string         `json:"content"`
	Blocks    []ContentBlock `json:"blocks,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SessionSummary is one row in the GET /api/sessions listing. PinnedAt is
// nil while the session is unpinned.
type SessionSummary struct {
	SessionID string     `json:"session_id"`
	Title     string     `json:"title"`
	Pinned    bool       `json:"pinned"`
	Archived  bool       `json:"archived"`
	Turns     int        `json:"turns"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	PinnedAt  *time.Time `json:"pinned_at,omitempty"`
}

// PinRequest toggles a session's pinned flag.
type PinRequest struct {
	SessionID string `json:"session_id"`
	Pinned    bool   `json:"pinned"`
}

// ArchiveRequest toggles a session's archived flag.
type ArchiveRequest struct {
	SessionID string `json:"session_id"`
	Archived  bool   `json:"archived"`
}

// SessionRef identifies a session in endpoints that only need an ID.
type SessionRef struct {
	SessionID string `json:"session_id"`
}

// ShareResponse is returned when a share link is created for a session.
type ShareResponse struct {
	SessionID string `json:"session_id"`
	ShareID   string `json:"share_id"`
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mydoctor/internal/logging"
	"mydoctor/internal/models"
)

const (
	maxMessageChars        = 2000
	maxAttachmentTextChars = 12000
	maxImageDataURLChars   = 4000000
	maxImagesPerTurn       = 3
	maxReferenceResults    = 3
)

var (
	// ErrMessageRequired is returned when the chat message is empty.
	ErrMessageRequired = errors.New("message is required")
	// ErrMessageTooLong is returned when the chat message exceeds the cap.
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", maxMessageChars)
	// ErrTooManyImages is returned when a turn carries too many images.
	ErrTooManyImages = fmt.Errorf("at most %d images per message", maxImagesPerTurn)
	// ErrInvalidImage is returned for attachments that are not image data URLs.
	ErrInvalidImage = errors.New("image attachments must be data:image/ URLs")
)

// AdmissionDeniedError means the per-session limiter refused the turn.
type AdmissionDeniedError struct {
	RetryAfter int
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfter)
}

// ReferenceFetcher supplies fallback citations for a medical query.
type ReferenceFetcher interface {
	Fetch(ctx context.Context, query string, limit int) []string
}

// ChatOrchestrator runs a chat turn end to end: admission, history,
// upstream call, normalization, persistence. The store's lock is never held
// across the upstream call; each store method locks internally.
type ChatOrchestrator struct {
	limiter    AdmissionLimiter
	store      *ConversationStore
	upstream   *UpstreamClient
	normalizer *ResponseNormalizer
	emergency  *EmergencyDetector
	references ReferenceFetcher
	metrics    *Metrics
}

// NewChatOrchestrator wires the chat pipeline together.
func NewChatOrchestrator(
	limiter AdmissionLimiter,
	store *ConversationStore,
	upstream *UpstreamClient,
	normalizer *ResponseNormalizer,
	emergency *EmergencyDetector,
	references ReferenceFetcher,
	metrics *Metrics,
) *ChatOrchestrator {
	return &ChatOrchestrator{
		limiter:    limiter,
		store:      store,
		upstream:   upstream,
		normalizer: normalizer,
		emergency:  emergency,
		references: references,
		metrics:    metrics,
	}
}

// HandleTurn processes one user message and returns the assistant's reply.
// clientKey identifies the caller for rate limiting when no session exists
// yet. On upstream failure the user's turn stays in the history so a retry
// of the same session does not lose it.
func (o *ChatOrchestrator) HandleTurn(ctx context.Context, req *models.ChatRequest, clientKey string) (*models.ChatResponse, error) {
	start := time.Now()
	if o.metrics != nil {
		o.metrics.ChatRequests.Inc()
		defer func() {
			o.metrics.ChatRequestLatency.Observe(time.Since(start).Seconds())
		}()
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrMessageRequired
	}
	if len([]rune(message)) > maxMessageChars {
		return nil, ErrMessageTooLong
	}

	images, inlineText, err := splitAttachments(req.Attachments)
	if err != nil {
		return nil, err
	}

	limiterKey := req.SessionID
	if limiterKey == "" {
		limiterKey = clientKey
	}
	if allowed, retryAfter := o.limiter.Check(limiterKey); !allowed {
		if o.metrics != nil {
			o.metrics.RateLimitDenials.Inc()
		}
		return nil, &AdmissionDeniedError{RetryAfter: retryAfter}
	}

	sessionID := o.store.Ensure(req.SessionID)

	stored := message
	if inlineText != "" {
		stored = message + "\n\n" + inlineText
	}
	if len(images) > 0 {
		blocks := []models.ContentBlock{{Type: "text", Text: stored}}
		for _, url := range images {
			blocks = append(blocks, models.ContentBlock{Type: "image_url", ImageURL: url})
		}
		err = o.store.AppendUserBlocks(sessionID, stored, blocks)
	} else {
		err = o.store.AppendUser(sessionID, stored)
	}
	if err != nil {
		return nil, err
	}

	language := req.Language
	if language != "en" && language != "ur" {
		language = DetectLanguage(message)
	}
	// Screen the full stored text, so an emergency phrase buried in an
	// attached report is caught too.
	isEmergency := o.emergency.Detect(stored)
	if isEmergency && o.metrics != nil {
		o.metrics.EmergencyDetections.Inc()
	}

	turns, err := o.store.Turns(sessionID)
	if err != nil {
		return nil, err
	}

	result, err := o.upstream.SendConversation(ctx, turns)
	if err != nil {
		// The user turn is kept: the next attempt replays it as history.
		o.countError(err)
		return nil, err
	}
	if result.Degraded && o.metrics != nil {
		o.metrics.UpstreamFallbacks.Inc()
	}

	fallbackRefs := o.references.Fetch(ctx, message, maxReferenceResults)

	structured := o.normalizer.Normalize(result.Reply, fallbackRefs)
	if isEmergency {
		o.normalizer.ApplyEmergencyOverlay(&structured, language)
	}

	reply := o.normalizer.FormatForChat(structured, language)
	if isEmergency {
		reply = PrependBanner(reply)
	}

	if err := o.store.AppendAssistant(sessionID, reply); err != nil {
		return nil, err
	}

	logging.WithSession(sessionID, clientKey).Info("chat turn completed",
		"duration", time.Since(start).Round(time.Millisecond).String(),
		"emergency", isEmergency,
		"degraded", result.Degraded)

	return &models.ChatResponse{
		SessionID:  sessionID,
		Reply:      reply,
		Structured: structured,
		Emergency:  isEmergency,
		Language:   language,
		Degraded:   result.Degraded,
	}, nil
}

func (o *ChatOrchestrator) countError(err error) {
	if o.metrics == nil {
		return
	}
	var (
		rl          *RateLimitedError
		rejected    *RejectedError
		malformed   *MalformedResponseError
		unreachable *UnreachableError
	)
	switch {
	case errors.As(err, &rl):
		o.metrics.ChatErrors.WithLabelValues("upstream_rate_limited").Inc()
	case errors.As(err, &rejected):
		o.metrics.ChatErrors.WithLabelValues("upstream_rejected").Inc()
	case errors.As(err, &malformed):
		o.metrics.ChatErrors.WithLabelValues("upstream_malformed").Inc()
	case errors.As(err, &unreachable):
		o.metrics.ChatErrors.WithLabelValues("upstream_unreachable").Inc()
	default:
		o.metrics.ChatErrors.WithLabelValues("internal").Inc()
	}
}

// splitAttachments validates attachments and separates image data URLs from
// inlined text. Text attachments are truncated rather than rejected.
func splitAttachments(attachments []models.ChatAttachment) (images []string, inlineText string, err error) {
	var textParts []string
	for _, att := range attachments {
		switch att.Type {
		case "image":
			if !strings.HasPrefix(att.Content, "data:image/") {
				return nil, "", ErrInvalidImage
			}
			if len(att.Content) > maxImageDataURLChars {
				return nil, "", ErrInvalidImage
			}
			images = append(images, att.Content)
		default:
			content := att.Content
			if len([]rune(content)) > maxAttachmentTextChars {
				content = string([]rune(content)[:maxAttachmentTextChars])
			}
			textParts = append(textParts, fmt.Sprintf("[Attachment: %s]\n%s", att.Name, content))
		}
	}

	if len(images) > maxImagesPerTurn {
		return nil, "", ErrTooManyImages
	}
	return images, strings.Join(textParts, "\n\n"), nil
}

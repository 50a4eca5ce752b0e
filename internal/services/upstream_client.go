package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"mydoctor/internal/models"
)

const (
	upstreamTemperature   = 0.45
	upstreamMaxTokens     = 1024
	maxRetryAfterSeconds  = 8
	defaultWaitHintOnFail = 6
)

// RateLimitedError means the upstream provider kept answering 429 after all
// retries. RetryAfter is the suggested client wait in whole seconds.
type RateLimitedError struct {
	RetryAfter int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream rate limited, retry after %ds", e.RetryAfter)
}

// RejectedError means the upstream provider refused the request with a
// non-retryable status.
type RejectedError struct {
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("upstream rejected request with status %d", e.Status)
}

// MalformedResponseError means the upstream answered 200 but the body did
// not contain a usable completion.
type MalformedResponseError struct {
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed upstream response: %s", e.Reason)
}

// UnreachableError means the request never produced an HTTP response.
type UnreachableError struct {
	Err error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("upstream unreachable: %v", e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// upstreamMessage is one chat message in the provider's wire format.
// Content is either a plain string or a slice of content parts for vision
// requests.
type upstreamMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

type chatCompletionRequest struct {
	Model       string            `json:"model"`
	Messages    []upstreamMessage `json:"messages"`
	Temperature float64           `json:"temperature"`
	MaxTokens   int               `json:"max_tokens"`
}

// ChatResult is the classified outcome of an upstream exchange.
type ChatResult struct {
	Reply string
	// Degraded is true when a vision request was retried without images
	// on the text model.
	Degraded bool
}

// UpstreamClient talks to the Groq chat completions API with bounded 429
// retries and a one-shot vision-to-text fallback. A shared token bucket
// paces all outbound calls.
type UpstreamClient struct {
	apiURL      string
	apiKey      string
	model       string
	visionModel string
	maxRetries  int
	httpClient  *http.Client
	pacer       *rate.Limiter
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewUpstreamClient creates a client for the given provider endpoint.
// timeout is the hard per-request deadline.
func NewUpstreamClient(apiURL, apiKey, model, visionModel string, maxRetries int, timeout time.Duration) *UpstreamClient {
	if timeout < 25*time.Second {
		timeout = 25 * time.Second
	}
	return &UpstreamClient{
		apiURL:      apiURL,
		apiKey:      apiKey,
		model:       model,
		visionModel: visionModel,
		maxRetries:  maxRetries,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		pacer: rate.NewLimiter(rate.Limit(5), 5),
		sleep: sleepCtx,
	}
}

// SendConversation sends the conversation upstream and returns the raw
// assistant reply. Turns carrying image blocks route the request to the
// vision model; if the vision model rejects the payload the conversation is
// resent once, text only, on the default model.
func (c *UpstreamClient) SendConversation(ctx context.Context, turns []models.Turn) (*ChatResult, error) {
	hasImages := lastTurnHasImages(turns)

	model := c.model
	if hasImages {
		model = c.visionModel
	}

	reply, err := c.send(ctx, model, buildMessages(turns, hasImages))
	if err == nil {
		return &ChatResult{Reply: reply}, nil
	}

	// Vision models sometimes refuse payloads the text model handles fine.
	// Rate limiting is not a payload problem, so it never triggers the
	// fallback.
	var rejected *RejectedError
	if hasImages && errors.As(err, &rejected) && isVisionFallbackStatus(rejected.Status) {
		log.Printf("⚠️ [UPSTREAM] Vision model rejected request (%d), retrying text-only", rejected.Status)
		reply, err = c.send(ctx, c.model, buildMessages(turns, false))
		if err != nil {
			return nil, err
		}
		return &ChatResult{Reply: reply, Degraded: true}, nil
	}

	return nil, err
}

// send performs one logical request with bounded retries on 429.
func (c *UpstreamClient) send(ctx context.Context, model string, messages []upstreamMessage) (string, error) {
	payload, err := json.Marshal(chatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: upstreamTemperature,
		MaxTokens:   upstreamMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	lastRetryAfter := defaultWaitHintOnFail
	for attempt := 0; ; attempt++ {
		if err := c.pacer.Wait(ctx); err != nil {
			return "", &UnreachableError{Err: err}
		}

		reply, retryAfter, err := c.doRequest(ctx, payload)
		if err == nil {
			return reply, nil
		}

		var rl *RateLimitedError
		if !errors.As(err, &rl) {
			return "", err
		}

		if retryAfter > 0 {
			lastRetryAfter = retryAfter
		}
		if attempt >= c.maxRetries {
			hint := lastRetryAfter
			if hint < 1 {
				hint = 1
			}
			return "", &RateLimitedError{RetryAfter: hint}
		}

		delay := backoffDelay(attempt, retryAfter)
		if m := GetMetrics(); m != nil {
			m.UpstreamRetries.Inc()
		}
		log.Printf("⏳ [UPSTREAM] 429 received, retry %d/%d in %v", attempt+1, c.maxRetries, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return "", &UnreachableError{Err: err}
		}
	}
}

// doRequest performs a single HTTP exchange and classifies the outcome.
// retryAfter is the parsed Retry-After header in seconds, 0 when absent.
func (c *UpstreamClient) doRequest(ctx context.Context, payload []byte) (reply string, retryAfter int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", 0, &UnreachableError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, &UnreachableError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, &UnreachableError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var parsed struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", 0, &MalformedResponseError{Reason: "unparseable response body"}
		}
		if len(parsed.Choices) == 0 {
			return "", 0, &MalformedResponseError{Reason: "empty choices"}
		}
		return parsed.Choices[0].Message.Content, 0, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return "", parseRetryAfter(resp.Header.Get("Retry-After")), &RateLimitedError{RetryAfter: defaultWaitHintOnFail}

	default:
		// Log the body for diagnosis but never surface it to clients.
		log.Printf("❌ [UPSTREAM] Status %d: %s", resp.StatusCode, truncate(string(body), 500))
		return "", 0, &RejectedError{Status: resp.StatusCode, Body: truncate(string(body), 500)}
	}
}

// parseRetryAfter reads a Retry-After header as whole seconds, capped so a
// hostile upstream cannot stall the worker.
func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	if seconds > maxRetryAfterSeconds {
		return maxRetryAfterSeconds
	}
	return seconds
}

// backoffDelay picks the wait before a retry: the Retry-After value when
// the server sent one, exponential backoff otherwise. Both paths honor the
// same cap, so deep retries never wait longer than maxRetryAfterSeconds.
func backoffDelay(attempt, retryAfter int) time.Duration {
	if retryAfter > 0 {
		return time.Duration(retryAfter) * time.Second
	}
	delay := time.Duration(1.2 * float64(int(1)<<attempt) * float64(time.Second))
	if ceiling := maxRetryAfterSeconds * time.Second; delay > ceiling {
		return ceiling
	}
	return delay
}

// buildMessages renders turns into the provider's wire format. Only the
// final turn's blocks are expanded into multi-part content; earlier
// multi-modal turns replay as their text rendering so history never
// re-sends images.
func buildMessages(turns []models.Turn, includeImages bool) []upstreamMessage {
	messages := make([]upstreamMessage, 0, len(turns))
	for i, t := range turns {
		if i != len(turns)-1 || !includeImages || len(t.Blocks) == 0 {
			messages = append(messages, upstreamMessage{Role: t.Role, Content: t.Content})
			continue
		}

		parts := make([]contentPart, 0, len(t.Blocks))
		for _, b := range t.Blocks {
			switch b.Type {
			case "image_url":
				parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURLPart{URL: b.ImageURL}})
			default:
				parts = append(parts, contentPart{Type: "text", Text: b.Text})
			}
		}
		messages = append(messages, upstreamMessage{Role: t.Role, Content: parts})
	}
	return messages
}

func lastTurnHasImages(turns []models.Turn) bool {
	if len(turns) == 0 {
		return false
	}
	for _, b := range turns[len(turns)-1].Blocks {
		if b.Type == "image_url" {
			return true
		}
	}
	return false
}

func isVisionFallbackStatus(status int) bool {
	return status == http.StatusBadRequest ||
		status == http.StatusNotFound ||
		status == http.StatusUnprocessableEntity
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mydoctor/internal/models"
)

func newTestClient(url string) (*UpstreamClient, *[]time.Duration) {
	client := NewUpstreamClient(url, "test-key", "text-model", "vision-model", 2, 30*time.Second)

	var mu sync.Mutex
	delays := &[]time.Duration{}
	client.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return nil
	}
	return client, delays
}

func completionResponse(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func userTurns(message string) []models.Turn {
	return []models.Turn{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: message},
	}
}

func imageTurns(message, dataURL string) []models.Turn {
	turns := userTurns(message)
	turns[len(turns)-1].Blocks = []models.ContentBlock{
		{Type: "text", Text: message},
		{Type: "image_url", ImageURL: dataURL},
	}
	return turns
}

func TestUpstreamClient_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		fmt.Fprint(w, completionResponse("hello"))
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	result, err := client.SendConversation(context.Background(), userTurns("hi"))
	if err != nil {
		t.Fatalf("SendConversation failed: %v", err)
	}
	if result.Reply != "hello" {
		t.Errorf("reply = %q", result.Reply)
	}
	if result.Degraded {
		t.Error("plain request should not be degraded")
	}
}

func TestUpstreamClient_RetriesOn429ThenSucceeds(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, completionResponse("recovered"))
	}))
	defer server.Close()

	client, delays := newTestClient(server.URL)
	result, err := client.SendConversation(context.Background(), userTurns("hi"))
	if err != nil {
		t.Fatalf("SendConversation failed: %v", err)
	}
	if result.Reply != "recovered" {
		t.Errorf("reply = %q", result.Reply)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if len(*delays) != 1 || (*delays)[0] != 3*time.Second {
		t.Errorf("expected one 3s delay from Retry-After, got %v", *delays)
	}
}

func TestUpstreamClient_RetryAfterCapped(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, completionResponse("ok"))
	}))
	defer server.Close()

	client, delays := newTestClient(server.URL)
	if _, err := client.SendConversation(context.Background(), userTurns("hi")); err != nil {
		t.Fatalf("SendConversation failed: %v", err)
	}
	if len(*delays) != 1 || (*delays)[0] != 8*time.Second {
		t.Errorf("Retry-After should be capped at 8s, got %v", *delays)
	}
}

func TestUpstreamClient_ExponentialBackoffWithoutHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, delays := newTestClient(server.URL)
	_, err := client.SendConversation(context.Background(), userTurns("hi"))

	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter != defaultWaitHintOnFail {
		t.Errorf("wait hint = %d, want %d", rl.RetryAfter, defaultWaitHintOnFail)
	}

	// Two retries: roughly 1.2*2^0 = 1.2s, then 1.2*2^1 = 2.4s.
	want := []time.Duration{1200 * time.Millisecond, 2400 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), *delays)
	}
	for i, d := range want {
		got := (*delays)[i]
		if got < d-time.Millisecond || got > d+time.Millisecond {
			t.Errorf("delay %d = %v, want about %v", i, got, d)
		}
	}
}

func TestUpstreamClient_BackoffNeverExceedsCap(t *testing.T) {
	// 1.2*2^attempt grows past the cap from attempt 3 on (9.6s, 19.2s, ...);
	// every later attempt must wait exactly the cap, same as a capped
	// Retry-After header.
	ceiling := maxRetryAfterSeconds * time.Second
	for attempt := 0; attempt <= 6; attempt++ {
		if got := backoffDelay(attempt, 0); got > ceiling {
			t.Errorf("backoffDelay(%d, 0) = %v, must not exceed %v", attempt, got, ceiling)
		}
	}
	if got := backoffDelay(3, 0); got != ceiling {
		t.Errorf("backoffDelay(3, 0) = %v, want the %v cap", got, ceiling)
	}
	if got := backoffDelay(1, 0); got != 2400*time.Millisecond {
		t.Errorf("backoffDelay(1, 0) = %v, want 2.4s", got)
	}
}

func TestUpstreamClient_ExhaustionUsesLastRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "4")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	_, err := client.SendConversation(context.Background(), userTurns("hi"))

	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter != 4 {
		t.Errorf("wait hint should come from Retry-After, got %d", rl.RetryAfter)
	}
}

func TestUpstreamClient_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	_, err := client.SendConversation(context.Background(), userTurns("hi"))

	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rejected.Status != http.StatusInternalServerError {
		t.Errorf("status = %d", rejected.Status)
	}
	if calls != 1 {
		t.Errorf("non-429 errors must not retry, got %d calls", calls)
	}
}

func TestUpstreamClient_VisionFallback(t *testing.T) {
	var modelsSeen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		modelsSeen = append(modelsSeen, req.Model)

		if req.Model == "vision-model" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		fmt.Fprint(w, completionResponse("text answer"))
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	result, err := client.SendConversation(context.Background(), imageTurns("what is this?", "data:image/png;base64,abc"))
	if err != nil {
		t.Fatalf("SendConversation failed: %v", err)
	}
	if !result.Degraded {
		t.Error("fallback response should be marked degraded")
	}
	if result.Reply != "text answer" {
		t.Errorf("reply = %q", result.Reply)
	}
	if len(modelsSeen) != 2 || modelsSeen[0] != "vision-model" || modelsSeen[1] != "text-model" {
		t.Errorf("expected vision then text model, got %v", modelsSeen)
	}
}

func TestUpstreamClient_NoVisionFallbackOn429(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	_, err := client.SendConversation(context.Background(), imageTurns("what is this?", "data:image/png;base64,abc"))

	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("429 with images must stay a rate limit error, got %v", err)
	}
}

func TestUpstreamClient_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // immediately, so the port refuses connections

	client, _ := newTestClient(server.URL)
	_, err := client.SendConversation(context.Background(), userTurns("hi"))

	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected UnreachableError, got %v", err)
	}
}

func TestUpstreamClient_EmptyChoicesRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	client, _ := newTestClient(server.URL)
	_, err := client.SendConversation(context.Background(), userTurns("hi"))

	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError for empty choices, got %v", err)
	}
}

package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	openai "github.com/openai/openai-go/v2"

	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/chat"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/logging"
)

func newTestClient(budget time.Duration) *Client {
	return New("test-key", "gpt-4-turbo", 0.5, budget)
}

// apiErr builds an openai API error with enough fields populated for its
// Error() method to be printable.
func apiErr(status int) *openai.Error {
	return &openai.Error{
		StatusCode: status,
		Request: &http.Request{
			Method: http.MethodPost,
			URL:    &url.URL{Scheme: "https", Host: "api.openai.com", Path: "/v1/chat/completions"},
		},
		Response: &http.Response{StatusCode: status},
	}
}

// installClock replaces the time functions with a fake clock advanced by
// sleeping and returns the recorded sleep durations.
func installClock(t *testing.T) *[]time.Duration {
	t.Helper()
	var slept []time.Duration
	now := time.Unix(0, 0)
	origNow, origSleep := nowFn, sleepFn
	nowFn = func() time.Time { return now }
	sleepFn = func(d time.Duration) {
		slept = append(slept, d)
		now = now.Add(d)
	}
	t.Cleanup(func() { nowFn = origNow; sleepFn = origSleep })
	return &slept
}

func TestComplete_SucceedsAfterRetries(t *testing.T) {
	logging.Init()
	slept := installClock(t)

	attempts := 0
	orig := chatCompletionFn
	chatCompletionFn = func(ctx context.Context, client *openai.Client, params openai.ChatCompletionNewParams) (string, error) {
		attempts++
		if attempts < 3 {
			return "", apiErr(http.StatusTooManyRequests)
		}
		return "the answer", nil
	}
	defer func() { chatCompletionFn = orig }()

	c := newTestClient(60 * time.Second)
	got, err := c.Complete(context.Background(), []chat.Message{{Role: chat.RoleSystem, Text: "sys"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "the answer" {
		t.Fatalf("got %q", got)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	// Backoff doubles: 1s then 2s before the successful attempt.
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("slept = %v, want %v", *slept, want)
	}
}

func TestComplete_BudgetExhaustionReturnsFallback(t *testing.T) {
	logging.Init()
	slept := installClock(t)

	attempts := 0
	orig := chatCompletionFn
	chatCompletionFn = func(ctx context.Context, client *openai.Client, params openai.ChatCompletionNewParams) (string, error) {
		attempts++
		return "", apiErr(http.StatusInternalServerError)
	}
	defer func() { chatCompletionFn = orig }()

	c := newTestClient(60 * time.Second)
	got, err := c.Complete(context.Background(), []chat.Message{{Role: chat.RoleSystem, Text: "sys"}})
	if err != nil {
		t.Fatalf("exhaustion must not surface an error, got %v", err)
	}
	if got != FallbackReply {
		t.Fatalf("got %q, want fallback", got)
	}
	// 1+2+4+8+16+32 = 63s of backoff exceeds the 60s budget.
	var total time.Duration
	for _, d := range *slept {
		total += d
	}
	if total < 60*time.Second {
		t.Fatalf("total backoff %v, want >= budget", total)
	}
	if attempts < 2 {
		t.Fatalf("attempts = %d, want several", attempts)
	}
}

func TestComplete_NonRetriableFailsFast(t *testing.T) {
	logging.Init()
	slept := installClock(t)

	attempts := 0
	orig := chatCompletionFn
	chatCompletionFn = func(ctx context.Context, client *openai.Client, params openai.ChatCompletionNewParams) (string, error) {
		attempts++
		return "", apiErr(http.StatusBadRequest)
	}
	defer func() { chatCompletionFn = orig }()

	c := newTestClient(60 * time.Second)
	_, err := c.Complete(context.Background(), []chat.Message{{Role: chat.RoleUser, Text: "hi"}})
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (fail fast)", attempts)
	}
	if len(*slept) != 0 {
		t.Fatalf("slept %v, want no backoff", *slept)
	}
}

func TestRetriableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", apiErr(http.StatusTooManyRequests), true},
		{"timeout", apiErr(http.StatusRequestTimeout), true},
		{"upstream 500", apiErr(http.StatusInternalServerError), true},
		{"upstream 503", apiErr(http.StatusServiceUnavailable), true},
		{"bad request", apiErr(http.StatusBadRequest), false},
		{"unauthorized", apiErr(http.StatusUnauthorized), false},
		{"transport", errors.New("connection reset"), true},
		{"context canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retriable(tc.err); got != tc.want {
				t.Fatalf("retriable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestToParams_Roles(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleSystem, Text: "sys"},
		{Role: chat.RoleUser, Text: "question"},
		{Role: chat.RoleAssistant, Text: "answer"},
		{Role: chat.RoleUser, Text: "caption", ImageURL: "https://example.com/img.jpg"},
	}
	params := toParams(history)
	if len(params) != 4 {
		t.Fatalf("len = %d, want 4", len(params))
	}
	if params[0].OfSystem == nil {
		t.Fatal("first message should be system")
	}
	if params[1].OfUser == nil || params[2].OfAssistant == nil {
		t.Fatal("expected user then assistant")
	}
	img := params[3].OfUser
	if img == nil {
		t.Fatal("image message should be a user message")
	}
	parts := img.Content.OfArrayOfContentParts
	if len(parts) != 2 {
		t.Fatalf("image message has %d parts, want text+image", len(parts))
	}
	if parts[1].OfImageURL == nil || parts[1].OfImageURL.ImageURL.URL != "https://example.com/img.jpg" {
		t.Fatalf("image part missing or wrong URL: %+v", parts[1])
	}
}

func TestTranscribeDelegates(t *testing.T) {
	orig := transcriptionFn
	transcriptionFn = func(ctx context.Context, client *openai.Client, audio io.Reader) (string, error) {
		data, _ := io.ReadAll(audio)
		return "heard: " + string(data), nil
	}
	defer func() { transcriptionFn = orig }()

	c := newTestClient(time.Minute)
	got, err := c.Transcribe(context.Background(), strings.NewReader("audio"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "heard: audio" {
		t.Fatalf("got %q", got)
	}
}

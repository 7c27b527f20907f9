// Package llm wraps the OpenAI API: chat completions with a retry/backoff
// policy and audio transcription for voice messages.
package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/chat"
	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/logging"
)

// FallbackReply is sent to the user when the retry budget for a completion
// request is exhausted.
const FallbackReply = "Sorry, I could not get a response from the language model right now. Please try again in a bit."

// Test seams, swapped out in unit tests.
var (
	chatCompletionFn = func(ctx context.Context, client *openai.Client, params openai.ChatCompletionNewParams) (string, error) {
		resp, err := client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("completion returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	}
	transcriptionFn = func(ctx context.Context, client *openai.Client, audio io.Reader) (string, error) {
		resp, err := client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
			Model: openai.AudioModelWhisper1,
			File:  openai.File(audio, "voice.mp3", "audio/mpeg"),
		})
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}
	sleepFn = time.Sleep
	nowFn   = time.Now
)

// Client submits conversations to the OpenAI API.
type Client struct {
	oai          *openai.Client
	model        string
	temperature  float64
	retryBudget  time.Duration
	initialDelay time.Duration
}

// New creates a completion client for the given credentials and tunables.
func New(apiKey, model string, temperature float64, retryBudget time.Duration) *Client {
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{
		oai:          &oc,
		model:        model,
		temperature:  temperature,
		retryBudget:  retryBudget,
		initialDelay: time.Second,
	}
}

// Complete submits the conversation and returns the first choice's content.
//
// Transient failures (rate limits, 5xx, transport errors) are retried with a
// doubling backoff until the elapsed time exceeds the retry budget; when the
// budget runs out the aggregated causes are logged and FallbackReply is
// returned with a nil error so the user always gets an answer. Non-retriable
// failures such as malformed requests fail fast.
func (c *Client) Complete(ctx context.Context, history []chat.Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    toParams(history),
		Temperature: openai.Float(c.temperature),
		N:           openai.Int(1),
	}

	log := logging.Ctx(ctx)
	start := nowFn()
	delay := c.initialDelay
	var causes []error
	for attempt := 1; ; attempt++ {
		text, err := chatCompletionFn(ctx, c.oai, params)
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("completion succeeded after retry")
			}
			return text, nil
		}
		if !retriable(err) {
			log.Error().Err(err).Int("attempt", attempt).Msg("non-retriable completion error")
			return "", err
		}
		causes = append(causes, err)
		if elapsed := nowFn().Sub(start); elapsed >= c.retryBudget {
			log.Error().Err(errors.Join(causes...)).Int("attempts", attempt).Dur("elapsed", elapsed).Msg("completion retry budget exhausted")
			return FallbackReply, nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("transient completion error, retrying")
		sleepFn(delay)
		delay *= 2
	}
}

// Transcribe sends the audio payload to the transcription endpoint and
// returns the transcript text. The caller is responsible for enforcing the
// upstream size limit.
func (c *Client) Transcribe(ctx context.Context, audio io.Reader) (string, error) {
	return transcriptionFn(ctx, c.oai, audio)
}

// retriable classifies an error from the completion call. Rate limits,
// timeouts, upstream 5xx and plain transport errors are worth retrying;
// other API errors (malformed request, auth) are not, and neither is a
// canceled context.
func retriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return true
		case apierr.StatusCode == http.StatusRequestTimeout:
			return true
		case apierr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}
	// Transport-level failure without an API status.
	return true
}

func toParams(history []chat.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case chat.RoleSystem:
			out = append(out, openai.SystemMessage(m.Text))
		case chat.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Text))
		default:
			if m.ImageURL != "" {
				out = append(out, openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
					openai.TextContentPart(m.Text),
					openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: m.ImageURL}),
				}))
				continue
			}
			out = append(out, openai.UserMessage(m.Text))
		}
	}
	return out
}

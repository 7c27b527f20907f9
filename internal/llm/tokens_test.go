package llm

import (
	"errors"
	"testing"
	"time"

	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/chat"
)

// runeEncoder yields one token per rune, making counts predictable.
type runeEncoder struct{}

func (runeEncoder) Encode(text string, _, _ []string) []int {
	return make([]int, len([]rune(text)))
}

func TestCountTokens(t *testing.T) {
	orig := encodingForModel
	encodingForModel = func(model string) (encoder, error) { return runeEncoder{}, nil }
	defer func() { encodingForModel = orig }()

	c := New("k", "gpt-4-turbo", 0.5, time.Minute)
	history := []chat.Message{
		{Role: chat.RoleSystem, Text: "abcd"}, // 3 + 6 + 4
		{Role: chat.RoleUser, Text: "ab"},     // 3 + 4 + 2
	}
	got, err := c.CountTokens(history)
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	want := tokensReplyPrime + (tokensPerMessage + 6 + 4) + (tokensPerMessage + 4 + 2)
	if got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestCountTokensEncoderError(t *testing.T) {
	orig := encodingForModel
	encodingForModel = func(model string) (encoder, error) { return nil, errors.New("no encoding") }
	defer func() { encodingForModel = orig }()

	c := New("k", "unknown-model", 0.5, time.Minute)
	if _, err := c.CountTokens(nil); err == nil {
		t.Fatal("expected error")
	}
}

package llm

import (
	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/ogfirstofhisname/openai-telegram-chatbot/internal/chat"
)

// Per-message framing overhead of the chat format, plus the priming tokens
// for the assistant reply.
const (
	tokensPerMessage = 3
	tokensReplyPrime = 3
)

type encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

var encodingForModel = func(model string) (encoder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return tiktoken.GetEncoding("cl100k_base")
	}
	return enc, nil
}

// CountTokens estimates how many tokens the conversation will consume when
// submitted to the model. Used for context-window budgeting: the count is
// surfaced as a warning, never enforced as a hard limit.
func (c *Client) CountTokens(history []chat.Message) (int, error) {
	enc, err := encodingForModel(c.model)
	if err != nil {
		return 0, err
	}
	n := tokensReplyPrime
	for _, m := range history {
		n += tokensPerMessage
		n += len(enc.Encode(string(m.Role), nil, nil))
		n += len(enc.Encode(m.Text, nil, nil))
	}
	return n, nil
}

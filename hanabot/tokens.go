package hanabot

import (
	"github.com/sashabaranov/go-openai"
	"github.com/tiktoken-go/tokenizer"
)

const (
	// every message follows <im_start>{role/name}\n{content}<im_end>\n
	tokensPerMessage = 3
	tokensPerName    = 1
	// every reply is primed with <im_start>assistant
	tokensReplyPrimer = 3
	// flat cost charged for an image part at low detail
	tokensPerImage = 85
)

// tokenCounter estimates the prompt size of a chat completion request
type tokenCounter struct {
	codec tokenizer.Codec
}

func newTokenCounter(model string) *tokenCounter {
	enc, err := tokenizer.ForModel(tokenizer.Model(model))
	if err != nil {
		enc, _ = tokenizer.Get(tokenizer.Cl100kBase)
	}
	return &tokenCounter{codec: enc}
}

func (c *tokenCounter) countText(s string) int {
	if s == "" {
		return 0
	}
	ids, _, _ := c.codec.Encode(s)
	return len(ids)
}

func (c *tokenCounter) countMessage(message openai.ChatCompletionMessage) int {
	tokens := tokensPerMessage + c.countText(message.Role) + c.countText(message.Content)
	for _, part := range message.MultiContent {
		switch part.Type {
		case openai.ChatMessagePartTypeText:
			tokens += c.countText(part.Text)
		case openai.ChatMessagePartTypeImageURL:
			tokens += tokensPerImage
		}
	}
	if message.Name != "" {
		tokens += tokensPerName
	}
	return tokens
}

func (c *tokenCounter) count(messages []openai.ChatCompletionMessage) int {
	tokens := tokensReplyPrimer
	for _, message := range messages {
		tokens += c.countMessage(message)
	}
	return tokens
}

// fitHistory drops the oldest history messages until the request built
// from pre + history + post fits within budget. The result is a suffix
// of history, and may be empty.
func (c *tokenCounter) fitHistory(
	pre []openai.ChatCompletionMessage,
	history []openai.ChatCompletionMessage,
	post []openai.ChatCompletionMessage,
	budget int,
) []openai.ChatCompletionMessage {
	fixed := tokensReplyPrimer
	for _, m := range pre {
		fixed += c.countMessage(m)
	}
	for _, m := range post {
		fixed += c.countMessage(m)
	}

	sizes := make([]int, len(history))
	total := fixed
	for i, m := range history {
		sizes[i] = c.countMessage(m)
		total += sizes[i]
	}

	start := 0
	for total > budget && start < len(history) {
		total -= sizes[start]
		start++
	}
	return history[start:]
}

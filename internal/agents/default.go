package agents

import (
	"context"

	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/llm"
)

const defaultPrompt = `You are Nergal, a helpful personal assistant in a Telegram chat.
Answer concisely and in the language of the user.
When search results or the output of other steps are provided, base the
answer on them and mention the sources you used. If they do not contain
the answer, say so instead of guessing.`

// Default answers any message and writes the final reply of a plan.
type Default struct {
	base
}

func NewDefault(p llm.Provider) *Default {
	return &Default{base{kind: dialog.AgentDefault, llm: p}}
}

func (a *Default) CanHandle(ctx context.Context, message string, c *dialog.Context) float64 {
	return 0.1
}

func (a *Default) Process(ctx context.Context, message string, c *dialog.Context, history []llm.Message) (*dialog.AgentResult, error) {
	system := defaultPrompt
	if c != nil {
		if ub := userBlock(c.Memory); ub != "" {
			system += "\n\n" + ub
		}
	}

	resp, err := a.generate(ctx, conversation(system, c, history, message))
	if err != nil {
		return nil, err
	}

	confidence := 0.7
	if c.String(KeySearchResults) != "" {
		confidence = 0.9
	}
	return a.answer(resp, confidence, nil), nil
}

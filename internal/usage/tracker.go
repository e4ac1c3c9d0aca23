package usage

import (
	"context"
	"strings"
	"sync"

	"llmgate/internal/storage"
)

// Tracker accumulates one streamed response and bills it exactly once when
// the stream ends, whether it finished cleanly or broke mid-way.
type Tracker struct {
	acc *Accounting

	userID       string
	modelID      int64
	modelName    string
	agent        string
	promptTokens int64

	mu   sync.Mutex
	buf  strings.Builder
	done bool
}

// StartTracker estimates the prompt cost up front and returns a tracker for
// the response stream.
func (a *Accounting) StartTracker(userID string, modelID int64, modelName, agent, prompt string) *Tracker {
	return &Tracker{
		acc:          a,
		userID:       userID,
		modelID:      modelID,
		modelName:    modelName,
		agent:        agent,
		promptTokens: int64(a.est.Estimate(prompt, modelName)),
	}
}

// AddChunk appends a streamed fragment. Chunks after Finish are ignored.
func (t *Tracker) AddChunk(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.buf.WriteString(text)
}

// Finish writes the ledger entry for whatever accumulated so far. Only the
// first call bills; later calls are no-ops.
func (t *Tracker) Finish(ctx context.Context, success bool) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	text := t.buf.String()
	t.mu.Unlock()

	completion := int64(t.acc.est.Estimate(text, t.modelName))
	t.acc.Record(ctx, storage.UsageEntry{
		UserID:           t.userID,
		ModelID:          t.modelID,
		Agent:            t.agent,
		PromptTokens:     t.promptTokens,
		CompletionTokens: completion,
		Success:          success,
	})
}

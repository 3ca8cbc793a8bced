// Package compose turns conversation history into the next outbound
// message. Drafting goes through a pluggable model backend; backend
// failures degrade to the campaign's fallback text instead of erroring.
package compose

import (
	"context"
	"log"
	"strings"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Backend is one model provider. Messages are oldest first.
type Backend interface {
	Complete(ctx context.Context, system string, history []domain.Message) (string, error)
}

// Result is a drafting outcome. Empty Text means skip this turn.
type Result struct {
	Text     string
	Fallback bool
}

// Composer drafts replies and follow-ups for campaigns.
type Composer struct {
	backend Backend
}

// New creates a composer over the given backend.
func New(backend Backend) *Composer {
	return &Composer{backend: backend}
}

// Draft produces the next reply for the conversation. It never returns an
// error: backend failures yield the campaign fallback text when enabled,
// otherwise an empty result.
func (c *Composer) Draft(ctx context.Context, camp *domain.Campaign, history []domain.Message) Result {
	return c.draft(ctx, camp, camp.Prompt, history)
}

// DraftFollowUp produces the quiet-thread nudge. The campaign's follow-up
// prompt is appended to the system prompt; ReminderText is the fallback.
func (c *Composer) DraftFollowUp(ctx context.Context, camp *domain.Campaign, history []domain.Message) Result {
	system := camp.Prompt
	if p := strings.TrimSpace(camp.FollowUp.Prompt); p != "" {
		system = system + "\n\n" + p
	}
	res := c.draft(ctx, camp, system, history)
	if res.Text == "" && camp.FollowUp.ReminderText != "" {
		return Result{Text: camp.FollowUp.ReminderText, Fallback: true}
	}
	return res
}

func (c *Composer) draft(ctx context.Context, camp *domain.Campaign, system string, history []domain.Message) Result {
	history = trimHistory(history, camp.EffectiveHistoryLimit())

	text, err := c.backend.Complete(ctx, system, history)
	if err != nil {
		log.Printf("[Composer] backend failed for campaign %s: %v", camp.ID, err)
		text = ""
	}
	text = strings.TrimSpace(text)
	if text != "" {
		return Result{Text: text}
	}
	if camp.FallbackEnabled && camp.FallbackText != "" {
		return Result{Text: camp.FallbackText, Fallback: true}
	}
	return Result{}
}

// trimHistory keeps the newest limit messages.
func trimHistory(history []domain.Message, limit int) []domain.Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

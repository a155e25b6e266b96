package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/helpline/internal/ledger"
)

const (
	recallSessionLimit = 5
	recallTurnLimit    = 50
)

// Recall answers "what did we talk about before" from the session ledger.
type Recall struct {
	store *ledger.Store
}

func NewRecall(store *ledger.Store) *Recall {
	return &Recall{store: store}
}

// History returns a plain-text digest of the user's recent sessions,
// newest first, excluding the session currently in progress.
func (r *Recall) History(ctx context.Context, userID, currentSessionID string) (string, error) {
	sums, err := r.store.ListSessions(ctx, userID, recallSessionLimit+1)
	if err != nil {
		return "", fmt.Errorf("list sessions: %w", err)
	}

	var b strings.Builder
	turns := 0
	sessions := 0
	for _, sum := range sums {
		if sum.SessionID == currentSessionID {
			continue
		}
		if sessions == recallSessionLimit || turns >= recallTurnLimit {
			break
		}
		row, err := r.store.GetSession(ctx, userID, sum.SessionID)
		if err != nil {
			return "", fmt.Errorf("load session %s: %w", sum.SessionID, err)
		}
		sessions++
		fmt.Fprintf(&b, "Session on %s (%d turns):\n", row.LastUpdatedAt.Format("2006-01-02"), len(row.Turns))
		for _, turn := range row.Turns {
			if turns >= recallTurnLimit {
				break
			}
			turns++
			if turn.UserInput != "" {
				fmt.Fprintf(&b, "  user: %s\n", turn.UserInput)
			}
			if turn.AgentOutput != "" {
				fmt.Fprintf(&b, "  assistant: %s\n", turn.AgentOutput)
			}
		}
		b.WriteString("\n")
	}

	if sessions == 0 {
		return "No previous conversations on record.", nil
	}
	return strings.TrimSpace(b.String()), nil
}

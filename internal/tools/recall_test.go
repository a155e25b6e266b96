package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/helpline/internal/ledger"
)

func openRecallStore(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "helpline.db"), 0)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func recallTurn(user, agent string) ledger.TurnRecord {
	return ledger.TurnRecord{TurnID: "t", UserInput: user, AgentOutput: agent, Source: "text", CommittedAt: time.Now().UTC()}
}

func TestRecall_History(t *testing.T) {
	store := openRecallStore(t)
	ctx := context.Background()

	if _, err := store.InsertRow(ctx, "u1", "old-session", recallTurn("how do I reset my vpn", "open the portal and click reset")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.AppendTurn(ctx, "u1", "old-session", recallTurn("thanks", "any time")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.InsertRow(ctx, "u1", "current", recallTurn("what did we discuss before", "")); err != nil {
		t.Fatalf("insert current: %v", err)
	}

	r := NewRecall(store)
	digest, err := r.History(ctx, "u1", "current")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(digest, "reset my vpn") || !strings.Contains(digest, "click reset") {
		t.Fatalf("digest missing prior turns: %q", digest)
	}
	if strings.Contains(digest, "what did we discuss before") {
		t.Fatalf("digest leaked current session: %q", digest)
	}
}

func TestRecall_NoHistory(t *testing.T) {
	store := openRecallStore(t)
	r := NewRecall(store)

	digest, err := r.History(context.Background(), "stranger", "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if digest != "No previous conversations on record." {
		t.Fatalf("unexpected digest: %q", digest)
	}
}

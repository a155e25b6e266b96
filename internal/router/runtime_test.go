package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/helpline/internal/bus"
	"github.com/basket/helpline/internal/ledger"
	"github.com/basket/helpline/internal/turn"
)

type fixedRecognizer struct {
	text string
	err  error
}

func (f fixedRecognizer) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	return f.text, f.err
}

func newSessionFixture(t *testing.T, key turn.Key, recognizer fixedRecognizer) (*Session, *ledger.Store) {
	t.Helper()

	store, err := ledger.Open(filepath.Join(t.TempDir(), "helpline.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r := newFallbackRouter(t)
	acc := turn.NewAccumulator(1 << 20)
	committer := turn.NewCommitter(store, recognizer, bus.New(), nil, 3)

	s := NewSession(context.Background(), key, r, acc, committer, recognizer, nil)
	t.Cleanup(s.Close)
	return s, store
}

func waitForTurns(t *testing.T, store *ledger.Store, key turn.Key, want int) []ledger.TurnRecord {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		row, err := store.GetSession(context.Background(), key.UserID, key.SessionID)
		if err == nil && len(row.Turns) >= want {
			return row.Turns
		}
		if err != nil && !errors.Is(err, ledger.ErrSessionNotFound) {
			t.Fatalf("get session: %v", err)
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d committed turns", want)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSessionTextTurnCommits(t *testing.T) {
	key := turn.Key{UserID: "alice", SessionID: "sess-1"}
	s, store := newSessionFixture(t, key, fixedRecognizer{})

	if !s.HandleText("what is the vacation policy?") {
		t.Fatal("HandleText rejected input on a live session")
	}

	sawText := false
	for ev := range s.Events() {
		if ev.Text != "" {
			sawText = true
		}
		if ev.TurnComplete {
			break
		}
	}
	if !sawText {
		t.Fatal("no text event before turn completion")
	}

	turns := waitForTurns(t, store, key, 1)
	if turns[0].UserInput != "what is the vacation policy?" {
		t.Fatalf("unexpected user input: %q", turns[0].UserInput)
	}
	if turns[0].AgentOutput == "" {
		t.Fatal("committed turn has no agent output")
	}
	if turns[0].Source != "text" {
		t.Fatalf("unexpected source: %q", turns[0].Source)
	}
}

func TestSessionBlankTextIsIgnored(t *testing.T) {
	key := turn.Key{UserID: "bob", SessionID: "sess-1"}
	s, _ := newSessionFixture(t, key, fixedRecognizer{})

	if !s.HandleText("   ") {
		t.Fatal("blank input should be accepted as a no-op")
	}
	select {
	case ev, ok := <-s.Events():
		if ok {
			t.Fatalf("blank input produced event %+v", ev)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionAudioUtteranceBecomesTurn(t *testing.T) {
	key := turn.Key{UserID: "carol", SessionID: "sess-1"}
	s, store := newSessionFixture(t, key, fixedRecognizer{text: "my vpn is down"})

	// Two chunks of one utterance; the flush timer joins them.
	s.HandleAudio(make([]byte, 320))
	s.HandleAudio(make([]byte, 320))

	turns := waitForTurns(t, store, key, 1)
	if turns[0].UserInput != "my vpn is down" {
		t.Fatalf("unexpected transcript: %q", turns[0].UserInput)
	}
}

func TestSessionAudioTranscriptionFailureIsDropped(t *testing.T) {
	key := turn.Key{UserID: "dave", SessionID: "sess-1"}
	s, store := newSessionFixture(t, key, fixedRecognizer{err: errors.New("recognizer offline")})

	s.HandleAudio(make([]byte, 320))
	time.Sleep(audioFlushAfter + 500*time.Millisecond)

	if _, err := store.GetSession(context.Background(), key.UserID, key.SessionID); !errors.Is(err, ledger.ErrSessionNotFound) {
		t.Fatalf("failed utterance should not create a session, got %v", err)
	}
}

func TestSessionCloseDiscardsInFlightTurn(t *testing.T) {
	key := turn.Key{UserID: "frank", SessionID: "sess-1"}
	s, store := newSessionFixture(t, key, fixedRecognizer{})

	// A half-streamed reply that never reached a turn boundary.
	s.acc.SetUserInput(key, "what is the overtime policy?")
	s.acc.AddText(key, "Overtime is paid at")

	s.Close()

	if _, err := store.GetSession(context.Background(), key.UserID, key.SessionID); !errors.Is(err, ledger.ErrSessionNotFound) {
		t.Fatalf("disconnect must not persist a partial turn, got %v", err)
	}
	if s.acc.Active() != 0 {
		t.Fatalf("buffer not dropped on close, %d active", s.acc.Active())
	}
}

func TestSessionCloseStopsInput(t *testing.T) {
	key := turn.Key{UserID: "erin", SessionID: "sess-1"}
	s, _ := newSessionFixture(t, key, fixedRecognizer{})

	s.Close()
	if s.HandleText("too late") {
		t.Fatal("HandleText should reject input after Close")
	}
	if _, ok := <-s.Events(); ok {
		// Drain until closed; the channel must end.
		for range s.Events() {
		}
	}
}

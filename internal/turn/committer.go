package turn

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/helpline/internal/bus"
	"github.com/basket/helpline/internal/ledger"
	"github.com/basket/helpline/internal/shared"
	"github.com/basket/helpline/internal/transcribe"
	"github.com/google/uuid"
)

const lockStripes = 64

// Committer turns snapshots into durable ledger rows. Commits for the
// same session are serialized; distinct sessions proceed in parallel.
type Committer struct {
	store       *ledger.Store
	resolver    *Resolver
	recognizer  transcribe.Recognizer
	eventBus    *bus.Bus
	logger      *slog.Logger
	maxAttempts int
	locks       [lockStripes]sync.Mutex
	now         func() time.Time
}

func NewCommitter(store *ledger.Store, recognizer transcribe.Recognizer, eventBus *bus.Bus, logger *slog.Logger, maxAttempts int) *Committer {
	if logger == nil {
		logger = slog.Default()
	}
	if recognizer == nil {
		recognizer = transcribe.Disabled{}
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Committer{
		store:       store,
		resolver:    NewResolver(store),
		recognizer:  recognizer,
		eventBus:    eventBus,
		logger:      logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (c *Committer) lock(key Key) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key.UserID))
	h.Write([]byte{0})
	h.Write([]byte(key.SessionID))
	return &c.locks[h.Sum32()%lockStripes]
}

// Commit writes exactly one ledger row for the snapshot. Empty snapshots
// are a no-op: the accumulator already drained this boundary, so a
// duplicate signal has nothing left to write.
func (c *Committer) Commit(ctx context.Context, snap Snapshot) error {
	if snap.Empty() {
		return nil
	}

	mu := c.lock(snap.Key)
	mu.Lock()
	defer mu.Unlock()

	content, source, transcribed := c.resolveContent(ctx, snap)

	record := ledger.TurnRecord{
		TurnID:      uuid.NewString(),
		UserInput:   snap.UserInput,
		AgentOutput: content,
		Source:      source,
		CommittedAt: c.now().UTC(),
	}

	logger := c.logger.With(
		"user_id", snap.Key.UserID,
		"session_id", snap.Key.SessionID,
		"turn_id", record.TurnID,
		"trace_id", shared.TraceID(ctx),
	)

	newSession, err := c.write(ctx, snap.Key, record)
	if err != nil {
		logger.Error("turn commit failed", "error", err)
		c.publish(bus.TopicTurnCommitFailed, bus.TurnCommitFailedEvent{
			UserID:    snap.Key.UserID,
			SessionID: snap.Key.SessionID,
			Reason:    shared.Redact(err.Error()),
		})
		return err
	}

	logger.Info("turn committed",
		"source", source,
		"fragments", snap.Fragments,
		"new_session", newSession,
		"interrupted", snap.Interrupted,
		"truncated", snap.Truncated,
	)
	c.publish(bus.TopicTurnCommitted, bus.TurnCommittedEvent{
		UserID:      snap.Key.UserID,
		SessionID:   snap.Key.SessionID,
		TurnID:      record.TurnID,
		NewSession:  newSession,
		Transcribed: transcribed,
	})
	return nil
}

// resolveContent picks the turn's stored output. Text wins when both
// modalities were buffered; audio-only turns go through the recognizer.
// A failed or empty transcription degrades to empty content, never to a
// failed commit.
func (c *Committer) resolveContent(ctx context.Context, snap Snapshot) (content, source string, transcribed bool) {
	if snap.Text != "" {
		return snap.Text, "text", false
	}
	if len(snap.Audio) == 0 {
		return "", "text", false
	}

	text, err := c.recognizer.Transcribe(ctx, snap.Audio)
	if err != nil {
		c.logger.Warn("transcription failed, committing empty turn",
			"user_id", snap.Key.UserID,
			"session_id", snap.Key.SessionID,
			"audio_bytes", len(snap.Audio),
			"error", shared.Redact(err.Error()),
		)
	}
	c.publish(bus.TopicTurnTranscribed, bus.TurnTranscribedEvent{
		UserID:    snap.Key.UserID,
		SessionID: snap.Key.SessionID,
		Bytes:     len(snap.Audio),
		Empty:     text == "",
	})
	return text, "audio", true
}

// write resolves the session and performs the single durable write,
// retrying the resolve-then-write pair when a concurrent first turn
// changes the row set underneath it.
func (c *Committer) write(ctx context.Context, key Key, record ledger.TurnRecord) (newSession bool, err error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resolution, err := c.resolver.Resolve(ctx, key)
		if err != nil {
			return false, err
		}

		if resolution == SessionNew {
			inserted, err := c.store.InsertRow(ctx, key.UserID, key.SessionID, record)
			if err != nil {
				return false, err
			}
			if inserted {
				return true, nil
			}
			// Lost the first-turn race; the row now exists, append on
			// the next attempt.
			lastErr = fmt.Errorf("insert race for %s/%s: %w", key.UserID, key.SessionID, ledger.ErrCommitConflict)
			continue
		}

		err = c.store.AppendTurn(ctx, key.UserID, key.SessionID, record)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, ledger.ErrCommitConflict) {
			return false, err
		}
		lastErr = err
	}
	return false, fmt.Errorf("commit conflict persisted after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Committer) publish(topic string, payload interface{}) {
	if c.eventBus != nil {
		c.eventBus.Publish(topic, payload)
	}
}

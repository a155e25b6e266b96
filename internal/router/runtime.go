package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/helpline/internal/shared"
	"github.com/basket/helpline/internal/transcribe"
	"github.com/basket/helpline/internal/turn"
)

// audioFlushAfter is how long after the last audio chunk an utterance is
// considered finished and handed to the recognizer.
const audioFlushAfter = 800 * time.Millisecond

var errInterrupted = errors.New("reply interrupted by new input")

// Event is one item on a live session's outbound stream.
type Event struct {
	Text         string `json:"text,omitempty"`
	TurnComplete bool   `json:"turn_complete,omitempty"`
	Interrupted  bool   `json:"interrupted,omitempty"`
}

// Session runs one live conversation: it queues user inputs, streams model
// replies as events, and commits each finished turn to the ledger.
type Session struct {
	key        turn.Key
	router     *Router
	acc        *turn.Accumulator
	committer  *turn.Committer
	recognizer transcribe.Recognizer
	logger     *slog.Logger

	requests chan string
	events   chan Event

	audioMu    sync.Mutex
	audioBuf   []byte
	flushTimer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

func NewSession(ctx context.Context, key turn.Key, router *Router, acc *turn.Accumulator, committer *turn.Committer, recognizer transcribe.Recognizer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if recognizer == nil {
		recognizer = transcribe.Disabled{}
	}
	ctx = shared.WithUserID(ctx, key.UserID)
	ctx = shared.WithSessionID(ctx, key.SessionID)
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		key:        key,
		router:     router,
		acc:        acc,
		committer:  committer,
		recognizer: recognizer,
		logger:     logger.With("user_id", key.UserID, "session_id", key.SessionID),
		requests:   make(chan string, 8),
		events:     make(chan Event, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.run()
	return s
}

// Events is the outbound stream for the client pump. It is closed when the
// session ends.
func (s *Session) Events() <-chan Event { return s.events }

// HandleText queues one user text input. Returns false when the session is
// closed or the queue is full.
func (s *Session) HandleText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.requests <- text:
		return true
	case <-s.ctx.Done():
		return false
	default:
		s.logger.Warn("input queue full; dropping text frame")
		return false
	}
}

// HandleAudio buffers one chunk of inbound LINEAR16 audio. The utterance is
// transcribed and queued as text once the chunks stop arriving.
func (s *Session) HandleAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	s.audioBuf = append(s.audioBuf, pcm...)
	if s.flushTimer == nil {
		s.flushTimer = time.AfterFunc(audioFlushAfter, s.flushAudio)
	} else {
		s.flushTimer.Reset(audioFlushAfter)
	}
}

func (s *Session) flushAudio() {
	s.audioMu.Lock()
	pcm := s.audioBuf
	s.audioBuf = nil
	s.audioMu.Unlock()
	if len(pcm) == 0 {
		return
	}

	text, err := s.recognizer.Transcribe(s.ctx, pcm)
	if err != nil {
		s.logger.Warn("utterance transcription failed", "error", shared.Redact(err.Error()), "bytes", len(pcm))
		return
	}
	if text == "" {
		s.logger.Debug("utterance transcribed empty", "bytes", len(pcm))
		return
	}
	s.HandleText(text)
}

// Close stops the session. An in-flight turn that never reached a boundary
// is discarded, never persisted half-streamed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.audioMu.Lock()
		if s.flushTimer != nil {
			s.flushTimer.Stop()
		}
		s.audioMu.Unlock()
		s.cancel()
	})
	<-s.done
}

func (s *Session) run() {
	defer close(s.done)
	defer close(s.events)

	for {
		select {
		case <-s.ctx.Done():
			// Only interruption boundaries commit partial turns; a plain
			// disconnect discards whatever was in flight.
			s.acc.Drop(s.key)
			return
		case text := <-s.requests:
			s.handleTurn(text)
		}
	}
}

func (s *Session) handleTurn(text string) {
	s.acc.SetUserInput(s.key, text)

	err := s.router.Stream(s.ctx, s.key, text, func(chunk string) error {
		// A queued request interrupts the reply in flight.
		if len(s.requests) > 0 {
			return errInterrupted
		}
		s.acc.AddText(s.key, chunk)
		s.emit(Event{Text: chunk})
		return nil
	})

	switch {
	case errors.Is(err, errInterrupted):
		s.commitPartial(true)
		s.emit(Event{Interrupted: true})
		return
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		s.logger.Error("reply generation failed", "error", shared.Redact(err.Error()))
		s.acc.AddText(s.key, "Sorry, something went wrong answering that. Please try again.")
		s.emit(Event{Text: "Sorry, something went wrong answering that. Please try again."})
	}

	s.commitPartial(false)
	s.emit(Event{TurnComplete: true})
}

// commitPartial drains whatever the turn accumulated and commits it. The
// committer treats an empty snapshot as a no-op, so calling this on a clean
// boundary is safe.
func (s *Session) commitPartial(interrupted bool) {
	snap := s.acc.TakeTurn(s.key, interrupted)
	if snap.Empty() {
		return
	}
	// Commit with a fresh context: session shutdown must not abort the write.
	ctx := shared.WithUserID(context.Background(), s.key.UserID)
	ctx = shared.WithSessionID(ctx, s.key.SessionID)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.committer.Commit(ctx, snap); err != nil {
		s.logger.Error("turn commit failed", "error", shared.Redact(err.Error()), "interrupted", interrupted)
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

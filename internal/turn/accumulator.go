// Package turn buffers streamed response fragments per session and
// commits exactly one ledger row per completed turn.
package turn

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// Key identifies one live conversation.
type Key struct {
	UserID    string
	SessionID string
}

// Snapshot is the drained content of one turn. A zero-fragment snapshot
// means the boundary arrived with nothing buffered and must be a no-op.
type Snapshot struct {
	Key         Key
	UserInput   string
	Text        string
	Audio       []byte
	Fragments   int
	Interrupted bool
	Truncated   bool
}

// Empty reports whether the snapshot carries no committable content.
func (s Snapshot) Empty() bool {
	return s.Fragments == 0 && s.Text == "" && len(s.Audio) == 0
}

type buffer struct {
	userInput    string
	text         strings.Builder
	audio        bytes.Buffer
	fragments    int
	truncated    bool
	lastActivity time.Time
}

func (b *buffer) size() int {
	return b.text.Len() + b.audio.Len()
}

// Accumulator holds in-flight turn buffers keyed by (user_id, session_id).
// Distinct sessions never share a buffer, so interleaved streams from
// concurrent connections cannot contaminate each other.
type Accumulator struct {
	mu           sync.Mutex
	buffers      map[Key]*buffer
	maxTurnBytes int
	now          func() time.Time
}

func NewAccumulator(maxTurnBytes int) *Accumulator {
	return &Accumulator{
		buffers:      make(map[Key]*buffer),
		maxTurnBytes: maxTurnBytes,
		now:          time.Now,
	}
}

func (a *Accumulator) get(key Key) *buffer {
	b, ok := a.buffers[key]
	if !ok {
		b = &buffer{}
		a.buffers[key] = b
	}
	b.lastActivity = a.now()
	return b
}

// SetUserInput records the user's text for the turn in progress. A later
// call within the same turn replaces the earlier one.
func (a *Accumulator) SetUserInput(key Key, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.get(key).userInput = text
}

// AddText appends a streamed text fragment to the session's buffer.
func (a *Accumulator) AddText(key Key, fragment string) {
	if fragment == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.get(key)
	// Once the cap trips, the rest of the turn is dropped too; keeping later
	// fragments would leave a silent hole in the committed text.
	if b.truncated {
		return
	}
	if a.maxTurnBytes > 0 && b.size()+len(fragment) > a.maxTurnBytes {
		b.truncated = true
		return
	}
	b.text.WriteString(fragment)
	b.fragments++
}

// AddAudio appends streamed PCM bytes to the session's buffer.
func (a *Accumulator) AddAudio(key Key, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.get(key)
	if b.truncated {
		return
	}
	if a.maxTurnBytes > 0 && b.size()+len(pcm) > a.maxTurnBytes {
		b.truncated = true
		return
	}
	b.audio.Write(pcm)
	b.fragments++
}

// TakeTurn atomically drains the session's buffer at a turn boundary.
// The buffer entry is removed, so a duplicate boundary signal yields an
// empty snapshot and the turn cannot be committed twice.
func (a *Accumulator) TakeTurn(key Key, interrupted bool) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buffers[key]
	if !ok {
		return Snapshot{Key: key, Interrupted: interrupted}
	}
	delete(a.buffers, key)

	return Snapshot{
		Key:         key,
		UserInput:   b.userInput,
		Text:        b.text.String(),
		Audio:       b.audio.Bytes(),
		Fragments:   b.fragments,
		Interrupted: interrupted,
		Truncated:   b.truncated,
	}
}

// Drop discards the session's buffer without producing a snapshot.
func (a *Accumulator) Drop(key Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, key)
}

// SweepIdle removes buffers untouched for longer than ttl and returns
// their keys. Disconnected sessions that never saw a boundary signal are
// reclaimed here.
func (a *Accumulator) SweepIdle(ttl time.Duration) []Key {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-ttl)
	var swept []Key
	for key, b := range a.buffers {
		if b.lastActivity.Before(cutoff) {
			delete(a.buffers, key)
			swept = append(swept, key)
		}
	}
	return swept
}

// Active returns the number of sessions with buffered content.
func (a *Accumulator) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

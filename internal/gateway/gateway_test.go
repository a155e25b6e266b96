package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/helpline/internal/bus"
	"github.com/basket/helpline/internal/config"
	"github.com/basket/helpline/internal/ledger"
	"github.com/basket/helpline/internal/router"
	"github.com/basket/helpline/internal/transcribe"
	"github.com/basket/helpline/internal/turn"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func testServer(t *testing.T, authToken string) (*Server, *ledger.Store, *bus.Bus) {
	t.Helper()
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	store, err := ledger.Open(filepath.Join(t.TempDir(), "helpline.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eventBus := bus.New()
	cfg := config.Config{
		LLM:    config.LLMConfig{Provider: "google", Model: "gemini-2.5-flash"},
		Agents: config.StarterAgents(),
	}
	rt := router.New(context.Background(), cfg, router.Deps{Store: store}, nil)

	srv := New(Config{
		Store:             store,
		Bus:               eventBus,
		Router:            rt,
		Accumulator:       turn.NewAccumulator(1 << 20),
		Committer:         turn.NewCommitter(store, transcribe.Disabled{}, eventBus, nil, 3),
		Recognizer:        transcribe.Disabled{},
		AuthToken:         authToken,
		ConfigFingerprint: "cfg-test",
	})
	return srv, store, eventBus
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	return conn
}

func TestWebSocketTextTurnRoundTrip(t *testing.T) {
	srv, store, _ := testServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "/ws/alice")
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// First frame announces the session.
	var hello outboundFrame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read session frame: %v", err)
	}
	if hello.SessionID == "" {
		t.Fatal("expected session_id in first frame")
	}

	if err := wsjson.Write(ctx, conn, inboundFrame{MimeType: mimeText, Data: "hello there"}); err != nil {
		t.Fatalf("write text frame: %v", err)
	}

	sawText := false
	for {
		var frame outboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Data != "" {
			sawText = true
		}
		if frame.TurnComplete {
			break
		}
	}
	if !sawText {
		t.Fatal("no reply text before turn_complete")
	}

	// The turn lands in the ledger shortly after the boundary.
	deadline := time.After(5 * time.Second)
	for {
		row, err := store.GetSession(context.Background(), "alice", hello.SessionID)
		if err == nil && len(row.Turns) == 1 {
			if row.Turns[0].UserInput != "hello there" {
				t.Fatalf("unexpected user input: %q", row.Turns[0].UserInput)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("turn never committed")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWebSocketResumesLatestSession(t *testing.T) {
	srv, store, _ := testServer(t, "")

	record := ledger.TurnRecord{TurnID: "t1", UserInput: "hi", AgentOutput: "hello", Source: "text", CommittedAt: time.Now().UTC()}
	if _, err := store.InsertRow(context.Background(), "bob", "sess-old", record); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "/ws/bob")
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var hello outboundFrame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read session frame: %v", err)
	}
	if hello.SessionID != "sess-old" {
		t.Fatalf("expected resumed session sess-old, got %q", hello.SessionID)
	}
}

func TestWebSocketExplicitSessionWins(t *testing.T) {
	srv, _, _ := testServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "/ws/carol?session_id=chosen")
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var hello outboundFrame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read session frame: %v", err)
	}
	if hello.SessionID != "chosen" {
		t.Fatalf("expected chosen session, got %q", hello.SessionID)
	}
}

func TestWebSocketRejectsBadAudioEncoding(t *testing.T) {
	srv, _, _ := testServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "/ws/dave")
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var hello outboundFrame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read session frame: %v", err)
	}

	if err := wsjson.Write(ctx, conn, inboundFrame{MimeType: mimeAudio, Data: "not base64!!"}); err != nil {
		t.Fatalf("write audio frame: %v", err)
	}
	var frame outboundFrame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if frame.Error == "" {
		t.Fatalf("expected error frame, got %+v", frame)
	}
}

func TestWebSocketClosesOnUnsupportedMimeType(t *testing.T) {
	srv, _, _ := testServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "/ws/dora")
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var hello outboundFrame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		t.Fatalf("read session frame: %v", err)
	}

	if err := wsjson.Write(ctx, conn, inboundFrame{MimeType: "image/png", Data: "aGk="}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	var frame outboundFrame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if !strings.Contains(frame.Error, "unsupported mime_type") {
		t.Fatalf("expected unsupported mime error, got %+v", frame)
	}
	// The connection is torn down after the error frame.
	readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readCancel()
	if err := wsjson.Read(readCtx, conn, &frame); err == nil {
		t.Fatalf("expected closed connection, read frame %+v", frame)
	}
}

func TestWebSocketPublishesLifecycleEvents(t *testing.T) {
	srv, _, eventBus := testServer(t, "")
	sub := eventBus.Subscribe("session.")
	defer eventBus.Unsubscribe(sub)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts, "/ws/erin")
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicSessionConnected {
			t.Fatalf("expected connected event, got %s", ev.Topic)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no connected event")
	}

	conn.Close(websocket.StatusNormalClosure, "")
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicSessionDisconnected {
			t.Fatalf("expected disconnected event, got %s", ev.Topic)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnected event")
	}
}

func TestAuthTokenGatesEndpoints(t *testing.T) {
	srv, _, _ := testServer(t, "secret-token")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/sessions?user_id=alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sessions?user_id=alice", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}

	// Health stays open regardless of token.
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should be open, got %d", resp.StatusCode)
	}
}

func TestAPISessionTurns(t *testing.T) {
	srv, store, _ := testServer(t, "")

	record := ledger.TurnRecord{TurnID: "t1", UserInput: "q", AgentOutput: "a", Source: "text", CommittedAt: time.Now().UTC()}
	if _, err := store.InsertRow(context.Background(), "frank", "sess-1", record); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/sessions/frank/sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var row ledger.SessionRow
	if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(row.Turns) != 1 || row.Turns[0].TurnID != "t1" {
		t.Fatalf("unexpected turns: %+v", row.Turns)
	}

	resp, err = http.Get(ts.URL + "/api/sessions/frank/no-such")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing session, got %d", resp.StatusCode)
	}
}

func TestHealthzReportsStore(t *testing.T) {
	srv, _, _ := testServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["db_ok"] != true {
		t.Fatalf("expected db_ok, got %v", payload)
	}
}

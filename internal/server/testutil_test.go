package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"twentyone/internal/game"
	"twentyone/internal/storage"
	"twentyone/internal/table"
)

const testStake = 20

// --- Test environment ---

type testEnv struct {
	ts    *httptest.Server
	srv   *Server
	model *table.Model
	store *storage.Store
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestEnv(t *testing.T, opts ...game.RoundOption) *testEnv {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	model := table.New(table.Config{Stake: testStake, MaxPlayers: 4}, quietLogger(), opts...)
	srv := New(model, store, quietLogger(), Options{
		OutboxSize:    256,
		CommandRate:   1000,
		CommandBurst:  100,
		DefaultTokens: 100,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &testEnv{ts: ts, srv: srv, model: model, store: store}
}

func c(r game.Rank, s game.Suit) game.Card {
	return game.Card{Suit: s, Rank: r}
}

// stacked deals the same cards every round.
func stacked(cards ...game.Card) game.RoundOption {
	return game.WithDeckSource(func() *game.Deck { return game.NewDeck(cards...) })
}

// bustDeck: with alice dealing and bob first to act, bob holds 12, alice 17,
// and bob's first hit busts him.
func bustDeck() game.RoundOption {
	return stacked(
		c(game.Ten, game.Clubs), c(game.Two, game.Clubs),
		c(game.Nine, game.Hearts), c(game.Eight, game.Hearts),
		c(game.Ten, game.Spades),
	)
}

// --- Context helpers ---

func timeoutCtx(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// --- REST API helpers ---

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: expected %d, got %d", url, wantStatus, resp.StatusCode)
	}
	if v == nil {
		return
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

// --- WebSocket helpers ---

func wsURL(ts *httptest.Server) string {
	return strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws"
}

// wsDial opens a connection and reads the server's greeting. The caller is
// responsible for closing the connection.
func wsDial(t *testing.T, ts *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	ctx, cancel := timeoutCtx(t)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	msg := wsRead(ctx, t, conn)
	if msg.Command != CmdConnect {
		t.Fatalf("expected CONNECT greeting, got %s", msg.Command)
	}
	g := decode[greeting](t, msg)
	if g.ID == "" {
		t.Fatal("expected non-empty client id")
	}
	return conn, g.ID
}

// wsJoin dials, completes the handshake and consumes the SET_USER and
// SET_PLAYERS replies.
func wsJoin(t *testing.T, ts *httptest.Server, name string, tokens int) (*websocket.Conn, string) {
	t.Helper()
	conn, id := wsDial(t, ts)
	ctx, cancel := timeoutCtx(t)
	defer cancel()
	wsSend(ctx, t, conn, CmdConnect, settings{Name: name, Tokens: tokens})
	user := decode[game.PlayerView](t, readUntil(ctx, t, conn, CmdSetUser))
	if user.ID != id {
		t.Fatalf("expected user id %s, got %s", id, user.ID)
	}
	readUntil(ctx, t, conn, CmdSetPlayers)
	return conn, id
}

// sendWS marshals and sends a message. Returns an error on failure.
func sendWS(ctx context.Context, conn *websocket.Conn, cmd Command, payload any) error {
	msg := Message{Command: cmd}
	if payload != nil {
		p, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = p
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// readWS reads and unmarshals a single message. Returns an error on failure.
func readWS(ctx context.Context, conn *websocket.Conn) (Message, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// wsSend sends a message, calling t.Fatal on error.
func wsSend(ctx context.Context, t *testing.T, conn *websocket.Conn, cmd Command, payload any) {
	t.Helper()
	if err := sendWS(ctx, conn, cmd, payload); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

// wsRead reads a message, calling t.Fatal on error.
func wsRead(ctx context.Context, t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	msg, err := readWS(ctx, conn)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	return msg
}

// readUntil skips messages until one with cmd arrives.
func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, cmd Command) Message {
	t.Helper()
	for {
		msg, err := readWS(ctx, conn)
		if err != nil {
			t.Fatalf("waiting for %s: %v", cmd, err)
		}
		if msg.Command == cmd {
			return msg
		}
	}
}

// readError expects the next message to be an ERROR and returns its text.
func readError(ctx context.Context, t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	msg := wsRead(ctx, t, conn)
	if msg.Command != CmdError {
		t.Fatalf("expected ERROR, got %s: %s", msg.Command, string(msg.Payload))
	}
	return decode[errorPayload](t, msg).Message
}

func decode[T any](t *testing.T, msg Message) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		t.Fatalf("unmarshal %s payload: %v", msg.Command, err)
	}
	return v
}

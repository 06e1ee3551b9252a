package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"nhooyr.io/websocket"

	"github.com/matheus3301/drift/internal/config"
	"github.com/matheus3301/drift/internal/remote"
	"github.com/matheus3301/drift/internal/status"
	"github.com/matheus3301/drift/internal/store"
	intsync "github.com/matheus3301/drift/internal/sync"
)

// stubServer fakes the chat service: health, websocket, chat, and the
// since-cursor sync endpoints.
func stubServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/ws":
			c, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			defer c.Close(websocket.StatusNormalClosure, "")
			for {
				if _, _, err := c.Read(r.Context()); err != nil {
					return
				}
			}
		case r.URL.Path == "/sessions/new":
			var req remote.CreateSessionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			now := time.Now().UnixMilli()
			_ = json.NewEncoder(w).Encode(remote.Session{
				ID: req.ClientID, UserID: req.UserID, Status: "active",
				Title: req.Title, CreatedAt: now, UpdatedAt: now,
			})
		case r.URL.Path == "/chat":
			var req remote.SendRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(remote.ChatResponse{
				Message: &remote.Message{
					ID:        "srv-" + req.ClientID,
					SessionID: req.SessionID,
					Role:      "user",
					Content:   req.Content,
					Timestamp: time.Now().UnixMilli(),
				},
				Response: "ok",
			})
		default:
			// Sync endpoints: nothing new.
			_, _ = w.Write([]byte("[]"))
		}
	}))
}

func TestDaemonLifecycle(t *testing.T) {
	srv := stubServer(t)
	defer srv.Close()

	base := t.TempDir()
	cfg := config.Default()
	cfg.ServerURL = srv.URL
	cfg.WebsocketURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if err := config.Save(base+"/config.toml", cfg); err != nil {
		t.Fatal(err)
	}

	var (
		machine *status.Machine
		coord   *intsync.Coordinator
		db      *store.DB
	)
	app := fxtest.New(t,
		Module(Params{SessionName: "test", BaseDir: base}),
		fx.Populate(&machine, &coord, &db),
	)
	app.RequireStart()

	// The daemon probes, connects, drains the (empty) log, and reports ready.
	waitFor(t, 5*time.Second, func() bool {
		return machine.Current() == status.Ready
	})

	// A live send settles through the queue against the stub server.
	sess, err := coord.CreateSession(context.Background(), "smoke")
	if err != nil {
		t.Fatal(err)
	}
	msg, err := coord.SendMessage(context.Background(), sess.ID, "hello daemon")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool {
		got, _ := db.GetMessage("srv-" + msg.ID)
		return got != nil && got.SyncStatus == store.SyncSynced
	})

	app.RequireStop()
}

func TestDaemonStartsOfflineWhenServerUnreachable(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.ServerURL = "http://127.0.0.1:1" // nothing listens here
	cfg.WebsocketURL = "ws://127.0.0.1:1/ws"
	if err := config.Save(base+"/config.toml", cfg); err != nil {
		t.Fatal(err)
	}

	var (
		machine *status.Machine
		coord   *intsync.Coordinator
		db      *store.DB
	)
	app := fxtest.New(t,
		Module(Params{SessionName: "test", BaseDir: base}),
		fx.Populate(&machine, &coord, &db),
	)
	app.RequireStart()

	waitFor(t, 5*time.Second, func() bool {
		return machine.Current() == status.Offline
	})

	// Writes still land locally and are parked for replay.
	sess, err := coord.CreateSession(context.Background(), "offline work")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coord.SendMessage(context.Background(), sess.ID, "queued up"); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.CountOfflineActions(); n != 2 {
		t.Errorf("offline actions = %d, want 2", n)
	}

	app.RequireStop()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

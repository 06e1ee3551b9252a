package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + search_index)", result.Version)
	}
}

// TestMigrateSchemaHasRequiredColumns verifies the migration creates all
// columns the coordinator depends on.
func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"upsert session", "INSERT INTO sessions (id, user_id, status, title, message_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)", []any{"s1", "u1", "active", "Test", 0, 1000, 1000}},
		{"upsert message", "INSERT INTO messages (id, session_id, role, content, confidence, doc_refs, sync_status, timestamp, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{"m1", "s1", "user", "hello", 0.9, "[]", "pending", 1000, 1000}},
		{"upsert document", "INSERT INTO documents (id, message_id, type, name, timestamp) VALUES (?, ?, ?, ?, ?)", []any{"d1", "m1", "pdf", "doc.pdf", 1000}},
		{"set setting", "INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)", []any{"k", "v", 1000}},
		{"append offline action", "INSERT INTO offline_queue (action_type, session_id, payload, attempts, enqueued_at, next_retry_at) VALUES (?, ?, ?, ?, ?, ?)", []any{"send_message", "s1", "{}", 0, 1000, 0}},
		{"save search index", "INSERT INTO search_index (id, data, updated_at) VALUES (1, ?, ?)", []any{[]byte("blob"), 1000}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", SessionID: "s1", Role: "user", Content: "v1", SyncStatus: SyncPending, Timestamp: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	m.Content = "v2"
	m.SyncStatus = SyncSynced
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("s1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent)", len(msgs))
	}
	if msgs[0].Content != "v2" || msgs[0].SyncStatus != SyncSynced {
		t.Errorf("message = %+v, want updated content and status", msgs[0])
	}
}

func TestMessageDocumentRefsRoundTrip(t *testing.T) {
	db := testDB(t)

	m := &Message{ID: "m1", SessionID: "s1", Role: "assistant", Content: "see docs", DocumentRefs: []string{"d1", "d2"}, SyncStatus: SyncSynced, Timestamp: 1000}
	if err := db.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got.DocumentRefs) != 2 || got.DocumentRefs[0] != "d1" {
		t.Errorf("DocumentRefs = %v, want [d1 d2]", got.DocumentRefs)
	}
}

func TestListMessagesOrderAndPagination(t *testing.T) {
	db := testDB(t)

	for i := 0; i < 5; i++ {
		if err := db.UpsertMessage(&Message{
			ID: fmt.Sprintf("m%d", i), SessionID: "s1", Role: "user",
			Content: fmt.Sprintf("msg %d", i), SyncStatus: SyncSynced, Timestamp: int64(1000 + i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("s1", 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "m2" || page[1].ID != "m3" {
		t.Errorf("page = %v, want [m2 m3]", page)
	}
}

func TestListSessionsByStatus(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertSession(&Session{ID: "s1", Status: SessionActive, UpdatedAt: 2000})
	_ = db.UpsertSession(&Session{ID: "s2", Status: SessionArchived, UpdatedAt: 1000})
	_ = db.UpsertSession(&Session{ID: "s3", Status: SessionActive, UpdatedAt: 3000})

	active, err := db.ListSessions(SessionActive, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 || active[0].ID != "s3" || active[1].ID != "s1" {
		t.Errorf("active = %v, want [s3 s1] (updated_at desc)", active)
	}
}

func TestOfflineActionLogOrdering(t *testing.T) {
	db := testDB(t)

	id1, err := db.AppendOfflineAction(ActionCreateSession, "s1", []byte(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := db.AppendOfflineAction(ActionSendMessage, "s1", []byte(`{"b":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Errorf("ids not increasing: %d then %d", id1, id2)
	}

	actions, err := db.PendingOfflineActions()
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 2 || actions[0].Type != ActionCreateSession || actions[1].Type != ActionSendMessage {
		t.Errorf("actions = %v, want create before send", actions)
	}

	if err := db.RescheduleOfflineAction(id1, 2, 99999); err != nil {
		t.Fatal(err)
	}
	actions, _ = db.PendingOfflineActions()
	if actions[0].Attempts != 2 || actions[0].NextRetryAt != 99999 {
		t.Errorf("reschedule not persisted: %+v", actions[0])
	}

	if err := db.DeleteOfflineAction(id1); err != nil {
		t.Fatal(err)
	}
	n, _ := db.CountOfflineActions()
	if n != 1 {
		t.Errorf("count = %d, want 1 after delete", n)
	}
}

func TestSettingsAndCursors(t *testing.T) {
	db := testDB(t)

	v, err := db.GetSetting(CursorMessages)
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("missing cursor = %q, want empty", v)
	}

	if err := db.SetSetting(CursorMessages, "12345"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSetting(CursorMessages, "67890"); err != nil {
		t.Fatal(err)
	}
	v, _ = db.GetSetting(CursorMessages)
	if v != "67890" {
		t.Errorf("cursor = %q, want 67890", v)
	}
}

func TestSearchIndexPersistence(t *testing.T) {
	db := testDB(t)

	data, err := db.LoadSearchIndex()
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Errorf("fresh index = %v, want nil", data)
	}

	if err := db.SaveSearchIndex([]byte("snapshot-v1")); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSearchIndex([]byte("snapshot-v2")); err != nil {
		t.Fatal(err)
	}
	data, _ = db.LoadSearchIndex()
	if string(data) != "snapshot-v2" {
		t.Errorf("index = %q, want snapshot-v2", data)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := testDB(t)

	err := db.WithTx(func(tx *sql.Tx) error {
		if err := UpsertMessageTx(tx, &Message{ID: "m1", SessionID: "s1", Role: "user", SyncStatus: SyncPending, Timestamp: 1000}); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatal("WithTx should propagate fn error")
	}

	msgs, _ := db.ListMessages("s1", 10, 0)
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0 (rolled back)", len(msgs))
	}
}

func TestCleanupRetentionBoundary(t *testing.T) {
	db := testDB(t)

	now := time.Now()
	old := now.AddDate(0, 0, -31).UnixMilli()
	recent := now.AddDate(0, 0, -29).UnixMilli()

	_ = db.UpsertSession(&Session{ID: "old", Status: SessionArchived, UpdatedAt: old, CreatedAt: old})
	_ = db.UpsertSession(&Session{ID: "new", Status: SessionActive, UpdatedAt: recent, CreatedAt: recent})
	_ = db.UpsertMessage(&Message{ID: "m-old", SessionID: "old", Role: "user", Content: "stale", SyncStatus: SyncSynced, Timestamp: old})
	_ = db.UpsertMessage(&Message{ID: "m-new", SessionID: "new", Role: "user", Content: "fresh", SyncStatus: SyncSynced, Timestamp: recent})

	removed, err := db.Cleanup(30)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2 (old session + old message)", removed)
	}

	if m, _ := db.GetMessage("m-old"); m != nil {
		t.Error("m-old should be evicted")
	}
	if m, _ := db.GetMessage("m-new"); m == nil {
		t.Error("m-new should survive")
	}
	if s, _ := db.GetSession("old"); s != nil {
		t.Error("old session should be evicted")
	}
	if s, _ := db.GetSession("new"); s == nil {
		t.Error("new session should survive")
	}
}

// TestCleanupKeepsPendingActionTargets verifies eviction never removes
// records a queued offline action still refers to.
func TestCleanupKeepsPendingActionTargets(t *testing.T) {
	db := testDB(t)

	old := time.Now().AddDate(0, 0, -60).UnixMilli()
	_ = db.UpsertSession(&Session{ID: "s1", Status: SessionActive, UpdatedAt: old, CreatedAt: old})
	_ = db.UpsertMessage(&Message{ID: "m1", SessionID: "s1", Role: "user", Content: "queued", SyncStatus: SyncFailed, Timestamp: old})
	if _, err := db.AppendOfflineAction(ActionSendMessage, "s1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Cleanup(30); err != nil {
		t.Fatal(err)
	}

	if m, _ := db.GetMessage("m1"); m == nil {
		t.Error("message referenced by pending action was evicted")
	}
	if s, _ := db.GetSession("s1"); s == nil {
		t.Error("session referenced by pending action was evicted")
	}
}

func TestScanMessages(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertMessage(&Message{ID: "m1", SessionID: "s1", Role: "user", Content: "Hello World", SyncStatus: SyncSynced, Timestamp: 1000})
	_ = db.UpsertMessage(&Message{ID: "m2", SessionID: "s2", Role: "user", Content: "hello again", SyncStatus: SyncSynced, Timestamp: 2000})
	_ = db.UpsertMessage(&Message{ID: "m3", SessionID: "s1", Role: "user", Content: "goodbye", SyncStatus: SyncSynced, Timestamp: 3000})

	all, err := db.ScanMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("got %d matches, want 2 (case-insensitive)", len(all))
	}

	scoped, err := db.ScanMessages("hello", "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 1 || scoped[0].ID != "m1" {
		t.Errorf("scoped = %v, want [m1]", scoped)
	}
}

func TestOpenOrResetRecoversCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drift.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite database at all"), 0600); err != nil {
		t.Fatal(err)
	}

	db, reset, err := OpenOrReset(path)
	if err != nil {
		t.Fatalf("OpenOrReset() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	if !reset {
		t.Error("reset = false, want true for corrupt file")
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate after reset: %v", err)
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Error("corrupt file was not sidelined")
	}
}

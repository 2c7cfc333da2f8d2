package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
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
	if err := db.EnsureInstance(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustCreateConversation(t *testing.T, db *DB, remoteJID string) *Conversation {
	t.Helper()
	c, err := db.CreateConversation(context.Background(), &Conversation{InstanceID: "acme", RemoteJID: remoteJID})
	if err != nil {
		t.Fatal(err)
	}
	return c
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
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestUnreadCountCannotGoNegative(t *testing.T) {
	db := testDB(t)
	c := mustCreateConversation(t, db, "5541991188909@s.whatsapp.net")

	if _, err := db.Exec(`UPDATE conversations SET unread_count = -1 WHERE id = ?`, c.ID); err == nil {
		t.Error("expected CHECK constraint to reject a negative unread count")
	}

	got, err := db.SetUnreadCount(context.Background(), c.ID, -5)
	if err != nil {
		t.Fatal(err)
	}
	if got.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 (clamped)", got.UnreadCount)
	}
}

func TestCreateConversationDuplicate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	mustCreateConversation(t, db, "5541991188909@s.whatsapp.net")

	_, err := db.CreateConversation(ctx, &Conversation{InstanceID: "acme", RemoteJID: "5541991188909@s.whatsapp.net"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestCreateConversationDuplicateKeepsTransactionUsable(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	existing := mustCreateConversation(t, db, "5541991188909@s.whatsapp.net")

	err := db.Atomic(ctx, func(tx *Repo) error {
		_, err := tx.CreateConversation(ctx, &Conversation{InstanceID: "acme", RemoteJID: "5541991188909@s.whatsapp.net"})
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("err = %v, want ErrDuplicate", err)
		}
		found, err := tx.FindConversation(ctx, "acme", "5541991188909@s.whatsapp.net")
		if err != nil {
			return err
		}
		if found == nil || found.ID != existing.ID {
			t.Errorf("refetch = %+v, want existing row", found)
		}
		_, err = tx.CreateConversation(ctx, &Conversation{InstanceID: "acme", RemoteJID: "14155552671@s.whatsapp.net"})
		return err
	})
	if err != nil {
		t.Fatalf("Atomic() error = %v", err)
	}

	n, err := db.CountConversations(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("conversations = %d, want 2", n)
	}
}

func TestAtomicRollsBack(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.Atomic(ctx, func(tx *Repo) error {
		if _, err := tx.CreateConversation(ctx, &Conversation{InstanceID: "acme", RemoteJID: "a@s.whatsapp.net"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	c, err := db.FindConversation(ctx, "acme", "a@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("conversation survived rollback")
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := mustCreateConversation(t, db, "chat@s.whatsapp.net")

	msg := &Message{InstanceID: "acme", ConversationID: c.ID, RemoteJID: c.RemoteJID, ExternalID: "msg1",
		Type: TypeText, Content: "hello", Status: StatusDelivered, Timestamp: 1000}
	stored, change, err := db.UpsertMessage(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if change != Created {
		t.Errorf("first change = %s, want created", change)
	}

	_, change, err = db.UpsertMessage(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if change != Unchanged {
		t.Errorf("identical redelivery change = %s, want unchanged", change)
	}

	msg.Content = "hello updated"
	updated, change, err := db.UpsertMessage(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if change != Updated {
		t.Errorf("content change = %s, want updated", change)
	}
	if updated.ID != stored.ID {
		t.Errorf("upsert changed id: %q -> %q", stored.ID, updated.ID)
	}

	msgs, err := db.ListMessages(ctx, c.ID, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Content != "hello updated" {
		t.Errorf("content = %q, want hello updated", msgs[0].Content)
	}
}

func TestMessageStatusNeverRegresses(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := mustCreateConversation(t, db, "chat@s.whatsapp.net")

	msg := &Message{InstanceID: "acme", ConversationID: c.ID, RemoteJID: c.RemoteJID, ExternalID: "m1",
		FromMe: true, Type: TypeText, Content: "hi", Status: StatusSent, Timestamp: 1}
	if _, _, err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		status  Status
		changed bool
		want    Status
	}{
		{StatusRead, true, StatusRead},
		{StatusDelivered, false, StatusRead},
		{StatusFailed, false, StatusRead},
		{StatusPlayed, true, StatusPlayed},
	}
	for _, s := range steps {
		got, changed, err := db.UpdateMessageStatus(ctx, "acme", "m1", s.status)
		if err != nil {
			t.Fatal(err)
		}
		if changed != s.changed {
			t.Errorf("UpdateMessageStatus(%s) changed = %v, want %v", s.status, changed, s.changed)
		}
		if got.Status != s.want {
			t.Errorf("after %s status = %s, want %s", s.status, got.Status, s.want)
		}
	}

	missing, changed, err := db.UpdateMessageStatus(ctx, "acme", "nope", StatusRead)
	if err != nil || missing != nil || changed {
		t.Errorf("unknown message = %v, %v, %v", missing, changed, err)
	}
}

func TestStatusAdvances(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusSent, false},
		{StatusRead, StatusRead, false},
		{StatusSent, StatusFailed, true},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusRead, true},
		{StatusFailed, StatusSent, false},
		{StatusRead, "", false},
	}
	for _, tt := range tests {
		if got := tt.from.Advances(tt.to); got != tt.want {
			t.Errorf("%s.Advances(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTouchPreviewLastWriteWinsByTimestamp(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := mustCreateConversation(t, db, "chat@s.whatsapp.net")

	moved, err := db.TouchPreview(ctx, c.ID, "newer", 2000)
	if err != nil || !moved {
		t.Fatalf("TouchPreview(newer) = %v, %v", moved, err)
	}
	moved, err = db.TouchPreview(ctx, c.ID, "older", 1000)
	if err != nil {
		t.Fatal(err)
	}
	if moved {
		t.Error("older message must not replace the preview")
	}
	moved, _ = db.TouchPreview(ctx, c.ID, "newer", 2000)
	if moved {
		t.Error("identical preview reported as moved")
	}

	got, err := db.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessage != "newer" || got.LastMessageAt != 2000 {
		t.Errorf("preview = %q@%d, want newer@2000", got.LastMessage, got.LastMessageAt)
	}
}

func TestRecomputeUnread(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := mustCreateConversation(t, db, "chat@s.whatsapp.net")

	for range 3 {
		if _, err := db.RecomputeUnread(ctx, c.ID, UnreadIncrement); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := db.GetConversation(ctx, c.ID)
	if got.UnreadCount != 3 {
		t.Errorf("unread = %d, want 3", got.UnreadCount)
	}

	changed, err := db.RecomputeUnread(ctx, c.ID, UnreadReset)
	if err != nil || !changed {
		t.Fatalf("reset = %v, %v", changed, err)
	}
	changed, _ = db.RecomputeUnread(ctx, c.ID, UnreadReset)
	if changed {
		t.Error("resetting a zero counter reported a change")
	}
	changed, _ = db.RecomputeUnread(ctx, c.ID, UnreadKeep)
	if changed {
		t.Error("keep reported a change")
	}
}

func TestUpdateConversationProfile(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := mustCreateConversation(t, db, "chat@s.whatsapp.net")

	changed, err := db.UpdateConversationProfile(ctx, c.ID, "Ana", "")
	if err != nil || !changed {
		t.Fatalf("first update = %v, %v", changed, err)
	}
	changed, _ = db.UpdateConversationProfile(ctx, c.ID, "Ana", "")
	if changed {
		t.Error("same name reported as change")
	}
	changed, _ = db.UpdateConversationProfile(ctx, c.ID, "", "https://pic")
	if !changed {
		t.Error("picture update not reported")
	}
	got, _ := db.GetConversation(ctx, c.ID)
	if got.Name != "Ana" || got.PictureURL != "https://pic" {
		t.Errorf("profile = %q/%q", got.Name, got.PictureURL)
	}
}

func TestDeleteConversationCascadesMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := mustCreateConversation(t, db, "chat@s.whatsapp.net")
	if _, _, err := db.UpsertMessage(ctx, &Message{InstanceID: "acme", ConversationID: c.ID, RemoteJID: c.RemoteJID, ExternalID: "m1", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteConversation(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	n, err := db.CountMessages(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("messages = %d, want 0 after cascade", n)
	}
	if err := db.DeleteConversation(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestListConversationsPinnedFirst(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := mustCreateConversation(t, db, "a@s.whatsapp.net")
	b := mustCreateConversation(t, db, "b@s.whatsapp.net")
	if _, err := db.TouchPreview(ctx, a.ID, "old", 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := db.TouchPreview(ctx, b.ID, "new", 2000); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SetPinned(ctx, a.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := db.SetArchived(ctx, b.ID, true); err != nil {
		t.Fatal(err)
	}

	all, err := db.ListConversations(ctx, "acme", ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != a.ID {
		t.Fatalf("order = %+v, want pinned %s first", all, a.ID)
	}

	archived := false
	active, err := db.ListConversations(ctx, "acme", ListOptions{Archived: &archived})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Errorf("unarchived = %+v, want only %s", active, a.ID)
	}
}

func TestSaveAliasFirstWins(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	stored, created, err := db.SaveAlias(ctx, "acme", "777@lid", "5541991188909@s.whatsapp.net")
	if err != nil || !created || stored != "5541991188909@s.whatsapp.net" {
		t.Fatalf("first SaveAlias = %q, %v, %v", stored, created, err)
	}
	stored, created, err = db.SaveAlias(ctx, "acme", "777@lid", "5511999999999@s.whatsapp.net")
	if err != nil {
		t.Fatal(err)
	}
	if created || stored != "5541991188909@s.whatsapp.net" {
		t.Errorf("second SaveAlias = %q, %v, want first mapping kept", stored, created)
	}

	got, err := db.LookupAlias(ctx, "acme", "777@lid")
	if err != nil {
		t.Fatal(err)
	}
	if got != "5541991188909@s.whatsapp.net" {
		t.Errorf("LookupAlias = %q", got)
	}
	if got, _ := db.LookupAlias(ctx, "other", "777@lid"); got != "" {
		t.Errorf("alias leaked across instances: %q", got)
	}
}

func TestFoldAliasRenamesWhenCanonicalMissing(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	lid := mustCreateConversation(t, db, "777@lid")

	var fold *Fold
	err := db.Atomic(ctx, func(tx *Repo) error {
		var err error
		fold, err = tx.FoldAlias(ctx, "acme", "777@lid", "5541991188909@s.whatsapp.net")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if fold == nil || fold.RemovedID != "" || fold.Conversation.ID != lid.ID {
		t.Fatalf("fold = %+v, want rename of %s", fold, lid.ID)
	}
	got, _ := db.FindConversation(ctx, "acme", "5541991188909@s.whatsapp.net")
	if got == nil || got.ID != lid.ID {
		t.Errorf("renamed conversation = %+v", got)
	}
}

func TestFoldAliasMergesIntoCanonical(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	lid := mustCreateConversation(t, db, "777@lid")
	pn := mustCreateConversation(t, db, "5541991188909@s.whatsapp.net")

	for i, conv := range []*Conversation{lid, pn} {
		if _, _, err := db.UpsertMessage(ctx, &Message{InstanceID: "acme", ConversationID: conv.ID, RemoteJID: conv.RemoteJID,
			ExternalID: conv.RemoteJID, Content: "m", Timestamp: int64(1000 * (i + 1))}); err != nil {
			t.Fatal(err)
		}
		if _, err := db.RecomputeUnread(ctx, conv.ID, UnreadIncrement); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.TouchPreview(ctx, lid.ID, "from lid", 3000); err != nil {
		t.Fatal(err)
	}

	var fold *Fold
	err := db.Atomic(ctx, func(tx *Repo) error {
		var err error
		fold, err = tx.FoldAlias(ctx, "acme", "777@lid", "5541991188909@s.whatsapp.net")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if fold.RemovedID != lid.ID || fold.Conversation.ID != pn.ID {
		t.Fatalf("fold = %+v", fold)
	}

	got, _ := db.GetConversation(ctx, pn.ID)
	if got.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", got.UnreadCount)
	}
	if got.LastMessage != "from lid" {
		t.Errorf("preview = %q, want newer alias preview", got.LastMessage)
	}
	msgs, _ := db.ListMessages(ctx, pn.ID, 0, 10)
	if len(msgs) != 2 {
		t.Errorf("messages on canonical = %d, want 2", len(msgs))
	}
	if gone, _ := db.GetConversation(ctx, lid.ID); gone != nil {
		t.Error("alias conversation not removed")
	}
}

func TestConcurrentAtomicCreateYieldsOneRow(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- db.Atomic(ctx, func(tx *Repo) error {
				c, err := tx.FindConversation(ctx, "acme", "new@s.whatsapp.net")
				if err != nil || c != nil {
					return err
				}
				_, err = tx.CreateConversation(ctx, &Conversation{InstanceID: "acme", RemoteJID: "new@s.whatsapp.net"})
				if errors.Is(err, ErrDuplicate) {
					return nil
				}
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Atomic() error = %v", err)
		}
	}

	n, err := db.CountConversations(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("conversations = %d, want 1", n)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.QueueOutbox(ctx, "c1", "acme", "chat@s.whatsapp.net", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox(ctx, "c1", "acme", "chat@s.whatsapp.net", "hello"); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate queue err = %v, want ErrDuplicate", err)
	}

	pending, err := db.PendingOutbox(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Body != "hello" {
		t.Fatalf("pending = %+v", pending)
	}

	ok, err := db.MarkOutboxSending(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("MarkOutboxSending = %v, %v", ok, err)
	}
	if ok, _ := db.MarkOutboxSending(ctx, "c1"); ok {
		t.Error("entry claimed twice")
	}
	if err := db.MarkOutboxSent(ctx, "c1", "SRV1"); err != nil {
		t.Fatal(err)
	}
	e, err := db.GetOutbox(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != "sent" || e.ServerMsgID != "SRV1" {
		t.Errorf("entry = %+v", e)
	}
}

func TestRebindPostgres(t *testing.T) {
	r := &Repo{dialect: Postgres}
	got := r.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	want := "SELECT * FROM t WHERE a = $1 AND b = $2"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
	sqlite := &Repo{dialect: SQLite}
	if q := sqlite.rebind("a = ?"); q != "a = ?" {
		t.Errorf("sqlite rebind = %q", q)
	}
}

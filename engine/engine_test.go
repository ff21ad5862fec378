package engine

import (
	"path/filepath"
	"testing"

	"github.com/baverman/norless/config"
	"github.com/baverman/norless/imapfolder"
	"github.com/baverman/norless/syncpoint"
)

func newTestEngine(t *testing.T) (*Engine, config.AccountConfig, config.SyncRule) {
	t.Helper()

	root := t.TempDir()
	maildirPath := filepath.Join(root, "maildir")
	stateDir := filepath.Join(root, "state")

	cfg := &config.Config{
		StateDir:  stateDir,
		FetchLast: 500,
		Accounts: map[string]config.AccountConfig{
			"acct": {Name: "acct", ReplicaID: "replica-a", From: "me@example.com"},
		},
		Maildirs: map[string]config.MaildirRef{
			"inbox": {Name: "inbox", Path: maildirPath},
		},
		Sync: []config.SyncRule{
			{Account: "acct", Folder: "INBOX", Maildir: "inbox", TrashFolder: "Trash"},
		},
	}

	e := New(cfg)
	t.Cleanup(func() { e.Close() })

	return e, cfg.Accounts["acct"], cfg.Sync[0]
}

func TestStoreMessageAddsNewUID(t *testing.T) {
	e, acc, rule := newTestEngine(t)

	md, err := e.maildirFor(e.cfg.Maildirs[rule.Maildir])
	if err != nil {
		t.Fatalf("maildirFor: %v", err)
	}
	st, err := e.stateFor(acc, rule.Folder)
	if err != nil {
		t.Fatalf("stateFor: %v", err)
	}

	msg := imapfolder.FetchedMessage{UID: 10, Flags: "", Body: []byte("Subject: hi\n\nbody")}
	if err := e.storeMessage(md, st, msg); err != nil {
		t.Fatalf("storeMessage: %v", err)
	}

	entry, err := st.Get(10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected state row for uid 10")
	}
	if !md.Contains(entry.Msgkey) {
		t.Fatalf("maildir missing key %q", entry.Msgkey)
	}
}

func TestStoreMessageReconcilesFlagsWithoutTouchingState(t *testing.T) {
	e, acc, rule := newTestEngine(t)

	md, _ := e.maildirFor(e.cfg.Maildirs[rule.Maildir])
	st, _ := e.stateFor(acc, rule.Folder)

	first := imapfolder.FetchedMessage{UID: 1, Flags: "", Body: []byte("body")}
	if err := e.storeMessage(md, st, first); err != nil {
		t.Fatalf("storeMessage: %v", err)
	}
	before, _ := st.Get(1)

	second := imapfolder.FetchedMessage{UID: 1, Flags: "S", Body: []byte("body")}
	if err := e.storeMessage(md, st, second); err != nil {
		t.Fatalf("storeMessage (update): %v", err)
	}

	flags, ok := md.GetFlags(before.Msgkey)
	if !ok || flags != "S" {
		t.Fatalf("maildir flags = %q, ok=%v, want S", flags, ok)
	}

	after, _ := st.Get(1)
	if after.Flags != before.Flags {
		t.Fatalf("state flags changed from %q to %q; storeMessage must not rewrite them", before.Flags, after.Flags)
	}
}

func TestApplySyncpointOwnReplicaIsRecordedAndSkipped(t *testing.T) {
	e, acc, rule := newTestEngine(t)

	md, _ := e.maildirFor(e.cfg.Maildirs[rule.Maildir])
	st, _ := e.stateFor(acc, rule.Folder)

	msg := imapfolder.FetchedMessage{UID: 5, Flags: "S", Body: []byte("ignored")}
	if err := e.applySyncpoint(md, st, acc, msg, acc.ReplicaID, false); err != nil {
		t.Fatalf("applySyncpoint: %v", err)
	}

	entry, err := st.Get(5)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry == nil || !entry.IsSyncpoint {
		t.Fatalf("expected a syncpoint row for uid 5, got %+v", entry)
	}
}

func TestApplySyncpointMarksSeenAndTrashesFromPeer(t *testing.T) {
	e, acc, rule := newTestEngine(t)

	md, _ := e.maildirFor(e.cfg.Maildirs[rule.Maildir])
	st, _ := e.stateFor(acc, rule.Folder)

	seenKey, err := md.Add([]byte("seen me"), "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := st.Put(1, seenKey, "", false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	trashKey, err := md.Add([]byte("trash me"), "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := st.Put(2, trashKey, "", false); err != nil {
		t.Fatalf("Put: %v", err)
	}

	raw, err := syncpoint.Encode("replica-b", syncpoint.Payload{Seen: []int64{1}, Trash: []int64{2}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	msg := imapfolder.FetchedMessage{UID: 99, Flags: "S", Body: raw}
	if err := e.applySyncpoint(md, st, acc, msg, "replica-b", false); err != nil {
		t.Fatalf("applySyncpoint: %v", err)
	}

	flags, ok := md.GetFlags(seenKey)
	if !ok || flags != "S" {
		t.Fatalf("seen message flags = %q, ok=%v, want S", flags, ok)
	}

	if md.Contains(trashKey) {
		t.Fatalf("trashed message still present in maildir")
	}
	if entry, _ := st.Get(2); entry != nil {
		t.Fatalf("expected state row for uid 2 removed, got %+v", entry)
	}

	own, err := st.Get(99)
	if err != nil || own == nil || !own.IsSyncpoint {
		t.Fatalf("expected syncpoint state row for uid 99, got %+v, err=%v", own, err)
	}
}

func TestMaildirChanges(t *testing.T) {
	e, acc, rule := newTestEngine(t)

	md, _ := e.maildirFor(e.cfg.Maildirs[rule.Maildir])
	st, _ := e.stateFor(acc, rule.Folder)

	keepKey, _ := md.Add([]byte("keep"), "S")
	st.Put(1, keepKey, "S", false) // already synced as seen, no change expected

	newlySeenKey, _ := md.Add([]byte("newly seen"), "S")
	st.Put(2, newlySeenKey, "", false) // locally marked seen, remote doesn't know yet

	discardedKey := "does-not-exist-in-maildir"
	st.Put(3, discardedKey, "", false)

	seen, trash, err := maildirChanges(md, st)
	if err != nil {
		t.Fatalf("maildirChanges: %v", err)
	}
	if len(seen) != 1 || seen[0] != 2 {
		t.Fatalf("seen = %v, want [2]", seen)
	}
	if len(trash) != 1 || trash[0] != 3 {
		t.Fatalf("trash = %v, want [3]", trash)
	}
}

func TestMatchAccountByFrom(t *testing.T) {
	e, _, rule := newTestEngine(t)

	_, acc, ok := matchAccountByFrom(e.cfg, []config.SyncRule{rule}, "me@example.com")
	if !ok || acc.Name != "acct" {
		t.Fatalf("matchAccountByFrom = (%v, %v), want acct", acc, ok)
	}

	_, _, ok = matchAccountByFrom(e.cfg, []config.SyncRule{rule}, "nobody@example.com")
	if ok {
		t.Fatalf("matchAccountByFrom matched an address no account configured")
	}
}

func TestCheckReportsUnreadCounts(t *testing.T) {
	e, _, rule := newTestEngine(t)

	md, _ := e.maildirFor(e.cfg.Maildirs[rule.Maildir])
	md.Add([]byte("unread 1"), "")
	md.Add([]byte("unread 2"), "")
	md.Add([]byte("read"), "S")

	hasUnread, err := e.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !hasUnread {
		t.Fatalf("Check reported no unread messages, want unread")
	}
}

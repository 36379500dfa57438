package store_test

import (
	"testing"

	"github.com/kboulain/sin/internal/store"
	"github.com/kboulain/sin/internal/store/memdb"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(memdb.New())
}

func TestCreateRootAndFindRoots(t *testing.T) {
	s := newTestStore(t)
	txn, err := s.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := txn.CreateRoot(1, "/maildir/.sin/cur/root1:2,", "default"); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn, err = s.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback()

	roots, err := txn.FindRoots()
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 1 {
		t.Fatalf("got %d roots, want 1", len(roots))
	}
	if roots[0].ID != 1 {
		t.Fatalf("got root id %d, want 1", roots[0].ID)
	}
	if roots[0].MessageID != store.RootMessageID(1) {
		t.Fatalf("got message id %q, want %q", roots[0].MessageID, store.RootMessageID(1))
	}
}

func TestNextAccountID(t *testing.T) {
	s := newTestStore(t)
	txn, err := s.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback()

	next, err := txn.NextAccountID()
	if err != nil {
		t.Fatal(err)
	}
	if next != 0 {
		t.Fatalf("got %d, want 0 for empty database", next)
	}

	if _, err := txn.CreateRoot(0, "/maildir/.sin/cur/root0:2,", "default"); err != nil {
		t.Fatal(err)
	}
	if _, err := txn.CreateRoot(3, "/maildir/.sin/cur/root3:2,", "default"); err != nil {
		t.Fatal(err)
	}

	next, err = txn.NextAccountID()
	if err != nil {
		t.Fatal(err)
	}
	if next != 4 {
		t.Fatalf("got %d, want 4", next)
	}
}

func TestMailboxStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	txn, err := s.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	root, err := txn.CreateRoot(1, "/maildir/.sin/cur/root1:2,", "default")
	if err != nil {
		t.Fatal(err)
	}
	st := store.MailboxState{Separator: "/", UIDValidity: 42, HighestModSeq: 100}
	if err := txn.SetMailboxState(root, "INBOX", st); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn, err = s.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback()
	roots, err := txn.FindRoots()
	if err != nil {
		t.Fatal(err)
	}
	got, ok := roots[0].Mailboxes["INBOX"]
	if !ok {
		t.Fatal("INBOX mailbox state not found")
	}
	if got != st {
		t.Fatalf("got %+v, want %+v", got, st)
	}
}

func TestRemoveMailbox(t *testing.T) {
	s := newTestStore(t)
	txn, err := s.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	root, err := txn.CreateRoot(1, "/maildir/.sin/cur/root1:2,", "default")
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.SetMailboxState(root, "INBOX", store.MailboxState{Separator: "/", UIDValidity: 1, HighestModSeq: 1}); err != nil {
		t.Fatal(err)
	}
	if err := txn.RemoveMailbox(root, "INBOX"); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn, err = s.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback()
	roots, err := txn.FindRoots()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := roots[0].Mailboxes["INBOX"]; ok {
		t.Fatal("INBOX should have been removed")
	}
}

func TestAddMessageMailboxAndFindByUID(t *testing.T) {
	s := newTestStore(t)
	txn, err := s.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	root, err := txn.CreateRoot(1, "/maildir/.sin/cur/root1:2,", "default")
	if err != nil {
		t.Fatal(err)
	}
	const msgID = "<abc@example.com>"
	if err := txn.CreateMessage(msgID, "/maildir/cur/abc:2,"); err != nil {
		t.Fatal(err)
	}
	if err := txn.AddMessageMailbox(root, msgID, "INBOX", 42, 7, 1000, []string{"inbox", "unread"}); err != nil {
		t.Fatal(err)
	}
	if err := txn.MarkMessageSynced(root, msgID); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn, err = s.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback()

	rec, ok, err := txn.FindMessageByUID(root, "INBOX", 7)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected to find message by uid 7")
	}
	if rec.ID != msgID {
		t.Fatalf("got id %q, want %q", rec.ID, msgID)
	}
	if !rec.HasMarker {
		t.Fatal("expected HasMarker true after MarkMessageSynced")
	}
	mbxState, ok := rec.Mailboxes["INBOX"]
	if !ok {
		t.Fatal("expected INBOX mailbox state")
	}
	if mbxState.UID != 7 || mbxState.UIDValidity != 42 || mbxState.ModSeq != 1000 {
		t.Fatalf("got %+v, unexpected values", mbxState)
	}

	byMbx, err := txn.FindMessagesByMailbox(root, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if len(byMbx) != 1 || byMbx[0].ID != msgID {
		t.Fatalf("got %+v, want single record for %q", byMbx, msgID)
	}
}

func TestFindLocalModifications(t *testing.T) {
	s := newTestStore(t)
	txn, err := s.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	root, err := txn.CreateRoot(1, "/maildir/.sin/cur/root1:2,", "default")
	if err != nil {
		t.Fatal(err)
	}

	const synced = "<synced@example.com>"
	if err := txn.CreateMessage(synced, "/maildir/cur/synced:2,"); err != nil {
		t.Fatal(err)
	}
	if err := txn.AddMessageMailbox(root, synced, "INBOX", 1, 1, 1, nil); err != nil {
		t.Fatal(err)
	}
	if err := txn.MarkMessageSynced(root, synced); err != nil {
		t.Fatal(err)
	}

	baseline, err := txn.CurrentLastmod()
	if err != nil {
		t.Fatal(err)
	}

	const newMsg = "<new@example.com>"
	if err := txn.CreateMessage(newMsg, "/maildir/cur/new:2,S"); err != nil {
		t.Fatal(err)
	}

	if err := txn.AddTag(synced, "seen"); err != nil {
		t.Fatal(err)
	}

	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn, err = s.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback()

	mods, err := txn.FindLocalModifications(root, baseline)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, m := range mods {
		ids[m.ID] = true
	}
	if !ids[synced] {
		t.Error("expected modified synced message to be reported")
	}
	if !ids[newMsg] {
		t.Error("expected newly-discovered message to be reported")
	}
	if len(mods) != 2 {
		t.Fatalf("got %d modifications, want 2: %+v", len(mods), mods)
	}
}

func TestEvictMailboxOrphans(t *testing.T) {
	s := newTestStore(t)
	txn, err := s.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	root, err := txn.CreateRoot(1, "/maildir/.sin/cur/root1:2,", "default")
	if err != nil {
		t.Fatal(err)
	}

	const onlyInbox = "<only@example.com>"
	if err := txn.CreateMessage(onlyInbox, "/maildir/cur/only:2,"); err != nil {
		t.Fatal(err)
	}
	if err := txn.AddMessageMailbox(root, onlyInbox, "INBOX", 1, 1, 1, nil); err != nil {
		t.Fatal(err)
	}

	const inBoth = "<both@example.com>"
	if err := txn.CreateMessage(inBoth, "/maildir/cur/both:2,"); err != nil {
		t.Fatal(err)
	}
	if err := txn.AddMessageMailbox(root, inBoth, "INBOX", 1, 2, 1, nil); err != nil {
		t.Fatal(err)
	}
	if err := txn.AddMessageMailbox(root, inBoth, "Archive", 5, 1, 1, nil); err != nil {
		t.Fatal(err)
	}

	orphaned, err := txn.EvictMailbox(root, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if len(orphaned) != 1 || orphaned[0] != onlyInbox {
		t.Fatalf("got orphaned %+v, want only %q", orphaned, onlyInbox)
	}

	remaining, err := txn.RemainingMailboxes(root, inBoth)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0] != "Archive" {
		t.Fatalf("got remaining %+v, want [Archive]", remaining)
	}
}

func TestLastmodRoundTrip(t *testing.T) {
	s := newTestStore(t)
	txn, err := s.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	root, err := txn.CreateRoot(1, "/maildir/.sin/cur/root1:2,", "default")
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.SetLastmod(root, 12345); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	txn, err = s.Begin(false)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback()
	roots, err := txn.FindRoots()
	if err != nil {
		t.Fatal(err)
	}
	if roots[0].Lastmod != 12345 {
		t.Fatalf("got lastmod %d, want 12345", roots[0].Lastmod)
	}
}

func TestWriteTransactionReleasesLockOnRollback(t *testing.T) {
	s := newTestStore(t)
	txn, err := s.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatal(err)
	}

	// A second writable transaction must be obtainable once the first
	// has released store.mu; this would deadlock under test timeout if
	// Rollback failed to unlock.
	txn2, err := s.Begin(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn2.Rollback(); err != nil {
		t.Fatal(err)
	}
}

package store

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/kboulain/sin/internal/synerr"
)

// Store is the typed accessor layer over a TagDB, implementing the
// per-account and per-message property tables from §3.
type Store struct {
	db TagDB
	mu sync.Mutex
}

// New wraps db.
func New(db TagDB) *Store { return &Store{db: db} }

// Txn is an open transaction, bound to Store's single-writer mutex
// when write is true. §4.3: "a process holds at most one writable
// transaction; readers are unconstrained."
type Txn struct {
	tx    Tx
	store *Store
	write bool
}

// Begin opens a transaction.
func (s *Store) Begin(write bool) (*Txn, error) {
	if write {
		s.mu.Lock()
	}
	tx, err := s.db.Begin(write)
	if err != nil {
		if write {
			s.mu.Unlock()
		}
		return nil, synerr.Database("store: begin transaction", err)
	}
	return &Txn{tx: tx, store: s, write: write}, nil
}

// Commit commits the transaction; it is the only durable boundary.
func (t *Txn) Commit() error {
	err := t.tx.Commit()
	if t.write {
		t.store.mu.Unlock()
	}
	if err != nil {
		return synerr.Database("store: commit", err)
	}
	return nil
}

// Rollback discards the transaction.
func (t *Txn) Rollback() error {
	err := t.tx.Rollback()
	if t.write {
		t.store.mu.Unlock()
	}
	return err
}

// Root is an account's bookkeeping root message (§3's "Account").
type Root struct {
	ID        int
	MessageID string
	Maildir   string // the --maildir NAME this account was created under
	Lastmod   uint64
	Mailboxes map[string]MailboxState
}

// MailboxState is the account-level bookkeeping for one server
// mailbox: its hierarchy delimiter and the last-accepted
// UIDVALIDITY/HIGHESTMODSEQ pair.
type MailboxState struct {
	Separator     string
	UIDValidity   uint32
	HighestModSeq uint64
}

// MessageMailboxState is one message's bookkeeping within a single
// mailbox it is placed in.
type MessageMailboxState struct {
	UIDValidity uint32
	UID         uint32
	ModSeq      uint64
	Tags        []string // last server-reconciled tag set ($id.$mbx.tag)
}

// MessageRecord is a non-root message's full bookkeeping state for one
// account.
type MessageRecord struct {
	ID        string
	HasMarker bool // false for a locally-discovered message not yet synced
	Mailboxes map[string]MessageMailboxState
}

// RootMessageID returns the synthetic message-id for account acctID.
func RootMessageID(acctID int) string { return fmt.Sprintf("<%d@sin>", acctID) }

func parseRootMessageID(id string) (int, bool) {
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@sin>") {
		return 0, false
	}
	n, err := strconv.Atoi(id[1 : len(id)-len("@sin>")])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func mbxKey(mbx, suffix string) string        { return mbx + "." + suffix }
func msgKey(acct int, suffix string) string   { return fmt.Sprintf("%d.%s", acct, suffix) }
func msgMbxKey(acct int, mbx, suffix string) string {
	return fmt.Sprintf("%d.%s.%s", acct, mbx, suffix)
}

// FindRoots returns every account root message in the database
// (query: property:marker=root per §4.3).
func (t *Txn) FindRoots() ([]Root, error) {
	ids, err := t.tx.MessageIDsByQuery("property:marker=root")
	if err != nil {
		return nil, err
	}
	var out []Root
	for _, id := range ids {
		acctID, ok := parseRootMessageID(id)
		if !ok {
			continue
		}
		root := Root{ID: acctID, MessageID: id, Mailboxes: map[string]MailboxState{}}
		if v, ok, err := t.tx.Property(id, "lastmod"); err != nil {
			return nil, err
		} else if ok {
			n, _ := strconv.ParseUint(v, 10, 64)
			root.Lastmod = n
		}
		if v, ok, err := t.tx.Property(id, "maildir"); err != nil {
			return nil, err
		} else if ok {
			root.Maildir = v
		}
		mailboxes, err := t.tx.PropertyValues(id, "mailbox")
		if err != nil {
			return nil, err
		}
		for _, mbx := range mailboxes {
			st := MailboxState{}
			if v, ok, _ := t.tx.Property(id, mbxKey(mbx, "separator")); ok {
				st.Separator = v
			}
			if v, ok, _ := t.tx.Property(id, mbxKey(mbx, "uidvalidity")); ok {
				n, _ := strconv.ParseUint(v, 10, 32)
				st.UIDValidity = uint32(n)
			}
			if v, ok, _ := t.tx.Property(id, mbxKey(mbx, "highestmodseq")); ok {
				n, _ := strconv.ParseUint(v, 10, 64)
				st.HighestModSeq = n
			}
			root.Mailboxes[mbx] = st
		}
		out = append(out, root)
	}
	return out, nil
}

// NextAccountID scans existing roots and picks max+1, per §3.
func (t *Txn) NextAccountID() (int, error) {
	roots, err := t.FindRoots()
	if err != nil {
		return 0, err
	}
	next := 0
	for _, r := range roots {
		if r.ID+1 > next {
			next = r.ID + 1
		}
	}
	return next, nil
}

// CreateRoot indexes path (a minimal synthetic email already staged
// and published into the maildir by the caller) as the root message
// for a new account, per §3's lifecycle: "A root is created on first
// run with --create". maildir records which --maildir NAME this
// account belongs to, so a later invocation can find it again without
// an account id on the command line.
func (t *Txn) CreateRoot(acctID int, path, maildir string) (Root, error) {
	id := RootMessageID(acctID)
	if err := t.tx.CreateMessage(id, path); err != nil {
		return Root{}, err
	}
	if err := t.tx.AddTag(id, "internal"); err != nil {
		return Root{}, err
	}
	if err := t.tx.SetProperty(id, "marker", "root"); err != nil {
		return Root{}, err
	}
	if err := t.tx.SetProperty(id, "maildir", maildir); err != nil {
		return Root{}, err
	}
	return Root{ID: acctID, MessageID: id, Maildir: maildir, Mailboxes: map[string]MailboxState{}}, nil
}

// FindRootByMaildir returns the account root created under the given
// --maildir NAME, if one exists.
func (t *Txn) FindRootByMaildir(maildir string) (Root, bool, error) {
	roots, err := t.FindRoots()
	if err != nil {
		return Root{}, false, err
	}
	for _, r := range roots {
		if r.Maildir == maildir {
			return r, true, nil
		}
	}
	return Root{}, false, nil
}

// SetMailboxState records (or updates) mbx's account-level bookkeeping.
func (t *Txn) SetMailboxState(root Root, mbx string, st MailboxState) error {
	if err := t.tx.AddPropertyValue(root.MessageID, "mailbox", mbx); err != nil {
		return err
	}
	if err := t.tx.SetProperty(root.MessageID, mbxKey(mbx, "separator"), st.Separator); err != nil {
		return err
	}
	if err := t.tx.SetProperty(root.MessageID, mbxKey(mbx, "uidvalidity"), strconv.FormatUint(uint64(st.UIDValidity), 10)); err != nil {
		return err
	}
	return t.tx.SetProperty(root.MessageID, mbxKey(mbx, "highestmodseq"), strconv.FormatUint(st.HighestModSeq, 10))
}

// RemoveMailbox drops mbx from the account's known mailbox set, used
// when list refresh finds it gone upstream.
func (t *Txn) RemoveMailbox(root Root, mbx string) error {
	if err := t.tx.RemovePropertyValue(root.MessageID, "mailbox", mbx); err != nil {
		return err
	}
	for _, suffix := range []string{"separator", "uidvalidity", "highestmodseq"} {
		if err := t.tx.RemoveProperty(root.MessageID, mbxKey(mbx, suffix)); err != nil {
			return err
		}
	}
	return nil
}

// SetLastmod records the database modification counter observed at
// the end of a successful push.
func (t *Txn) SetLastmod(root Root, v uint64) error {
	return t.tx.SetProperty(root.MessageID, "lastmod", strconv.FormatUint(v, 10))
}

// CurrentLastmod snapshots the database's monotonic counter.
func (t *Txn) CurrentLastmod() (uint64, error) { return t.tx.CurrentLastmod() }

func (t *Txn) loadMessageRecord(root Root, id string) (*MessageRecord, error) {
	rec := &MessageRecord{ID: id, Mailboxes: map[string]MessageMailboxState{}}
	marker, ok, err := t.tx.Property(id, msgKey(root.ID, "marker"))
	if err != nil {
		return nil, err
	}
	rec.HasMarker = ok && marker == "message"

	mailboxes, err := t.tx.PropertyValues(id, msgKey(root.ID, "mailbox"))
	if err != nil {
		return nil, err
	}
	for _, mbx := range mailboxes {
		st := MessageMailboxState{}
		if v, ok, _ := t.tx.Property(id, msgMbxKey(root.ID, mbx, "uidvalidity")); ok {
			n, _ := strconv.ParseUint(v, 10, 32)
			st.UIDValidity = uint32(n)
		}
		if v, ok, _ := t.tx.Property(id, msgMbxKey(root.ID, mbx, "uid")); ok {
			n, _ := strconv.ParseUint(v, 10, 32)
			st.UID = uint32(n)
		}
		if v, ok, _ := t.tx.Property(id, msgMbxKey(root.ID, mbx, "modseq")); ok {
			n, _ := strconv.ParseUint(v, 10, 64)
			st.ModSeq = n
		}
		tags, err := t.tx.PropertyValues(id, msgMbxKey(root.ID, mbx, "tag"))
		if err != nil {
			return nil, err
		}
		st.Tags = tags
		rec.Mailboxes[mbx] = st
	}
	return rec, nil
}

// MessageByID returns id's current bookkeeping for this account, or
// ok=false if id has never been indexed for it.
func (t *Txn) MessageByID(root Root, id string) (*MessageRecord, bool, error) {
	rec, err := t.loadMessageRecord(root, id)
	if err != nil {
		return nil, false, err
	}
	return rec, rec.HasMarker || len(rec.Mailboxes) > 0, nil
}

// FindMessageByUID looks up the message currently bookkept with uid in
// mbx for this account.
func (t *Txn) FindMessageByUID(root Root, mbx string, uid uint32) (*MessageRecord, bool, error) {
	query := fmt.Sprintf("property:%s=%d", msgMbxKey(root.ID, mbx, "uid"), uid)
	ids, err := t.tx.MessageIDsByQuery(query)
	if err != nil {
		return nil, false, err
	}
	if len(ids) == 0 {
		return nil, false, nil
	}
	rec, err := t.loadMessageRecord(root, ids[0])
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// FindMessagesByMailbox returns every message this account currently
// places in mbx.
func (t *Txn) FindMessagesByMailbox(root Root, mbx string) ([]MessageRecord, error) {
	query := fmt.Sprintf("property:%s=%s", msgKey(root.ID, "mailbox"), mbx)
	ids, err := t.tx.MessageIDsByQuery(query)
	if err != nil {
		return nil, err
	}
	out := make([]MessageRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := t.loadMessageRecord(root, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// FindLocalModifications returns every message whose lastmod exceeds
// sinceLastmod, plus every message with marker unset (newly arrived
// via maildir scan), per §4.3/§4.7.
func (t *Txn) FindLocalModifications(root Root, sinceLastmod uint64) ([]MessageRecord, error) {
	ids, err := t.tx.MessageIDsByQuery("not tag:internal")
	if err != nil {
		return nil, err
	}
	modifiedIDs, err := t.tx.MessageIDsModifiedSince(sinceLastmod)
	if err != nil {
		return nil, err
	}
	modified := make(map[string]bool, len(modifiedIDs))
	for _, id := range modifiedIDs {
		modified[id] = true
	}
	var out []MessageRecord
	for _, id := range ids {
		marker, hasMarker, err := t.tx.Property(id, msgKey(root.ID, "marker"))
		if err != nil {
			return nil, err
		}
		isNew := !hasMarker || marker != "message"
		if !isNew && !modified[id] {
			continue
		}
		rec, err := t.loadMessageRecord(root, id)
		if err != nil {
			return nil, err
		}
		rec.HasMarker = !isNew
		out = append(out, *rec)
	}
	return out, nil
}

// MarkMessageSynced sets id's per-account marker to "message",
// transitioning it from newly-discovered to tracked.
func (t *Txn) MarkMessageSynced(root Root, id string) error {
	return t.tx.SetProperty(id, msgKey(root.ID, "marker"), "message")
}

func (t *Txn) setMessageMailboxTags(root Root, id, mbx string, tags []string) error {
	key := msgMbxKey(root.ID, mbx, "tag")
	if err := t.tx.RemoveProperty(id, key); err != nil {
		return err
	}
	for _, tag := range tags {
		if err := t.tx.AddPropertyValue(id, key, tag); err != nil {
			return err
		}
	}
	return nil
}

// SetMessageMailboxTags replaces id's last-reconciled tag set for mbx.
func (t *Txn) SetMessageMailboxTags(root Root, id, mbx string, tags []string) error {
	return t.setMessageMailboxTags(root, id, mbx, tags)
}

// AddMessageMailbox records id's initial placement and bookkeeping in
// mbx (new message discovered on pull, or newly APPENDed on push).
func (t *Txn) AddMessageMailbox(root Root, id, mbx string, uidValidity, uid uint32, modSeq uint64, tags []string) error {
	if err := t.tx.AddPropertyValue(id, msgKey(root.ID, "mailbox"), mbx); err != nil {
		return err
	}
	if err := t.tx.SetProperty(id, msgMbxKey(root.ID, mbx, "uidvalidity"), strconv.FormatUint(uint64(uidValidity), 10)); err != nil {
		return err
	}
	if err := t.tx.SetProperty(id, msgMbxKey(root.ID, mbx, "uid"), strconv.FormatUint(uint64(uid), 10)); err != nil {
		return err
	}
	if err := t.tx.SetProperty(id, msgMbxKey(root.ID, mbx, "modseq"), strconv.FormatUint(modSeq, 10)); err != nil {
		return err
	}
	return t.setMessageMailboxTags(root, id, mbx, tags)
}

// SetMessageMailboxModSeq updates id's last-observed MODSEQ in mbx.
func (t *Txn) SetMessageMailboxModSeq(root Root, id, mbx string, modSeq uint64) error {
	return t.tx.SetProperty(id, msgMbxKey(root.ID, mbx, "modseq"), strconv.FormatUint(modSeq, 10))
}

// RemoveMessageMailbox drops id's membership (and all bookkeeping) in
// mbx, e.g. on VANISHED or a cross-mailbox MOVE.
func (t *Txn) RemoveMessageMailbox(root Root, id, mbx string) error {
	if err := t.tx.RemovePropertyValue(id, msgKey(root.ID, "mailbox"), mbx); err != nil {
		return err
	}
	for _, suffix := range []string{"uidvalidity", "uid", "modseq", "tag"} {
		if err := t.tx.RemoveProperty(id, msgMbxKey(root.ID, mbx, suffix)); err != nil {
			return err
		}
	}
	return nil
}

// RemainingMailboxes reports which mailboxes id is still placed in,
// used to decide whether a message should be deleted after a mailbox
// membership is dropped.
func (t *Txn) RemainingMailboxes(root Root, id string) ([]string, error) {
	return t.tx.PropertyValues(id, msgKey(root.ID, "mailbox"))
}

// DeleteMessage drops id from the tag database entirely; the caller is
// responsible for the corresponding maildir unlink.
func (t *Txn) DeleteMessage(id string) error { return t.tx.Remove(id) }

// EvictMailbox clears every message's bookkeeping for mbx (a
// UIDVALIDITY change forces this per §3's lifecycle rule) and reports
// which messages became orphaned (no mailbox left) as a result.
func (t *Txn) EvictMailbox(root Root, mbx string) (orphaned []string, err error) {
	query := fmt.Sprintf("property:%s=%s", msgKey(root.ID, "mailbox"), mbx)
	ids, err := t.tx.MessageIDsByQuery(query)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := t.RemoveMessageMailbox(root, id, mbx); err != nil {
			return nil, err
		}
		remaining, err := t.RemainingMailboxes(root, id)
		if err != nil {
			return nil, err
		}
		if len(remaining) == 0 {
			orphaned = append(orphaned, id)
		}
	}
	return orphaned, nil
}

// Filename returns id's current on-disk maildir path.
func (t *Txn) Filename(id string) (string, error) { return t.tx.Filename(id) }

// Rename updates the tag database's record of id's path after a
// maildir rename.
func (t *Txn) Rename(id, newPath string) error { return t.tx.Rename(id, newPath) }

// CreateMessage indexes a locally-discovered (or newly staged) file as
// a new message.
func (t *Txn) CreateMessage(id, path string) error { return t.tx.CreateMessage(id, path) }

// CreateMessageAuto indexes a newly-staged, server-downloaded file and
// reports the message-id the tag database assigned it.
func (t *Txn) CreateMessageAuto(path string) (string, error) { return t.tx.CreateMessageAuto(path) }

// Tags/AddTag/RemoveTag expose the database tag set directly, for the
// tag<->flag mapper (C5) to diff against.
func (t *Txn) Tags(id string) ([]string, error)      { return t.tx.Tags(id) }
func (t *Txn) AddTag(id, tag string) error            { return t.tx.AddTag(id, tag) }
func (t *Txn) RemoveTag(id, tag string) error         { return t.tx.RemoveTag(id, tag) }

// Package syncengine implements the pull and push halves of the
// synchronizer (§4.6/§4.7): the only place that opens the enclosing
// database transaction (§5) and drives the IMAP session and maildir
// manager together.
//
// Grounded on the teacher's imap/fetch.go (fetch-then-apply-tags loop)
// and imap/update.go (STORE-then-persist loop), generalized to
// QRESYNC-driven incremental pull and UNCHANGEDSINCE-conflict-aware
// push.
package syncengine

import (
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kboulain/sin/internal/imapclient"
	"github.com/kboulain/sin/internal/maildir"
	"github.com/kboulain/sin/internal/store"
)

// Engine ties one account's bookkeeping store, IMAP session, and
// maildir root together for the duration of a single Pull or Push.
type Engine struct {
	store       *store.Store
	sess        *imapclient.Session
	maildirRoot string
	log         *zap.Logger
}

// New returns an Engine. maildirRoot is the directory under which each
// mailbox gets its own tmp/new/cur triple (see internal/maildir.Open).
func New(st *store.Store, sess *imapclient.Session, maildirRoot string, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: st, sess: sess, maildirRoot: maildirRoot, log: log}
}

// mailboxDirName maps an IMAP mailbox name to its on-disk maildir++
// directory name: the hierarchy separator becomes ".", and the whole
// name is "."-prefixed, per §6's "<notmuch_root>/<maildir>/" layout
// (".INBOX", ".Archive", ...).
func mailboxDirName(mbx, separator string) string {
	if separator == "" {
		separator = "/"
	}
	return "." + strings.ReplaceAll(mbx, separator, ".")
}

func (e *Engine) mailboxDir(mbx, separator string) (*maildir.Dir, error) {
	return maildir.Open(e.maildirRoot, mailboxDirName(mbx, separator))
}

// mailboxForPath reports which of the given mailboxes (by their known
// separator) a published maildir file under root belongs to, by
// matching its directory leaf against each candidate's encoded
// maildir++ directory name.
func mailboxForPath(root, path string, candidates map[string]store.MailboxState) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 2 {
		return "", false
	}
	sub := parts[len(parts)-2]
	if sub != "new" && sub != "cur" {
		return "", false
	}
	dir := strings.Join(parts[:len(parts)-2], string(filepath.Separator))
	for mbx, st := range candidates {
		if mailboxDirName(mbx, st.Separator) == dir {
			return mbx, true
		}
	}
	return "", false
}

// deleteMessage removes a message's file and its tag-database record
// together; callers have already confirmed it has no remaining mailbox
// membership.
func (e *Engine) deleteMessage(txn *store.Txn, id string) error {
	path, err := txn.Filename(id)
	if err != nil {
		return err
	}
	if err := txn.DeleteMessage(id); err != nil {
		return err
	}
	return maildir.Remove(path)
}

func setOf(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, s := range list {
		out[s] = true
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// stringSetDelta reports which strings are in to but not from, and vice
// versa, treating both slices as sets.
func stringSetDelta(from, to []string) (added, removed []string) {
	fromSet, toSet := setOf(from), setOf(to)
	for s := range toSet {
		if !fromSet[s] {
			added = append(added, s)
		}
	}
	for s := range fromSet {
		if !toSet[s] {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

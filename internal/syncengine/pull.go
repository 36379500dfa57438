package syncengine

import (
	"context"
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"

	"github.com/kboulain/sin/internal/imapwire"
	"github.com/kboulain/sin/internal/maildir"
	"github.com/kboulain/sin/internal/store"
	"github.com/kboulain/sin/internal/synerr"
	"github.com/kboulain/sin/internal/tagmap"
)

// Pull implements §4.6 for one account: list refresh, per-mailbox
// UIDVALIDITY check, VANISHED-then-FETCH application, and a single
// commit at the end. Newly downloaded messages are staged into tmp/
// during the transaction and only published into new/cur after commit,
// so a crash mid-pull never leaves a half-indexed message visible.
func (e *Engine) Pull(ctx context.Context, accountID int) error {
	txn, err := e.store.Begin(true)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Rollback()
		}
	}()

	root, err := e.findRoot(txn, accountID)
	if err != nil {
		return err
	}

	if err := e.refreshMailboxList(ctx, txn, root); err != nil {
		return err
	}

	var staged []stagedMessage
	names := make([]string, 0, len(root.Mailboxes))
	for name := range root.Mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		known := root.Mailboxes[name]
		newState, newlyStaged, err := e.pullMailbox(ctx, txn, root, name, known)
		if err != nil {
			return err
		}
		if err := txn.SetMailboxState(root, name, newState); err != nil {
			return err
		}
		staged = append(staged, newlyStaged...)
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	committed = true

	for _, s := range staged {
		if _, err := s.staged.Publish(s.flags); err != nil {
			e.log.Error("pull: failed to publish staged message", zap.String("path", s.staged.Path()), zap.Error(err))
			return synerr.Maildir(fmt.Sprintf("pull: publish %s", s.staged.Path()), err)
		}
	}
	return nil
}

func (e *Engine) findRoot(txn *store.Txn, accountID int) (store.Root, error) {
	roots, err := txn.FindRoots()
	if err != nil {
		return store.Root{}, err
	}
	for _, r := range roots {
		if r.ID == accountID {
			return r, nil
		}
	}
	return store.Root{}, synerr.Config(fmt.Sprintf("syncengine: no account %d (run with --create first)", accountID), nil)
}

// refreshMailboxList issues LIST and drops mailboxes that disappeared
// upstream, evicting and (if orphaned) deleting their messages.
func (e *Engine) refreshMailboxList(ctx context.Context, txn *store.Txn, root store.Root) error {
	entries, err := e.sess.List(ctx, "", "*")
	if err != nil {
		return err
	}
	ns, err := e.sess.NamespacePersonal(ctx)
	if err != nil {
		return err
	}

	present := map[string]bool{}
	for _, entry := range entries {
		if isNoSelect(entry.Attrs) {
			continue
		}
		present[entry.Name] = true
		if _, known := root.Mailboxes[entry.Name]; !known {
			st := store.MailboxState{Separator: entry.Delimiter}
			if st.Separator == "" {
				st.Separator = ns.Delimiter
			}
			if err := txn.SetMailboxState(root, entry.Name, st); err != nil {
				return err
			}
			root.Mailboxes[entry.Name] = st
		}
	}

	var removed []string
	for name := range root.Mailboxes {
		if !present[name] {
			removed = append(removed, name)
		}
	}
	for _, name := range removed {
		orphaned, err := txn.EvictMailbox(root, name)
		if err != nil {
			return err
		}
		for _, id := range orphaned {
			if err := e.deleteMessage(txn, id); err != nil {
				return err
			}
		}
		if err := txn.RemoveMailbox(root, name); err != nil {
			return err
		}
		delete(root.Mailboxes, name)
	}
	return nil
}

func isNoSelect(attrs []string) bool {
	for _, a := range attrs {
		if a == "\\Noselect" {
			return true
		}
	}
	return false
}

// stagedMessage is a maildir file written during the transaction that
// must only become visible (Publish) after the transaction commits.
type stagedMessage struct {
	staged *maildir.Staged
	flags  string
}

// pullMailbox runs steps 2-5 of §4.6 for a single mailbox and returns
// its updated account-level bookkeeping plus any messages staged for
// post-commit publish.
func (e *Engine) pullMailbox(ctx context.Context, txn *store.Txn, root store.Root, mbx string, known store.MailboxState) (store.MailboxState, []stagedMessage, error) {
	selRes, err := e.sess.Select(ctx, mbx, known.UIDValidity, known.HighestModSeq)
	if err != nil {
		return store.MailboxState{}, nil, err
	}

	uidValidityChanged := known.UIDValidity != 0 && selRes.UIDValidity != known.UIDValidity
	if uidValidityChanged {
		orphaned, err := txn.EvictMailbox(root, mbx)
		if err != nil {
			return store.MailboxState{}, nil, err
		}
		for _, id := range orphaned {
			if err := e.deleteMessage(txn, id); err != nil {
				return store.MailboxState{}, nil, err
			}
		}
	}
	fullResync := uidValidityChanged || known.UIDValidity == 0

	if err := e.applyVanished(txn, root, mbx, selRes.Vanished); err != nil {
		return store.MailboxState{}, nil, err
	}

	attrs := selRes.Changed
	if fullResync {
		var all imapwire.SeqSet
		all.AddRange(1, 0)
		attrs, err = e.sess.UIDFetch(ctx, all, false)
		if err != nil {
			return store.MailboxState{}, nil, err
		}
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].UID < attrs[j].UID })

	var newUIDs imapwire.SeqSet
	for _, a := range attrs {
		if !a.HasUID {
			continue
		}
		_, found, err := txn.FindMessageByUID(root, mbx, a.UID)
		if err != nil {
			return store.MailboxState{}, nil, err
		}
		if !found {
			newUIDs.AddNum(a.UID)
			continue
		}
		if err := e.applyKnownFetch(txn, root, mbx, a); err != nil {
			return store.MailboxState{}, nil, err
		}
	}

	var staged []stagedMessage
	if len(newUIDs) > 0 {
		full, err := e.sess.UIDFetch(ctx, newUIDs, true)
		if err != nil {
			return store.MailboxState{}, nil, err
		}
		sort.Slice(full, func(i, j int) bool { return full[i].UID < full[j].UID })
		for _, a := range full {
			s, err := e.installNewMessage(txn, root, mbx, known.Separator, selRes.UIDValidity, a)
			if err != nil {
				return store.MailboxState{}, nil, err
			}
			if s != nil {
				staged = append(staged, *s)
			}
		}
	}

	newState := known
	newState.UIDValidity = selRes.UIDValidity
	if selRes.HighestModSeq > newState.HighestModSeq || fullResync {
		newState.HighestModSeq = selRes.HighestModSeq
	}
	return newState, staged, nil
}

func (e *Engine) applyVanished(txn *store.Txn, root store.Root, mbx string, vanished imapwire.SeqSet) error {
	for _, rng := range vanished {
		hi := rng.Max
		if hi == 0 {
			hi = rng.Min
		}
		for uid := rng.Min; uid <= hi; uid++ {
			rec, found, err := txn.FindMessageByUID(root, mbx, uid)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if err := txn.RemoveMessageMailbox(root, rec.ID, mbx); err != nil {
				return err
			}
			remaining, err := txn.RemainingMailboxes(root, rec.ID)
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				if err := e.deleteMessage(txn, rec.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// applyKnownFetch implements §4.6 step 4's "uid known" branch: if
// MODSEQ advanced (or is 0, meaning the server has no CONDSTORE
// tracking for this message and the FETCH is authoritative), recompute
// the tag delta and rename the file to match.
func (e *Engine) applyKnownFetch(txn *store.Txn, root store.Root, mbx string, a imapwire.FetchAttrs) error {
	rec, found, err := txn.FindMessageByUID(root, mbx, a.UID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	existing := rec.Mailboxes[mbx]
	modseq := a.ModSeq
	if !a.HasModSeq {
		modseq = 0
	}
	if modseq != 0 && modseq <= existing.ModSeq {
		return nil
	}

	newTags := tagmap.TagsFromFlags(a.Flags, mbx)
	added, removed := stringSetDelta(existing.Tags, sortedKeys(newTags))
	for _, t := range added {
		if err := txn.AddTag(rec.ID, t); err != nil {
			return err
		}
	}
	for _, t := range removed {
		if err := txn.RemoveTag(rec.ID, t); err != nil {
			return err
		}
	}

	if a.HasFlags {
		path, err := txn.Filename(rec.ID)
		if err != nil {
			return err
		}
		newPath, err := maildir.SetFlags(path, maildir.FlagsFromList(a.Flags))
		if err != nil {
			return err
		}
		if err := txn.Rename(rec.ID, newPath); err != nil {
			return err
		}
	}

	if err := txn.SetMessageMailboxTags(root, rec.ID, mbx, sortedKeys(newTags)); err != nil {
		return err
	}
	return txn.SetMessageMailboxModSeq(root, rec.ID, mbx, modseq)
}

// installNewMessage implements §4.6 step 4's "uid unknown" branch: the
// body is staged to tmp/, indexed, and its properties recorded. The
// file is only made visible by Pull after the enclosing transaction
// commits.
func (e *Engine) installNewMessage(txn *store.Txn, root store.Root, mbx, separator string, uidValidity uint32, a imapwire.FetchAttrs) (*stagedMessage, error) {
	if !a.HasUID || a.Body == nil {
		return nil, nil
	}
	dir, err := e.mailboxDir(mbx, separator)
	if err != nil {
		return nil, synerr.Maildir(fmt.Sprintf("pull: open maildir for %s", mbx), err)
	}
	f, s, err := dir.Stage()
	if err != nil {
		return nil, synerr.Maildir("pull: stage new message", err)
	}
	defer f.Close()

	r := a.Body.Reader()
	if _, err := io.Copy(f, r); err != nil {
		s.Discard()
		return nil, synerr.Maildir("pull: write staged message", err)
	}
	a.Body.Close()
	if err := f.Close(); err != nil {
		return nil, synerr.Maildir("pull: close staged message", err)
	}

	id, err := txn.CreateMessageAuto(s.Path())
	if err != nil {
		s.Discard()
		return nil, err
	}

	// Per §3's invariant, a duplicate message-id within one mailbox is
	// not represented faithfully: the first UID's bookkeeping wins, the
	// rest are warned about and dropped rather than overwriting it.
	existing, known, err := txn.MessageByID(root, id)
	if err != nil {
		s.Discard()
		return nil, err
	}
	if known {
		if _, alreadyInMbx := existing.Mailboxes[mbx]; alreadyInMbx {
			dup := synerr.Duplicate(fmt.Sprintf("pull: message-id %s already present in %s, keeping first UID", id, mbx), nil)
			e.log.Warn("pull: duplicate message-id", zap.Uint32("uid", a.UID), zap.Error(dup))
			s.Discard()
			return nil, nil
		}
	}

	tags := tagmap.TagsFromFlags(a.Flags, mbx)
	modseq := a.ModSeq
	if !a.HasModSeq {
		modseq = 0
	}
	if err := txn.AddMessageMailbox(root, id, mbx, uidValidity, a.UID, modseq, sortedKeys(tags)); err != nil {
		return nil, err
	}
	for _, t := range sortedKeys(tags) {
		if err := txn.AddTag(id, t); err != nil {
			return nil, err
		}
	}
	if err := txn.MarkMessageSynced(root, id); err != nil {
		return nil, err
	}
	return &stagedMessage{staged: s, flags: maildir.FlagsFromList(a.Flags)}, nil
}

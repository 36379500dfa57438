package syncengine

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/kboulain/sin/internal/imapwire"
	"github.com/kboulain/sin/internal/store"
	"github.com/kboulain/sin/internal/synerr"
	"github.com/kboulain/sin/internal/tagmap"
)

// Push implements §4.7 for one account: per-mailbox UIDVALIDITY check,
// a snapshot of local modifications, and one APPEND/STORE/MOVE per
// candidate, all inside a single transaction. A MODIFIED STORE response
// or a UIDVALIDITY mismatch ends the push with PULL_REQUIRED rather than
// guessing at a resolution; the next pull reconciles it.
func (e *Engine) Push(ctx context.Context, accountID int) error {
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

	names := make([]string, 0, len(root.Mailboxes))
	for name := range root.Mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)

	selected := make(map[string]store.MailboxState, len(names))
	for _, name := range names {
		known := root.Mailboxes[name]
		selRes, err := e.sess.Select(ctx, name, known.UIDValidity, known.HighestModSeq)
		if err != nil {
			return err
		}
		if known.UIDValidity != 0 && selRes.UIDValidity != known.UIDValidity {
			return synerr.PullRequired
		}
		selected[name] = store.MailboxState{
			Separator:     known.Separator,
			UIDValidity:   selRes.UIDValidity,
			HighestModSeq: known.HighestModSeq,
		}
	}

	candidates, err := txn.FindLocalModifications(root, root.Lastmod)
	if err != nil {
		return err
	}

	pullRequired := false
	for _, rec := range candidates {
		if err := e.pushMessage(ctx, txn, root, rec, selected); err != nil {
			if synerr.IsPullRequired(err) {
				pullRequired = true
				continue
			}
			return err
		}
	}

	for name, st := range selected {
		if err := txn.SetMailboxState(root, name, st); err != nil {
			return err
		}
	}

	lastmod, err := txn.CurrentLastmod()
	if err != nil {
		return err
	}
	if err := txn.SetLastmod(root, lastmod); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	committed = true

	if pullRequired {
		return synerr.PullRequired
	}
	return nil
}

// pushMessage implements §4.7 step 3 for one candidate: new-message
// APPEND, mailbox-relocation MOVE, or tag-change STORE.
func (e *Engine) pushMessage(ctx context.Context, txn *store.Txn, root store.Root, rec store.MessageRecord, selected map[string]store.MailboxState) error {
	tags, err := txn.Tags(rec.ID)
	if err != nil {
		return err
	}
	syncTags := filterSyncable(tags)

	if !rec.HasMarker {
		return e.pushNewMessage(ctx, txn, root, rec, syncTags, selected)
	}

	path, err := txn.Filename(rec.ID)
	if err != nil {
		return err
	}
	curMbx, ok := mailboxForPath(e.maildirRoot, path, selected)

	if ok {
		if _, tracked := rec.Mailboxes[curMbx]; !tracked {
			for oldMbx, st := range rec.Mailboxes {
				if _, stillManaged := selected[oldMbx]; !stillManaged {
					continue
				}
				return e.pushRelocatedMessage(ctx, txn, root, rec, oldMbx, curMbx, st, syncTags)
			}
		}
	}

	for mbx, st := range rec.Mailboxes {
		if _, managed := selected[mbx]; !managed {
			continue
		}
		if err := e.pushTagChange(ctx, txn, root, rec, mbx, st, syncTags, selected); err != nil {
			return err
		}
	}
	return nil
}

func filterSyncable(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if tagmap.Syncable(t) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) pushNewMessage(ctx context.Context, txn *store.Txn, root store.Root, rec store.MessageRecord, syncTags []string, selected map[string]store.MailboxState) error {
	path, err := txn.Filename(rec.ID)
	if err != nil {
		return err
	}
	mbx, ok := mailboxForPath(e.maildirRoot, path, selected)
	if !ok {
		return synerr.Consistency(fmt.Sprintf("syncengine: new message %s is not inside a managed mailbox directory", path), nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return synerr.Maildir(fmt.Sprintf("push: read %s", path), err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return synerr.Maildir(fmt.Sprintf("push: stat %s", path), err)
	}

	flags := tagmap.FlagsFromTags(setOf(syncTags))
	apRes, err := e.sess.Append(ctx, mbx, flags, info.ModTime(), data)
	if err != nil {
		return err
	}

	if err := txn.AddMessageMailbox(root, rec.ID, mbx, apRes.UIDValidity, apRes.UID, 0, syncTags); err != nil {
		return err
	}
	return txn.MarkMessageSynced(root, rec.ID)
}

func (e *Engine) pushRelocatedMessage(ctx context.Context, txn *store.Txn, root store.Root, rec store.MessageRecord, oldMbx, newMbx string, st store.MessageMailboxState, syncTags []string) error {
	if e.sess.SelectedMailbox() != oldMbx {
		if _, err := e.sess.Select(ctx, oldMbx, st.UIDValidity, 0); err != nil {
			return err
		}
	}
	var set imapwire.SeqSet
	set.AddNum(st.UID)
	moveRes, err := e.sess.UIDMove(ctx, set, newMbx)
	if err != nil {
		return err
	}
	if err := txn.RemoveMessageMailbox(root, rec.ID, oldMbx); err != nil {
		return err
	}
	if err := txn.AddMessageMailbox(root, rec.ID, newMbx, moveRes.DstUIDValidity, moveRes.DstUID, 0, syncTags); err != nil {
		return err
	}
	return txn.MarkMessageSynced(root, rec.ID)
}

func (e *Engine) pushTagChange(ctx context.Context, txn *store.Txn, root store.Root, rec store.MessageRecord, mbx string, st store.MessageMailboxState, syncTags []string, selected map[string]store.MailboxState) error {
	currentFlags := setOf(tagmap.FlagsFromTags(setOf(syncTags)))
	previousFlags := setOf(tagmap.FlagsFromTags(setOf(st.Tags)))
	added, removed := tagmap.Delta(previousFlags, currentFlags)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	if e.sess.SelectedMailbox() != mbx {
		if _, err := e.sess.Select(ctx, mbx, st.UIDValidity, selected[mbx].HighestModSeq); err != nil {
			return err
		}
	}

	var set imapwire.SeqSet
	set.AddNum(st.UID)

	newModSeq := st.ModSeq
	if len(added) > 0 {
		res, err := e.sess.UIDStore(ctx, set, "+", added, newModSeq)
		if err != nil {
			return err
		}
		if len(res.Modified) > 0 {
			return synerr.PullRequired
		}
		newModSeq = maxModSeq(newModSeq, res.Updated)
	}
	if len(removed) > 0 {
		res, err := e.sess.UIDStore(ctx, set, "-", removed, newModSeq)
		if err != nil {
			return err
		}
		if len(res.Modified) > 0 {
			return synerr.PullRequired
		}
		newModSeq = maxModSeq(newModSeq, res.Updated)
	}

	if err := txn.SetMessageMailboxModSeq(root, rec.ID, mbx, newModSeq); err != nil {
		return err
	}
	if newModSeq > selected[mbx].HighestModSeq {
		entry := selected[mbx]
		entry.HighestModSeq = newModSeq
		selected[mbx] = entry
	}
	return txn.SetMessageMailboxTags(root, rec.ID, mbx, syncTags)
}

func maxModSeq(cur uint64, updated []imapwire.FetchAttrs) uint64 {
	for _, a := range updated {
		if a.HasModSeq && a.ModSeq > cur {
			cur = a.ModSeq
		}
	}
	return cur
}

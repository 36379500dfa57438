// Package notmuchdb implements internal/store.TagDB against a real
// github.com/zenhack/go.notmuch database, grounded on the teacher's
// nm/sync open-or-create-then-upgrade sequence (nm/nm.go, sync/nm.go).
package notmuchdb

import (
	"fmt"

	notmuch "github.com/zenhack/go.notmuch"

	"github.com/kboulain/sin/internal/store"
	"github.com/kboulain/sin/internal/synerr"
)

// DB opens (or creates) a notmuch database at path.
type DB struct {
	path string
}

// Open mirrors the teacher's open-or-create-then-upgrade sequence.
// createIfMissing corresponds to the CLI's --create flag; without it,
// a missing database is a configuration error, not silently created.
func Open(path string, createIfMissing bool) (*DB, error) {
	db, err := notmuch.Open(path, notmuch.DBReadWrite)
	if err != nil {
		if !createIfMissing {
			return nil, synerr.Config(fmt.Sprintf("notmuchdb: %s does not exist (use --create)", path), err)
		}
		db, err = notmuch.Create(path)
		if err != nil {
			return nil, synerr.Database(fmt.Sprintf("notmuchdb: create %s", path), err)
		}
	}
	defer db.Close()
	if db.NeedsUpgrade() {
		if err := db.Upgrade(); err != nil {
			return nil, synerr.Database("notmuchdb: upgrade", err)
		}
	}
	return &DB{path: path}, nil
}

// Begin implements store.TagDB.
func (d *DB) Begin(write bool) (store.Tx, error) {
	mode := notmuch.DBReadOnly
	if write {
		mode = notmuch.DBReadWrite
	}
	db, err := notmuch.Open(d.path, mode)
	if err != nil {
		return nil, synerr.Database("notmuchdb: open transaction", err)
	}
	if write {
		if err := db.BeginAtomic(); err != nil {
			db.Close()
			return nil, synerr.Database("notmuchdb: begin atomic section", err)
		}
	}
	return &tx{db: db, write: write}, nil
}

type tx struct {
	db    *notmuch.DB
	write bool
	done  bool
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.write {
		if err := t.db.EndAtomic(); err != nil {
			t.db.Close()
			return synerr.Database("notmuchdb: end atomic section", err)
		}
	}
	return t.db.Close()
}

// Rollback closes the handle without further mutation. notmuch's
// atomic section guarantees other readers never observe a partial
// update, not an undo of writes already issued. sin only calls
// Rollback before any mutating call has been made in a transaction
// (internal/syncengine aborts by returning an error before mutating,
// never mid-mutation).
func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.write {
		t.db.EndAtomic()
	}
	return t.db.Close()
}

func (t *tx) MessageIDsByQuery(query string) ([]string, error) {
	q := t.db.NewQuery(query)
	defer q.Close()
	msgs, err := q.Messages()
	if err != nil {
		return nil, err
	}
	var out []string
	var msg *notmuch.Message
	for msgs.Next(&msg) {
		out = append(out, msg.ID())
	}
	return out, nil
}

// CreateMessage indexes path. The file must already carry a Message-Id
// header equal to id; notmuch derives the message-id from the message
// itself rather than from an argument.
func (t *tx) CreateMessage(id, path string) error {
	msg, err := t.db.AddMessage(path)
	if err != nil {
		return err
	}
	defer msg.Close()
	if msg.ID() != id {
		return fmt.Errorf("notmuchdb: staged file at %s has message-id %q, want %q", path, msg.ID(), id)
	}
	return nil
}

// CreateMessageAuto indexes a server-downloaded file and reports the
// message-id notmuch derived from its content (its Message-Id header,
// or a content hash if the message lacks one).
func (t *tx) CreateMessageAuto(path string) (string, error) {
	msg, err := t.db.AddMessage(path)
	if err != nil {
		return "", err
	}
	defer msg.Close()
	return msg.ID(), nil
}

func (t *tx) Filename(id string) (string, error) {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return "", err
	}
	defer msg.Close()
	return msg.Filename(), nil
}

// Rename re-points notmuch's record of id at newPath. go.notmuch has no
// direct rename call; this adds the new path and drops the old one,
// which is how notmuch's own multi-file-per-message-id model expects a
// file move to be represented.
func (t *tx) Rename(id, newPath string) error {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return err
	}
	old := msg.Filename()
	msg.Close()
	if _, err := t.db.AddMessage(newPath); err != nil && err != notmuch.ErrDuplicateMessageID {
		return err
	}
	return t.db.RemoveMessage(old)
}

func (t *tx) Remove(id string) error {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return err
	}
	path := msg.Filename()
	msg.Close()
	return t.db.RemoveMessage(path)
}

func (t *tx) Tags(id string) ([]string, error) {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return nil, err
	}
	defer msg.Close()
	tags := msg.Tags()
	var out []string
	tag := &notmuch.Tag{}
	for tags.Next(&tag) {
		out = append(out, tag.Value)
	}
	return out, tags.Close()
}

func (t *tx) AddTag(id, tagName string) error {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return err
	}
	defer msg.Close()
	return msg.AddTag(tagName)
}

func (t *tx) RemoveTag(id, tagName string) error {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return err
	}
	defer msg.Close()
	return msg.RemoveTag(tagName)
}

func (t *tx) Property(id, key string) (string, bool, error) {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return "", false, err
	}
	defer msg.Close()
	v, err := msg.GetProperty(key)
	if err != nil {
		if err == notmuch.ErrNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (t *tx) SetProperty(id, key, value string) error {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return err
	}
	defer msg.Close()
	msg.RemoveAllProperties(key)
	return msg.AddProperty(key, value)
}

func (t *tx) RemoveProperty(id, key string) error {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return err
	}
	defer msg.Close()
	return msg.RemoveAllProperties(key)
}

func (t *tx) PropertyValues(id, key string) ([]string, error) {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return nil, err
	}
	defer msg.Close()
	props := msg.Properties(key, true)
	var out []string
	var k, v string
	for props.Next(&k, &v) {
		out = append(out, v)
	}
	return out, props.Close()
}

func (t *tx) AddPropertyValue(id, key, value string) error {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return err
	}
	defer msg.Close()
	return msg.AddProperty(key, value)
}

func (t *tx) RemovePropertyValue(id, key, value string) error {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return err
	}
	defer msg.Close()
	return msg.RemoveProperty(key, value)
}

func (t *tx) PropertiesWithPrefix(id, prefix string) (map[string]string, error) {
	msg, err := t.db.FindMessage(id)
	if err != nil {
		return nil, err
	}
	defer msg.Close()
	props := msg.Properties(prefix, false)
	out := map[string]string{}
	var k, v string
	for props.Next(&k, &v) {
		out[k] = v
	}
	return out, props.Close()
}

// MessageIDsModifiedSince uses notmuch's "lastmod:" search-term range
// query rather than a per-message revision accessor: not every
// tag-database revision of go.notmuch exposes per-message GetRevision,
// but the query language's lastmod: range term is part of notmuch's
// search-terms syntax independent of that binding.
func (t *tx) MessageIDsModifiedSince(sinceLastmod uint64) ([]string, error) {
	current, _ := t.db.Revision()
	if current <= sinceLastmod {
		return nil, nil
	}
	query := fmt.Sprintf("lastmod:%d..%d", sinceLastmod+1, current)
	return t.MessageIDsByQuery(query)
}

func (t *tx) CurrentLastmod() (uint64, error) {
	rev, _ := t.db.Revision()
	return rev, nil
}

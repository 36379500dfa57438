// Package store implements the bookkeeping layer (sync component C3):
// typed accessors over the per-account and per-message properties the
// synchronizer keeps inside the tag database, as described in §3/§4.3.
// It is grounded on the teacher's nm/sync wrapper pattern (one
// read-only or read-write handle per operation, via Wrap/WrapRW), but
// redirects all of the teacher's separate sqlite bookkeeping database
// into tag-database properties on a per-account sentinel root message
// instead. See DESIGN.md for why.
package store

// TagDB is the minimal transactional interface this package needs
// from the underlying tag database: per-message tags, per-message
// single- and multi-value properties, simple query-by-property
// lookups, and a monotonic per-database modification counter. Two
// implementations exist: notmuchdb (the real github.com/zenhack/go.notmuch
// binding) and memdb (an in-memory fake used by tests).
type TagDB interface {
	// Begin opens a transaction. write enforces the "a process holds
	// at most one writable transaction; readers are unconstrained"
	// rule from §4.3: at most one write transaction may be open on a
	// given TagDB at a time.
	Begin(write bool) (Tx, error)
}

// Tx is one open transaction against the tag database.
type Tx interface {
	Commit() error
	Rollback() error

	// MessageIDsByQuery runs a tag-database query (the same query
	// language notmuch uses: "tag:x", "property:k=v") and returns
	// matching message-ids.
	MessageIDsByQuery(query string) ([]string, error)

	// CreateMessage indexes the file at path as a new message with
	// the given message-id, used both for the synthetic per-account
	// root and for locally-discovered messages found via maildir scan.
	CreateMessage(id, path string) error

	// CreateMessageAuto indexes the file at path (already staged on
	// disk) and returns the message-id the tag database derived for it
	// from the file's own content. Used for server-downloaded mail,
	// whose message-id isn't known until the body has been parsed.
	CreateMessageAuto(path string) (id string, err error)

	// Filename returns the current on-disk path notmuch has recorded
	// for id.
	Filename(id string) (string, error)

	// Rename updates the tag database's record of id's filename after
	// a maildir rename (publish/set_flags/relocate all change it).
	Rename(id, newPath string) error

	// Remove drops id from the tag database entirely. The underlying
	// file is left on disk; the caller unlinks it afterwards.
	Remove(id string) error

	Tags(id string) ([]string, error)
	AddTag(id, tag string) error
	RemoveTag(id, tag string) error

	// Property reads a single-value property; ok is false if unset.
	Property(id, key string) (value string, ok bool, err error)
	// SetProperty replaces a single-value property's value.
	SetProperty(id, key, value string) error
	// RemoveProperty removes a single-value property entirely.
	RemoveProperty(id, key string) error

	// PropertyValues reads a multi-value property's full set.
	PropertyValues(id, key string) ([]string, error)
	AddPropertyValue(id, key, value string) error
	RemovePropertyValue(id, key, value string) error

	// PropertiesWithPrefix returns every single-value property whose
	// key starts with prefix, keyed by full key. It can enumerate a
	// message's per-mailbox bookkeeping ("$id." properties) without
	// knowing the mailbox names in advance; Store reads those properties
	// by mailbox name and does not call it.
	PropertiesWithPrefix(id, prefix string) (map[string]string, error)

	// MessageIDsModifiedSince returns every message-id whose per-message
	// revision exceeds sinceLastmod, via the tag database's "lastmod:"
	// range-query term rather than a per-message revision accessor (not
	// every tag-database binding exposes one).
	MessageIDsModifiedSince(sinceLastmod uint64) ([]string, error)

	// CurrentLastmod snapshots the database-wide monotonic counter.
	CurrentLastmod() (uint64, error)
}

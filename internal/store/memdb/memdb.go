// Package memdb is an in-memory stand-in for a real tag database,
// implementing internal/store.TagDB for tests. It supports exactly the
// query forms internal/store itself issues ("property:k=v" and "not
// tag:internal"); it is not a general notmuch query engine.
package memdb

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kboulain/sin/internal/store"
)

type message struct {
	path    string
	tags    map[string]bool
	props   map[string]map[string]bool
	lastmod uint64
}

// DB is the fake tag database. The zero value is not usable; use New.
type DB struct {
	mu       sync.Mutex
	messages map[string]*message
	counter  uint64
}

// New returns an empty database.
func New() *DB {
	return &DB{messages: map[string]*message{}}
}

// Begin implements store.TagDB. memdb serializes all transactions
// (read or write) behind one mutex, which trivially satisfies
// "readers are unconstrained, at most one writer" since the process is
// single-threaded per §5 anyway.
func (d *DB) Begin(write bool) (store.Tx, error) {
	d.mu.Lock()
	return &tx{db: d}, nil
}

type tx struct {
	db   *DB
	done bool
}

func (t *tx) finish() {
	if !t.done {
		t.done = true
		t.db.mu.Unlock()
	}
}

func (t *tx) Commit() error   { t.finish(); return nil }
func (t *tx) Rollback() error { t.finish(); return nil }

func (t *tx) get(id string) (*message, error) {
	m, ok := t.db.messages[id]
	if !ok {
		return nil, fmt.Errorf("memdb: unknown message %q", id)
	}
	return m, nil
}

func (t *tx) touch(m *message) {
	t.db.counter++
	m.lastmod = t.db.counter
}

func (t *tx) MessageIDsByQuery(query string) ([]string, error) {
	var out []string
	switch {
	case query == "not tag:internal":
		for id, m := range t.db.messages {
			if !m.tags["internal"] {
				out = append(out, id)
			}
		}
	case strings.HasPrefix(query, "property:"):
		parts := strings.SplitN(strings.TrimPrefix(query, "property:"), "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("memdb: malformed query %q", query)
		}
		key, val := parts[0], parts[1]
		for id, m := range t.db.messages {
			if m.props[key][val] {
				out = append(out, id)
			}
		}
	default:
		return nil, fmt.Errorf("memdb: unsupported query %q", query)
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) CreateMessage(id, path string) error {
	if _, ok := t.db.messages[id]; ok {
		return fmt.Errorf("memdb: message %q already exists", id)
	}
	t.db.counter++
	t.db.messages[id] = &message{
		path:    path,
		tags:    map[string]bool{},
		props:   map[string]map[string]bool{},
		lastmod: t.db.counter,
	}
	return nil
}

// CreateMessageAuto fabricates a message-id the way a real tag database
// would derive one from content it has never seen before. memdb has no
// content to hash, so it mints one from its own counter.
func (t *tx) CreateMessageAuto(path string) (string, error) {
	t.db.counter++
	id := fmt.Sprintf("<memdb-%d@local>", t.db.counter)
	if err := t.CreateMessage(id, path); err != nil {
		return "", err
	}
	return id, nil
}

func (t *tx) Filename(id string) (string, error) {
	m, err := t.get(id)
	if err != nil {
		return "", err
	}
	return m.path, nil
}

func (t *tx) Rename(id, newPath string) error {
	m, err := t.get(id)
	if err != nil {
		return err
	}
	m.path = newPath
	return nil
}

func (t *tx) Remove(id string) error {
	delete(t.db.messages, id)
	return nil
}

func (t *tx) Tags(id string) ([]string, error) {
	m, err := t.get(id)
	if err != nil {
		return nil, err
	}
	var out []string
	for tag := range m.tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) AddTag(id, tag string) error {
	m, err := t.get(id)
	if err != nil {
		return err
	}
	if !m.tags[tag] {
		m.tags[tag] = true
		t.touch(m)
	}
	return nil
}

func (t *tx) RemoveTag(id, tag string) error {
	m, err := t.get(id)
	if err != nil {
		return err
	}
	if m.tags[tag] {
		delete(m.tags, tag)
		t.touch(m)
	}
	return nil
}

func (t *tx) Property(id, key string) (string, bool, error) {
	m, err := t.get(id)
	if err != nil {
		return "", false, err
	}
	for v := range m.props[key] {
		return v, true, nil
	}
	return "", false, nil
}

func (t *tx) SetProperty(id, key, value string) error {
	m, err := t.get(id)
	if err != nil {
		return err
	}
	m.props[key] = map[string]bool{value: true}
	t.touch(m)
	return nil
}

func (t *tx) RemoveProperty(id, key string) error {
	m, err := t.get(id)
	if err != nil {
		return err
	}
	if len(m.props[key]) > 0 {
		delete(m.props, key)
		t.touch(m)
	}
	return nil
}

func (t *tx) PropertyValues(id, key string) ([]string, error) {
	m, err := t.get(id)
	if err != nil {
		return nil, err
	}
	var out []string
	for v := range m.props[key] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) AddPropertyValue(id, key, value string) error {
	m, err := t.get(id)
	if err != nil {
		return err
	}
	if m.props[key] == nil {
		m.props[key] = map[string]bool{}
	}
	if !m.props[key][value] {
		m.props[key][value] = true
		t.touch(m)
	}
	return nil
}

func (t *tx) RemovePropertyValue(id, key, value string) error {
	m, err := t.get(id)
	if err != nil {
		return err
	}
	if m.props[key][value] {
		delete(m.props[key], value)
		t.touch(m)
	}
	return nil
}

func (t *tx) PropertiesWithPrefix(id, prefix string) (map[string]string, error) {
	m, err := t.get(id)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for k, vals := range m.props {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		for v := range vals {
			out[k] = v
			break
		}
	}
	return out, nil
}

// MessageIDsModifiedSince mirrors notmuchdb's "lastmod:" range query
// using the per-message counter memdb already tracks.
func (t *tx) MessageIDsModifiedSince(sinceLastmod uint64) ([]string, error) {
	var out []string
	for id, m := range t.db.messages {
		if m.lastmod > sinceLastmod {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *tx) CurrentLastmod() (uint64, error) { return t.db.counter, nil }

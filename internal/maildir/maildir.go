// Package maildir implements the staged-write/atomic-rename maildir
// manager described by spec §4.4: a file is written to tmp, then
// published into new or cur by an atomic rename, and its flag-character
// suffix is kept in sync with the tag-derived flag set by further
// renames.
//
// Grounded on the teacher's imap/fetch.go (tmp-then-rename staging) and
// imap/imap.go's createMailDir, generalized to the full operation set
// spec §4.4 names (stage/publish/set_flags/relocate/remove).
package maildir

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// validFlagChars is the maildir "info" alphabet, in the canonical sort
// order the maildir spec requires: D F P R S T.
const validFlagChars = "DFPRST"

var uniqueCounter uint64

// Dir is a single mailbox's on-disk maildir: <root>/<name>/{tmp,new,cur}.
type Dir struct {
	root     string // <notmuch_root>/<maildir>
	name     string // mailbox name, e.g. ".INBOX"
	hostname string
}

// Open returns a Dir for the named mailbox under root, creating its
// tmp/new/cur subdirectories if they don't already exist.
func Open(root, name string) (*Dir, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	d := &Dir{root: root, name: name, hostname: sanitizeHostname(hostname)}
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(d.path(sub), 0o700); err != nil {
			return nil, fmt.Errorf("maildir: create %s/%s: %w", name, sub, err)
		}
	}
	return d, nil
}

func sanitizeHostname(h string) string {
	return strings.NewReplacer("/", "\\057", ":", "\\072").Replace(h)
}

func (d *Dir) path(elem ...string) string {
	return filepath.Join(append([]string{d.root, d.name}, elem...)...)
}

// uniqueName builds the maildir "unique" component:
// <epochms>.<random>.<host>.
func (d *Dir) uniqueName() string {
	n := atomic.AddUint64(&uniqueCounter, 1)
	var r [8]byte
	if _, err := rand.Read(r[:]); err != nil {
		// crypto/rand failing is catastrophic but must not crash a
		// sync run; fall back to the monotonic counter alone.
		return fmt.Sprintf("%d.%d.%s", time.Now().UnixMilli(), n, d.hostname)
	}
	return fmt.Sprintf("%d.%s%d.%s", time.Now().UnixMilli(), hex.EncodeToString(r[:]), n, d.hostname)
}

// flagSuffix builds the ":2,<flags>" suffix for a sorted, deduplicated
// flag set drawn from validFlagChars.
func flagSuffix(flags string) string {
	seen := map[byte]bool{}
	var out []byte
	for i := 0; i < len(flags); i++ {
		c := flags[i]
		if strings.IndexByte(validFlagChars, c) < 0 || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.IndexByte(validFlagChars, out[i]) < strings.IndexByte(validFlagChars, out[j])
	})
	return ":2," + string(out)
}

// Staged is an in-progress maildir entry: a path under tmp/ not yet
// visible to any maildir scanner.
type Staged struct {
	dir  *Dir
	path string
	name string
}

// Path returns the staged file's path inside tmp/.
func (s *Staged) Path() string { return s.path }

// Stage creates a new file under tmp/ and returns a handle to write the
// message body into it. The caller must Close the returned file and then
// either Publish or discard it (an unreferenced tmp file is reclaimed by
// the next pull).
func (d *Dir) Stage() (*os.File, *Staged, error) {
	name := d.uniqueName()
	p := d.path("tmp", name)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("maildir: stage %s: %w", name, err)
	}
	return f, &Staged{dir: d, path: p, name: name}, nil
}

// Publish renames a staged file into new/ (if flags has no Seen-derived
// "S") or cur/ (otherwise), appending the maildir info suffix for flags.
// It returns the final path. The rename is atomic: a crash between
// Stage and Publish leaves an orphaned tmp file, not a partially visible
// message.
func (s *Staged) Publish(flags string) (string, error) {
	suffix := flagSuffix(flags)
	sub := "new"
	if strings.ContainsRune(flags, 'S') {
		sub = "cur"
	}
	dst := s.dir.path(sub, s.name+suffix)
	if err := os.Rename(s.path, dst); err != nil {
		return "", fmt.Errorf("maildir: publish %s: %w", s.name, err)
	}
	return dst, nil
}

// Discard removes a staged file without publishing it.
func (s *Staged) Discard() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("maildir: discard %s: %w", s.name, err)
	}
	return nil
}

// split breaks a published maildir path into its directory, base
// (unique name before ':'), and subdirectory ("new" or "cur").
func split(path string) (dir, base, sub string, ok bool) {
	dir = filepath.Dir(path)
	sub = filepath.Base(dir)
	if sub != "new" && sub != "cur" {
		return "", "", "", false
	}
	name := filepath.Base(path)
	if i := strings.IndexByte(name, ':'); i >= 0 {
		base = name[:i]
	} else {
		base = name
	}
	return dir, base, sub, true
}

// SetFlags renames a published file so that its name's flag suffix
// matches flags, moving it between new/ and cur/ as needed depending on
// whether the Seen flag ('S') is present.
func SetFlags(path string, flags string) (string, error) {
	dir, base, _, ok := split(path)
	if !ok {
		return "", fmt.Errorf("maildir: %s is not inside new/ or cur/", path)
	}
	mailboxDir := filepath.Dir(dir)
	sub := "new"
	if strings.ContainsRune(flags, 'S') {
		sub = "cur"
	}
	dst := filepath.Join(mailboxDir, sub, base+flagSuffix(flags))
	if dst == path {
		return path, nil
	}
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("maildir: set flags on %s: %w", base, err)
	}
	return dst, nil
}

// Relocate renames a published file across mailbox subdirectories,
// preserving its base name and flags. The destination's new/ or cur/
// directory is created if missing. The file lands in cur/ if its flag
// suffix carries Seen ('S'), new/ otherwise, consistent with SetFlags.
func Relocate(path string, dstRoot, dstMailbox string) (string, error) {
	dir, base, _, ok := split(path)
	if !ok {
		return "", fmt.Errorf("maildir: %s is not inside new/ or cur/", path)
	}
	name := filepath.Base(path)
	suffix := strings.TrimPrefix(name, base)

	sub := "new"
	if strings.Contains(suffix, "S") {
		sub = "cur"
	}
	_ = dir
	dst := filepath.Join(dstRoot, dstMailbox, sub, name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return "", fmt.Errorf("maildir: relocate %s: %w", base, err)
	}
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("maildir: relocate %s: %w", base, err)
	}
	return dst, nil
}

// Remove deletes a published or staged file.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("maildir: remove %s: %w", path, err)
	}
	return nil
}

// FlagsFromList renders an IMAP flag name list (see tagmap.FlagsFromTags)
// into the maildir info character string, in input order, e.g.
// []string{"\\Seen", "\\Flagged"} -> "SF" (flagSuffix sorts it later).
func FlagsFromList(imapFlags []string) string {
	var b strings.Builder
	for _, f := range imapFlags {
		switch f {
		case "\\Draft":
			b.WriteByte('D')
		case "\\Flagged":
			b.WriteByte('F')
		case "\\Answered":
			b.WriteByte('R')
		case "\\Seen":
			b.WriteByte('S')
		case "\\Deleted":
			b.WriteByte('T')
			// Passed ('P') has no IMAP system-flag equivalent; the
			// teacher never derives it either, since there is no
			// standard flag for "forwarded".
		}
	}
	return b.String()
}

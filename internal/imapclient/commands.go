package imapclient

import (
	"context"
	"fmt"
	"time"

	"github.com/kboulain/sin/internal/imapwire"
	"github.com/kboulain/sin/internal/synerr"
)

// capability issues CAPABILITY and caches the result.
func (s *Session) capability(ctx context.Context) error {
	res, err := s.exec(ctx, "CAPABILITY", func(c *imapwire.Command) {}, nil)
	if err != nil {
		return err
	}
	if err := requireStatusOK("CAPABILITY", res.tagged); err != nil {
		return err
	}
	for _, u := range res.untagged {
		if u.Kind == imapwire.UntaggedCapability {
			s.setCapabilities(u.Capabilities)
		}
	}
	return nil
}

// RequireCapabilities enforces the GREETED->AUTH' prerequisite list
// from §4.2; missing any one is fatal UNSUPPORTED.
func (s *Session) RequireCapabilities() error {
	var missing []string
	for _, want := range requiredCapabilities {
		if !s.has(want) {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return synerr.Protocol(fmt.Sprintf("imapclient: server missing required capabilities %v", missing), nil)
	}
	return nil
}

// EnableQresyncCondstore issues "ENABLE QRESYNC CONDSTORE", moving the
// session AUTH -> AUTH'.
func (s *Session) EnableQresyncCondstore(ctx context.Context) error {
	if s.state != StateAuth {
		return errWrongState("ENABLE", s.state, StateAuth)
	}
	res, err := s.exec(ctx, "ENABLE", func(c *imapwire.Command) {
		c.SP().Atom("QRESYNC").SP().Atom("CONDSTORE")
	}, nil)
	if err != nil {
		return err
	}
	if err := requireStatusOK("ENABLE", res.tagged); err != nil {
		return err
	}
	s.state = StateAuthEnabled
	return nil
}

// NamespacePersonal returns the delimiter used by the server's personal
// namespace; sin only manages that one namespace.
func (s *Session) NamespacePersonal(ctx context.Context) (imapwire.NamespaceDescriptor, error) {
	res, err := s.exec(ctx, "NAMESPACE", func(c *imapwire.Command) {}, nil)
	if err != nil {
		return imapwire.NamespaceDescriptor{}, err
	}
	if err := requireStatusOK("NAMESPACE", res.tagged); err != nil {
		return imapwire.NamespaceDescriptor{}, err
	}
	for _, u := range res.untagged {
		if u.Kind == imapwire.UntaggedNamespace && len(u.Namespace) > 0 {
			return u.Namespace[0], nil
		}
	}
	return imapwire.NamespaceDescriptor{}, synerr.Protocol("imapclient: no personal namespace reported", nil)
}

// List returns every mailbox under ref/pattern (sin always lists with
// ref="" pattern="*").
func (s *Session) List(ctx context.Context, ref, pattern string) ([]imapwire.ListEntry, error) {
	var entries []imapwire.ListEntry
	res, err := s.exec(ctx, "LIST", func(c *imapwire.Command) {
		c.SP().Quoted(ref).SP().Quoted(pattern)
	}, nil)
	if err != nil {
		return nil, err
	}
	if err := requireStatusOK("LIST", res.tagged); err != nil {
		return nil, err
	}
	for _, u := range res.untagged {
		if u.Kind == imapwire.UntaggedList {
			entries = append(entries, u.List)
		}
	}
	return entries, nil
}

// SelectResult carries the mailbox state SELECT establishes, including
// anything QRESYNC replayed about changes since the last known
// UIDVALIDITY/HIGHESTMODSEQ pair.
type SelectResult struct {
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq uint64
	PermFlags     []string
	Exists        uint32
	Vanished      imapwire.SeqSet
	VanishedAll   bool // VANISHED without EARLIER: a full resync, not incremental
	Changed       []imapwire.FetchAttrs
}

// Select opens mailbox. When knownUIDValidity and knownHighestModSeq
// are both non-zero it's issued as "SELECT mailbox (QRESYNC (uv
// hms))" per §4.2, and the server's VANISHED/FETCH replay populates
// SelectResult.Vanished/Changed.
func (s *Session) Select(ctx context.Context, mailbox string, knownUIDValidity uint32, knownHighestModSeq uint64) (*SelectResult, error) {
	if s.state != StateAuthEnabled && s.state != StateSelected {
		return nil, errWrongState("SELECT", s.state, StateAuthEnabled, StateSelected)
	}
	useQresync := knownUIDValidity != 0 && knownHighestModSeq != 0

	res, err := s.exec(ctx, "SELECT", func(c *imapwire.Command) {
		c.SP().Quoted(mailbox)
		if useQresync {
			c.SP().Atom(fmt.Sprintf("(QRESYNC (%d %d))", knownUIDValidity, knownHighestModSeq))
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	if err := requireStatusOK("SELECT", res.tagged); err != nil {
		return nil, err
	}

	out := &SelectResult{}
	if res.tagged.Code.Kind == imapwire.CodePermanentFlags {
		out.PermFlags = res.tagged.Code.Flags
	}
	for _, u := range res.untagged {
		switch u.Kind {
		case imapwire.UntaggedExists:
			out.Exists = u.Num
		case imapwire.UntaggedVanished:
			out.Vanished = append(out.Vanished, u.Vanished...)
			out.VanishedAll = out.VanishedAll || !u.VanishedEarlier
		case imapwire.UntaggedFetch:
			out.Changed = append(out.Changed, u.Fetch)
		case imapwire.UntaggedStatus:
			switch u.Code.Kind {
			case imapwire.CodeUIDValidity:
				out.UIDValidity = uint32(u.Code.Num)
			case imapwire.CodeUIDNext:
				out.UIDNext = uint32(u.Code.Num)
			case imapwire.CodeHighestModSeq:
				out.HighestModSeq = u.Code.Num
			case imapwire.CodePermanentFlags:
				out.PermFlags = u.Code.Flags
			}
		}
	}
	s.selectedName = mailbox
	s.uidValidity = out.UIDValidity
	s.uidNext = out.UIDNext
	s.highestModSeq = out.HighestModSeq
	s.permFlags = out.PermFlags
	s.state = StateSelected
	return out, nil
}

// Unselect returns to AUTH' without expunging, per §4.2's
// SELECTED->AUTH' transition.
func (s *Session) Unselect(ctx context.Context) error {
	if s.state != StateSelected {
		return nil
	}
	res, err := s.exec(ctx, "UNSELECT", func(c *imapwire.Command) {}, nil)
	if err != nil {
		return err
	}
	if err := requireStatusOK("UNSELECT", res.tagged); err != nil {
		return err
	}
	s.selectedName = ""
	s.state = StateAuthEnabled
	return nil
}

// UIDFetch issues "UID FETCH <set> (UID MODSEQ FLAGS INTERNALDATE
// RFC822.SIZE)" (plus BODY.PEEK[] when withBody is set) and returns one
// FetchAttrs per message, in whatever order the server sent them.
func (s *Session) UIDFetch(ctx context.Context, set imapwire.SeqSet, withBody bool) ([]imapwire.FetchAttrs, error) {
	if s.state != StateSelected {
		return nil, errWrongState("UID FETCH", s.state, StateSelected)
	}
	items := "(UID MODSEQ FLAGS INTERNALDATE RFC822.SIZE)"
	if withBody {
		items = "(UID MODSEQ FLAGS INTERNALDATE RFC822.SIZE BODY.PEEK[])"
	}
	var out []imapwire.FetchAttrs
	res, err := s.exec(ctx, "UID FETCH", func(c *imapwire.Command) {
		c.SP().SeqSet(set).SP().Atom(items)
	}, nil)
	if err != nil {
		return nil, err
	}
	if err := requireStatusOK("UID FETCH", res.tagged); err != nil {
		return nil, err
	}
	for _, u := range res.untagged {
		if u.Kind == imapwire.UntaggedFetch {
			out = append(out, u.Fetch)
		} else {
			s.pushUpdate(u)
		}
	}
	return out, nil
}

// UIDStoreResult reports the modseq STORE left the messages at, or the
// set that failed CONDSTORE's UNCHANGEDSINCE precondition.
type UIDStoreResult struct {
	Modified imapwire.SeqSet
	// Updated holds the untagged FETCH responses the server sent back
	// for the messages it actually stored (UID, new MODSEQ, resulting
	// FLAGS). The engine uses these to refresh $id.$mbx.modseq without
	// a follow-up round trip.
	Updated []imapwire.FetchAttrs
}

// UIDStore issues "UID STORE <set> (UNCHANGEDSINCE unchangedSince)
// <op>FLAGS (<flags>)". op is "+" to add, "-" to remove, "" to replace.
// A non-empty UIDStoreResult.Modified means the precondition failed for
// those UIDs (RFC 7162 §3.1.3); the caller maps that to PULL_REQUIRED.
func (s *Session) UIDStore(ctx context.Context, set imapwire.SeqSet, op string, flags []string, unchangedSince uint64) (*UIDStoreResult, error) {
	if s.state != StateSelected {
		return nil, errWrongState("UID STORE", s.state, StateSelected)
	}
	res, err := s.exec(ctx, "UID STORE", func(c *imapwire.Command) {
		c.SP().SeqSet(set).SP().Atom(fmt.Sprintf("(UNCHANGEDSINCE %d)", unchangedSince)).
			SP().Atom(op + "FLAGS").SP().List(flags)
	}, nil)
	if err != nil {
		return nil, err
	}
	out := &UIDStoreResult{}
	if res.tagged.Code.Kind == imapwire.CodeModified {
		out.Modified = res.tagged.Code.Modified
	}
	for _, u := range res.untagged {
		if u.Kind == imapwire.UntaggedFetch {
			out.Updated = append(out.Updated, u.Fetch)
		} else {
			s.pushUpdate(u)
		}
	}
	if res.tagged.Status != imapwire.StatusOK {
		if len(out.Modified) > 0 {
			return out, synerr.PullRequired
		}
		return out, requireStatusOK("UID STORE", res.tagged)
	}
	return out, nil
}

// UIDMoveResult reports the destination mailbox's UIDVALIDITY and the
// UID the moved message was assigned there, read back from the MOVE
// extension's COPYUID response code (RFC 6851 §3.2) without a
// follow-up SEARCH.
type UIDMoveResult struct {
	DstUIDValidity uint32
	DstUID         uint32
}

// UIDMove issues "UID MOVE <set> <mailbox>".
func (s *Session) UIDMove(ctx context.Context, set imapwire.SeqSet, mailbox string) (*UIDMoveResult, error) {
	if s.state != StateSelected {
		return nil, errWrongState("UID MOVE", s.state, StateSelected)
	}
	res, err := s.exec(ctx, "UID MOVE", func(c *imapwire.Command) {
		c.SP().SeqSet(set).SP().Quoted(mailbox)
	}, nil)
	if err != nil {
		return nil, err
	}
	for _, u := range res.untagged {
		s.pushUpdate(u)
	}
	if err := requireStatusOK("UID MOVE", res.tagged); err != nil {
		return nil, err
	}
	out := &UIDMoveResult{}
	if res.tagged.Code.Kind == imapwire.CodeCopyUID {
		out.DstUIDValidity = res.tagged.Code.CopyUIDValidity
		if len(res.tagged.Code.CopyDst) > 0 {
			out.DstUID = res.tagged.Code.CopyDst[0].Min
		}
	}
	return out, nil
}

// AppendResult is the UID assigned by UIDPLUS's APPENDUID code, read
// back without a follow-up SEARCH per §4.2.
type AppendResult struct {
	UIDValidity uint32
	UID         uint32
}

// Append stores data into mailbox with the given flags and internal
// date, via a (possibly LITERAL+) literal.
func (s *Session) Append(ctx context.Context, mailbox string, flags []string, date time.Time, data []byte) (*AppendResult, error) {
	if s.state != StateAuthEnabled && s.state != StateSelected {
		return nil, errWrongState("APPEND", s.state, StateAuthEnabled, StateSelected)
	}
	var waiter func() ([]byte, error)
	if !s.has("LITERAL+") {
		waiter = func() ([]byte, error) {
			u, _, err := s.reader.ReadResponse()
			if err != nil {
				return nil, s.fail(err)
			}
			if u.Kind != imapwire.UntaggedContinuation {
				return nil, s.fail(protocolErrf("expected continuation for APPEND literal"))
			}
			return nil, nil
		}
	}
	var cw imapwire.ContinuationWaiter
	if waiter != nil {
		cw = func() error {
			_, err := waiter()
			return err
		}
	}
	res, err := s.exec(ctx, "APPEND", func(c *imapwire.Command) {
		c.SP().Quoted(mailbox).SP().List(flags).SP().
			Quoted(date.Format("02-Jan-2006 15:04:05 -0700")).SP().
			Literal(data, cw)
	}, nil)
	if err != nil {
		return nil, err
	}
	if err := requireStatusOK("APPEND", res.tagged); err != nil {
		return nil, err
	}
	out := &AppendResult{}
	if res.tagged.Code.Kind == imapwire.CodeAppendUID {
		out.UIDValidity = res.tagged.Code.AppendUIDValidity
		out.UID = res.tagged.Code.AppendUID
	}
	return out, nil
}

// Noop issues a bare NOOP, useful purely to drain unsolicited updates
// onto the update queue.
func (s *Session) Noop(ctx context.Context) error {
	res, err := s.exec(ctx, "NOOP", func(c *imapwire.Command) {}, nil)
	if err != nil {
		return err
	}
	for _, u := range res.untagged {
		s.pushUpdate(u)
	}
	return requireStatusOK("NOOP", res.tagged)
}

// Logout issues LOGOUT and closes the connection; any state -> CLOSED.
func (s *Session) Logout(ctx context.Context) error {
	if s.state == StateClosed {
		return nil
	}
	_, err := s.exec(ctx, "LOGOUT", func(c *imapwire.Command) {}, nil)
	s.state = StateClosed
	s.conn.Close()
	return err
}

// Package imapwire implements the byte-level IMAP4rev1 wire codec (sync
// spec component C1): literals (including LITERAL+), quoted strings,
// atoms, NIL, numbers, parenthesized lists, and the tagged/untagged/
// continuation response classes a client needs to correlate commands and
// drive the sync engine.
//
// The tokenizing technique (byte-at-a-time peek/read over a bufio.Reader)
// is grounded on spilled-ink-spilld/imap/imapparser's server-side command
// scanner, adapted here to parse server *responses* instead of client
// commands, and to spill large literals to disk via crawshaw.io/iox
// instead of holding them entirely in memory.
package imapwire

import "time"

// SeqRange is a normalized IMAP sequence/UID range. Min <= Max; Max == 0
// means "*". When Min == Max it is a single value.
type SeqRange struct {
	Min, Max uint32
}

// SeqSet is an ordered list of SeqRange, corresponding to a single
// sequence-set on the wire.
type SeqSet []SeqRange

// AddNum appends a single-value range.
func (s *SeqSet) AddNum(n uint32) { *s = append(*s, SeqRange{Min: n, Max: n}) }

// AddRange appends a min:max range. max == 0 means "*".
func (s *SeqSet) AddRange(min, max uint32) { *s = append(*s, SeqRange{Min: min, Max: max}) }

// Status is the tagged-completion or untagged-status result.
type Status int

const (
	StatusOK Status = iota
	StatusNO
	StatusBad
	StatusPreauth
	StatusBye
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNO:
		return "NO"
	case StatusBad:
		return "BAD"
	case StatusPreauth:
		return "PREAUTH"
	case StatusBye:
		return "BYE"
	default:
		return "UNKNOWN"
	}
}

// CodeKind identifies which bracketed response code a status response
// carries, per §4.1.
type CodeKind int

const (
	CodeNone CodeKind = iota
	CodeUIDValidity
	CodeUIDNext
	CodeHighestModSeq
	CodeModified
	CodeAppendUID
	CodeCopyUID
	CodePermanentFlags
	CodeCapability
	CodeOther
)

// ResponseCode is the parsed bracketed portion of a status response,
// e.g. "[UIDVALIDITY 100]".
type ResponseCode struct {
	Kind CodeKind

	Num      uint64   // UIDVALIDITY, UIDNEXT, HIGHESTMODSEQ
	Modified SeqSet   // MODIFIED
	AppendUIDValidity uint32 // APPENDUID
	AppendUID         uint32 // APPENDUID
	CopyUIDValidity   uint32 // COPYUID
	CopySrc           SeqSet // COPYUID
	CopyDst           SeqSet // COPYUID
	Flags    []string // PERMANENTFLAGS, CAPABILITY
	Raw      string   // anything else, verbatim
}

// TaggedResponse is a tagged command completion: "<tag> OK/NO/BAD ...".
type TaggedResponse struct {
	Tag    string
	Status Status
	Code   ResponseCode
	Text   string
}

// UntaggedKind identifies which untagged data response was parsed.
type UntaggedKind int

const (
	UntaggedUnknown UntaggedKind = iota
	UntaggedStatus                // "* OK/NO/BAD/PREAUTH/BYE ..."
	UntaggedExists
	UntaggedExpunge
	UntaggedFetch
	UntaggedList
	UntaggedNamespace
	UntaggedVanished
	UntaggedSearch
	UntaggedCapability
	UntaggedFlags
	UntaggedContinuation // "+ ..."
)

// FetchAttrs is the set of FETCH data-items this codec understands,
// populated on an UntaggedFetch response. Unknown attributes observed on
// the wire are preserved verbatim in Opaque and logged by the caller.
type FetchAttrs struct {
	SeqNum uint32

	HasUID  bool
	UID     uint32
	HasModSeq bool
	ModSeq  uint64
	HasFlags bool
	Flags   []string
	HasInternalDate bool
	InternalDate time.Time
	HasRFC822Size bool
	RFC822Size uint32
	HasBody bool
	BodySection string // e.g. "" for BODY[]/BODY.PEEK[]
	Body    *Literal

	Opaque map[string]string
}

// Literal is a possibly-large FETCH body payload. It owns a temp-backed
// buffer (an iox.BufferFile filled by the scanner's readLiteral) that
// must be closed by the caller once consumed.
type Literal struct {
	r    LiteralReader
	size int64
}

// LiteralReader is satisfied by *iox.BufferFile: something the codec can
// stream a literal's bytes into and the caller can later Read/Seek back
// from, and must Close when done.
type LiteralReader interface {
	ReadAt(p []byte, off int64) (int, error)
	Read(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

// Size reports the literal's declared byte length.
func (l *Literal) Size() int64 { return l.size }

// Reader returns the underlying reader, seeked to the start.
func (l *Literal) Reader() LiteralReader {
	l.r.Seek(0, 0)
	return l.r
}

// Close releases the literal's backing storage.
func (l *Literal) Close() error {
	if l.r == nil {
		return nil
	}
	return l.r.Close()
}

// ListEntry is one "* LIST (...) "delim" name" response.
type ListEntry struct {
	Attrs     []string
	Delimiter string
	Name      string
}

// NamespaceDescriptor is one entry of a NAMESPACE response triple
// (personal/other-users/shared); sin only ever consults the personal
// namespace's delimiter.
type NamespaceDescriptor struct {
	Prefix    string
	Delimiter string
}

// UntaggedResponse is a parsed "* ..." line. Exactly one of the typed
// fields is meaningful, selected by Kind.
type UntaggedResponse struct {
	Kind UntaggedKind

	// UntaggedStatus
	Status Status
	Code   ResponseCode
	Text   string

	// UntaggedExists / UntaggedExpunge
	Num uint32

	// UntaggedFetch
	Fetch FetchAttrs

	// UntaggedList
	List ListEntry

	// UntaggedNamespace (only personal namespaces are populated; sin
	// does not manage shared/other-users mailboxes)
	Namespace []NamespaceDescriptor

	// UntaggedVanished
	VanishedEarlier bool
	Vanished        SeqSet

	// UntaggedSearch
	Search []uint32

	// UntaggedCapability
	Capabilities []string

	// UntaggedFlags
	Flags []string

	// UntaggedContinuation
	ContinuationText string

	// Raw is the unparsed line, kept for UntaggedUnknown responses
	// (logged and skipped per §4.1) and for diagnostics on protocol
	// errors.
	Raw string
}

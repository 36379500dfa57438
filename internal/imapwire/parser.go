package imapwire

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"crawshaw.io/iox"
)

// Reader parses a stream of IMAP responses off of a connection. One
// Reader is created per Session and lives for the session's lifetime.
type Reader struct {
	sc *scanner
}

// NewReader wraps r. filer backs literal buffering (see
// crawshaw.io/iox.Filer); callers typically share one Filer across a
// whole session.
func NewReader(r io.Reader, filer *iox.Filer) *Reader {
	br := bufio.NewReaderSize(r, 4096)
	return &Reader{sc: newScanner(br, filer)}
}

// ReadResponse reads and parses exactly one response line (continuation,
// untagged data, or tagged completion). Exactly one of the two return
// values is non-nil on success.
func (r *Reader) ReadResponse() (*UntaggedResponse, *TaggedResponse, error) {
	r.sc.skipSpaces()
	switch r.sc.peek() {
	case 0:
		if r.sc.ioErr == io.EOF {
			return nil, nil, io.EOF
		}
		return nil, nil, r.sc.ioErr
	case '+':
		r.sc.read()
		r.sc.skipSpaces()
		text, err := r.readRestOfLine()
		if err != nil {
			return nil, nil, err
		}
		return &UntaggedResponse{Kind: UntaggedContinuation, ContinuationText: text}, nil, nil
	case '*':
		r.sc.read()
		r.sc.skipSpaces()
		u, err := r.parseUntaggedBody()
		if err != nil {
			return nil, nil, err
		}
		return u, nil, nil
	default:
		tag, err := r.sc.readAtom()
		if err != nil {
			return nil, nil, err
		}
		r.sc.skipSpaces()
		t, err := r.parseTaggedBody(tag)
		if err != nil {
			return nil, nil, err
		}
		return nil, t, nil
	}
}

func (r *Reader) parseUntaggedBody() (*UntaggedResponse, error) {
	if isDigit(r.sc.peek()) {
		num, err := r.sc.readUint32()
		if err != nil {
			return nil, err
		}
		r.sc.skipSpaces()
		kw, err := r.sc.readAtom()
		if err != nil {
			return nil, err
		}
		switch strings.ToUpper(kw) {
		case "EXISTS":
			if err := r.expectCRLF(); err != nil {
				return nil, err
			}
			return &UntaggedResponse{Kind: UntaggedExists, Num: num}, nil
		case "EXPUNGE":
			if err := r.expectCRLF(); err != nil {
				return nil, err
			}
			return &UntaggedResponse{Kind: UntaggedExpunge, Num: num}, nil
		case "FETCH":
			return r.parseFetch(num)
		default:
			raw, err := r.readRestOfLine()
			return &UntaggedResponse{Kind: UntaggedUnknown, Raw: fmt.Sprintf("%d %s %s", num, kw, raw)}, err
		}
	}

	kw, err := r.sc.readAtom()
	if err != nil {
		return nil, err
	}
	r.sc.skipSpaces()
	switch strings.ToUpper(kw) {
	case "OK", "NO", "BAD", "PREAUTH", "BYE":
		return r.parseStatus(kw)
	case "CAPABILITY":
		return r.parseCapability()
	case "LIST":
		return r.parseList()
	case "NAMESPACE":
		return r.parseNamespace()
	case "VANISHED":
		return r.parseVanished()
	case "SEARCH":
		return r.parseSearch()
	case "FLAGS":
		return r.parseFlags()
	default:
		raw, err := r.readRestOfLine()
		return &UntaggedResponse{Kind: UntaggedUnknown, Raw: kw + " " + raw}, err
	}
}

func statusFromWord(w string) (Status, bool) {
	switch strings.ToUpper(w) {
	case "OK":
		return StatusOK, true
	case "NO":
		return StatusNO, true
	case "BAD":
		return StatusBad, true
	case "PREAUTH":
		return StatusPreauth, true
	case "BYE":
		return StatusBye, true
	}
	return 0, false
}

func (r *Reader) parseStatus(kw string) (*UntaggedResponse, error) {
	status, ok := statusFromWord(kw)
	if !ok {
		return nil, protoErrf("imapwire: unknown status word %q", kw)
	}
	code, err := r.maybeParseCode()
	if err != nil {
		return nil, err
	}
	text, err := r.readRestOfLine()
	if err != nil {
		return nil, err
	}
	return &UntaggedResponse{Kind: UntaggedStatus, Status: status, Code: code, Text: text}, nil
}

func (r *Reader) parseTaggedBody(tag string) (*TaggedResponse, error) {
	kw, err := r.sc.readAtom()
	if err != nil {
		return nil, err
	}
	status, ok := statusFromWord(kw)
	if !ok || (status != StatusOK && status != StatusNO && status != StatusBad) {
		return nil, protoErrf("imapwire: unexpected tagged status %q", kw)
	}
	code, err := r.maybeParseCode()
	if err != nil {
		return nil, err
	}
	text, err := r.readRestOfLine()
	if err != nil {
		return nil, err
	}
	return &TaggedResponse{Tag: tag, Status: status, Code: code, Text: text}, nil
}

// maybeParseCode parses an optional bracketed response code, per §4.1.
func (r *Reader) maybeParseCode() (ResponseCode, error) {
	r.sc.skipSpaces()
	if r.sc.peek() != '[' {
		return ResponseCode{}, nil
	}
	r.sc.read()
	kw, err := r.sc.readAtom()
	if err != nil {
		return ResponseCode{}, err
	}

	var code ResponseCode
	switch strings.ToUpper(kw) {
	case "UIDVALIDITY":
		r.sc.skipSpaces()
		n, err := r.sc.readUint64()
		if err != nil {
			return code, err
		}
		code = ResponseCode{Kind: CodeUIDValidity, Num: n}
	case "UIDNEXT":
		r.sc.skipSpaces()
		n, err := r.sc.readUint64()
		if err != nil {
			return code, err
		}
		code = ResponseCode{Kind: CodeUIDNext, Num: n}
	case "HIGHESTMODSEQ":
		r.sc.skipSpaces()
		n, err := r.sc.readUint64()
		if err != nil {
			return code, err
		}
		code = ResponseCode{Kind: CodeHighestModSeq, Num: n}
	case "MODIFIED":
		r.sc.skipSpaces()
		set, err := r.sc.readSeqSet()
		if err != nil {
			return code, err
		}
		code = ResponseCode{Kind: CodeModified, Modified: set}
	case "APPENDUID":
		r.sc.skipSpaces()
		uidvalidity, err := r.sc.readUint32()
		if err != nil {
			return code, err
		}
		r.sc.skipSpaces()
		uid, err := r.sc.readUint32()
		if err != nil {
			return code, err
		}
		code = ResponseCode{Kind: CodeAppendUID, AppendUIDValidity: uidvalidity, AppendUID: uid}
	case "COPYUID":
		r.sc.skipSpaces()
		uidvalidity, err := r.sc.readUint32()
		if err != nil {
			return code, err
		}
		r.sc.skipSpaces()
		src, err := r.sc.readSeqSet()
		if err != nil {
			return code, err
		}
		r.sc.skipSpaces()
		dst, err := r.sc.readSeqSet()
		if err != nil {
			return code, err
		}
		code = ResponseCode{Kind: CodeCopyUID, CopyUIDValidity: uidvalidity, CopySrc: src, CopyDst: dst}
	case "PERMANENTFLAGS":
		r.sc.skipSpaces()
		flags, err := r.readFlagParenList()
		if err != nil {
			return code, err
		}
		code = ResponseCode{Kind: CodePermanentFlags, Flags: flags}
	case "CAPABILITY":
		var caps []string
		for {
			r.sc.skipSpaces()
			if r.sc.peek() == ']' {
				break
			}
			a, err := r.sc.readAtom()
			if err != nil {
				return code, err
			}
			caps = append(caps, a)
		}
		code = ResponseCode{Kind: CodeCapability, Flags: caps}
	default:
		var raw []byte
		raw = append(raw, []byte(kw)...)
		for r.sc.peek() != ']' && r.sc.peek() != 0 {
			raw = append(raw, r.sc.read())
		}
		code = ResponseCode{Kind: CodeOther, Raw: string(raw)}
	}

	for r.sc.peek() != ']' && r.sc.peek() != 0 {
		r.sc.read()
	}
	if r.sc.read() != ']' {
		return code, protoErrf("imapwire: unterminated response code")
	}
	return code, nil
}

func (r *Reader) parseCapability() (*UntaggedResponse, error) {
	var caps []string
	for {
		if r.sc.atEOL() {
			break
		}
		a, err := r.sc.readAtom()
		if err != nil {
			return nil, err
		}
		caps = append(caps, a)
		r.sc.skipSpaces()
	}
	if err := r.sc.readCRLF(); err != nil {
		return nil, err
	}
	return &UntaggedResponse{Kind: UntaggedCapability, Capabilities: caps}, nil
}

func (r *Reader) parseFlags() (*UntaggedResponse, error) {
	flags, err := r.readFlagParenList()
	if err != nil {
		return nil, err
	}
	if err := r.expectCRLF(); err != nil {
		return nil, err
	}
	return &UntaggedResponse{Kind: UntaggedFlags, Flags: flags}, nil
}

func (r *Reader) parseList() (*UntaggedResponse, error) {
	attrs, err := r.readFlagParenList()
	if err != nil {
		return nil, err
	}
	r.sc.skipSpaces()
	delim, isNil, err := r.readNString()
	if err != nil {
		return nil, err
	}
	if isNil {
		delim = ""
	}
	r.sc.skipSpaces()
	name, _, err := r.sc.readAstring()
	if err != nil {
		return nil, err
	}
	if err := r.expectCRLF(); err != nil {
		return nil, err
	}
	return &UntaggedResponse{Kind: UntaggedList, List: ListEntry{Attrs: attrs, Delimiter: delim, Name: name}}, nil
}

func (r *Reader) parseNamespace() (*UntaggedResponse, error) {
	personal, err := r.parseNamespaceGroup()
	if err != nil {
		return nil, err
	}
	// Consume (and discard) the other-users and shared groups; sin only
	// manages the personal namespace.
	r.sc.skipSpaces()
	if _, err := r.parseNamespaceGroup(); err != nil {
		return nil, err
	}
	r.sc.skipSpaces()
	if _, err := r.parseNamespaceGroup(); err != nil {
		return nil, err
	}
	if err := r.expectCRLF(); err != nil {
		return nil, err
	}
	return &UntaggedResponse{Kind: UntaggedNamespace, Namespace: personal}, nil
}

func (r *Reader) parseNamespaceGroup() ([]NamespaceDescriptor, error) {
	if r.sc.peek() == 'N' || r.sc.peek() == 'n' {
		atom, err := r.sc.readAtom()
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(atom, "NIL") {
			return nil, protoErrf("imapwire: expected NIL namespace group, got %q", atom)
		}
		return nil, nil
	}
	if r.sc.read() != '(' {
		return nil, protoErrf("imapwire: expected '(' starting namespace group")
	}
	var out []NamespaceDescriptor
	for {
		r.sc.skipSpaces()
		if r.sc.peek() == ')' {
			r.sc.read()
			break
		}
		if r.sc.read() != '(' {
			return nil, protoErrf("imapwire: expected '(' starting namespace entry")
		}
		prefix, _, err := r.sc.readAstring()
		if err != nil {
			return nil, err
		}
		r.sc.skipSpaces()
		delim, isNil, err := r.readNString()
		if err != nil {
			return nil, err
		}
		if isNil {
			delim = ""
		}
		if err := r.skipToCloseParen(); err != nil {
			return nil, err
		}
		out = append(out, NamespaceDescriptor{Prefix: prefix, Delimiter: delim})
	}
	return out, nil
}

// skipToCloseParen discards namespace-response-extension bytes up to and
// including the entry's closing ')'.
func (r *Reader) skipToCloseParen() error {
	depth := 0
	for {
		b := r.sc.peek()
		if b == 0 {
			return r.sc.ioErr
		}
		if b == ')' && depth == 0 {
			r.sc.read()
			return nil
		}
		if b == '(' {
			depth++
		}
		if b == ')' {
			depth--
		}
		r.sc.read()
	}
}

func (r *Reader) parseVanished() (*UntaggedResponse, error) {
	earlier := false
	if r.sc.peek() == '(' {
		r.sc.read()
		atom, err := r.sc.readAtom()
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(atom, "EARLIER") {
			earlier = true
		}
		if r.sc.read() != ')' {
			return nil, protoErrf("imapwire: VANISHED missing closing paren")
		}
		r.sc.skipSpaces()
	}
	set, err := r.sc.readSeqSet()
	if err != nil {
		return nil, err
	}
	if err := r.expectCRLF(); err != nil {
		return nil, err
	}
	return &UntaggedResponse{Kind: UntaggedVanished, VanishedEarlier: earlier, Vanished: set}, nil
}

func (r *Reader) parseSearch() (*UntaggedResponse, error) {
	var nums []uint32
	for {
		r.sc.skipSpaces()
		if r.sc.peek() == '(' || r.sc.atEOL() {
			break
		}
		n, err := r.sc.readUint32()
		if err != nil {
			return nil, err
		}
		nums = append(nums, n)
	}
	if r.sc.peek() == '(' {
		if err := r.skipParenGroup(); err != nil {
			return nil, err
		}
	}
	if err := r.expectCRLF(); err != nil {
		return nil, err
	}
	return &UntaggedResponse{Kind: UntaggedSearch, Search: nums}, nil
}

func (r *Reader) parseFetch(seqNum uint32) (*UntaggedResponse, error) {
	attrs := FetchAttrs{SeqNum: seqNum, Opaque: map[string]string{}}
	r.sc.skipSpaces()
	if r.sc.read() != '(' {
		return nil, protoErrf("imapwire: FETCH missing '('")
	}
	for {
		r.sc.skipSpaces()
		if r.sc.peek() == ')' {
			r.sc.read()
			break
		}
		name, err := r.sc.readAtom()
		if err != nil {
			return nil, err
		}
		r.sc.skipSpaces()
		upper := strings.ToUpper(name)
		switch {
		case upper == "UID":
			n, err := r.sc.readUint32()
			if err != nil {
				return nil, err
			}
			attrs.HasUID, attrs.UID = true, n
		case upper == "MODSEQ":
			if r.sc.read() != '(' {
				return nil, protoErrf("imapwire: MODSEQ missing '('")
			}
			n, err := r.sc.readUint64()
			if err != nil {
				return nil, err
			}
			if r.sc.read() != ')' {
				return nil, protoErrf("imapwire: MODSEQ missing ')'")
			}
			attrs.HasModSeq, attrs.ModSeq = true, n
		case upper == "FLAGS":
			flags, err := r.readFlagParenList()
			if err != nil {
				return nil, err
			}
			attrs.HasFlags, attrs.Flags = true, flags
		case upper == "INTERNALDATE":
			str, _, err := r.sc.readAstring()
			if err != nil {
				return nil, err
			}
			t, err := parseInternalDate(str)
			if err != nil {
				return nil, err
			}
			attrs.HasInternalDate, attrs.InternalDate = true, t
		case upper == "RFC822.SIZE":
			n, err := r.sc.readUint32()
			if err != nil {
				return nil, err
			}
			attrs.HasRFC822Size, attrs.RFC822Size = true, n
		case strings.HasPrefix(upper, "BODY"):
			section := ""
			if i := strings.IndexByte(name, '['); i >= 0 {
				// readAtom stops at ']' but not at '[', so the opening
				// bracket and any section text before ']' are already in name.
				sec := []byte(name[i+1:])
				for r.sc.peek() != ']' && r.sc.peek() != 0 {
					sec = append(sec, r.sc.read())
				}
				if r.sc.read() != ']' {
					return nil, protoErrf("imapwire: unterminated BODY section")
				}
				section = string(sec)
			}
			if r.sc.peek() == '<' {
				r.sc.read()
				for r.sc.peek() != '>' && r.sc.peek() != 0 {
					r.sc.read()
				}
				r.sc.read()
			}
			r.sc.skipSpaces()
			switch r.sc.peek() {
			case '{':
				lit, err := r.sc.readLiteral()
				if err != nil {
					return nil, err
				}
				attrs.HasBody, attrs.BodySection, attrs.Body = true, section, lit
			case '"':
				str, err := r.sc.readQuoted()
				if err != nil {
					return nil, err
				}
				attrs.Opaque["BODY["+section+"]"] = str
			default:
				if _, err := r.sc.readAtom(); err != nil { // NIL
					return nil, err
				}
			}
		default:
			val, err := r.readOpaqueValue()
			if err != nil {
				return nil, err
			}
			attrs.Opaque[name] = val
		}
	}
	if err := r.expectCRLF(); err != nil {
		return nil, err
	}
	return &UntaggedResponse{Kind: UntaggedFetch, Fetch: attrs}, nil
}

// readOpaqueValue consumes one grammatical value (paren group, quoted
// string, literal, or atom/number) for a FETCH attribute this codec does
// not otherwise know how to interpret, returning its textual
// representation so callers can log it instead of silently dropping it.
func (r *Reader) readOpaqueValue() (string, error) {
	switch r.sc.peek() {
	case '(':
		var buf []byte
		depth := 0
		for {
			b := r.sc.peek()
			if b == 0 {
				return "", r.sc.ioErr
			}
			c := r.sc.read()
			buf = append(buf, c)
			if c == '(' {
				depth++
			}
			if c == ')' {
				depth--
				if depth == 0 {
					return string(buf), nil
				}
			}
		}
	case '"':
		return r.sc.readQuoted()
	case '{':
		lit, err := r.sc.readLiteral()
		if err != nil {
			return "", err
		}
		defer lit.Close()
		b, err := io.ReadAll(lit.Reader())
		return string(b), err
	default:
		return r.sc.readAtom()
	}
}

func (r *Reader) readFlagParenList() ([]string, error) {
	if r.sc.read() != '(' {
		return nil, protoErrf("imapwire: expected '(' starting flag list")
	}
	var flags []string
	for {
		r.sc.skipSpaces()
		if r.sc.peek() == ')' {
			r.sc.read()
			break
		}
		f, err := r.sc.readFlag()
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, nil
}

// readNString reads an nstring: either NIL or a string.
func (r *Reader) readNString() (string, bool, error) {
	switch r.sc.peek() {
	case '"':
		s, err := r.sc.readQuoted()
		return s, false, err
	case '{':
		lit, err := r.sc.readLiteral()
		if err != nil {
			return "", false, err
		}
		defer lit.Close()
		b, err := io.ReadAll(lit.Reader())
		return string(b), false, err
	default:
		atom, err := r.sc.readAtom()
		if err != nil {
			return "", false, err
		}
		if strings.EqualFold(atom, "NIL") {
			return "", true, nil
		}
		return atom, false, nil
	}
}

func (r *Reader) skipParenGroup() error {
	if r.sc.read() != '(' {
		return protoErrf("imapwire: expected '('")
	}
	depth := 1
	for depth > 0 {
		b := r.sc.peek()
		if b == 0 {
			return r.sc.ioErr
		}
		c := r.sc.read()
		if c == '(' {
			depth++
		}
		if c == ')' {
			depth--
		}
	}
	return nil
}

func (r *Reader) expectCRLF() error {
	r.sc.skipSpaces()
	return r.sc.readCRLF()
}

func (r *Reader) readRestOfLine() (string, error) {
	var out []byte
	for {
		b := r.sc.peek()
		if b == '\r' || b == '\n' || b == 0 {
			break
		}
		out = append(out, r.sc.read())
	}
	if err := r.sc.readCRLF(); err != nil {
		return string(out), err
	}
	return strings.TrimSpace(string(out)), nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// parseInternalDate parses the quoted-or-literal date-time string IMAP
// uses for INTERNALDATE, e.g. "02-Jan-2006 15:04:05 -0700".
func parseInternalDate(s string) (time.Time, error) {
	t, err := time.Parse("02-Jan-2006 15:04:05 -0700", s)
	if err != nil {
		return time.Time{}, protoErrf("imapwire: bad INTERNALDATE %q: %v", s, err)
	}
	return t, nil
}

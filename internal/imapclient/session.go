package imapclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"crawshaw.io/iox"
	"go.uber.org/zap"

	"github.com/kboulain/sin/internal/imapwire"
	"github.com/kboulain/sin/internal/synerr"
)

// Session is one IMAP connection, tracked through the state machine in
// state.go. A Session is single-threaded: callers must not issue
// overlapping commands.
type Session struct {
	conn    net.Conn
	reader  *imapwire.Reader
	writer  *imapwire.Writer
	filer   *iox.Filer
	log     *zap.Logger
	timeout time.Duration

	state State
	caps  map[string]bool

	selectedName  string
	uidValidity   uint32
	uidNext       uint32
	highestModSeq uint64
	permFlags     []string

	updates chan Update
}

func newSession(conn net.Conn, filer *iox.Filer, timeout time.Duration, log *zap.Logger) *Session {
	return &Session{
		conn:    conn,
		reader:  imapwire.NewReader(conn, filer),
		writer:  imapwire.NewWriter(conn, false),
		filer:   filer,
		log:     log,
		timeout: timeout,
		state:   StateConnected,
		caps:    map[string]bool{},
		updates: make(chan Update, 64),
	}
}

// State reports the session's current state-machine position.
func (s *Session) State() State { return s.state }

// SelectedMailbox reports the name of the currently SELECTed mailbox,
// or "" if none is selected.
func (s *Session) SelectedMailbox() string { return s.selectedName }

func (s *Session) deadline() time.Time {
	if s.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.timeout)
}

// fail marks the session CLOSED and wraps err as a transport failure;
// per §4.2 the caller must not reuse a CLOSED session.
func (s *Session) fail(err error) error {
	s.state = StateClosed
	s.conn.Close()
	return synerr.Transport("imapclient: session closed", err)
}

// readGreeting consumes the server greeting (untagged OK, or PREAUTH)
// sent immediately on connect.
func (s *Session) readGreeting(ctx context.Context) error {
	s.conn.SetReadDeadline(s.deadline())
	u, _, err := s.reader.ReadResponse()
	if err != nil {
		return s.fail(err)
	}
	if u.Kind != imapwire.UntaggedStatus {
		return s.fail(protocolErrf("unexpected greeting: %+v", u))
	}
	switch u.Status {
	case imapwire.StatusOK:
		s.state = StateGreeted
	case imapwire.StatusPreauth:
		s.state = StateAuth
	default:
		return s.fail(protocolErrf("server greeted with %s: %s", u.Status, u.Text))
	}
	if u.Code.Kind == imapwire.CodeCapability {
		s.setCapabilities(u.Code.Flags)
	}
	return nil
}

func (s *Session) setCapabilities(caps []string) {
	s.caps = make(map[string]bool, len(caps))
	for _, c := range caps {
		s.caps[strings.ToUpper(c)] = true
	}
	s.writer.SetLiteralPlus(s.caps["LITERAL+"])
}

func (s *Session) has(cap string) bool { return s.caps[strings.ToUpper(cap)] }

func protocolErrf(format string, args ...interface{}) error {
	return synerr.Protocol(fmt.Sprintf(format, args...), imapwire.ErrProtocol)
}

// commandResult is the untagged data collected while a single command
// was outstanding.
type commandResult struct {
	untagged []imapwire.UntaggedResponse
	tagged   *imapwire.TaggedResponse
}

// exec writes one command via build, then reads responses until the
// matching tagged completion, routing continuation lines back to
// continueFn (nil rejects any that arrive, e.g. for LITERAL+-only
// commands). Every untagged response observed is returned to the
// caller, who decides what belongs to this command and what should be
// pushed onto the unsolicited update queue via pushUpdate.
func (s *Session) exec(ctx context.Context, name string, build func(c *imapwire.Command), continueFn func() ([]byte, error)) (*commandResult, error) {
	if s.state == StateClosed {
		return nil, synerr.Protocol("imapclient: session is closed", nil)
	}
	s.conn.SetWriteDeadline(s.deadline())
	tag := s.writer.NextTag()
	cmd := s.writer.Command(tag, name)
	build(cmd)
	if err := cmd.End(); err != nil {
		return nil, s.fail(err)
	}

	res := &commandResult{}
	for {
		s.conn.SetReadDeadline(s.deadline())
		u, tagged, err := s.reader.ReadResponse()
		if err != nil {
			if err == io.EOF {
				return nil, s.fail(io.ErrUnexpectedEOF)
			}
			return nil, s.fail(err)
		}
		if tagged != nil {
			if tagged.Tag != tag {
				return nil, s.fail(protocolErrf("tag mismatch: got %q want %q", tagged.Tag, tag))
			}
			res.tagged = tagged
			return res, nil
		}
		if u.Kind == imapwire.UntaggedContinuation {
			if continueFn == nil {
				return nil, s.fail(protocolErrf("unexpected continuation during %s", name))
			}
			payload, err := continueFn()
			if err != nil {
				return nil, err
			}
			s.conn.SetWriteDeadline(s.deadline())
			if _, err := s.conn.Write(payload); err != nil {
				return nil, s.fail(err)
			}
			if _, err := s.conn.Write([]byte("\r\n")); err != nil {
				return nil, s.fail(err)
			}
			continue
		}
		res.untagged = append(res.untagged, *u)
	}
}

// requireStatusOK turns a non-OK tagged completion into a synerr with
// the appropriate class; Generic for NO (server rejected the request on
// its merits), Protocol for anything stranger. A MODIFIED STORE is
// reported as synerr.PullRequired by UIDStore before this is reached.
func requireStatusOK(op string, tagged *imapwire.TaggedResponse) error {
	switch tagged.Status {
	case imapwire.StatusOK:
		return nil
	case imapwire.StatusNO:
		return synerr.New(synerr.ClassGeneric, fmt.Sprintf("imapclient: %s: %s", op, tagged.Text), nil)
	default:
		return synerr.Protocol(fmt.Sprintf("imapclient: %s: %s", op, tagged.Text), nil)
	}
}

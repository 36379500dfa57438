package imapclient

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
	"go.uber.org/zap/zaptest"

	"github.com/kboulain/sin/internal/imapwire"
)

// fakeServer drives the server side of a net.Pipe connection. It is not a
// protocol validator: tests read each client line with expectLine and
// answer with send.
type fakeServer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newFakeServer(t *testing.T, conn net.Conn) *fakeServer {
	t.Helper()
	return &fakeServer{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// expectLine reads one client line and returns it; tests that care about
// the exact command assert on the returned string.
func (f *fakeServer) expectLine() string {
	f.t.Helper()
	line, err := f.r.ReadString('\n')
	if err != nil {
		f.t.Fatalf("fakeServer: read client line: %v", err)
	}
	return line
}

func (f *fakeServer) send(s string) {
	f.t.Helper()
	if _, err := f.conn.Write([]byte(s)); err != nil {
		f.t.Fatalf("fakeServer: write: %v", err)
	}
}

// dialTestSession wires up a Session over a net.Pipe whose other end is
// driven by serverFn in a background goroutine, greeting it with greeting
// first.
func dialTestSession(t *testing.T, greeting string, serverFn func(f *fakeServer)) (*Session, *fakeServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	fs := newFakeServer(t, serverConn)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.send(greeting)
		if strings.HasPrefix(greeting, "* OK") {
			// Answer the CAPABILITY the client issues after an OK greeting
			// with the same list the greeting advertised.
			caps := "IMAP4rev1 AUTH=PLAIN UIDPLUS ENABLE QRESYNC MOVE NAMESPACE LITERAL+"
			if i := strings.Index(greeting, "[CAPABILITY "); i >= 0 {
				rest := greeting[i+len("[CAPABILITY "):]
				if j := strings.IndexByte(rest, ']'); j >= 0 {
					caps = rest[:j]
				}
			}
			fs.expectLine() // CAPABILITY
			fs.send("* CAPABILITY " + caps + "\r\n")
			fs.send("A0001 OK CAPABILITY completed\r\n")
		}
		if serverFn != nil {
			serverFn(fs)
		}
	}()
	t.Cleanup(func() { <-done })

	filer := iox.NewFiler(0)
	t.Cleanup(func() { filer.Shutdown(context.Background()) })

	s := newSession(clientConn, filer, 5*time.Second, zaptest.NewLogger(t))
	if err := s.readGreeting(context.Background()); err != nil {
		t.Fatalf("readGreeting: %v", err)
	}
	if s.state == StateGreeted {
		if err := s.capability(context.Background()); err != nil {
			t.Fatalf("capability: %v", err)
		}
		s.state = StateUnauth
	}
	return s, fs
}

func TestDialReadsGreetingAndCapabilities(t *testing.T) {
	s, _ := dialTestSession(t, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN UIDPLUS ENABLE QRESYNC MOVE NAMESPACE LITERAL+] ready\r\n", nil)
	if s.state != StateUnauth {
		t.Fatalf("got state %v, want UNAUTH", s.state)
	}
	if err := s.RequireCapabilities(); err != nil {
		t.Fatalf("RequireCapabilities: %v", err)
	}
}

func TestDialMissingCapabilityIsFatal(t *testing.T) {
	s, _ := dialTestSession(t, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN] ready\r\n", nil)
	if err := s.RequireCapabilities(); err == nil {
		t.Fatal("expected error for missing required capabilities")
	}
}

func TestAuthenticatePlainSendsExpectedPayload(t *testing.T) {
	s, fs := dialTestSession(t, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN UIDPLUS ENABLE QRESYNC MOVE NAMESPACE LITERAL+] ready\r\n", func(f *fakeServer) {
		f.expectLine() // AUTHENTICATE PLAIN
		f.send("+ \r\n")
		got := f.expectLine()
		want := "AHVzZXIAcGFzcw==\r\n" // "\0user\0pass" base64
		if got != want {
			f.t.Errorf("AUTHENTICATE payload = %q, want %q", got, want)
		}
		f.send("A0002 OK AUTHENTICATE completed\r\n")
	})

	if err := s.AuthenticatePlain(context.Background(), "user", []byte("pass")); err != nil {
		t.Fatalf("AuthenticatePlain: %v", err)
	}
	if s.state != StateAuth {
		t.Fatalf("got state %v, want AUTH", s.state)
	}
}

func TestAuthenticatePlainRejected(t *testing.T) {
	s, fs := dialTestSession(t, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN UIDPLUS ENABLE QRESYNC MOVE NAMESPACE LITERAL+] ready\r\n", func(f *fakeServer) {
		f.expectLine()
		f.send("+ \r\n")
		f.expectLine()
		f.send("A0002 NO [AUTHENTICATIONFAILED] invalid credentials\r\n")
	})

	err := s.AuthenticatePlain(context.Background(), "user", []byte("wrong"))
	if err == nil {
		t.Fatal("expected AUTHENTICATE to fail")
	}
	_ = fs
}

func TestEnableQresyncCondstoreRequiresAuthState(t *testing.T) {
	s, _ := dialTestSession(t, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN UIDPLUS ENABLE QRESYNC MOVE NAMESPACE LITERAL+] ready\r\n", nil)
	if err := s.EnableQresyncCondstore(context.Background()); err == nil {
		t.Fatal("expected ENABLE to fail from UNAUTH")
	}
}

func TestSelectWithQresyncPopulatesVanishedAndChanged(t *testing.T) {
	s, fs := dialTestSession(t, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN UIDPLUS ENABLE QRESYNC MOVE NAMESPACE LITERAL+] ready\r\n", func(f *fakeServer) {
		f.expectLine() // AUTHENTICATE PLAIN
		f.send("+ \r\n")
		f.expectLine()
		f.send("A0002 OK AUTHENTICATE completed\r\n")
		f.expectLine() // ENABLE
		f.send("A0003 OK ENABLE completed\r\n")
		line := f.expectLine() // SELECT INBOX (QRESYNC (100 5))
		if want := "A0004 SELECT \"INBOX\" (QRESYNC (100 5))\r\n"; line != want {
			f.t.Errorf("SELECT command = %q, want %q", line, want)
		}
		f.send("* 10 EXISTS\r\n")
		f.send("* VANISHED (EARLIER) 3:4\r\n")
		f.send("* 7 FETCH (UID 7 MODSEQ (9) FLAGS (\\Seen))\r\n")
		f.send("* OK [UIDVALIDITY 100] UIDs valid\r\n")
		f.send("* OK [HIGHESTMODSEQ 9] highest\r\n")
		f.send("* OK [UIDNEXT 11] next\r\n")
		f.send("A0004 OK SELECT completed\r\n")
	})

	if err := s.AuthenticatePlain(context.Background(), "user", []byte("pass")); err != nil {
		t.Fatal(err)
	}
	if err := s.EnableQresyncCondstore(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := s.Select(context.Background(), "INBOX", 100, 5)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if res.UIDValidity != 100 || res.HighestModSeq != 9 {
		t.Fatalf("unexpected SelectResult: %+v", res)
	}
	if len(res.Vanished) != 1 || res.Vanished[0].Min != 3 || res.Vanished[0].Max != 4 {
		t.Fatalf("unexpected Vanished: %+v", res.Vanished)
	}
	if len(res.Changed) != 1 || res.Changed[0].UID != 7 {
		t.Fatalf("unexpected Changed: %+v", res.Changed)
	}
	if s.SelectedMailbox() != "INBOX" {
		t.Fatalf("SelectedMailbox() = %q, want INBOX", s.SelectedMailbox())
	}
	_ = fs
}

func TestUIDStoreReportsModifiedOnPartialSuccess(t *testing.T) {
	s, fs := dialTestSession(t, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN UIDPLUS ENABLE QRESYNC MOVE NAMESPACE LITERAL+] ready\r\n", func(f *fakeServer) {
		f.expectLine()
		f.send("+ \r\n")
		f.expectLine()
		f.send("A0002 OK AUTHENTICATE completed\r\n")
		f.expectLine() // ENABLE
		f.send("A0003 OK ENABLE completed\r\n")
		f.expectLine() // SELECT
		f.send("* OK [UIDVALIDITY 1] UIDs valid\r\n")
		f.send("* OK [HIGHESTMODSEQ 1] highest\r\n")
		f.send("A0004 OK SELECT completed\r\n")
		f.expectLine() // UID STORE
		f.send("A0005 OK [MODIFIED 7] Conditional STORE failed\r\n")
	})

	if err := s.AuthenticatePlain(context.Background(), "user", []byte("pass")); err != nil {
		t.Fatal(err)
	}
	if err := s.EnableQresyncCondstore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Select(context.Background(), "INBOX", 0, 0); err != nil {
		t.Fatal(err)
	}

	var set imapwire.SeqSet
	set.AddNum(7)
	res, err := s.UIDStore(context.Background(), set, "+", []string{"\\Seen"}, 3)
	if err != nil {
		t.Fatalf("UIDStore: %v", err)
	}
	if len(res.Modified) != 1 || res.Modified[0].Min != 7 {
		t.Fatalf("unexpected Modified: %+v", res.Modified)
	}
	_ = fs
}

func TestAppendReadsAppendUID(t *testing.T) {
	s, fs := dialTestSession(t, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN UIDPLUS ENABLE QRESYNC MOVE NAMESPACE LITERAL+] ready\r\n", func(f *fakeServer) {
		f.expectLine()
		f.send("+ \r\n")
		f.expectLine()
		f.send("A0002 OK AUTHENTICATE completed\r\n")
		f.expectLine() // ENABLE
		f.send("A0003 OK ENABLE completed\r\n")
		f.expectLine() // APPEND command line with literal size, LITERAL+ means no server continuation needed
		f.send("A0004 OK [APPENDUID 55 9] APPEND completed\r\n")
	})

	if err := s.AuthenticatePlain(context.Background(), "user", []byte("pass")); err != nil {
		t.Fatal(err)
	}
	if err := s.EnableQresyncCondstore(context.Background()); err != nil {
		t.Fatal(err)
	}

	res, err := s.Append(context.Background(), "INBOX", []string{"\\Seen"}, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), []byte("hi"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if res.UIDValidity != 55 || res.UID != 9 {
		t.Fatalf("unexpected AppendResult: %+v", res)
	}
	_ = fs
}

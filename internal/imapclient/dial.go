package imapclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"crawshaw.io/iox"
	"go.uber.org/zap"

	"github.com/kboulain/sin/internal/synerr"
)

// DialOptions configures a Dial call.
type DialOptions struct {
	Address string
	UseTLS  bool
	Timeout time.Duration
	Filer   *iox.Filer
	Log     *zap.Logger
}

// Dial opens a TCP (or TLS) connection to addr, reads the server
// greeting, and issues the initial CAPABILITY, landing the returned
// Session in state UNAUTH (or AUTH if the server PREAUTHed it).
//
// TLS is stdlib crypto/tls throughout; it is explicitly out of scope
// for sin to reimplement per the synchronizer's own purpose statement.
func Dial(ctx context.Context, opts DialOptions) (*Session, error) {
	if opts.Filer == nil {
		return nil, synerr.Config("imapclient: DialOptions.Filer is required", nil)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	dialer := &net.Dialer{Timeout: opts.Timeout}
	var conn net.Conn
	var err error
	if opts.UseTLS {
		host, _, splitErr := net.SplitHostPort(opts.Address)
		if splitErr != nil {
			host = opts.Address
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", opts.Address, &tls.Config{ServerName: host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", opts.Address)
	}
	if err != nil {
		return nil, synerr.Transport(fmt.Sprintf("imapclient: dial %s", opts.Address), err)
	}

	return DialConn(ctx, conn, opts.Filer, opts.Timeout, log)
}

// DialConn performs the greeting/CAPABILITY handshake over an
// already-established connection, skipping the network dial step Dial
// otherwise does. Useful for tests driving a Session over an in-process
// net.Pipe.
func DialConn(ctx context.Context, conn net.Conn, filer *iox.Filer, timeout time.Duration, log *zap.Logger) (*Session, error) {
	if filer == nil {
		return nil, synerr.Config("imapclient: DialConn requires a Filer", nil)
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := newSession(conn, filer, timeout, log)
	if err := s.readGreeting(ctx); err != nil {
		return nil, err
	}
	if s.state == StateGreeted {
		if err := s.capability(ctx); err != nil {
			return nil, err
		}
		s.state = StateUnauth
	}
	return s, nil
}

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"crawshaw.io/iox"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/kboulain/sin/internal/applog"
	"github.com/kboulain/sin/internal/imapclient"
	"github.com/kboulain/sin/internal/maildir"
	"github.com/kboulain/sin/internal/secret"
	"github.com/kboulain/sin/internal/store"
	"github.com/kboulain/sin/internal/store/notmuchdb"
	"github.com/kboulain/sin/internal/synerr"
	"github.com/kboulain/sin/internal/syncengine"
)

// runContext bundles everything a pull or push subcommand needs,
// assembled the same way for both so the account/engine setup logic
// lives in exactly one place.
type runContext struct {
	log       *zap.Logger
	st        *store.Store
	sess      *imapclient.Session
	engine    *syncengine.Engine
	accountID int
}

func buildLogger(c *cli.Context) *zap.Logger {
	log, err := applog.New(applog.Options{
		LogDirectory: c.String("log_directory"),
		Verbosity:    verbosity(c),
	})
	if err != nil {
		return applog.Nop()
	}
	return log
}

func verbosity(c *cli.Context) int {
	if c.Bool("quiet") {
		return -1
	}
	return c.Int("v")
}

// setup dials the server, authenticates, opens (or creates) the tag
// database and maildir root, and returns a ready-to-use engine.
func setup(c *cli.Context) (*runContext, error) {
	log := buildLogger(c)

	maildirName := c.String("maildir")
	notmuchPath := c.String("notmuch")
	create := c.Bool("create")

	if err := os.MkdirAll(notmuchPath, 0o700); err != nil {
		return nil, synerr.Config(fmt.Sprintf("sin: create notmuch root %s", notmuchPath), err)
	}

	db, err := notmuchdb.Open(notmuchPath, create)
	if err != nil {
		return nil, err
	}
	st := store.New(db)

	accountID, err := findOrCreateAccount(st, notmuchPath, maildirName, create)
	if err != nil {
		return nil, err
	}
	// Each account's mailbox subdirectories (.INBOX, .Archive, ...) live
	// under its own maildir root, one level below the root sentinel's
	// notmuchPath/maildirName directory.
	accountMaildirRoot := filepath.Join(notmuchPath, maildirName)

	password, err := secret.Run(c.Context, c.Args().Slice())
	if err != nil {
		return nil, err
	}
	defer secret.Zero(password)

	filer := iox.NewFiler(0)
	sess, err := imapclient.Dial(c.Context, imapclient.DialOptions{
		Address: net.JoinHostPort(c.String("address"), strconv.Itoa(c.Int("port"))),
		UseTLS:  c.Bool("tls"),
		Timeout: c.Duration("timeout"),
		Filer:   filer,
		Log:     log,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.RequireCapabilities(); err != nil {
		return nil, err
	}
	if err := sess.AuthenticatePlain(c.Context, c.String("user"), password); err != nil {
		return nil, err
	}
	if err := sess.EnableQresyncCondstore(c.Context); err != nil {
		return nil, err
	}

	engine := syncengine.New(st, sess, accountMaildirRoot, log)
	return &runContext{log: log, st: st, sess: sess, engine: engine, accountID: accountID}, nil
}

// findOrCreateAccount returns the account id bound to maildirName,
// creating both the root message and its maildir subdirectory on first
// run with --create.
func findOrCreateAccount(st *store.Store, maildirRoot, maildirName string, create bool) (int, error) {
	txn, err := st.Begin(true)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Rollback()
		}
	}()

	root, found, err := txn.FindRootByMaildir(maildirName)
	if err != nil {
		return 0, err
	}
	if found {
		if err := txn.Commit(); err != nil {
			return 0, err
		}
		committed = true
		return root.ID, nil
	}
	if !create {
		return 0, synerr.Config(fmt.Sprintf("sin: no account for --maildir %q (use --create)", maildirName), nil)
	}

	acctID, err := txn.NextAccountID()
	if err != nil {
		return 0, err
	}

	dir, err := maildir.Open(maildirRoot, maildirName)
	if err != nil {
		return 0, synerr.Maildir(fmt.Sprintf("sin: create maildir %s", maildirName), err)
	}
	f, staged, err := dir.Stage()
	if err != nil {
		return 0, synerr.Maildir("sin: stage root message", err)
	}
	defer f.Close()
	if _, err := f.WriteString(rootMessageBody(acctID)); err != nil {
		staged.Discard()
		return 0, synerr.Maildir("sin: write root message", err)
	}
	if err := f.Close(); err != nil {
		return 0, synerr.Maildir("sin: close root message", err)
	}
	path, err := staged.Publish("")
	if err != nil {
		return 0, synerr.Maildir("sin: publish root message", err)
	}

	if _, err := txn.CreateRoot(acctID, path, maildirName); err != nil {
		return 0, err
	}
	if err := txn.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return acctID, nil
}

func rootMessageBody(acctID int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Message-Id: <%d@sin>\r\n", acctID)
	b.WriteString("Subject: sin account bookkeeping (do not delete)\r\n")
	b.WriteString("From: sin@localhost\r\n")
	b.WriteString("Date: Thu, 1 Jan 1970 00:00:00 +0000\r\n")
	b.WriteString("\r\n")
	b.WriteString("This message anchors per-account synchronizer state. Deleting it\r\n")
	b.WriteString("loses all bookkeeping for this account; a subsequent --create run\r\n")
	b.WriteString("starts a fresh, full resynchronization instead of reusing it.\r\n")
	return b.String()
}

func closeSession(rc *runContext) {
	if rc == nil || rc.sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rc.sess.Logout(ctx); err != nil {
		rc.log.Warn("logout failed", zap.Error(err))
	}
}

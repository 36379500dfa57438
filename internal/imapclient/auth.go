package imapclient

import (
	"context"
	"encoding/base64"

	"github.com/kboulain/sin/internal/imapwire"
	"github.com/kboulain/sin/internal/synerr"
)

// AuthenticatePlain performs SASL PLAIN per §4.2: "\0user\0password"
// base64-encoded, sent as the continuation response to AUTHENTICATE
// PLAIN. password is zeroed immediately after the payload is built,
// win or lose.
func (s *Session) AuthenticatePlain(ctx context.Context, user string, password []byte) error {
	defer zero(password)
	if s.state != StateUnauth {
		return errWrongState("AUTHENTICATE", s.state, StateUnauth)
	}
	if !s.has("AUTH=PLAIN") {
		return synerr.Protocol("imapclient: server does not advertise AUTH=PLAIN", nil)
	}

	sent := false
	res, err := s.exec(ctx, "AUTHENTICATE", func(c *imapwire.Command) {
		c.SP().Atom("PLAIN")
	}, func() ([]byte, error) {
		if sent {
			return nil, protocolErrf("imapclient: unexpected second AUTHENTICATE continuation")
		}
		sent = true
		payload := make([]byte, 0, 2+len(user)+len(password))
		payload = append(payload, 0)
		payload = append(payload, user...)
		payload = append(payload, 0)
		payload = append(payload, password...)
		zero(password)
		enc := make([]byte, base64.StdEncoding.EncodedLen(len(payload)))
		base64.StdEncoding.Encode(enc, payload)
		zero(payload)
		return enc, nil
	})
	if err != nil {
		return err
	}
	if res.tagged.Status != imapwire.StatusOK {
		return synerr.Auth("imapclient: AUTHENTICATE PLAIN rejected", nil)
	}
	s.state = StateAuth
	for _, u := range res.untagged {
		if u.Kind == imapwire.UntaggedStatus && u.Code.Kind == imapwire.CodeCapability {
			s.setCapabilities(u.Code.Flags)
		}
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

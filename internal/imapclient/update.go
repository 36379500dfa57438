package imapclient

import "github.com/kboulain/sin/internal/imapwire"

// Update is an unsolicited change observed for the currently selected
// mailbox: an EXISTS/EXPUNGE/VANISHED/FETCH that arrived piggybacked
// on some other command's response, or on a bare NOOP. The queue is
// exposed through Updates; the pull and push engines do not read it.
type Update struct {
	Mailbox string
	Raw     imapwire.UntaggedResponse
}

func (s *Session) pushUpdate(u imapwire.UntaggedResponse) {
	select {
	case s.updates <- Update{Mailbox: s.selectedName, Raw: u}:
	default:
		// Update queue is a best-effort audit trail; the pull engine's
		// own re-SELECT with QRESYNC is the source of truth, so a full
		// queue just drops the oldest signal rather than blocking the
		// command loop.
		select {
		case <-s.updates:
		default:
		}
		s.updates <- Update{Mailbox: s.selectedName, Raw: u}
	}
}

// Updates returns the channel of unsolicited per-mailbox updates.
func (s *Session) Updates() <-chan Update { return s.updates }

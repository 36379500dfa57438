package imapwire

import (
	"context"
	"io"
	"strings"
	"testing"

	"crawshaw.io/iox"
)

func newTestReader(t *testing.T, s string) *Reader {
	t.Helper()
	filer := iox.NewFiler(0)
	t.Cleanup(func() { filer.Shutdown(context.Background()) })
	return NewReader(strings.NewReader(s), filer)
}

func TestReadResponseTaggedOK(t *testing.T) {
	r := newTestReader(t, "A0001 OK [READ-WRITE] SELECT completed\r\n")
	u, tagged, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if u != nil {
		t.Fatalf("expected tagged response, got untagged %+v", u)
	}
	if tagged.Tag != "A0001" || tagged.Status != StatusOK {
		t.Fatalf("unexpected tagged response: %+v", tagged)
	}
	if tagged.Text != "SELECT completed" {
		t.Fatalf("unexpected text: %q", tagged.Text)
	}
}

func TestReadResponseExistsAndExpunge(t *testing.T) {
	r := newTestReader(t, "* 23 EXISTS\r\n* 5 EXPUNGE\r\n")
	u, _, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if u.Kind != UntaggedExists || u.Num != 23 {
		t.Fatalf("unexpected EXISTS: %+v", u)
	}
	u, _, err = r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if u.Kind != UntaggedExpunge || u.Num != 5 {
		t.Fatalf("unexpected EXPUNGE: %+v", u)
	}
}

func TestReadResponseFetchWithLiteralBody(t *testing.T) {
	body := "From: a@b\r\n\r\nhi"
	raw := "* 1 FETCH (UID 42 MODSEQ (77) FLAGS (\\Seen) BODY[] {" +
		itoa(len(body)) + "}\r\n" + body + ")\r\n"
	r := newTestReader(t, raw)
	u, _, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if u.Kind != UntaggedFetch {
		t.Fatalf("expected FETCH, got %+v", u)
	}
	f := u.Fetch
	if !f.HasUID || f.UID != 42 {
		t.Errorf("bad UID: %+v", f)
	}
	if !f.HasModSeq || f.ModSeq != 77 {
		t.Errorf("bad MODSEQ: %+v", f)
	}
	if !f.HasFlags || len(f.Flags) != 1 || f.Flags[0] != "\\Seen" {
		t.Errorf("bad FLAGS: %+v", f.Flags)
	}
	if !f.HasBody {
		t.Fatalf("expected BODY[] literal")
	}
	got, err := io.ReadAll(f.Body.Reader())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != body {
		t.Errorf("body = %q, want %q", got, body)
	}
}

func TestReadResponseVanishedEarlier(t *testing.T) {
	r := newTestReader(t, "* VANISHED (EARLIER) 1:5,9\r\n")
	u, _, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if u.Kind != UntaggedVanished || !u.VanishedEarlier {
		t.Fatalf("unexpected VANISHED: %+v", u)
	}
	if len(u.Vanished) != 2 || u.Vanished[0] != (SeqRange{Min: 1, Max: 5}) || u.Vanished[1] != (SeqRange{Min: 9, Max: 9}) {
		t.Fatalf("unexpected ranges: %+v", u.Vanished)
	}
}

func TestReadResponseTaggedAppendUID(t *testing.T) {
	r := newTestReader(t, "A0007 OK [APPENDUID 100 55] APPEND completed\r\n")
	_, tagged, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if tagged.Code.Kind != CodeAppendUID || tagged.Code.AppendUIDValidity != 100 || tagged.Code.AppendUID != 55 {
		t.Fatalf("unexpected code: %+v", tagged.Code)
	}
}

func TestReadResponseTaggedModified(t *testing.T) {
	r := newTestReader(t, "A0008 OK [MODIFIED 3,7:9] Conditional STORE failed\r\n")
	_, tagged, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if tagged.Code.Kind != CodeModified || len(tagged.Code.Modified) != 2 {
		t.Fatalf("unexpected code: %+v", tagged.Code)
	}
}

func TestReadResponseList(t *testing.T) {
	r := newTestReader(t, "* LIST (\\HasNoChildren) \".\" INBOX.Archive\r\n")
	u, _, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if u.Kind != UntaggedList || u.List.Delimiter != "." || u.List.Name != "INBOX.Archive" {
		t.Fatalf("unexpected LIST: %+v", u.List)
	}
	if len(u.List.Attrs) != 1 || u.List.Attrs[0] != "\\HasNoChildren" {
		t.Fatalf("unexpected LIST attrs: %+v", u.List.Attrs)
	}
}

func TestReadResponseContinuation(t *testing.T) {
	r := newTestReader(t, "+ ready for literal data\r\n")
	u, _, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if u.Kind != UntaggedContinuation || u.ContinuationText != "ready for literal data" {
		t.Fatalf("unexpected continuation: %+v", u)
	}
}

func TestReadResponseUnknownIsSkippedNotFatal(t *testing.T) {
	r := newTestReader(t, "* 4 RECENT\r\nA0001 OK done\r\n")
	u, _, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if u.Kind != UntaggedUnknown {
		t.Fatalf("expected RECENT to parse as unknown, got %+v", u)
	}
	_, tagged, err := r.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if tagged.Tag != "A0001" {
		t.Fatalf("parser should recover and read the next response: %+v", tagged)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

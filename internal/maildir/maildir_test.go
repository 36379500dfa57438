package maildir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStagePublishRenamesAtomically(t *testing.T) {
	root := t.TempDir()
	d, err := Open(root, ".INBOX")
	if err != nil {
		t.Fatal(err)
	}

	f, staged, err := d.Stage()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("hello"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := os.Stat(staged.Path()); err != nil {
		t.Fatalf("staged file should exist in tmp: %v", err)
	}

	dst, err := staged.Publish("S")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(dst, string(filepath.Separator)+"cur"+string(filepath.Separator)) {
		t.Errorf("seen message should publish into cur/, got %s", dst)
	}
	if !strings.HasSuffix(dst, ":2,S") {
		t.Errorf("published name should carry flag suffix, got %s", dst)
	}
	if _, err := os.Stat(staged.Path()); !os.IsNotExist(err) {
		t.Errorf("tmp file should be gone after publish")
	}
}

func TestPublishUnseenGoesToNew(t *testing.T) {
	root := t.TempDir()
	d, err := Open(root, ".INBOX")
	if err != nil {
		t.Fatal(err)
	}
	f, staged, err := d.Stage()
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	dst, err := staged.Publish("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(dst, string(filepath.Separator)+"new"+string(filepath.Separator)) {
		t.Errorf("unseen message should publish into new/, got %s", dst)
	}
}

func TestSetFlagsMovesBetweenNewAndCur(t *testing.T) {
	root := t.TempDir()
	d, err := Open(root, ".INBOX")
	if err != nil {
		t.Fatal(err)
	}
	f, staged, err := d.Stage()
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	path, err := staged.Publish("")
	if err != nil {
		t.Fatal(err)
	}

	path, err = SetFlags(path, "RS")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(path, string(filepath.Separator)+"cur"+string(filepath.Separator)) {
		t.Fatalf("flags with Seen should live in cur/, got %s", path)
	}
	if !strings.HasSuffix(path, ":2,RS") {
		t.Fatalf("flags should be sorted per maildir spec order, got %s", path)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("renamed file should exist: %v", err)
	}
}

func TestFlagSuffixSortsAndDedupes(t *testing.T) {
	got := flagSuffix("SFD" + "S")
	if got != ":2,DFS" {
		t.Errorf("flagSuffix = %q, want :2,DFS", got)
	}
}

func TestRelocatePreservesBaseName(t *testing.T) {
	root := t.TempDir()
	src, err := Open(root, ".INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(root, ".Archive"); err != nil {
		t.Fatal(err)
	}

	f, staged, err := src.Stage()
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	path, err := staged.Publish("S")
	if err != nil {
		t.Fatal(err)
	}
	base := filepath.Base(path)

	dst, err := Relocate(path, root, ".Archive")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dst) != base {
		t.Errorf("relocate changed base name: %s -> %s", base, filepath.Base(dst))
	}
	if !strings.Contains(dst, ".Archive") {
		t.Errorf("relocate did not move into destination mailbox: %s", dst)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("source path should no longer exist after relocate")
	}
}

func TestFlagsFromListMapsSystemFlags(t *testing.T) {
	got := FlagsFromList([]string{"\\Seen", "\\Flagged", "\\Answered", "\\Draft", "\\Deleted"})
	if got != "SFRDT" && len(got) != 5 {
		t.Fatalf("FlagsFromList = %q", got)
	}
	for _, c := range "SFRDT" {
		if !strings.ContainsRune(got, c) {
			t.Errorf("FlagsFromList missing %q in %q", c, got)
		}
	}
}

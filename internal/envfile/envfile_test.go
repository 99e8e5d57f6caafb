package envfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadParsesAssignments(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\r\nexport IRONGATE_DB_PATH=/var/lib/irongate.db\nRCON_ENCRYPTION_KEY=\"abc=\"\nbad line\nSPACED KEY=x\n  IRONGATE_LOG_LEVEL = debug \n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	values, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"IRONGATE_DB_PATH":    "/var/lib/irongate.db",
		"RCON_ENCRYPTION_KEY": "abc=",
		"IRONGATE_LOG_LEVEL":  "debug",
	}
	if len(values) != len(want) {
		t.Fatalf("got %v, want %v", values, want)
	}
	for k, v := range want {
		if values[k] != v {
			t.Fatalf("%s: got %q, want %q", k, values[k], v)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	values, err := Load(filepath.Join(t.TempDir(), "nope.env"))
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 0 {
		t.Fatalf("expected empty map, got %v", values)
	}
}

func TestApplyDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "IRONGATE_TEST_A=from-file\nIRONGATE_TEST_B=from-file\nOTHER_TEST_C=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("IRONGATE_TEST_A", "from-env")
	t.Setenv("IRONGATE_TEST_B", "")
	t.Setenv("OTHER_TEST_C", "")

	err := Apply(path, func(k string) bool { return strings.HasPrefix(k, "IRONGATE_") })
	if err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("IRONGATE_TEST_A"); got != "from-env" {
		t.Fatalf("existing value overridden: %q", got)
	}
	if got := os.Getenv("IRONGATE_TEST_B"); got != "from-file" {
		t.Fatalf("got %q, want %q", got, "from-file")
	}
	if got := os.Getenv("OTHER_TEST_C"); got != "" {
		t.Fatalf("disallowed key applied: %q", got)
	}
}

func TestUpsertPreservesUnrelatedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".env")
	content := "# settings\nIRONGATE_LOG_LEVEL=info\nRCON_ENCRYPTION_KEY=old\n\n"
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
	err := Upsert(path, []Entry{
		{Key: "RCON_ENCRYPTION_KEY", Value: "new\n"},
		{Key: "IRONGATE_DB_PATH", Value: "/tmp/x.db"},
		{Key: " ", Value: "ignored"},
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "# settings\nIRONGATE_LOG_LEVEL=info\nRCON_ENCRYPTION_KEY=new\n\n# Added by irongate\nIRONGATE_DB_PATH=/tmp/x.db\n"
	if string(raw) != want {
		t.Fatalf("got %q, want %q", raw, want)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("mode not preserved: %v", info.Mode().Perm())
	}
}

func TestUpsertCreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".env")
	if err := Upsert(path, []Entry{{Key: "RCON_ENCRYPTION_KEY", Value: "k"}}); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "# Added by irongate\nRCON_ENCRYPTION_KEY=k\n"; string(raw) != want {
		t.Fatalf("got %q, want %q", raw, want)
	}
}

func TestFileBackupRestore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := File{Path: filepath.Join(dir, ".env"), KeyName: "RCON_ENCRYPTION_KEY"}
	if err := f.SetKey("first"); err != nil {
		t.Fatal(err)
	}
	b, err := f.Backup(filepath.Join(dir, "backups"), "20260101T000000")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Existed || filepath.Base(b.Path) != ".env.20260101T000000.bak" {
		t.Fatalf("unexpected backup %+v", b)
	}
	if err := f.SetKey("second"); err != nil {
		t.Fatal(err)
	}
	if err := b.Restore(); err != nil {
		t.Fatal(err)
	}
	got, ok, err := f.Key()
	if err != nil || !ok || got != "first" {
		t.Fatalf("after restore got %q ok=%v err=%v", got, ok, err)
	}
}

func TestBackupOfMissingFileRestoresAbsence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	f := File{Path: filepath.Join(dir, ".env"), KeyName: "K"}
	b, err := f.Backup(dir, "stamp")
	if err != nil {
		t.Fatal(err)
	}
	if b.Existed || b.Path != "" {
		t.Fatalf("unexpected backup %+v", b)
	}
	if err := f.SetKey("v"); err != nil {
		t.Fatal(err)
	}
	if err := b.Restore(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(f.Path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err=%v", err)
	}
}

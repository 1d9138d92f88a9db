package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/oopmem/vm"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, TOMLFile, `
[heap]
eden = "1MB"
survivor = "128KB"
old = "8MB"
tenuring-threshold = 4

[journal]
enabled = true
path = "history.db"

[log]
verbosity = 2
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Heap.Eden != "1MB" || c.Heap.TenuringThreshold != 4 || !c.Journal.Enabled || c.Log.Verbosity != 2 {
		t.Errorf("config = %+v", c)
	}
	opts, err := c.HeapOptions()
	if err != nil {
		t.Fatalf("HeapOptions: %v", err)
	}
	if opts.EdenWords != 1<<20/vm.WordSize || opts.SurvivorWords != 128<<10/vm.WordSize || opts.OldWords != 8<<20/vm.WordSize {
		t.Errorf("options = %+v", opts)
	}
	if opts.InitialThreshold != 4 {
		t.Errorf("threshold = %d, want 4", opts.InitialThreshold)
	}
	if got := c.JournalPath(); got != filepath.Join(c.Dir, "history.db") {
		t.Errorf("JournalPath = %s", got)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, YAMLFile, `
heap:
  old: 4MB
  mmap: true
journal:
  path: /tmp/j.db
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts, err := c.HeapOptions()
	if err != nil {
		t.Fatalf("HeapOptions: %v", err)
	}
	def := vm.DefaultOptions()
	if opts.EdenWords != def.EdenWords || opts.OldWords != 4<<20/vm.WordSize || !opts.UseMmap {
		t.Errorf("options = %+v", opts)
	}
	if c.JournalPath() != "/tmp/j.db" {
		t.Errorf("absolute journal path rewritten to %s", c.JournalPath())
	}
	if c.Log.Verbosity != 1 {
		t.Error("unset sections should keep defaults")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad size", TOMLFile, "[heap]\neden = \"lots\"\n"},
		{"threshold too large", TOMLFile, "[heap]\ntenuring-threshold = 200\n"},
		{"verbosity too large", TOMLFile, "[log]\nverbosity = 9\n"},
		{"unknown yaml key", YAMLFile, "heap:\n  nursery: 1MB\n"},
	}
	for _, tt := range tests {
		dir := t.TempDir()
		writeFile(t, dir, tt.file, tt.content)
		if _, err := Load(dir); err == nil {
			t.Errorf("%s: Load should fail", tt.name)
		}
	}

	dir := t.TempDir()
	writeFile(t, dir, TOMLFile, "[heap]\neden = \"1MB\"\ntenuring-threshold = 128\n")
	if _, err := Load(dir); !errors.Is(err, ErrInvalid) {
		t.Errorf("schema violation error = %v, want ErrInvalid", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, TOMLFile, "[heap]\nold = \"2MB\"\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if c == nil || c.Heap.Old != "2MB" {
		t.Fatalf("config = %+v", c)
	}
	abs, _ := filepath.Abs(root)
	if c.Dir != abs {
		t.Errorf("Dir = %s, want %s", c.Dir, abs)
	}
}

func TestFindAndLoadNone(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	// A temp dir has no heap.toml above it unless the host put one there.
	if c != nil && c.Dir == "" {
		t.Error("a found config should record its directory")
	}
}

func TestParseWords(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"8B", 1},
		{"1KB", 128},
		{"2MB", 2 << 20 / vm.WordSize},
	}
	for _, tt := range tests {
		got, err := ParseWords(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseWords(%q) = %d, %v, want %d", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseWords("4B"); err == nil {
		t.Error("sub-word size should be rejected")
	}
	if _, err := ParseWords("many"); err == nil {
		t.Error("garbage should be rejected")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default config is invalid: %v", err)
	}
}

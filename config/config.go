// Package config handles heap.toml / heap.yaml object memory configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/chazu/oopmem/vm"
)

// File names searched for, in order of preference.
const (
	TOMLFile = "heap.toml"
	YAMLFile = "heap.yaml"
)

// ErrInvalid is wrapped by every schema or value error.
var ErrInvalid = errors.New("invalid heap configuration")

//go:embed schema.cue
var schemaSource string

// Config represents a heap.toml or heap.yaml file.
type Config struct {
	Heap    HeapConfig    `toml:"heap" yaml:"heap" json:"heap"`
	Journal JournalConfig `toml:"journal" yaml:"journal" json:"journal"`
	Log     LogConfig     `toml:"log" yaml:"log" json:"log"`

	// Dir is the directory containing the file (set at load time).
	Dir string `toml:"-" yaml:"-" json:"-"`
	// Path is the file that was loaded.
	Path string `toml:"-" yaml:"-" json:"-"`
}

// HeapConfig sizes the generations. Sizes are strings such as "2MB" or
// "256KB"; empty means the default.
type HeapConfig struct {
	Eden              string `toml:"eden" yaml:"eden" json:"eden"`
	Survivor          string `toml:"survivor" yaml:"survivor" json:"survivor"`
	Old               string `toml:"old" yaml:"old" json:"old"`
	Mmap              bool   `toml:"mmap" yaml:"mmap" json:"mmap"`
	TenuringThreshold int    `toml:"tenuring-threshold" yaml:"tenuring-threshold" json:"tenuring-threshold"`
}

// JournalConfig configures the collection history database.
type JournalConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `toml:"path" yaml:"path" json:"path"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity" yaml:"verbosity" json:"verbosity"`
	Path      string `toml:"path" yaml:"path" json:"path"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Journal: JournalConfig{Path: "oopmem.db"},
		Log:     LogConfig{Verbosity: 1},
	}
}

// Load parses heap.toml, or heap.yaml if there is no heap.toml, from the
// given directory and validates it.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, TOMLFile)
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(dir, YAMLFile)
	}
	return LoadFile(path)
}

// LoadFile parses and validates one configuration file. The format follows
// the file extension.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.UnmarshalStrict(data, c)
	default:
		err = toml.Unmarshal(data, c)
	}
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	c.Dir = filepath.Dir(c.Path)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a heap.toml or heap.yaml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		for _, name := range []string{TOMLFile, YAMLFile} {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return LoadFile(filepath.Join(dir, name))
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks c against the embedded CUE schema, then checks that the
// resulting heap options are usable.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.HeapOptions(); err != nil {
		return err
	}
	return nil
}

// HeapOptions converts the heap section to vm.Options. Unset sizes keep
// vm.DefaultOptions.
func (c *Config) HeapOptions() (vm.Options, error) {
	opts := vm.DefaultOptions()
	for _, s := range []struct {
		name  string
		value string
		words *int
	}{
		{"eden", c.Heap.Eden, &opts.EdenWords},
		{"survivor", c.Heap.Survivor, &opts.SurvivorWords},
		{"old", c.Heap.Old, &opts.OldWords},
	} {
		if s.value == "" {
			continue
		}
		n, err := ParseWords(s.value)
		if err != nil {
			return opts, fmt.Errorf("%w: heap.%s: %v", ErrInvalid, s.name, err)
		}
		*s.words = n
	}
	opts.UseMmap = c.Heap.Mmap
	opts.InitialThreshold = c.Heap.TenuringThreshold
	return opts, nil
}

// JournalPath returns the journal database path, relative paths resolved
// against the configuration directory.
func (c *Config) JournalPath() string {
	if filepath.IsAbs(c.Journal.Path) || c.Dir == "" {
		return c.Journal.Path
	}
	return filepath.Join(c.Dir, c.Journal.Path)
}

// ParseWords converts a size string such as "2MB" to heap words, rounding
// down.
func ParseWords(s string) (int, error) {
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, err
	}
	if b < vm.WordSize {
		return 0, fmt.Errorf("size %s is smaller than a word", s)
	}
	return int(uint64(b) / vm.WordSize), nil
}

package config

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Format is the on-disk encoding of an entries file
type Format string

const (
	YAML Format = "yaml"
	TOML Format = "toml"
)

// FormatOf determines the encoding of the file at path from its extension.
// Anything that is not .toml is treated as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return TOML
	}
	return YAML
}

// Entry binds an executable to the commands that are run when it
// starts and stops.
type Entry struct {
	Name          string   `yaml:"game_name" toml:"game_name"`
	Executable    string   `yaml:"executable" toml:"executable"`
	StartCommands []string `yaml:"start_commands" toml:"start_commands"`
	EndCommands   []string `yaml:"end_commands" toml:"end_commands"`
}

// Key is the identity of the entry in the monitor table.
func (e Entry) Key() string {
	return Normalize(e.Executable)
}

// Normalize produces the comparison form of an executable name
func Normalize(executable string) string {
	return strings.ToLower(strings.TrimSpace(executable))
}

// Raw is the unprocessed entries file, mirroring exactly how it is written
type Raw struct {
	Entries []Entry `yaml:"entries" toml:"entries"`
}

// Parse reads config from the specified reader into the struct
func (r *Raw) Parse(reader io.Reader, format Format) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	switch format {
	case TOML:
		err = toml.Unmarshal(data, r)
	default:
		err = yaml.Unmarshal(data, r)
	}

	if err != nil {
		return mark(ErrMalformed, errors.Wrapf(err, "failed to decode %s config", format))
	}
	return nil
}

// Encode writes the config in the requested format
func (r *Raw) Encode(w io.Writer, format Format) error {
	var err error
	switch format {
	case TOML:
		err = toml.NewEncoder(w).Encode(r)
	default:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		err = enc.Encode(r)
		if err == nil {
			err = enc.Close()
		}
	}
	return errors.Wrapf(err, "failed to encode %s config", format)
}

// Dropped describes an entry that was left out of a snapshot
type Dropped struct {
	Entry  Entry
	Reason string
	// Winner is the name of the entry that kept the executable, if any
	Winner string
}

// Snapshot is an immutable, validated view of the entries file taken at
// the start of a poll cycle.
type Snapshot struct {
	// Entries in file order, at most one per executable key
	Entries []Entry
	Dropped []Dropped
}

// Snapshot validates the raw entries. The first entry for an executable
// wins; later entries sharing the executable are dropped, as are entries
// without an executable.
func (r *Raw) Snapshot() *Snapshot {
	snap := &Snapshot{Entries: make([]Entry, 0, len(r.Entries))}
	owners := make(map[string]string, len(r.Entries))

	for _, entry := range r.Entries {
		key := entry.Key()
		if key == "" {
			snap.Dropped = append(snap.Dropped, Dropped{Entry: entry, Reason: "no executable"})
			continue
		}

		if winner, taken := owners[key]; taken {
			snap.Dropped = append(snap.Dropped, Dropped{
				Entry:  entry,
				Reason: "duplicate executable",
				Winner: winner,
			})
			continue
		}

		owners[key] = entry.Name
		snap.Entries = append(snap.Entries, entry)
	}

	return snap
}

// Lookup finds an entry by its display name, case-insensitively
func (s *Snapshot) Lookup(name string) (Entry, bool) {
	for _, entry := range s.Entries {
		if strings.EqualFold(entry.Name, name) {
			return entry, true
		}
	}
	return Entry{}, false
}

// Has reports whether an entry for the executable key is present
func (s *Snapshot) Has(key string) bool {
	for _, entry := range s.Entries {
		if entry.Key() == key {
			return true
		}
	}
	return false
}

// Package persistence implements the crash-recovery store: a single
// JSON file recording the minimal parameters needed to resume a live
// connection across a process restart.
package persistence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vpnkit/connector/internal/capability"
)

const (
	dirName  = "connection"
	fileName = "connection_persistence.json"
)

// record is the on-disk shape. killswitch defaults to 0 (KillSwitchOff)
// when absent, for backward compatibility with older writers.
type record struct {
	ConnectionID string `json:"connection_id"`
	Backend      string `json:"backend"`
	Protocol     string `json:"protocol"`
	ServerID     string `json:"server_id"`
	ServerName   string `json:"server_name"`
	KillSwitch   *int   `json:"killswitch"`
}

// Store reads and writes the persisted-connection file under a per-user
// cache directory.
type Store struct {
	path string
}

// DefaultPath resolves the well-known path,
// <user-cache>/connection/connection_persistence.json.
func DefaultPath() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, dirName, fileName), nil
}

// NewStore opens a store at an explicit path. Tests use this to point at
// a temp directory; NewDefaultStore is what production code wants.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// NewDefaultStore opens a store at the well-known path.
func NewDefaultStore() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return NewStore(path), nil
}

// Load returns the persisted parameters, or nil if the file is missing or
// malformed. Malformed content is logged at ERROR with
// category=CONN, subcategory=PERSISTENCE, event=LOAD and treated the same
// as "no prior connection", never returned as an error to the caller.
func (s *Store) Load() *capability.PersistedParameters {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("failed to read persistence file",
				"category", "CONN", "subcategory", "PERSISTENCE", "event", "LOAD", "error", err)
		}
		return nil
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		slog.Error("malformed persistence file",
			"category", "CONN", "subcategory", "PERSISTENCE", "event", "LOAD", "error", err)
		return nil
	}
	if r.ConnectionID == "" || r.Backend == "" || r.Protocol == "" || r.ServerID == "" {
		slog.Error("persistence file missing required keys",
			"category", "CONN", "subcategory", "PERSISTENCE", "event", "LOAD")
		return nil
	}

	killswitch := capability.KillSwitchOff
	if r.KillSwitch != nil {
		killswitch = capability.KillSwitchSetting(*r.KillSwitch)
	}

	return &capability.PersistedParameters{
		ConnectionID: capability.ConnectionId(r.ConnectionID),
		BackendTag:   r.Backend,
		ProtocolTag:  r.Protocol,
		ServerID:     r.ServerID,
		ServerName:   r.ServerName,
		KillSwitch:   killswitch,
	}
}

// Save serializes params and atomically replaces the persistence file,
// creating the containing directory (mode 0700) if necessary.
func (s *Store) Save(params capability.PersistedParameters) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	killswitch := int(params.KillSwitch)
	r := record{
		ConnectionID: string(params.ConnectionID),
		Backend:      params.BackendTag,
		Protocol:     params.ProtocolTag,
		ServerID:     params.ServerID,
		ServerName:   params.ServerName,
		KillSwitch:   &killswitch,
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return s.replaceFile(data)
}

// replaceFile writes data to a sibling temp file and renames it over the
// store path, so a crash mid-write never leaves a torn record for the
// next boot's Load to trip on. The rename is atomic because the temp
// file lives in the same directory.
func (s *Store) replaceFile(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("persistence: create temp file: %w", err)
	}

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(tmp.Name(), 0600)
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), s.path)
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("persistence: replace %s: %w", filepath.Base(s.path), werr)
	}
	return nil
}

// Remove deletes the persistence file if present. An absent file is
// considered a programming error (something called remove twice, or
// out of order with save) and is logged as a warning, not an error.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil {
		if os.IsNotExist(err) {
			slog.Warn("persistence file already absent on remove",
				"category", "CONN", "subcategory", "PERSISTENCE", "event", "REMOVE")
			return nil
		}
		return err
	}
	return nil
}

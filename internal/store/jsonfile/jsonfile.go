// Package jsonfile is the default PersistenceDriver (§6.3): three JSON
// files per replica — users_<id>, messages_<id>, settings_<id> — under a
// configurable directory. It is the adapter the wire contract is literally
// defined in terms of, so it intentionally uses nothing beyond
// encoding/json and os.
package jsonfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/replikit/chatcluster/internal/chatstate"
)

// Driver persists each replica's snapshot as three sibling files.
type Driver struct {
	mu  sync.Mutex
	dir string
}

// New returns a Driver rooted at dir, creating it if necessary.
func New(dir string) (*Driver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jsonfile: create data dir: %w", err)
	}
	return &Driver{dir: dir}, nil
}

func (d *Driver) paths(replicaID string) (users, messages, settings string) {
	return filepath.Join(d.dir, "users_"+replicaID),
		filepath.Join(d.dir, "messages_"+replicaID),
		filepath.Join(d.dir, "settings_"+replicaID)
}

// Save writes all three blobs. It does not attempt cross-file atomicity
// beyond writing in the same call; a crash mid-write is the concrete
// instance of the spec's "persistence errors are not recoverable within
// the mutation" clause (§7).
func (d *Driver) Save(replicaID string, snap chatstate.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	usersPath, messagesPath, settingsPath := d.paths(replicaID)
	if err := writeJSON(usersPath, snap.Users); err != nil {
		return err
	}
	if err := writeJSON(messagesPath, snap.Messages); err != nil {
		return err
	}
	return writeJSON(settingsPath, snap.Settings)
}

// Load reads all three blobs back. found is false when the users file does
// not exist yet (a brand-new replica); a missing messages or settings file
// alongside an existing users file leaves that part of the snapshot zero.
func (d *Driver) Load(replicaID string) (chatstate.Snapshot, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	usersPath, messagesPath, settingsPath := d.paths(replicaID)
	if _, err := os.Stat(usersPath); os.IsNotExist(err) {
		return chatstate.Snapshot{}, false, nil
	}

	var snap chatstate.Snapshot
	if err := readJSON(usersPath, &snap.Users); err != nil {
		return chatstate.Snapshot{}, false, err
	}
	if err := readJSON(messagesPath, &snap.Messages); err != nil {
		return chatstate.Snapshot{}, false, err
	}
	if err := readJSON(settingsPath, &snap.Settings); err != nil {
		return chatstate.Snapshot{}, false, err
	}
	return snap, true, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// Package sqlstore is a PersistenceDriver backed by a relational database,
// mirroring the teacher's adapter.go pattern of one interface with several
// concrete database backends. Each of the three blobs (§6.3) is stored as
// one row in a single narrow table rather than modeled relationally — the
// spec only requires "save/load a snapshot verbatim", not a normalized
// schema.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/replikit/chatcluster/internal/chatstate"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_snapshots (
	replica_id VARCHAR(128) NOT NULL,
	kind       VARCHAR(16)  NOT NULL,
	payload    MEDIUMBLOB   NOT NULL,
	PRIMARY KEY (replica_id, kind)
)`

// Driver persists snapshots in a MySQL-compatible database via sqlx.
type Driver struct {
	db *sqlx.DB
}

// Open connects to dsn (a go-sql-driver/mysql data source name) and
// ensures the snapshot table exists.
func Open(dsn string) (*Driver, error) {
	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: create table: %w", err)
	}
	return &Driver{db: db}, nil
}

// Close releases the underlying connection pool.
func (d *Driver) Close() error { return d.db.Close() }

func (d *Driver) putBlob(replicaID, kind string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`REPLACE INTO chat_snapshots (replica_id, kind, payload) VALUES (?, ?, ?)`,
		replicaID, kind, payload)
	return err
}

func (d *Driver) getBlob(replicaID, kind string, v interface{}) (bool, error) {
	var payload []byte
	err := d.db.Get(&payload, `SELECT payload FROM chat_snapshots WHERE replica_id = ? AND kind = ?`, replicaID, kind)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(payload, v)
}

// Save writes all three blobs for replicaID.
func (d *Driver) Save(replicaID string, snap chatstate.Snapshot) error {
	if err := d.putBlob(replicaID, "users", snap.Users); err != nil {
		return err
	}
	if err := d.putBlob(replicaID, "messages", snap.Messages); err != nil {
		return err
	}
	return d.putBlob(replicaID, "settings", snap.Settings)
}

// Load reads all three blobs back for replicaID.
func (d *Driver) Load(replicaID string) (chatstate.Snapshot, bool, error) {
	var snap chatstate.Snapshot
	found, err := d.getBlob(replicaID, "users", &snap.Users)
	if err != nil || !found {
		return chatstate.Snapshot{}, found, err
	}
	if _, err := d.getBlob(replicaID, "messages", &snap.Messages); err != nil {
		return chatstate.Snapshot{}, false, err
	}
	if _, err := d.getBlob(replicaID, "settings", &snap.Settings); err != nil {
		return chatstate.Snapshot{}, false, err
	}
	return snap, true, nil
}

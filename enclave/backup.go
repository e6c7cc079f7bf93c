package enclave

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/datachainlab/quartz-go/enclave/kvstore"
	"github.com/fxamacker/cbor/v2"
)

// Snapshot is the persisted state of an enclave: its store contents and its session key.
type Snapshot struct {
	Entries []kvstore.Entry `cbor:"1,keyasint"`
	Key     []byte          `cbor:"2,keyasint,omitempty"`
}

func (c *Core) Snapshot() (*Snapshot, error) {
	entries, err := c.store.Entries()
	if err != nil {
		return nil, err
	}
	return &Snapshot{Entries: entries, Key: c.keys.Export()}, nil
}

// Backup writes a snapshot to path. The file is replaced atomically.
func (c *Core) Backup(path string) error {
	snapshot, err := c.Snapshot()
	if err != nil {
		return err
	}
	bz, err := cbor.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, bz, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	c.logger.Info("backup written", "path", path, "entries", len(snapshot.Entries))
	return nil
}

// TryRestore loads the snapshot at path. It returns false if there is no backup.
func (c *Core) TryRestore(path string) (bool, error) {
	bz, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	var snapshot Snapshot
	if err := cbor.Unmarshal(bz, &snapshot); err != nil {
		return false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if len(snapshot.Key) > 0 {
		if err := c.keys.Import(snapshot.Key); err != nil {
			return false, err
		}
	}
	if err := c.store.Restore(snapshot.Entries); err != nil {
		return false, err
	}
	c.logger.Info("backup restored", "path", path, "entries", len(snapshot.Entries))
	return true, nil
}

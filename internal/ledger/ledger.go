// Package ledger records per-item fetch failures for manual follow-up.
// Items land here when the API reports them gone; the next sync does not
// retry them, an operator has to.
package ledger

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Item kinds, one bucket each.
const (
	KindIssue = "failed_issues"
	KindPR    = "failed_prs"
)

// Ledger is a bbolt-backed failure ledger. Safe for concurrent use by the
// sync workers; bbolt serializes writers internally.
type Ledger struct {
	db *bolt.DB
}

// Open opens (or creates) the ledger file.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Record stores a failed item number under its repository. Re-recording the
// same number refreshes the timestamp.
func (l *Ledger) Record(kind, owner, name string, number int) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return err
		}
		repo, err := bucket.CreateBucketIfNotExists([]byte(owner + "/" + name))
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, uint64(number))
		return repo.Put(key, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// List returns the recorded numbers for one repository in ascending order.
func (l *Ledger) List(kind, owner, name string) ([]int, error) {
	var numbers []int
	err := l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(kind))
		if bucket == nil {
			return nil
		}
		repo := bucket.Bucket([]byte(owner + "/" + name))
		if repo == nil {
			return nil
		}
		return repo.ForEach(func(k, _ []byte) error {
			numbers = append(numbers, int(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return numbers, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

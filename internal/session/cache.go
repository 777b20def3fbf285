package session

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// SnapshotCache persists the last-applied content per (document, section)
// on the client's disk. It is the diff base that survives a process
// restart: a restarted client can compare cached content against the
// freshly fetched section to tell whether it missed edits while away.
// Live reconciliation still requires re-fetching from the document service.
type SnapshotCache struct {
	db *bolt.DB
}

// OpenSnapshotCache opens or creates the cache file.
func OpenSnapshotCache(path string) (*SnapshotCache, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot cache: %w", err)
	}
	return &SnapshotCache{db: db}, nil
}

// Put stores the last-applied content of a section. One bucket per
// document, keyed by section name.
func (c *SnapshotCache) Put(documentID, section, content string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return fmt.Errorf("create document bucket: %w", err)
		}
		return bucket.Put([]byte(section), []byte(content))
	})
}

// Get returns the cached content of a section and whether it was present.
func (c *SnapshotCache) Get(documentID, section string) (string, bool, error) {
	var content string
	var found bool

	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(documentID))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(section)); v != nil {
			content = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("read snapshot cache: %w", err)
	}
	return content, found, nil
}

// Close releases the underlying database file.
func (c *SnapshotCache) Close() error {
	return c.db.Close()
}

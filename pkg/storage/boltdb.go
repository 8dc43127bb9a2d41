package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/colony/pkg/types"
)

var (
	// Bucket names
	bucketNodes   = []byte("nodes")
	bucketCatalog = []byte("catalog")
	bucketMeta    = []byte("meta")

	keySavedAt = []byte("saved_at")
)

// BoltStore implements ConfigStore using BoltDB. Node entries are stored in
// the nodes bucket under their position, so iteration order is save order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "colony.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketCatalog, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Load() ([]types.NodeEntry, error) {
	var entries []types.NodeEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var entry types.NodeEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode node entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *BoltStore) Save(entries []types.NodeEntry) error {
	if err := types.ValidateEntries(entries); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		// Replace the bucket so removed entries do not linger
		if err := tx.DeleteBucket(bucketNodes); err != nil {
			return fmt.Errorf("failed to clear nodes: %w", err)
		}
		b, err := tx.CreateBucket(bucketNodes)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketNodes, err)
		}

		for i, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := b.Put(positionKey(i), data); err != nil {
				return err
			}
		}

		stamp, err := time.Now().UTC().MarshalText()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keySavedAt, stamp)
	})
}

// SavedAt returns when the configuration was last saved
func (s *BoltStore) SavedAt() (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keySavedAt)
		if data == nil {
			return nil
		}
		return t.UnmarshalText(data)
	})
	return t, err
}

// LoadCatalog reads the service catalogue stored alongside the configuration
func (s *BoltStore) LoadCatalog() (*Catalog, error) {
	catalog := NewCatalog()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCatalog)
		return b.ForEach(func(k, v []byte) error {
			var spec types.ServiceSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return fmt.Errorf("failed to decode catalog entry %s: %w", k, err)
			}
			catalog.Add(spec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return catalog, nil
}

// SaveCatalog replaces the stored service catalogue
func (s *BoltStore) SaveCatalog(catalog *Catalog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketCatalog); err != nil {
			return fmt.Errorf("failed to clear catalog: %w", err)
		}
		b, err := tx.CreateBucket(bucketCatalog)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketCatalog, err)
		}
		for _, spec := range catalog.Specs() {
			data, err := json.Marshal(spec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(spec.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func positionKey(i int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(i))
	return key
}

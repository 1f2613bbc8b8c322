package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketPanels = []byte("panels")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPanels)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SavePanel(meta *PanelMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPanels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPanels)
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(meta.IP), data)
	})
}

func (s *BoltStore) GetPanel(ip string) (*PanelMeta, error) {
	var meta PanelMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPanels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPanels)
		}
		data := b.Get([]byte(ip))
		if data == nil {
			return fmt.Errorf("panel %s: %w", ip, ErrNotFound)
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *BoltStore) DeletePanel(ip string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPanels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPanels)
		}
		return b.Delete([]byte(ip))
	})
}

func (s *BoltStore) ListPanels() ([]*PanelMeta, error) {
	var panels []*PanelMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPanels)
		if b == nil {
			return nil // no bucket = no panels
		}
		panels = make([]*PanelMeta, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var meta PanelMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			panels = append(panels, &meta)
			return nil
		})
	})
	return panels, err
}

// RecordSighting reads, updates, and writes the entry for ip in a single
// transaction.
func (s *BoltStore) RecordSighting(ip string, fn func(meta *PanelMeta)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPanels)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPanels)
		}

		now := time.Now()
		meta := PanelMeta{IP: ip, FirstSeen: now}
		if data := b.Get([]byte(ip)); data != nil {
			if err := json.Unmarshal(data, &meta); err != nil {
				return err
			}
		}
		meta.LastSeen = now
		meta.DiscoveryCount++
		if fn != nil {
			fn(&meta)
		}

		data, err := json.Marshal(&meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(ip), data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/logship/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketMeta = []byte("meta")
)

// MetaFileName is the bbolt database file inside the data directory
const MetaFileName = "meta.db"

// BoltMetaStore implements MetaStore using BoltDB
type BoltMetaStore struct {
	db *bolt.DB
}

// storedValue keeps the kind next to the scalar so 2.0 stays a float
type storedValue struct {
	Kind  string      `json:"kind"`
	Value types.Value `json:"value"`
}

// NewBoltMetaStore opens (or creates) the metadata database in dataDir
func NewBoltMetaStore(dataDir string) (*BoltMetaStore, error) {
	dbPath := filepath.Join(dataDir, MetaFileName)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketMeta, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltMetaStore{db: db}, nil
}

// Close closes the database
func (s *BoltMetaStore) Close() error {
	return s.db.Close()
}

func (s *BoltMetaStore) Load() (types.Labels, error) {
	labels := types.Labels{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.ForEach(func(k, v []byte) error {
			value, err := decodeValue(v)
			if err != nil {
				return fmt.Errorf("metadata %q: %w", k, err)
			}
			labels[string(k)] = value
			return nil
		})
	})
	return labels, err
}

func (s *BoltMetaStore) Set(key string, value types.Value) error {
	if value.IsNull() {
		return s.Delete(key)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data, err := json.Marshal(storedValue{Kind: value.Kind().String(), Value: value})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltMetaStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Delete([]byte(key))
	})
}

func (s *BoltMetaStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketMeta); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketMeta)
		return err
	})
}

func decodeValue(data []byte) (types.Value, error) {
	var stored storedValue
	if err := json.Unmarshal(data, &stored); err != nil {
		return types.Null(), err
	}

	v := stored.Value
	switch stored.Kind {
	case types.KindFloat.String():
		if v.Kind() == types.KindInt {
			return types.Float(float64(v.Interface().(int64))), nil
		}
	case types.KindString.String(), types.KindInt.String(), types.KindBool.String():
	default:
		return types.Null(), fmt.Errorf("unknown value kind %q", stored.Kind)
	}
	if v.Kind().String() != stored.Kind {
		return types.Null(), fmt.Errorf("value %s does not match kind %q", v, stored.Kind)
	}
	return v, nil
}

package dataset

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"gorgonia.org/tensor"

	"github.com/gomimic/gomimic/utils/tensorutils"
)

const (
	obsKeyPrefix = "obs/"
	actionsKey   = "actions"
)

// record is the gob wire form of one tensor
type record struct {
	Shape []int
	Data  []float64
}

func encodeTensor(t *tensor.Dense) ([]byte, error) {
	var buf bytes.Buffer
	rec := record{Shape: append([]int(nil), t.Shape()...),
		Data: tensorutils.Data(t)}
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTensor(data []byte) (*tensor.Dense, error) {
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, err
	}
	return tensorutils.New(rec.Shape, rec.Data), nil
}

// BoltStore persists episodes in a bbolt file, one bucket per episode
// with one key per modality.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens or creates the demonstration file at path
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("openBolt: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) IDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			ids = append(ids, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ids: %w", err)
	}
	SortIDs(ids)
	return ids, nil
}

func (s *BoltStore) Load(id string) (*Episode, error) {
	e := &Episode{ID: id, Obs: make(map[string]*tensor.Dense)}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(id))
		if b == nil {
			return fmt.Errorf("no episode %q", id)
		}
		return b.ForEach(func(k, v []byte) error {
			t, err := decodeTensor(v)
			if err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			switch key := string(k); {
			case key == actionsKey:
				e.Actions = t
			case strings.HasPrefix(key, obsKeyPrefix):
				e.Obs[strings.TrimPrefix(key, obsKeyPrefix)] = t
			default:
				return fmt.Errorf("unknown key %q", key)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return e, nil
}

func (s *BoltStore) Save(e *Episode) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(e.ID)); err != nil &&
			err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket([]byte(e.ID))
		if err != nil {
			return err
		}
		put := func(key string, t *tensor.Dense) error {
			data, err := encodeTensor(t)
			if err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
			return b.Put([]byte(key), data)
		}
		if err := put(actionsKey, e.Actions); err != nil {
			return err
		}
		for k, v := range e.Obs {
			if err := put(obsKeyPrefix+k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

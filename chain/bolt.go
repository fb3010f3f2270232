// chain/bolt.go
// Copyright(c) 2024 the bootbk authors
// BSD licensed; see LICENSE for details.

package chain

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore persists chains in a bbolt database.  Each source gets its
// own bucket with a nested "generations" bucket keyed by big-endian
// generation number, so a cursor walks the chain in order, plus a
// "pending" key for the in-flight slot.  bbolt's single-writer
// transactions give us the append-and-clear atomicity Complete needs.
type BoltStore struct {
	db *bolt.DB
}

var (
	generationsBucket = []byte("generations")
	pendingKey        = []byte("pending")
)

// OpenBoltStore opens (creating if needed) the chain database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Sources() ([]string, error) {
	var sources []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			sources = append(sources, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sources, nil
}

func genKey(number uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], number)
	return k[:]
}

func encodeGen(g Generation) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGen(b []byte) (Generation, error) {
	var g Generation
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&g)
	return g, err
}

func (s *BoltStore) Chain(source string) (Chain, error) {
	var c Chain
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket([]byte(source))
		if sb == nil {
			return nil
		}
		gens := sb.Bucket(generationsBucket)
		if gens == nil {
			return nil
		}
		return gens.ForEach(func(k, v []byte) error {
			g, err := decodeGen(v)
			if err != nil {
				return fmt.Errorf("%s: gen %d: %w", source,
					binary.BigEndian.Uint64(k), err)
			}
			c = append(c, g)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *BoltStore) Pending(source string) (*Generation, error) {
	var p *Generation
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket([]byte(source))
		if sb == nil {
			return nil
		}
		v := sb.Get(pendingKey)
		if v == nil {
			return nil
		}
		g, err := decodeGen(v)
		if err != nil {
			return fmt.Errorf("%s: pending: %w", source, err)
		}
		p = &g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *BoltStore) SetPending(source string, g Generation) error {
	v, err := encodeGen(g)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		sb, err := tx.CreateBucketIfNotExists([]byte(source))
		if err != nil {
			return err
		}
		return sb.Put(pendingKey, v)
	})
}

func (s *BoltStore) ClearPending(source string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket([]byte(source))
		if sb == nil {
			return nil
		}
		return sb.Delete(pendingKey)
	})
}

func (s *BoltStore) Complete(source string, g Generation) error {
	v, err := encodeGen(g)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		sb, err := tx.CreateBucketIfNotExists([]byte(source))
		if err != nil {
			return err
		}
		gens, err := sb.CreateBucketIfNotExists(generationsBucket)
		if err != nil {
			return err
		}
		if err := gens.Put(genKey(g.Number), v); err != nil {
			return err
		}
		return sb.Delete(pendingKey)
	})
}

func (s *BoltStore) ReplaceChain(source string, c Chain) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb, err := tx.CreateBucketIfNotExists([]byte(source))
		if err != nil {
			return err
		}
		if sb.Bucket(generationsBucket) != nil {
			if err := sb.DeleteBucket(generationsBucket); err != nil {
				return err
			}
		}
		gens, err := sb.CreateBucket(generationsBucket)
		if err != nil {
			return err
		}
		for _, g := range c {
			v, err := encodeGen(g)
			if err != nil {
				return err
			}
			if err := gens.Put(genKey(g.Number), v); err != nil {
				return err
			}
		}
		return nil
	})
}

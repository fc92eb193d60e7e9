package nvs

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store over an embedded Badger database. Values are
// stored raw; the methods are thin wrappers with no business logic.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the store at dir. SyncWrites is forced on:
// the nonce contract requires every Set to survive an immediate power loss.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithSyncWrites(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("nvs: open badger at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) GetBytes(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) SetBytes(key string, v []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), v)
	})
}

func (s *BadgerStore) GetU32(key string) (uint32, error) {
	b, err := s.GetBytes(key)
	if err != nil {
		return 0, err
	}
	return DecodeU32(b)
}

func (s *BadgerStore) SetU32(key string, v uint32) error {
	return s.SetBytes(key, EncodeU32(v))
}

func (s *BadgerStore) GetString(key string) (string, error) {
	b, err := s.GetBytes(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *BadgerStore) SetString(key, v string) error {
	return s.SetBytes(key, []byte(v))
}

func (s *BadgerStore) Close() error { return s.db.Close() }

package store

import (
	"github.com/go-errors/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

// LevelStore is a persistent Store backed by LevelDB.
type LevelStore struct {
	db *leveldb.DB
}

// NewLevelStore creates or opens a LevelDB database at the given path.
func NewLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Errorf("Could not open database at %v: %v", path, err)
	}

	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Get(key string) (string, error) {
	value, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return "", ErrNotFound
	} else if err != nil {
		return "", errors.Errorf("Could not get %v: %v", key, err)
	}

	return string(value), nil
}

func (s *LevelStore) Put(key string, value string) error {
	if err := s.db.Put([]byte(key), []byte(value), nil); err != nil {
		return errors.Errorf("Could not put %v: %v", key, err)
	}

	return nil
}

func (s *LevelStore) Delete(key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return errors.Errorf("Could not delete %v: %v", key, err)
	}

	return nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

// Keys returns all stored keys, used by the inspection CLI.
func (s *LevelStore) Keys() ([]string, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}

	if err := iter.Error(); err != nil {
		return nil, errors.Errorf("Could not iterate keys: %v", err)
	}

	return keys, nil
}

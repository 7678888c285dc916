package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in memory (tests, ephemeral agents).
	InMemory bool
}

// BadgerStore implements Store using BadgerDB.
//
// Layout:
//
//	n/{name}                 namespace marker
//	e/{name}\x00{key}        JSON entry
//	o/{name}\x00{seq:%020d}  key, iterated in sequence order
//	m/{key}                  store-level metadata
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerStore opens a BadgerDB store.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(filepath.Join(opts.Dir, "badger"))
	}
	bopts.Logger = nil // Disable Badger's default logging

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	seq, err := db.GetSequence([]byte("seq"), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open badger sequence: %w", err)
	}

	return &BadgerStore{db: db, seq: seq}, nil
}

func namespaceKey(namespace string) []byte {
	return []byte("n/" + namespace)
}

func entryPrefix(namespace string) []byte {
	return []byte("e/" + namespace + "\x00")
}

func entryKey(namespace string, key Key) []byte {
	return append(entryPrefix(namespace), key.String()...)
}

func orderPrefix(namespace string) []byte {
	return []byte("o/" + namespace + "\x00")
}

func orderKey(namespace string, seq uint64) []byte {
	return append(orderPrefix(namespace), fmt.Sprintf("%020d", seq)...)
}

// Open registers the namespace.
func (s *BadgerStore) Open(ctx context.Context, namespace string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(namespaceKey(namespace), nil)
	})
}

// Get retrieves an entry by key.
func (s *BadgerStore) Get(ctx context.Context, namespace string, key Key) (*Entry, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(namespace, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrCacheMiss
		}
		if err != nil {
			return fmt.Errorf("failed to get key: %w", err)
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return decodeEntry(data)
}

// Put stores an entry at the newest insertion position. A previous entry
// under the same key loses its old order slot.
func (s *BadgerStore) Put(ctx context.Context, namespace string, entry *Entry) error {
	next, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	entry.Seq = next + 1

	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	ekey := entryKey(namespace, entry.Key())
	return s.db.Update(func(txn *badger.Txn) error {
		if err := s.dropOrderSlot(txn, namespace, ekey); err != nil {
			return err
		}
		if err := txn.Set(namespaceKey(namespace), nil); err != nil {
			return fmt.Errorf("failed to set namespace marker: %w", err)
		}
		if err := txn.Set(ekey, data); err != nil {
			return fmt.Errorf("failed to set entry: %w", err)
		}
		if err := txn.Set(orderKey(namespace, entry.Seq), []byte(entry.Key().String())); err != nil {
			return fmt.Errorf("failed to set order slot: %w", err)
		}
		return nil
	})
}

// dropOrderSlot removes the order index key of the entry stored at ekey, if any.
func (s *BadgerStore) dropOrderSlot(txn *badger.Txn, namespace string, ekey []byte) error {
	item, err := txn.Get(ekey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check existing entry: %w", err)
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	old, err := decodeEntry(data)
	if err != nil {
		return err
	}
	return txn.Delete(orderKey(namespace, old.Seq))
}

// Delete removes an entry.
func (s *BadgerStore) Delete(ctx context.Context, namespace string, key Key) error {
	ekey := entryKey(namespace, key)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := s.dropOrderSlot(txn, namespace, ekey); err != nil {
			return err
		}
		return txn.Delete(ekey)
	})
}

// Keys returns keys ordered by insertion sequence.
func (s *BadgerStore) Keys(ctx context.Context, namespace string) ([]Key, error) {
	var keys []Key
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = orderPrefix(namespace)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			key, err := ParseKey(string(raw))
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteNamespace drops a namespace with all its entries.
func (s *BadgerStore) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(namespaceKey(namespace))
		switch {
		case err == nil:
			existed = true
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("failed to check namespace: %w", err)
		}

		for _, prefix := range [][]byte{entryPrefix(namespace), orderPrefix(namespace)} {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)

			var doomed [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
			it.Close()

			for _, k := range doomed {
				if err := txn.Delete(k); err != nil {
					return fmt.Errorf("failed to delete key: %w", err)
				}
			}
		}
		return txn.Delete(namespaceKey(namespace))
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// ListNamespaces returns every namespace name, sorted.
func (s *BadgerStore) ListNamespaces(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("n/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len("n/"):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func metaKey(key string) []byte {
	return []byte("m/" + key)
}

// GetMeta reads a metadata value.
func (s *BadgerStore) GetMeta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrCacheMiss
		}
		if err != nil {
			return fmt.Errorf("failed to get meta key: %w", err)
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// SetMeta writes a metadata value.
func (s *BadgerStore) SetMeta(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(key), value)
	})
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to release sequence: %w", err)
	}
	return s.db.Close()
}

package cache

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCacheMiss indicates the requested key was not found in the namespace
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is a durable set of named namespaces mapping keys to response
// snapshots. Implementations must be safe for concurrent use; each method is
// atomic on its own, multi-step sequences are not.
type Store interface {
	// Open creates the namespace if it does not exist. It is idempotent.
	Open(ctx context.Context, namespace string) error

	// Get returns the entry stored under key, or ErrCacheMiss.
	Get(ctx context.Context, namespace string, key Key) (*Entry, error)

	// Put stores entry under entry.Key(), creating the namespace if needed.
	// It assigns entry.Seq, placing the key at the newest position.
	Put(ctx context.Context, namespace string, entry *Entry) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace string, key Key) error

	// Keys returns the namespace's keys ordered oldest first.
	Keys(ctx context.Context, namespace string) ([]Key, error)

	// DeleteNamespace drops the namespace and all its entries. It reports
	// whether the namespace existed.
	DeleteNamespace(ctx context.Context, namespace string) (bool, error)

	// ListNamespaces returns every namespace name, sorted.
	ListNamespaces(ctx context.Context) ([]string, error)

	// GetMeta returns a store-level value kept outside every namespace, or
	// ErrCacheMiss.
	GetMeta(ctx context.Context, key string) ([]byte, error)

	// SetMeta stores a store-level value, replacing any previous one.
	SetMeta(ctx context.Context, key string, value []byte) error

	// Close releases the backend.
	Close() error
}

// StoreError wraps a backend failure with the operation and namespace.
type StoreError struct {
	Op        string
	Namespace string
	Err       error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Namespace == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Namespace, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op, namespace string, err error) error {
	if err == nil || errors.Is(err, ErrCacheMiss) {
		return err
	}
	CacheErrors.WithLabelValues(op).Inc()
	return &StoreError{Op: op, Namespace: namespace, Err: err}
}

// Namespace is a handle on one namespace of a Store.
type Namespace struct {
	store Store
	name  string
}

// Open opens (creating if needed) a namespace and returns its handle.
func Open(ctx context.Context, store Store, name string) (*Namespace, error) {
	if err := store.Open(ctx, name); err != nil {
		return nil, storeErr("open", name, err)
	}
	return &Namespace{store: store, name: name}, nil
}

// Handle returns a handle without touching the store. The namespace is
// created lazily by the first Put.
func Handle(store Store, name string) *Namespace {
	return &Namespace{store: store, name: name}
}

// Name returns the namespace name.
func (n *Namespace) Name() string {
	return n.name
}

// Get retrieves an entry by key. Returns ErrCacheMiss if it doesn't exist.
func (n *Namespace) Get(ctx context.Context, key Key) (*Entry, error) {
	entry, err := n.store.Get(ctx, n.name, key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			CacheMisses.WithLabelValues(n.name).Inc()
			return nil, ErrCacheMiss
		}
		return nil, storeErr("get", n.name, err)
	}
	CacheHits.WithLabelValues(n.name).Inc()
	return entry, nil
}

// Put stores an entry.
func (n *Namespace) Put(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if err := n.store.Put(ctx, n.name, entry); err != nil {
		return storeErr("put", n.name, err)
	}
	CacheWrites.WithLabelValues(n.name).Inc()
	return nil
}

// Delete removes an entry.
func (n *Namespace) Delete(ctx context.Context, key Key) error {
	return storeErr("delete", n.name, n.store.Delete(ctx, n.name, key))
}

// Keys returns the keys ordered oldest first.
func (n *Namespace) Keys(ctx context.Context) ([]Key, error) {
	keys, err := n.store.Keys(ctx, n.name)
	if err != nil {
		return nil, storeErr("keys", n.name, err)
	}
	return keys, nil
}

// DeleteNamespace drops a namespace from store.
func DeleteNamespace(ctx context.Context, store Store, name string) (bool, error) {
	existed, err := store.DeleteNamespace(ctx, name)
	return existed, storeErr("delete_namespace", name, err)
}

// ListNamespaces lists every namespace in store.
func ListNamespaces(ctx context.Context, store Store) ([]string, error) {
	names, err := store.ListNamespaces(ctx)
	return names, storeErr("list", "", err)
}

// GetMeta reads a store-level value. Returns ErrCacheMiss if it is unset.
func GetMeta(ctx context.Context, store Store, key string) ([]byte, error) {
	value, err := store.GetMeta(ctx, key)
	return value, storeErr("get_meta", "", err)
}

// SetMeta writes a store-level value.
func SetMeta(ctx context.Context, store Store, key string, value []byte) error {
	return storeErr("set_meta", "", store.SetMeta(ctx, key, value))
}

// Package store implements the persistent key/value store that backs connector
// state and cursor checkpoints.
//
// Keys are hierarchical (see Key) and serialized by joining their segments with
// Separator. Every backend keeps a single (key, value) table where values are
// JSON documents; writes are upserts and reading a missing key reports absence
// rather than an error. Listing a prefix returns the prefix key itself plus
// everything nested under it, in ascending key order.
//
// Backends:
//
//	memory:                  in-process map, for tests and dry runs
//	sqlite:/path/state.db    embedded single file (also any plain file path)
//	postgres://user@host/db  shared relational store
package store

import (
	"context"
	"strings"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
)

// DefaultPageSize bounds how many entries Stream holds in memory at once.
const DefaultPageSize = 1000

// Entry is a materialized store record.
type Entry struct {
	Key   Key             `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Store is the contract shared by every backend. All methods are safe for
// concurrent use.
type Store interface {
	// Get returns the value stored under key. ok is false when the key is absent.
	Get(ctx context.Context, key Key) (value json.RawMessage, ok bool, err error)
	// Set upserts value (marshalled to JSON unless it already is a RawMessage).
	Set(ctx context.Context, key Key, value interface{}) error
	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key Key) error
	// List returns all entries equal to or nested under prefix, ordered by key.
	List(ctx context.Context, prefix Key) ([]Entry, error)
	// Stream calls fn for each entry under prefix in key order, reading in pages.
	Stream(ctx context.Context, prefix Key, fn func(Entry) error) error
	// StreamBatch is like Stream but hands over groups of at most maxBatchSize entries.
	StreamBatch(ctx context.Context, prefix Key, maxBatchSize int, fn func([]Entry) error) error
	// DeleteByPrefix removes every entry equal to or nested under prefix.
	DeleteByPrefix(ctx context.Context, prefix Key) error
	// Size counts entries equal to or nested under prefix.
	Size(ctx context.Context, prefix Key) (int, error)
	// Close releases the backend.
	Close() error
}

// Open selects a backend from url.
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case url == "" || url == "memory:" || url == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(ctx, url)
	case strings.HasPrefix(url, "sqlite:"):
		return OpenSQLite(ctx, strings.TrimPrefix(strings.TrimPrefix(url, "sqlite:"), "//"))
	case strings.Contains(url, "://"):
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported store url scheme: %s", url)
	default:
		return OpenSQLite(ctx, url)
	}
}

// encodeValue marshals v unless it is already encoded JSON.
func encodeValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case json.RawMessage:
		if !json.Valid(val) {
			return "", errors.New(errors.ErrorTypeValidation, "value is not valid JSON")
		}
		return string(val), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode value")
		}
		return string(data), nil
	}
}

// pageFunc fetches up to limit entries under prefix whose serialized key sorts
// strictly after the given key ("" for the first page).
type pageFunc func(ctx context.Context, prefix Key, after string, limit int) ([]Entry, error)

// streamPages drives keyset pagination. No backend resource stays open while
// fn runs, so fn may call back into the store.
func streamPages(ctx context.Context, fetch pageFunc, prefix Key, pageSize int, fn func([]Entry) error) error {
	if err := prefix.Validate(); err != nil {
		return err
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	after := ""
	for {
		page, err := fetch(ctx, prefix, after, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].Key.String()
	}
}

func streamEntries(ctx context.Context, fetch pageFunc, prefix Key, fn func(Entry) error) error {
	return streamPages(ctx, fetch, prefix, DefaultPageSize, func(page []Entry) error {
		for _, e := range page {
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func listEntries(ctx context.Context, fetch pageFunc, prefix Key) ([]Entry, error) {
	var out []Entry
	err := streamPages(ctx, fetch, prefix, DefaultPageSize, func(page []Entry) error {
		out = append(out, page...)
		return nil
	})
	return out, err
}

func validateBatchSize(maxBatchSize int) error {
	if maxBatchSize <= 0 {
		return errors.Newf(errors.ErrorTypeValidation, "maxBatchSize must be positive, got %d", maxBatchSize)
	}
	return nil
}

// Package registry implements Kestrel's process-wide catalogues: typed
// key→record maps over etcd, with atomic compare-and-set read-modify-write
// and scan-by-prefix. The KV store is the single source of truth for all
// shared mutable state; every update is mediated by CAS on the key's
// modification revision.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kestrelsec/kestrel/ops"
	"github.com/kestrelsec/kestrel/wire"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Catalogue names. Keys are formatted as <catalogue>:<parts-joined-by-slash>
// under the registry root.
const (
	CatTasks          = "tasks"
	CatDownloaded     = "downloaded"
	CatBuilds         = "builds"
	CatHarnessWeights = "harness_weights"
	CatCrashes        = "crashes"
	CatVulns          = "vulnerabilities"
	CatVulnTokens     = "vuln_tokens"
	CatSubmissions    = "submissions"
	CatGCAcks         = "gc_acks"
)

// casRetries bounds read-modify-write attempts before the update surfaces
// as a transient error.
const casRetries = 8

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("registry: key not found")
	// ErrConflict is returned by Insert when the key already exists, and by
	// compare-and-set operations whose revision check failed.
	ErrConflict = errors.New("registry: revision conflict")
)

// Client is a handle on the registry catalogues.
type Client struct {
	etcd  *clientv3.Client
	root  string
	cache *lru.Cache[string, cacheEntry]
}

type cacheEntry struct {
	value []byte
	rev   int64
}

// NewClient builds a Client rooted at the |root| etcd prefix.
func NewClient(etcd *clientv3.Client, root string) (*Client, error) {
	if root == "" || strings.HasSuffix(root, "/") {
		return nil, fmt.Errorf("root %q must be non-empty without trailing slash", root)
	}
	var cache, err = lru.New[string, cacheEntry](1024)
	if err != nil {
		return nil, err
	}
	return &Client{etcd: etcd, root: root, cache: cache}, nil
}

// Etcd exposes the underlying client for packages (queue fabric, GC) which
// share the store.
func (c *Client) Etcd() *clientv3.Client { return c.etcd }

// Key formats the etcd key of a catalogue entry.
func (c *Client) Key(catalogue string, parts ...string) string {
	return c.root + "/" + catalogue + ":" + strings.Join(parts, "/")
}

// Get reads a catalogue entry into |rec|, returning its mod revision.
func (c *Client) Get(ctx context.Context, rec wire.Record, catalogue string, parts ...string) (int64, error) {
	var key = c.Key(catalogue, parts...)
	var resp, err = c.etcd.Get(ctx, key)
	if err != nil {
		return 0, ops.Transient(fmt.Errorf("get %s: %w", key, err))
	} else if len(resp.Kvs) == 0 {
		return 0, ErrNotFound
	}

	var kv = resp.Kvs[0]
	if err = wire.Unframe(kv.Value, rec); err != nil {
		return 0, ops.Validation(fmt.Errorf("decode %s: %w", key, err))
	}
	c.cache.Add(key, cacheEntry{value: kv.Value, rev: kv.ModRevision})
	return kv.ModRevision, nil
}

// GetCached reads a catalogue entry, serving repeat reads of an unchanged
// key from the per-worker LRU. Intended for read-mostly consumers (harness
// weight sampling); CAS paths always read through.
func (c *Client) GetCached(ctx context.Context, rec wire.Record, catalogue string, parts ...string) (int64, error) {
	var key = c.Key(catalogue, parts...)
	if ent, ok := c.cache.Get(key); ok {
		if err := wire.Unframe(ent.value, rec); err == nil {
			return ent.rev, nil
		}
	}
	return c.Get(ctx, rec, catalogue, parts...)
}

// Insert writes a new catalogue entry, failing with ErrConflict if the key
// already exists. Returns the created revision.
func (c *Client) Insert(ctx context.Context, rec wire.Record, catalogue string, parts ...string) (int64, error) {
	var key = c.Key(catalogue, parts...)
	var frame, err = wire.Frame(rec)
	if err != nil {
		return 0, ops.Validation(err)
	}

	resp, err := c.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(frame))).
		Commit()
	if err != nil {
		return 0, ops.Transient(fmt.Errorf("insert %s: %w", key, err))
	} else if !resp.Succeeded {
		return 0, ErrConflict
	}
	return resp.Header.Revision, nil
}

// PutRev writes a catalogue entry if its mod revision still equals |rev|
// (0 for "must not exist"). Returns ErrConflict when the check fails.
func (c *Client) PutRev(ctx context.Context, rec wire.Record, rev int64, catalogue string, parts ...string) error {
	var key = c.Key(catalogue, parts...)
	var frame, err = wire.Frame(rec)
	if err != nil {
		return ops.Validation(err)
	}

	resp, err := c.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(frame))).
		Commit()
	if err != nil {
		return ops.Transient(fmt.Errorf("put %s: %w", key, err))
	} else if !resp.Succeeded {
		return ErrConflict
	}
	return nil
}

// Delete removes a catalogue entry. A |rev| of -1 deletes unconditionally.
func (c *Client) Delete(ctx context.Context, rev int64, catalogue string, parts ...string) error {
	var key = c.Key(catalogue, parts...)
	c.cache.Remove(key)

	if rev < 0 {
		if _, err := c.etcd.Delete(ctx, key); err != nil {
			return ops.Transient(fmt.Errorf("delete %s: %w", key, err))
		}
		return nil
	}

	var resp, err = c.etcd.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return ops.Transient(fmt.Errorf("delete %s: %w", key, err))
	} else if !resp.Succeeded {
		return ErrConflict
	}
	return nil
}

// Entry is one scanned catalogue entry.
type Entry struct {
	// Key is the entry's key-parts suffix (catalogue and root stripped).
	Key string
	// Value is the framed record.
	Value []byte
	// Rev is the entry's mod revision.
	Rev int64
}

// Scan lists catalogue entries under a key-parts prefix, in key order.
func (c *Client) Scan(ctx context.Context, catalogue string, prefixParts ...string) ([]Entry, error) {
	var prefix = c.root + "/" + catalogue + ":"
	if len(prefixParts) != 0 {
		prefix += strings.Join(prefixParts, "/")
	}

	var resp, err = c.etcd.Get(ctx, prefix, clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, ops.Transient(fmt.Errorf("scan %s: %w", prefix, err))
	}

	var out = make([]Entry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, Entry{
			Key:   strings.TrimPrefix(string(kv.Key), c.root+"/"+catalogue+":"),
			Value: kv.Value,
			Rev:   kv.ModRevision,
		})
	}
	return out, nil
}

// PurgePrefix deletes every catalogue entry under a key-parts prefix and
// returns the number removed.
func (c *Client) PurgePrefix(ctx context.Context, catalogue string, prefixParts ...string) (int64, error) {
	var prefix = c.root + "/" + catalogue + ":" + strings.Join(prefixParts, "/")
	var resp, err = c.etcd.Delete(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, ops.Transient(fmt.Errorf("purge %s: %w", prefix, err))
	}
	c.cache.Purge()
	return resp.Deleted, nil
}

// Update runs an atomic read-modify-write of a catalogue entry. |rec| is
// decoded in place (left zero if absent) and |mutate| is applied; the write
// commits only if the revision is unchanged, retrying up to casRetries
// times with jittered backoff before surfacing a transient error.
//
// Mutate may return ErrUnchanged to skip the write.
func (c *Client) Update(ctx context.Context, rec wire.Record, mutate func(exists bool) error, catalogue string, parts ...string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		if err := ops.Sleep(ctx, ops.Backoff(attempt)); err != nil {
			return err
		}

		var rev, err = c.Get(ctx, rec, catalogue, parts...)
		var exists = true
		if errors.Is(err, ErrNotFound) {
			rev, exists = 0, false
		} else if err != nil {
			continue // Transient read failure; retry.
		}

		if err = mutate(exists); errors.Is(err, ErrUnchanged) {
			return nil
		} else if err != nil {
			return err
		}

		err = c.PutRev(ctx, rec, rev, catalogue, parts...)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return err
	}
	return ops.Transient(fmt.Errorf("update %s: CAS contention persisted past %d attempts",
		c.Key(catalogue, parts...), casRetries))
}

// ErrUnchanged may be returned by an Update mutate callback to commit
// nothing.
var ErrUnchanged = errors.New("registry: record unchanged")

// WaitFor blocks until |pred| holds of the catalogue entry (decoded into
// |rec|), observing updates via an etcd watch. An absent key is passed to
// |pred| as a zero record with exists=false.
func (c *Client) WaitFor(ctx context.Context, rec wire.Record, pred func(exists bool) bool, catalogue string, parts ...string) error {
	var key = c.Key(catalogue, parts...)

	var resp, err = c.etcd.Get(ctx, key)
	if err != nil {
		return ops.Transient(fmt.Errorf("get %s: %w", key, err))
	}
	var watchRev = resp.Header.Revision + 1

	if len(resp.Kvs) != 0 {
		if err = wire.Unframe(resp.Kvs[0].Value, rec); err != nil {
			return ops.Validation(err)
		}
		if pred(true) {
			return nil
		}
	} else if pred(false) {
		return nil
	}

	var watch = c.etcd.Watch(ctx, key, clientv3.WithRev(watchRev))
	for wr := range watch {
		if wr.Err() != nil {
			return ops.Transient(fmt.Errorf("watch %s: %w", key, wr.Err()))
		}
		for _, ev := range wr.Events {
			if ev.Type == clientv3.EventTypeDelete {
				if pred(false) {
					return nil
				}
				continue
			}
			if err = wire.Unframe(ev.Kv.Value, rec); err != nil {
				return ops.Validation(err)
			}
			if pred(true) {
				return nil
			}
		}
	}
	return ctx.Err()
}

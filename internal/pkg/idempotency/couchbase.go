package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"
)

// casRetries bounds optimistic-locking loops on contended keys.
const casRetries = 5

type couchbaseDoc struct {
	Status        Status `json:"status"`
	Reason        string `json:"reason,omitempty"`
	LastAttemptAt int64  `json:"lastAttemptAt"`
}

// Couchbase is a Ledger stored as one document per key. Insert is the
// first-writer gate; transitions after that use CAS replaces.
type Couchbase struct {
	collection *gocb.Collection
	opts       Options
}

// NewCouchbase returns a ledger on collection.
func NewCouchbase(collection *gocb.Collection, opts Options) *Couchbase {
	return &Couchbase{collection: collection, opts: opts.withDefaults()}
}

func (c *Couchbase) TryAcquire(ctx context.Context, key string) (Decision, error) {
	if err := validKey(key); err != nil {
		return 0, err
	}

	now := c.opts.Clock.Now()
	doc := couchbaseDoc{Status: StatusPending, LastAttemptAt: now.UnixMilli()}

	_, err := c.collection.Insert(key, doc, &gocb.InsertOptions{Context: ctx})
	if err == nil {
		return Granted, nil
	}
	if !errors.Is(err, gocb.ErrDocumentExists) {
		return 0, fmt.Errorf("idempotency: couchbase insert: %w", err)
	}

	cur, cas, err := c.load(ctx, key)
	if err != nil {
		return 0, err
	}
	if cur.Status.Terminal() {
		return AlreadyDone, nil
	}
	if !leaseExpired(time.UnixMilli(cur.LastAttemptAt), now, c.opts.Lease) {
		return AlreadyInFlight, nil
	}

	_, err = c.collection.Replace(key, doc, &gocb.ReplaceOptions{Cas: cas, Context: ctx})
	switch {
	case err == nil:
		return Granted, nil
	case errors.Is(err, gocb.ErrCasMismatch):
		// Someone else reclaimed or finished it between our read and write.
		return AlreadyInFlight, nil
	default:
		return 0, fmt.Errorf("idempotency: couchbase reclaim: %w", err)
	}
}

func (c *Couchbase) MarkDone(ctx context.Context, key string) error {
	return c.mark(ctx, key, StatusDone, "")
}

func (c *Couchbase) MarkFailed(ctx context.Context, key, reason string) error {
	return c.mark(ctx, key, StatusFailed, reason)
}

func (c *Couchbase) mark(ctx context.Context, key string, status Status, reason string) error {
	if err := validKey(key); err != nil {
		return err
	}

	doc := couchbaseDoc{Status: status, Reason: reason, LastAttemptAt: c.opts.Clock.Now().UnixMilli()}

	for range casRetries {
		cur, cas, err := c.load(ctx, key)
		if errors.Is(err, ErrNotFound) {
			_, err = c.collection.Insert(key, doc, &gocb.InsertOptions{Expiry: c.opts.Retention, Context: ctx})
			if errors.Is(err, gocb.ErrDocumentExists) {
				continue
			}
			if err != nil {
				return fmt.Errorf("idempotency: couchbase mark %s: %w", status, err)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return nil
		}

		_, err = c.collection.Replace(key, doc, &gocb.ReplaceOptions{Cas: cas, Expiry: c.opts.Retention, Context: ctx})
		if errors.Is(err, gocb.ErrCasMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("idempotency: couchbase mark %s: %w", status, err)
		}
		return nil
	}

	return fmt.Errorf("idempotency: couchbase mark %s: %w", status, gocb.ErrCasMismatch)
}

func (c *Couchbase) Get(ctx context.Context, key string) (Entry, error) {
	doc, _, err := c.load(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Status: doc.Status, LastAttemptAt: time.UnixMilli(doc.LastAttemptAt).UTC(), Reason: doc.Reason}, nil
}

func (c *Couchbase) load(ctx context.Context, key string) (couchbaseDoc, gocb.Cas, error) {
	res, err := c.collection.Get(key, &gocb.GetOptions{Context: ctx})
	if errors.Is(err, gocb.ErrDocumentNotFound) {
		return couchbaseDoc{}, 0, ErrNotFound
	}
	if err != nil {
		return couchbaseDoc{}, 0, fmt.Errorf("idempotency: couchbase get: %w", err)
	}

	var doc couchbaseDoc
	if err := res.Content(&doc); err != nil {
		return couchbaseDoc{}, 0, fmt.Errorf("idempotency: couchbase decode: %w", err)
	}
	if _, err := parseStatus(doc.Status.String()); err != nil {
		return couchbaseDoc{}, 0, err
	}
	return doc, res.Cas(), nil
}

package credits

import (
	"context"
	"encoding/json"
	"errors"
)

// DefaultIdempotencyTTLSeconds is how long a stored response stays replayable.
const DefaultIdempotencyTTLSeconds = 24 * 60 * 60

// Response is the deterministic outcome of a keyed operation: the status code
// and JSON body that are replayed verbatim on retries. Deterministic domain
// failures (validation errors, insufficient credits) are encoded as failure
// responses; transient infrastructure failures are returned as plain errors and
// are never cached.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// ExecuteFunc computes the response for the first execution of a key.
type ExecuteFunc func(ctx context.Context) (Response, error)

// Executor deduplicates retried requests by a caller-supplied key. The claim on
// a key is a unique-constrained insert, so check-then-insert is atomic across
// concurrent callers: the first writer wins and later duplicates observe its
// stored response.
type Executor struct {
	store      Store
	nowFn      func() int64
	ttlSeconds int64
}

// NewExecutor wires an Executor. ttlSeconds <= 0 selects the default 24h TTL.
func NewExecutor(store Store, now func() int64, ttlSeconds int64) (*Executor, error) {
	if store == nil {
		return nil, WrapError("idempotency", "executor", "config", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, WrapError("idempotency", "executor", "config", ErrInvalidServiceConfig)
	}
	if ttlSeconds <= 0 {
		ttlSeconds = DefaultIdempotencyTTLSeconds
	}
	return &Executor{store: store, nowFn: now, ttlSeconds: ttlSeconds}, nil
}

// Execute runs fn at most once per (key, method). The second return value
// reports whether the response was replayed from storage.
func (executor *Executor) Execute(ctx context.Context, key IdempotencyKey, method string, orgID OrgID, fn ExecuteFunc) (Response, bool, error) {
	nowUnixUTC := executor.nowFn()
	stored, found, err := executor.store.GetIdempotencyRecord(ctx, key, method)
	if err != nil {
		return Response{}, false, err
	}
	if found && stored.StatusCode != 0 && !stored.Expired(nowUnixUTC) {
		return Response{StatusCode: stored.StatusCode, Body: stored.ResponseJSON}, true, nil
	}
	if found && stored.Expired(nowUnixUTC) {
		// The record outlived its TTL but the purge sweep has not removed it
		// yet; clear it so the claim below can land.
		if err := executor.store.DeleteIdempotencyRecord(ctx, key, method); err != nil {
			return Response{}, false, err
		}
	}

	// Claim the key before executing. StatusCode 0 marks an in-flight claim;
	// the unique primary key arbitrates concurrent duplicates.
	claim := IdempotencyRecord{
		Key:              key.String(),
		Method:           method,
		OrgID:            orgID.String(),
		ExpiresAtUnixUTC: nowUnixUTC + executor.ttlSeconds,
		CreatedUnixUTC:   nowUnixUTC,
	}
	if err := executor.store.InsertIdempotencyRecord(ctx, claim); err != nil {
		if !isDuplicateKey(err) {
			return Response{}, false, err
		}
		stored, found, lookupErr := executor.store.GetIdempotencyRecord(ctx, key, method)
		if lookupErr != nil {
			return Response{}, false, lookupErr
		}
		if found && stored.StatusCode != 0 {
			return Response{StatusCode: stored.StatusCode, Body: stored.ResponseJSON}, true, nil
		}
		// Another caller holds the claim and has not finished.
		return Response{}, false, ErrDuplicateIdempotencyKey
	}

	response, fnErr := fn(ctx)
	if fnErr != nil {
		// Transient failure: free the key so a retry re-executes.
		if deleteErr := executor.store.DeleteIdempotencyRecord(ctx, key, method); deleteErr != nil {
			return Response{}, false, deleteErr
		}
		return Response{}, false, fnErr
	}

	claim.ResponseJSON = response.Body
	claim.StatusCode = response.StatusCode
	if err := executor.store.UpdateIdempotencyRecord(ctx, claim); err != nil {
		return Response{}, false, err
	}
	return response, false, nil
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateIdempotencyKey)
}

package credits

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
)

func mustNewExecutor(test *testing.T, store Store, nowUnixUTC int64) *Executor {
	test.Helper()
	executor, err := NewExecutor(store, func() int64 { return nowUnixUTC }, 0)
	if err != nil {
		test.Fatalf("new executor: %v", err)
	}
	return executor
}

func TestExecuteRunsOnceAndReplaysStoredResponse(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	executor := mustNewExecutor(test, store, testNowUnixUTC)
	key := mustIdempotencyKey(test, "key-once")
	orgID := mustOrgID(test, "org-exec")
	executions := 0
	fn := func(ctx context.Context) (Response, error) {
		executions++
		return Response{StatusCode: 200, Body: []byte(`{"balance":100}`)}, nil
	}

	first, replayed, err := executor.Execute(context.Background(), key, "credits.topup", orgID, fn)
	if err != nil {
		test.Fatalf("first execute: %v", err)
	}
	if replayed {
		test.Fatal("first execution must not be a replay")
	}

	second, replayed, err := executor.Execute(context.Background(), key, "credits.topup", orgID, fn)
	if err != nil {
		test.Fatalf("second execute: %v", err)
	}
	if !replayed {
		test.Fatal("second execution must replay")
	}
	if executions != 1 {
		test.Fatalf("fn must run exactly once, ran %d times", executions)
	}
	if first.StatusCode != second.StatusCode || !bytes.Equal(first.Body, second.Body) {
		test.Fatalf("replayed response differs: %d %s vs %d %s", first.StatusCode, first.Body, second.StatusCode, second.Body)
	}
}

func TestExecuteScopesKeysByMethod(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	executor := mustNewExecutor(test, store, testNowUnixUTC)
	key := mustIdempotencyKey(test, "key-shared")
	orgID := mustOrgID(test, "org-scope")
	fn := func(body string) ExecuteFunc {
		return func(ctx context.Context) (Response, error) {
			return Response{StatusCode: 200, Body: []byte(body)}, nil
		}
	}

	topup, _, err := executor.Execute(context.Background(), key, "credits.topup", orgID, fn(`{"op":"topup"}`))
	if err != nil {
		test.Fatalf("topup execute: %v", err)
	}
	preauth, replayed, err := executor.Execute(context.Background(), key, "credits.preauth", orgID, fn(`{"op":"preauth"}`))
	if err != nil {
		test.Fatalf("preauth execute: %v", err)
	}
	if replayed {
		test.Fatal("same key under a different method must not replay")
	}
	if bytes.Equal(topup.Body, preauth.Body) {
		test.Fatal("methods must not share responses")
	}
}

func TestExecuteReportsInFlightClaim(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	executor := mustNewExecutor(test, store, testNowUnixUTC)
	key := mustIdempotencyKey(test, "key-inflight")
	orgID := mustOrgID(test, "org-inflight")
	claim := IdempotencyRecord{
		Key:              key.String(),
		Method:           "credits.settle",
		OrgID:            orgID.String(),
		ExpiresAtUnixUTC: testNowUnixUTC + 60,
		CreatedUnixUTC:   testNowUnixUTC,
	}
	if err := store.InsertIdempotencyRecord(context.Background(), claim); err != nil {
		test.Fatalf("insert claim: %v", err)
	}

	_, _, err := executor.Execute(context.Background(), key, "credits.settle", orgID, func(ctx context.Context) (Response, error) {
		test.Fatal("fn must not run while another claim is open")
		return Response{}, nil
	})
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
}

func TestExecuteFreesKeyOnTransientFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	executor := mustNewExecutor(test, store, testNowUnixUTC)
	key := mustIdempotencyKey(test, "key-transient")
	orgID := mustOrgID(test, "org-transient")
	transientErr := fmt.Errorf("database connection reset")

	_, _, err := executor.Execute(context.Background(), key, "credits.topup", orgID, func(ctx context.Context) (Response, error) {
		return Response{}, transientErr
	})
	if !errors.Is(err, transientErr) {
		test.Fatalf("expected the transient error, got %v", err)
	}

	response, replayed, err := executor.Execute(context.Background(), key, "credits.topup", orgID, func(ctx context.Context) (Response, error) {
		return Response{StatusCode: 200, Body: []byte(`{"ok":true}`)}, nil
	})
	if err != nil {
		test.Fatalf("retry after transient failure: %v", err)
	}
	if replayed {
		test.Fatal("retry after a freed key must execute, not replay")
	}
	if response.StatusCode != 200 {
		test.Fatalf("unexpected status %d", response.StatusCode)
	}
}

func TestExecuteReexecutesExpiredRecord(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	key := mustIdempotencyKey(test, "key-expired")
	orgID := mustOrgID(test, "org-expired")

	early := mustNewExecutor(test, store, testNowUnixUTC)
	if _, _, err := early.Execute(context.Background(), key, "credits.topup", orgID, func(ctx context.Context) (Response, error) {
		return Response{StatusCode: 200, Body: []byte(`{"v":1}`)}, nil
	}); err != nil {
		test.Fatalf("first execute: %v", err)
	}
	late := mustNewExecutor(test, store, testNowUnixUTC+DefaultIdempotencyTTLSeconds+1)
	response, replayed, err := late.Execute(context.Background(), key, "credits.topup", orgID, func(ctx context.Context) (Response, error) {
		return Response{StatusCode: 200, Body: []byte(`{"v":2}`)}, nil
	})
	if err != nil {
		test.Fatalf("execute after expiry: %v", err)
	}
	if replayed {
		test.Fatal("an expired record must not replay")
	}
	if !bytes.Equal(response.Body, []byte(`{"v":2}`)) {
		test.Fatalf("unexpected body %s", response.Body)
	}
}

func TestCachedDomainFailureReplaysWithoutReexecution(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	executor := mustNewExecutor(test, store, testNowUnixUTC)
	key := mustIdempotencyKey(test, "key-conflict")
	orgID := mustOrgID(test, "org-conflict")
	executions := 0

	// Deterministic domain failures come back as responses, so they are
	// cached and replayed like successes.
	fn := func(ctx context.Context) (Response, error) {
		executions++
		return Response{StatusCode: 409, Body: []byte(`{"error":"insufficient_credits"}`)}, nil
	}
	if _, _, err := executor.Execute(context.Background(), key, "credits.preauth", orgID, fn); err != nil {
		test.Fatalf("first execute: %v", err)
	}
	response, replayed, err := executor.Execute(context.Background(), key, "credits.preauth", orgID, fn)
	if err != nil {
		test.Fatalf("second execute: %v", err)
	}
	if !replayed || executions != 1 {
		test.Fatalf("domain failure must replay (replayed=%v executions=%d)", replayed, executions)
	}
	if response.StatusCode != 409 {
		test.Fatalf("unexpected status %d", response.StatusCode)
	}
}

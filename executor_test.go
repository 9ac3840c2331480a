package optisync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecuteWritesConfirmedValueAboveOptimistic(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	k := DetailKey(tAuction, "A1")
	e.seed(t, k, Document{"status": "PUBLISHED"})

	opt, _ := e.store.Write(ctx, k, Document{"status": "CANCELLED"})
	got, err := e.exec.Execute(ctx, k, Patch{"status": "CANCELLED"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Version <= opt {
		t.Fatalf("confirmed version %d not above optimistic %d", got.Version, opt)
	}
	if s := mustRead(t, e.store, k).Value.StringField("status"); s != "CANCELLED" {
		t.Fatalf("cache status %q", s)
	}
}

func TestExecuteClassifiesFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	k := DetailKey(tItem, "I1")

	cases := []struct {
		name string
		err  error
		kind error
	}{
		{"rejected", &RemoteError{Status: 422, Reason: "auction already started"}, ErrRemoteRejected},
		{"network", errors.New("connection reset"), ErrNetwork},
		{"timeout", context.DeadlineExceeded, ErrTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e.remote.failNext(k, tc.err)
			_, err := e.exec.Execute(ctx, k, Patch{"status": "AUCTION"})
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			var me *MutationError
			if !errors.As(err, &me) || me.Key != k {
				t.Fatalf("expected *MutationError for %s, got %T", k, err)
			}
			if Retryable(err) == (tc.kind == ErrRemoteRejected) {
				t.Fatalf("Retryable(%v) wrong", err)
			}
		})
	}
	if v := e.store.Version(ctx, k); v != 0 {
		t.Fatalf("failed mutations must not write, version=%d", v)
	}
}

func TestExecuteTimeout(t *testing.T) {
	e := newEnv(t, false)
	e.exec = NewExecutor(e.store, e.remote, ExecutorOptions{MutationTimeout: 10 * time.Millisecond})
	e.remote.delay = 30 * time.Millisecond

	_, err := e.exec.Execute(context.Background(), DetailKey(tItem, "I1"), Patch{"status": "SOLD"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestDeleteStoresAbsence(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	k := DetailKey(tAuction, "A2")
	e.seed(t, k, Document{"status": "DRAFT"})

	if err := e.exec.Delete(ctx, k); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ent := mustRead(t, e.store, k); ent.Present || ent.Version != 2 {
		t.Fatalf("expected removed at version 2, got %+v", ent)
	}
}

func TestMutateCallbacksAndPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	k := DetailKey(tAuction, "A1")

	var order []string
	e.remote.onCall = func(remoteCall) {
		if !e.exec.Pending(k) {
			t.Errorf("mutation should be pending during the call")
		}
	}
	_, err := e.exec.Mutate(ctx, k, Patch{"status": "DRAFT"}, MutationCallbacks{
		OnSuccess: func(Entity) { order = append(order, "success") },
		OnError:   func(error) { order = append(order, "error") },
		OnSettled: func() { order = append(order, "settled") },
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if e.exec.Pending(k) {
		t.Fatalf("mutation still pending")
	}

	e.remote.failNext(k, &RemoteError{Reason: "nope"})
	_, _ = e.exec.Mutate(ctx, k, Patch{"status": "DRAFT"}, MutationCallbacks{
		OnSuccess: func(Entity) { order = append(order, "success") },
		OnError:   func(error) { order = append(order, "error") },
		OnSettled: func() { order = append(order, "settled") },
	})

	want := []string{"success", "settled", "error", "settled"}
	if len(order) != len(want) {
		t.Fatalf("callback order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("callback order %v, want %v", order, want)
		}
	}
}

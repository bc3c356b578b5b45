package db

import (
	"context"
	"errors"
	"testing"
)

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Errorf("expected nil tx, got %v", tx)
	}
}

func TestConn_FallsBackToPool(t *testing.T) {
	q := Conn(context.Background(), nil)
	if q == nil {
		t.Fatal("expected a Querier")
	}
}

func TestNopTxRunner_PropagatesError(t *testing.T) {
	sentinel := errors.New("boom")
	err := NopTxRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel error, got %v", err)
	}
}

func TestNopTxRunner_RunsFn(t *testing.T) {
	called := false
	err := NopTxRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected fn to be called")
	}
}

package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

func TestCorrelationKeyRoundTrip(t *testing.T) {
	token := uuid.New().String()

	key, err := correlationKey(token)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	for _, b := range key[16:] {
		if b != 0 {
			t.Fatal("padding bytes must be zero")
		}
	}

	// An indexed bytes32 arrives in the topic verbatim.
	got, err := correlationFromTopic(common.BytesToHash(key[:]))
	if err != nil {
		t.Fatalf("from topic: %v", err)
	}
	if got != token {
		t.Errorf("recovered %q, want %q", got, token)
	}
}

func TestCorrelationKeyRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "not-a-uuid", "1234"} {
		if _, err := correlationKey(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestToFixed(t *testing.T) {
	tests := []struct {
		in    string
		scale int32
		want  string
	}{
		{"5000", 6, "5000000000"},
		{"128.7", 8, "12870000000"},
		{"643500", 6, "643500000000"},
		{"0.000001", 6, "1"},
		{"0.0000001", 6, "0"}, // below scale truncates, never rounds up
	}
	for _, tc := range tests {
		got, err := toFixed(tc.in, tc.scale)
		if err != nil {
			t.Fatalf("toFixed(%q): %v", tc.in, err)
		}
		if got.Cmp(mustBig(t, tc.want)) != 0 {
			t.Errorf("toFixed(%q, %d) = %s, want %s", tc.in, tc.scale, got, tc.want)
		}
	}

	if _, err := toFixed("abc", 6); err == nil {
		t.Error("expected error for non-numeric amount")
	}
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big int %q", s)
	}
	return n
}

func TestMemoryLedger_CreateIsIdempotentPerCorrelation(t *testing.T) {
	ml := NewMemoryLedger()
	ctx := context.Background()
	params := CreateLockParams{CorrelationID: uuid.New().String(), USDAmount: "1000"}

	first, _, err := ml.CreateLock(ctx, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, _, err := ml.CreateLock(ctx, params)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first != second {
		t.Errorf("resubmission minted a second lock: %s vs %s", first, second)
	}
	if ml.CreateCount() != 1 {
		t.Errorf("lock count = %d, want 1", ml.CreateCount())
	}
}

func TestMemoryLedger_ExecuteUnknownLock(t *testing.T) {
	ml := NewMemoryLedger()
	if _, err := ml.ExecuteLock(context.Background(), "99", "ref"); !errors.Is(err, ErrUnknownLock) {
		t.Fatalf("expected ErrUnknownLock, got %v", err)
	}
}

func TestMemoryLedger_LookupReflectsExecution(t *testing.T) {
	ml := NewMemoryLedger()
	ctx := context.Background()
	corr := uuid.New().String()

	chainID, _, err := ml.CreateLock(ctx, CreateLockParams{CorrelationID: corr})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	state, err := ml.LookupLock(ctx, corr)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if state.Executed {
		t.Fatal("fresh lock must not read as executed")
	}

	if _, err := ml.ExecuteLock(ctx, chainID, "MPESA-1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	state, err = ml.LookupLock(ctx, corr)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !state.Executed {
		t.Fatal("execution must be visible via lookup")
	}
}

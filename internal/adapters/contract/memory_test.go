package contract

import (
	"context"
	"errors"
	"testing"

	"jobnode/internal/coordinator"
)

func TestMemoryLedgerTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger("0xnode", nil)
	idx := m.AddJob(true)

	if _, err := m.CompleteJob(ctx, idx, [32]byte{1}); !errors.Is(err, coordinator.ErrTxReverted) {
		t.Fatalf("complete before claim: got %v, want ErrTxReverted", err)
	}
	if _, err := m.ClaimJob(ctx, idx); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if _, err := m.ClaimJob(ctx, idx); !errors.Is(err, coordinator.ErrJobUnavailable) {
		t.Fatalf("second claim: got %v, want ErrJobUnavailable", err)
	}
	job, err := m.Job(ctx, idx)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != coordinator.StatusClaimed || job.Executor != "0xnode" {
		t.Fatalf("after claim: %+v", job)
	}
	if _, err := m.CompleteJob(ctx, idx, [32]byte{1}); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if h, ok := m.ResultHash(idx); !ok || h != [32]byte{1} {
		t.Fatalf("ResultHash = %x, %v", h, ok)
	}
	if _, err := m.FailJob(ctx, idx, "late", coordinator.CodeExecutionFailed); !errors.Is(err, coordinator.ErrTxReverted) {
		t.Fatalf("fail after complete: got %v, want ErrTxReverted", err)
	}
	if got := len(m.Calls()); got != 5 {
		t.Fatalf("recorded %d calls, want 5", got)
	}
}

func TestMemoryLedgerInjectedErrors(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLedger("0xnode", nil)
	boom := errors.New("rpc down")
	m.FailWith("jobCount", boom)
	if _, err := m.JobCount(ctx); !errors.Is(err, boom) {
		t.Fatalf("JobCount: got %v", err)
	}
	m.FailWith("jobCount", nil)
	if n, err := m.JobCount(ctx); err != nil || n != 0 {
		t.Fatalf("JobCount after reset = %d, %v", n, err)
	}
}

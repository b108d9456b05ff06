package contract

import (
	"context"
	"fmt"
	"sync"

	"jobnode/internal/coordinator"
)

// Call 记录 MemoryLedger 收到的一次写操作。
type Call struct {
	Method string
	Index  uint64
	Hash   [32]byte
	Reason string
	Code   coordinator.ErrorCode
}

type memJob struct {
	status   coordinator.OnChainStatus
	paid     bool
	executor string
	result   [32]byte
}

// MemoryLedger 是进程内的账本实现，用于演练模式与测试。
// 状态迁移规则与 JobLogger 合约一致：只有 Submitted 可认领，只有认领者可完成或失败。
type MemoryLedger struct {
	mu     sync.Mutex
	wallet string
	log    coordinator.Logger
	jobs   []memJob
	calls  []Call
	errs   map[string]error
	seq    uint64
}

// NewMemoryLedger 构造以 wallet 身份发送交易的内存账本。
func NewMemoryLedger(wallet string, log coordinator.Logger) *MemoryLedger {
	return &MemoryLedger{
		wallet: wallet,
		log:    coordinator.DefaultLogger(log),
		errs:   make(map[string]error),
	}
}

// AddJob 追加一个 Submitted 状态的任务并返回其链上下标。
func (m *MemoryLedger) AddJob(paid bool) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, memJob{status: coordinator.StatusSubmitted, paid: paid})
	return uint64(len(m.jobs) - 1)
}

// SetJob 直接改写任务状态，模拟其他节点的操作。
func (m *MemoryLedger) SetJob(index uint64, status coordinator.OnChainStatus, executor string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < uint64(len(m.jobs)) {
		m.jobs[index].status = status
		m.jobs[index].executor = executor
	}
}

// FailWith 让后续对 method 的调用返回 err；err 为 nil 时恢复正常。
func (m *MemoryLedger) FailWith(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, method)
		return
	}
	m.errs[method] = err
}

// Calls 返回已记录写操作的副本。
func (m *MemoryLedger) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// ResultHash 返回已完成任务提交的结果哈希。
func (m *MemoryLedger) ResultHash(index uint64) ([32]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= uint64(len(m.jobs)) || m.jobs[index].status != coordinator.StatusCompleted {
		return [32]byte{}, false
	}
	return m.jobs[index].result, true
}

func (m *MemoryLedger) JobCount(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["jobCount"]; err != nil {
		return 0, err
	}
	return uint64(len(m.jobs)), nil
}

func (m *MemoryLedger) Job(ctx context.Context, index uint64) (coordinator.LedgerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["jobs"]; err != nil {
		return coordinator.LedgerJob{}, err
	}
	if index >= uint64(len(m.jobs)) {
		return coordinator.LedgerJob{}, fmt.Errorf("jobs(%d): index out of range", index)
	}
	j := m.jobs[index]
	return coordinator.LedgerJob{Status: j.status, Paid: j.paid, Executor: j.executor}, nil
}

func (m *MemoryLedger) ClaimJob(ctx context.Context, index uint64) (coordinator.TxResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Method: "claimJob", Index: index}); err != nil {
		return coordinator.TxResult{}, err
	}
	if index >= uint64(len(m.jobs)) || m.jobs[index].status != coordinator.StatusSubmitted {
		return coordinator.TxResult{}, fmt.Errorf("claimJob(%d): execution reverted: Job unavailable: %w", index, coordinator.ErrJobUnavailable)
	}
	m.jobs[index].status = coordinator.StatusClaimed
	m.jobs[index].executor = m.wallet
	return m.mined("claimJob", index), nil
}

func (m *MemoryLedger) CompleteJob(ctx context.Context, index uint64, resultHash [32]byte) (coordinator.TxResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Method: "completeJob", Index: index, Hash: resultHash}); err != nil {
		return coordinator.TxResult{}, err
	}
	if err := m.requireClaimed("completeJob", index); err != nil {
		return coordinator.TxResult{}, err
	}
	m.jobs[index].status = coordinator.StatusCompleted
	m.jobs[index].result = resultHash
	return m.mined("completeJob", index), nil
}

func (m *MemoryLedger) FailJob(ctx context.Context, index uint64, reason string, code coordinator.ErrorCode) (coordinator.TxResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Method: "failJob", Index: index, Reason: reason, Code: code}); err != nil {
		return coordinator.TxResult{}, err
	}
	if err := m.requireClaimed("failJob", index); err != nil {
		return coordinator.TxResult{}, err
	}
	m.jobs[index].status = coordinator.StatusFailed
	return m.mined("failJob", index), nil
}

func (m *MemoryLedger) WithdrawRewards(ctx context.Context) (coordinator.TxResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(Call{Method: "withdrawRewards"}); err != nil {
		return coordinator.TxResult{}, err
	}
	return m.mined("withdrawRewards", 0), nil
}

// begin 记录调用并返回注入的错误。调用方需持有锁。
func (m *MemoryLedger) begin(c Call) error {
	m.calls = append(m.calls, c)
	return m.errs[c.Method]
}

func (m *MemoryLedger) requireClaimed(method string, index uint64) error {
	if index >= uint64(len(m.jobs)) {
		return fmt.Errorf("%s(%d): index out of range: %w", method, index, coordinator.ErrTxReverted)
	}
	j := m.jobs[index]
	if j.status != coordinator.StatusClaimed || j.executor != m.wallet {
		return fmt.Errorf("%s(%d): job not claimed by %s: %w", method, index, m.wallet, coordinator.ErrTxReverted)
	}
	return nil
}

func (m *MemoryLedger) mined(method string, index uint64) coordinator.TxResult {
	m.seq++
	tx := coordinator.TxResult{Hash: fmt.Sprintf("0x%064x", m.seq), BlockNumber: m.seq}
	m.log.Infof("%s(%d) mined in memory ledger, tx %s", method, index, tx.Hash)
	return tx
}

package coordinator

import (
	"context"
	"time"
)

// Job 是后端未认领列表中的一条任务描述，只是快照，不代表任何独占权。
type Job struct {
	JobID      string `json:"job_id"`
	ChainJobID *int64 `json:"chain_job_id"`
	ModelCID   string `json:"model_cid"`
	DatasetCID string `json:"dataset_cid"`
}

// OnChainStatus 是账本合约中的任务状态。
type OnChainStatus uint8

const (
	StatusSubmitted OnChainStatus = iota
	StatusClaimed
	StatusCompleted
	StatusFailed
)

func (s OnChainStatus) String() string {
	switch s {
	case StatusSubmitted:
		return "Submitted"
	case StatusClaimed:
		return "Claimed"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// LedgerJob 是 jobs(index) 返回记录中协调器关心的字段。
// Executor 为空表示合约 ABI 未暴露执行者地址。
type LedgerJob struct {
	Status   OnChainStatus
	Paid     bool
	Executor string
}

// TxResult 是签名并确认后的交易结果，屏蔽底层客户端库的返回结构差异。
type TxResult struct {
	Hash        string
	BlockNumber uint64
	GasUsed     uint64
}

// Eligibility 是后端对节点领取奖励资格的判定。
type Eligibility struct {
	Eligible bool
	Message  string
}

// FailureReport 是上报给后端的失败通知。
type FailureReport struct {
	JobID    string
	Reason   string
	Code     ErrorCode
	Executor string
}

// ClaimRecord 记录一次已在链上认领、尚未到达终态的任务尝试。
type ClaimRecord struct {
	JobID      string    `json:"job_id"`
	ChainJobID int64     `json:"chain_job_id"`
	ClaimTx    string    `json:"claim_tx"`
	SandboxDir string    `json:"sandbox_dir"`
	ClaimedAt  time.Time `json:"claimed_at"`
}

// Ledger 抽象链上任务注册表。所有写操作都会阻塞到交易被确认或出错。
type Ledger interface {
	JobCount(ctx context.Context) (uint64, error)
	Job(ctx context.Context, index uint64) (LedgerJob, error)
	ClaimJob(ctx context.Context, index uint64) (TxResult, error)
	CompleteJob(ctx context.Context, index uint64, resultHash [32]byte) (TxResult, error)
	FailJob(ctx context.Context, index uint64, reason string, code ErrorCode) (TxResult, error)
	WithdrawRewards(ctx context.Context) (TxResult, error)
}

// Backend 抽象后端镜像。写操作尽力而为，读操作只尝试一次。
type Backend interface {
	UnclaimedJobs(ctx context.Context) ([]Job, error)
	NodeEligibility(ctx context.Context, nodeID string) (Eligibility, error)
	ClaimJob(ctx context.Context, jobID, wallet string) error
	UpdateTxHash(ctx context.Context, jobID, txHash string) error
	UpdateExecutor(ctx context.Context, jobID, wallet string) error
	FailJob(ctx context.Context, report FailureReport) error
	SubmitResult(ctx context.Context, jobID, wallet, resultPath string) error
}

// ArtifactFetcher 按内容标识符下载模型或数据集。
type ArtifactFetcher interface {
	Fetch(ctx context.Context, cid string) ([]byte, error)
}

// ClaimJournal 持久化进行中的认领，供重启后的对账扫描使用。
type ClaimJournal interface {
	Record(ctx context.Context, rec ClaimRecord) error
	Clear(ctx context.Context, jobID string) error
	Pending(ctx context.Context) ([]ClaimRecord, error)
}

// Logger 提供基础日志输出。
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

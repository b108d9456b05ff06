package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"jobnode/internal/metrics"
	"jobnode/internal/sandbox"
)

// Runner 在沙箱中准备并执行模型程序。
type Runner interface {
	Stage(sb *sandbox.Sandbox, jobID string, model, data []byte) (sandbox.Program, error)
	Run(ctx context.Context, sb *sandbox.Sandbox, prog sandbox.Program) (sandbox.Result, error)
}

// Outcome 是单个任务在一轮中的结局。
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeCompleted
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Coordinator 负责串联后端轮询、链上认领、IPFS 拉取、沙箱执行与结果上报。
type Coordinator struct {
	cfg     Config
	id      Identity
	ledger  Ledger
	backend Backend
	fetcher ArtifactFetcher
	runner  Runner
	journal ClaimJournal
	log     Logger
	stats   *Stats
}

// NewCoordinator 使用外部依赖构建协调器实例。journal 可以为 nil。
func NewCoordinator(cfg Config, id Identity, ledger Ledger, backend Backend, fetcher ArtifactFetcher, runner Runner, journal ClaimJournal) (*Coordinator, error) {
	if ledger == nil {
		return nil, errors.New("ledger client required")
	}
	if backend == nil {
		return nil, errors.New("backend client required")
	}
	if fetcher == nil {
		return nil, errors.New("artifact fetcher required")
	}
	if runner == nil {
		return nil, errors.New("runner required")
	}
	if id.Wallet == "" {
		return nil, errors.New("node wallet required")
	}
	if journal == nil {
		journal = nopJournal{}
	}
	cfg.applyDefaults()
	return &Coordinator{
		cfg:     cfg,
		id:      id,
		ledger:  ledger,
		backend: backend,
		fetcher: fetcher,
		runner:  runner,
		journal: journal,
		log:     DefaultLogger(cfg.Log),
		stats:   &Stats{},
	}, nil
}

// Run 先对账上次遗留的认领，然后持续轮询直至上下文取消。
func (c *Coordinator) Run(ctx context.Context) error {
	c.Reconcile(ctx)
	for {
		if err := c.Cycle(ctx); err != nil {
			return err
		}
	}
}

// Cycle 执行一轮：拉取未认领任务、逐个处理、随机等待。
// 轮询失败时同样随机等待后返回，不会处理任何任务。
func (c *Coordinator) Cycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metrics.PollsTotal.Inc()
	c.stats.markPoll(c.cfg.Now())

	jobs, err := c.backend.UnclaimedJobs(ctx)
	if err != nil {
		metrics.PollErrorsTotal.Inc()
		c.log.Errorf("poll unclaimed jobs: %v", err)
		return c.pause(ctx, c.cfg.PollDelay, "next poll")
	}
	if c.cfg.PollLimit > 0 && len(jobs) > c.cfg.PollLimit {
		jobs = jobs[:c.cfg.PollLimit]
	}

	// 已开始的任务不随中断信号取消；中断只在任务之间生效。
	jobCtx := context.WithoutCancel(ctx)
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, dup := seen[job.JobID]; dup {
			c.recordSkip(job, skip(skipDuplicate, "already attempted this cycle", nil))
			continue
		}
		seen[job.JobID] = struct{}{}
		c.ProcessJob(jobCtx, job)
	}
	return c.pause(ctx, c.cfg.PollDelay, "next poll")
}

// ProcessJob 驱动单个任务走完整个生命周期并返回结局。
func (c *Coordinator) ProcessJob(ctx context.Context, job Job) Outcome {
	index, err := c.validate(ctx, job)
	if err != nil {
		c.recordSkip(job, err)
		return OutcomeSkipped
	}
	claim, err := c.claim(ctx, job, index)
	if err != nil {
		c.recordSkip(job, err)
		return OutcomeSkipped
	}
	outcome := c.runClaimed(ctx, job, index, claim)
	c.stats.record(outcome)
	return outcome
}

// validate 对应 CountChecked 与 StatusChecked 两个阶段。
func (c *Coordinator) validate(ctx context.Context, job Job) (uint64, error) {
	if job.ChainJobID == nil {
		return 0, skip(skipNoChainID, "no chain_job_id", nil)
	}
	count, err := c.ledger.JobCount(ctx)
	if err != nil {
		return 0, skip(skipReadError, "could not fetch jobCount", err)
	}
	idx := *job.ChainJobID
	if idx < 0 || uint64(idx) >= count {
		return 0, skip(skipOutOfRange, fmt.Sprintf("on-chain index %d out of range [0, %d)", idx, count), nil)
	}
	rec, err := c.ledger.Job(ctx, uint64(idx))
	if err != nil {
		return 0, skip(skipReadError, fmt.Sprintf("on-chain fetch failed for index %d", idx), err)
	}
	if rec.Status != StatusSubmitted {
		return 0, skip(skipNotSubmitted, fmt.Sprintf("status is %s, not Submitted", rec.Status), nil)
	}
	return uint64(idx), nil
}

// claim 在随机延迟后提交认领交易，并把结果尽力镜像到后端。
func (c *Coordinator) claim(ctx context.Context, job Job, index uint64) (TxResult, error) {
	if err := c.pause(ctx, c.cfg.ClaimDelay, fmt.Sprintf("claiming job %s", job.JobID)); err != nil {
		return TxResult{}, skip(skipClaimError, "interrupted before claim", err)
	}
	tx, err := c.ledger.ClaimJob(ctx, index)
	if errors.Is(err, ErrJobUnavailable) {
		return TxResult{}, skip(skipRaceLost, "job unavailable, another node may have claimed it", err)
	}
	if err != nil {
		return TxResult{}, skip(skipClaimError, "on-chain claim failed", err)
	}
	metrics.JobsClaimedTotal.Inc()
	c.stats.markClaimed()
	c.log.Infof("job %s claimed on-chain (index %d), tx %s", job.JobID, index, tx.Hash)

	c.mirror("update-tx-hash", job.JobID, func() error { return c.backend.UpdateTxHash(ctx, job.JobID, tx.Hash) })
	c.mirror("update-job-executor", job.JobID, func() error { return c.backend.UpdateExecutor(ctx, job.JobID, c.id.Wallet) })
	c.mirror("claim-job", job.JobID, func() error { return c.backend.ClaimJob(ctx, job.JobID, c.id.Wallet) })
	return tx, nil
}

// runClaimed 负责认领后的阶段。沙箱在所有退出路径上都会被删除。
func (c *Coordinator) runClaimed(ctx context.Context, job Job, index uint64, claim TxResult) (outcome Outcome) {
	claimedAt := c.cfg.Now()
	sb, err := sandbox.New(c.cfg.SandboxRoot, job.JobID, claimedAt)
	if err != nil {
		c.reportFailure(ctx, job, index, fail(CodeExecutionFailed, "Sandbox setup failed", err))
		return OutcomeFailed
	}
	defer func() {
		if err := sb.Remove(); err != nil {
			c.log.Warnf("remove sandbox %s: %v", sb.Dir, err)
		}
	}()

	rec := ClaimRecord{
		JobID:      job.JobID,
		ChainJobID: int64(index),
		ClaimTx:    claim.Hash,
		SandboxDir: sb.Dir,
		ClaimedAt:  claimedAt,
	}
	if err := c.journal.Record(ctx, rec); err != nil {
		c.log.Warnf("journal claim for job %s: %v", job.JobID, err)
	}
	defer func() {
		if err := c.journal.Clear(ctx, job.JobID); err != nil {
			c.log.Warnf("clear journal entry for job %s: %v", job.JobID, err)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("job %s: unexpected panic: %v", job.JobID, r)
			c.reportFailure(ctx, job, index, fail(CodeExecutionFailed, "Internal error", fmt.Errorf("panic: %v", r)))
			outcome = OutcomeFailed
		}
	}()

	c.log.Infof("job %s claimed, running model in %s", job.JobID, sb.Dir)
	res, jf := c.execute(ctx, job, sb)
	if jf != nil {
		c.reportFailure(ctx, job, index, jf)
		return OutcomeFailed
	}
	if jf := c.finalize(ctx, job, index, res); jf != nil {
		c.reportFailure(ctx, job, index, jf)
		return OutcomeFailed
	}
	c.collectReward(ctx, job, index)
	return OutcomeCompleted
}

// execute 覆盖 ArtifactsFetched、Executed 与 SizeValidated 阶段。
func (c *Coordinator) execute(ctx context.Context, job Job, sb *sandbox.Sandbox) (sandbox.Result, *JobFailure) {
	model, err := c.fetcher.Fetch(ctx, job.ModelCID)
	if err != nil {
		return sandbox.Result{}, fail(CodeModelFetchFailed, "Model download failed", err)
	}
	data, err := c.fetcher.Fetch(ctx, job.DatasetCID)
	if err != nil {
		return sandbox.Result{}, fail(CodeDatasetFetchFailed, "Dataset download failed", err)
	}
	prog, err := c.runner.Stage(sb, job.JobID, model, data)
	if err != nil {
		return sandbox.Result{}, fail(CodeExecutionFailed, "Sandbox setup failed", err)
	}

	start := time.Now()
	res, err := c.runner.Run(ctx, sb, prog)
	metrics.ExecutionDurationSeconds.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		c.log.Infof("job %s executed (%s, %d bytes output)", job.JobID, prog.Kind, res.Size)
		return res, nil
	case errors.Is(err, sandbox.ErrOutputTooLarge):
		return sandbox.Result{}, fail(CodeOutputTooLarge, "Output file exceeded size limit", err)
	case errors.Is(err, sandbox.ErrTimeout):
		return sandbox.Result{}, fail(CodeExecutionFailed, "Execution timed out", err)
	case errors.Is(err, sandbox.ErrNoOutput):
		return sandbox.Result{}, fail(CodeExecutionFailed, "Output file missing", err)
	default:
		return sandbox.Result{}, fail(CodeExecutionFailed, "Execution failed", err)
	}
}

// finalize 先在链上提交结果哈希，确认后再镜像到后端并上传结果文件。
func (c *Coordinator) finalize(ctx context.Context, job Job, index uint64, res sandbox.Result) *JobFailure {
	tx, err := c.ledger.CompleteJob(ctx, index, res.Hash)
	if err != nil {
		return fail(CodeExecutionFailed, "Completion transaction failed", err)
	}
	metrics.JobsCompletedTotal.Inc()
	c.log.Infof("job %s completeJob confirmed on-chain, tx %s, result %s", job.JobID, tx.Hash, res.HashHex())

	c.mirror("update-tx-hash", job.JobID, func() error { return c.backend.UpdateTxHash(ctx, job.JobID, tx.Hash) })
	c.mirror("submit-result", job.JobID, func() error { return c.backend.SubmitResult(ctx, job.JobID, c.id.Wallet, res.Path) })
	c.log.Infof("job %s finalized", job.JobID)
	return nil
}

// reportFailure 执行失败结局：先链上 failJob，再通知后端，两者互不影响。
func (c *Coordinator) reportFailure(ctx context.Context, job Job, index uint64, f *JobFailure) {
	metrics.JobsFailedTotal.WithLabelValues(strconv.Itoa(int(f.Code))).Inc()
	c.log.Errorf("job %s failed: %v", job.JobID, f)

	if tx, err := c.ledger.FailJob(ctx, index, f.Reason, f.Code); err != nil {
		c.log.Errorf("failJob on-chain for job %s (index %d): %v", job.JobID, index, err)
	} else {
		c.log.Infof("job %s failJob confirmed on-chain, tx %s", job.JobID, tx.Hash)
	}

	report := FailureReport{JobID: job.JobID, Reason: f.Reason, Code: f.Code, Executor: c.id.Wallet}
	if err := c.backend.FailJob(ctx, report); err != nil {
		metrics.BackendWriteFailuresTotal.WithLabelValues("fail-job").Inc()
		c.log.Errorf("notify backend of failure for job %s: %v", job.JobID, err)
		return
	}
	c.log.Infof("backend notified of failure for job %s (executor=%s)", job.JobID, c.id.Wallet)
}

// mirror 执行一次尽力而为的后端写入，失败只记日志。
func (c *Coordinator) mirror(endpoint, jobID string, fn func() error) {
	if err := fn(); err != nil {
		metrics.BackendWriteFailuresTotal.WithLabelValues(endpoint).Inc()
		c.log.Errorf("backend %s for job %s: %v", endpoint, jobID, err)
	}
}

func (c *Coordinator) recordSkip(job Job, err error) {
	var s *SkipError
	kind := skipClaimError
	if errors.As(err, &s) {
		kind = s.Kind
	}
	metrics.JobsSkippedTotal.WithLabelValues(kind).Inc()
	c.stats.record(OutcomeSkipped)
	if kind == skipNotSubmitted || kind == skipDuplicate {
		c.log.Infof("job %s skipped: %v", job.JobID, err)
		return
	}
	c.log.Warnf("job %s skipped: %v", job.JobID, err)
}

// pause 按区间随机等待，用于错开各节点的轮询与认领时刻。
func (c *Coordinator) pause(ctx context.Context, r Range, what string) error {
	d := r.Draw()
	if d <= 0 {
		return nil
	}
	c.log.Infof("waiting %.2fs before %s (randomized)", d.Seconds(), what)
	return c.cfg.Sleep(ctx, d)
}

// Stats 返回运行统计快照，供状态接口使用。
func (c *Coordinator) Stats() StatsSnapshot {
	return c.stats.snapshot()
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, ClaimRecord) error      { return nil }
func (nopJournal) Clear(context.Context, string) error            { return nil }
func (nopJournal) Pending(context.Context) ([]ClaimRecord, error) { return nil, nil }

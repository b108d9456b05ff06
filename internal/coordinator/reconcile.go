package coordinator

import (
	"context"
	"strings"

	"jobnode/internal/sandbox"
)

// Reconcile 扫描上次运行遗留的认领记录。链上仍处于 Claimed（且执行者是本节点）
// 的任务会补发失败上报，遗留沙箱会被删除。读链失败的记录保留到下次启动。
func (c *Coordinator) Reconcile(ctx context.Context) {
	recs, err := c.journal.Pending(ctx)
	if err != nil {
		c.log.Warnf("read claim journal: %v", err)
		return
	}
	if len(recs) == 0 {
		return
	}
	c.log.Warnf("reconciling %d claim(s) left over from a previous run", len(recs))
	for _, rec := range recs {
		c.reconcileOne(ctx, rec)
	}
}

func (c *Coordinator) reconcileOne(ctx context.Context, rec ClaimRecord) {
	if rec.SandboxDir != "" {
		if err := sandbox.RemoveStale(c.cfg.SandboxRoot, rec.SandboxDir); err != nil {
			c.log.Warnf("remove leftover sandbox for job %s: %v", rec.JobID, err)
		}
	}
	if rec.ChainJobID < 0 {
		c.clearRecord(ctx, rec.JobID)
		return
	}

	index := uint64(rec.ChainJobID)
	onChain, err := c.ledger.Job(ctx, index)
	if err != nil {
		c.log.Warnf("reconcile job %s: on-chain fetch failed, keeping record: %v", rec.JobID, err)
		return
	}
	ours := onChain.Executor == "" || strings.EqualFold(onChain.Executor, c.id.Wallet)
	if onChain.Status == StatusClaimed && ours {
		c.reportFailure(ctx, Job{JobID: rec.JobID, ChainJobID: &rec.ChainJobID}, index,
			fail(CodeExecutionFailed, "Node restarted during execution", nil))
		c.stats.record(OutcomeFailed)
	} else {
		c.log.Infof("reconcile job %s: on-chain status %s, nothing to report", rec.JobID, onChain.Status)
	}
	c.clearRecord(ctx, rec.JobID)
}

func (c *Coordinator) clearRecord(ctx context.Context, jobID string) {
	if err := c.journal.Clear(ctx, jobID); err != nil {
		c.log.Warnf("clear journal entry for job %s: %v", jobID, err)
	}
}

package coordinator

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"jobnode/internal/metrics"
)

// collectReward 对应 RewardChecked/Withdrawn：仅付费任务且节点具备资格时才提取奖励。
func (c *Coordinator) collectReward(ctx context.Context, job Job, index uint64) {
	rec, err := c.ledger.Job(ctx, index)
	if err != nil {
		c.log.Warnf("job %s: cannot read paid flag, skipping withdraw: %v", job.JobID, err)
		return
	}
	if !rec.Paid {
		c.log.Infof("no rewards to withdraw for job %s (unpaid job)", job.JobID)
		return
	}

	eligibility, err := c.backend.NodeEligibility(ctx, c.id.EligibilityID(c.cfg.EligibilityKey))
	if err != nil {
		c.log.Warnf("skipping withdraw for job %s: eligibility check failed: %v", job.JobID, err)
		return
	}
	if !eligibility.Eligible {
		metrics.WithdrawalsTotal.WithLabelValues("ineligible").Inc()
		msg := eligibility.Message
		if msg == "" {
			msg = "check rating/num_ratings on dashboard"
		}
		c.log.Warnf("skipping withdraw: not eligible. Reason: %s", msg)
		return
	}
	c.withdraw(ctx)
}

// withdraw 以指数退避重试 withdrawRewards：初始延迟每次翻倍，封顶 WithdrawMaxDelay。
func (c *Coordinator) withdraw(ctx context.Context) bool {
	backoff := wait.Backoff{
		Duration: c.cfg.WithdrawInitialDelay,
		Factor:   2,
		Cap:      c.cfg.WithdrawMaxDelay,
		Steps:    c.cfg.WithdrawAttempts,
	}
	for attempt := 1; ; attempt++ {
		tx, err := c.ledger.WithdrawRewards(ctx)
		if err == nil {
			metrics.WithdrawalsTotal.WithLabelValues("succeeded").Inc()
			c.log.Infof("rewards withdrawal succeeded, tx %s", tx.Hash)
			return true
		}
		if attempt >= c.cfg.WithdrawAttempts {
			metrics.WithdrawalsTotal.WithLabelValues("failed").Inc()
			c.log.Warnf("reward withdrawal ultimately failed after %d attempts: %v", attempt, err)
			return false
		}
		delay := backoffDelay(&backoff, c.cfg.WithdrawMaxDelay)
		c.log.Warnf("withdraw attempt %d failed: %v (retrying in %s)", attempt, err, delay)
		if err := c.cfg.Sleep(ctx, delay); err != nil {
			return false
		}
	}
}

// backoffDelay 取下一次等待时长。wait.Backoff 触顶后不再增长，这里再按上限截断一次。
func backoffDelay(b *wait.Backoff, max time.Duration) time.Duration {
	d := b.Step()
	if max > 0 && d > max {
		d = max
	}
	return d
}

package coordinator

import (
	"context"
	"math/rand/v2"
	"time"

	"jobnode/internal/retry"
)

// Range 是抖动区间，Draw 在 [Min, Max] 内均匀取值。
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Draw 返回区间内的随机时长；Max 不大于 Min 时直接返回 Min。
func (r Range) Draw() time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.N(r.Max-r.Min+1)
}

// Config 描述协调器运行所需的配置。
type Config struct {
	SandboxRoot string
	// PollDelay 是每轮遍历结束后（以及轮询失败后）的随机等待区间。
	// 零值区间表示不等待；默认区间由 config.Defaults 提供。
	PollDelay Range
	// ClaimDelay 是每次认领交易前的随机等待区间，零值同样表示不等待。
	ClaimDelay Range
	// PollLimit 限制每轮处理的任务数，0 表示不限制。
	PollLimit int
	// EligibilityKey 取值 "wallet" 或 "node_id"，决定查询奖励资格时使用的标识。
	EligibilityKey string

	WithdrawAttempts     int
	WithdrawInitialDelay time.Duration
	WithdrawMaxDelay     time.Duration

	Log   Logger
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// applyDefaults 为缺失的配置填充默认值。等待区间按原样保留。
func (c *Config) applyDefaults() {
	if c.SandboxRoot == "" {
		c.SandboxRoot = "sandbox"
	}
	if c.EligibilityKey == "" {
		c.EligibilityKey = "wallet"
	}
	if c.WithdrawAttempts <= 0 {
		c.WithdrawAttempts = 5
	}
	if c.WithdrawInitialDelay <= 0 {
		c.WithdrawInitialDelay = 2 * time.Second
	}
	if c.WithdrawMaxDelay <= 0 {
		c.WithdrawMaxDelay = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Sleep == nil {
		c.Sleep = retry.Sleep
	}
}

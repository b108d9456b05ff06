package coordinator

import (
	"errors"
	"fmt"
)

// ErrorCode 是随失败一起上报到链上和后端的稳定错误码。
type ErrorCode uint8

const (
	CodeExecutionFailed    ErrorCode = 1
	CodeModelFetchFailed   ErrorCode = 2
	CodeDatasetFetchFailed ErrorCode = 3
	CodeOutputTooLarge     ErrorCode = 4
)

var (
	// ErrJobUnavailable 表示账本拒绝认领：任务已被其他节点抢先认领。
	ErrJobUnavailable = errors.New("job unavailable")
	// ErrTxReverted 表示交易已上链但执行失败。
	ErrTxReverted = errors.New("transaction reverted")
)

// JobFailure 是认领之后发生的致命错误，总会触发链上与后端的双重失败上报。
type JobFailure struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (f *JobFailure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s (code %d)", f.Reason, f.Code)
	}
	return fmt.Sprintf("%s (code %d): %v", f.Reason, f.Code, f.Err)
}

func (f *JobFailure) Unwrap() error { return f.Err }

// SkipError 表示本轮放弃该任务，不做任何失败上报。
// Kind 是用于指标标签的简短分类。
type SkipError struct {
	Kind   string
	Reason string
	Err    error
}

func (s *SkipError) Error() string {
	if s.Err == nil {
		return s.Reason
	}
	return fmt.Sprintf("%s: %v", s.Reason, s.Err)
}

func (s *SkipError) Unwrap() error { return s.Err }

const (
	skipNoChainID    = "no_chain_id"
	skipOutOfRange   = "out_of_range"
	skipReadError    = "read_error"
	skipNotSubmitted = "not_submitted"
	skipRaceLost     = "race_lost"
	skipClaimError   = "claim_error"
	skipDuplicate    = "duplicate"
)

func skip(kind, reason string, err error) error {
	return &SkipError{Kind: kind, Reason: reason, Err: err}
}

func fail(code ErrorCode, reason string, err error) *JobFailure {
	return &JobFailure{Code: code, Reason: reason, Err: err}
}

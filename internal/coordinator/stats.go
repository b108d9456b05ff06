package coordinator

import (
	"sync"
	"time"
)

// Stats 是状态接口读取的计数器，由任务循环写入。
type Stats struct {
	mu        sync.Mutex
	lastPoll  time.Time
	claimed   uint64
	completed uint64
	failed    uint64
	skipped   uint64
}

// StatsSnapshot 是 Stats 的只读副本。
type StatsSnapshot struct {
	LastPoll  time.Time `json:"last_poll"`
	Claimed   uint64    `json:"claimed"`
	Completed uint64    `json:"completed"`
	Failed    uint64    `json:"failed"`
	Skipped   uint64    `json:"skipped"`
}

func (s *Stats) markPoll(at time.Time) {
	s.mu.Lock()
	s.lastPoll = at
	s.mu.Unlock()
}

func (s *Stats) markClaimed() {
	s.mu.Lock()
	s.claimed++
	s.mu.Unlock()
}

func (s *Stats) record(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o {
	case OutcomeCompleted:
		s.completed++
	case OutcomeFailed:
		s.failed++
	default:
		s.skipped++
	}
}

func (s *Stats) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		LastPoll:  s.lastPoll,
		Claimed:   s.claimed,
		Completed: s.completed,
		Failed:    s.failed,
		Skipped:   s.skipped,
	}
}

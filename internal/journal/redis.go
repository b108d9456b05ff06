package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"jobnode/internal/coordinator"
)

// RedisJournal keeps claims in one hash per node: field=job_id, value=JSON record.
type RedisJournal struct {
	rdb *redis.Client
	key string
	log coordinator.Logger
}

// NewRedisJournal builds a journal keyed by nodeID.
func NewRedisJournal(rdb *redis.Client, nodeID string, log coordinator.Logger) (*RedisJournal, error) {
	if rdb == nil {
		return nil, errors.New("redis client required")
	}
	if nodeID == "" {
		return nil, errors.New("node id required")
	}
	return &RedisJournal{
		rdb: rdb,
		key: fmt.Sprintf("node:%s:claims", nodeID),
		log: coordinator.DefaultLogger(log),
	}, nil
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr, nodeID string, log coordinator.Logger) (*RedisJournal, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisJournal(rdb, nodeID, log)
}

// Close releases the underlying client.
func (j *RedisJournal) Close() error { return j.rdb.Close() }

func (j *RedisJournal) Record(ctx context.Context, rec coordinator.ClaimRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return j.rdb.HSet(ctx, j.key, rec.JobID, data).Err()
}

func (j *RedisJournal) Clear(ctx context.Context, jobID string) error {
	return j.rdb.HDel(ctx, j.key, jobID).Err()
}

func (j *RedisJournal) Pending(ctx context.Context) ([]coordinator.ClaimRecord, error) {
	raw, err := j.rdb.HGetAll(ctx, j.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read claims %s: %w", j.key, err)
	}
	recs := make([]coordinator.ClaimRecord, 0, len(raw))
	for field, value := range raw {
		var rec coordinator.ClaimRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			j.log.Warnf("claim %s in %s corrupt: %v", field, j.key, err)
			continue
		}
		recs = append(recs, rec)
	}
	sortRecords(recs)
	return recs, nil
}

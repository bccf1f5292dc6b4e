// Package queue is the client for the Work Queue (WQ) external collaborator:
// enqueue of a DetectedPayment job carrying retry/backoff metadata. The core
// never inspects a job again once enqueued — it is fire-and-forget from the
// Shell's perspective.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobName is the fixed downstream job name every DetectedPayment is
// enqueued under.
const JobName = "invoice-payment-detected"

// Payload is the downstream job body, field-for-field as spec.md §6.
type Payload struct {
	BlockchainKey         string `json:"blockchainKey"`
	TokenID               string `json:"tokenId"`
	WalletDerivationPath  string `json:"walletDerivationPath"`
	WalletAddress         string `json:"walletAddress"`
	TransactionHash       string `json:"transactionHash"`
	Amount                string `json:"amount"`
	DetectedAt            string `json:"detectedAt"` // ISO-8601 UTC
}

// Job wraps a Payload with the retry/backoff/priority/retention metadata the
// Shell attaches on every dispatch.
type Job struct {
	ID             string
	Name           string
	Payload        Payload
	MaxAttempts    int
	BackoffBase    time.Duration
	Priority       int
	RetainComplete int // keep at most this many completed job records
	RetainFailed   int // keep at most this many failed job records
}

// NewDispatchJob builds the Job the Shell enqueues for every DetectedPayment,
// per spec.md §4.1's dispatch contract: fixed job name, 5 attempts,
// exponential backoff with a 2s base, priority 5, limited retention.
func NewDispatchJob(p Payload) Job {
	return Job{
		ID:             uuid.New().String(),
		Name:           JobName,
		Payload:        p,
		MaxAttempts:    5,
		BackoffBase:    2 * time.Second,
		Priority:       5,
		RetainComplete: 50,
		RetainFailed:   20,
	}
}

// Queue is the WQ contract the Shell enqueues onto. Any implementation
// satisfying enqueue-with-metadata semantics is acceptable.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// wireJob is Job's on-the-wire envelope; BackoffBase is stored in
// milliseconds since time.Duration isn't portable JSON.
type wireJob struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Payload        Payload `json:"payload"`
	MaxAttempts    int     `json:"maxAttempts"`
	BackoffBaseMS  int64   `json:"backoffBaseMs"`
	Priority       int     `json:"priority"`
	RetainComplete int     `json:"retainComplete"`
	RetainFailed   int     `json:"retainFailed"`
	EnqueuedAtUnix int64   `json:"enqueuedAtUnix"`
}

// RedisQueue implements Queue as a priority-ordered Redis sorted set: score
// encodes priority so higher-priority jobs pop first, with retention
// enforced by trimming the set to RetainComplete+RetainFailed entries per
// queue key. The downstream payment-detection worker that drains this queue
// is an external collaborator; this package only needs to get jobs onto it
// reliably.
type RedisQueue struct {
	rdb      *redis.Client
	queueKey string
}

// NewRedisQueue constructs a RedisQueue backed by rdb, storing jobs under
// queueKey (a Redis sorted-set key, e.g. "wq:invoice-payment-detected").
func NewRedisQueue(rdb *redis.Client, queueKey string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueKey: queueKey}
}

// NewRedisQueueAt dials a fresh Redis client at addr and returns a
// RedisQueue over the default "wq:invoice-payment-detected" key.
func NewRedisQueueAt(addr, password string, db int) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return NewRedisQueue(rdb, "wq:"+JobName)
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	wj := wireJob{
		ID:             job.ID,
		Name:           job.Name,
		Payload:        job.Payload,
		MaxAttempts:    job.MaxAttempts,
		BackoffBaseMS:  job.BackoffBase.Milliseconds(),
		Priority:       job.Priority,
		RetainComplete: job.RetainComplete,
		RetainFailed:   job.RetainFailed,
		EnqueuedAtUnix: time.Now().UTC().Unix(),
	}
	raw, err := json.Marshal(wj)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}

	// Higher priority pops first: score is negative priority so ZRANGE
	// (ascending) yields highest-priority jobs first; ties broken by
	// enqueue time via a fractional component.
	score := float64(-job.Priority) + float64(wj.EnqueuedAtUnix)/1e12

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.queueKey, redis.Z{Score: score, Member: raw})
	retention := job.RetainComplete + job.RetainFailed
	if retention > 0 {
		pipe.ZRemRangeByRank(ctx, q.queueKey, 0, int64(-retention-1))
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (q *RedisQueue) Close() error { return q.rdb.Close() }

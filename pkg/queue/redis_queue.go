package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaole-2025/rizzify-sub001/internal/util"
)

// promoteScript moves due retries from the delayed set back onto the stream.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("XADD", KEYS[2], "MAXLEN", "~", ARGV[3], "*", "job_id", id)
end
return #due
`)

type RedisJobQueue struct {
	client       *redis.Client
	prefix       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	block        time.Duration
	claimIdle    time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	ownsClient   bool
	now          func() time.Time

	ensured sync.Map

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

type RedisQueueConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Default "jobs".
	Prefix    string
	Group     string
	Consumer  string
	JobTTL    time.Duration
	Block     time.Duration
	ClaimIdle time.Duration
	MaxLen    int64
	ReadCount int64
	// ClaimCount bounds how many stale pending messages one poll re-claims.
	ClaimCount int64
}

// NewRedisJobQueue dials its own client from cfg.Addr.
func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	q := NewRedisJobQueueWithClient(client, cfg)
	q.ownsClient = true
	return q, nil
}

// NewRedisJobQueueWithClient shares an existing client. Close leaves it open.
func NewRedisJobQueueWithClient(client *redis.Client, cfg RedisQueueConfig) *RedisJobQueue {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "jobs"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "workers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 7 * 24 * time.Hour
	}
	block := cfg.Block
	if block <= 0 {
		block = time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 5 * time.Minute
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 100000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 1
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}
	return &RedisJobQueue{
		client:       client,
		prefix:       prefix,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		block:        block,
		claimIdle:    claimIdle,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		now:          time.Now,
	}
}

// EnsureTopic creates the stream and consumer group. An existing group is not an error,
// so any number of processes may call it concurrently.
func (q *RedisJobQueue) EnsureTopic(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic required")
	}
	if _, ok := q.ensured.Load(topic); ok {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.streamKey(topic), q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group for %s: %w", topic, err)
	}
	if err := q.client.SAdd(ctx, q.topicsKey(), topic).Err(); err != nil {
		return fmt.Errorf("register topic %s: %w", topic, err)
	}
	q.ensured.Store(topic, struct{}{})
	return nil
}

// Topics lists every topic registered through EnsureTopic.
func (q *RedisJobQueue) Topics(ctx context.Context) ([]string, error) {
	return q.client.SMembers(ctx, q.topicsKey()).Result()
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, topic string, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", errors.New("payload required")
	}
	if err := q.EnsureTopic(ctx, topic); err != nil {
		return "", err
	}
	jobID := util.NewID()
	now := q.now().UTC().Format(time.RFC3339Nano)
	key := q.jobKey(topic, jobID)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"topic":     topic,
		"payload":   payload,
		"status":    StatusQueued,
		"attempts":  0,
		"error":     "",
		"createdAt": now,
		"updatedAt": now,
	})
	pipe.Expire(ctx, key, q.jobTTL)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(topic),
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"job_id": jobID},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", topic, err)
	}
	return jobID, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, topic, jobID string) (JobState, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobState{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(topic, jobID)).Result()
	if err != nil {
		return JobState{}, false, err
	}
	if len(data) == 0 {
		return JobState{}, false, nil
	}
	return decodeJobState(jobID, data), true, nil
}

// DeadJobs returns the ids on the topic's dead list, oldest first.
func (q *RedisJobQueue) DeadJobs(ctx context.Context, topic string) ([]string, error) {
	return q.client.LRange(ctx, q.deadKey(topic), 0, -1).Result()
}

func (q *RedisJobQueue) Consume(ctx context.Context, topic string, opts ConsumeOptions, h Handler) error {
	if h == nil {
		return errors.New("handler required")
	}
	if err := q.EnsureTopic(ctx, topic); err != nil {
		return err
	}
	opts = opts.withDefaults()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancels = append(q.cancels, cancel)
	for i := 0; i < opts.TeamSize; i++ {
		consumer := fmt.Sprintf("%s-%s-%d", q.consumerBase, topic, i)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consumeLoop(ctx, topic, consumer, opts, h)
		}()
	}
	return nil
}

// Close stops all consumers and waits for in-flight handlers.
func (q *RedisJobQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, cancel := range q.cancels {
		cancel()
	}
	q.mu.Unlock()
	q.wg.Wait()
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, topic, consumer string, opts ConsumeOptions, h Handler) {
	logger := slog.Default().With("topic", topic, "consumer", consumer)
	for ctx.Err() == nil {
		if _, err := q.poll(ctx, topic, consumer, opts, h); err != nil && ctx.Err() == nil {
			logger.Warn("queue poll failed", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// poll promotes due retries, re-claims stale deliveries and reads new ones.
// It returns how many messages were handled.
func (q *RedisJobQueue) poll(ctx context.Context, topic, consumer string, opts ConsumeOptions, h Handler) (int, error) {
	if err := q.promoteDue(ctx, topic); err != nil {
		return 0, err
	}
	handled := 0
	claimed, err := q.claimPending(ctx, topic, consumer)
	if err != nil {
		return 0, err
	}
	for _, msg := range claimed {
		q.handleMessage(ctx, topic, msg, opts, h)
		handled++
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.streamKey(topic), ">"},
		Count:    q.readCount,
		Block:    q.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return handled, nil
	}
	if err != nil {
		return handled, err
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			q.handleMessage(ctx, topic, msg, opts, h)
			handled++
		}
	}
	return handled, nil
}

func (q *RedisJobQueue) promoteDue(ctx context.Context, topic string) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(topic), q.streamKey(topic)},
		now, q.claimCount, q.maxLen,
	).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (q *RedisJobQueue) claimPending(ctx context.Context, topic, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.streamKey(topic),
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, topic string, msg redis.XMessage, opts ConsumeOptions, h Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	if jobID == "" {
		q.ackAndDel(ctx, topic, msg.ID)
		return
	}
	logger := slog.Default().With("topic", topic, "job_id", jobID)
	key := q.jobKey(topic, jobID)
	data, err := q.client.HGetAll(ctx, key).Result()
	if err != nil {
		// Left pending; XAUTOCLAIM brings it back.
		logger.Warn("load job failed", "err", err)
		return
	}
	if len(data) == 0 {
		logger.Warn("job record missing, dropping message")
		q.ackAndDel(ctx, topic, msg.ID)
		return
	}
	state := decodeJobState(jobID, data)
	if state.Status == StatusCompleted || state.Status == StatusDead {
		q.ackAndDel(ctx, topic, msg.ID)
		return
	}

	attempts, err := q.client.HIncrBy(ctx, key, "attempts", 1).Result()
	if err != nil {
		logger.Warn("count attempt failed", "err", err)
		return
	}
	_ = q.client.HSet(ctx, key, "status", StatusActive, "updatedAt", q.stamp()).Err()

	job := Job{
		ID:          jobID,
		Topic:       topic,
		Payload:     []byte(data["payload"]),
		Attempt:     int(attempts),
		MaxAttempts: opts.maxAttempts(),
		CreatedAt:   state.CreatedAt,
	}
	herr := invoke(ctx, h, job)
	if herr != nil && ctx.Err() != nil {
		// Shutdown mid-job: keep the delivery pending for another consumer.
		return
	}

	switch settle(opts, job, herr) {
	case outcomeDone:
		q.finish(ctx, topic, msg.ID, key, StatusCompleted, "")
	case outcomeDead:
		logger.Warn("job dead", "attempt", job.Attempt, "err", herr)
		q.bury(ctx, topic, msg.ID, key, jobID, herr.Error())
		if opts.OnDead != nil {
			opts.OnDead(ctx, job, herr)
		}
	case outcomeRetry:
		delay := opts.delayFor(job.Attempt)
		logger.Info("job retry scheduled", "attempt", job.Attempt, "delay", delay.String(), "err", herr)
		if err := q.scheduleRetry(ctx, topic, msg.ID, key, jobID, herr.Error(), delay); err != nil {
			logger.Warn("schedule retry failed", "err", err)
		}
	}
}

func (q *RedisJobQueue) finish(ctx context.Context, topic, msgID, key, status, errMsg string) {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, "status", status, "error", errMsg, "updatedAt", q.stamp())
	pipe.XAck(ctx, q.streamKey(topic), q.group, msgID)
	pipe.XDel(ctx, q.streamKey(topic), msgID)
	_, _ = pipe.Exec(ctx)
}

func (q *RedisJobQueue) bury(ctx context.Context, topic, msgID, key, jobID, errMsg string) {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, "status", StatusDead, "error", errMsg, "updatedAt", q.stamp())
	pipe.RPush(ctx, q.deadKey(topic), jobID)
	pipe.XAck(ctx, q.streamKey(topic), q.group, msgID)
	pipe.XDel(ctx, q.streamKey(topic), msgID)
	_, _ = pipe.Exec(ctx)
}

// scheduleRetry parks the job in the delayed set and acks the current delivery
// in one transaction. On failure the delivery stays pending.
func (q *RedisJobQueue) scheduleRetry(ctx context.Context, topic, msgID, key, jobID, errMsg string, delay time.Duration) error {
	due := q.now().Add(delay).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, "status", StatusRetry, "error", errMsg, "updatedAt", q.stamp())
	pipe.ZAdd(ctx, q.delayedKey(topic), redis.Z{Score: float64(due), Member: jobID})
	pipe.XAck(ctx, q.streamKey(topic), q.group, msgID)
	pipe.XDel(ctx, q.streamKey(topic), msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, topic, msgID string) {
	_, _ = q.client.XAck(ctx, q.streamKey(topic), q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.streamKey(topic), msgID).Result()
}

func (q *RedisJobQueue) stamp() string {
	return q.now().UTC().Format(time.RFC3339Nano)
}

func (q *RedisJobQueue) streamKey(topic string) string  { return q.prefix + ":" + topic }
func (q *RedisJobQueue) delayedKey(topic string) string { return q.prefix + ":" + topic + ":delayed" }
func (q *RedisJobQueue) deadKey(topic string) string    { return q.prefix + ":" + topic + ":dead" }
func (q *RedisJobQueue) topicsKey() string              { return q.prefix + ":topics" }

func (q *RedisJobQueue) jobKey(topic, jobID string) string {
	return q.prefix + ":job:" + topic + ":" + jobID
}

func decodeJobState(jobID string, data map[string]string) JobState {
	job := JobState{
		ID:     jobID,
		Topic:  data["topic"],
		Status: data["status"],
		Error:  data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}

package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gaole-2025/rizzify-sub001/internal/util"
)

type memoryJob struct {
	state   JobState
	payload []byte
}

type memoryTopic struct {
	ready  []string
	notify chan struct{}
	dead   []string
}

// MemoryQueue is an in-process Queue for tests and single-binary local runs.
// Retries are delayed with timers; nothing survives a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	topics  map[string]*memoryTopic
	jobs    map[string]*memoryJob
	cancels []context.CancelFunc
	timers  []*time.Timer
	wg      sync.WaitGroup
	closed  bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string]*memoryTopic),
		jobs:   make(map[string]*memoryJob),
	}
}

func (q *MemoryQueue) EnsureTopic(_ context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.topicLocked(topic)
	return nil
}

func (q *MemoryQueue) topicLocked(topic string) *memoryTopic {
	t, ok := q.topics[topic]
	if !ok {
		t = &memoryTopic{notify: make(chan struct{}, 1)}
		q.topics[topic] = t
	}
	return t
}

func (q *MemoryQueue) Enqueue(ctx context.Context, topic string, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", errors.New("payload required")
	}
	if err := q.EnsureTopic(ctx, topic); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	id := util.NewID()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	q.jobs[topic+"/"+id] = &memoryJob{
		state:   JobState{ID: id, Topic: topic, Status: StatusQueued, CreatedAt: now, UpdatedAt: now},
		payload: append([]byte(nil), payload...),
	}
	q.pushLocked(topic, id)
	return id, nil
}

func (q *MemoryQueue) pushLocked(topic, id string) {
	t := q.topicLocked(topic)
	t.ready = append(t.ready, id)
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) GetJob(_ context.Context, topic, jobID string) (JobState, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[topic+"/"+jobID]
	if !ok {
		return JobState{}, false, nil
	}
	return job.state, true, nil
}

// Pending returns the ids waiting for delivery on topic.
func (q *MemoryQueue) Pending(topic string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[topic]
	if !ok {
		return nil
	}
	return append([]string(nil), t.ready...)
}

// DeadJobs returns the ids dead-lettered on topic.
func (q *MemoryQueue) DeadJobs(topic string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[topic]
	if !ok {
		return nil
	}
	return append([]string(nil), t.dead...)
}

func (q *MemoryQueue) Consume(ctx context.Context, topic string, opts ConsumeOptions, h Handler) error {
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
	notify := q.topics[topic].notify
	for i := 0; i < opts.TeamSize; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				if q.deliverNext(ctx, topic, opts, h) {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-notify:
				case <-time.After(100 * time.Millisecond):
				}
			}
		}()
	}
	return nil
}

// deliverNext handles one ready job and reports whether there was one.
func (q *MemoryQueue) deliverNext(ctx context.Context, topic string, opts ConsumeOptions, h Handler) bool {
	if ctx.Err() != nil {
		return false
	}
	q.mu.Lock()
	t := q.topics[topic]
	if len(t.ready) == 0 {
		q.mu.Unlock()
		return false
	}
	id := t.ready[0]
	t.ready = t.ready[1:]
	mj, ok := q.jobs[topic+"/"+id]
	if !ok || mj.state.Status == StatusCompleted || mj.state.Status == StatusDead {
		q.mu.Unlock()
		return true
	}
	mj.state.Attempts++
	mj.state.Status = StatusActive
	mj.state.UpdatedAt = time.Now().UTC()
	job := Job{
		ID:          id,
		Topic:       topic,
		Payload:     mj.payload,
		Attempt:     mj.state.Attempts,
		MaxAttempts: opts.maxAttempts(),
		CreatedAt:   mj.state.CreatedAt,
	}
	q.mu.Unlock()

	err := invoke(ctx, h, job)

	q.mu.Lock()
	mj.state.UpdatedAt = time.Now().UTC()
	result := settle(opts, job, err)
	switch result {
	case outcomeDone:
		mj.state.Status = StatusCompleted
		mj.state.Error = ""
	case outcomeDead:
		mj.state.Status = StatusDead
		mj.state.Error = err.Error()
		t.dead = append(t.dead, id)
	case outcomeRetry:
		mj.state.Status = StatusRetry
		mj.state.Error = err.Error()
		if !q.closed {
			q.timers = append(q.timers, time.AfterFunc(opts.delayFor(job.Attempt), func() {
				q.mu.Lock()
				defer q.mu.Unlock()
				q.pushLocked(topic, id)
			}))
		}
	}
	q.mu.Unlock()

	if result == outcomeDead && opts.OnDead != nil {
		opts.OnDead(ctx, job, err)
	}
	return true
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, cancel := range q.cancels {
		cancel()
	}
	for _, t := range q.timers {
		t.Stop()
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
)

// MemoryStore is an in-memory Store with the same uniqueness rules as GormStore.
type MemoryStore struct {
	mu      sync.RWMutex
	uploads map[string]domain.Upload
	tasks   map[string]domain.Task
	photos  map[string]domain.Photo
	quotas  map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads: make(map[string]domain.Upload),
		tasks:   make(map[string]domain.Task),
		photos:  make(map[string]domain.Photo),
		quotas:  make(map[string]int),
	}
}

func (s *MemoryStore) CreateUpload(_ context.Context, u domain.Upload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.uploads[u.ID]; ok {
		return ErrDuplicate
	}
	s.uploads[u.ID] = u
	return nil
}

func (s *MemoryStore) GetUpload(_ context.Context, id string) (domain.Upload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[id]
	if !ok {
		return domain.Upload{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) CreateTask(_ context.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range s.tasks {
		if existing.UploadID == t.UploadID {
			return ErrDuplicate
		}
		if t.IdempotencyKey != "" && existing.UserID == t.UserID && existing.IdempotencyKey == t.IdempotencyKey {
			return ErrDuplicate
		}
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) FindTaskByIdempotencyKey(_ context.Context, userID, key string) (domain.Task, error) {
	return s.findTask(func(t domain.Task) bool {
		return key != "" && t.UserID == userID && t.IdempotencyKey == key
	})
}

func (s *MemoryStore) FindTaskByUpload(_ context.Context, uploadID string) (domain.Task, error) {
	return s.findTask(func(t domain.Task) bool { return t.UploadID == uploadID })
}

func (s *MemoryStore) findTask(match func(domain.Task) bool) (domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if match(t) {
			return t, nil
		}
	}
	return domain.Task{}, ErrNotFound
}

func (s *MemoryStore) SetTaskJob(_ context.Context, taskID, jobID string) error {
	return s.updateTask(taskID, func(t *domain.Task) { t.JobID = jobID })
}

func (s *MemoryStore) updateTask(id string, fn func(*domain.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	fn(&t)
	s.tasks[id] = t
	return nil
}

func (s *MemoryStore) StartTask(_ context.Context, taskID string, etaSeconds int, now time.Time) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	if t.Status == domain.StatusDone {
		return t, ErrTaskTerminal
	}
	t.Status = domain.StatusRunning
	t.Progress = max(t.Progress, 10)
	t.ETASeconds = etaSeconds
	if t.StartedAt == nil {
		started := now.UTC()
		t.StartedAt = &started
	}
	t.ErrorCode, t.ErrorMessage = "", ""
	s.tasks[taskID] = t
	return t, nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, taskID string, progress, etaSeconds int) error {
	return s.updateTask(taskID, func(t *domain.Task) {
		if t.Status != domain.StatusRunning {
			return
		}
		t.Progress = max(t.Progress, progress)
		t.ETASeconds = etaSeconds
	})
}

func (s *MemoryStore) CompleteTask(_ context.Context, taskID string, now time.Time) error {
	return s.updateTask(taskID, func(t *domain.Task) {
		done := now.UTC()
		t.Status = domain.StatusDone
		t.Progress = 100
		t.ETASeconds = 0
		t.CompletedAt = &done
		t.ErrorCode, t.ErrorMessage = "", ""
	})
}

func (s *MemoryStore) FailTask(_ context.Context, taskID, code, message string) error {
	return s.updateTask(taskID, func(t *domain.Task) {
		if t.Status == domain.StatusDone {
			return
		}
		t.Status = domain.StatusError
		t.ETASeconds = 0
		t.ErrorCode, t.ErrorMessage = code, message
	})
}

func (s *MemoryStore) DeleteTaskIfEmpty(_ context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || !t.Status.Terminal() {
		return false, nil
	}
	for _, p := range s.photos {
		if p.TaskID == taskID {
			return false, nil
		}
	}
	delete(s.tasks, taskID)
	return true, nil
}

func (s *MemoryStore) ListEmptyDoneTasks(_ context.Context, limit int) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	withPhotos := make(map[string]bool, len(s.photos))
	for _, p := range s.photos {
		withPhotos[p.TaskID] = true
	}
	var out []domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.StatusDone && !withPhotos[t.ID] {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreatePhoto(_ context.Context, p domain.Photo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.photos[p.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range s.photos {
		if existing.TaskID == p.TaskID && existing.Section == p.Section && existing.Sequence == p.Sequence {
			return ErrDuplicate
		}
	}
	s.photos[p.ID] = p
	return nil
}

func (s *MemoryStore) ListPhotoSequences(_ context.Context, taskID string, section domain.Section) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var seqs []int
	for _, p := range s.photos {
		if p.TaskID == taskID && p.Section == section {
			seqs = append(seqs, p.Sequence)
		}
	}
	sort.Ints(seqs)
	return seqs, nil
}

func (s *MemoryStore) GetPhoto(_ context.Context, id string) (domain.Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.photos[id]
	if !ok {
		return domain.Photo{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) DeletePhoto(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.photos[id]; !ok {
		return ErrNotFound
	}
	delete(s.photos, id)
	return nil
}

func (s *MemoryStore) matchLocked(q PhotoQuery) []domain.Photo {
	var out []domain.Photo
	for _, p := range s.photos {
		if q.TaskID != "" && p.TaskID != q.TaskID {
			continue
		}
		if q.Section != "" && p.Section != q.Section {
			continue
		}
		if !q.Now.IsZero() && p.Expired(q.Now) {
			continue
		}
		if q.UserID != "" {
			t, ok := s.tasks[p.TaskID]
			if !ok || t.UserID != q.UserID {
				continue
			}
		}
		out = append(out, p)
	}
	sortPhotos(out)
	return out
}

func (s *MemoryStore) ListPhotos(_ context.Context, q PhotoQuery) ([]domain.Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.matchLocked(q)
	offset := max(q.Offset, 0)
	if offset >= len(all) {
		return []domain.Photo{}, nil
	}
	all = all[offset:]
	if q.Limit > 0 && q.Limit < len(all) {
		all = all[:q.Limit]
	}
	return all, nil
}

func (s *MemoryStore) CountPhotos(_ context.Context, q PhotoQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matchLocked(q)), nil
}

func (s *MemoryStore) DeletePhotos(_ context.Context, q PhotoQuery) ([]domain.Photo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.Now, q.Offset, q.Limit = time.Time{}, 0, 0
	matched := s.matchLocked(q)
	for _, p := range matched {
		delete(s.photos, p.ID)
	}
	return matched, nil
}

func (s *MemoryStore) ListExpiredPhotos(_ context.Context, now time.Time, limit int) ([]domain.Photo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Photo
	for _, p := range s.photos {
		if p.Expired(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) QuotaUsage(_ context.Context, userID, day string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quotas[userID+"|"+day], nil
}

func (s *MemoryStore) ReserveQuota(_ context.Context, userID, day string, ceiling int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "|" + day
	if s.quotas[key] >= ceiling {
		return false, nil
	}
	s.quotas[key]++
	return true, nil
}

func (s *MemoryStore) ReleaseQuota(_ context.Context, userID, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "|" + day
	if s.quotas[key] > 0 {
		s.quotas[key]--
	}
	return nil
}

// sortPhotos orders photos the way GormStore.ListPhotos does.
func sortPhotos(photos []domain.Photo) {
	sort.SliceStable(photos, func(i, j int) bool {
		a, b := photos[i], photos[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.Sequence < b.Sequence
	})
}

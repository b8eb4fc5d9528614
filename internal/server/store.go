package server

import (
	"context"
	"math"
	"sync"
	"time"
)

type Store interface {
	SampleWriter
	Latest(ctx context.Context, limit int) ([]Sample, error)
	Find(ctx context.Context, query SampleQuery) ([]Sample, Pagination, error)
	Aggregate(ctx context.Context, since time.Time) (SampleStats, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close()
}

type SampleQuery struct {
	DeviceID string
	Page     int
	Limit    int
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 1000
)

func (query SampleQuery) normalized() SampleQuery {
	if query.Page < 1 {
		query.Page = 1
	}
	if query.Limit < 1 {
		query.Limit = defaultPageLimit
	}
	if query.Limit > maxPageLimit {
		query.Limit = maxPageLimit
	}
	return query
}

func (query SampleQuery) offset() int {
	return (query.Page - 1) * query.Limit
}

type Pagination struct {
	Current int `json:"current"`
	Pages   int `json:"pages"`
	Total   int `json:"total"`
}

func newPagination(query SampleQuery, total int) Pagination {
	return Pagination{
		Current: query.Page,
		Pages:   int(math.Ceil(float64(total) / float64(query.Limit))),
		Total:   total,
	}
}

type MetricStats struct {
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
	Min float64 `json:"min"`
}

// SampleStats aggregates the core metrics of samples recorded since Since.
type SampleStats struct {
	Since   time.Time              `json:"since"`
	Count   int                    `json:"count"`
	Metrics map[string]MetricStats `json:"metrics"`
}

// MemoryStore keeps the newest samples in memory for development runs
// without a database.
type MemoryStore struct {
	mu         sync.RWMutex
	maxSamples int
	samples    []Sample
}

func NewMemoryStore(maxSamples int) *MemoryStore {
	if maxSamples <= 0 {
		maxSamples = 10000
	}

	return &MemoryStore{
		maxSamples: maxSamples,
		samples:    make([]Sample, 0, min(maxSamples, 1024)),
	}
}

func (store *MemoryStore) WriteSamples(_ context.Context, samples []Sample) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.samples = append(store.samples, samples...)
	if len(store.samples) > store.maxSamples {
		store.samples = append([]Sample(nil), store.samples[len(store.samples)-store.maxSamples:]...)
	}
	return nil
}

func (store *MemoryStore) Count(_ context.Context) (int, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.samples), nil
}

// Latest returns up to limit samples, newest first.
func (store *MemoryStore) Latest(_ context.Context, limit int) ([]Sample, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if limit <= 0 || limit > len(store.samples) {
		limit = len(store.samples)
	}

	output := make([]Sample, 0, limit)
	for index := len(store.samples) - 1; index >= 0 && len(output) < limit; index-- {
		output = append(output, store.samples[index])
	}
	return output, nil
}

func (store *MemoryStore) Find(_ context.Context, query SampleQuery) ([]Sample, Pagination, error) {
	query = query.normalized()

	store.mu.RLock()
	defer store.mu.RUnlock()

	matched := make([]Sample, 0)
	for index := len(store.samples) - 1; index >= 0; index-- {
		sample := store.samples[index]
		if query.DeviceID != "" && sample.DeviceID != query.DeviceID {
			continue
		}
		matched = append(matched, sample)
	}

	pagination := newPagination(query, len(matched))
	start := query.offset()
	if start >= len(matched) {
		return []Sample{}, pagination, nil
	}
	end := min(start+query.Limit, len(matched))
	return matched[start:end], pagination, nil
}

func (store *MemoryStore) Aggregate(_ context.Context, since time.Time) (SampleStats, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	window := make([]Sample, 0)
	for _, sample := range store.samples {
		if !sample.Timestamp.Before(since) {
			window = append(window, sample)
		}
	}
	return aggregateSamples(window, since), nil
}

func (store *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (store *MemoryStore) Close() {}

func aggregateSamples(samples []Sample, since time.Time) SampleStats {
	stats := SampleStats{
		Since:   since.UTC(),
		Count:   len(samples),
		Metrics: make(map[string]MetricStats, len(CoreMetrics)),
	}
	if len(samples) == 0 {
		return stats
	}

	for _, name := range CoreMetrics {
		sum := 0.0
		summary := MetricStats{Max: math.Inf(-1), Min: math.Inf(1)}
		for _, sample := range samples {
			value := sample.Value(name)
			sum += value
			summary.Max = math.Max(summary.Max, value)
			summary.Min = math.Min(summary.Min, value)
		}
		summary.Avg = sum / float64(len(samples))
		stats.Metrics[name] = summary
	}
	return stats
}

var _ Store = (*MemoryStore)(nil)

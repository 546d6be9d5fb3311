// Package memstore is an in-process jobqueue.Store for tests and single-process dev setups.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.od2.network/jobgate/pkg/jobqueue"
)

// Store keeps all queues in memory.
// It is safe for concurrent use.
type Store struct {
	Now func() time.Time

	mu          sync.Mutex
	queues      map[string]*queueState
	unavailable bool
}

type queueState struct {
	jobs     map[string]*jobqueue.Job
	waiting  []string
	delayed  map[string]time.Time
	active   map[string]time.Time
	finished map[jobqueue.State]map[string]time.Time
}

// Assert Store implements jobqueue.Store.
var _ jobqueue.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		Now:    time.Now,
		queues: make(map[string]*queueState),
	}
}

// SetUnavailable simulates an outage. While set, every call fails with jobqueue.ErrUnavailable.
func (s *Store) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// lock acquires the store mutex, failing if the store is marked unavailable.
func (s *Store) lock() error {
	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return fmt.Errorf("%w: memstore offline", jobqueue.ErrUnavailable)
	}
	return nil
}

func (s *Store) queue(name string) *queueState {
	if s.queues == nil {
		s.queues = make(map[string]*queueState)
	}
	q, ok := s.queues[name]
	if !ok {
		q = &queueState{
			jobs:    make(map[string]*jobqueue.Job),
			delayed: make(map[string]time.Time),
			active:  make(map[string]time.Time),
			finished: map[jobqueue.State]map[string]time.Time{
				jobqueue.StateCompleted: make(map[string]time.Time),
				jobqueue.StateFailed:    make(map[string]time.Time),
			},
		}
		s.queues[name] = q
	}
	return q
}

// Enqueue inserts the job unless its ID exists.
func (s *Store) Enqueue(_ context.Context, job *jobqueue.Job) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	q := s.queue(job.Queue)
	if _, ok := q.jobs[job.ID]; ok {
		return false, nil
	}
	stored := job.Clone()
	stored.Attempts = 0
	stored.LastError = ""
	if stored.ScheduledAt.After(s.now()) {
		stored.State = jobqueue.StateDelayed
		q.delayed[stored.ID] = stored.ScheduledAt
	} else {
		stored.State = jobqueue.StateWaiting
		q.waiting = append(q.waiting, stored.ID)
	}
	q.jobs[stored.ID] = stored
	return true, nil
}

// Lease promotes due delayed jobs, then claims up to n waiting jobs.
func (s *Store) Lease(_ context.Context, queue, owner string, n int, ttl time.Duration) ([]*jobqueue.Job, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	q := s.queue(queue)
	now := s.now()
	q.promote(now, n)
	var leased []*jobqueue.Job
	for len(leased) < n && len(q.waiting) > 0 {
		id := q.waiting[0]
		q.waiting = q.waiting[1:]
		job, ok := q.jobs[id]
		if !ok {
			continue
		}
		exp := now.Add(ttl)
		job.Attempts++
		job.State = jobqueue.StateActive
		job.LeaseOwner = owner
		job.LeaseExpiresAt = &exp
		q.active[id] = exp
		leased = append(leased, job.Clone())
	}
	return leased, nil
}

// owned returns the stored job if owner holds its lease.
func (q *queueState) owned(id, owner string) (*jobqueue.Job, error) {
	job, ok := q.jobs[id]
	if !ok {
		return nil, jobqueue.ErrNotFound
	}
	if _, active := q.active[id]; !active || job.LeaseOwner != owner {
		return nil, jobqueue.ErrLeaseLost
	}
	return job, nil
}

func (q *queueState) unlease(job *jobqueue.Job) {
	delete(q.active, job.ID)
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
}

// Complete marks a leased job as completed.
func (s *Store) Complete(_ context.Context, job *jobqueue.Job, owner string) error {
	return s.finish(job, owner, jobqueue.StateCompleted, "")
}

// Fail marks a leased job as failed.
func (s *Store) Fail(_ context.Context, job *jobqueue.Job, owner string, reason string) error {
	return s.finish(job, owner, jobqueue.StateFailed, reason)
}

func (s *Store) finish(job *jobqueue.Job, owner string, state jobqueue.State, reason string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	q := s.queue(job.Queue)
	stored, err := q.owned(job.ID, owner)
	if err != nil {
		return err
	}
	now := s.now()
	q.unlease(stored)
	stored.State = state
	stored.FinishedAt = &now
	if reason != "" {
		stored.LastError = reason
	}
	q.finished[state][stored.ID] = now
	q.purge(state, stored.Retention.For(state), now)
	return nil
}

// Retry releases a leased job into the delayed set.
func (s *Store) Retry(_ context.Context, job *jobqueue.Job, owner string, at time.Time, reason string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	q := s.queue(job.Queue)
	stored, err := q.owned(job.ID, owner)
	if err != nil {
		return err
	}
	q.unlease(stored)
	stored.State = jobqueue.StateDelayed
	stored.LastError = reason
	stored.ScheduledAt = at
	q.delayed[stored.ID] = at
	return nil
}

// Promote moves due delayed jobs to the waiting list.
func (s *Store) Promote(_ context.Context, queue string, now time.Time, batch int) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.queue(queue).promote(now, batch), nil
}

func (q *queueState) promote(now time.Time, batch int) int {
	due := dueIDs(q.delayed, now, batch)
	for _, id := range due {
		delete(q.delayed, id)
		q.jobs[id].State = jobqueue.StateWaiting
		q.waiting = append(q.waiting, id)
	}
	return len(due)
}

// Reclaim transfers expired leases to owner.
func (s *Store) Reclaim(_ context.Context, queue, owner string, now time.Time, ttl time.Duration, batch int) ([]*jobqueue.Job, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	q := s.queue(queue)
	var reclaimed []*jobqueue.Job
	for _, id := range dueIDs(q.active, now, batch) {
		job := q.jobs[id]
		exp := now.Add(ttl)
		job.LeaseOwner = owner
		job.LeaseExpiresAt = &exp
		q.active[id] = exp
		reclaimed = append(reclaimed, job.Clone())
	}
	return reclaimed, nil
}

// Purge removes finished jobs beyond retention.
func (s *Store) Purge(_ context.Context, queue string, state jobqueue.State, retention jobqueue.Retention, now time.Time) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.queue(queue).purge(state, retention, now), nil
}

func (q *queueState) purge(state jobqueue.State, retention jobqueue.Retention, now time.Time) int {
	finished := q.finished[state]
	if finished == nil {
		return 0
	}
	ids := sortedIDs(finished)
	var drop []string
	if retention.MaxAge > 0 {
		cutoff := now.Add(-retention.MaxAge)
		for len(ids) > 0 && finished[ids[0]].Before(cutoff) {
			drop = append(drop, ids[0])
			ids = ids[1:]
		}
	}
	if retention.MaxCount > 0 && len(ids) > retention.MaxCount {
		excess := len(ids) - retention.MaxCount
		drop = append(drop, ids[:excess]...)
	}
	for _, id := range drop {
		delete(finished, id)
		delete(q.jobs, id)
	}
	return len(drop)
}

// Get returns a copy of the job.
func (s *Store) Get(_ context.Context, queue, id string) (*jobqueue.Job, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	job, ok := s.queue(queue).jobs[id]
	if !ok {
		return nil, jobqueue.ErrNotFound
	}
	return job.Clone(), nil
}

// Counts returns the number of jobs per state.
func (s *Store) Counts(_ context.Context, queue string) (map[jobqueue.State]int64, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	q := s.queue(queue)
	return map[jobqueue.State]int64{
		jobqueue.StateWaiting:   int64(len(q.waiting)),
		jobqueue.StateDelayed:   int64(len(q.delayed)),
		jobqueue.StateActive:    int64(len(q.active)),
		jobqueue.StateCompleted: int64(len(q.finished[jobqueue.StateCompleted])),
		jobqueue.StateFailed:    int64(len(q.finished[jobqueue.StateFailed])),
	}, nil
}

// dueIDs returns up to limit IDs scored at or before now, oldest first.
func dueIDs(scores map[string]time.Time, now time.Time, limit int) []string {
	var due []string
	for _, id := range sortedIDs(scores) {
		if limit > 0 && len(due) >= limit {
			break
		}
		if scores[id].After(now) {
			break
		}
		due = append(due, id)
	}
	return due
}

// sortedIDs orders IDs by score, then by ID.
func sortedIDs(scores map[string]time.Time) []string {
	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := scores[ids[i]], scores[ids[j]]
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.Before(tj)
	})
	return ids
}

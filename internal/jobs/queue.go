package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MimeLyc/audio-transcriber/pkg/log"
)

// Executor runs one job through the pipeline until a natural stopping point
// (completion, fatal error, or retry exhaustion). The executor owns all stage
// transitions; the queue only manages claim and release.
type Executor func(ctx context.Context, job *Job) error

// Queue is a bounded pool of background workers over a persisted job set. A
// job is claimed by atomically moving pending→running with an owner marker,
// so two workers can never run the same job concurrently.
type Queue struct {
	workerCount int
	store       Store

	mu         sync.RWMutex
	jobs       map[string]*Job
	byUpload   map[string]string
	cancels    map[string]context.CancelFunc
	started    bool
	pendingIDs chan string
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewQueue(workerCount int, store Store) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	q := &Queue{
		workerCount: workerCount,
		store:       store,
		jobs:        make(map[string]*Job),
		byUpload:    make(map[string]string),
		cancels:     make(map[string]context.CancelFunc),
		pendingIDs:  make(chan string, 1024),
		stopCh:      make(chan struct{}),
	}
	q.hydrateFromStore(context.Background())
	return q
}

// Enqueue registers a new job. Returns the existing job when one was already
// created for the same upload.
func (q *Queue) Enqueue(job *Job) (*Job, bool) {
	if job == nil || job.ID == "" {
		return nil, false
	}
	now := time.Now()

	q.mu.Lock()
	if id, ok := q.byUpload[job.UploadID]; ok && job.UploadID != "" {
		if existing, exists := q.jobs[id]; exists && !existing.Terminal() {
			snapshot := cloneJob(existing)
			q.mu.Unlock()
			return snapshot, false
		}
	}

	job.Status = StatusPending
	if job.Stage == "" {
		job.Stage = StageCreated
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	q.jobs[job.ID] = cloneJob(job)
	if job.UploadID != "" {
		q.byUpload[job.UploadID] = job.ID
	}
	started := q.started
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	if started {
		q.enqueuePendingID(job.ID)
	}
	return snapshot, true
}

func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.RLock()
	job, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

func (q *Queue) List() []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		ret = append(ret, cloneJob(job))
	}
	return ret
}

// Update replaces the stored snapshot of a job and persists it. The pipeline
// calls this after every stage or segment mutation so a crashed worker can
// resume at the correct point.
func (q *Queue) Update(job *Job) {
	if job == nil {
		return
	}
	job.UpdatedAt = time.Now()

	q.mu.Lock()
	q.jobs[job.ID] = cloneJob(job)
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
}

// Requeue puts a failed job back into the pending set for an operator-driven
// retry. The job resumes from its recorded stage.
func (q *Queue) Requeue(id string) (*Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("job %s not found", id)
	}
	if job.Status != StatusFailed {
		q.mu.Unlock()
		return nil, fmt.Errorf("job %s is %s, only failed jobs can be requeued", id, job.Status)
	}
	job.Status = StatusPending
	job.RetryCount++
	job.Owner = ""
	job.UpdatedAt = time.Now()
	started := q.started
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	if started {
		q.enqueuePendingID(id)
	}
	return snapshot, nil
}

// Cancel requests cooperative cancellation of a running job. Pending jobs are
// failed immediately.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("job %s not found", id)
	}
	if cancel, running := q.cancels[id]; running {
		q.mu.Unlock()
		cancel()
		return nil
	}
	if job.Terminal() {
		q.mu.Unlock()
		return nil
	}
	job.Status = StatusFailed
	job.Error = "cancelled"
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	return nil
}

// Start launches the worker pool. Jobs already pending (including jobs
// reclaimed from a crashed worker) are scheduled first, oldest first.
func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true

	pending := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.Status == StatusPending || job.Status == StatusRetrying {
			pending = append(pending, job)
		}
	}
	q.mu.Unlock()

	sortByCreatedAt(pending)
	for _, job := range pending {
		q.enqueuePendingID(job.ID)
	}

	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.worker(fmt.Sprintf("worker-%d", i+1), exec)
	}
}

// Stop drains the pool: workers stop claiming new jobs and finish the job they
// are on.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.wg.Wait()
	})
}

func (q *Queue) worker(name string, exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case id := <-q.pendingIDs:
			job, ok := q.claim(id, name)
			if !ok {
				continue
			}

			ctx, cancel := context.WithCancel(context.Background())
			q.trackCancel(id, cancel)

			err := exec(ctx, job)

			q.untrackCancel(id)
			cancel()
			q.release(id, err)
		}
	}
}

func (q *Queue) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		go func() { q.pendingIDs <- id }()
	}
}

// claim atomically transitions a job to running with an owner marker.
func (q *Queue) claim(id, owner string) (*Job, bool) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || (job.Status != StatusPending && job.Status != StatusRetrying) {
		q.mu.Unlock()
		return nil, false
	}
	job.Status = StatusRunning
	job.Owner = owner
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	return snapshot, true
}

// release records the outcome of an executor run and clears the lease.
func (q *Queue) release(id string, execErr error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if execErr != nil && !job.Terminal() {
		job.Status = StatusFailed
		job.Error = execErr.Error()
	}
	if execErr == nil && !job.Terminal() {
		// Executor returned cleanly without reaching a terminal state;
		// treat the run as complete only when the stage says so.
		if job.Stage == StageComplete {
			job.Status = StatusComplete
		} else {
			job.Status = StatusFailed
			job.Error = fmt.Sprintf("pipeline stopped at stage %s", job.Stage)
		}
	}
	job.Owner = ""
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
}

// Delete removes a terminal job and its persisted row. Running jobs must be
// cancelled first.
func (q *Queue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("job %s not found", id)
	}
	if !job.Terminal() {
		q.mu.Unlock()
		return fmt.Errorf("job %s is %s, cancel it before deleting", id, job.Status)
	}
	delete(q.jobs, id)
	if job.UploadID != "" && q.byUpload[job.UploadID] == id {
		delete(q.byUpload, job.UploadID)
	}
	q.mu.Unlock()

	if q.store == nil {
		return nil
	}
	if err := q.store.DeleteJobData(ctx, id); err != nil {
		return err
	}
	return q.store.DeleteJob(ctx, id)
}

func (q *Queue) trackCancel(id string, cancel context.CancelFunc) {
	q.mu.Lock()
	q.cancels[id] = cancel
	q.mu.Unlock()
}

func (q *Queue) untrackCancel(id string) {
	q.mu.Lock()
	delete(q.cancels, id)
	q.mu.Unlock()
}

// hydrateFromStore reloads persisted jobs. Jobs left running by a crashed
// worker are reset to pending so they resume at their recorded stage.
func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}

	now := time.Now()
	toPersist := make([]*Job, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusRunning || job.Status == StatusRetrying {
			job.Status = StatusPending
			job.Owner = ""
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}
		q.jobs[job.ID] = job
		if job.UploadID != "" {
			q.byUpload[job.UploadID] = job.ID
		}
	}
	q.mu.Unlock()

	for _, job := range toPersist {
		q.persistJob(job)
	}
}

func (q *Queue) persistJob(job *Job) {
	if q.store == nil || job == nil {
		return
	}
	if err := q.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func sortByCreatedAt(jobs []*Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	if job.Segments != nil {
		tmp.Segments = append([]Segment(nil), job.Segments...)
	}
	if job.Warnings != nil {
		tmp.Warnings = append([]string(nil), job.Warnings...)
	}
	if job.Outputs != nil {
		tmp.Outputs = make(map[string]string, len(job.Outputs))
		for k, v := range job.Outputs {
			tmp.Outputs[k] = v
		}
	}
	return &tmp
}

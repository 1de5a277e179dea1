// Package roundstore owns all tasks of one round: the task table,
// path index, pending FIFO, processing set, and completed/failed
// lists described in spec §4.1. It is grounded on the teacher's
// internal/task/manager.go — a mutex-guarded struct owning a
// map[string]*Task, mutated only through methods, generalized from
// the teacher's three-state file-download progression to the spec's
// four-state task lifecycle plus lease/report/sweep semantics.
package roundstore

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pathfleet/internal/model"
)

// Task is the exported alias tests and callers use.
type Task = model.Task

// Store holds one round's tasks and queues. Every exported method
// takes the store's own lock; callers never need to lock externally.
type Store struct {
	mu sync.Mutex

	roundID string

	tasks     map[string]*Task
	pathIndex map[string]string // path -> task id, failed tasks included

	pendingFIFO []string
	pendingSet  map[string]struct{}

	processingSet   map[string]struct{}
	processingStart map[string]time.Time

	completedList []string // most recent first
	completedSet  map[string]struct{}
	failedList    []string // most recent first
	failedSet     map[string]struct{}

	totalItemNum     int64
	totalRunningTime float64
	lastProcessedAt  *time.Time
}

// New creates an empty round store for roundID.
func New(roundID string) *Store {
	return &Store{
		roundID:         roundID,
		tasks:           make(map[string]*Task),
		pathIndex:       make(map[string]string),
		pendingSet:      make(map[string]struct{}),
		processingSet:   make(map[string]struct{}),
		processingStart: make(map[string]time.Time),
		completedSet:    make(map[string]struct{}),
		failedSet:       make(map[string]struct{}),
	}
}

// EnqueueResult is the outcome of Enqueue.
type EnqueueResult struct {
	Added   int
	Skipped int
	NewIDs  []string
}

// Enqueue adds new pending tasks for the given paths, per spec §4.1
// "Enqueue": empty/whitespace-only paths are skipped; a path already
// indexed to a non-failed task is skipped; a path indexed to a failed
// task drops the old task entirely (its id vanishes) before a fresh
// one is created.
func (s *Store) Enqueue(paths []string) EnqueueResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := EnqueueResult{}
	now := time.Now()
	for _, raw := range paths {
		p := strings.TrimSpace(raw)
		if p == "" {
			res.Skipped++
			continue
		}
		if existingID, ok := s.pathIndex[p]; ok {
			if _, failed := s.failedSet[existingID]; failed {
				s.removeTaskEntirely(existingID)
			} else {
				res.Skipped++
				continue
			}
		}

		id := uuid.NewString()
		t := &Task{
			ID:        id,
			RoundID:   s.roundID,
			Path:      p,
			Status:    model.TaskPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.tasks[id] = t
		s.pathIndex[p] = id
		s.enqueuePending(id)
		res.Added++
		res.NewIDs = append(res.NewIDs, id)
	}
	return res
}

func (s *Store) enqueuePending(id string) {
	if _, ok := s.pendingSet[id]; ok {
		return
	}
	s.pendingSet[id] = struct{}{}
	s.pendingFIFO = append(s.pendingFIFO, id)
}

// removeTaskEntirely deletes id from every structure and the task
// table. Callers must hold s.mu.
func (s *Store) removeTaskEntirely(id string) {
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	delete(s.pendingSet, id)
	delete(s.processingSet, id)
	delete(s.processingStart, id)
	delete(s.completedSet, id)
	delete(s.failedSet, id)
	s.completedList = removeString(s.completedList, id)
	s.failedList = removeString(s.failedList, id)
	if s.pathIndex[t.Path] == id {
		delete(s.pathIndex, t.Path)
	}
	delete(s.tasks, id)
}

func removeString(list []string, id string) []string {
	for i, v := range list {
		if v == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// LeaseResult is one task handed to a caller.
type LeaseResult struct {
	TaskID string
	Path   string
}

// Lease pops up to k pending tasks in FIFO order, skipping stale
// entries left behind by lazy deletion, and transitions them to
// processing. nodeID may be empty.
func (s *Store) Lease(k int, nodeID string) []LeaseResult {
	if k < 1 {
		k = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []LeaseResult
	now := time.Now()
	for len(out) < k && len(s.pendingFIFO) > 0 {
		id := s.pendingFIFO[0]
		s.pendingFIFO = s.pendingFIFO[1:]

		if _, live := s.pendingSet[id]; !live {
			continue // stale: cleared, reported, or swept already
		}
		t, ok := s.tasks[id]
		if !ok {
			delete(s.pendingSet, id)
			continue
		}

		delete(s.pendingSet, id)
		t.Status = model.TaskProcessing
		t.UpdatedAt = now
		start := now
		t.ProcessingAt = &start
		if nodeID != "" {
			t.AssignedNodeID = nodeID
		} else {
			t.AssignedNodeID = ""
		}
		s.processingSet[id] = struct{}{}
		s.processingStart[id] = now

		out = append(out, LeaseResult{TaskID: id, Path: t.Path})
	}
	return out
}

// PendingLen reports the number of tasks still waiting to be leased.
func (s *Store) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingSet)
}

// Report records a caller's terminal outcome for taskID, per spec
// §4.1 "Report". It returns the resulting status and the node the
// task had been assigned to (for detachment), or ok=false if the
// task does not exist in this round.
func (s *Store) Report(taskID string, success bool, message string) (status model.TaskStatus, assignedNode string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, found := s.tasks[taskID]
	if !found {
		return "", "", false
	}

	assignedNode = t.AssignedNodeID
	delete(s.processingSet, taskID)
	delete(s.processingStart, taskID)
	delete(s.pendingSet, taskID)
	t.ProcessingAt = nil

	if t.Status == model.TaskCompleted && !success {
		// A late failure never undoes a completion.
		return t.Status, assignedNode, true
	}

	now := time.Now()
	t.UpdatedAt = now
	if message != "" {
		t.Message = message
	}

	if success {
		t.Status = model.TaskCompleted
		t.FailureCount = 0
		t.AssignedNodeID = ""
		delete(s.failedSet, taskID)
		s.failedList = removeString(s.failedList, taskID)
		s.pushHead(&s.completedList, s.completedSet, taskID)
	} else {
		t.Status = model.TaskFailed
		t.FailureCount++
		t.AssignedNodeID = ""
		s.pushHead(&s.failedList, s.failedSet, taskID)
	}
	return t.Status, assignedNode, true
}

// pushHead inserts id at the head of list, removing any prior
// occurrence first. Callers must hold s.mu.
func (s *Store) pushHead(list *[]string, set map[string]struct{}, id string) {
	if _, exists := set[id]; exists {
		*list = removeString(*list, id)
	}
	set[id] = struct{}{}
	*list = append([]string{id}, *list...)
}

// SweptTask describes one task the timeout sweep touched, so callers
// can detach it from the node store.
type SweptTask struct {
	TaskID       string
	AssignedNode string
}

// Sweep transitions processing tasks whose elapsed time exceeds
// thresholdMs back to pending (first timeout, one free retry) or to
// failed (second timeout), per spec §4.1 "Timeout sweep". A
// thresholdMs <=0 sweeps every processing task regardless of elapsed
// time.
func (s *Store) Sweep(thresholdMs int64) []SweptTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var stale []string
	for id, start := range s.processingStart {
		elapsed := now.Sub(start).Milliseconds()
		if thresholdMs <= 0 || elapsed > thresholdMs {
			stale = append(stale, id)
		}
	}

	var touched []SweptTask
	for _, id := range stale {
		t, ok := s.tasks[id]
		if !ok {
			delete(s.processingSet, id)
			delete(s.processingStart, id)
			continue
		}
		touched = append(touched, SweptTask{TaskID: id, AssignedNode: t.AssignedNodeID})

		delete(s.processingSet, id)
		delete(s.processingStart, id)
		t.ProcessingAt = nil
		t.UpdatedAt = now
		t.AssignedNodeID = ""

		if t.FailureCount == 0 {
			t.FailureCount = 1
			t.Status = model.TaskPending
			t.Message = "处理超时，已自动重试一次"
			s.enqueuePending(id)
		} else {
			t.FailureCount++
			t.Status = model.TaskFailed
			t.Message = "处理超时且已达最大重试次数"
			s.pushHead(&s.failedList, s.failedSet, id)
		}
	}
	return touched
}

// ProcessingRecord is one row of the processing inspection report.
type ProcessingRecord struct {
	RoundID    string           `json:"roundId"`
	TaskID     string           `json:"taskId"`
	Path       string           `json:"path"`
	Status     model.TaskStatus `json:"status"`
	StartedAt  time.Time        `json:"startedAt"`
	DurationMs int64            `json:"durationMs"`
	NodeID     string           `json:"nodeId,omitempty"`
}

// ProcessingSummary aggregates the currently-processing set.
type ProcessingSummary struct {
	TotalProcessing   int                `json:"totalProcessing"`
	TimedOutCount     int                `json:"timedOutCount"`
	NearTimeoutCount  int                `json:"nearTimeoutCount"`
	LongestDurationMs *int64             `json:"longestDurationMs,omitempty"`
	TopTimedOut       []ProcessingRecord `json:"topTimedOut,omitempty"`
	TopLongest        []ProcessingRecord `json:"topLongest,omitempty"`
}

// InspectProcessing implements spec §4.1 "Processing inspection".
func (s *Store) InspectProcessing(thresholdMs int64) ProcessingSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	records := make([]ProcessingRecord, 0, len(s.processingSet))
	for id := range s.processingSet {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		start := s.processingStart[id]
		durMs := now.Sub(start).Milliseconds()
		if durMs < 0 {
			durMs = 0
		}
		records = append(records, ProcessingRecord{
			RoundID: s.roundID, TaskID: id, Path: t.Path, Status: t.Status,
			StartedAt: start, DurationMs: durMs, NodeID: t.AssignedNodeID,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].DurationMs > records[j].DurationMs })

	sum := ProcessingSummary{TotalProcessing: len(records)}
	nearLow := int64(0.8 * float64(thresholdMs))
	for _, r := range records {
		if thresholdMs > 0 && r.DurationMs > thresholdMs {
			sum.TimedOutCount++
		}
		if thresholdMs > 0 && r.DurationMs >= nearLow && r.DurationMs <= thresholdMs {
			sum.NearTimeoutCount++
		}
	}
	if len(records) > 0 {
		longest := records[0].DurationMs
		sum.LongestDurationMs = &longest
	}

	for _, r := range records {
		if thresholdMs > 0 && r.DurationMs > thresholdMs && len(sum.TopTimedOut) < 5 {
			sum.TopTimedOut = append(sum.TopTimedOut, r)
		}
	}
	for i := 0; i < len(records) && i < 5; i++ {
		sum.TopLongest = append(sum.TopLongest, records[i])
	}
	return sum
}

// Page is a generic pagination result.
type Page struct {
	Items []*Task `json:"items"`
	Total int     `json:"total"`
	Page  int     `json:"page"`
	Size  int     `json:"size"`
}

func clampPaging(page, size, total int) (int, int) {
	if size < 1 {
		size = 1
	}
	if page < 1 {
		page = 1
	}
	lastPage := 1
	if total > 0 {
		lastPage = (total + size - 1) / size
	}
	if page > lastPage {
		page = lastPage
	}
	return page, size
}

func slicePage(ids []string, page, size int) []string {
	start := (page - 1) * size
	if start < 0 || start >= len(ids) {
		return nil
	}
	end := start + size
	if end > len(ids) {
		end = len(ids)
	}
	return ids[start:end]
}

// ListPending paginates the pending FIFO in order, skipping stale ids.
func (s *Store) ListPending(page, size int) Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make([]string, 0, len(s.pendingSet))
	for _, id := range s.pendingFIFO {
		if _, ok := s.pendingSet[id]; ok {
			live = append(live, id)
		}
	}
	page, size = clampPaging(page, size, len(live))
	sel := slicePage(live, page, size)
	return Page{Items: s.copyByIDs(sel), Total: len(live), Page: page, Size: size}
}

// ListProcessing paginates the processing set, most recently started
// first... spec orders processing listings by start time descending.
func (s *Store) ListProcessing(page, size int) Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.processingSet))
	for id := range s.processingSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.processingStart[ids[i]].After(s.processingStart[ids[j]])
	})
	page, size = clampPaging(page, size, len(ids))
	sel := slicePage(ids, page, size)
	return Page{Items: s.copyByIDs(sel), Total: len(ids), Page: page, Size: size}
}

// ListCompleted paginates the completed list, head-insertion order.
func (s *Store) ListCompleted(page, size int) Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, size = clampPaging(page, size, len(s.completedList))
	sel := slicePage(s.completedList, page, size)
	return Page{Items: s.copyByIDs(sel), Total: len(s.completedList), Page: page, Size: size}
}

// ListFailed paginates the failed list, head-insertion order.
func (s *Store) ListFailed(page, size int) Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, size = clampPaging(page, size, len(s.failedList))
	sel := slicePage(s.failedList, page, size)
	return Page{Items: s.copyByIDs(sel), Total: len(s.failedList), Page: page, Size: size}
}

// ListAll returns every task sorted by updatedAt descending, paginated.
func (s *Store) ListAll(page, size int) Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.tasks[ids[i]].UpdatedAt.After(s.tasks[ids[j]].UpdatedAt)
	})
	page, size = clampPaging(page, size, len(ids))
	sel := slicePage(ids, page, size)
	return Page{Items: s.copyByIDs(sel), Total: len(ids), Page: page, Size: size}
}

// copyByIDs returns deep copies of the tasks named by ids, preserving
// order. Callers must hold s.mu.
func (s *Store) copyByIDs(ids []string) []*Task {
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// Find looks up a task by id first, then by path. It returns a copy.
func (s *Store) Find(query string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[query]; ok {
		cp := *t
		return &cp, true
	}
	if id, ok := s.pathIndex[query]; ok {
		if t, ok := s.tasks[id]; ok {
			cp := *t
			return &cp, true
		}
	}
	return nil, false
}

// Stats is the round's run statistics, per spec §4.1 "Run statistics".
type Stats struct {
	Counts             model.StatusCounts `json:"counts"`
	StartedAt          *time.Time         `json:"startedAt,omitempty"`
	EndedAt            *time.Time         `json:"endedAt,omitempty"`
	DurationMs         *int64             `json:"durationMs,omitempty"`
	AverageTaskSpeed   *float64           `json:"averageTaskSpeed,omitempty"` // completed tasks / second
	AverageItemSpeed   *float64           `json:"averageItemSpeed,omitempty"` // items / second of running time
	AverageTimePerItem *float64           `json:"averageTimePerItemSec,omitempty"`
	AverageTimePer100  *float64           `json:"averageTimePer100ItemsSec,omitempty"`
	AllCompleted       bool               `json:"allCompleted"`
}

// ComputeStats builds the run-statistics view for this round.
func (s *Store) ComputeStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := s.countsLocked()
	var start *time.Time
	for _, t := range s.tasks {
		if start == nil || t.CreatedAt.Before(*start) {
			c := t.CreatedAt
			start = &c
		}
	}
	var end *time.Time
	for _, id := range s.completedList {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if end == nil || t.UpdatedAt.After(*end) {
			c := t.UpdatedAt
			end = &c
		}
	}

	st := Stats{Counts: counts}
	if start != nil {
		st.StartedAt = start
	}
	if end != nil {
		st.EndedAt = end
	}
	if start != nil && end != nil && end.After(*start) {
		d := end.Sub(*start).Milliseconds()
		st.DurationMs = &d
		if d > 0 {
			speed := float64(counts.Completed) / (float64(d) / 1000.0)
			st.AverageTaskSpeed = &speed
		}
	}
	if s.totalRunningTime > 0 {
		itemSpeed := float64(s.totalItemNum) / s.totalRunningTime
		st.AverageItemSpeed = &itemSpeed
	}
	if s.totalItemNum > 0 {
		perItem := s.totalRunningTime / float64(s.totalItemNum)
		st.AverageTimePerItem = &perItem
		per100 := perItem * 100
		st.AverageTimePer100 = &per100
	}
	st.AllCompleted = counts.Total > 0 && counts.Completed == counts.Total &&
		counts.Pending == 0 && counts.Processing == 0 && counts.Failed == 0
	return st
}

func (s *Store) countsLocked() model.StatusCounts {
	return model.StatusCounts{
		Total:      len(s.tasks),
		Pending:    len(s.pendingSet),
		Processing: len(s.processingSet),
		Completed:  len(s.completedSet),
		Failed:     len(s.failedSet),
	}
}

// Counts returns the current per-status counts.
func (s *Store) Counts() model.StatusCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countsLocked()
}

// AddProcessed folds one processed-info report into the round's
// aggregate totals, called via the dispatcher passthrough.
func (s *Store) AddProcessed(itemNum int64, runningTime float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalItemNum += itemNum
	s.totalRunningTime += runningTime
	now := time.Now()
	s.lastProcessedAt = &now
}

// ClearResult reports how many tasks a clear removed.
type ClearResult struct {
	Cleared      int
	DetachedTask []string // ids that had been processing, for node-store detach
}

// Clear drops the entire task population and resets every internal
// structure and aggregate.
func (s *Store) Clear() ClearResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var detached []string
	for id := range s.processingSet {
		detached = append(detached, id)
	}
	res := ClearResult{Cleared: len(s.tasks), DetachedTask: detached}

	s.tasks = make(map[string]*Task)
	s.pathIndex = make(map[string]string)
	s.pendingFIFO = nil
	s.pendingSet = make(map[string]struct{})
	s.processingSet = make(map[string]struct{})
	s.processingStart = make(map[string]time.Time)
	s.completedList = nil
	s.completedSet = make(map[string]struct{})
	s.failedList = nil
	s.failedSet = make(map[string]struct{})
	s.totalItemNum = 0
	s.totalRunningTime = 0
	s.lastProcessedAt = nil
	return res
}

// Snapshot serializes the store for persistence, per spec §4.1
// "Snapshot/restore".
func (s *Store) Snapshot() model.StoreSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		tasks = append(tasks, &cp)
	}

	pending := make([]string, 0, len(s.pendingSet))
	for _, id := range s.pendingFIFO {
		if _, ok := s.pendingSet[id]; ok {
			pending = append(pending, id)
		}
	}

	proc := make([]model.ProcessingEntry, 0, len(s.processingStart))
	for id, start := range s.processingStart {
		if _, ok := s.tasks[id]; ok {
			proc = append(proc, model.ProcessingEntry{TaskID: id, StartedAt: start})
		}
	}

	completed := make([]string, 0, len(s.completedList))
	for _, id := range s.completedList {
		if _, ok := s.tasks[id]; ok {
			completed = append(completed, id)
		}
	}
	failed := make([]string, 0, len(s.failedList))
	for _, id := range s.failedList {
		if _, ok := s.tasks[id]; ok {
			failed = append(failed, id)
		}
	}

	return model.StoreSnapshot{
		RoundID:               s.roundID,
		Tasks:                 tasks,
		PendingQueue:          pending,
		ProcessingStartedAt:   proc,
		CompletedList:         completed,
		FailedList:            failed,
		TotalProcessedItemNum: s.totalItemNum,
		TotalProcessedTime:    s.totalRunningTime,
		LastProcessedAt:       s.lastProcessedAt,
	}
}

// Restore rebuilds a store from a persisted snapshot, per spec §4.1:
// path index rebuilt from tasks, sets initialized from per-task
// status, FIFO/lists trimmed to surviving live ids.
func Restore(roundID string, snap model.StoreSnapshot) *Store {
	s := New(roundID)
	s.totalItemNum = snap.TotalProcessedItemNum
	s.totalRunningTime = snap.TotalProcessedTime
	s.lastProcessedAt = snap.LastProcessedAt

	for _, t := range snap.Tasks {
		cp := *t
		s.tasks[cp.ID] = &cp
		s.pathIndex[cp.Path] = cp.ID
		switch cp.Status {
		case model.TaskPending:
			s.pendingSet[cp.ID] = struct{}{}
		case model.TaskProcessing:
			s.processingSet[cp.ID] = struct{}{}
		case model.TaskCompleted:
			s.completedSet[cp.ID] = struct{}{}
		case model.TaskFailed:
			s.failedSet[cp.ID] = struct{}{}
		}
	}

	for _, id := range snap.PendingQueue {
		if _, ok := s.pendingSet[id]; ok {
			s.pendingFIFO = append(s.pendingFIFO, id)
		}
	}
	for _, e := range snap.ProcessingStartedAt {
		if _, ok := s.processingSet[e.TaskID]; ok {
			s.processingStart[e.TaskID] = e.StartedAt
		}
	}
	for _, id := range snap.CompletedList {
		if _, ok := s.completedSet[id]; ok {
			s.completedList = append(s.completedList, id)
		}
	}
	for _, id := range snap.FailedList {
		if _, ok := s.failedSet[id]; ok {
			s.failedList = append(s.failedList, id)
		}
	}
	return s
}

// Package dispatcher is the process-wide façade of spec §4.3: it owns
// the ordered round list, the active-round pointer, the task-id to
// round-id index, load/unload policy against the persistence sink,
// cross-round allocation, timeout sweeps, webhook firing on
// completion edges, and the configuration view. Grounded on the
// orchestration style of the teacher's cmd/main.go wiring and the
// persist-then-log pattern of internal/task/processing.go.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"pathfleet/internal/coordinator/cerr"
	"pathfleet/internal/model"
	"pathfleet/internal/nodestats"
	"pathfleet/internal/persistence"
	"pathfleet/internal/roundstore"
	"pathfleet/internal/webhook"
)

// Config is the mutable configuration view of spec §4.3 "Configuration
// view".
type Config struct {
	DefaultBatchSize            int    `json:"defaultBatchSize"`
	MaxBatchSize                int    `json:"maxBatchSize"`
	FeishuWebhookURL            string `json:"feishuWebhookUrl,omitempty"`
	FeishuReportIntervalMinutes int    `json:"feishuReportIntervalMinutes"`
}

// ReportingState tracks the webhook reporting schedule, per spec §3
// "Dispatcher state".
type ReportingState struct {
	LastReportAt     *time.Time `json:"lastReportAt,omitempty"`
	NextReportAt     *time.Time `json:"nextReportAt,omitempty"`
	ReportingEnabled bool       `json:"reportingEnabled"`
	InFlight         bool       `json:"inFlight"`
}

// roundEntry is the dispatcher's always-resident shadow of a round,
// per spec §3 "Dispatcher state": metadata plus an optional hot store.
type roundEntry struct {
	meta model.RoundMetadata

	store        *roundstore.Store // nil when cold
	dirty        bool
	hasPersisted bool
}

// Dispatcher is the process-wide coordinator façade.
type Dispatcher struct {
	mu sync.Mutex

	rounds    []string // insertion order
	entries   map[string]*roundEntry
	taskIndex map[string]string // taskID -> roundID

	activeRoundID string
	seq           int

	nodes *nodestats.Store
	sink  persistence.Sink
	hook  *webhook.Sink

	cfg            Config
	reportingState ReportingState

	lastDigest string
}

// New builds a dispatcher over the given persistence sink and initial
// configuration.
func New(sink persistence.Sink, cfg Config) *Dispatcher {
	return &Dispatcher{
		entries:   make(map[string]*roundEntry),
		taskIndex: make(map[string]string),
		nodes:     nodestats.New(),
		sink:      sink,
		hook:      webhook.NewSink(15 * time.Second),
		cfg:       cfg,
		reportingState: ReportingState{
			ReportingEnabled: cfg.FeishuWebhookURL != "",
		},
	}
}

// Bootstrap rediscovers rounds left on disk from a prior process, per
// spec scenario 6 "Cold/hot eviction round-trip": it loads metadata
// only, leaving every round cold.
func (d *Dispatcher) Bootstrap(ctx context.Context) error {
	ids, err := d.sink.List(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: list snapshots: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		snap, ok, err := d.sink.Read(ctx, id)
		if err != nil || !ok {
			log.Warn().Str("round_id", id).Err(err).Msg("bootstrap: failed to read round snapshot")
			continue
		}
		d.entries[id] = &roundEntry{meta: snap.Metadata, hasPersisted: true}
		d.rounds = append(d.rounds, id)
		if seqOf(id) > d.seq {
			d.seq = seqOf(id)
		}
	}
	return nil
}

func seqOf(roundID string) int {
	var n int
	_, _ = fmt.Sscanf(roundID, "round_%d", &n)
	return n
}

func (d *Dispatcher) nextRoundID() string {
	d.seq++
	return fmt.Sprintf("round_%04d", d.seq)
}

// ImportOptions configures round creation, per spec §6 `import`.
type ImportOptions struct {
	Name       string
	SourceType model.RoundSourceType
	SourceHint string
	Activate   *bool // nil = decide automatically
}

// ImportResult is returned from CreateRound.
type ImportResult struct {
	RoundID string               `json:"roundId"`
	Name    string               `json:"name"`
	Counts  model.StatusCounts   `json:"counts"`
	Added   int                  `json:"added"`
	Skipped int                  `json:"skipped"`
	Status  model.RoundLifecycle `json:"status"`
}

// CreateRound implements spec §4.3 "Round creation".
func (d *Dispatcher) CreateRound(ctx context.Context, paths []string, opts ImportOptions) (ImportResult, error) {
	d.mu.Lock()

	id := d.nextRoundID()
	name := opts.Name
	if name == "" {
		name = id
	}
	if len(name) > 64 {
		name = name[:64]
	}
	sourceType := opts.SourceType
	if sourceType == "" {
		sourceType = model.SourceManual
	}

	store := roundstore.New(id)
	enq := store.Enqueue(paths)

	now := time.Now()
	entry := &roundEntry{
		meta: model.RoundMetadata{
			ID: id, Name: name, SourceType: sourceType, SourceHint: opts.SourceHint,
			CreatedAt: now, Status: model.RoundPending, Counts: store.Counts(),
		},
		store: store,
		dirty: true,
	}
	d.entries[id] = entry
	d.rounds = append(d.rounds, id)

	activate := opts.Activate != nil && *opts.Activate
	if opts.Activate == nil {
		activate = d.activeRoundID == "" && enq.Added > 0
	}

	d.refreshStatusLocked(entry)

	if activate {
		// A freshly-imported round can already be empty (every path a
		// duplicate or blank), in which case refreshStatusLocked above
		// already marked it completed and setActiveLocked refuses it
		// with ROUND_COMPLETED. Fall back to evicting it like any other
		// inactive round so it doesn't linger hot and unpersisted.
		if err := d.setActiveLocked(ctx, id); err != nil {
			d.evictLocked(ctx, entry)
		}
	} else {
		d.evictLocked(ctx, entry)
	}

	res := ImportResult{RoundID: id, Name: name, Counts: entry.meta.Counts, Added: enq.Added, Skipped: enq.Skipped, Status: entry.meta.Status}
	d.mu.Unlock()

	log.Info().Str("round_id", id).Int("added", enq.Added).Int("skipped", enq.Skipped).Msg("round imported")
	d.runCompletionDetector(ctx)
	return res, nil
}

// refreshStatusLocked reconciles a round's lifecycle with its counts
// per invariant R1. Callers must hold d.mu and the round must be hot.
func (d *Dispatcher) refreshStatusLocked(e *roundEntry) {
	if e.store == nil {
		return
	}
	counts := e.store.Counts()
	e.meta.Counts = counts
	snap := e.store.Snapshot()
	e.meta.Processed = model.ProcessedTotals{
		TotalItemNum:     snap.TotalProcessedItemNum,
		TotalRunningTime: snap.TotalProcessedTime,
		LastProcessedAt:  snap.LastProcessedAt,
	}

	wasCompleted := e.meta.Status == model.RoundCompleted
	completed := (counts.Pending == 0 && counts.Processing == 0 && counts.Total > 0) || counts.Total == 0

	switch {
	case completed && !wasCompleted:
		e.meta.Status = model.RoundCompleted
		now := time.Now()
		e.meta.CompletedAt = &now
	case completed && wasCompleted:
		// stays completed
	case !completed && e.meta.Status == model.RoundCompleted:
		// a clear or sweep reopened the round (shouldn't normally happen
		// without going through Clear, but guards against stale state)
		if e.meta.ActivatedAt != nil {
			e.meta.Status = model.RoundActive
		} else {
			e.meta.Status = model.RoundPending
		}
	case !completed && e.meta.Status == model.RoundActive:
		// stays active
	case !completed:
		e.meta.Status = model.RoundPending
	}
}

// getEntry resolves a round by explicit id, or the active/next
// non-empty round when id is empty, per spec §4.3 "Round resolution".
func (d *Dispatcher) getEntry(ctx context.Context, roundID string) (*roundEntry, error) {
	if roundID != "" {
		e, ok := d.entries[roundID]
		if !ok {
			return nil, cerr.NotFound("未找到指定轮次")
		}
		if err := d.ensureHotLocked(ctx, e); err != nil {
			return nil, err
		}
		return e, nil
	}
	return d.ensureActiveRoundLocked(ctx)
}

// ensureActiveRoundLocked implements spec §4.3's ensureActiveRound.
func (d *Dispatcher) ensureActiveRoundLocked(ctx context.Context) (*roundEntry, error) {
	if d.activeRoundID != "" {
		e, ok := d.entries[d.activeRoundID]
		if ok && e.meta.Status != model.RoundCompleted {
			if err := d.ensureHotLocked(ctx, e); err != nil {
				return nil, err
			}
			return e, nil
		}
	}
	for _, id := range d.rounds {
		e := d.entries[id]
		if e.meta.Status == model.RoundCompleted {
			continue
		}
		if err := d.ensureHotLocked(ctx, e); err != nil {
			continue
		}
		d.activeRoundID = id
		return e, nil
	}
	return nil, cerr.NotFound("没有可用的轮次")
}

// ensureHotLocked loads a cold round's store from the persistence
// sink. Callers must hold d.mu.
func (d *Dispatcher) ensureHotLocked(ctx context.Context, e *roundEntry) error {
	if e.store != nil {
		return nil
	}
	snap, ok, err := d.sink.Read(ctx, e.meta.ID)
	if err != nil {
		return cerr.RoundUnavailable("加载轮次数据失败", err)
	}
	if !ok {
		e.store = roundstore.New(e.meta.ID)
		return nil
	}
	e.store = roundstore.Restore(e.meta.ID, snap.Store)
	e.meta = snap.Metadata
	return nil
}

// evictLocked flushes a dirty or never-persisted hot round to the
// sink and drops the hot copy, per spec §4.3 "Hot/cold caching
// policy". The store of the round d.activeRoundID names at the time of
// the call is flushed but kept loaded. Callers must hold d.mu.
func (d *Dispatcher) evictLocked(ctx context.Context, e *roundEntry) {
	if e.store == nil {
		return
	}
	if e.dirty || !e.hasPersisted {
		snap := &persistence.Snapshot{Metadata: e.meta, Store: e.store.Snapshot()}
		if err := d.sink.Write(ctx, e.meta.ID, snap); err != nil {
			log.Warn().Str("round_id", e.meta.ID).Err(err).Msg("persist round snapshot failed; keeping round hot")
			return // PERSISTENCE_FAILURE: stay hot and dirty, no data lost
		}
		e.hasPersisted = true
		e.dirty = false
	}
	if e.meta.ID != d.activeRoundID {
		e.store = nil
	}
}

// setActiveLocked implements spec §4.3 "Setting active".
func (d *Dispatcher) setActiveLocked(ctx context.Context, roundID string) error {
	target, ok := d.entries[roundID]
	if !ok {
		return cerr.NotFound("未找到指定轮次")
	}
	if target.meta.Status == model.RoundCompleted {
		return cerr.RoundCompleted("")
	}

	if d.activeRoundID != "" && d.activeRoundID != roundID {
		if prev, ok := d.entries[d.activeRoundID]; ok {
			d.refreshStatusLocked(prev)
			d.evictLocked(ctx, prev)
		}
	}

	if err := d.ensureHotLocked(ctx, target); err != nil {
		return err
	}
	target.meta.Status = model.RoundActive
	if target.meta.ActivatedAt == nil {
		now := time.Now()
		target.meta.ActivatedAt = &now
	}
	target.dirty = true
	d.activeRoundID = roundID
	return nil
}

// SetActive is the exported, locked form of setActiveLocked.
func (d *Dispatcher) SetActive(ctx context.Context, roundID string) error {
	d.mu.Lock()
	err := d.setActiveLocked(ctx, roundID)
	d.mu.Unlock()
	if err == nil {
		d.runCompletionDetector(ctx)
	}
	return err
}

// LeasedTask is one task handed out by Lease.
type LeasedTask struct {
	TaskID  string `json:"taskId"`
	RoundID string `json:"roundId"`
	Path    string `json:"path"`
}

// Lease implements spec §4.3 "Lease (multi-round)".
func (d *Dispatcher) Lease(ctx context.Context, batchSize int, roundID string, nodeID string) ([]LeasedTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if batchSize < 1 {
		batchSize = d.cfg.DefaultBatchSize
	}
	if batchSize < 1 {
		batchSize = 1
	}
	if batchSize > d.cfg.MaxBatchSize {
		batchSize = d.cfg.MaxBatchSize
	}

	if nodeID != "" {
		d.nodes.RecordLeaseRequest(nodeID)
	}

	var results []LeasedTask

	leaseFrom := func(e *roundEntry, want int) []LeasedTask {
		leased := e.store.Lease(want, nodeID)
		if len(leased) == 0 {
			return nil
		}
		e.dirty = true
		out := make([]LeasedTask, 0, len(leased))
		ids := make([]string, 0, len(leased))
		for _, l := range leased {
			d.taskIndex[l.TaskID] = e.meta.ID
			out = append(out, LeasedTask{TaskID: l.TaskID, RoundID: e.meta.ID, Path: l.Path})
			ids = append(ids, l.TaskID)
		}
		if nodeID != "" {
			d.nodes.RecordAssignment(nodeID, ids)
		}
		return out
	}

	if roundID != "" {
		e, ok := d.entries[roundID]
		if !ok {
			return nil, cerr.NotFound("未找到指定轮次")
		}
		if err := d.ensureHotLocked(ctx, e); err != nil {
			return nil, err
		}
		results = leaseFrom(e, batchSize)
		d.refreshStatusLocked(e)
		return results, nil
	}

	// Try active round first.
	active, err := d.ensureActiveRoundLocked(ctx)
	if err == nil {
		results = leaseFrom(active, batchSize)
		hasPending := active.store.PendingLen() > 0
		d.refreshStatusLocked(active)
		if len(results) > 0 || hasPending {
			return results, nil
		}
	}

	// Stop condition: fall through the insertion-ordered list until a
	// round yields tasks or has leftover pending, then stop.
	remaining := batchSize - len(results)
	for _, id := range d.rounds {
		if active != nil && id == active.meta.ID {
			continue
		}
		e := d.entries[id]
		if e.meta.Status == model.RoundCompleted {
			continue
		}
		if err := d.ensureHotLocked(ctx, e); err != nil {
			continue
		}
		got := leaseFrom(e, remaining)
		d.refreshStatusLocked(e)
		if len(got) > 0 {
			results = append(results, got...)
			d.activeRoundID = id
			break
		}
	}

	return results, nil
}

// Report implements spec §4.3 "Report".
func (d *Dispatcher) Report(ctx context.Context, taskID string, success bool, message string) (model.TaskStatus, error) {
	d.mu.Lock()

	roundID, ok := d.taskIndex[taskID]
	if !ok {
		d.mu.Unlock()
		return "", cerr.NotFound("未找到指定任务")
	}
	e, ok := d.entries[roundID]
	if !ok {
		d.mu.Unlock()
		return "", cerr.NotFound("未找到指定任务所属轮次")
	}
	if err := d.ensureHotLocked(ctx, e); err != nil {
		d.mu.Unlock()
		return "", err
	}

	status, assignedNode, found := e.store.Report(taskID, success, message)
	if !found {
		d.mu.Unlock()
		return "", cerr.NotFound("未找到指定任务")
	}
	e.dirty = true
	if assignedNode != "" {
		d.nodes.Detach(taskID)
	}
	d.refreshStatusLocked(e)
	if e.meta.Status == model.RoundCompleted {
		d.evictLocked(ctx, e)
	}
	d.mu.Unlock()

	d.runCompletionDetector(ctx)
	return status, nil
}

// Sweep implements spec §4.3 "Timeout sweep (system-wide)".
func (d *Dispatcher) Sweep(ctx context.Context, thresholdMs int64, roundID string) (int, error) {
	d.mu.Lock()

	sweepOne := func(e *roundEntry) int {
		if err := d.ensureHotLocked(ctx, e); err != nil {
			return 0
		}
		touched := e.store.Sweep(thresholdMs)
		if len(touched) > 0 {
			e.dirty = true
		}
		for _, t := range touched {
			if t.AssignedNode != "" {
				d.nodes.Detach(t.TaskID)
			}
		}
		d.refreshStatusLocked(e)
		if e.meta.Status == model.RoundCompleted {
			d.evictLocked(ctx, e)
		}
		return len(touched)
	}

	total := 0
	if roundID != "" {
		e, ok := d.entries[roundID]
		if !ok {
			d.mu.Unlock()
			return 0, cerr.NotFound("未找到指定轮次")
		}
		total = sweepOne(e)
	} else {
		for _, id := range d.rounds {
			e := d.entries[id]
			if e.meta.Status == model.RoundCompleted {
				continue
			}
			total += sweepOne(e)
		}
	}
	d.mu.Unlock()

	if total > 0 {
		log.Info().Int("touched", total).Msg("timeout sweep completed")
	}
	d.runCompletionDetector(ctx)
	return total, nil
}

// RoundSummary is a compact per-round view for listings.
type RoundSummary struct {
	model.RoundMetadata
}

// ListRounds returns round summaries in insertion order.
func (d *Dispatcher) ListRounds() []RoundSummary {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]RoundSummary, 0, len(d.rounds))
	for _, id := range d.rounds {
		e := d.entries[id]
		out = append(out, RoundSummary{RoundMetadata: e.meta})
	}
	return out
}

// FindTask returns a task and its owning round id.
func (d *Dispatcher) FindTask(ctx context.Context, query string, roundID string) (*model.Task, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if roundID != "" {
		e, ok := d.entries[roundID]
		if !ok {
			return nil, "", cerr.NotFound("未找到指定轮次")
		}
		if err := d.ensureHotLocked(ctx, e); err != nil {
			return nil, "", err
		}
		if t, ok := e.store.Find(query); ok {
			return t, roundID, nil
		}
		return nil, "", nil
	}

	if rid, ok := d.taskIndex[query]; ok {
		if e, ok := d.entries[rid]; ok {
			if err := d.ensureHotLocked(ctx, e); err == nil {
				if t, ok := e.store.Find(query); ok {
					return t, rid, nil
				}
			}
		}
	}
	for _, id := range d.rounds {
		e := d.entries[id]
		if err := d.ensureHotLocked(ctx, e); err != nil {
			continue
		}
		if t, ok := e.store.Find(query); ok {
			return t, id, nil
		}
	}
	return nil, "", nil
}

// ListTasks paginates one round's tasks by status filter, per spec §6
// `listTasks`.
func (d *Dispatcher) ListTasks(ctx context.Context, status model.TaskStatus, page, size int, roundID string) (roundstore.Page, error) {
	d.mu.Lock()
	e, err := d.getEntry(ctx, roundID)
	if err != nil {
		d.mu.Unlock()
		return roundstore.Page{}, err
	}
	var p roundstore.Page
	switch status {
	case model.TaskPending:
		p = e.store.ListPending(page, size)
	case model.TaskProcessing:
		p = e.store.ListProcessing(page, size)
	case model.TaskCompleted:
		p = e.store.ListCompleted(page, size)
	case model.TaskFailed:
		p = e.store.ListFailed(page, size)
	default:
		p = e.store.ListAll(page, size)
	}
	d.mu.Unlock()
	return p, nil
}

// InspectResult is the system-wide processing inspection view, per
// spec §4.3 "Processing inspection (system-wide)".
type InspectResult struct {
	Aggregate     roundstore.ProcessingSummary
	SelectedRound *roundstore.ProcessingSummary
}

// Inspect implements the system-wide processing inspection.
func (d *Dispatcher) Inspect(ctx context.Context, thresholdMs int64, roundID string) (InspectResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var agg roundstore.ProcessingSummary
	var allLongest, allTimedOut []roundstore.ProcessingRecord
	for _, id := range d.rounds {
		e := d.entries[id]
		if err := d.ensureHotLocked(ctx, e); err != nil {
			continue
		}
		sum := e.store.InspectProcessing(thresholdMs)
		agg.TotalProcessing += sum.TotalProcessing
		agg.TimedOutCount += sum.TimedOutCount
		agg.NearTimeoutCount += sum.NearTimeoutCount
		if sum.LongestDurationMs != nil && (agg.LongestDurationMs == nil || *sum.LongestDurationMs > *agg.LongestDurationMs) {
			agg.LongestDurationMs = sum.LongestDurationMs
		}
		allLongest = append(allLongest, sum.TopLongest...)
		allTimedOut = append(allTimedOut, sum.TopTimedOut...)
		d.evictLocked(ctx, e)
	}
	byDurationDesc := func(recs []roundstore.ProcessingRecord) []roundstore.ProcessingRecord {
		sort.Slice(recs, func(i, j int) bool { return recs[i].DurationMs > recs[j].DurationMs })
		if len(recs) > 5 {
			recs = recs[:5]
		}
		return recs
	}
	agg.TopLongest = byDurationDesc(allLongest)
	agg.TopTimedOut = byDurationDesc(allTimedOut)

	res := InspectResult{Aggregate: agg}
	if roundID != "" {
		e, ok := d.entries[roundID]
		if ok {
			if err := d.ensureHotLocked(ctx, e); err == nil {
				sum := e.store.InspectProcessing(thresholdMs)
				res.SelectedRound = &sum
				d.evictLocked(ctx, e)
			}
		}
	}
	return res, nil
}

// RecordProcessed implements spec §4.3 "Node telemetry passthrough".
// requireActiveRound enforces the stricter HTTP-facing variant
// described in spec §4.3 and SPEC_FULL.md's Open Question resolution.
func (d *Dispatcher) RecordProcessed(ctx context.Context, nodeID string, itemNum int64, runningTime float64, roundID string, requireActiveRound bool) error {
	if nodeID == "" {
		return cerr.InvalidInput("缺少节点标识")
	}
	if itemNum < 0 || runningTime < 0 {
		return cerr.InvalidInput("处理数量或耗时不能为负数")
	}

	d.mu.Lock()
	d.nodes.RecordProcessed(nodestats.ProcessedInfo{NodeID: nodeID, ItemNum: itemNum, RunningTime: runningTime})

	var e *roundEntry
	if roundID != "" {
		e = d.entries[roundID]
	} else if d.activeRoundID != "" {
		e = d.entries[d.activeRoundID]
	}
	if e == nil {
		d.mu.Unlock()
		if requireActiveRound {
			return cerr.NoActiveRound("")
		}
		return nil
	}
	if err := d.ensureHotLocked(ctx, e); err != nil {
		d.mu.Unlock()
		if requireActiveRound {
			return err
		}
		return nil
	}
	e.store.AddProcessed(itemNum, runningTime)
	e.dirty = true
	d.refreshStatusLocked(e)
	d.mu.Unlock()
	return nil
}

// ListNodes paginates node telemetry and returns the global summary.
// roundID is accepted for interface symmetry but ignored — node
// statistics are global, per SPEC_FULL.md's Open Question resolution.
func (d *Dispatcher) ListNodes(page, size int, _ string) (nodestats.ListPage, nodestats.Summary) {
	return d.nodes.List(page, size), d.nodes.Summary()
}

// DeleteNode removes one node's telemetry.
func (d *Dispatcher) DeleteNode(nodeID string) bool {
	return d.nodes.Delete(nodeID)
}

// ClearRound implements spec §4.3 "Clearing" (single round).
func (d *Dispatcher) ClearRound(ctx context.Context, roundID string) (int, error) {
	d.mu.Lock()

	e, ok := d.entries[roundID]
	if !ok {
		d.mu.Unlock()
		return 0, cerr.NotFound("未找到指定轮次")
	}
	if err := d.ensureHotLocked(ctx, e); err != nil {
		d.mu.Unlock()
		return 0, err
	}

	res := e.store.Clear()
	for _, id := range res.DetachedTask {
		d.nodes.Detach(id)
	}
	for taskID, rid := range d.taskIndex {
		if rid == roundID {
			delete(d.taskIndex, taskID)
		}
	}
	if err := d.sink.Delete(ctx, roundID); err != nil {
		log.Warn().Str("round_id", roundID).Err(err).Msg("delete round snapshot failed")
	}

	delete(d.entries, roundID)
	d.rounds = removeID(d.rounds, roundID)
	if d.activeRoundID == roundID {
		d.activeRoundID = ""
		_, _ = d.ensureActiveRoundLocked(ctx)
	}
	if len(d.rounds) == 0 {
		d.lastDigest = ""
	}
	d.mu.Unlock()

	d.runCompletionDetector(ctx)
	return res.Cleared, nil
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// ClearAll clears every round.
func (d *Dispatcher) ClearAll(ctx context.Context) (int, error) {
	d.mu.Lock()
	ids := make([]string, len(d.rounds))
	copy(ids, d.rounds)
	d.mu.Unlock()

	total := 0
	for _, id := range ids {
		n, err := d.ClearRound(ctx, id)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

// GetConfig returns the current configuration and reporting state.
func (d *Dispatcher) GetConfig() (Config, ReportingState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.reportingState
}

// ConfigPatch is a partial update to the mutable configuration.
type ConfigPatch struct {
	DefaultBatchSize            *int
	MaxBatchSize                *int
	FeishuWebhookURL            *string
	FeishuReportIntervalMinutes *int
}

// UpdateConfig validates and applies a configuration patch, per spec
// §4.3 "Configuration view".
func (d *Dispatcher) UpdateConfig(patch ConfigPatch) (Config, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.cfg
	if patch.DefaultBatchSize != nil {
		next.DefaultBatchSize = *patch.DefaultBatchSize
	}
	if patch.MaxBatchSize != nil {
		next.MaxBatchSize = *patch.MaxBatchSize
	}
	if patch.FeishuWebhookURL != nil {
		next.FeishuWebhookURL = *patch.FeishuWebhookURL
	}
	if patch.FeishuReportIntervalMinutes != nil {
		next.FeishuReportIntervalMinutes = *patch.FeishuReportIntervalMinutes
	}

	if next.DefaultBatchSize < 1 {
		return d.cfg, cerr.InvalidInput("默认批次大小必须大于等于 1")
	}
	if next.MaxBatchSize < 1 {
		return d.cfg, cerr.InvalidInput("最大批次大小必须大于等于 1")
	}
	if next.DefaultBatchSize > next.MaxBatchSize {
		return d.cfg, cerr.InvalidInput("默认批次大小不能超过最大批次大小")
	}
	if next.FeishuWebhookURL != "" && !isHTTPSURL(next.FeishuWebhookURL) {
		return d.cfg, cerr.InvalidInput("webhook 地址必须是 https:// 开头")
	}
	if next.FeishuReportIntervalMinutes < 0 {
		return d.cfg, cerr.InvalidInput("上报间隔不能为负数")
	}

	if patch.FeishuWebhookURL != nil || patch.FeishuReportIntervalMinutes != nil {
		d.reportingState.ReportingEnabled = next.FeishuWebhookURL != ""
	}

	d.cfg = next
	return d.cfg, nil
}

func isHTTPSURL(s string) bool {
	return len(s) >= 8 && s[:8] == "https://"
}

// TriggerReport implements the manual webhook trigger, per spec §4.4.
func (d *Dispatcher) TriggerReport(ctx context.Context) error {
	d.mu.Lock()
	if d.cfg.FeishuWebhookURL == "" {
		d.mu.Unlock()
		return cerr.WebhookFailure(cerr.CodeNoWebhook, "未配置 webhook 地址", 0, nil)
	}
	if !d.reportingState.ReportingEnabled {
		d.mu.Unlock()
		return cerr.WebhookFailure(cerr.CodeReportingDisabled, "webhook 上报已禁用", 0, nil)
	}
	if d.reportingState.InFlight {
		d.mu.Unlock()
		return cerr.WebhookFailure(cerr.CodeInFlight, "已有一次 webhook 上报正在进行", 0, nil)
	}
	d.reportingState.InFlight = true
	url := d.cfg.FeishuWebhookURL
	text := d.buildReportTextLocked()
	d.mu.Unlock()

	err := d.hook.Post(ctx, url, text)

	d.mu.Lock()
	d.reportingState.InFlight = false
	now := time.Now()
	d.reportingState.LastReportAt = &now
	d.mu.Unlock()

	return err
}

// buildReportTextLocked composes the Chinese-language status summary,
// per spec §4.4. Callers must hold d.mu.
func (d *Dispatcher) buildReportTextLocked() string {
	var totalRounds, completedRounds, totalTasks, completedTasks, failedTasks int
	var itemNum int64
	var runningTime float64
	for _, id := range d.rounds {
		e := d.entries[id]
		totalRounds++
		if e.meta.Status == model.RoundCompleted {
			completedRounds++
		}
		totalTasks += e.meta.Counts.Total
		completedTasks += e.meta.Counts.Completed
		failedTasks += e.meta.Counts.Failed
		itemNum += e.meta.Processed.TotalItemNum
		runningTime += e.meta.Processed.TotalRunningTime
	}
	avgPerItem := 0.0
	if itemNum > 0 {
		avgPerItem = runningTime / float64(itemNum)
	}
	return fmt.Sprintf(
		"任务进度播报\n轮次：%d/%d 已完成\n任务：%d/%d 已完成，失败 %d\n累计处理项：%d\n累计耗时：%.1f 秒\n平均每项耗时：%.3f 秒",
		completedRounds, totalRounds, completedTasks, totalTasks, failedTasks, itemNum, runningTime, avgPerItem,
	)
}

// ExportedFailure is one row of exportFailed.
type ExportedFailure struct {
	RoundID      string    `json:"roundId"`
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	FailureCount int       `json:"failureCount"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ExportFailed returns failed tasks across one or every round, per
// spec §6 `exportFailed`.
func (d *Dispatcher) ExportFailed(ctx context.Context, roundID string, limit int) ([]ExportedFailure, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ids []string
	if roundID != "" {
		if _, ok := d.entries[roundID]; !ok {
			return nil, cerr.NotFound("未找到指定轮次")
		}
		ids = []string{roundID}
	} else {
		ids = d.rounds
	}

	var out []ExportedFailure
	for _, id := range ids {
		e := d.entries[id]
		if err := d.ensureHotLocked(ctx, e); err != nil {
			continue
		}
		page := e.store.ListFailed(1, maxInt(e.meta.Counts.Failed, 1))
		for _, t := range page.Items {
			out = append(out, ExportedFailure{
				RoundID: id, ID: t.ID, Path: t.Path, FailureCount: t.FailureCount,
				Message: t.Message, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
			})
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		d.evictLocked(ctx, e)
	}
	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// completionDigestLocked computes the canonical summary string of spec
// §4.4 and whether every round is completed. Callers must hold d.mu.
func (d *Dispatcher) completionDigestLocked() (string, bool) {
	if len(d.rounds) == 0 {
		return "", false
	}
	var totalRounds, completedRounds, totalTasks, completedTasks, failedTasks int
	var itemNum int64
	var runningTime float64
	for _, id := range d.rounds {
		e := d.entries[id]
		totalRounds++
		if e.meta.Status == model.RoundCompleted {
			completedRounds++
		}
		totalTasks += e.meta.Counts.Total
		completedTasks += e.meta.Counts.Completed
		failedTasks += e.meta.Counts.Failed
		itemNum += e.meta.Processed.TotalItemNum
		runningTime += e.meta.Processed.TotalRunningTime
	}
	allCompleted := totalRounds == completedRounds
	digest := strconv.Itoa(totalRounds) + "|" + strconv.Itoa(completedRounds) + "|" +
		strconv.Itoa(totalTasks) + "|" + strconv.Itoa(completedTasks) + "|" +
		strconv.Itoa(failedTasks) + "|" + strconv.FormatInt(itemNum, 10) + "|" +
		strconv.FormatFloat(runningTime, 'f', 3, 64)
	return digest, allCompleted
}

// runCompletionDetector implements spec §4.4: fires the webhook
// exactly once per completion edge, posting outside the coarse lock.
func (d *Dispatcher) runCompletionDetector(ctx context.Context) {
	d.mu.Lock()
	digest, allCompleted := d.completionDigestLocked()
	if !allCompleted {
		if d.lastDigest != "" {
			d.lastDigest = ""
		}
		d.mu.Unlock()
		return
	}
	if digest == d.lastDigest {
		d.mu.Unlock()
		return
	}
	url := d.cfg.FeishuWebhookURL
	enabled := d.reportingState.ReportingEnabled
	text := d.buildReportTextLocked()
	d.lastDigest = digest
	d.mu.Unlock()

	if url == "" || !enabled {
		return
	}
	if err := d.hook.Post(ctx, url, text); err != nil {
		log.Warn().Err(err).Msg("completion webhook post failed")
	} else {
		log.Info().Msg("completion webhook fired")
	}
}

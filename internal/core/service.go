package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/portfoliolens/internal/config"
	"github.com/JonMunkholm/portfoliolens/internal/logging"
	"github.com/JonMunkholm/portfoliolens/internal/matching"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
	"github.com/JonMunkholm/portfoliolens/internal/sheets"
)

// TriggerPolicy decides what a failed row-processing trigger does to a job.
type TriggerPolicy string

const (
	// TriggerFail marks the job as error.
	TriggerFail TriggerPolicy = "fail"
	// TriggerWarn logs the failure and completes the job.
	TriggerWarn TriggerPolicy = "warn"
)

// jobRetention is how long a finished job stays in memory for progress
// lookups before only the JobStore knows it.
const jobRetention = 5 * time.Minute

// Options tune a Service. Zero values take the package defaults.
type Options struct {
	ChunkSize            int
	MaxConcurrentUploads int
	MaxConcurrentJobs    int
	MaxWait              time.Duration
	ImportTimeout        time.Duration
	SessionTTL           time.Duration
	MaxFileSize          int64
	SampleRows           int
	TriggerPolicy        TriggerPolicy
	Match                matching.Config
	CacheSize            int
	Worker               WorkerOptions
	Now                  func() time.Time
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	match := matching.FromConfig(cfg.Match)
	return Options{
		ChunkSize:            cfg.Import.ChunkSize,
		MaxConcurrentUploads: cfg.Import.MaxConcurrentUploads,
		MaxConcurrentJobs:    cfg.Import.MaxConcurrentJobs,
		MaxWait:              cfg.Import.MaxWaitTime,
		ImportTimeout:        cfg.Import.Timeout,
		SessionTTL:           cfg.Import.SessionTTL,
		MaxFileSize:          cfg.Import.MaxFileSize,
		SampleRows:           cfg.Import.SampleRows,
		TriggerPolicy:        TriggerPolicy(cfg.Import.TriggerFailurePolicy),
		Match:                match,
		CacheSize:            cfg.Match.CacheSize,
		Worker: WorkerOptions{
			Enabled:     cfg.Worker.Enabled,
			Timeout:     cfg.Worker.Timeout,
			MaxLifespan: cfg.Worker.MaxLifespan,
		},
	}
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MaxConcurrentUploads <= 0 {
		o.MaxConcurrentUploads = DefaultMaxConcurrentUploads
	}
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if o.ImportTimeout <= 0 {
		o.ImportTimeout = 30 * time.Minute
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = 2 * time.Hour
	}
	if o.SampleRows <= 0 {
		o.SampleRows = 20
	}
	if o.TriggerPolicy != TriggerWarn {
		o.TriggerPolicy = TriggerFail
	}
	if o.Match.TableThreshold == 0 {
		o.Match = matching.DefaultConfig()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Worker.Match = o.Match
	o.Worker.CacheSize = o.CacheSize
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Schema  *schema.Cache
	Mutator SchemaMutator
	Sender  ChunkSender
	Jobs    JobStore
}

// Service analyzes uploads and runs imports.
type Service struct {
	opts     Options
	schema   *schema.Cache
	mutator  SchemaMutator
	uploader *Uploader
	jobs     JobStore
	workers  *WorkerManager
	limiter  *UploadLimiter

	mu       sync.RWMutex
	sessions map[string]*Session
	active   map[string]*activeJob
	closing  bool
	running  sync.WaitGroup
}

// activeJob is a job this process is running or recently ran.
type activeJob struct {
	mu       sync.Mutex
	job      *Job
	ctx      context.Context
	token    *CancelToken
	progress *progressFeed
	done     chan struct{}
}

// NewService wires a Service.
func NewService(deps Deps, opts Options) (*Service, error) {
	if deps.Schema == nil || deps.Mutator == nil || deps.Sender == nil || deps.Jobs == nil {
		return nil, errors.New("core: schema, mutator, sender and job store are required")
	}
	opts.setDefaults()

	return &Service{
		opts:     opts,
		schema:   deps.Schema,
		mutator:  deps.Mutator,
		uploader: NewUploader(deps.Sender, opts.MaxConcurrentUploads),
		jobs:     deps.Jobs,
		workers:  NewWorkerManager(opts.Worker),
		limiter:  NewUploadLimiter(opts.MaxConcurrentJobs, opts.MaxWait),
		sessions: make(map[string]*Session),
		active:   make(map[string]*activeJob),
	}, nil
}

// Schema returns the schema cache.
func (s *Service) Schema() *schema.Cache { return s.schema }

// Workers returns the matching worker manager.
func (s *Service) Workers() *WorkerManager { return s.workers }

// LimiterStatus reports import slot usage.
func (s *Service) LimiterStatus() UploadLimiterStatus { return s.limiter.Status() }

// RefreshSchema reloads the destination schema and drops matching caches
// built against older snapshots.
func (s *Service) RefreshSchema(ctx context.Context) error {
	if err := s.schema.ForceRefresh(ctx); err != nil {
		return err
	}
	s.workers.ClearCache()
	return nil
}

// StartImport creates one job per plan and starts them. The jobs run in the
// background; use Subscribe or Wait to follow them. Plans without mappings
// use the session's suggestion for that sheet.
func (s *Service) StartImport(ctx context.Context, sessionID string, plans []SheetPlan) ([]*Job, error) {
	sess, err := s.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("%w: no sheets selected", ErrInvalidPlan)
	}

	resolved := make([]SheetPlan, len(plans))
	for i, p := range plans {
		if len(p.Mappings) == 0 {
			a, ok := sess.Analysis(p.SheetName)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrSheetNotFound, p.SheetName)
			}
			p.Mappings = a.Suggestion.Mappings
			if p.TableName == "" {
				p.TableName = a.Suggestion.TableName
				p.CreateTable = a.Suggestion.CreateTable
			}
		}
		resolved[i] = p
	}

	return s.importWorkbook(ctx, sessionID, sess.workbook, resolved)
}

// ImportWorkbook validates plans against wb, takes one import slot per
// sheet and starts the jobs.
func (s *Service) ImportWorkbook(ctx context.Context, wb *sheets.Workbook, plans []SheetPlan) ([]*Job, error) {
	return s.importWorkbook(ctx, "", wb, plans)
}

type sheetWork struct {
	plan  SheetPlan
	sheet *sheets.Sheet
}

func (s *Service) importWorkbook(ctx context.Context, sessionID string, wb *sheets.Workbook, plans []SheetPlan) ([]*Job, error) {
	s.mu.RLock()
	closing := s.closing
	s.mu.RUnlock()
	if closing {
		return nil, ErrTooManyUploads
	}

	todo, err := s.resolvePlans(ctx, wb, plans)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.AcquireN(ctx, len(todo)); err != nil {
		return nil, err
	}

	createdBy := UserIDFromContext(ctx)
	now := s.opts.Now()
	runs := make([]*activeJob, 0, len(todo))
	for i, w := range todo {
		job := &Job{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			FileName:    wb.FileName,
			SheetName:   w.sheet.Name,
			TableName:   w.plan.TableName,
			CreateTable: w.plan.CreateTable,
			Mapping:     matching.CloneMappings(w.plan.Mappings),
			Status:      StatusQueued,
			TotalRows:   len(w.sheet.Rows),
			CreatedBy:   createdBy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.jobs.CreateJob(ctx, job.Clone()); err != nil {
			for range todo[i:] {
				s.limiter.Release()
			}
			for _, aj := range runs {
				s.finish(aj, &CancellationError{JobID: aj.job.ID, Stage: "start"})
				aj.token.release()
				s.limiter.Release()
			}
			return nil, fmt.Errorf("create job for sheet %q: %w", w.sheet.Name, err)
		}

		runCtx, token := NewCancelToken(ContextWithUserID(context.Background(), createdBy), job.ID)
		aj := &activeJob{
			job:   job,
			ctx:   runCtx,
			token: token,
			progress: newProgressFeed(Progress{
				JobID:     job.ID,
				SheetName: job.SheetName,
				TableName: job.TableName,
				Status:    StatusQueued,
				Phase:     PhaseQueued,
				TotalRows: job.TotalRows,
			}),
			done: make(chan struct{}),
		}
		s.mu.Lock()
		s.active[job.ID] = aj
		s.mu.Unlock()
		runs = append(runs, aj)
	}

	jobs := make([]*Job, 0, len(runs))
	for i, aj := range runs {
		jobs = append(jobs, aj.job.Clone())
		s.running.Add(1)
		go s.run(aj, todo[i].sheet, todo[i].plan)
	}
	return jobs, nil
}

// resolvePlans pairs plans with their sheets and checks them against the
// current schema. With no schema loaded at all, table existence is left to
// the database.
func (s *Service) resolvePlans(ctx context.Context, wb *sheets.Workbook, plans []SheetPlan) ([]sheetWork, error) {
	snap, _ := s.schema.GetOrFetch(ctx)

	todo := make([]sheetWork, 0, len(plans))
	seen := make(map[string]bool, len(plans))
	for _, p := range plans {
		sheet, ok := wb.Sheet(p.SheetName)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrSheetNotFound, p.SheetName)
		}
		if seen[p.SheetName] {
			return nil, fmt.Errorf("%w: sheet %q planned twice", ErrInvalidPlan, p.SheetName)
		}
		seen[p.SheetName] = true
		if err := p.validate(sheet); err != nil {
			return nil, err
		}

		if !p.CreateTable && !snap.IsEmpty() {
			table, ok := snap.Table(p.TableName)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrTableNotFound, p.TableName)
			}
			for _, m := range p.Mappings {
				if m.Action != matching.ActionMap {
					continue
				}
				if _, ok := table.Column(m.TargetColumn); !ok {
					return nil, fmt.Errorf("%w: table %s has no column %s", ErrInvalidPlan, p.TableName, m.TargetColumn)
				}
			}
		}
		todo = append(todo, sheetWork{plan: p, sheet: sheet})
	}
	return todo, nil
}

// run executes one sheet job and always releases its slot.
func (s *Service) run(aj *activeJob, sheet *sheets.Sheet, plan SheetPlan) {
	defer s.running.Done()
	defer s.limiter.Release()
	defer aj.token.release()

	ctx, cancel := context.WithTimeout(aj.ctx, s.opts.ImportTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in import", "job_id", aj.job.ID, "sheet", sheet.Name, "panic", r)
			s.finish(aj, fmt.Errorf("internal error: %v", r))
		}
	}()

	err := s.runSheet(ctx, aj, sheet, plan)
	s.finish(aj, err)
}

// runSheet moves one sheet into its table: schema first, then rows.
func (s *Service) runSheet(ctx context.Context, aj *activeJob, sheet *sheets.Sheet, plan SheetPlan) error {
	job := aj.job
	logger := logging.ForJob(ctx, job.ID, sheet.Name)
	token := aj.token
	start := time.Now()

	s.transition(ctx, aj, StatusParsing, func(p *Progress) {
		p.Phase = PhaseParsing
		p.Percent = PhasePercent(PhaseParsing, 1)
	})

	if err := token.Check("schema"); err != nil {
		return err
	}
	if err := s.prepareTable(ctx, plan); err != nil {
		return err
	}

	proj := newProjection(sheet, plan.Mappings)
	rows := make([][]string, 0, len(sheet.Rows))
	for i, src := range sheet.Rows {
		if i%sheets.CheckEvery == 0 {
			if err := token.Check("conversion"); err != nil {
				return err
			}
			frac := float64(i) / float64(len(sheet.Rows))
			aj.progress.update(func(p *Progress) {
				p.Phase = PhaseMapping
				p.Percent = PhasePercent(PhaseMapping, frac)
			})
		}
		rows = append(rows, proj.row(src))
	}

	chunks := ChunkRows(job.ID, sheet.Name, plan.TableName, proj.columns, rows, s.opts.ChunkSize)
	logger.Info("uploading sheet", "table", plan.TableName, "rows", len(rows), "chunks", len(chunks))

	s.transition(ctx, aj, StatusUploading, func(p *Progress) {
		p.Phase = PhaseUploading
		p.Percent = PhasePercent(PhaseUploading, 0)
		p.TotalChunks = len(chunks)
	})

	summary, err := s.uploader.Upload(ctx, chunks, token, func(c Chunk, r ChunkReceipt) {
		s.chunkAcked(ctx, aj, c, r)
	})
	if err != nil {
		return err
	}
	if summary.Final == nil {
		return &ChunkUploadError{
			JobID:       job.ID,
			SheetName:   sheet.Name,
			ChunkIndex:  len(chunks) - 1,
			TotalChunks: len(chunks),
			Err:         errors.New("all chunks sent but the sheet was never completed"),
		}
	}

	aj.progress.update(func(p *Progress) {
		p.Phase = PhaseFinalizing
		p.Percent = PhasePercent(PhaseFinalizing, 0.5)
	})

	if summary.TriggerErr != nil {
		if s.opts.TriggerPolicy == TriggerFail {
			return summary.TriggerErr
		}
		logger.Warn("row processing failed, completing per policy",
			"policy", s.opts.TriggerPolicy, "error", summary.TriggerErr)
	}
	if res := summary.Final.Processing; res != nil {
		aj.mu.Lock()
		job.RowsInserted = res.RowsInserted
		job.RowsRejected = res.RowsRejected
		aj.mu.Unlock()
		aj.progress.update(func(p *Progress) {
			p.RowsInserted = res.RowsInserted
			p.RowsRejected = res.RowsRejected
		})
	}

	logger.Info("sheet imported",
		"table", plan.TableName,
		"rows_inserted", job.RowsInserted,
		"rows_rejected", job.RowsRejected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// prepareTable applies the plan's schema changes and confirms them through
// a schema refresh before any row moves.
func (s *Service) prepareTable(ctx context.Context, plan SheetPlan) error {
	cols := matching.NewColumns(plan.Mappings)
	if !plan.CreateTable && len(cols) == 0 {
		return nil
	}

	var err error
	if plan.CreateTable {
		err = s.mutator.CreateTable(ctx, plan.TableName, cols)
	} else {
		err = s.mutator.CreateColumns(ctx, plan.TableName, cols)
	}
	if err != nil {
		return &SchemaMutationError{Table: plan.TableName, Err: err}
	}

	if err := s.schema.Invalidate(ctx); err != nil {
		return &SchemaMutationError{Table: plan.TableName, Err: fmt.Errorf("%w: %w", ErrSchemaNotConfirmed, err)}
	}
	table, ok := s.schema.Snapshot().Table(plan.TableName)
	if !ok {
		return &SchemaMutationError{Table: plan.TableName, Err: ErrSchemaNotConfirmed}
	}
	for _, c := range cols {
		if _, ok := table.Column(c.Name); !ok {
			return &SchemaMutationError{Table: plan.TableName, Err: fmt.Errorf("%w: column %s", ErrSchemaNotConfirmed, c.Name)}
		}
	}
	return nil
}

// chunkAcked records an acknowledged chunk and persists the job.
func (s *Service) chunkAcked(ctx context.Context, aj *activeJob, c Chunk, r ChunkReceipt) {
	aj.mu.Lock()
	if !r.Duplicate {
		aj.job.ProcessedRows += len(c.Rows)
	}
	if r.Complete {
		aj.job.Status = StatusTriggeredProcessing
	}
	aj.job.UpdatedAt = s.opts.Now()
	snapshot := aj.job.Clone()
	aj.mu.Unlock()

	frac := float64(r.Received) / float64(max(r.Total, 1))
	aj.progress.update(func(p *Progress) {
		p.Status = snapshot.Status
		p.ProcessedRows = snapshot.ProcessedRows
		p.ChunksDone = max(p.ChunksDone, r.Received)
		p.Percent = PhasePercent(PhaseUploading, frac)
		if r.Complete {
			p.Phase = PhaseFinalizing
			p.Percent = PhasePercent(PhaseFinalizing, 0)
		}
	})
	s.persist(ctx, snapshot)
}

// transition sets the job status, persists it and publishes progress.
func (s *Service) transition(ctx context.Context, aj *activeJob, status JobStatus, fn func(*Progress)) {
	aj.mu.Lock()
	aj.job.Status = status
	aj.job.UpdatedAt = s.opts.Now()
	snapshot := aj.job.Clone()
	aj.mu.Unlock()

	aj.progress.update(func(p *Progress) {
		p.Status = status
		fn(p)
	})
	s.persist(ctx, snapshot)
}

// persist writes job state. Failures are logged: losing a status update
// must not abort rows already moving.
func (s *Service) persist(ctx context.Context, job *Job) {
	if err := s.jobs.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		logging.ForJob(ctx, job.ID, job.SheetName).Warn("job status not persisted", "status", job.Status, "error", err)
	}
}

// finish moves a job into its terminal state exactly once.
func (s *Service) finish(aj *activeJob, err error) {
	aj.mu.Lock()
	if aj.job.Status.Terminal() {
		aj.mu.Unlock()
		return
	}
	job := aj.job
	switch {
	case err == nil:
		job.Status = StatusCompleted
	case IsCancelled(err):
		job.Status = StatusCancelled
		job.Error = MapError(err).Message
	default:
		msg := MapError(err)
		job.Status = StatusError
		job.Error = msg.Message
		job.ErrorCode = msg.Code
		job.ErrorDetail = err.Error()
	}
	job.UpdatedAt = s.opts.Now()
	snapshot := job.Clone()
	aj.mu.Unlock()

	logger := slog.With("job_id", job.ID, "sheet", job.SheetName)
	switch snapshot.Status {
	case StatusCompleted:
		logger.Info("import completed", "rows", snapshot.ProcessedRows)
	case StatusCancelled:
		logger.Info("import cancelled", "rows", snapshot.ProcessedRows)
	default:
		logger.Error("import failed", "code", snapshot.ErrorCode, "error", err)
	}

	aj.progress.update(func(p *Progress) {
		p.Status = snapshot.Status
		p.Error = snapshot.Error
		p.ErrorCode = snapshot.ErrorCode
		switch snapshot.Status {
		case StatusCompleted:
			p.Phase = PhaseComplete
			p.Percent = 100
		case StatusCancelled:
			p.Phase = PhaseCancelled
		default:
			p.Phase = PhaseFailed
		}
	})
	aj.progress.close()
	s.persist(context.Background(), snapshot)
	close(aj.done)

	time.AfterFunc(jobRetention, func() {
		s.mu.Lock()
		delete(s.active, snapshot.ID)
		s.mu.Unlock()
	})
}

func (s *Service) lookup(jobID string) (*activeJob, error) {
	s.mu.RLock()
	aj, ok := s.active[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return aj, nil
}

// Cancel stops a running job. Chunks already in flight finish; nothing
// new starts. Cancelling a finished job is a no-op.
func (s *Service) Cancel(jobID string) error {
	aj, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	aj.token.Cancel()
	return nil
}

// Subscribe streams a job's progress. The channel starts with the current
// state and is closed when the job ends. Call the returned func to stop
// listening early.
func (s *Service) Subscribe(jobID string) (<-chan Progress, func(), error) {
	aj, err := s.lookup(jobID)
	if err != nil {
		return nil, nil, err
	}
	ch, stop := aj.progress.subscribe()
	return ch, stop, nil
}

// Progress returns a job's current progress without blocking.
func (s *Service) Progress(jobID string) (Progress, error) {
	aj, err := s.lookup(jobID)
	if err != nil {
		return Progress{}, err
	}
	return aj.progress.snapshot(), nil
}

// Wait blocks until the job ends or ctx is done.
func (s *Service) Wait(ctx context.Context, jobID string) (*Job, error) {
	aj, err := s.lookup(jobID)
	if err != nil {
		return s.Job(ctx, jobID)
	}
	select {
	case <-aj.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	aj.mu.Lock()
	defer aj.mu.Unlock()
	return aj.job.Clone(), nil
}

// Job returns a job from memory or, once retired, from the store.
func (s *Service) Job(ctx context.Context, jobID string) (*Job, error) {
	if aj, err := s.lookup(jobID); err == nil {
		aj.mu.Lock()
		defer aj.mu.Unlock()
		return aj.job.Clone(), nil
	}
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns the most recent jobs from the store.
func (s *Service) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.jobs.ListJobs(ctx, limit)
}

// Shutdown stops accepting imports and waits for running ones. When ctx
// ends first, the remaining jobs are cancelled and awaited.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	if err := s.limiter.WaitForDrain(ctx); err == nil {
		s.running.Wait()
		return nil
	}

	s.mu.RLock()
	for _, aj := range s.active {
		aj.token.Cancel()
	}
	s.mu.RUnlock()
	s.running.Wait()
	return ctx.Err()
}

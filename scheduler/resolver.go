package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpcforge/ferry/gateway"
	"github.com/hpcforge/ferry/metrics"
	"github.com/hpcforge/ferry/retry"
	"github.com/hpcforge/ferry/store"
)

// defaultPageSize matches the gateway's default job listing page.
const defaultPageSize = 25

// JobRecord is one normalized observation of a job. It is superseded by
// the next poll, never mutated.
type JobRecord struct {
	ID        string
	RawState  string
	State     JobState
	Name      string
	User      string
	QueueName string
	NodeList  string
	NodeCount int

	SubmitTime time.Time
	StartTime  time.Time

	// Wallclock is the time the job has consumed; TimeLeft the remaining
	// allocation. Either may be unknown.
	Wallclock Duration
	TimeLeft  Duration
}

// Filter restricts a Jobs listing.
type Filter struct {
	IDs  []string
	User string
}

// Resolver polls the remote scheduler through the gateway and normalizes
// its answers. It performs no background polling of its own; every method
// is one synchronous round of queries.
type Resolver struct {
	client   gateway.Client
	ledger   store.Ledger
	pageSize int
	policy   retry.Policy
	log      *zap.Logger

	userMu sync.Mutex
	user   string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLedger attaches a submission ledger. Without one the resolver
// still works, but cannot distinguish never-submitted jobs when applying
// the absence policy.
func WithLedger(l store.Ledger) Option {
	return func(r *Resolver) { r.ledger = l }
}

// WithPageSize overrides the listing page size requested from the remote.
func WithPageSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// WithRetryPolicy overrides the retry policy for remote calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Resolver) { r.policy = p }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

// NewResolver creates a Resolver on top of a gateway client.
func NewResolver(client gateway.Client, opts ...Option) *Resolver {
	r := &Resolver{
		client:   client,
		pageSize: defaultPageSize,
		policy:   retry.DefaultPolicy(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit submits the batch script at scriptPath (a remote path) and
// records the job in the ledger.
func (r *Resolver) Submit(ctx context.Context, scriptPath string) (string, error) {
	jobID, err := retry.DoWithResult(ctx, r.policy, func() (string, error) {
		return r.client.SubmitJob(ctx, scriptPath)
	})
	if err != nil {
		return "", err
	}

	r.log.Info("job submitted", zap.String("job_id", jobID), zap.String("script", scriptPath))

	if r.ledger != nil {
		sub := &store.Submission{
			JobID:       jobID,
			ScriptPath:  scriptPath,
			SubmittedAt: time.Now(),
			LastState:   string(StatePending),
		}
		if err := r.ledger.Save(sub); err != nil {
			// The job is already submitted; a ledger write failure must
			// not fail the call.
			r.log.Warn("failed to record submission", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	return jobID, nil
}

// Job resolves the current state of one job. If the remote no longer
// lists the job and no terminal state was previously observed, the
// returned record carries StateUnknown; that is an observation, not an
// error. If a terminal state was observed earlier, the last known state
// is returned instead.
func (r *Resolver) Job(ctx context.Context, jobID string) (JobRecord, error) {
	records, err := r.Jobs(ctx, Filter{IDs: []string{jobID}})
	if err != nil {
		return JobRecord{}, err
	}
	for _, rec := range records {
		if rec.ID == jobID {
			return rec, nil
		}
	}
	return r.resolveAbsent(jobID), nil
}

// Jobs lists jobs matching the filter, following pagination until the
// remote signals no more pages. Page size and total count are not
// caller-visible.
func (r *Resolver) Jobs(ctx context.Context, f Filter) ([]JobRecord, error) {
	q := gateway.JobQuery{IDs: f.IDs, User: f.User}
	if q.User == "" && len(q.IDs) == 0 {
		// An unrestricted listing is scoped to the authenticated user,
		// the way squeue defaults to the calling user.
		user, err := r.currentUser(ctx)
		if err != nil {
			return nil, err
		}
		q.User = user
	}

	var records []JobRecord
	seen := map[string]bool{}

	for page := 0; ; page++ {
		res, err := retry.DoWithResult(ctx, r.policy, func() (pageResult, error) {
			recs, more, err := r.client.ListJobs(ctx, q, page)
			return pageResult{records: recs, hasMore: more}, err
		})
		if err != nil {
			return nil, err
		}

		metrics.RecordJobPoll()

		for _, rj := range res.records {
			if seen[rj.ID] {
				continue
			}
			seen[rj.ID] = true
			rec := r.fromRaw(rj)
			metrics.RecordJobState(string(rec.State))
			r.observe(rec)
			records = append(records, rec)
		}

		if !res.hasMore {
			break
		}
	}

	return records, nil
}

type pageResult struct {
	records []gateway.RawJob
	hasMore bool
}

// currentUser resolves and caches the gateway's authenticated username.
func (r *Resolver) currentUser(ctx context.Context) (string, error) {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	if r.user != "" {
		return r.user, nil
	}
	user, err := retry.DoWithResult(ctx, r.policy, func() (string, error) {
		return r.client.Whoami(ctx)
	})
	if err != nil {
		return "", err
	}
	r.user = user
	return user, nil
}

// Cancel asks the scheduler to cancel a job.
func (r *Resolver) Cancel(ctx context.Context, jobID string) error {
	return retry.Do(ctx, r.policy, func() error {
		return r.client.CancelJob(ctx, jobID)
	})
}

// fromRaw normalizes one raw listing record.
func (r *Resolver) fromRaw(raw gateway.RawJob) JobRecord {
	state := MapState(raw.State)
	if state == StateUnknown {
		r.log.Warn("unrecognized job state",
			zap.String("job_id", raw.ID),
			zap.String("raw_state", raw.State))
	}

	rec := JobRecord{
		ID:         raw.ID,
		RawState:   raw.State,
		State:      state,
		Name:       raw.Name,
		User:       raw.User,
		QueueName:  raw.Partition,
		SubmitTime: ParseTimestamp(raw.SubmitTime),
		StartTime:  ParseTimestamp(raw.StartTime),
		Wallclock:  ParseDuration(raw.TimeUsed),
		TimeLeft:   ParseDuration(raw.TimeLeft),
	}

	// The node list is only meaningful while running; schedulers report
	// placeholder reasons in it otherwise.
	if state == StateRunning {
		rec.NodeList = raw.NodeList
	}

	if raw.Nodes != "" {
		n, err := strconv.Atoi(raw.Nodes)
		if err != nil {
			r.log.Warn("node count is not an integer",
				zap.String("job_id", raw.ID),
				zap.String("nodes", raw.Nodes))
		} else {
			rec.NodeCount = n
		}
	}

	return rec
}

// observe updates the ledger with a fresh observation.
func (r *Resolver) observe(rec JobRecord) {
	if r.ledger == nil {
		return
	}
	sub, err := r.ledger.Get(rec.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.Warn("ledger read failed", zap.String("job_id", rec.ID), zap.Error(err))
		}
		return
	}
	sub.LastState = string(rec.State)
	sub.Terminal = rec.State.Terminal()
	sub.LastSeenAt = time.Now()
	if err := r.ledger.Save(sub); err != nil {
		r.log.Warn("ledger write failed", zap.String("job_id", rec.ID), zap.Error(err))
	}
}

// resolveAbsent applies the absence policy for a job the remote did not
// list.
func (r *Resolver) resolveAbsent(jobID string) JobRecord {
	rec := JobRecord{ID: jobID, State: StateUnknown}

	if r.ledger == nil {
		return rec
	}
	sub, err := r.ledger.Get(jobID)
	if err != nil {
		return rec
	}

	if sub.Terminal {
		// Terminal state observed before the remote dropped the record;
		// report that instead of UNKNOWN.
		rec.State = JobState(sub.LastState)
		return rec
	}

	if sub.FirstUnknownAt.IsZero() {
		sub.FirstUnknownAt = time.Now()
		if err := r.ledger.Save(sub); err != nil {
			r.log.Warn("ledger write failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	r.log.Info("job no longer listed by remote", zap.String("job_id", jobID))
	return rec
}

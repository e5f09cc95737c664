// Package scanner runs the per-target discovery pipeline (probe,
// negotiate, classify, extract) across a bounded worker pool.
package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/scottpeterman/gosnmpscan/pkg/fingerprint"
	"github.com/scottpeterman/gosnmpscan/pkg/prober"
	"github.com/scottpeterman/gosnmpscan/pkg/targets"
)

// Prober is the reachability pre-filter.
type Prober interface {
	Probe(ctx context.Context, host string, ports []int, timeout time.Duration) prober.Result
}

// Negotiator opens an SNMP session and collects attributes.
type Negotiator interface {
	Negotiate(ctx context.Context, target targets.Target, creds *Credentials, rules *fingerprint.RuleSet) (fingerprint.Attributes, error)
}

// Progress is one update on the progress stream.
type Progress struct {
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Current   string `json:"current"`
}

// Options tunes an Orchestrator.
type Options struct {
	Concurrency int
	Ports       []int
	TCPTimeout  time.Duration
	// TargetTimeout is the wall-clock ceiling for one target's pipeline.
	TargetTimeout time.Duration
	// Grace is how long in-flight targets may keep running after the
	// scan context is cancelled.
	Grace time.Duration
	// RateLimit caps target dispatch per second. Zero disables it.
	RateLimit float64
	// Raw keeps the collected attribute map on each record.
	Raw bool
	Log logrus.FieldLogger
}

const (
	DefaultConcurrency   = 50
	DefaultTCPTimeout    = 2 * time.Second
	DefaultTargetTimeout = 60 * time.Second
	DefaultGrace         = 5 * time.Second
)

// Orchestrator fans targets out to a bounded pool.
type Orchestrator struct {
	prober     Prober
	negotiator Negotiator
	opts       Options
	log        logrus.FieldLogger
}

// NewOrchestrator returns an orchestrator with defaults filled in.
func NewOrchestrator(p Prober, n Negotiator, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Ports == nil {
		opts.Ports = prober.DefaultPorts
	}
	if opts.TCPTimeout <= 0 {
		opts.TCPTimeout = DefaultTCPTimeout
	}
	if opts.TargetTimeout <= 0 {
		opts.TargetTimeout = DefaultTargetTimeout
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	log := opts.Log
	if log == nil {
		log = discard()
	}
	return &Orchestrator{prober: p, negotiator: n, opts: opts, log: log}
}

// Scan is a running scan. Records must be drained; Progress may be
// ignored. Both channels are closed when every target has a record.
type Scan struct {
	Records  <-chan Record
	Progress <-chan Progress

	list    []targets.Target
	started time.Time
}

// Start begins scanning list and returns immediately. Every target
// yields exactly one Record, in completion order. Cancelling ctx stops
// dispatch: undispatched targets are recorded as cancelled and in-flight
// targets are given the grace period.
func (o *Orchestrator) Start(ctx context.Context, list []targets.Target, creds *Credentials, rules *fingerprint.RuleSet) *Scan {
	if rules == nil {
		rules = fingerprint.EmptyRuleSet()
	}
	records := make(chan Record)
	progress := make(chan Progress, 16)
	done := make(chan Record, o.opts.Concurrency)

	go o.dispatch(ctx, list, creds, rules, done)

	go func() {
		defer close(records)
		defer close(progress)
		completed := 0
		for rec := range done {
			completed++
			records <- rec
			sendLatest(progress, Progress{Completed: completed, Total: len(list), Current: rec.IP})
		}
	}()

	return &Scan{Records: records, Progress: progress, list: list, started: time.Now()}
}

// Stream is Start without the progress channel.
func (o *Orchestrator) Stream(ctx context.Context, list []targets.Target, creds *Credentials, rules *fingerprint.RuleSet) <-chan Record {
	return o.Start(ctx, list, creds, rules).Records
}

// sendLatest never blocks; when the buffer is full the oldest update is
// dropped.
func sendLatest(ch chan Progress, p Progress) {
	for {
		select {
		case ch <- p:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, list []targets.Target, creds *Credentials, rules *fingerprint.RuleSet, done chan<- Record) {
	defer close(done)

	sem := semaphore.NewWeighted(int64(o.opts.Concurrency))
	var limiter *rate.Limiter
	if o.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.opts.RateLimit), 1)
	}

	o.log.WithFields(logrus.Fields{
		"targets":     len(list),
		"concurrency": o.opts.Concurrency,
		"rules":       rules.Len(),
	}).Info("scan started")

	var wg sync.WaitGroup
	for i, t := range list {
		err := ctx.Err()
		if err == nil && limiter != nil {
			err = limiter.Wait(ctx)
		}
		if err == nil {
			err = sem.Acquire(ctx, 1)
		}
		if err != nil {
			o.log.WithField("remaining", len(list)-i).Warn("scan cancelled, skipping undispatched targets")
			for _, rest := range list[i:] {
				done <- cancelledRecord(rest)
			}
			break
		}

		wg.Add(1)
		go func(t targets.Target) {
			defer wg.Done()
			defer sem.Release(1)
			done <- o.scanTarget(ctx, t, creds, rules)
		}(t)
	}
	wg.Wait()
	o.log.Info("scan finished")
}

func cancelledRecord(t targets.Target) Record {
	rec := Record{
		IP:              t.IP,
		Hostname:        t.Hostname,
		ResponsivePorts: []int{},
		StartedAt:       time.Now(),
	}
	rec.DeviceID = DeviceID(t.IP, t.Hostname, "")
	rec.setError(ErrCancelled)
	return rec
}

// scanTarget runs the pipeline for t under its own ceiling. The work
// context is detached from scan cancellation so in-flight targets get
// the grace period before they are cut off.
func (o *Orchestrator) scanTarget(ctx context.Context, t targets.Target, creds *Credentials, rules *fingerprint.RuleSet) Record {
	start := time.Now()
	base := Record{
		IP:              t.IP,
		Hostname:        t.Hostname,
		ResponsivePorts: []int{},
		StartedAt:       start,
	}

	detached, abort := context.WithCancelCause(context.WithoutCancel(ctx))
	defer abort(nil)
	work, cancel := context.WithTimeoutCause(detached, o.opts.TargetTimeout, ErrTargetTimeout)
	defer cancel()

	var grace graceTimer
	stop := context.AfterFunc(ctx, func() {
		if o.opts.Grace == 0 {
			abort(ErrCancelled)
			return
		}
		grace.start(o.opts.Grace, func() { abort(ErrCancelled) })
	})
	defer func() {
		stop()
		grace.release()
	}()

	result := make(chan Record, 1)
	go func() { result <- o.pipeline(work, t, creds, rules, base) }()

	var rec Record
	select {
	case rec = <-result:
	case <-work.Done():
		rec = base
		rec.setError(context.Cause(work))
		o.log.WithField("target", t.IP).WithError(rec.Err).Debug("target aborted")
	}

	rec.DeviceID = DeviceID(rec.IP, rec.Hostname, rec.SysName)
	rec.DurationMS = time.Since(start).Milliseconds()
	return rec
}

// graceTimer is the deadline armed when a scan is cancelled while a
// target is in flight. release stops a pending timer and disarms start,
// so a target that finishes early leaves nothing running.
type graceTimer struct {
	mu       sync.Mutex
	timer    *time.Timer
	released bool
}

func (g *graceTimer) start(d time.Duration, f func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released || g.timer != nil {
		return
	}
	g.timer = time.AfterFunc(d, f)
}

func (g *graceTimer) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
	if g.timer != nil {
		g.timer.Stop()
	}
}

func (o *Orchestrator) pipeline(ctx context.Context, t targets.Target, creds *Credentials, rules *fingerprint.RuleSet, rec Record) Record {
	log := o.log.WithField("target", t.IP)

	pr := o.prober.Probe(ctx, t.IP, o.opts.Ports, o.opts.TCPTimeout)
	if pr.ResponsivePorts != nil {
		rec.ResponsivePorts = pr.ResponsivePorts
	}
	if !pr.Reachable {
		if ctx.Err() != nil {
			rec.setError(context.Cause(ctx))
			return rec
		}
		log.Debug("unreachable")
		return rec
	}
	rec.Reachable = true

	attrs, err := o.negotiator.Negotiate(ctx, t, creds, rules)
	if err != nil {
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		log.WithError(err).Debug("negotiation failed")
		rec.setError(err)
		rec.applyVerdict(unknownVerdict, fingerprint.Fields{})
		return rec
	}
	attrs.Reachable = true
	rec.applyAttributes(attrs, o.opts.Raw)

	verdict := fingerprint.Classify(attrs, rules)
	rec.applyVerdict(verdict, fingerprint.Extract(attrs, verdict, rules))
	log.WithFields(logrus.Fields{
		"vendor":     verdict.Vendor,
		"confidence": verdict.Confidence,
		"method":     verdict.Method,
	}).Debug("classified")
	return rec
}

// Report is the assembled result of a scan.
type Report struct {
	Records    []Record  `json:"records"`
	Summary    Summary   `json:"summary"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Run scans list and assembles a Report ordered like list. onProgress,
// if non-nil, is called from a collecting goroutine.
func (o *Orchestrator) Run(ctx context.Context, list []targets.Target, creds *Credentials, rules *fingerprint.RuleSet, onProgress func(Progress)) *Report {
	return o.Start(ctx, list, creds, rules).Collect(nil, onProgress)
}

// Collect drains s into a Report ordered like the target list. onRecord
// sees each record in completion order; onProgress sees progress
// updates from a separate goroutine. Either may be nil.
func (s *Scan) Collect(onRecord func(Record), onProgress func(Progress)) *Report {
	rep := &Report{StartedAt: s.started}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for p := range s.Progress {
			if onProgress != nil {
				onProgress(p)
			}
		}
	}()

	rep.Records = make([]Record, 0, len(s.list))
	for rec := range s.Records {
		if onRecord != nil {
			onRecord(rec)
		}
		rep.Records = append(rep.Records, rec)
	}
	wg.Wait()

	order := make(map[string]int, len(s.list))
	for i, t := range s.list {
		if _, ok := order[t.IP]; !ok {
			order[t.IP] = i
		}
	}
	sort.SliceStable(rep.Records, func(i, j int) bool {
		return order[rep.Records[i].IP] < order[rep.Records[j].IP]
	})

	rep.FinishedAt = time.Now()
	rep.Summary = Summarize(rep.Records)
	return rep
}

// Package queue implements C4, the Request Queue: a FIFO of pending
// inspect links with per-client admission counters and a concurrency
// ceiling that tracks the fleet's ready count and the proxy pool's
// capacity.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/inspect-gateway/internal/apierr"
	"github.com/user/inspect-gateway/internal/upstream"
)

// ErrNoBotsAvailable is returned by a Handler when the dispatcher found no
// session at the moment of the attempt. It is never counted against a
// QueueEntry's attempts (spec.md §4.4 "Drain step").
var ErrNoBotsAvailable = errors.New("queue: no bots available")

var (
	ErrSteamOffline = errors.New("queue: no ready session")
	ErrMaxRequests  = errors.New("queue: per-client cap exceeded")
	ErrMaxQueueSize = errors.New("queue: queue cap exceeded")
)

// LinkRequest is one resolved inspect link, either from the single-link GET
// surface or one entry of a /bulk body.
type LinkRequest struct {
	Owner     string // "s" value; empty for market links
	AssetID   string
	D         string
	Market    string // "m" value; empty for owner links
	Price     *int64
	PriceKey  string
}

// Slot holds one link's eventual outcome.
type Slot struct {
	Link     LinkRequest
	Item     *upstream.NormalizedItem
	Err      *apierr.Error
	resolved bool
}

// Job is a batch of one or more links submitted together (a bare GET / is a
// Job of one link). RequestID stamps every slot's log lines with a single
// correlatable value, the way a submission-wide trace ID would.
type Job struct {
	mu        sync.Mutex
	RequestID string
	Slots     []*Slot
	remaining int
	done      chan struct{}
}

// NewJob builds a Job with one unresolved Slot per link and a fresh
// RequestID.
func NewJob(links []LinkRequest) *Job {
	slots := make([]*Slot, len(links))
	for i, l := range links {
		slots[i] = &Slot{Link: l}
	}
	return &Job{
		RequestID: uuid.New().String(),
		Slots:     slots,
		remaining: len(links),
		done:      make(chan struct{}),
	}
}

// Wait blocks until every slot in the job has resolved or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) resolve(i int, item *upstream.NormalizedItem, err *apierr.Error) {
	j.mu.Lock()
	if j.Slots[i].resolved {
		j.mu.Unlock()
		return
	}
	j.Slots[i].Item = item
	j.Slots[i].Err = err
	j.Slots[i].resolved = true
	j.remaining--
	done := j.remaining == 0
	j.mu.Unlock()
	if done {
		close(j.done)
	}
}

// QueueEntry is one link awaiting dispatch. RequestID is copied from the
// parent Job so a single entry's log lines can be grepped without holding a
// reference to the Job itself.
type QueueEntry struct {
	Job       *Job
	RequestID string
	LinkIndex int
	IP        string
	Attempts  int
}

// Handler resolves a single link. A non-nil error wrapping
// ErrNoBotsAvailable is a free retry; any other error counts as a charged
// attempt (spec.md §4.5, §7).
type Handler func(ctx context.Context, link LinkRequest) (upstream.NormalizedItem, time.Duration, error)

// Config tunes queue behavior.
type Config struct {
	MaxAttempts    int
	SizingInterval time.Duration // concurrency recompute period, 50ms
}

// DefaultConfig matches spec.md's stated timings.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, SizingInterval: 50 * time.Millisecond}
}

// Queue is C4.
type Queue struct {
	mu          sync.Mutex
	entries     []*QueueEntry
	users       map[string]int
	processing  int
	concurrency int
	running     bool

	cfg              Config
	readyCountFn     func() int
	maxConcurrencyFn func() int // nil when no proxy pool exists
	canAcceptFn      func() bool
	handler          Handler

	stopCh chan struct{}
}

// New builds a Queue. maxConcurrencyFn and canAcceptFn may be nil when no
// proxy pool is configured, per spec.md §4.4.
func New(cfg Config, readyCountFn func() int, maxConcurrencyFn func() int, canAcceptFn func() bool, handler Handler) *Queue {
	return &Queue{
		users:            make(map[string]int),
		cfg:              cfg,
		readyCountFn:     readyCountFn,
		maxConcurrencyFn: maxConcurrencyFn,
		canAcceptFn:      canAcceptFn,
		handler:          handler,
		stopCh:           make(chan struct{}),
	}
}

// Start begins the 50ms concurrency-sizing loop and marks the queue
// running.
func (q *Queue) Start() {
	q.mu.Lock()
	q.running = true
	q.mu.Unlock()

	go func() {
		ticker := time.NewTicker(q.cfg.SizingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stopCh:
				return
			case <-ticker.C:
				q.resize()
			}
		}
	}()
}

func (q *Queue) resize() {
	ready := q.readyCountFn()
	newConc := ready
	if q.maxConcurrencyFn != nil {
		max := q.maxConcurrencyFn()
		if max < newConc {
			newConc = max
		}
	}

	q.mu.Lock()
	old := q.concurrency
	q.concurrency = newConc
	q.mu.Unlock()

	for i := old; i < newConc; i++ {
		q.kick()
	}
}

// Stop halts the sizing loop. Already-running handlers finish naturally.
func (q *Queue) Stop() { close(q.stopCh) }

// AddJob pushes every link of job as a QueueEntry with attempts=0,
// increments the per-client counter once per link, and kicks the drain
// loop (spec.md §4.4 "Enqueue").
func (q *Queue) AddJob(job *Job, ip string) {
	q.mu.Lock()
	for i := range job.Slots {
		q.entries = append(q.entries, &QueueEntry{Job: job, RequestID: job.RequestID, LinkIndex: i, IP: ip})
		q.users[ip]++
	}
	q.mu.Unlock()
	slog.Debug("queue: job enqueued", "request_id", job.RequestID, "links", len(job.Slots), "ip", ip)
	q.kick()
}

func (q *Queue) kick() { go q.checkQueue() }

// checkQueue drains as many entries as the current concurrency ceiling and
// pool admission allow, in one pass.
func (q *Queue) checkQueue() {
	for {
		q.mu.Lock()
		if !q.running || len(q.entries) == 0 || q.processing >= q.concurrency {
			q.mu.Unlock()
			return
		}
		if q.canAcceptFn != nil && !q.canAcceptFn() {
			q.mu.Unlock()
			return
		}
		e := q.entries[0]
		q.entries = q.entries[1:]
		q.processing++
		q.mu.Unlock()

		go q.runEntry(e)
	}
}

func (q *Queue) runEntry(e *QueueEntry) {
	item, delay, err := q.handler(context.Background(), e.Job.Slots[e.LinkIndex].Link)

	if err == nil {
		q.mu.Lock()
		q.users[e.IP]--
		q.mu.Unlock()
		e.Job.resolve(e.LinkIndex, &item, nil)

		time.Sleep(delay)

		q.mu.Lock()
		q.processing--
		q.mu.Unlock()
		q.kick()
		return
	}

	if errors.Is(err, ErrNoBotsAvailable) {
		// Not counted as an attempt; re-queued at the head without touching
		// users[ip] (spec.md §9 open question (b)).
		q.mu.Lock()
		q.processing--
		q.entries = append([]*QueueEntry{e}, q.entries...)
		q.mu.Unlock()
		q.kick()
		return
	}

	e.Attempts++
	if e.Attempts >= q.cfg.MaxAttempts {
		q.mu.Lock()
		q.users[e.IP]--
		q.processing--
		q.mu.Unlock()
		slog.Warn("queue: link exhausted its attempt budget", "request_id", e.RequestID, "attempts", e.Attempts, "error", err)
		e.Job.resolve(e.LinkIndex, nil, apierr.New(apierr.KindTTLExceeded, err.Error()))
		q.kick()
		return
	}

	// Charged, non-terminal failure: requeue at the head (retries jump the
	// queue), leave users[ip] charged since the job is still in flight.
	q.mu.Lock()
	q.processing--
	q.entries = append([]*QueueEntry{e}, q.entries...)
	q.mu.Unlock()
	q.kick()
}

// Size is the current queue depth.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Concurrency is the current drain ceiling.
func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

// UsersCount is the in-flight link count charged to ip.
func (q *Queue) UsersCount(ip string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.users[ip]
}

// CheckAdmission implements spec.md §4.4 "Admission", evaluated by the HTTP
// surface before a submission is enqueued.
func (q *Queue) CheckAdmission(ip string, remaining, maxSimultaneousRequests, maxQueueSize int) error {
	if q.readyCountFn() == 0 {
		return ErrSteamOffline
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxSimultaneousRequests > 0 && q.users[ip]+remaining > maxSimultaneousRequests {
		return ErrMaxRequests
	}
	if maxQueueSize > 0 && len(q.entries)+remaining > maxQueueSize {
		return ErrMaxQueueSize
	}
	return nil
}

// Package scheduler owns the crawl frontier: a priority queue of URLs with
// not-before eligibility and freshness-driven recrawl scheduling.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/harvestio/harvester/internal/crawler"
)

// Entry is one frontier item awaiting dispatch.
type Entry struct {
	URL       string
	Depth     int
	Priority  float64
	NotBefore time.Time

	seq   uint64
	index int
}

// readyQueue orders dispatchable entries: priority descending, then
// not-before ascending, then discovery order so equal entries stay FIFO.
type readyQueue []*Entry

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	if !q[i].NotBefore.Equal(q[j].NotBefore) {
		return q[i].NotBefore.Before(q[j].NotBefore)
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	e := x.(*Entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// waitQueue orders not-yet-eligible entries by wake time.
type waitQueue []*Entry

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if !q[i].NotBefore.Equal(q[j].NotBefore) {
		return q[i].NotBefore.Before(q[j].NotBefore)
	}
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	e := x.(*Entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Config bounds the frontier.
type Config struct {
	// MaxDepth drops enqueues deeper than this. Zero means seeds only.
	MaxDepth int
	// MaxPages caps accepted enqueues for the run. Zero means unbounded.
	MaxPages int
}

// Frontier is a concurrency-safe crawl frontier. Dispatched entries are
// tracked as outstanding until MarkDone, so Next can tell "temporarily empty
// while workers may still discover links" from "drained".
type Frontier struct {
	cfg   Config
	clock crawler.Clock

	mu          sync.Mutex
	cond        *sync.Cond
	ready       readyQueue
	waiting     waitQueue
	seq         uint64
	accepted    int
	outstanding int
	closed      bool
	wakeTimer   *time.Timer
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// New builds an empty Frontier.
func New(cfg Config, clock crawler.Clock) *Frontier {
	if clock == nil {
		clock = wallClock{}
	}
	f := &Frontier{cfg: cfg, clock: clock}
	f.cond = sync.NewCond(&f.mu)
	heap.Init(&f.ready)
	heap.Init(&f.waiting)
	return f
}

// Enqueue adds a URL eligible immediately. It reports whether the entry was
// accepted: entries beyond the depth bound or the page budget are dropped.
func (f *Frontier) Enqueue(url string, depth int, priority float64) bool {
	return f.EnqueueAt(url, depth, priority, time.Time{})
}

// EnqueueAt adds a URL that becomes eligible at notBefore. A zero notBefore
// means immediately.
func (f *Frontier) EnqueueAt(url string, depth int, priority float64, notBefore time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	if depth > f.cfg.MaxDepth {
		return false
	}
	if f.cfg.MaxPages > 0 && f.accepted >= f.cfg.MaxPages {
		return false
	}
	f.accepted++
	f.outstanding++
	f.seq++
	e := &Entry{URL: url, Depth: depth, Priority: priority, NotBefore: notBefore, seq: f.seq}
	if notBefore.IsZero() || !notBefore.After(f.clock.Now()) {
		heap.Push(&f.ready, e)
	} else {
		heap.Push(&f.waiting, e)
	}
	f.cond.Broadcast()
	return true
}

// Next blocks until an eligible entry is available and returns it. It
// returns ok=false when the frontier is drained (no queued entries and no
// outstanding dispatches), closed, or ctx ends.
func (f *Frontier) Next(ctx context.Context) (Entry, bool) {
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return Entry{}, false
		}
		f.promoteLocked()
		if f.ready.Len() > 0 {
			e := heap.Pop(&f.ready).(*Entry)
			return *e, true
		}
		if f.closed {
			return Entry{}, false
		}
		if f.waiting.Len() == 0 && f.outstanding == 0 {
			return Entry{}, false
		}
		if f.waiting.Len() > 0 {
			f.armWakeLocked(f.waiting[0].NotBefore)
		}
		f.cond.Wait()
	}
}

// promoteLocked moves entries whose not-before has passed into the ready
// queue. Caller holds f.mu.
func (f *Frontier) promoteLocked() {
	now := f.clock.Now()
	for f.waiting.Len() > 0 && !f.waiting[0].NotBefore.After(now) {
		e := heap.Pop(&f.waiting).(*Entry)
		heap.Push(&f.ready, e)
	}
}

// armWakeLocked schedules a broadcast at the earliest not-before so waiters
// re-check eligibility. Caller holds f.mu.
func (f *Frontier) armWakeLocked(at time.Time) {
	d := at.Sub(f.clock.Now())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	if f.wakeTimer != nil {
		f.wakeTimer.Stop()
	}
	f.wakeTimer = time.AfterFunc(d, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
}

// MarkDone reports one dispatched entry as terminally handled. When the last
// outstanding entry completes with nothing queued, blocked Next callers
// return drained.
func (f *Frontier) MarkDone() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outstanding > 0 {
		f.outstanding--
	}
	if f.outstanding == 0 {
		f.cond.Broadcast()
	}
}

// Close drops queued entries and wakes all blocked Next callers.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	if f.wakeTimer != nil {
		f.wakeTimer.Stop()
	}
	f.cond.Broadcast()
}

// Len returns the number of queued (not yet dispatched) entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready.Len() + f.waiting.Len()
}

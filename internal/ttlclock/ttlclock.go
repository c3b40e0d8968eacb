// Package ttlclock implements the connection-gated logical clock that
// drives query-TTL eviction (spec.md §4.7). Its single-shot timer arming
// is generalized from the teacher's internal/storage/scheduler.go
// Scheduler, which likewise keeps one robfig/cron/v3 entry active per
// pending job and re-arms it as the job set changes, rather than polling.
package ttlclock

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// TTLTimerHysteresis bounds the minimum delay before re-arming the
	// eviction timer, avoiding a thundering herd of near-simultaneous
	// re-arms when many queries expire close together (spec.md §4.7).
	TTLTimerHysteresis = 2 * time.Second

	// MaxTTLMillis bounds how far in the future a single timer may be
	// armed; queries with TTLs beyond this are re-checked at this bound
	// rather than held in an arbitrarily long-sleeping timer.
	MaxTTLMillis = 10 * time.Minute
)

// Clock is the connection-gated logical clock: it only advances while at
// least one client is connected (spec.md §4.7). Its value lives only in
// memory: it is not stored in the CVR record, so a new Clock starts from
// the value passed to New.
type Clock struct {
	mu        sync.Mutex
	value     int64
	connected int
	lastTick  time.Time
}

func New(initial int64) *Clock {
	return &Clock{value: initial, lastTick: time.Now()}
}

// Connect marks one more client connected, resuming clock accrual.
func (c *Clock) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrueLocked()
	c.connected++
}

// Disconnect marks one client disconnected; the clock stops accruing once
// the last client leaves.
func (c *Clock) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrueLocked()
	if c.connected > 0 {
		c.connected--
	}
}

// Read returns the current logical value, first accruing elapsed
// wall-clock time if any client is connected.
func (c *Clock) Read() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accrueLocked()
	return c.value
}

// Write sets the clock to an explicit value.
func (c *Clock) Write(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	c.lastTick = time.Now()
}

func (c *Clock) accrueLocked() {
	if c.connected == 0 {
		c.lastTick = time.Now()
		return
	}
	elapsed := time.Since(c.lastTick).Milliseconds()
	c.value += elapsed
	c.lastTick = c.lastTick.Add(time.Duration(elapsed) * time.Millisecond)
}

// EvictionFunc is invoked with the hash of a query whose TTL has elapsed.
type EvictionFunc func(queryHash string)

// Scheduler arms a single-shot timer for the nearest upcoming query
// expiration, re-arming as queries are added, removed, or as the nearest
// deadline changes (spec.md §4.7). It is a thin adapter over
// robfig/cron/v3's Cron: the timer is a cron.Every entry, and that entry is
// removed and replaced each time it fires or the deadline set changes, so
// at most one entry is live at a time.
type Scheduler struct {
	mu       sync.Mutex
	cron     *cron.Cron
	clock    *Clock
	deadline map[string]int64 // queryHash -> ttlClock value at which it expires
	entry    cron.EntryID
	armedFor string
	onEvict  EvictionFunc
}

func NewScheduler(clock *Clock, onEvict EvictionFunc) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		clock:    clock,
		deadline: map[string]int64{},
		onEvict:  onEvict,
	}
}

func (s *Scheduler) Start() { s.cron.Start() }
func (s *Scheduler) Stop()  { s.cron.Stop() }

// SetDeadline registers or updates the ttlClock deadline for queryHash and
// re-arms the timer if this is now the nearest deadline.
func (s *Scheduler) SetDeadline(queryHash string, ttlClockDeadline int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline[queryHash] = ttlClockDeadline
	s.rearmLocked()
}

// Cancel removes queryHash's deadline, re-arming against the next nearest
// one if it was the currently armed target.
func (s *Scheduler) Cancel(queryHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadline, queryHash)
	s.rearmLocked()
}

func (s *Scheduler) rearmLocked() {
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	nearestHash, nearestDeadline, ok := s.nearestLocked()
	if !ok {
		return
	}
	delayMs := nearestDeadline - s.clock.Read()
	delay := scheduleDelay(delayMs)
	s.armedFor = nearestHash
	s.entry = s.cron.Schedule(cron.Every(delay), cron.FuncJob(func() {
		s.fire(nearestHash)
	}))
}

// scheduleDelay clamps a raw millisecond delay into
// [TTLTimerHysteresis, MaxTTLMillis], per spec.md §4.7's
// max(hysteresis, min(delta+hysteresis, maxTTL)) formula.
func scheduleDelay(deltaMs int64) time.Duration {
	delta := time.Duration(deltaMs) * time.Millisecond
	candidate := delta + TTLTimerHysteresis
	if candidate > MaxTTLMillis {
		candidate = MaxTTLMillis
	}
	if candidate < TTLTimerHysteresis {
		candidate = TTLTimerHysteresis
	}
	return candidate
}

func (s *Scheduler) nearestLocked() (string, int64, bool) {
	var (
		bestHash string
		best     int64
		found    bool
	)
	for hash, d := range s.deadline {
		if !found || d < best {
			bestHash, best, found = hash, d, true
		}
	}
	return bestHash, best, found
}

func (s *Scheduler) fire(queryHash string) {
	s.mu.Lock()
	if s.clock.Read() < s.deadline[queryHash] {
		// Fired early due to hysteresis clamping; re-arm for the real
		// remaining delay instead of evicting prematurely.
		s.rearmLocked()
		s.mu.Unlock()
		return
	}
	delete(s.deadline, queryHash)
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	s.rearmLocked()
	s.mu.Unlock()

	if s.onEvict != nil {
		s.onEvict(queryHash)
	}
}

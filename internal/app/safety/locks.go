package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/bastion/errs"
	"github.com/coachpo/bastion/internal/domain/schema"
)

// Lock timings.
const (
	DefaultLockTimeout  = 10 * time.Second
	DefaultLockCooldown = 30 * time.Second
)

type lockEntry struct {
	inFlight  bool
	holder    uint64
	started   time.Time
	completed time.Time
}

// Release ends an operation taken with Acquire. changed reports whether the
// operation altered the position; only then does the cooldown start.
type Release func(changed bool)

// OperationLocks serialises state-changing operations per symbol. A held lock
// older than Timeout is considered abandoned. An open, update or flip that
// changed the position blocks further ones on the same symbol for Cooldown;
// exits only wait for the in-flight operation.
type OperationLocks struct {
	Timeout  time.Duration
	Cooldown time.Duration
	clock    func() time.Time
	mu       sync.Mutex
	seq      uint64
	entries  map[string]*lockEntry
}

// NewOperationLocks builds the lock table. A nil clock uses time.Now.
func NewOperationLocks(timeout, cooldown time.Duration, clock func() time.Time) *OperationLocks {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if cooldown < 0 {
		cooldown = 0
	}
	if clock == nil {
		clock = time.Now
	}
	return &OperationLocks{Timeout: timeout, Cooldown: cooldown, clock: clock, mu: sync.Mutex{}, seq: 0, entries: make(map[string]*lockEntry)}
}

// Acquire takes the lock for an open, update or flip on symbol. It fails while
// another operation is in flight or the symbol is cooling down.
func (l *OperationLocks) Acquire(symbol string) (Release, error) {
	return l.acquire(symbol, true)
}

// AcquireExit takes the lock for a risk-reducing close. It waits out no
// cooldown and starts none.
func (l *OperationLocks) AcquireExit(symbol string) (Release, error) {
	return l.acquire(symbol, false)
}

func (l *OperationLocks) acquire(symbol string, cooled bool) (Release, error) {
	symbol = schema.NormalizeSymbol(symbol)
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[symbol]
	if !ok {
		entry = &lockEntry{}
		l.entries[symbol] = entry
	}
	if entry.inFlight && now.Sub(entry.started) < l.Timeout {
		return nil, errs.Rejected("lock", fmt.Sprintf("%s: another operation is in progress", symbol), errs.WithSymbol(symbol))
	}
	if cooled && !entry.inFlight && !entry.completed.IsZero() && now.Sub(entry.completed) < l.Cooldown {
		wait := l.Cooldown - now.Sub(entry.completed)
		return nil, errs.Rejected("lock", fmt.Sprintf("%s: cooling down for %s after the last operation", symbol, wait.Round(time.Second)), errs.WithSymbol(symbol))
	}
	l.seq++
	holder := l.seq
	entry.inFlight = true
	entry.holder = holder
	entry.started = now
	var once sync.Once
	return func(changed bool) {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			e, ok := l.entries[symbol]
			if !ok || e.holder != holder {
				return
			}
			e.inFlight = false
			if cooled && changed {
				e.completed = l.clock()
			}
		})
	}, nil
}

// Busy reports whether symbol is locked or cooling down.
func (l *OperationLocks) Busy(symbol string) bool {
	symbol = schema.NormalizeSymbol(symbol)
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[symbol]
	if !ok {
		return false
	}
	if entry.inFlight {
		return now.Sub(entry.started) < l.Timeout
	}
	return !entry.completed.IsZero() && now.Sub(entry.completed) < l.Cooldown
}

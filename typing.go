package threadsync

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingWindow is how long a typing indicator lives without a refresh.
const DefaultTypingWindow = 3 * time.Second

type stopper interface{ Stop() bool }

// timerFunc schedules f after d, like time.AfterFunc.
type timerFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }

type typingKey struct{ thread, user string }

type typingTimer struct {
	timer stopper
	gen   uint64
}

// TypingTracker keeps, per thread, the set of other users currently typing.
// Each (thread, user) pair expires after the window unless refreshed.
type TypingTracker struct {
	mu       sync.Mutex
	window   time.Duration
	self     func() string
	after    timerFunc
	gen      uint64
	users    map[string]map[string]struct{}
	timers   map[typingKey]typingTimer
	onChange func()
}

// NewTypingTracker creates a tracker. self returns the local user id, whose
// events are ignored.
func NewTypingTracker(self func() string, window time.Duration) *TypingTracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if self == nil {
		self = func() string { return "" }
	}
	return &TypingTracker{
		window: window,
		self:   self,
		after:  realAfterFunc,
		users:  make(map[string]map[string]struct{}),
		timers: make(map[typingKey]typingTimer),
	}
}

// OnChange sets the callback run whenever a typing set changes, including on expiry.
func (t *TypingTracker) OnChange(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Typing records that userID is typing in threadID and (re)starts its expiry
// window. A refresh cancels the previous timer for the same pair.
func (t *TypingTracker) Typing(threadID, userID string) bool {
	key := typingKey{NormalizeID(threadID), NormalizeID(userID)}
	if key.thread == "" || key.user == "" || SameID(key.user, t.self()) {
		return false
	}

	t.mu.Lock()
	if prev, ok := t.timers[key]; ok {
		prev.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timers[key] = typingTimer{
		timer: t.after(t.window, func() { t.expire(key, gen) }),
		gen:   gen,
	}
	set := t.users[key.thread]
	if set == nil {
		set = make(map[string]struct{})
		t.users[key.thread] = set
	}
	_, already := set[key.user]
	set[key.user] = struct{}{}
	cb := t.onChange
	t.mu.Unlock()

	if !already && cb != nil {
		cb()
	}
	return !already
}

// Stop removes userID from threadID's typing set immediately.
func (t *TypingTracker) Stop(threadID, userID string) bool {
	key := typingKey{NormalizeID(threadID), NormalizeID(userID)}
	t.mu.Lock()
	if prev, ok := t.timers[key]; ok {
		prev.timer.Stop()
	}
	removed := t.remove(key)
	cb := t.onChange
	t.mu.Unlock()
	if removed && cb != nil {
		cb()
	}
	return removed
}

// expire fires from a timer. A timer superseded by a refresh carries a stale
// generation and does nothing, even if Stop came too late to prevent it firing.
func (t *TypingTracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	cur, ok := t.timers[key]
	if !ok || cur.gen != gen {
		t.mu.Unlock()
		return
	}
	removed := t.remove(key)
	cb := t.onChange
	t.mu.Unlock()
	if removed && cb != nil {
		cb()
	}
}

// remove must be called with t.mu held.
func (t *TypingTracker) remove(key typingKey) bool {
	delete(t.timers, key)
	set, ok := t.users[key.thread]
	if !ok {
		return false
	}
	if _, ok := set[key.user]; !ok {
		return false
	}
	delete(set, key.user)
	if len(set) == 0 {
		delete(t.users, key.thread)
	}
	return true
}

// Users returns the sorted ids typing in threadID.
func (t *TypingTracker) Users(threadID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedSet(t.users[NormalizeID(threadID)])
}

// Snapshot returns every non-empty typing set.
func (t *TypingTracker) Snapshot() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]string, len(t.users))
	for thread, set := range t.users {
		out[thread] = sortedSet(set)
	}
	return out
}

// Reset cancels every timer and clears all typing sets.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	for _, tt := range t.timers {
		tt.timer.Stop()
	}
	t.timers = make(map[typingKey]typingTimer)
	hadUsers := len(t.users) > 0
	t.users = make(map[string]map[string]struct{})
	cb := t.onChange
	t.mu.Unlock()
	if hadUsers && cb != nil {
		cb()
	}
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

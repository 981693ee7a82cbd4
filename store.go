package threadsync

import (
	"sync"
)

// ============================================================================
// Store
// ============================================================================

// Store holds threads, per-thread message buckets and cursors. Every mutation
// replaces the affected collection under the lock, so readers never observe a
// half-applied update. Listeners run after the lock is released.
type Store struct {
	mu        sync.RWMutex
	threads   []Thread
	buckets   map[string][]Message
	cursors   map[string]Cursors
	active    string
	lastError string

	emitter changeEmitter
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		buckets: make(map[string][]Message),
		cursors: make(map[string]Cursors),
	}
}

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	Threads        []Thread
	Messages       map[string][]Message
	Cursors        map[string]Cursors
	ActiveThreadID string
	LastError      string
}

// Snapshot copies the whole store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Threads:        append([]Thread(nil), s.threads...),
		Messages:       make(map[string][]Message, len(s.buckets)),
		Cursors:        make(map[string]Cursors, len(s.cursors)),
		ActiveThreadID: s.active,
		LastError:      s.lastError,
	}
	for k, v := range s.buckets {
		snap.Messages[k] = append([]Message(nil), v...)
	}
	for k, v := range s.cursors {
		snap.Cursors[k] = v
	}
	return snap
}

// Subscribe registers fn to run after every mutation.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	return s.emitter.add(fn)
}

func (s *Store) changed() { s.emitter.emit() }

// ── Threads ──────────────────────────────────────────────

// MergeThreads reconciles incoming threads into the list. It never removes threads.
func (s *Store) MergeThreads(incoming []Thread) {
	s.mu.Lock()
	s.threads = MergeThreads(s.threads, incoming)
	s.mu.Unlock()
	s.changed()
}

func (s *Store) Threads() []Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Thread(nil), s.threads...)
}

func (s *Store) Thread(threadID string) (Thread, bool) {
	key := NormalizeID(threadID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.threads {
		if NormalizeID(t.ID) == key {
			return t, true
		}
	}
	return Thread{}, false
}

// ReplaceThread swaps the entry with the same id for t wholesale, without merging.
func (s *Store) ReplaceThread(t Thread) {
	key := NormalizeID(t.ID)
	if key == "" {
		return
	}
	s.mu.Lock()
	next := make([]Thread, 0, len(s.threads)+1)
	found := false
	for _, existing := range s.threads {
		if NormalizeID(existing.ID) == key {
			next = append(next, t)
			found = true
			continue
		}
		next = append(next, existing)
	}
	if !found {
		next = append(next, t)
	}
	s.threads = next
	s.mu.Unlock()
	s.changed()
}

// ── Messages ─────────────────────────────────────────────

// MergeMessages merges msgs into the thread's bucket and re-sorts it. The
// bucket is created even when msgs is empty, which marks the thread as loaded.
func (s *Store) MergeMessages(threadID string, msgs []Message) {
	key := NormalizeID(threadID)
	if key == "" {
		return
	}
	s.mu.Lock()
	s.buckets[key] = MergeMessages(s.buckets[key], msgs)
	s.mu.Unlock()
	s.changed()
}

// CommitMessage atomically drops the optimistic entry tempID and merges the
// confirmed message into the same bucket.
func (s *Store) CommitMessage(threadID, tempID string, confirmed Message) {
	key := NormalizeID(threadID)
	if key == "" {
		return
	}
	s.mu.Lock()
	s.buckets[key] = MergeMessages(withoutMessage(s.buckets[key], tempID), []Message{confirmed})
	s.mu.Unlock()
	s.changed()
}

// RemoveMessage removes the message with exactly messageID from the bucket.
// It returns the removed message.
func (s *Store) RemoveMessage(threadID, messageID string) (Message, bool) {
	key := NormalizeID(threadID)
	s.mu.Lock()
	bucket, ok := s.buckets[key]
	if !ok {
		s.mu.Unlock()
		return Message{}, false
	}
	var removed Message
	found := false
	for _, m := range bucket {
		if SameID(m.ID, messageID) {
			removed, found = m, true
			break
		}
	}
	if found {
		s.buckets[key] = withoutMessage(bucket, messageID)
	}
	s.mu.Unlock()
	if found {
		s.changed()
	}
	return removed, found
}

// UpdateMessage applies fn to a copy of the message and stores the result.
// fn returns false to leave the bucket untouched.
func (s *Store) UpdateMessage(threadID, messageID string, fn func(*Message) bool) bool {
	key := NormalizeID(threadID)
	s.mu.Lock()
	bucket := s.buckets[key]
	idx := -1
	for i, m := range bucket {
		if SameID(m.ID, messageID) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	m := bucket[idx]
	if !fn(&m) {
		s.mu.Unlock()
		return false
	}
	next := append([]Message(nil), bucket...)
	next[idx] = m
	s.buckets[key] = next
	s.mu.Unlock()
	s.changed()
	return true
}

// Bucket returns a copy of the thread's messages in ascending CreatedAt order.
func (s *Store) Bucket(threadID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.buckets[NormalizeID(threadID)]...)
}

// HasBucket reports whether messages were ever loaded for the thread.
func (s *Store) HasBucket(threadID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[NormalizeID(threadID)]
	return ok
}

// FindMessageThread locates the bucket holding messageID.
func (s *Store) FindMessageThread(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for threadID, bucket := range s.buckets {
		for _, m := range bucket {
			if SameID(m.ID, messageID) {
				return threadID, true
			}
		}
	}
	return "", false
}

func withoutMessage(bucket []Message, messageID string) []Message {
	out := make([]Message, 0, len(bucket))
	for _, m := range bucket {
		if SameID(m.ID, messageID) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ── Cursors ──────────────────────────────────────────────

// SetCursors replaces the thread's cursor pair wholesale.
func (s *Store) SetCursors(threadID string, c Cursors) {
	key := NormalizeID(threadID)
	if key == "" {
		return
	}
	s.mu.Lock()
	s.cursors[key] = c
	s.mu.Unlock()
	s.changed()
}

// Cursors returns the thread's cursor pair; both nil when never fetched.
func (s *Store) Cursors(threadID string) Cursors {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[NormalizeID(threadID)]
}

// ── Session fields ───────────────────────────────────────

func (s *Store) SetActiveThread(threadID string) {
	s.mu.Lock()
	s.active = NormalizeID(threadID)
	s.mu.Unlock()
	s.changed()
}

func (s *Store) ActiveThread() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetError records the last operation failure. Earlier errors are overwritten.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
	s.changed()
}

func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Reset drops all state, used on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.threads = nil
	s.buckets = make(map[string][]Message)
	s.cursors = make(map[string]Cursors)
	s.active = ""
	s.lastError = ""
	s.mu.Unlock()
	s.changed()
}

// ============================================================================
// Change emitter
// ============================================================================

type changeEmitter struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func()
}

func (e *changeEmitter) add(fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[int]func())
	}
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

func (e *changeEmitter) emit() {
	e.mu.RLock()
	handlers := make([]func(), 0, len(e.listeners))
	for _, h := range e.listeners {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h()
		}()
	}
}

func (e *changeEmitter) removeAll() {
	e.mu.Lock()
	e.listeners = make(map[int]func())
	e.mu.Unlock()
}

package threadsync

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
)

// MergeByID overlays incoming onto existing, keyed by the normalized identity
// returned by key. Fields set on an incoming item win; fields it leaves empty
// keep the existing value. Output is in order of first occurrence. Items
// without an identity are dropped since a later update could never find them.
func MergeByID[T any](existing, incoming []T, key func(T) string) []T {
	index := make(map[string]int, len(existing)+len(incoming))
	out := make([]T, 0, len(existing)+len(incoming))

	put := func(item T) {
		k := NormalizeID(key(item))
		if k == "" {
			return
		}
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, item)
			return
		}
		merged := out[i]
		// Pointers are replaced rather than merged through so an explicit
		// zero (e.g. unreadCount: 0) overrides a stale non-zero value.
		if err := mergo.Merge(&merged, item, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			merged = item
		}
		out[i] = merged
	}

	for _, item := range existing {
		put(item)
	}
	for _, item := range incoming {
		put(item)
	}
	return out
}

func threadKey(t Thread) string   { return t.ID }
func messageKey(m Message) string { return m.ID }

// MergeThreads reconciles two thread lists by id.
func MergeThreads(existing, incoming []Thread) []Thread {
	return MergeByID(existing, incoming, threadKey)
}

// MergeMessages reconciles two buckets by id and returns them sorted ascending by CreatedAt.
func MergeMessages(existing, incoming []Message) []Message {
	merged := MergeByID(existing, incoming, messageKey)
	SortMessages(merged)
	return merged
}

// SortMessages sorts a bucket ascending by CreatedAt, keeping arrival order for ties.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return compareTimestamps(msgs[i].CreatedAt, msgs[j].CreatedAt) < 0
	})
}

// sortThreadsByRecency orders threads by UpdatedAt, newest first.
func sortThreadsByRecency(threads []Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		return compareTimestamps(threads[i].UpdatedAt, threads[j].UpdatedAt) > 0
	})
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return epochToTime(n), true
	}
	return time.Time{}, false
}

// epochToTime accepts seconds or milliseconds since the epoch.
func epochToTime(n int64) time.Time {
	if n > 1e11 || n < -1e11 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// compareTimestamps orders two timestamps chronologically when both parse,
// and lexically otherwise.
func compareTimestamps(a, b string) int {
	ta, okA := parseTimestamp(a)
	tb, okB := parseTimestamp(b)
	if okA && okB {
		return ta.Compare(tb)
	}
	return strings.Compare(a, b)
}

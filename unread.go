package threadsync

// UnreadSummary holds per-thread and total unread counts.
type UnreadSummary struct {
	ByThread map[string]int
	Total    int
}

// ComputeUnread derives unread counts for every thread. A server-reported
// count wins whenever it is present, zero included. Otherwise the thread's
// bucket is counted: messages from someone else that myUserID has not read.
// It has no side effects and is recomputed on every state change.
func ComputeUnread(threads []Thread, messagesByThread map[string][]Message, myUserID string) UnreadSummary {
	sum := UnreadSummary{ByThread: make(map[string]int, len(threads))}
	for _, t := range threads {
		key := NormalizeID(t.ID)
		if key == "" {
			continue
		}
		n := 0
		if t.UnreadCount != nil {
			n = *t.UnreadCount
		} else {
			for _, m := range messagesByThread[key] {
				if SameID(m.SenderID, myUserID) || isReadBy(m, myUserID) {
					continue
				}
				n++
			}
		}
		sum.ByThread[key] = n
		sum.Total += n
	}
	return sum
}

func isReadBy(m Message, userID string) bool {
	if m.Read != nil && *m.Read {
		return true
	}
	for _, id := range m.ReadBy {
		if SameID(id, userID) {
			return true
		}
	}
	return false
}

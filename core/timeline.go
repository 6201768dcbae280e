package core

import (
	"sort"
	"time"
)

// DefaultCorrelationWindow bounds how far apart a pending message and its
// acknowledgement may be when they can only be matched by sender and content.
const DefaultCorrelationWindow = 10 * time.Second

type MergeResult int

const (
	MergeInvalid MergeResult = iota
	MergeInserted
	MergeReplaced
	MergeDuplicate
)

func (r MergeResult) String() string {
	switch r {
	case MergeInserted:
		return "inserted"
	case MergeReplaced:
		return "replaced"
	case MergeDuplicate:
		return "duplicate"
	default:
		return "invalid"
	}
}

// Changed reports whether the merge modified the timeline.
func (r MergeResult) Changed() bool {
	return r == MergeInserted || r == MergeReplaced
}

// Timeline is the ordered message list of one conversation. Entries are
// sorted by CreatedAt and every server id appears at most once. The seen set
// holds exactly the server ids of the entries; pending entries have none.
type Timeline struct {
	key     ConversationKey
	entries []Message
	seen    map[string]struct{}
	window  time.Duration
}

func NewTimeline(key ConversationKey, window time.Duration) *Timeline {
	if window <= 0 {
		window = DefaultCorrelationWindow
	}
	return &Timeline{
		key:    key,
		seen:   make(map[string]struct{}),
		window: window,
	}
}

func (t *Timeline) Key() ConversationKey {
	return t.key
}

func (t *Timeline) Len() int {
	return len(t.entries)
}

// Seen reports whether id has been admitted.
func (t *Timeline) Seen(id string) bool {
	_, ok := t.seen[id]
	return ok
}

// Messages returns a copy of the entries in order.
func (t *Timeline) Messages() []Message {
	out := make([]Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// Reset replaces the timeline with a history page. Pending entries survive
// the reload unless a page message acknowledges them.
func (t *Timeline) Reset(page []Message) {
	pending := make([]Message, 0)
	for _, m := range t.entries {
		if m.Pending {
			pending = append(pending, m)
		}
	}

	t.entries = make([]Message, 0, len(page)+len(pending))
	t.seen = make(map[string]struct{}, len(page))
	for _, m := range page {
		if m.ID == "" {
			continue
		}
		if _, ok := t.seen[m.ID]; ok {
			continue
		}
		m.Pending, m.Unsent = false, false
		t.seen[m.ID] = struct{}{}
		t.entries = append(t.entries, m)
	}
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].CreatedAt.Before(t.entries[j].CreatedAt)
	})

	for _, p := range pending {
		if t.acknowledgedBy(p, t.entries) {
			continue
		}
		t.insert(p)
	}
}

// AddPending appends a locally sent message that has no server id yet.
func (t *Timeline) AddPending(m Message) {
	m.ID = ""
	m.Pending = true
	t.insert(m)
}

// Merge admits a message coming from a push, an acknowledgement or a
// catch-up. Already seen ids are discarded. A pending entry matching m is
// replaced by it.
func (t *Timeline) Merge(m Message) MergeResult {
	if m.ID == "" {
		return MergeInvalid
	}
	if t.Seen(m.ID) {
		return MergeDuplicate
	}
	m.Pending, m.Unsent = false, false
	t.seen[m.ID] = struct{}{}

	if i := t.correlate(m); i >= 0 {
		if t.fits(i, m) {
			t.entries[i] = m
		} else {
			t.remove(i)
			t.insert(m)
		}
		return MergeReplaced
	}
	t.insert(m)
	return MergeInserted
}

// MarkUnsent flags the pending entry with clientID as never handed to the
// transport.
func (t *Timeline) MarkUnsent(clientID string, unsent bool) bool {
	for i := range t.entries {
		if t.entries[i].Pending && t.entries[i].ClientID == clientID {
			t.entries[i].Unsent = unsent
			return true
		}
	}
	return false
}

// Unsent returns the pending entries whose publish was dropped.
func (t *Timeline) Unsent() []Message {
	var out []Message
	for _, m := range t.entries {
		if m.Pending && m.Unsent {
			out = append(out, m)
		}
	}
	return out
}

func (t *Timeline) Pending() []Message {
	var out []Message
	for _, m := range t.entries {
		if m.Pending {
			out = append(out, m)
		}
	}
	return out
}

// correlate returns the index of the pending entry m acknowledges, or -1.
// A client id match wins; otherwise the oldest pending entry from the same
// sender with the same content inside the window matches.
func (t *Timeline) correlate(m Message) int {
	if m.ClientID != "" {
		for i, e := range t.entries {
			if e.Pending && e.ClientID == m.ClientID {
				return i
			}
		}
	}
	for i, e := range t.entries {
		if e.Pending && t.matches(e, m) {
			return i
		}
	}
	return -1
}

func (t *Timeline) acknowledgedBy(p Message, page []Message) bool {
	for _, m := range page {
		if p.ClientID != "" && m.ClientID == p.ClientID {
			return true
		}
		if t.matches(p, m) {
			return true
		}
	}
	return false
}

func (t *Timeline) matches(pending, m Message) bool {
	if pending.ClientID != "" && m.ClientID != "" && pending.ClientID != m.ClientID {
		return false
	}
	if pending.SenderID != m.SenderID || pending.Content != m.Content {
		return false
	}
	d := m.CreatedAt.Sub(pending.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= t.window
}

// fits reports whether m can take position i without breaking the order.
func (t *Timeline) fits(i int, m Message) bool {
	if i > 0 && m.CreatedAt.Before(t.entries[i-1].CreatedAt) {
		return false
	}
	if i < len(t.entries)-1 && t.entries[i+1].CreatedAt.Before(m.CreatedAt) {
		return false
	}
	return true
}

// insert places m after every entry not newer than it.
func (t *Timeline) insert(m Message) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].CreatedAt.After(m.CreatedAt)
	})
	t.entries = append(t.entries, Message{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = m
}

func (t *Timeline) remove(i int) {
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}

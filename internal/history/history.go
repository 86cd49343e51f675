// Package history keeps a bounded in-memory record of relay traffic for
// operational inspection. Each conversation holds at most limit entries;
// the set of tracked conversations is itself capped, evicting the least
// recently active conversation when full.
package history

import (
	"encoding/json"
	"sync"
	"time"
)

// Directions for logged entries.
const (
	DirectionInbound  = "inbound"  // browser -> provider
	DirectionOutbound = "outbound" // provider webhook -> browser
)

// Entry is a single logged message.
type Entry struct {
	Direction string          `json:"direction"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

// Summary describes one tracked conversation.
type Summary struct {
	ConversationID string    `json:"conversationId"`
	Entries        int       `json:"entries"`
	FirstAt        time.Time `json:"firstAt"`
	LastAt         time.Time `json:"lastAt"`
}

// conversation is a recency-list node holding one conversation's entries.
type conversation struct {
	id      string
	entries []Entry
	firstAt time.Time
	prev    *conversation
	next    *conversation
}

// Log is a thread-safe bounded history. A hash map gives O(1) conversation
// lookup; a doubly linked list keeps conversations ordered by last activity
// so eviction and Summaries are cheap.
type Log struct {
	mu           sync.Mutex
	entryLimit   int
	convLimit    int
	convs        map[string]*conversation
	head         *conversation // most recently active (sentinel)
	tail         *conversation // least recently active (sentinel)
	totalEntries int
	now          func() time.Time
}

// NewLog creates a history log. entryLimit bounds entries per conversation,
// convLimit bounds tracked conversations. Non-positive limits get defaults.
func NewLog(entryLimit, convLimit int) *Log {
	if entryLimit <= 0 {
		entryLimit = 100
	}
	if convLimit <= 0 {
		convLimit = 1000
	}
	head := &conversation{}
	tail := &conversation{}
	head.next = tail
	tail.prev = head
	return &Log{
		entryLimit: entryLimit,
		convLimit:  convLimit,
		convs:      make(map[string]*conversation),
		head:       head,
		tail:       tail,
		now:        time.Now,
	}
}

// Append records an entry for the conversation. Empty conversation IDs are
// ignored so the caller never has to guard.
func (l *Log) Append(conversationID, direction string, payload json.RawMessage) {
	if conversationID == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.convs[conversationID]
	if !ok {
		if len(l.convs) >= l.convLimit {
			victim := l.tail.prev
			l.detach(victim)
			delete(l.convs, victim.id)
			l.totalEntries -= len(victim.entries)
		}
		c = &conversation{id: conversationID, firstAt: now}
		l.convs[conversationID] = c
		l.pushFront(c)
	} else {
		l.detach(c)
		l.pushFront(c)
	}

	entry := Entry{Direction: direction, Payload: append(json.RawMessage(nil), payload...), At: now}
	if len(c.entries) >= l.entryLimit {
		// Drop the oldest entry, keeping the buffer bounded.
		copy(c.entries, c.entries[1:])
		c.entries[len(c.entries)-1] = entry
	} else {
		c.entries = append(c.entries, entry)
		l.totalEntries++
	}
}

// Get returns a copy of the conversation's entries, oldest first, and whether
// the conversation is tracked.
func (l *Log) Get(conversationID string) ([]Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.convs[conversationID]
	if !ok {
		return nil, false
	}
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out, true
}

// Summaries lists tracked conversations ordered from most to least recently
// active.
func (l *Log) Summaries() []Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Summary, 0, len(l.convs))
	for cur := l.head.next; cur != l.tail; cur = cur.next {
		s := Summary{ConversationID: cur.id, Entries: len(cur.entries), FirstAt: cur.firstAt}
		if n := len(cur.entries); n > 0 {
			s.LastAt = cur.entries[n-1].At
		}
		out = append(out, s)
	}
	return out
}

// Len returns the number of tracked conversations.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.convs)
}

// Entries returns the total entry count across all conversations.
func (l *Log) Entries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalEntries
}

// --- recency list operations (caller must hold lock) ---

func (l *Log) detach(c *conversation) {
	c.prev.next = c.next
	c.next.prev = c.prev
	c.prev = nil
	c.next = nil
}

func (l *Log) pushFront(c *conversation) {
	c.next = l.head.next
	c.prev = l.head
	l.head.next.prev = c
	l.head.next = c
}

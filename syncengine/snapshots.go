package syncengine

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ReaderSnapshot is the newest message a participant is known to have
// read in a conversation.
type ReaderSnapshot struct {
	ID        int64
	Name      string
	ReadAt    time.Time
	MessageID int64
}

// supersedes reports whether s should replace cur. Snapshots only move
// forward; a tie on the message goes to the later read.
func (s ReaderSnapshot) supersedes(cur ReaderSnapshot) bool {
	if s.MessageID != cur.MessageID {
		return s.MessageID > cur.MessageID
	}
	return s.ReadAt.After(cur.ReadAt)
}

func (e *Engine) updateReaderLocked(conversationID int64, s ReaderSnapshot) {
	byReader := e.readers[conversationID]
	if byReader == nil {
		byReader = make(map[int64]ReaderSnapshot)
		e.readers[conversationID] = byReader
	}
	if cur, ok := byReader[s.ID]; ok && !s.supersedes(cur) {
		return
	}
	byReader[s.ID] = s
}

func (e *Engine) hydrateReadersLocked(c *Conversation) {
	for _, m := range c.Messages {
		for _, r := range m.ReadBy {
			e.updateReaderLocked(c.ID, ReaderSnapshot{ID: r.ID, Name: r.Name, ReadAt: r.ReadAt, MessageID: m.ID})
		}
	}
}

// ReadersForMessage lists the other participants whose newest read is
// messageID, earliest reader first.
func (e *Engine) ReadersForMessage(conversationID, messageID int64) []ReaderSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readersForMessageLocked(conversationID, messageID)
}

func (e *Engine) readersForMessageLocked(conversationID, messageID int64) []ReaderSnapshot {
	var out []ReaderSnapshot
	for _, s := range e.readers[conversationID] {
		if s.MessageID == messageID && s.ID != e.me.ID {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b ReaderSnapshot) int {
		if n := a.ReadAt.Compare(b.ReadAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// MessageStatus is the delivery line shown under the user's own
// messages: "Sent", "Read by Bob" or "Read by Bob +2". Other people's
// messages have no status.
func (e *Engine) MessageStatus(conversationID, messageID int64) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conversations[conversationID]
	if !ok {
		return ""
	}
	var mine bool
	for _, m := range c.Messages {
		if m.ID == messageID {
			mine = m.UserID == e.me.ID
			break
		}
	}
	if !mine {
		return ""
	}

	readers := e.readersForMessageLocked(conversationID, messageID)
	switch len(readers) {
	case 0:
		return "Sent"
	case 1:
		return "Read by " + readers[0].Name
	default:
		return fmt.Sprintf("Read by %s +%d", readers[0].Name, len(readers)-1)
	}
}

// Title names a conversation after the other participants.
func (e *Engine) Title(conversationID int64) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conversations[conversationID]
	if !ok {
		return ""
	}
	var names []string
	for _, u := range c.Users {
		if u.ID != e.me.ID {
			names = append(names, u.Name)
		}
	}
	if len(names) == 0 {
		return "Conversation"
	}
	return strings.Join(names, ", ")
}

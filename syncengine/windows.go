package syncengine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// WindowState tracks a window through loading, open and focused. A
// closed window is simply absent.
type WindowState int

const (
	WindowLoading WindowState = iota + 1
	WindowOpen
	WindowFocused
)

func (s WindowState) String() string {
	switch s {
	case WindowLoading:
		return "loading"
	case WindowOpen:
		return "open"
	case WindowFocused:
		return "focused"
	default:
		return "closed"
	}
}

// Window is one open conversation slot. A pending window has a Target
// and no conversation yet; its first message creates one.
type Window struct {
	ID             string
	ConversationID int64
	Target         *User
	State          WindowState

	lastFocus uint64
}

func (w Window) Pending() bool { return w.Target != nil }

const pendingPrefix = "pending-"

func conversationWindowID(id int64) string { return strconv.FormatInt(id, 10) }

func pendingWindowID(userID int64) string { return pendingPrefix + strconv.FormatInt(userID, 10) }

// Windows returns the open windows in the order they were opened.
func (e *Engine) Windows() []Window {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Window, 0, len(e.windows))
	for _, w := range e.windows {
		cp := *w
		if w.Target != nil {
			t := *w.Target
			cp.Target = &t
		}
		out = append(out, cp)
	}
	return out
}

func (e *Engine) ActiveWindow() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *Engine) Draft(windowID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drafts[windowID]
}

func (e *Engine) SetDraft(windowID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if text == "" {
		delete(e.drafts, windowID)
		return
	}
	e.drafts[windowID] = text
}

// OpenConversation opens and focuses the window for a conversation,
// loading it first when the client does not know it yet.
func (e *Engine) OpenConversation(ctx context.Context, id int64) error {
	wid := conversationWindowID(id)

	e.mu.Lock()
	_, loaded := e.conversations[id]
	state := WindowOpen
	if !loaded {
		state = WindowLoading
	}
	e.ensureWindowLocked(&Window{ID: wid, ConversationID: id, State: state})
	e.mu.Unlock()

	if !loaded {
		if err := e.loadConversation(ctx, id); err != nil {
			e.mu.Lock()
			e.removeWindowLocked(wid)
			e.mu.Unlock()
			return err
		}
	}

	e.mu.Lock()
	fx := e.focusWindowLocked(wid)
	e.mu.Unlock()
	e.run(fx)
	return nil
}

// OpenDMWith focuses the existing two-person conversation with u, or
// opens a pending window that will create it on the first send. It
// returns the window id.
func (e *Engine) OpenDMWith(ctx context.Context, u User) (string, error) {
	e.mu.Lock()
	if u.ID == e.me.ID {
		e.mu.Unlock()
		return "", ErrSelfConversation
	}
	existing, found := e.directConversationLocked(u.ID)
	if found {
		e.mu.Unlock()
		return conversationWindowID(existing), e.OpenConversation(ctx, existing)
	}

	wid := pendingWindowID(u.ID)
	target := u
	e.ensureWindowLocked(&Window{ID: wid, Target: &target, State: WindowOpen})
	fx := e.focusWindowLocked(wid)
	e.mu.Unlock()
	e.run(fx)
	return wid, nil
}

func (e *Engine) directConversationLocked(userID int64) (int64, bool) {
	var best *Conversation
	for _, c := range e.conversations {
		if len(c.Users) != 2 {
			continue
		}
		if !hasUser(c.Users, e.me.ID) || !hasUser(c.Users, userID) {
			continue
		}
		if best == nil || c.ID < best.ID {
			best = c
		}
	}
	if best == nil {
		return 0, false
	}
	return best.ID, true
}

func hasUser(users []User, id int64) bool {
	for _, u := range users {
		if u.ID == id {
			return true
		}
	}
	return false
}

// FocusWindow makes windowID the active window.
func (e *Engine) FocusWindow(windowID string) {
	e.mu.Lock()
	fx := e.focusWindowLocked(windowID)
	e.mu.Unlock()
	e.run(fx)
}

// CloseWindow closes a window and discards its draft.
func (e *Engine) CloseWindow(windowID string) {
	e.mu.Lock()
	fx := e.closeWindowLocked(windowID)
	e.mu.Unlock()
	e.run(fx)
}

// SendMessage sends content from a window. Blank content is ignored. A
// pending window first creates its conversation and then takes over the
// new conversation's identity.
func (e *Engine) SendMessage(ctx context.Context, windowID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	e.mu.Lock()
	w := e.windowLocked(windowID)
	if w == nil {
		e.mu.Unlock()
		return ErrUnknownWindow
	}
	target, convID := w.Target, w.ConversationID
	e.mu.Unlock()

	if target != nil {
		return e.sendToPending(ctx, windowID, *target, content)
	}

	if err := e.ensureLoaded(ctx, convID); err != nil {
		return err
	}
	m, err := e.api.SendMessage(ctx, convID, content)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	e.mu.Lock()
	var fx []func()
	if c, ok := e.conversations[convID]; ok {
		upsertMessage(c, m)
		e.refreshUnreadLocked(convID)
		fx = e.markReadLocked(convID, true)
	}
	delete(e.drafts, windowID)
	e.mu.Unlock()
	e.run(fx)
	return nil
}

func (e *Engine) sendToPending(ctx context.Context, windowID string, target User, content string) error {
	c, err := e.api.CreateConversation(ctx, []int64{target.ID}, content)
	if err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}

	e.mu.Lock()
	e.mergeLocked(c)
	newID := conversationWindowID(c.ID)
	fx := e.replaceWindowLocked(windowID, newID, c.ID)
	fx = append(fx, e.markReadLocked(c.ID, true)...)
	delete(e.drafts, newID)
	e.mu.Unlock()
	e.run(fx)
	return nil
}

func (e *Engine) windowLocked(id string) *Window {
	for _, w := range e.windows {
		if w.ID == id {
			return w
		}
	}
	return nil
}

// ensureWindowLocked opens w unless a window with its id is open. At the
// limit, the least recently focused window is evicted; its draft is kept.
func (e *Engine) ensureWindowLocked(w *Window) *Window {
	if existing := e.windowLocked(w.ID); existing != nil {
		return existing
	}
	if len(e.windows) >= e.windowLimit {
		victim := e.windows[0]
		for _, cand := range e.windows[1:] {
			if cand.lastFocus < victim.lastFocus {
				victim = cand
			}
		}
		e.removeWindowLocked(victim.ID)
	}
	e.windows = append(e.windows, w)
	return w
}

func (e *Engine) removeWindowLocked(id string) bool {
	for i, w := range e.windows {
		if w.ID == id {
			e.windows = append(e.windows[:i], e.windows[i+1:]...)
			if e.active == id {
				e.active = ""
			}
			return true
		}
	}
	return false
}

func (e *Engine) focusWindowLocked(id string) []func() {
	w := e.windowLocked(id)
	if w == nil {
		return nil
	}
	for _, other := range e.windows {
		if other != w && other.State == WindowFocused {
			other.State = WindowOpen
		}
	}
	e.focusSeq++
	w.lastFocus = e.focusSeq
	e.active = id

	if w.Pending() {
		w.State = WindowFocused
		return nil
	}
	if _, loaded := e.conversations[w.ConversationID]; !loaded {
		return nil
	}
	w.State = WindowFocused
	return e.markReadLocked(w.ConversationID, true)
}

func (e *Engine) closeWindowLocked(id string) []func() {
	wasActive := e.active == id
	if !e.removeWindowLocked(id) {
		return nil
	}
	delete(e.drafts, id)
	if wasActive && len(e.windows) > 0 {
		return e.focusWindowLocked(e.windows[len(e.windows)-1].ID)
	}
	return nil
}

// replaceWindowLocked gives the window oldID the identity of a freshly
// resolved conversation, carrying its draft and focus along. If that
// conversation already has a window, the old one is folded into it.
func (e *Engine) replaceWindowLocked(oldID, newID string, conversationID int64) []func() {
	w := e.windowLocked(oldID)
	if w == nil {
		return nil
	}
	wasActive := e.active == oldID
	if draft, ok := e.drafts[oldID]; ok {
		e.drafts[newID] = draft
		delete(e.drafts, oldID)
	}

	if existing := e.windowLocked(newID); existing != nil {
		e.removeWindowLocked(oldID)
		if wasActive {
			return e.focusWindowLocked(newID)
		}
		return nil
	}

	w.ID = newID
	w.ConversationID = conversationID
	w.Target = nil
	if wasActive {
		e.active = newID
		w.State = WindowFocused
	}
	return nil
}

func (e *Engine) isWindowFocusedLocked(conversationID int64) bool {
	w := e.windowLocked(conversationWindowID(conversationID))
	return w != nil && e.active == w.ID && w.State == WindowFocused
}

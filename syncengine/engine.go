// Package syncengine keeps a client's view of its conversations in step
// with the server. It merges REST responses with realtime events, tracks
// unread counts against a persisted read watermark, and manages a bounded
// set of open conversation windows.
package syncengine

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/internal/chat"
)

const (
	DefaultWindowLimit = 3
	backgroundTimeout  = 10 * time.Second
)

var (
	ErrUnknownWindow    = errors.New("syncengine: unknown window")
	ErrSelfConversation = errors.New("syncengine: cannot open a conversation with yourself")
)

type Options struct {
	API        API
	Transport  Transport
	Watermarks WatermarkStore
	Logger     *zap.Logger
	// WindowLimit bounds the number of open windows. Zero means
	// DefaultWindowLimit.
	WindowLimit int
	// Notify is called for every new message from someone else that
	// arrives while its window is not focused.
	Notify func(Conversation, Message)
	// Go runs background work: read syncs, watermark writes and fetches
	// of unknown conversations. It defaults to a new goroutine.
	Go func(func())
}

// Engine is safe for concurrent use. Realtime events arrive on the
// transport's goroutine; network calls never run under the engine lock.
type Engine struct {
	api         API
	transport   Transport
	marks       WatermarkStore
	logger      *zap.Logger
	notify      func(Conversation, Message)
	spawn       func(func())
	windowLimit int

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	me             User
	initializedFor int64
	conversations  map[int64]*Conversation
	lastRead       map[int64]int64
	unread         map[int64]int
	readers        map[int64]map[int64]ReaderSnapshot
	subscribed     map[string]bool
	pendingSubs    []string
	syncing        map[int64]bool
	fetching       map[int64]bool
	windows        []*Window
	active         string
	focusSeq       uint64
	drafts         map[string]string
}

func New(opts Options) *Engine {
	e := &Engine{
		api:         opts.API,
		transport:   opts.Transport,
		marks:       opts.Watermarks,
		logger:      opts.Logger,
		notify:      opts.Notify,
		spawn:       opts.Go,
		windowLimit: opts.WindowLimit,
	}
	if e.marks == nil {
		e.marks = NewMemoryWatermarks()
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("syncengine")
	if e.spawn == nil {
		e.spawn = func(fn func()) { go fn() }
	}
	if e.windowLimit <= 0 {
		e.windowLimit = DefaultWindowLimit
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.clearLocked()
	e.transport.OnConnect(e.flushPendingSubscriptions)
	return e
}

// Bootstrap loads state for me. Calling it again for the same user only
// reconnects and re-checks subscriptions; a different user tears down all
// state first.
func (e *Engine) Bootstrap(ctx context.Context, me User) error {
	e.mu.Lock()
	if e.initializedFor != 0 && e.initializedFor != me.ID {
		e.logger.Info("signed-in user changed, resetting",
			zap.Int64("previous_user_id", e.initializedFor), zap.Int64("user_id", me.ID))
		e.clearLocked()
		e.mu.Unlock()
		_ = e.transport.Close()
		e.mu.Lock()
	}
	if e.initializedFor == me.ID {
		e.mu.Unlock()
		e.transport.Connect(e.ctx)
		e.mu.Lock()
		e.syncSubscriptionsLocked()
		e.mu.Unlock()
		return nil
	}
	e.me = me
	e.initializedFor = me.ID
	e.mu.Unlock()

	marks, err := e.marks.Load(ctx, me.ID)
	if err != nil {
		e.logger.Warn("load read watermarks", zap.Int64("user_id", me.ID), zap.Error(err))
	}
	if marks == nil {
		marks = make(map[int64]int64)
	}
	e.mu.Lock()
	e.lastRead = marks
	e.mu.Unlock()

	e.transport.Connect(e.ctx)

	e.mu.Lock()
	e.ensureSubscriptionLocked(chat.UserChannel(me.ID))
	e.mu.Unlock()

	return e.fetchConversations(ctx)
}

// Close stops background work and the transport.
func (e *Engine) Close() error {
	e.cancel()
	return e.transport.Close()
}

func (e *Engine) Me() User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.me
}

// Conversations returns copies ordered by last activity, newest first.
func (e *Engine) Conversations() []Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Conversation, 0, len(e.conversations))
	for _, c := range e.conversations {
		out = append(out, c.clone())
	}
	slices.SortFunc(out, func(a, b Conversation) int {
		if n := b.LastActivity().Compare(a.LastActivity()); n != 0 {
			return n
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out
}

func (e *Engine) Conversation(id int64) (Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

func (e *Engine) UnreadCount(conversationID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unread[conversationID]
}

func (e *Engine) TotalUnread() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.unread {
		total += n
	}
	return total
}

// MarkConversationRead acknowledges every loaded message locally and, if
// anything was unread, syncs the read state to the server.
func (e *Engine) MarkConversationRead(conversationID int64) {
	e.mu.Lock()
	fx := e.markReadLocked(conversationID, true)
	e.mu.Unlock()
	e.run(fx)
}

// ClearConversation clears the history server-side and drops every piece
// of local state for it.
func (e *Engine) ClearConversation(ctx context.Context, conversationID int64) error {
	if err := e.api.ClearConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("clear conversation %d: %w", conversationID, err)
	}
	e.mu.Lock()
	fx := e.removeConversationLocked(conversationID)
	e.mu.Unlock()
	e.run(fx)
	return nil
}

func (e *Engine) fetchConversations(ctx context.Context) error {
	list, err := e.api.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range list {
		e.mergeLocked(c)
	}
	e.logger.Debug("conversations loaded", zap.Int("count", len(list)))
	return nil
}

func (e *Engine) loadConversation(ctx context.Context, id int64) error {
	c, err := e.api.Conversation(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch conversation %d: %w", id, err)
	}
	e.mu.Lock()
	e.mergeLocked(c)
	e.mu.Unlock()
	return nil
}

func (e *Engine) ensureLoaded(ctx context.Context, id int64) error {
	e.mu.Lock()
	_, ok := e.conversations[id]
	e.mu.Unlock()
	if ok {
		return nil
	}
	return e.loadConversation(ctx, id)
}

// handle receives every application event from the transport.
func (e *Engine) handle(event string, data json.RawMessage) {
	var err error
	switch event {
	case chat.EventMessageSent:
		var m Message
		if err = json.Unmarshal(data, &m); err == nil {
			e.handleMessageSent(m)
		}
	case chat.EventConversationCreated:
		var c Conversation
		if err = json.Unmarshal(data, &c); err == nil {
			e.mu.Lock()
			e.mergeLocked(c)
			e.mu.Unlock()
		}
	case chat.EventMessagesRead:
		var ev ReadEvent
		if err = json.Unmarshal(data, &ev); err == nil {
			e.handleMessagesRead(ev)
		}
	default:
		e.logger.Debug("ignoring event", zap.String("event", event))
	}
	if err != nil {
		e.logger.Warn("malformed event payload", zap.String("event", event), zap.Error(err))
	}
}

func (e *Engine) handleMessageSent(m Message) {
	e.mu.Lock()
	c, ok := e.conversations[m.ConversationID]
	if !ok {
		fx := e.fetchLaterLocked(m.ConversationID)
		e.mu.Unlock()
		e.run(fx)
		return
	}

	inserted := upsertMessage(c, m)
	e.refreshUnreadLocked(c.ID)
	mine := m.UserID == e.me.ID
	focused := e.isWindowFocusedLocked(c.ID)

	var fx []func()
	if inserted && !mine && !focused && e.notify != nil {
		snapshot := c.clone()
		fx = append(fx, func() { e.notify(snapshot, m) })
	}
	if mine || focused {
		fx = append(fx, e.markReadLocked(c.ID, true)...)
	}
	e.mu.Unlock()
	e.run(fx)
}

func (e *Engine) handleMessagesRead(ev ReadEvent) {
	e.mu.Lock()
	c, ok := e.conversations[ev.ConversationID]
	if !ok {
		fx := e.fetchLaterLocked(ev.ConversationID)
		e.mu.Unlock()
		e.run(fx)
		return
	}
	reader := User{ID: ev.UserID, Name: ev.UserName}
	if reader.Name == "" {
		reader.Name = c.userName(ev.UserID)
	}
	fx := e.applyReadReceiptsLocked(c, ev.ReadMessageIDs, ev.ReadAt, reader)
	e.mu.Unlock()
	e.run(fx)
}

// fetchLaterLocked loads a conversation an event referred to before the
// client knew about it. One fetch per conversation is in flight at a time.
func (e *Engine) fetchLaterLocked(id int64) []func() {
	if e.fetching[id] {
		return nil
	}
	e.fetching[id] = true
	userID := e.me.ID
	return []func(){func() {
		ctx, cancel := context.WithTimeout(e.ctx, backgroundTimeout)
		defer cancel()
		c, err := e.api.Conversation(ctx, id)

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.me.ID != userID {
			return
		}
		delete(e.fetching, id)
		if err != nil {
			e.logger.Warn("load unknown conversation", zap.Int64("conversation_id", id), zap.Error(err))
			return
		}
		e.mergeLocked(c)
	}}
}

// mergeLocked folds a server copy of c into local state. Server messages
// replace local copies with the same id; local-only messages are kept.
func (e *Engine) mergeLocked(c Conversation) *Conversation {
	c.normalize()
	cur, ok := e.conversations[c.ID]
	if !ok {
		cp := c.clone()
		cur = &cp
		e.conversations[c.ID] = cur
	} else {
		byID := make(map[int64]int, len(cur.Messages))
		for i, m := range cur.Messages {
			byID[m.ID] = i
		}
		for _, m := range c.Messages {
			m.ReadBy = slices.Clone(m.ReadBy)
			if i, ok := byID[m.ID]; ok {
				cur.Messages[i] = m
			} else {
				cur.Messages = append(cur.Messages, m)
			}
		}
		cur.normalize()
		cur.Users = slices.Clone(c.Users)
		if c.UpdatedAt.After(cur.UpdatedAt) {
			cur.UpdatedAt = c.UpdatedAt
		}
	}

	e.hydrateReadersLocked(cur)
	e.refreshUnreadLocked(cur.ID)
	e.ensureSubscriptionLocked(chat.ConversationChannel(cur.ID))
	return cur
}

// upsertMessage appends m unless a message with its id is already present.
func upsertMessage(c *Conversation, m Message) bool {
	if c.hasMessage(m.ID) {
		return false
	}
	m.ReadBy = slices.Clone(m.ReadBy)
	c.Messages = append(c.Messages, m)
	c.normalize()
	if m.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = m.CreatedAt
	}
	return true
}

func (e *Engine) refreshUnreadLocked(id int64) {
	c, ok := e.conversations[id]
	if !ok {
		return
	}
	last := e.lastRead[id]
	n := 0
	for _, m := range c.Messages {
		if m.UserID != e.me.ID && m.ID > last {
			n++
		}
	}
	e.unread[id] = n
}

func (e *Engine) markReadLocked(id int64, sync bool) []func() {
	c, ok := e.conversations[id]
	if !ok || len(c.Messages) == 0 {
		return nil
	}
	hadUnread := e.unread[id] > 0
	last := c.Messages[len(c.Messages)-1].ID

	var fx []func()
	if e.lastRead[id] < last {
		e.lastRead[id] = last
		fx = append(fx, e.persistLocked(id, last))
	}
	e.unread[id] = 0
	if sync && hadUnread {
		fx = append(fx, e.queueReadSyncLocked(id)...)
	}
	return fx
}

func (e *Engine) persistLocked(conversationID, messageID int64) func() {
	userID := e.me.ID
	return func() {
		ctx, cancel := context.WithTimeout(e.ctx, backgroundTimeout)
		defer cancel()
		if err := e.marks.Store(ctx, userID, conversationID, messageID); err != nil {
			e.logger.Warn("store read watermark", zap.Int64("conversation_id", conversationID), zap.Error(err))
		}
	}
}

// queueReadSyncLocked schedules a server mark-read unless one is already
// in flight for the conversation.
func (e *Engine) queueReadSyncLocked(id int64) []func() {
	if e.syncing[id] {
		return nil
	}
	e.syncing[id] = true
	userID := e.me.ID
	return []func(){func() { e.syncRead(id, userID) }}
}

// syncRead marks id read on the server for userID. The answer is dropped
// if a different user has signed in meanwhile.
func (e *Engine) syncRead(id, userID int64) {
	ctx, cancel := context.WithTimeout(e.ctx, backgroundTimeout)
	defer cancel()
	res, err := e.api.MarkRead(ctx, id)

	e.mu.Lock()
	if e.me.ID != userID {
		e.mu.Unlock()
		return
	}
	delete(e.syncing, id)
	var fx []func()
	if err != nil {
		e.logger.Warn("sync read state", zap.Int64("conversation_id", id), zap.Error(err))
	} else if c, ok := e.conversations[id]; ok && len(res.MessageIDs) > 0 && res.ReadAt != nil {
		fx = e.applyReadReceiptsLocked(c, res.MessageIDs, *res.ReadAt, e.me)
	}
	e.mu.Unlock()
	e.run(fx)
}

// applyReadReceiptsLocked records that reader read ids at readAt. A read
// by the signed-in user from another session also advances the local
// watermark.
func (e *Engine) applyReadReceiptsLocked(c *Conversation, ids []int64, readAt time.Time, reader User) []func() {
	if len(ids) == 0 {
		return nil
	}
	read := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		read[id] = struct{}{}
	}
	for i := range c.Messages {
		m := &c.Messages[i]
		if _, ok := read[m.ID]; ok {
			m.ReadBy = withReader(m.ReadBy, Reader{ID: reader.ID, Name: reader.Name, ReadAt: readAt})
		}
	}

	newest := slices.Max(ids)
	e.updateReaderLocked(c.ID, ReaderSnapshot{ID: reader.ID, Name: reader.Name, ReadAt: readAt, MessageID: newest})

	if reader.ID == e.me.ID && newest > e.lastRead[c.ID] {
		e.lastRead[c.ID] = newest
		e.refreshUnreadLocked(c.ID)
		return []func(){e.persistLocked(c.ID, newest)}
	}
	return nil
}

func withReader(readers []Reader, r Reader) []Reader {
	for i := range readers {
		if readers[i].ID == r.ID {
			readers[i] = r
			return readers
		}
	}
	return append(readers, r)
}

func (e *Engine) removeConversationLocked(id int64) []func() {
	ch := chat.ConversationChannel(id)
	if e.subscribed[ch] {
		e.transport.Unsubscribe(ch)
		delete(e.subscribed, ch)
	}
	e.pendingSubs = slices.DeleteFunc(e.pendingSubs, func(s string) bool { return s == ch })

	delete(e.conversations, id)
	delete(e.lastRead, id)
	delete(e.unread, id)
	delete(e.readers, id)

	fx := e.closeWindowLocked(conversationWindowID(id))
	userID := e.me.ID
	return append(fx, func() {
		ctx, cancel := context.WithTimeout(e.ctx, backgroundTimeout)
		defer cancel()
		if err := e.marks.Forget(ctx, userID, id); err != nil {
			e.logger.Warn("forget read watermark", zap.Int64("conversation_id", id), zap.Error(err))
		}
	})
}

func (e *Engine) ensureSubscriptionLocked(channel string) {
	if e.subscribed[channel] || slices.Contains(e.pendingSubs, channel) {
		return
	}
	if !e.transport.Connected() {
		e.pendingSubs = append(e.pendingSubs, channel)
		return
	}
	e.transport.Subscribe(channel, e.handle)
	e.subscribed[channel] = true
}

func (e *Engine) syncSubscriptionsLocked() {
	e.ensureSubscriptionLocked(chat.UserChannel(e.me.ID))
	ids := make([]int64, 0, len(e.conversations))
	for id := range e.conversations {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		e.ensureSubscriptionLocked(chat.ConversationChannel(id))
	}
}

// flushPendingSubscriptions subscribes, in queue order, every channel
// requested while the transport was down.
func (e *Engine) flushPendingSubscriptions() {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := e.pendingSubs
	e.pendingSubs = nil
	for _, ch := range pending {
		if e.subscribed[ch] {
			continue
		}
		e.transport.Subscribe(ch, e.handle)
		e.subscribed[ch] = true
	}
}

func (e *Engine) clearLocked() {
	e.me = User{}
	e.initializedFor = 0
	e.conversations = make(map[int64]*Conversation)
	e.lastRead = make(map[int64]int64)
	e.unread = make(map[int64]int)
	e.readers = make(map[int64]map[int64]ReaderSnapshot)
	e.subscribed = make(map[string]bool)
	e.pendingSubs = nil
	e.syncing = make(map[int64]bool)
	e.fetching = make(map[int64]bool)
	e.windows = nil
	e.active = ""
	e.drafts = make(map[string]string)
}

func (e *Engine) run(fx []func()) {
	for _, fn := range fx {
		e.spawn(fn)
	}
}

// Package conversation merges the REST conversation list, REST message
// history and the push channel into one ordered view for the messaging UI.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mahaj/presence-sync/pkg/model"
	"github.com/mahaj/presence-sync/pkg/pushchan"
)

var (
	ErrEmptyMessage = errors.New("conversation: message text is empty")
	ErrNoRecipient  = errors.New("conversation: no recipient")
	ErrNoUser       = errors.New("conversation: no current user")
)

const (
	UnknownSender = "Unknown"

	// DefaultEchoWindow bounds how long a local send suppresses an id-less
	// push echo of the same text to the same recipient.
	DefaultEchoWindow = 5 * time.Second

	recentIDLimit = 1024
)

type API interface {
	Conversations(ctx context.Context) ([]model.Conversation, error)
	MessagesBetween(ctx context.Context, user1ID, user2ID string) ([]model.Message, error)
	SendMessage(ctx context.Context, req model.SendRequest) (*model.Message, error)
	User(ctx context.Context, id string) (*model.User, error)
}

// Contacts supplies the users offered as "start a conversation" entries.
type Contacts interface {
	Users(ctx context.Context) ([]model.User, error)
}

// Snapshot is a read-only copy of the engine state handed to observers.
type Snapshot struct {
	Conversations []model.Conversation
	Thread        []model.Message
	OpenUserID    string
}

type Option func(*Engine)

func WithContacts(c Contacts) Option {
	return func(e *Engine) { e.contacts = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithEchoWindow(d time.Duration) Option {
	return func(e *Engine) { e.echoWindow = d }
}

type pendingEcho struct {
	to   string
	text string
	at   time.Time
}

// Engine owns the conversation list and the open thread. All mutation goes
// through its methods; readers get copies.
type Engine struct {
	api        API
	contacts   Contacts
	logger     *zap.Logger
	now        func() time.Time
	echoWindow time.Duration

	// connMu serialises Connect and Close.
	connMu  sync.Mutex
	sub     pushchan.Channel
	subUser string

	mu       sync.Mutex
	me       model.User
	convs    []model.Conversation
	open     string
	partner  *model.User
	thread   []model.Message
	inThread map[string]struct{}
	openSeq  uint64
	echoes   []pendingEcho
	applied  *idSet

	observers map[int]func(Snapshot)
	nextObs   int
}

func NewEngine(api API, opts ...Option) *Engine {
	e := &Engine{
		api:        api,
		logger:     zap.NewNop(),
		now:        time.Now,
		echoWindow: DefaultEchoWindow,
		inThread:   make(map[string]struct{}),
		applied:    newIDSet(recentIDLimit),
		observers:  make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect subscribes to me's push channel. Switching to another user
// unsubscribes the previous channel first and clears the view; connecting
// the same user again is a no-op.
func (e *Engine) Connect(ctx context.Context, sub pushchan.Subscriber, me model.User) error {
	if me.ID == "" {
		return ErrNoUser
	}
	e.connMu.Lock()
	defer e.connMu.Unlock()

	if e.sub != nil && e.subUser == me.ID {
		e.mu.Lock()
		e.me = me
		e.mu.Unlock()
		return nil
	}

	if e.sub != nil {
		if err := e.sub.Unsubscribe(); err != nil {
			e.logger.Warn("unsubscribe previous push channel", zap.String("user_id", e.subUser), zap.Error(err))
		}
		e.sub, e.subUser = nil, ""
	}

	e.mu.Lock()
	if e.me.ID != me.ID {
		e.resetLocked()
	}
	e.me = me
	e.mu.Unlock()

	name := pushchan.UserChannel(me.ID)
	ch, err := sub.Subscribe(ctx, name)
	if err != nil {
		return fmt.Errorf("conversation: subscribe %s: %w", name, err)
	}
	ch.Bind(model.EventNewMessage, e.onFrame)
	e.sub, e.subUser = ch, me.ID

	e.logger.Info("push channel subscribed", zap.String("channel", name))
	return nil
}

// Close drops the push subscription.
func (e *Engine) Close() error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.sub == nil {
		return nil
	}
	err := e.sub.Unsubscribe()
	e.sub, e.subUser = nil, ""
	return err
}

func (e *Engine) resetLocked() {
	e.convs = nil
	e.open = ""
	e.partner = nil
	e.thread = nil
	e.inThread = make(map[string]struct{})
	e.echoes = nil
	e.applied = newIDSet(recentIDLimit)
	e.openSeq++
}

func (e *Engine) onFrame(data []byte) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		e.logger.Warn("dropping malformed message event", zap.Error(err))
		return
	}
	e.HandlePushEvent(context.Background(), msg)
}

// LoadConversations fetches the conversation list and widens it with
// candidate contacts. Fetch failures degrade to an empty list.
func (e *Engine) LoadConversations(ctx context.Context, currentUserID string) []model.Conversation {
	e.mu.Lock()
	if e.me.ID == "" {
		e.me.ID = currentUserID
	}
	e.mu.Unlock()

	fetched, err := e.api.Conversations(ctx)
	if err != nil {
		e.logger.Warn("load conversations failed", zap.Error(err))
		fetched = nil
	}

	var candidates []model.User
	if err == nil && e.contacts != nil {
		users, cerr := e.contacts.Users(ctx)
		if cerr != nil {
			e.logger.Warn("load candidate contacts failed", zap.Error(cerr))
		} else {
			candidates = users
		}
	}

	merged := mergeCandidates(fetched, candidates, currentUserID)

	e.mu.Lock()
	e.convs = reconcile(e.convs, merged)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.notify(snap)
	return snap.Conversations
}

// OpenConversation replaces the thread with the history between the
// current user and otherUserID. Messages pushed while the history loads are
// kept.
func (e *Engine) OpenConversation(ctx context.Context, otherUserID string) []model.Message {
	e.mu.Lock()
	e.openSeq++
	seq := e.openSeq
	me := e.me.ID
	e.open = otherUserID
	e.thread = nil
	e.inThread = make(map[string]struct{})
	e.partner = nil
	if i := e.indexLocked(otherUserID); i >= 0 {
		e.convs[i].Unread = 0
		if name := e.convs[i].UserName; name != "" {
			e.partner = &model.User{ID: otherUserID, Name: name}
		}
	}
	needPartner := e.partner == nil
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)

	if needPartner {
		if u, err := e.api.User(ctx, otherUserID); err != nil {
			e.logger.Debug("partner profile lookup failed", zap.String("user_id", otherUserID), zap.Error(err))
		} else {
			e.mu.Lock()
			if e.openSeq == seq {
				e.partner = u
			}
			e.mu.Unlock()
		}
	}

	history, err := e.api.MessagesBetween(ctx, me, otherUserID)
	if err != nil {
		e.logger.Warn("load message history failed", zap.String("user_id", otherUserID), zap.Error(err))
		history = nil
	}

	e.mu.Lock()
	if e.openSeq != seq {
		e.mu.Unlock()
		return nil
	}
	live := e.thread
	e.thread = make([]model.Message, 0, len(history)+len(live))
	e.inThread = make(map[string]struct{}, len(history)+len(live))
	for _, m := range history {
		e.insertLocked(m)
	}
	for _, m := range live {
		e.insertLocked(m)
	}
	snap = e.snapshotLocked()
	e.mu.Unlock()

	e.notify(snap)
	return snap.Thread
}

// SendMessage submits text to toUserID. Failures are returned so the caller
// can keep the draft.
func (e *Engine) SendMessage(ctx context.Context, text, toUserID string) (*model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if toUserID == "" {
		return nil, ErrNoRecipient
	}

	e.mu.Lock()
	me := e.me
	e.mu.Unlock()
	if me.ID == "" {
		return nil, ErrNoUser
	}

	msg, err := e.api.SendMessage(ctx, model.SendRequest{SenderID: me.ID, ReceiverID: toUserID, Text: text})
	if err != nil {
		return nil, fmt.Errorf("conversation: send to %s: %w", toUserID, err)
	}

	sent := *msg
	if sent.SenderID == "" {
		sent.SenderID = me.ID
	}
	if sent.ReceiverID == "" {
		sent.ReceiverID = toUserID
	}
	if sent.Text == "" {
		sent.Text = text
	}
	if sent.CreatedAt.IsZero() {
		sent.CreatedAt = e.now()
	}
	if sent.Sender == nil {
		sent.Sender = me.Ref()
	}

	e.mu.Lock()
	e.pruneEchoesLocked()
	e.echoes = append(e.echoes, pendingEcho{to: toUserID, text: sent.Text, at: e.now()})
	if sent.ID != "" {
		e.applied.add(sent.ID)
	}
	if e.open == toUserID {
		e.replaceUnkeyedEchoLocked(sent)
		e.insertLocked(sent)
	}
	e.upsertLocked(toUserID, e.partnerNameLocked(toUserID), sent, false)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.notify(snap)
	return &sent, nil
}

// HandlePushEvent merges one pushed message. It always updates the
// counterpart's conversation; it joins the thread only when that
// conversation is open.
func (e *Engine) HandlePushEvent(ctx context.Context, ev model.Message) {
	e.mu.Lock()
	me := e.me
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.now()
	}
	selfEcho := me.ID != "" && ev.SenderID == me.ID
	counterpart := ev.Counterpart(me.ID)
	if counterpart == "" {
		e.mu.Unlock()
		return
	}
	if ev.ID != "" && e.applied.has(ev.ID) {
		if selfEcho {
			e.consumeEchoLocked(ev.ReceiverID, ev.Text)
		}
		e.mu.Unlock()
		e.logger.Debug("duplicate message event", zap.String("message_id", ev.ID))
		return
	}
	if selfEcho && ev.ID == "" && e.consumeEchoLocked(ev.ReceiverID, ev.Text) {
		e.mu.Unlock()
		e.logger.Debug("suppressed echo of local send", zap.String("to", ev.ReceiverID))
		return
	}
	inOpen := e.open != "" && counterpart == e.open
	var partner *model.User
	if e.partner != nil {
		p := *e.partner
		partner = &p
	}
	known := e.indexLocked(counterpart) >= 0
	seq := e.openSeq
	e.mu.Unlock()

	var senderName, counterpartName string
	if inOpen || (!known && !selfEcho) {
		senderName = e.resolveSenderName(ctx, ev, me, partner, selfEcho)
	}
	if !known {
		counterpartName = senderName
		if selfEcho {
			counterpartName = e.lookupName(ctx, counterpart, partner)
		}
	}

	e.mu.Lock()
	defer func() {
		snap := e.snapshotLocked()
		e.mu.Unlock()
		e.notify(snap)
	}()

	// A local send may have completed while the name was being resolved.
	if ev.ID != "" {
		if e.applied.has(ev.ID) {
			if selfEcho {
				e.consumeEchoLocked(ev.ReceiverID, ev.Text)
			}
			return
		}
		e.applied.add(ev.ID)
	} else if selfEcho && e.consumeEchoLocked(ev.ReceiverID, ev.Text) {
		e.logger.Debug("suppressed echo of local send", zap.String("to", ev.ReceiverID))
		return
	}
	if inOpen && e.openSeq == seq && e.open == counterpart {
		if ev.Sender == nil || ev.Sender.Name == "" {
			ev.Sender = &model.UserRef{ID: ev.SenderID, Name: senderName}
		}
		e.insertLocked(ev)
	}
	e.upsertLocked(counterpart, counterpartName, ev, !selfEcho)
}

// resolveSenderName prefers the embedded name, then the own profile for
// self-echoes, then the open partner, then a profile lookup.
func (e *Engine) resolveSenderName(ctx context.Context, ev model.Message, me model.User, partner *model.User, selfEcho bool) string {
	if ev.Sender != nil && ev.Sender.Name != "" {
		return ev.Sender.Name
	}
	if selfEcho && me.Name != "" {
		return me.Name
	}
	return e.lookupName(ctx, ev.SenderID, partner)
}

func (e *Engine) lookupName(ctx context.Context, userID string, partner *model.User) string {
	if partner != nil && partner.ID == userID && partner.Name != "" {
		return partner.Name
	}
	u, err := e.api.User(ctx, userID)
	if err != nil || u == nil || u.Name == "" {
		e.logger.Debug("sender lookup failed", zap.String("user_id", userID), zap.Error(err))
		return UnknownSender
	}
	return u.Name
}

func (e *Engine) partnerNameLocked(userID string) string {
	if e.partner != nil && e.partner.ID == userID {
		return e.partner.Name
	}
	return ""
}

// insertLocked places m by CreatedAt, after any message with the same time.
// Messages already in the thread are ignored.
func (e *Engine) insertLocked(m model.Message) bool {
	if m.ID != "" {
		if _, dup := e.inThread[m.ID]; dup {
			return false
		}
		e.inThread[m.ID] = struct{}{}
	}
	i := len(e.thread)
	for i > 0 && e.thread[i-1].CreatedAt.After(m.CreatedAt) {
		i--
	}
	e.thread = append(e.thread, model.Message{})
	copy(e.thread[i+1:], e.thread[i:])
	e.thread[i] = m
	return true
}

// replaceUnkeyedEchoLocked drops an id-less copy of sent that the push
// channel delivered before the send response came back.
func (e *Engine) replaceUnkeyedEchoLocked(sent model.Message) {
	for i, m := range e.thread {
		if m.ID == "" && m.SenderID == sent.SenderID && m.ReceiverID == sent.ReceiverID && m.Text == sent.Text {
			e.thread = append(e.thread[:i], e.thread[i+1:]...)
			return
		}
	}
}

// pruneEchoesLocked drops pending echoes older than the echo window.
func (e *Engine) pruneEchoesLocked() {
	now := e.now()
	kept := e.echoes[:0]
	for _, p := range e.echoes {
		if now.Sub(p.at) <= e.echoWindow {
			kept = append(kept, p)
		}
	}
	e.echoes = kept
}

func (e *Engine) consumeEchoLocked(to, text string) bool {
	now := e.now()
	kept := e.echoes[:0]
	matched := false
	for _, p := range e.echoes {
		if now.Sub(p.at) > e.echoWindow {
			continue
		}
		if !matched && p.to == to && p.text == text {
			matched = true
			continue
		}
		kept = append(kept, p)
	}
	e.echoes = kept
	return matched
}

func (e *Engine) indexLocked(userID string) int {
	for i := range e.convs {
		if e.convs[i].UserID == userID {
			return i
		}
	}
	return -1
}

// upsertLocked records m as the latest message with counterpart. The
// conversation time never moves backwards.
func (e *Engine) upsertLocked(counterpart, name string, m model.Message, incoming bool) {
	i := e.indexLocked(counterpart)
	if i < 0 {
		if name == "" {
			name = UnknownSender
		}
		e.convs = append(e.convs, model.Conversation{UserID: counterpart, UserName: name})
		i = len(e.convs) - 1
	}
	c := &e.convs[i]
	if (c.UserName == "" || c.UserName == UnknownSender) && name != "" {
		c.UserName = name
	}
	if !m.CreatedAt.Before(c.LastMessageTime) {
		c.LastMessage = m.Text
		c.LastMessageTime = m.CreatedAt
	}
	if incoming && counterpart != e.open {
		c.Unread++
	}
	sortConversations(e.convs)
}

func (e *Engine) Conversations() []model.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Conversation(nil), e.convs...)
}

func (e *Engine) Thread() []model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.Message(nil), e.thread...)
}

// OpenCounterpart returns the user id of the open conversation, or "".
func (e *Engine) OpenCounterpart() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// Subscribe registers fn for every change. The returned func removes it.
func (e *Engine) Subscribe(fn func(Snapshot)) func() {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		Conversations: append([]model.Conversation(nil), e.convs...),
		Thread:        append([]model.Message(nil), e.thread...),
		OpenUserID:    e.open,
	}
}

func (e *Engine) notify(snap Snapshot) {
	e.mu.Lock()
	fns := make([]func(Snapshot), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

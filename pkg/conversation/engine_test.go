package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mahaj/presence-sync/pkg/model"
	"github.com/mahaj/presence-sync/pkg/pushchan"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

type stubAPI struct {
	mu sync.Mutex

	convs    []model.Conversation
	convsErr error

	history     map[string][]model.Message
	historyErr  error
	historyGate chan struct{}

	sendErr   error
	sendCalls int
	sendNoID  bool
	sendAt    time.Time
	nextID    int

	users     map[string]model.User
	userErr   error
	userCalls int
	onUser    func()

	contacts    []model.User
	contactsErr error
}

func (s *stubAPI) Conversations(context.Context) ([]model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convsErr != nil {
		return nil, s.convsErr
	}
	return append([]model.Conversation(nil), s.convs...), nil
}

func (s *stubAPI) MessagesBetween(ctx context.Context, user1ID, user2ID string) ([]model.Message, error) {
	if s.historyGate != nil {
		select {
		case <-s.historyGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return append([]model.Message(nil), s.history[user2ID]...), nil
}

func (s *stubAPI) SendMessage(_ context.Context, req model.SendRequest) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls++
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	msg := &model.Message{SenderID: req.SenderID, ReceiverID: req.ReceiverID, Text: req.Text, CreatedAt: s.sendAt}
	if !s.sendNoID {
		s.nextID++
		msg.ID = fmt.Sprintf("sent-%d", s.nextID)
	}
	return msg, nil
}

func (s *stubAPI) User(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	hook := s.onUser
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.userCalls++
	if s.userErr != nil {
		return nil, s.userErr
	}
	u, ok := s.users[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &u, nil
}

func (s *stubAPI) Users(context.Context) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contactsErr != nil {
		return nil, s.contactsErr
	}
	return append([]model.User(nil), s.contacts...), nil
}

func (s *stubAPI) calls() (send, user int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls, s.userCalls
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var alice = model.User{ID: "A", Name: "Alice"}

func newTestEngine(t *testing.T, api *stubAPI) (*Engine, *pushchan.Memory, *clock) {
	t.Helper()
	clk := &clock{now: at(100)}
	e := NewEngine(api,
		WithContacts(api),
		WithLogger(zaptest.NewLogger(t)),
		WithClock(clk.Now),
	)
	bus := pushchan.NewMemory()
	if err := e.Connect(context.Background(), bus, alice); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, bus, clk
}

func push(t *testing.T, bus *pushchan.Memory, to string, msg model.Message) {
	t.Helper()
	if err := bus.Publish(pushchan.UserChannel(to), model.EventNewMessage, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func ids(convs []model.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.UserID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLoadConversationsRealEntryWinsOverCandidate(t *testing.T) {
	api := &stubAPI{
		convs: []model.Conversation{{UserID: "B", UserName: "Bob", LastMessage: "hey", LastMessageTime: at(1)}},
		contacts: []model.User{
			{ID: "A", Name: "Alice"},
			{ID: "B", Name: "Bob (placeholder)"},
			{ID: "C", Name: "Carol"},
		},
	}
	e, _, _ := newTestEngine(t, api)

	got := e.LoadConversations(context.Background(), "A")
	if !equal(ids(got), []string{"B", "C"}) {
		t.Fatalf("conversations = %v, want [B C]", ids(got))
	}
	if got[0].LastMessage != "hey" || got[0].UserName != "Bob" {
		t.Errorf("B entry = %+v, want the real conversation", got[0])
	}
	if got[1].LastMessage != "" || !got[1].LastMessageTime.IsZero() {
		t.Errorf("C entry = %+v, want an empty placeholder", got[1])
	}
}

func TestLoadConversationsSortsNewestFirst(t *testing.T) {
	api := &stubAPI{convs: []model.Conversation{
		{UserID: "B", LastMessageTime: at(1)},
		{UserID: "C", LastMessageTime: at(3)},
		{UserID: "D", LastMessageTime: at(2)},
	}}
	e, _, _ := newTestEngine(t, api)

	got := e.LoadConversations(context.Background(), "A")
	if !equal(ids(got), []string{"C", "D", "B"}) {
		t.Fatalf("order = %v, want [C D B]", ids(got))
	}
}

func TestLoadConversationsFetchFailure(t *testing.T) {
	api := &stubAPI{convsErr: errors.New("boom"), contacts: []model.User{{ID: "C", Name: "Carol"}}}
	e, _, _ := newTestEngine(t, api)

	if got := e.LoadConversations(context.Background(), "A"); len(got) != 0 {
		t.Fatalf("conversations = %v, want empty", got)
	}
}

func TestLoadConversationsCandidateFailureKeepsRealList(t *testing.T) {
	api := &stubAPI{
		convs:       []model.Conversation{{UserID: "B", LastMessageTime: at(1)}},
		contactsErr: errors.New("boom"),
	}
	e, _, _ := newTestEngine(t, api)

	if got := e.LoadConversations(context.Background(), "A"); !equal(ids(got), []string{"B"}) {
		t.Fatalf("conversations = %v, want [B]", ids(got))
	}
}

func TestOpenConversationReplacesThread(t *testing.T) {
	api := &stubAPI{history: map[string][]model.Message{
		"B": {{ID: "1", SenderID: "B", ReceiverID: "A", Text: "b1", CreatedAt: at(1)}},
		"C": {
			{ID: "3", SenderID: "A", ReceiverID: "C", Text: "c2", CreatedAt: at(3)},
			{ID: "2", SenderID: "C", ReceiverID: "A", Text: "c1", CreatedAt: at(2)},
		},
	}}
	e, _, _ := newTestEngine(t, api)

	if got := e.OpenConversation(context.Background(), "B"); len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("thread B = %+v", got)
	}
	got := e.OpenConversation(context.Background(), "C")
	if len(got) != 2 || got[0].ID != "2" || got[1].ID != "3" {
		t.Fatalf("thread C = %+v, want [2 3] ascending", got)
	}
	if e.OpenCounterpart() != "C" {
		t.Errorf("OpenCounterpart = %q, want C", e.OpenCounterpart())
	}
}

func TestOpenConversationFailureYieldsEmptyThread(t *testing.T) {
	api := &stubAPI{history: map[string][]model.Message{
		"B": {{ID: "1", SenderID: "B", ReceiverID: "A", Text: "b1", CreatedAt: at(1)}},
	}}
	e, _, _ := newTestEngine(t, api)
	e.OpenConversation(context.Background(), "B")

	api.mu.Lock()
	api.historyErr = errors.New("boom")
	api.mu.Unlock()

	if got := e.OpenConversation(context.Background(), "B"); len(got) != 0 {
		t.Fatalf("thread = %+v, want empty", got)
	}
	if len(e.Thread()) != 0 {
		t.Errorf("Thread() = %+v, want empty", e.Thread())
	}
}

func TestPushDuringOpenIsMerged(t *testing.T) {
	gate := make(chan struct{})
	api := &stubAPI{
		historyGate: gate,
		history: map[string][]model.Message{
			"B": {
				{ID: "1", SenderID: "B", ReceiverID: "A", Text: "old", CreatedAt: at(1)},
				{ID: "2", SenderID: "B", ReceiverID: "A", Text: "live", CreatedAt: at(5)},
			},
		},
	}
	e, bus, _ := newTestEngine(t, api)

	done := make(chan []model.Message)
	go func() { done <- e.OpenConversation(context.Background(), "B") }()

	deadline := time.After(2 * time.Second)
	for e.OpenCounterpart() != "B" {
		select {
		case <-deadline:
			t.Fatal("conversation never opened")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	push(t, bus, "A", model.Message{ID: "2", SenderID: "B", ReceiverID: "A", Text: "live", CreatedAt: at(5), Sender: &model.UserRef{ID: "B", Name: "Bob"}})
	push(t, bus, "A", model.Message{ID: "3", SenderID: "B", ReceiverID: "A", Text: "newer", CreatedAt: at(6), Sender: &model.UserRef{ID: "B", Name: "Bob"}})
	close(gate)

	got := <-done
	var gotIDs []string
	for _, m := range got {
		gotIDs = append(gotIDs, m.ID)
	}
	if !equal(gotIDs, []string{"1", "2", "3"}) {
		t.Fatalf("thread = %v, want [1 2 3]", gotIDs)
	}
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	api := &stubAPI{}
	e, _, _ := newTestEngine(t, api)

	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := e.SendMessage(context.Background(), text, "B"); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("SendMessage(%q) err = %v, want ErrEmptyMessage", text, err)
		}
	}
	if _, err := e.SendMessage(context.Background(), "hi", ""); !errors.Is(err, ErrNoRecipient) {
		t.Errorf("SendMessage without recipient err = %v, want ErrNoRecipient", err)
	}
	if sends, _ := api.calls(); sends != 0 {
		t.Errorf("send calls = %d, want 0", sends)
	}
}

func TestSendMessageFailureLeavesStateUntouched(t *testing.T) {
	sendErr := errors.New("server down")
	api := &stubAPI{sendErr: sendErr}
	e, _, _ := newTestEngine(t, api)
	e.OpenConversation(context.Background(), "B")

	if _, err := e.SendMessage(context.Background(), "hello", "B"); !errors.Is(err, sendErr) {
		t.Fatalf("err = %v, want wrapped %v", err, sendErr)
	}
	if len(e.Thread()) != 0 || len(e.Conversations()) != 0 {
		t.Errorf("state changed after failed send: thread=%v convs=%v", e.Thread(), e.Conversations())
	}
}

func TestSendThenEchoIsIdempotent(t *testing.T) {
	api := &stubAPI{sendAt: at(10)}
	e, bus, _ := newTestEngine(t, api)
	e.OpenConversation(context.Background(), "B")

	sent, err := e.SendMessage(context.Background(), "hi", "B")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	push(t, bus, "A", *sent)

	if got := e.Thread(); len(got) != 1 || got[0].ID != sent.ID {
		t.Fatalf("thread = %+v, want exactly the sent message", got)
	}
	convs := e.Conversations()
	if len(convs) != 1 || convs[0].UserID != "B" || convs[0].LastMessage != "hi" || convs[0].Unread != 0 {
		t.Fatalf("conversations = %+v", convs)
	}
}

func TestUnkeyedEchoSuppressedWithinWindow(t *testing.T) {
	api := &stubAPI{sendAt: at(10), sendNoID: true}
	e, bus, clk := newTestEngine(t, api)
	e.OpenConversation(context.Background(), "B")

	if _, err := e.SendMessage(context.Background(), "hi", "B"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	push(t, bus, "A", model.Message{SenderID: "A", ReceiverID: "B", Text: "hi", CreatedAt: at(10)})
	if got := e.Thread(); len(got) != 1 {
		t.Fatalf("thread after echo = %d messages, want 1", len(got))
	}

	clk.Advance(DefaultEchoWindow + time.Second)
	push(t, bus, "A", model.Message{SenderID: "A", ReceiverID: "B", Text: "hi", CreatedAt: at(11)})
	if got := e.Thread(); len(got) != 2 {
		t.Fatalf("thread after window = %d messages, want 2", len(got))
	}
}

func TestSendCompletingDuringEchoLookupAppearsOnce(t *testing.T) {
	for _, keyed := range []bool{false, true} {
		t.Run(fmt.Sprintf("keyed=%v", keyed), func(t *testing.T) {
			api := &stubAPI{sendAt: at(10), sendNoID: !keyed}
			e, bus, _ := newTestEngine(t, api)

			// Without a profile name the echo's sender must be looked up.
			if err := e.Connect(context.Background(), bus, model.User{ID: "A"}); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			e.OpenConversation(context.Background(), "B")

			var once sync.Once
			api.mu.Lock()
			api.onUser = func() {
				once.Do(func() {
					if _, err := e.SendMessage(context.Background(), "hi", "B"); err != nil {
						t.Errorf("SendMessage: %v", err)
					}
				})
			}
			api.mu.Unlock()

			e.HandlePushEvent(context.Background(), model.Message{SenderID: "A", ReceiverID: "B", Text: "hi", CreatedAt: at(10)})

			if got := e.Thread(); len(got) != 1 {
				t.Fatalf("thread = %+v, want the message once", got)
			}
			if convs := e.Conversations(); len(convs) != 1 || convs[0].LastMessage != "hi" {
				t.Fatalf("conversations = %+v", convs)
			}
		})
	}
}

func TestPendingEchoesDoNotAccumulate(t *testing.T) {
	api := &stubAPI{sendAt: at(10)}
	e, bus, clk := newTestEngine(t, api)

	for i := 0; i < 100; i++ {
		sent, err := e.SendMessage(context.Background(), "hi", "B")
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		push(t, bus, "A", *sent)
	}
	e.mu.Lock()
	n := len(e.echoes)
	e.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending echoes after keyed echoes = %d, want 0", n)
	}

	api.mu.Lock()
	api.sendNoID = true
	api.mu.Unlock()
	for i := 0; i < 10; i++ {
		if _, err := e.SendMessage(context.Background(), "unanswered", "B"); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}
	clk.Advance(DefaultEchoWindow + time.Second)
	if _, err := e.SendMessage(context.Background(), "later", "B"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	e.mu.Lock()
	n = len(e.echoes)
	e.mu.Unlock()
	if n != 1 {
		t.Fatalf("pending echoes after window = %d, want 1", n)
	}

	// An id-less message from another device is not swallowed by stale sends.
	push(t, bus, "A", model.Message{SenderID: "A", ReceiverID: "B", Text: "unanswered", CreatedAt: at(20)})
	if convs := e.Conversations(); convs[0].LastMessage != "unanswered" {
		t.Fatalf("conversations = %+v, want the other device's message applied", convs)
	}
}

func TestEndToEndScenario(t *testing.T) {
	api := &stubAPI{
		convs: []model.Conversation{{UserID: "C", UserName: "Carol", LastMessage: "yo", LastMessageTime: at(5)}},
		contacts: []model.User{
			{ID: "B", Name: "Bob"},
			{ID: "C", Name: "Carol"},
		},
		history: map[string][]model.Message{
			"B": {{ID: "1", SenderID: "B", ReceiverID: "A", Text: "earlier", CreatedAt: at(1)}},
		},
		sendAt: at(10),
	}
	e, bus, _ := newTestEngine(t, api)

	var snaps []Snapshot
	var mu sync.Mutex
	cancel := e.Subscribe(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	defer cancel()

	convs := e.LoadConversations(context.Background(), "A")
	if !equal(ids(convs), []string{"C", "B"}) {
		t.Fatalf("initial conversations = %v, want [C B]", ids(convs))
	}

	e.OpenConversation(context.Background(), "B")
	sent, err := e.SendMessage(context.Background(), "hello", "B")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	push(t, bus, "A", *sent)

	thread := e.Thread()
	if len(thread) != 2 || thread[1].Text != "hello" {
		t.Fatalf("thread = %+v, want [earlier hello]", thread)
	}
	convs = e.Conversations()
	if convs[0].UserID != "B" || convs[0].LastMessage != "hello" {
		t.Fatalf("top conversation = %+v, want B/hello", convs[0])
	}

	push(t, bus, "A", model.Message{ID: "9", SenderID: "C", ReceiverID: "A", Text: "ping", CreatedAt: at(12), Sender: &model.UserRef{ID: "C", Name: "Carol"}})

	if got := e.Thread(); len(got) != 2 {
		t.Fatalf("thread grew to %d after message from C", len(got))
	}
	convs = e.Conversations()
	if !equal(ids(convs), []string{"C", "B"}) || convs[0].LastMessage != "ping" || convs[0].Unread != 1 {
		t.Fatalf("conversations = %+v, want C on top with ping unread", convs)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) == 0 {
		t.Fatal("observer never notified")
	}
	if last := snaps[len(snaps)-1]; last.OpenUserID != "B" || last.Conversations[0].UserID != "C" {
		t.Errorf("last snapshot = %+v", last)
	}
}

func TestSenderNameResolution(t *testing.T) {
	tests := []struct {
		name     string
		users    map[string]model.User
		partner  string
		msg      model.Message
		want     string
		wantCall bool
	}{
		{
			name: "embedded",
			msg:  model.Message{ID: "1", SenderID: "B", ReceiverID: "A", Sender: &model.UserRef{ID: "B", Name: "Bobby"}},
			want: "Bobby",
		},
		{
			name:    "self echo",
			partner: "Bob",
			msg:     model.Message{ID: "1", SenderID: "A", ReceiverID: "B"},
			want:    "Alice",
		},
		{
			name:    "partner cache",
			partner: "Bob",
			msg:     model.Message{ID: "1", SenderID: "B", ReceiverID: "A"},
			want:    "Bob",
		},
		{
			name:     "lookup",
			users:    map[string]model.User{"B": {ID: "B", Name: "Robert"}},
			msg:      model.Message{ID: "1", SenderID: "B", ReceiverID: "A"},
			want:     "Robert",
			wantCall: true,
		},
		{
			name:     "unknown",
			msg:      model.Message{ID: "1", SenderID: "B", ReceiverID: "A"},
			want:     UnknownSender,
			wantCall: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &stubAPI{users: tt.users}
			if tt.partner != "" {
				api.convs = []model.Conversation{{UserID: "B", UserName: tt.partner}}
			}
			e, _, _ := newTestEngine(t, api)
			e.LoadConversations(context.Background(), "A")

			// Keep the open from caching the partner through a lookup.
			api.mu.Lock()
			api.userErr = errors.New("unavailable")
			api.mu.Unlock()
			e.OpenConversation(context.Background(), "B")
			api.mu.Lock()
			api.userErr = nil
			api.mu.Unlock()
			_, before := api.calls()

			e.HandlePushEvent(context.Background(), tt.msg)

			thread := e.Thread()
			if len(thread) != 1 {
				t.Fatalf("thread = %+v, want one message", thread)
			}
			if got := thread[0].Sender.Name; got != tt.want {
				t.Errorf("sender name = %q, want %q", got, tt.want)
			}
			if _, after := api.calls(); (after > before) != tt.wantCall {
				t.Errorf("user lookups %d -> %d, want lookup=%v", before, after, tt.wantCall)
			}
		})
	}
}

func TestPushOutOfOrderKeepsThreadAscending(t *testing.T) {
	api := &stubAPI{users: map[string]model.User{"B": {ID: "B", Name: "Bob"}}}
	e, bus, _ := newTestEngine(t, api)
	e.OpenConversation(context.Background(), "B")

	push(t, bus, "A", model.Message{ID: "2", SenderID: "B", ReceiverID: "A", Text: "second", CreatedAt: at(2)})
	push(t, bus, "A", model.Message{ID: "1", SenderID: "B", ReceiverID: "A", Text: "first", CreatedAt: at(1)})
	push(t, bus, "A", model.Message{ID: "2", SenderID: "B", ReceiverID: "A", Text: "second", CreatedAt: at(2)})

	thread := e.Thread()
	if len(thread) != 2 || thread[0].ID != "1" || thread[1].ID != "2" {
		t.Fatalf("thread = %+v, want [1 2]", thread)
	}
	convs := e.Conversations()
	if len(convs) != 1 || convs[0].LastMessage != "second" {
		t.Fatalf("conversation moved backwards: %+v", convs)
	}
}

func TestPushStampsMissingCreatedAt(t *testing.T) {
	api := &stubAPI{}
	e, _, clk := newTestEngine(t, api)

	e.HandlePushEvent(context.Background(), model.Message{ID: "1", SenderID: "B", ReceiverID: "A", Text: "hi", Sender: &model.UserRef{Name: "Bob"}})

	convs := e.Conversations()
	if len(convs) != 1 || !convs[0].LastMessageTime.Equal(clk.Now()) {
		t.Fatalf("conversations = %+v, want stamped at %v", convs, clk.Now())
	}
	if convs[0].UserName != "Bob" || convs[0].Unread != 1 {
		t.Errorf("new entry = %+v", convs[0])
	}
}

func TestOpenResetsUnread(t *testing.T) {
	api := &stubAPI{}
	e, bus, _ := newTestEngine(t, api)

	push(t, bus, "A", model.Message{ID: "1", SenderID: "B", ReceiverID: "A", Text: "a", CreatedAt: at(1), Sender: &model.UserRef{Name: "Bob"}})
	push(t, bus, "A", model.Message{ID: "2", SenderID: "B", ReceiverID: "A", Text: "b", CreatedAt: at(2), Sender: &model.UserRef{Name: "Bob"}})
	if got := e.Conversations()[0].Unread; got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}

	e.OpenConversation(context.Background(), "B")
	if got := e.Conversations()[0].Unread; got != 0 {
		t.Fatalf("unread after open = %d, want 0", got)
	}
}

func TestConnectResubscribesOnUserChange(t *testing.T) {
	api := &stubAPI{}
	e, bus, _ := newTestEngine(t, api)

	if n := bus.Subscribers(pushchan.UserChannel("A")); n != 1 {
		t.Fatalf("subscribers on A = %d, want 1", n)
	}
	if err := e.Connect(context.Background(), bus, alice); err != nil {
		t.Fatalf("Connect same user: %v", err)
	}
	if n := bus.Subscribers(pushchan.UserChannel("A")); n != 1 {
		t.Fatalf("subscribers on A after reconnect = %d, want 1", n)
	}

	e.HandlePushEvent(context.Background(), model.Message{ID: "1", SenderID: "B", ReceiverID: "A", Text: "for alice", Sender: &model.UserRef{Name: "Bob"}})

	if err := e.Connect(context.Background(), bus, model.User{ID: "Z", Name: "Zed"}); err != nil {
		t.Fatalf("Connect other user: %v", err)
	}
	if n := bus.Subscribers(pushchan.UserChannel("A")); n != 0 {
		t.Errorf("subscribers on A after switch = %d, want 0", n)
	}
	if n := bus.Subscribers(pushchan.UserChannel("Z")); n != 1 {
		t.Errorf("subscribers on Z = %d, want 1", n)
	}
	if len(e.Conversations()) != 0 {
		t.Errorf("previous user's conversations leaked: %+v", e.Conversations())
	}

	push(t, bus, "A", model.Message{ID: "2", SenderID: "B", ReceiverID: "A", Text: "stale"})
	if len(e.Conversations()) != 0 {
		t.Errorf("message on old channel applied: %+v", e.Conversations())
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := bus.Subscribers(pushchan.UserChannel("Z")); n != 0 {
		t.Errorf("subscribers on Z after Close = %d, want 0", n)
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	api := &stubAPI{}
	e, bus, _ := newTestEngine(t, api)

	if err := bus.Publish(pushchan.UserChannel("A"), model.EventNewMessage, "not a message"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(e.Conversations()) != 0 {
		t.Fatalf("malformed frame produced state: %+v", e.Conversations())
	}
}

func TestMergeCandidatesDedupesReal(t *testing.T) {
	got := mergeCandidates([]model.Conversation{
		{UserID: "B", LastMessage: "old", LastMessageTime: at(1)},
		{UserID: "B", LastMessage: "new", LastMessageTime: at(2)},
	}, nil, "A")
	if len(got) != 1 || got[0].LastMessage != "new" {
		t.Fatalf("merge = %+v, want a single newest B", got)
	}
}

func TestIDSetEvictsOldest(t *testing.T) {
	s := newIDSet(2)
	s.add("a")
	s.add("b")
	s.add("c")
	if s.has("a") || !s.has("b") || !s.has("c") {
		t.Fatalf("set = %v, want {b c}", s.ids)
	}
}

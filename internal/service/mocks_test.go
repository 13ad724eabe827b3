package service

import (
	"context"
	"sync"
	"time"

	"gigchat/internal/media"
	"gigchat/internal/models"
	"gigchat/pkg/api"
	"gigchat/pkg/channel"

	"github.com/stretchr/testify/mock"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) FetchConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	conv, _ := args.Get(0).(*models.Conversation)
	return conv, args.Error(1)
}

func (m *mockAPI) FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	msgs, _ := args.Get(0).([]models.Message)
	return msgs, args.Error(1)
}

func (m *mockAPI) SendMessage(ctx context.Context, req api.SendRequest) (*models.Message, error) {
	args := m.Called(ctx, req)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *mockAPI) React(ctx context.Context, messageID, emoji string) ([]models.Reaction, error) {
	args := m.Called(ctx, messageID, emoji)
	reactions, _ := args.Get(0).([]models.Reaction)
	return reactions, args.Error(1)
}

func (m *mockAPI) EditMessage(ctx context.Context, messageID, text string) (*models.Message, error) {
	args := m.Called(ctx, messageID, text)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *mockAPI) DeleteMessage(ctx context.Context, messageID string) error {
	return m.Called(ctx, messageID).Error(0)
}

// fakeChannel records commands and delivers events synchronously.
type fakeChannel struct {
	mu          sync.Mutex
	commands    []string
	joined      string
	subscribers map[int]func(channel.Envelope)
	nextID      int
	joinErr     error
	typingGate  chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subscribers: make(map[int]func(channel.Envelope))}
}

func (f *fakeChannel) record(cmd string) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
}

func (f *fakeChannel) Join(_ context.Context, conversationID string) error {
	f.record(channel.CommandJoin + ":" + conversationID)
	if f.joinErr != nil {
		return f.joinErr
	}
	f.mu.Lock()
	f.joined = conversationID
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Leave(context.Context) error {
	f.record(channel.CommandLeave)
	f.mu.Lock()
	f.joined = ""
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) StartTyping(context.Context) error {
	if f.typingGate != nil {
		<-f.typingGate
	}
	f.record(channel.CommandTypingStart)
	return nil
}

func (f *fakeChannel) StopTyping(context.Context) error {
	f.record(channel.CommandTypingStop)
	return nil
}

func (f *fakeChannel) Subscribe(fn func(channel.Envelope)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subscribers[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subscribers, id)
		f.mu.Unlock()
	}
}

func (f *fakeChannel) Emit(ev channel.Envelope) {
	f.mu.Lock()
	fns := make([]func(channel.Envelope), 0, len(f.subscribers))
	for _, fn := range f.subscribers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeChannel) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeChannel) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

// gatedPreprocessor holds every Process call until released.
type gatedPreprocessor struct {
	entered chan struct{}
	release chan struct{}
}

func newGatedPreprocessor() *gatedPreprocessor {
	return &gatedPreprocessor{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedPreprocessor) Process(_ context.Context, files []media.File) []media.File {
	g.entered <- struct{}{}
	<-g.release
	return files
}

var baseTime = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func event(t string, conversationID string, payload interface{}) channel.Envelope {
	env, err := channel.NewEnvelope(t, conversationID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

func remoteMessage(id, sender, text string, offset time.Duration) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderID:       sender,
		Text:           text,
		CreatedAt:      baseTime.Add(offset),
		Status:         models.StatusConfirmed,
	}
}

func sendWithText(text string) interface{} {
	return mock.MatchedBy(func(req api.SendRequest) bool { return req.Text == text })
}

package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btbot/internal/clock"
	"btbot/internal/config"
	"btbot/internal/memory"
	"btbot/internal/models"
	"btbot/internal/monitor"
	"btbot/internal/ratelimit"
	"btbot/internal/service/ai"
	"btbot/internal/session"
	"btbot/internal/storage"
)

const testPersona = "You are BT."

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type outbound struct {
	channel string
	text    string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []outbound
}

func (s *recordingSender) Send(_ context.Context, channelID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, outbound{channel: channelID, text: text})
	return nil
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, o := range s.sent {
		out = append(out, o.text)
	}
	return out
}

func (s *recordingSender) last() string {
	texts := s.texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type memMirror struct {
	mu     sync.Mutex
	active map[string]bool
}

func (m *memMirror) MarkActive(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[channelID] = true
	return nil
}

func (m *memMirror) ClearActive(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, channelID)
	return nil
}

func (m *memMirror) ActiveChannels(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memMirror) isActive(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[channelID]
}

// faultyStore injects failures into an otherwise working store.
type faultyStore struct {
	memory.Store
	historyErr error
	appendErr  error
}

func (s *faultyStore) GetHistory(ctx context.Context, userID string) ([]models.Turn, error) {
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return s.Store.GetHistory(ctx, userID)
}

func (s *faultyStore) AppendTurn(ctx context.Context, userID, prompt, response string) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.Store.AppendTurn(ctx, userID, prompt, response)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

type harness struct {
	clk     *clock.Fake
	reg     *session.Registry
	store   *faultyStore
	mirror  *memMirror
	sender  *recordingSender
	limiter ratelimit.Limiter

	mu      sync.Mutex
	prompts []string
	reply   string
	genErr  error
	pick    int

	d *Dispatcher
}

type harnessOption func(*harness)

func withLimiter(l ratelimit.Limiter) harnessOption {
	return func(h *harness) { h.limiter = l }
}

func withCooldown(d time.Duration) harnessOption {
	return func(h *harness) { h.limiter = ratelimit.NewMemoryLimiter(h.clk, d) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, "sqlite3"))

	clk := clock.NewFake(epoch)
	h := &harness{
		clk:    clk,
		reg:    session.NewRegistry(clk, 5),
		store:  &faultyStore{Store: memory.NewSQLStore(db, "sqlite3", 5, 60)},
		mirror: &memMirror{active: make(map[string]bool)},
		sender: &recordingSender{},
		reply:  "beep boop",
	}
	for _, opt := range opts {
		opt(h)
	}
	h.d = NewDispatcher(Config{
		BotUserID:      "bot",
		BotName:        "BT",
		Persona:        testPersona,
		ContextTurns:   5,
		DefaultTimeout: 5,
		MaxTimeout:     60,
	}, Deps{
		Registry: h.reg,
		Mirror:   h.mirror,
		Store:    h.store,
		Generator: ai.GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.prompts = append(h.prompts, prompt)
			if h.genErr != nil {
				return "", &ai.GenerationError{Provider: "test", Err: h.genErr}
			}
			return h.reply, nil
		}),
		Limiter: h.limiter,
		Sender:  h.sender,
		Clock:   clk,
		Pick:    func(n int) int { return h.pick % n },
	})
	return h
}

func (h *harness) say(channelID, userID, text string) Action {
	return h.d.Handle(context.Background(), models.InboundMessage{
		AuthorID:  userID,
		ChannelID: channelID,
		Text:      text,
	})
}

func (h *harness) promptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.prompts)
}

func (h *harness) lastPrompt() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.prompts) == 0 {
		return ""
	}
	return h.prompts[len(h.prompts)-1]
}

func TestClassify(t *testing.T) {
	p := DefaultPhrases()
	cases := []struct {
		text    string
		trigger Trigger
		rest    string
	}{
		{"hey bt", TriggerStart, ""},
		{"  Hey BT, what's up?", TriggerStart, "what's up?"},
		{"hey bt tell me a story", TriggerStart, "tell me a story"},
		{"hey btw did you see", TriggerNone, ""},
		{"JOIN BT", TriggerJoin, ""},
		{"bye bt!", TriggerLeave, ""},
		{"say hey bt", TriggerNone, ""},
		{"", TriggerNone, ""},
	}
	for _, tc := range cases {
		trigger, rest := p.Classify(tc.text)
		assert.Equal(t, tc.trigger, trigger, "text %q", tc.text)
		assert.Equal(t, tc.rest, rest, "text %q", tc.text)
	}
}

func TestHandleDropsBotAuthors(t *testing.T) {
	h := newHarness(t)

	action := h.d.Handle(context.Background(), models.InboundMessage{AuthorID: "other-bot", ChannelID: "c", Text: "hey bt", IsBot: true})
	assert.Equal(t, ActionDropped, action)
	assert.Equal(t, ActionDropped, h.say("c", "bot", "hey bt"))
	assert.Empty(t, h.sender.texts())
	assert.Empty(t, h.reg.ChannelIDs())
}

func TestSessionLifecycleScenario(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, ActionJoin, h.say("C", "U1", "hey bt"))
	s, ok := h.reg.Get("C")
	require.True(t, ok)
	assert.Equal(t, []string{"U1"}, s.Members)
	assert.True(t, h.mirror.isActive("C"))

	h.clk.Advance(time.Minute)
	assert.Equal(t, ActionJoin, h.say("C", "U2", "join bt"))
	s, _ = h.reg.Get("C")
	assert.Equal(t, []string{"U1", "U2"}, s.Members)

	h.clk.Advance(time.Minute)
	assert.Equal(t, ActionLeave, h.say("C", "U1", "bye bt"))
	assert.Contains(t, h.sender.last(), "others can keep chatting")
	s, ok = h.reg.Get("C")
	require.True(t, ok)
	assert.Equal(t, []string{"U2"}, s.Members)

	notifier := &recordingSender{}
	m := monitor.New(h.reg, h.mirror, notifier, h.clk, monitor.Options{})
	h.clk.Set(s.LastActive.Add(time.Duration(s.TimeoutMinutes)*time.Minute + time.Minute))

	assert.Equal(t, []string{"C"}, m.Tick(context.Background()))
	_, ok = h.reg.Get("C")
	assert.False(t, ok)
	assert.Equal(t, []string{monitor.InactivityNotice}, notifier.texts())
	assert.False(t, h.mirror.isActive("C"))
}

func TestLastMemberLeavingEndsSession(t *testing.T) {
	h := newHarness(t)
	h.say("C", "U1", "hey bt")

	assert.Equal(t, ActionLeave, h.say("C", "U1", "bye bt"))
	assert.Contains(t, h.sender.last(), "Conversation ended")
	assert.False(t, h.mirror.isActive("C"))
	assert.Empty(t, h.reg.ChannelIDs())

	assert.Equal(t, ActionLeave, h.say("C", "U1", "bye bt"))
	assert.Contains(t, h.sender.last(), "not in a conversation")
}

func TestJoinWithoutSessionPointsAtStartPhrase(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, ActionJoin, h.say("C", "U1", "join bt"))
	assert.Contains(t, h.sender.last(), "hey bt")
	assert.Empty(t, h.reg.ChannelIDs())
	assert.False(t, h.mirror.isActive("C"))
}

func TestStartUsesTimeoutPreference(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.SetTimeout(context.Background(), "U1", 15))

	h.say("C", "U1", "hey bt")
	s, ok := h.reg.Get("C")
	require.True(t, ok)
	assert.Equal(t, 15, s.TimeoutMinutes)
	assert.Contains(t, h.sender.last(), "15 minutes")
}

func TestRepeatedStartAcknowledges(t *testing.T) {
	h := newHarness(t)
	h.say("C", "U1", "hey bt")
	h.say("C", "U1", "hey bt")

	assert.Contains(t, h.sender.last(), "already in the conversation")
	assert.Equal(t, 0, h.promptCount())
}

func TestConversationIncludesPriorTurn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.AppendTurn(ctx, "U", "hi", "hello"))
	_, err := h.reg.Start("C", "U", 5)
	require.NoError(t, err)

	assert.Equal(t, ActionConversation, h.say("C", "U", "how are you?"))

	assert.Equal(t, testPersona+"\n\nUser: hi\nBT: hello\nUser: how are you?\nBT:", h.lastPrompt())
	assert.Equal(t, "beep boop", h.sender.last())
	history, err := h.store.GetHistory(ctx, "U")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.Turn{Prompt: "how are you?", Response: "beep boop"}, history[1])
}

func TestConversationCapsContext(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, h.store.AppendTurn(ctx, "U", "p"+string(rune('0'+i)), "r"))
	}
	_, err := h.reg.Start("C", "U", 5)
	require.NoError(t, err)

	h.say("C", "U", "next")
	prompt := h.lastPrompt()
	assert.Equal(t, 6, strings.Count(prompt, "User: "))
	assert.NotContains(t, prompt, "User: p1\n")
	assert.Contains(t, prompt, "User: p2\n")
}

func TestStartPhraseRemainderIsAnswered(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, ActionJoin, h.say("C", "U", "hey bt, tell me a story"))
	assert.True(t, strings.HasSuffix(h.lastPrompt(), "User: tell me a story\nBT:"))
	texts := h.sender.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "I'm listening")
	assert.Equal(t, "beep boop", texts[1])

	history, err := h.store.GetHistory(context.Background(), "U")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestGenerationFailureRecordsNoTurn(t *testing.T) {
	h := newHarness(t)
	h.genErr = errors.New("model offline")
	_, err := h.reg.Start("C", "U", 5)
	require.NoError(t, err)

	assert.Equal(t, ActionConversation, h.say("C", "U", "hello?"))
	assert.Equal(t, generationApology, h.sender.last())
	history, err := h.store.GetHistory(context.Background(), "U")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestStorageFailureSkipsGeneration(t *testing.T) {
	h := newHarness(t)
	h.store.historyErr = &memory.StorageError{Op: "get history", Err: errors.New("disk gone")}
	_, err := h.reg.Start("C", "U", 5)
	require.NoError(t, err)

	assert.Equal(t, ActionConversation, h.say("C", "U", "hello?"))
	assert.Equal(t, storageApology, h.sender.last())
	assert.Equal(t, 0, h.promptCount())
}

func TestAppendFailureStillReplies(t *testing.T) {
	h := newHarness(t)
	h.store.appendErr = &memory.StorageError{Op: "append turn", Err: errors.New("locked")}
	_, err := h.reg.Start("C", "U", 5)
	require.NoError(t, err)

	h.say("C", "U", "hello?")
	assert.Equal(t, "beep boop", h.sender.last())
}

func TestCooldownRejectsWithoutMutation(t *testing.T) {
	h := newHarness(t, withCooldown(10*time.Second))
	clk := h.clk

	_, err := h.reg.Start("C", "U", 5)
	require.NoError(t, err)

	first := clk.Advance(time.Second)
	assert.Equal(t, ActionConversation, h.say("C", "U", "one"))

	clk.Advance(2 * time.Second)
	assert.Equal(t, ActionCooldown, h.say("C", "U", "two"))
	assert.Contains(t, h.sender.last(), "wait 8 seconds")

	s, _ := h.reg.Get("C")
	assert.Equal(t, first, s.LastActive)
	history, err := h.store.GetHistory(context.Background(), "U")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 1, h.promptCount())

	clk.Advance(8 * time.Second)
	assert.Equal(t, ActionConversation, h.say("C", "U", "three"))
}

func TestCooldownOnAddressedMessageLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t, withCooldown(10*time.Second))
	clk := h.clk

	_, err := h.reg.Start("C", "U", 5)
	require.NoError(t, err)

	first := clk.Advance(time.Second)
	assert.Equal(t, ActionConversation, h.say("C", "U", "hey bt one"))
	assert.Contains(t, h.lastPrompt(), "User: one\nBT:")

	clk.Advance(2 * time.Second)
	assert.Equal(t, ActionCooldown, h.say("C", "U", "hey bt two"))
	assert.Contains(t, h.sender.last(), "wait 8 seconds")

	s, ok := h.reg.Get("C")
	require.True(t, ok)
	assert.Equal(t, first, s.LastActive)
	history, err := h.store.GetHistory(context.Background(), "U")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 1, h.promptCount())
}

func TestLimiterFailureFailsOpen(t *testing.T) {
	h := newHarness(t, withLimiter(failingLimiter{}))
	_, err := h.reg.Start("C", "U", 5)
	require.NoError(t, err)

	assert.Equal(t, ActionConversation, h.say("C", "U", "hi"))
	assert.Equal(t, "beep boop", h.sender.last())
}

func TestNonMemberChatterIsIgnored(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.Start("C", "U1", 5)
	require.NoError(t, err)

	assert.Equal(t, ActionIgnored, h.say("C", "U2", "just talking"))
	assert.Equal(t, ActionIgnored, h.say("C", "U2", "!"))
	assert.Empty(t, h.sender.texts())
	assert.Equal(t, 0, h.promptCount())
}

func TestBuildPromptWithoutPersona(t *testing.T) {
	got := BuildPrompt("", "BT", []models.Turn{{Prompt: "a", Response: "b"}}, "c")
	assert.Equal(t, "User: a\nBT: b\nUser: c\nBT:", got)
}

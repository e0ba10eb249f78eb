package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"bedrock-chatbot/internal/domain"
	"bedrock-chatbot/internal/integrations/bedrock"
	"bedrock-chatbot/internal/session"
)

type generateResult struct {
	text string
	err  error
}

type mockLLM struct {
	mu        sync.Mutex
	results   []generateResult
	requests  []bedrock.Request
	models    []domain.ModelInfo
	modelsErr error
	listCalls int
}

func (m *mockLLM) Generate(_ context.Context, req bedrock.Request) (bedrock.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.results) == 0 {
		return bedrock.Response{Text: fmt.Sprintf("reply %d", len(m.requests))}, nil
	}
	r := m.results[0]
	if len(m.results) > 1 {
		m.results = m.results[1:]
	}
	if r.err != nil {
		return bedrock.Response{}, r.err
	}
	return bedrock.Response{Text: r.text}, nil
}

func (m *mockLLM) ListModels(_ context.Context) ([]domain.ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	return m.models, m.modelsErr
}

func (m *mockLLM) lastRequest(t *testing.T) bedrock.Request {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.requests)
	return m.requests[len(m.requests)-1]
}

type mockHistory struct {
	mu        sync.Mutex
	turns     map[string][]domain.Turn
	appendErr error
	readErr   error
	appends   int
}

func newMockHistory() *mockHistory {
	return &mockHistory{turns: make(map[string][]domain.Turn)}
}

func (m *mockHistory) AppendTurn(_ context.Context, turn domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	if m.appendErr != nil {
		return m.appendErr
	}
	m.turns[turn.SessionID] = append(m.turns[turn.SessionID], turn)
	return nil
}

func (m *mockHistory) ReadHistory(_ context.Context, sessionID string) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	out := make([]domain.Turn, len(m.turns[sessionID]))
	copy(out, m.turns[sessionID])
	return out, nil
}

type mockRecorder struct {
	mu          sync.Mutex
	inferences  []string
	persistence []string
}

func (m *mockRecorder) ObserveInference(model, outcome string, _ time.Duration) {
	m.mu.Lock()
	m.inferences = append(m.inferences, model+":"+outcome)
	m.mu.Unlock()
}

func (m *mockRecorder) PersistenceFailure(op string) {
	m.mu.Lock()
	m.persistence = append(m.persistence, op)
	m.mu.Unlock()
}

type testEnv struct {
	svc      *ChatService
	llm      *mockLLM
	history  *mockHistory
	registry *session.Registry
	recorder *mockRecorder
}

func defaultChatConfig() ChatConfig {
	return ChatConfig{
		Region:       "us-east-1",
		DefaultModel: "us.amazon.nova-pro-v1:0",
		SystemPrompt: "You are a helpful AI assistant powered by AWS. Be concise and friendly.",
		MaxTokens:    2048,
		Temperature:  0.7,
	}
}

func newTestEnv(t *testing.T, cfg ChatConfig, regOpts ...session.Option) *testEnv {
	t.Helper()
	reg, err := session.NewRegistry(session.NewMemoryStore(), regOpts...)
	require.NoError(t, err)
	env := &testEnv{
		llm:      &mockLLM{},
		history:  newMockHistory(),
		registry: reg,
		recorder: &mockRecorder{},
	}
	env.svc, err = NewChatService(reg, env.llm, env.history, cfg, WithRecorder(env.recorder))
	require.NoError(t, err)
	return env
}

func expectError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	require.Equal(t, reason, usecaseErr.Reason)
}

func throttlingErr() error {
	return fmt.Errorf("bedrock: converse with m: %w", &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Too many requests"})
}

func TestNewChatService_ValidatesDependencies(t *testing.T) {
	reg, err := session.NewRegistry(session.NewMemoryStore())
	require.NoError(t, err)

	_, err = NewChatService(nil, &mockLLM{}, newMockHistory(), defaultChatConfig())
	require.Error(t, err)
	_, err = NewChatService(reg, nil, newMockHistory(), defaultChatConfig())
	require.Error(t, err)
	_, err = NewChatService(reg, &mockLLM{}, nil, defaultChatConfig())
	require.Error(t, err)

	cfg := defaultChatConfig()
	cfg.DefaultModel = " "
	_, err = NewChatService(reg, &mockLLM{}, newMockHistory(), cfg)
	require.Error(t, err)
}

func TestSendMessage_MultiTurnConversation(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	env.llm.results = []generateResult{{text: "Hi there!"}, {text: "Bedrock hosts foundation models."}}
	ctx := context.Background()

	first, err := env.svc.SendMessage(ctx, ChatInput{Message: "Hello"})
	require.NoError(t, err)
	require.NotEmpty(t, first.SessionID)
	require.Equal(t, "Hi there!", first.Reply)
	require.Equal(t, "us.amazon.nova-pro-v1:0", first.Model)
	require.Equal(t, "us-east-1", first.Region)

	second, err := env.svc.SendMessage(ctx, ChatInput{Message: "Tell me more", SessionID: first.SessionID})
	require.NoError(t, err)
	require.Equal(t, first.SessionID, second.SessionID)
	require.Equal(t, "Bedrock hosts foundation models.", second.Reply)

	req := env.llm.lastRequest(t)
	require.Equal(t, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "Hello"},
		{Role: domain.RoleAssistant, Content: "Hi there!"},
		{Role: domain.RoleUser, Content: "Tell me more"},
	}, req.Messages)
	require.Equal(t, defaultChatConfig().SystemPrompt, req.System)
	require.Equal(t, int32(2048), req.MaxTokens)
	require.NotNil(t, req.Temperature)
	require.InDelta(t, 0.7, *req.Temperature, 0.0001)

	history, err := env.svc.History(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	roles := []string{domain.RoleUser, domain.RoleAssistant, domain.RoleUser, domain.RoleAssistant}
	for i, turn := range history {
		require.Equal(t, roles[i], turn.Role)
		require.Equal(t, first.SessionID, turn.SessionID)
		require.NotEmpty(t, turn.MessageID)
		if i > 0 {
			require.True(t, turn.Timestamp.After(history[i-1].Timestamp))
		}
	}

	summary, err := env.svc.Session(ctx, first.SessionID)
	require.NoError(t, err)
	require.Equal(t, 2, summary.UserMessages)
	require.Equal(t, 2, summary.AssistantMessages)
	require.Equal(t, "us.amazon.nova-pro-v1:0", summary.Model)
	require.Equal(t, []string{"us.amazon.nova-pro-v1:0:success", "us.amazon.nova-pro-v1:0:success"}, env.recorder.inferences)
}

func TestSendMessage_NewSessionsGetDistinctIDs(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	a, err := env.svc.SendMessage(context.Background(), ChatInput{Message: "one"})
	require.NoError(t, err)
	b, err := env.svc.SendMessage(context.Background(), ChatInput{Message: "two"})
	require.NoError(t, err)
	require.NotEqual(t, a.SessionID, b.SessionID)

	ids, err := env.svc.Sessions(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a.SessionID, b.SessionID}, ids)
}

func TestSendMessage_ModelOverrideIsNotPersisted(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	ctx := context.Background()

	first, err := env.svc.SendMessage(ctx, ChatInput{Message: "Hello"})
	require.NoError(t, err)

	out, err := env.svc.SendMessage(ctx, ChatInput{Message: "Again", SessionID: first.SessionID, ModelID: "us.amazon.nova-lite-v1:0"})
	require.NoError(t, err)
	require.Equal(t, "us.amazon.nova-lite-v1:0", out.Model)
	require.Equal(t, "us.amazon.nova-lite-v1:0", env.llm.lastRequest(t).ModelID)

	summary, err := env.svc.Session(ctx, first.SessionID)
	require.NoError(t, err)
	require.Equal(t, "us.amazon.nova-pro-v1:0", summary.Model)

	out, err = env.svc.SendMessage(ctx, ChatInput{Message: "And again", SessionID: first.SessionID})
	require.NoError(t, err)
	require.Equal(t, "us.amazon.nova-pro-v1:0", out.Model)
}

func TestSendMessage_ModelOnCreationBecomesSessionDefault(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	ctx := context.Background()

	first, err := env.svc.SendMessage(ctx, ChatInput{Message: "Hello", ModelID: "us.amazon.nova-micro-v1:0"})
	require.NoError(t, err)
	require.Equal(t, "us.amazon.nova-micro-v1:0", first.Model)

	next, err := env.svc.SendMessage(ctx, ChatInput{Message: "More", SessionID: first.SessionID})
	require.NoError(t, err)
	require.Equal(t, "us.amazon.nova-micro-v1:0", next.Model)
}

func TestSendMessage_ValidatesInput(t *testing.T) {
	cfg := defaultChatConfig()
	cfg.MaxMessageLength = 5
	env := newTestEnv(t, cfg)

	_, err := env.svc.SendMessage(context.Background(), ChatInput{Message: "   "})
	expectError(t, err, ErrorInvalidInput, "empty_message")

	_, err = env.svc.SendMessage(context.Background(), ChatInput{Message: "too long"})
	expectError(t, err, ErrorInvalidInput, "message_too_long")

	_, err = env.svc.SendMessage(context.Background(), ChatInput{Message: "héllo"})
	require.NoError(t, err)

	require.Len(t, env.llm.requests, 1)
}

func TestSendMessage_InferenceFailure(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	ctx := context.Background()
	first, err := env.svc.SendMessage(ctx, ChatInput{Message: "Hello"})
	require.NoError(t, err)

	env.llm.results = []generateResult{{err: errors.New("bedrock: converse with m: ValidationException")}}
	_, err = env.svc.SendMessage(ctx, ChatInput{Message: "Second", SessionID: first.SessionID})
	expectError(t, err, ErrorModelInvocation, "model_invocation_error")

	history, err := env.svc.History(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, domain.RoleUser, history[2].Role)
	require.Equal(t, "Second", history[2].Content)

	sess, err := env.registry.Get(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)

	env.llm.results = []generateResult{{text: "recovered"}}
	_, err = env.svc.SendMessage(ctx, ChatInput{Message: "Third", SessionID: first.SessionID})
	require.NoError(t, err)
	req := env.llm.lastRequest(t)
	require.Len(t, req.Messages, 3)
	require.Equal(t, "Third", req.Messages[2].Content)
}

func TestSendMessage_Throttled(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	env.llm.results = []generateResult{{err: throttlingErr()}}

	_, err := env.svc.SendMessage(context.Background(), ChatInput{Message: "Hello"})
	expectError(t, err, ErrorRateLimited, "model_throttled")
	require.Equal(t, []string{"us.amazon.nova-pro-v1:0:throttled"}, env.recorder.inferences)
}

func TestSendMessage_BestEffortPersistence(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	env.history.appendErr = errors.New("dynamodb unavailable")

	out, err := env.svc.SendMessage(context.Background(), ChatInput{Message: "Hello"})
	require.NoError(t, err)
	require.Equal(t, "reply 1", out.Reply)
	require.Equal(t, []string{"write", "write"}, env.recorder.persistence)

	sess, err := env.registry.Get(context.Background(), out.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
}

func TestSendMessage_StrictPersistence(t *testing.T) {
	cfg := defaultChatConfig()
	cfg.StrictPersistence = true
	env := newTestEnv(t, cfg)
	env.history.appendErr = errors.New("dynamodb unavailable")

	_, err := env.svc.SendMessage(context.Background(), ChatInput{Message: "Hello", SessionID: "s-1"})
	expectError(t, err, ErrorPersistence, "history_write_error")
	require.Empty(t, env.llm.requests)

	sess, err := env.registry.Get(context.Background(), "s-1")
	require.NoError(t, err)
	require.Empty(t, sess.Turns)
}

func TestSendMessage_UnknownSessionReject(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig(), session.WithPolicy(session.PolicyReject))
	_, err := env.svc.SendMessage(context.Background(), ChatInput{Message: "Hello", SessionID: "nope"})
	expectError(t, err, ErrorSessionNotFound, "unknown_session")
	require.Empty(t, env.llm.requests)
	require.Zero(t, env.history.appends)
}

func TestSendMessage_UnknownSessionResumesPersistedHistory(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env.history.turns["old-session"] = []domain.Turn{
		{SessionID: "old-session", MessageID: "m1", Role: domain.RoleUser, Content: "What is S3?", Timestamp: base},
		{SessionID: "old-session", MessageID: "m2", Role: domain.RoleAssistant, Content: "Object storage.", Timestamp: base.Add(time.Second)},
	}

	out, err := env.svc.SendMessage(context.Background(), ChatInput{Message: "And EBS?", SessionID: "old-session"})
	require.NoError(t, err)
	require.Equal(t, "old-session", out.SessionID)

	req := env.llm.lastRequest(t)
	require.Len(t, req.Messages, 3)
	require.Equal(t, "What is S3?", req.Messages[0].Content)
	require.Equal(t, "And EBS?", req.Messages[2].Content)

	history, err := env.svc.History(context.Background(), "old-session")
	require.NoError(t, err)
	require.Len(t, history, 4)
}

func TestSendMessage_ResumeToleratesHistoryReadFailure(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	env.history.readErr = errors.New("throttled")

	_, err := env.svc.SendMessage(context.Background(), ChatInput{Message: "Hello", SessionID: "s-1"})
	require.NoError(t, err)
	require.Len(t, env.llm.lastRequest(t).Messages, 1)
	require.Equal(t, []string{"read"}, env.recorder.persistence)
}

func TestSendMessage_StrictResumeReadFailureLeavesNoSession(t *testing.T) {
	cfg := defaultChatConfig()
	cfg.StrictPersistence = true
	env := newTestEnv(t, cfg)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env.history.turns["old-session"] = []domain.Turn{
		{SessionID: "old-session", MessageID: "m1", Role: domain.RoleUser, Content: "What is S3?", Timestamp: base},
		{SessionID: "old-session", MessageID: "m2", Role: domain.RoleAssistant, Content: "Object storage.", Timestamp: base.Add(time.Second)},
	}
	env.history.readErr = errors.New("dynamodb unavailable")

	_, err := env.svc.SendMessage(ctx, ChatInput{Message: "And EBS?", SessionID: "old-session"})
	expectError(t, err, ErrorPersistence, "history_read_error")
	ids, err := env.svc.Sessions(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	env.history.mu.Lock()
	env.history.readErr = nil
	env.history.mu.Unlock()

	_, err = env.svc.SendMessage(ctx, ChatInput{Message: "And EBS?", SessionID: "old-session"})
	require.NoError(t, err)
	req := env.llm.lastRequest(t)
	require.Len(t, req.Messages, 3)
	require.Equal(t, "What is S3?", req.Messages[0].Content)
}

func TestSendMessage_ResumeSkipsBlankLeadingTurn(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env.history.turns["old-session"] = []domain.Turn{
		{SessionID: "old-session", MessageID: "m1", Role: domain.RoleUser, Content: "   ", Timestamp: base},
		{SessionID: "old-session", MessageID: "m2", Role: domain.RoleAssistant, Content: "hi", Timestamp: base.Add(time.Second)},
	}

	_, err := env.svc.SendMessage(context.Background(), ChatInput{Message: "Hello again", SessionID: "old-session"})
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{{Role: domain.RoleUser, Content: "Hello again"}}, env.llm.lastRequest(t).Messages)
}

func TestSendMessage_MetricModelLabelIsBounded(t *testing.T) {
	cfg := defaultChatConfig()
	cfg.ModelsCacheTTL = time.Minute
	env := newTestEnv(t, cfg)
	env.llm.models = []domain.ModelInfo{{ID: "anthropic.claude-3-haiku-20240307-v1:0"}}
	ctx := context.Background()

	_, err := env.svc.SendMessage(ctx, ChatInput{Message: "Hello", ModelID: "made-up-model-123"})
	require.NoError(t, err)
	_, err = env.svc.SendMessage(ctx, ChatInput{Message: "Hello", ModelID: "us.amazon.nova-micro-v1:0"})
	require.NoError(t, err)

	_, err = env.svc.ListModels(ctx)
	require.NoError(t, err)
	_, err = env.svc.SendMessage(ctx, ChatInput{Message: "Hello", ModelID: "anthropic.claude-3-haiku-20240307-v1:0"})
	require.NoError(t, err)

	require.Equal(t, []string{
		"other:success",
		"us.amazon.nova-micro-v1:0:success",
		"anthropic.claude-3-haiku-20240307-v1:0:success",
	}, env.recorder.inferences)
}

func TestSendMessage_ContextWindow(t *testing.T) {
	cfg := defaultChatConfig()
	cfg.MaxContextTurns = 3
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	first, err := env.svc.SendMessage(ctx, ChatInput{Message: "one"})
	require.NoError(t, err)
	for _, msg := range []string{"two", "three"} {
		_, err := env.svc.SendMessage(ctx, ChatInput{Message: msg, SessionID: first.SessionID})
		require.NoError(t, err)
	}

	req := env.llm.lastRequest(t)
	require.Len(t, req.Messages, 3)
	require.Equal(t, domain.RoleUser, req.Messages[0].Role)
	require.Equal(t, "two", req.Messages[0].Content)
	require.Equal(t, "three", req.Messages[2].Content)
}

func TestSendMessage_TimestampsAreStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	reg, err := session.NewRegistry(session.NewMemoryStore())
	require.NoError(t, err)
	history := newMockHistory()
	svc, err := NewChatService(reg, &mockLLM{}, history, defaultChatConfig(), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	out, err := svc.SendMessage(context.Background(), ChatInput{Message: "a"})
	require.NoError(t, err)
	_, err = svc.SendMessage(context.Background(), ChatInput{Message: "b", SessionID: out.SessionID})
	require.NoError(t, err)

	turns := history.turns[out.SessionID]
	require.Len(t, turns, 4)
	for i := 1; i < len(turns); i++ {
		require.Equal(t, time.Microsecond, turns[i].Timestamp.Sub(turns[i-1].Timestamp))
	}
	require.Equal(t, fixed, turns[0].Timestamp)
}

func TestSendMessage_SameSessionIsSerialized(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	ctx := context.Background()
	first, err := env.svc.SendMessage(ctx, ChatInput{Message: "start"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.svc.SendMessage(ctx, ChatInput{Message: fmt.Sprintf("msg %d", i), SessionID: first.SessionID})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sess, err := env.registry.Get(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 22)
	user, assistant := sess.CountRoles()
	require.Equal(t, 11, user)
	require.Equal(t, 11, assistant)
	for i := 0; i < len(sess.Turns); i += 2 {
		require.Equal(t, domain.RoleUser, sess.Turns[i].Role)
		require.Equal(t, domain.RoleAssistant, sess.Turns[i+1].Role)
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())

	_, err := env.svc.History(context.Background(), " ")
	expectError(t, err, ErrorInvalidInput, "empty_session_id")

	turns, err := env.svc.History(context.Background(), "never-used")
	require.NoError(t, err)
	require.Empty(t, turns)

	env.history.readErr = errors.New("boom")
	_, err = env.svc.History(context.Background(), "s-1")
	expectError(t, err, ErrorPersistence, "history_read_error")
}

func TestSession_NotFound(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	_, err := env.svc.Session(context.Background(), "missing")
	expectError(t, err, ErrorSessionNotFound, "unknown_session")
}

func TestDeleteSession_KeepsHistory(t *testing.T) {
	env := newTestEnv(t, defaultChatConfig())
	ctx := context.Background()
	out, err := env.svc.SendMessage(ctx, ChatInput{Message: "Hello"})
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteSession(ctx, out.SessionID))

	ids, err := env.svc.Sessions(ctx)
	require.NoError(t, err)
	require.NotContains(t, ids, out.SessionID)

	history, err := env.svc.History(ctx, out.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	err = env.svc.DeleteSession(ctx, out.SessionID)
	expectError(t, err, ErrorSessionNotFound, "unknown_session")
}

func TestErrorFormatting(t *testing.T) {
	err := newError(ErrorPersistence, "history_write_error", errors.New("boom"))
	require.True(t, strings.Contains(err.Error(), "PERSISTENCE_FAILED"))
	require.ErrorContains(t, err, "boom")
	require.Equal(t, "usecase: INVALID_INPUT (empty_message)", newError(ErrorInvalidInput, "empty_message", nil).Error())
}

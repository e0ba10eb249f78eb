package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"bedrock-chatbot/internal/domain"
	"bedrock-chatbot/internal/integrations/bedrock"
	"bedrock-chatbot/internal/session"
)

const (
	defaultMaxMessageLength = 5000

	outcomeSuccess   = "success"
	outcomeError     = "error"
	outcomeThrottled = "throttled"

	otherModelLabel = "other"
)

type LLMClient interface {
	Generate(ctx context.Context, req bedrock.Request) (bedrock.Response, error)
	ListModels(ctx context.Context) ([]domain.ModelInfo, error)
}

type HistoryReadWriter interface {
	AppendTurn(ctx context.Context, turn domain.Turn) error
	ReadHistory(ctx context.Context, sessionID string) ([]domain.Turn, error)
}

type SessionRegistry interface {
	ResolveOrCreate(ctx context.Context, id, modelID string) (*domain.Session, bool, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	Save(ctx context.Context, s *domain.Session) error
	IDs(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
	Lock(id string) func()
}

// Recorder receives orchestration metrics.
type Recorder interface {
	ObserveInference(model, outcome string, d time.Duration)
	PersistenceFailure(op string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveInference(string, string, time.Duration) {}
func (nopRecorder) PersistenceFailure(string)                      {}

// ChatConfig holds the tunables of a ChatService.
type ChatConfig struct {
	Region            string
	DefaultModel      string
	SystemPrompt      string
	MaxMessageLength  int
	MaxContextTurns   int
	MaxTokens         int32
	Temperature       float32
	StrictPersistence bool
	ModelsCacheTTL    time.Duration
}

type ChatService struct {
	registry SessionRegistry
	llm      LLMClient
	history  HistoryReadWriter
	cfg      ChatConfig
	logger   *slog.Logger
	metrics  Recorder
	now      func() time.Time
	newID    func() string
	models   modelCache
}

// Option configures a ChatService.
type Option func(*ChatService)

func WithLogger(l *slog.Logger) Option {
	return func(s *ChatService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *ChatService) {
		if r != nil {
			s.metrics = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *ChatService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithMessageIDGenerator(gen func() string) Option {
	return func(s *ChatService) {
		if gen != nil {
			s.newID = gen
		}
	}
}

type ChatInput struct {
	Message   string
	SessionID string
	ModelID   string
}

type ChatOutput struct {
	Reply     string
	SessionID string
	Model     string
	Region    string
	Timestamp time.Time
}

type SessionSummary struct {
	ID                string
	Model             string
	Region            string
	UserMessages      int
	AssistantMessages int
	CreatedAt         time.Time
}

func NewChatService(reg SessionRegistry, llm LLMClient, history HistoryReadWriter, cfg ChatConfig, opts ...Option) (*ChatService, error) {
	if reg == nil {
		return nil, errors.New("usecase: session registry must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if history == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	cfg.DefaultModel = strings.TrimSpace(cfg.DefaultModel)
	if cfg.DefaultModel == "" {
		return nil, errors.New("usecase: default model must not be empty")
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	if cfg.MaxContextTurns < 0 {
		cfg.MaxContextTurns = 0
	}

	s := &ChatService{
		registry: reg,
		llm:      llm,
		history:  history,
		cfg:      cfg,
		logger:   slog.Default(),
		metrics:  nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		models:   modelCache{ttl: cfg.ModelsCacheTTL},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Region returns the configured AWS region.
func (s *ChatService) Region() string {
	return s.cfg.Region
}

// DefaultModel returns the process-wide default model.
func (s *ChatService) DefaultModel() string {
	return s.cfg.DefaultModel
}

// SendMessage runs one chat exchange: it records the user turn, asks the
// model for a reply with the whole session as context and records the reply.
func (s *ChatService) SendMessage(ctx context.Context, in ChatInput) (ChatOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.cfg.MaxMessageLength {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	override := strings.TrimSpace(in.ModelID)
	requestedID := strings.TrimSpace(in.SessionID)

	if requestedID != "" {
		unlock := s.registry.Lock(requestedID)
		defer unlock()
	}

	sess, created, err := s.registry.ResolveOrCreate(ctx, requestedID, override)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return ChatOutput{}, newError(ErrorSessionNotFound, "unknown_session", err)
		}
		return ChatOutput{}, newError(ErrorInternal, "session_resolve_error", err)
	}
	if requestedID == "" {
		unlock := s.registry.Lock(sess.ID)
		defer unlock()
	}
	logger := s.logger.With("session_id", sess.ID)

	if created && requestedID != "" {
		turns, err := s.history.ReadHistory(ctx, sess.ID)
		switch {
		case err != nil && s.cfg.StrictPersistence:
			// Unregister so the next request under this id hydrates again.
			if derr := s.registry.Delete(ctx, sess.ID); derr != nil {
				logger.Warn("could not discard unhydrated session", "err", derr)
			}
			return ChatOutput{}, newError(ErrorPersistence, "history_read_error", err)
		case err != nil:
			s.metrics.PersistenceFailure("read")
			logger.Warn("could not restore session history", "err", err)
		default:
			sess.Turns = turns
			logger.Debug("restored session history", "turns", len(turns))
		}
	}

	model := s.cfg.DefaultModel
	if sess.ModelID != "" {
		model = sess.ModelID
	}
	if override != "" {
		model = override
	}
	logger = logger.With("model", model)
	label := s.modelLabel(model)

	userTurn := s.newTurn(sess, domain.RoleUser, message)
	sess.Turns = append(sess.Turns, userTurn)
	if err := s.persist(ctx, logger, userTurn); err != nil {
		sess.Turns = sess.Turns[:len(sess.Turns)-1]
		s.saveQuietly(ctx, logger, sess)
		return ChatOutput{}, newError(ErrorPersistence, "history_write_error", err)
	}

	temperature := s.cfg.Temperature
	start := time.Now()
	resp, err := s.llm.Generate(ctx, bedrock.Request{
		ModelID:     model,
		System:      s.cfg.SystemPrompt,
		Messages:    buildPromptMessages(sess.Turns, s.cfg.MaxContextTurns),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		sess.Turns = sess.Turns[:len(sess.Turns)-1]
		s.saveQuietly(ctx, logger, sess)
		if bedrock.IsThrottled(err) {
			s.metrics.ObserveInference(label, outcomeThrottled, time.Since(start))
			logger.Warn("model invocation throttled", "err", err)
			return ChatOutput{}, newError(ErrorRateLimited, "model_throttled", err)
		}
		s.metrics.ObserveInference(label, outcomeError, time.Since(start))
		logger.Error("model invocation failed", "err", err)
		return ChatOutput{}, newError(ErrorModelInvocation, "model_invocation_error", err)
	}
	s.metrics.ObserveInference(label, outcomeSuccess, time.Since(start))

	assistantTurn := s.newTurn(sess, domain.RoleAssistant, resp.Text)
	sess.Turns = append(sess.Turns, assistantTurn)
	if err := s.persist(ctx, logger, assistantTurn); err != nil {
		sess.Turns = sess.Turns[:len(sess.Turns)-1]
		s.saveQuietly(ctx, logger, sess)
		return ChatOutput{}, newError(ErrorPersistence, "history_write_error", err)
	}
	if err := s.registry.Save(ctx, sess); err != nil {
		return ChatOutput{}, newError(ErrorInternal, "session_save_error", err)
	}

	logger.Info("chat completed",
		"turns", len(sess.Turns),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return ChatOutput{
		Reply:     resp.Text,
		SessionID: sess.ID,
		Model:     model,
		Region:    s.cfg.Region,
		Timestamp: assistantTurn.Timestamp,
	}, nil
}

// History returns every persisted turn of a session in timestamp order.
// Sessions without persisted turns yield an empty slice.
func (s *ChatService) History(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, newError(ErrorInvalidInput, "empty_session_id", nil)
	}
	turns, err := s.history.ReadHistory(ctx, sessionID)
	if err != nil {
		s.metrics.PersistenceFailure("read")
		return nil, newError(ErrorPersistence, "history_read_error", err)
	}
	return turns, nil
}

// Session summarizes a registered session.
func (s *ChatService) Session(ctx context.Context, sessionID string) (SessionSummary, error) {
	sess, err := s.registry.Get(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return SessionSummary{}, newError(ErrorSessionNotFound, "unknown_session", err)
		}
		return SessionSummary{}, newError(ErrorInternal, "session_read_error", err)
	}
	model := sess.ModelID
	if model == "" {
		model = s.cfg.DefaultModel
	}
	user, assistant := sess.CountRoles()
	return SessionSummary{
		ID:                sess.ID,
		Model:             model,
		Region:            s.cfg.Region,
		UserMessages:      user,
		AssistantMessages: assistant,
		CreatedAt:         sess.CreatedAt,
	}, nil
}

// Sessions lists the ids of registered sessions.
func (s *ChatService) Sessions(ctx context.Context) ([]string, error) {
	ids, err := s.registry.IDs(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "session_list_error", err)
	}
	return ids, nil
}

// DeleteSession unregisters a session. Its persisted history is kept.
func (s *ChatService) DeleteSession(ctx context.Context, sessionID string) error {
	err := s.registry.Delete(ctx, strings.TrimSpace(sessionID))
	if err == nil {
		s.logger.Info("session deleted", "session_id", sessionID)
		return nil
	}
	if errors.Is(err, session.ErrSessionNotFound) {
		return newError(ErrorSessionNotFound, "unknown_session", err)
	}
	return newError(ErrorInternal, "session_delete_error", err)
}

// newTurn stamps a turn strictly after the newest turn of the session so the
// store's sort key never collides.
func (s *ChatService) newTurn(sess *domain.Session, role, content string) domain.Turn {
	ts := s.now().UTC().Truncate(time.Microsecond)
	if last := sess.LastTimestamp(); !last.IsZero() && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	return domain.Turn{
		SessionID: sess.ID,
		MessageID: s.newID(),
		Role:      role,
		Content:   content,
		Timestamp: ts,
	}
}

// persist writes a turn. Failures only surface in strict mode.
func (s *ChatService) persist(ctx context.Context, logger *slog.Logger, turn domain.Turn) error {
	err := s.history.AppendTurn(ctx, turn)
	if err == nil {
		return nil
	}
	s.metrics.PersistenceFailure("write")
	if s.cfg.StrictPersistence {
		logger.Error("persisting turn failed", "role", turn.Role, "err", err)
		return err
	}
	logger.Warn("persisting turn failed, continuing", "role", turn.Role, "err", err)
	return nil
}

func (s *ChatService) saveQuietly(ctx context.Context, logger *slog.Logger, sess *domain.Session) {
	if err := s.registry.Save(ctx, sess); err != nil {
		logger.Warn("saving session failed", "err", err)
	}
}

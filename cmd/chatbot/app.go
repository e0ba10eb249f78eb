package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsbedrock "github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"bedrock-chatbot/handler"
	"bedrock-chatbot/internal/config"
	"bedrock-chatbot/internal/integrations/bedrock"
	"bedrock-chatbot/internal/integrations/paramstore"
	"bedrock-chatbot/internal/observability"
	"bedrock-chatbot/internal/ratelimit"
	"bedrock-chatbot/internal/repository"
	"bedrock-chatbot/internal/session"
	"bedrock-chatbot/internal/usecase"
)

const evictionInterval = time.Minute

// app is the fully wired service.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	repo     *repository.Client
	llm      *bedrock.Client
	registry *session.Registry
	chat     *usecase.ChatService
	health   *observability.HealthChecker
	metrics  *observability.Metrics
	closers  []func()
}

// parameterSource is the slice of the parameter store client used at startup.
type parameterSource interface {
	GetParameter(ctx context.Context, name string) (string, error)
	GetParametersByPath(ctx context.Context, prefix string) (map[string]string, error)
}

// loadAWS loads the SDK configuration and applies the optional parameter
// store overrides to cfg.
func loadAWS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.ParamPrefix == "" && cfg.SystemPromptParam == "" {
		return awsCfg, nil
	}

	ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return aws.Config{}, err
	}
	if err := applyParameterStore(ctx, cfg, ps, logger); err != nil {
		return aws.Config{}, err
	}
	return awsCfg, nil
}

// applyParameterStore overlays PARAM_PREFIX values, then the single
// SYSTEM_PROMPT_PARAM parameter, which wins over both env and prefix.
func applyParameterStore(ctx context.Context, cfg *config.Config, ps parameterSource, logger *slog.Logger) error {
	if cfg.ParamPrefix != "" {
		params, err := ps.GetParametersByPath(ctx, cfg.ParamPrefix)
		if err != nil {
			return fmt.Errorf("load parameters: %w", err)
		}
		cfg.ApplyParameters(params)
		logger.Info("applied parameter overlay", "prefix", cfg.ParamPrefix, "count", len(params))
	}

	if cfg.SystemPromptParam != "" {
		prompt, err := ps.GetParameter(ctx, cfg.SystemPromptParam)
		switch {
		case errors.Is(err, paramstore.ErrNotFound):
			logger.Warn("system prompt parameter not found, keeping configured prompt", "name", cfg.SystemPromptParam)
		case err != nil:
			return fmt.Errorf("load system prompt: %w", err)
		case strings.TrimSpace(prompt) != "":
			cfg.SystemPrompt = strings.TrimSpace(prompt)
			logger.Info("applied system prompt parameter", "name", cfg.SystemPromptParam)
		}
	}
	return cfg.Validate()
}

func newRepository(awsCfg aws.Config, cfg *config.Config) (*repository.Client, error) {
	return repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.TableName, repository.WithTTL(cfg.HistoryTTL))
}

func newBedrock(awsCfg aws.Config) (*bedrock.Client, error) {
	return bedrock.NewClient(bedrockruntime.NewFromConfig(awsCfg), awsbedrock.NewFromConfig(awsCfg))
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	awsCfg, err := loadAWS(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, health: observability.NewHealthChecker()}

	if a.repo, err = newRepository(awsCfg, cfg); err != nil {
		return nil, err
	}
	if a.llm, err = newBedrock(awsCfg); err != nil {
		return nil, err
	}
	a.health.RegisterCheck(observability.HealthCheck{Name: "dynamodb", Critical: true, CheckFunc: a.repo.Ping})

	store, err := a.newStore(ctx)
	if err != nil {
		return nil, err
	}
	policy, err := session.ParsePolicy(cfg.UnknownSessionPolicy)
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.registry, err = session.NewRegistry(store, session.WithPolicy(policy)); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.initMetrics(); err != nil {
		a.Close()
		return nil, err
	}

	a.chat, err = usecase.NewChatService(a.registry, a.llm, a.repo, usecase.ChatConfig{
		Region:            cfg.Region,
		DefaultModel:      cfg.ModelID,
		SystemPrompt:      cfg.SystemPrompt,
		MaxMessageLength:  cfg.MaxMessageLength,
		MaxContextTurns:   cfg.MaxContextTurns,
		MaxTokens:         int32(cfg.MaxTokens),
		Temperature:       float32(cfg.Temperature),
		StrictPersistence: cfg.StrictPersistence,
		ModelsCacheTTL:    cfg.ModelsCacheTTL,
	}, usecase.WithLogger(logger), usecase.WithRecorder(a.metrics))
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.SessionIdleTTL > 0 && cfg.SessionStore == config.SessionStoreMemory {
		ev, err := session.StartEvictor(a.registry, cfg.SessionIdleTTL, evictionInterval, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, ev.Stop)
	}

	logger.Info("chatbot initialized",
		"region", cfg.Region,
		"model", cfg.ModelID,
		"table", cfg.TableName,
		"session_store", cfg.SessionStore,
	)
	return a, nil
}

func (a *app) newStore(ctx context.Context) (session.Store, error) {
	if a.cfg.SessionStore != config.SessionStoreRedis {
		return session.NewMemoryStore(), nil
	}
	rs, err := session.NewRedisStore(ctx, session.RedisConfig{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
		Prefix:   a.cfg.RedisPrefix,
		TTL:      a.cfg.SessionIdleTTL,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := rs.Close(); err != nil {
			a.logger.Warn("closing redis", "err", err)
		}
	})
	a.health.RegisterCheck(observability.HealthCheck{Name: "redis", CheckFunc: rs.Ping})
	return rs, nil
}

func (a *app) initMetrics() error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := observability.NewMetrics(reg)
	if err != nil {
		return err
	}
	err = m.RegisterActiveSessions(func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ids, err := a.registry.IDs(ctx)
		if err != nil {
			return 0
		}
		return float64(len(ids))
	})
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

func (a *app) handler() (*handler.Handler, error) {
	return handler.NewHandler(a.chat,
		handler.WithLogger(a.logger),
		handler.WithHealthChecker(a.health),
		handler.WithMetrics(a.metrics),
		handler.WithRateLimiter(ratelimit.New(a.cfg.RateLimitRPS, a.cfg.RateLimitBurst)),
		handler.WithRequestTimeout(a.cfg.RequestTimeout),
	)
}

// Close releases background jobs and connections in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

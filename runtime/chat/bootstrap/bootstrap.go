// Package bootstrap assembles the chat runtime described by a config.Config:
// provider clients behind a model router, the optional adaptive rate limiter,
// start retries, the gateway logging middleware, the tool runner and the HTTP
// server with optional Pulse mirroring.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"goa.design/lackey/apitypes"
	"goa.design/lackey/features/model/anthropic"
	"goa.design/lackey/features/model/bedrock"
	"goa.design/lackey/features/model/gateway"
	"goa.design/lackey/features/model/middleware"
	"goa.design/lackey/features/model/openai"
	"goa.design/lackey/features/stream/pulse"
	clientspulse "goa.design/lackey/features/stream/pulse/clients/pulse"
	"goa.design/lackey/runtime/chat/agent"
	"goa.design/lackey/runtime/chat/config"
	"goa.design/lackey/runtime/chat/model"
	"goa.design/lackey/runtime/chat/server"
	"goa.design/lackey/runtime/chat/telemetry"
	"goa.design/lackey/runtime/chat/tools"
)

// rateLimitMapName is the replicated map holding shared budgets.
const rateLimitMapName = "lackey:ratelimit"

type (
	// ProviderFactory builds the client serving one configured model.
	ProviderFactory func(ctx context.Context, m config.Model, tel telemetry.Telemetry) (model.Client, error)

	// Option configures Build.
	Option func(*options)

	// Stack is the assembled runtime.
	Stack struct {
		// Server serves the chat API and opens in-process streams.
		Server *server.Server
		// Models lists the models that could be built.
		Models []apitypes.ModelInfo
		// Limiter is the adaptive rate limiter, nil when disabled.
		Limiter *middleware.AdaptiveRateLimiter

		closers []func(context.Context) error
	}

	options struct {
		tel     telemetry.Telemetry
		factory ProviderFactory
		redis   *redis.Client
	}
)

// WithTelemetry sets the telemetry shared by every component.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// WithProviderFactory replaces NewProvider.
func WithProviderFactory(f ProviderFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithRedis uses rdb instead of connecting to cfg.Redis.Addr. The caller
// keeps ownership of rdb.
func WithRedis(rdb *redis.Client) Option {
	return func(o *options) { o.redis = rdb }
}

// Build assembles the runtime. Models whose provider cannot be built (for
// example because the API key is not set) are skipped with a warning; the
// default model must survive.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*Stack, error) {
	o := options{factory: NewProvider}
	for _, opt := range opts {
		opt(&o)
	}
	o.tel = o.tel.WithDefaults()
	st := &Stack{}

	var routes []gateway.Route
	for _, m := range cfg.Models {
		c, err := o.factory(ctx, m, o.tel)
		if err != nil {
			o.tel.Logger.Warn(ctx, "model unavailable", "model", m.ID, "provider", m.Provider, "err", err)
			continue
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		routes = append(routes, gateway.Route{
			ID:          m.ID,
			Name:        name,
			Provider:    m.Provider,
			Client:      c,
			MaxTokens:   m.MaxTokens,
			Temperature: m.Temperature,
		})
		st.Models = append(st.Models, apitypes.ModelInfo{ID: m.ID, Provider: m.Provider, Default: m.ID == cfg.DefaultModel})
	}
	if len(routes) == 0 {
		return nil, errors.New("no model could be configured")
	}
	router, err := gateway.NewRouter(routes...)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultModel != "" && !router.Has(cfg.DefaultModel) {
		return nil, fmt.Errorf("default model %q is unavailable", cfg.DefaultModel)
	}

	rdb, err := st.redis(ctx, cfg, o)
	if err != nil {
		return nil, err
	}

	var client model.Client = router
	if cfg.RateLimit.InitialTPM > 0 {
		var shared *rmap.Map
		if cfg.RateLimit.ClusterKey != "" {
			shared, err = rmap.Join(ctx, rateLimitMapName, rdb)
			if err != nil {
				_ = st.Close(ctx)
				return nil, fmt.Errorf("join rate limit map: %w", err)
			}
			st.closers = append(st.closers, func(context.Context) error { shared.Close(); return nil })
		}
		st.Limiter = middleware.NewAdaptiveRateLimiter(ctx, shared, cfg.RateLimit.ClusterKey, cfg.RateLimit.InitialTPM, cfg.RateLimit.MaxTPM, o.tel.Logger)
		client = st.Limiter.Wrap(client)
	}
	if cfg.Retry.MaxAttempts > 1 {
		rc := middleware.DefaultRetryConfig()
		rc.MaxAttempts = cfg.Retry.MaxAttempts
		rc.InitialBackoff = cfg.Retry.InitialBackoff
		rc.MaxBackoff = cfg.Retry.MaxBackoff
		client = middleware.Retry(client, rc, o.tel.Logger)
	}

	gw, err := gateway.NewServer(gateway.WithProvider(client), gateway.WithStream(gateway.Logging(o.tel)))
	if err != nil {
		_ = st.Close(ctx)
		return nil, err
	}
	client = gw.Client()

	if len(cfg.Agent.Tools) > 0 {
		selected, err := tools.Select(cfg.Agent.Workspace, cfg.Agent.Tools)
		if err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
		reg, err := tools.NewRegistry(selected...)
		if err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
		client = agent.New(client, reg, agent.WithMaxTurns(cfg.Agent.MaxTurns), agent.WithTelemetry(o.tel))
	}

	sopts := []server.Option{
		server.WithModels(st.Models...),
		server.WithSystemPrompt(cfg.Agent.SystemPrompt),
		server.WithTelemetry(o.tel),
	}
	if cfg.Agent.Context {
		sopts = append(sopts, server.WithWorkspaceContext(cfg.Agent.Workspace))
	}
	if cfg.Mirror.Enabled {
		mirror, err := st.mirror(rdb, cfg.Mirror)
		if err != nil {
			_ = st.Close(ctx)
			return nil, err
		}
		sopts = append(sopts, mirror)
	}
	st.Server = server.New(client, sopts...)
	return st, nil
}

// Close releases the resources acquired by Build in reverse order.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Stack) redis(ctx context.Context, cfg *config.Config, o options) (*redis.Client, error) {
	if !cfg.Mirror.Enabled && cfg.RateLimit.ClusterKey == "" {
		return nil, nil
	}
	if o.redis != nil {
		return o.redis, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	s.closers = append(s.closers, func(context.Context) error { return rdb.Close() })
	return rdb, nil
}

func (s *Stack) mirror(rdb *redis.Client, cfg config.Mirror) (server.Option, error) {
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.StreamMaxLen, OperationTimeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, pc.Close)
	sink, err := pulse.NewSink(pulse.Options{Client: pc})
	if err != nil {
		return nil, err
	}
	sub, err := pulse.NewSubscriber(pulse.SubscriberOptions{Client: pc})
	if err != nil {
		return nil, err
	}
	return server.WithMirror(sink, pulse.NewReplayer(sub, 0)), nil
}

// NewProvider builds the SDK backed client for m. API keys are read from
// the environment variable named by m.APIKeyEnv. Bedrock models use the
// standard AWS_* credential variables.
func NewProvider(ctx context.Context, m config.Model, tel telemetry.Telemetry) (model.Client, error) {
	name := m.Name
	if name == "" {
		name = m.ID
	}
	var (
		c   model.Client
		err error
	)
	switch m.Provider {
	case config.ProviderOpenAI:
		c, err = openai.NewFromAPIKey(m.APIKey(), m.BaseURL, name)
	case config.ProviderAnthropic:
		c, err = anthropic.NewFromAPIKey(m.APIKey(), anthropic.Options{
			DefaultModel: name,
			MaxTokens:    m.MaxTokens,
			Temperature:  float64(m.Temperature),
		})
	case config.ProviderBedrock:
		if m.Region == "" {
			return nil, errors.New("bedrock: region is required")
		}
		rt := bedrockruntime.New(bedrockruntime.Options{
			Region:      m.Region,
			Credentials: aws.NewCredentialsCache(envCredentials{}),
		})
		c, err = bedrock.New(bedrock.Options{
			Runtime:      bedrock.NewRuntime(rt),
			DefaultModel: name,
			MaxTokens:    m.MaxTokens,
			Temperature:  m.Temperature,
			Logger:       tel.Logger,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", m.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%s model %s: %w", m.Provider, m.ID, err)
	}
	return c, nil
}

// envCredentials reads static AWS credentials from the environment.
type envCredentials struct{}

func (envCredentials) Retrieve(context.Context) (aws.Credentials, error) {
	id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id == "" || secret == "" {
		return aws.Credentials{}, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}
	return aws.Credentials{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "Environment",
	}, nil
}

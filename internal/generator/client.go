package generator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/local/clank/internal/config"
)

// tagsResponse and generateResponse mirror the external backend's JSON
// shapes (an Ollama-compatible text-generation API, per SPEC_FULL.md
// §4.C).
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// RestyClient is the resty-backed Generator Client, grounded on
// Danor93-Articles-Chat's RAGClient: a shared client with a fixed
// timeout, retries limited to idempotent calls, and no retry on
// generation requests (a retried generation is not idempotent from the
// chat's point of view — it would double-post).
type RestyClient struct {
	http    *resty.Client // retrying client: catalog/health probes only
	genHTTP *resty.Client // no-retry client: generation calls
	catalog catalogCache
	log     zerolog.Logger
	// limiter guards the rate of generation calls issued to the backend,
	// independent of the per-channel cooldown disciplines the Processor
	// already enforces (SPEC_FULL.md §5).
	limiter *rate.Limiter
}

// generationRateLimit and generationBurst bound the Generator Client's
// own call rate, a floor underneath whatever cooldowns the Processor
// applies per channel.
const (
	generationRateLimit = 2 // requests per second
	generationBurst     = 4
)

// NewRestyClient builds a Client from configuration. When cacheCfg
// names a Redis address, the catalog cache is Redis-backed; otherwise
// an in-memory TTL cache is used.
func NewRestyClient(cfg config.GeneratorConfig, cacheCfg config.CacheConfig, log zerolog.Logger) *RestyClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	h := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= http.StatusInternalServerError
		})

	gen := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout)

	var cat catalogCache
	if cacheCfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cacheCfg.RedisAddr})
		cat = newRedisCatalog(rdb, catalogTTL)
	} else {
		cat = newMemoryCatalog(catalogTTL)
	}

	return &RestyClient{
		http:    h,
		genHTTP: gen,
		catalog: cat,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(generationRateLimit), generationBurst),
	}
}

func (c *RestyClient) ListModels(ctx context.Context) ([]string, error) {
	if cached, ok := c.catalog.get(); ok {
		return cached, nil
	}

	var out tagsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/tags")
	if err != nil {
		return nil, fmt.Errorf("generator: list models: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("generator: list models: status %d", resp.StatusCode())
	}

	names := make([]string, 0, len(out.Models))
	for _, m := range out.Models {
		names = append(names, m.Name)
	}
	c.catalog.set(names)
	return names, nil
}

// IsAvailable is a lightweight probe: it only cares whether the catalog
// call succeeds, not what it returns.
func (c *RestyClient) IsAvailable(ctx context.Context) bool {
	_, err := c.ListModels(ctx)
	return err == nil
}

func (c *RestyClient) GenerateSpontaneous(ctx context.Context, model string, recent []ContextMessage, charLimit int) (string, Result) {
	prompt := buildSpontaneousPrompt(recent, len(recent))
	return c.generate(ctx, model, prompt, charLimit)
}

func (c *RestyClient) GenerateResponse(ctx context.Context, model string, recent []ContextMessage, userName, userText string, charLimit int) (string, Result) {
	prompt := buildResponsePrompt(recent, len(recent), userName, userText)
	return c.generate(ctx, model, prompt, charLimit)
}

// generate issues a single, non-retried generation call (SPEC_FULL.md
// §4.C: retries are reserved for the idempotent catalog/health calls).
func (c *RestyClient) generate(ctx context.Context, model, prompt string, charLimit int) (string, Result) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", ResultUnavailable
	}

	var out generateResponse
	resp, err := c.genHTTP.R().
		SetContext(ctx).
		SetDoNotParseResponse(false).
		SetBody(generateRequest{Model: model, Prompt: prompt, Stream: false}).
		SetResult(&out).
		Post("/api/generate")
	if err != nil {
		c.log.Warn().Err(err).Str("model", model).Msg("generator request failed")
		return "", ResultUnavailable
	}
	if resp.IsError() {
		c.log.Warn().Int("status", resp.StatusCode()).Str("model", model).Msg("generator returned error status")
		return "", ResultUnavailable
	}

	text, ok := postProcess(out.Response)
	if !ok {
		return "", ResultInvalid
	}
	if charLimit > 0 && charLimit < len(text) {
		text = truncateAtWordBoundary(text, charLimit)
		if text == "" {
			return "", ResultInvalid
		}
	}
	return text, ResultOK
}

// ValidateStartupModel fails with a wrapped error naming the catalog
// when the configured default model is absent, for the caller to
// surface as startup_fatal (spec.md §4.G step 4).
func (c *RestyClient) ValidateStartupModel(ctx context.Context, defaultModel string) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("generator: validate startup model: %w", err)
	}
	for _, m := range models {
		if m == defaultModel {
			return nil
		}
	}
	c.catalog.invalidate()
	return fmt.Errorf("%w: %q not in %v", ErrNoDefaultModel, defaultModel, models)
}

func (c *RestyClient) Close() error {
	return nil
}

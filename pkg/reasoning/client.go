package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gregtusar/autotrader/pkg/models"
)

// Request is one prompt pair sent to the reasoning service. Symbols is the
// trader's universe, used by providers that answer without a model.
type Request struct {
	TraderID string
	Model    string
	System   string
	User     string
	Symbols  []string
}

type Reasoner interface {
	Complete(ctx context.Context, req Request) (string, error)
}

const (
	ProviderOpenAI  = "openai"
	ProviderOffline = "offline"
)

type Config struct {
	Provider    string        `mapstructure:"provider" yaml:"provider" validate:"oneof=openai offline"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Model       string        `mapstructure:"model" yaml:"model"`
	AuthType    AuthType      `mapstructure:"auth_type" yaml:"auth_type" validate:"omitempty,oneof=bearer jwt none"`
	JWTKeyID    string        `mapstructure:"jwt_key_id" yaml:"jwt_key_id,omitempty"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer,omitempty"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	RateBurst   int           `mapstructure:"rate_burst" yaml:"rate_burst" validate:"gte=0"`
}

// NewLimiter returns the limiter shared by every client built from cfg. A
// zero rate means no limit.
func NewLimiter(cfg Config) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	auth        Authenticator
	limiter     *rate.Limiter
	httpClient  *http.Client
	logger      *logrus.Logger
}

func NewHTTPClient(cfg Config, auth Authenticator, limiter *rate.Limiter, logger *logrus.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if limiter == nil {
		limiter = NewLimiter(cfg)
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		auth:        auth,
		limiter:     limiter,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *HTTPClient) Complete(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: rate limiter: %v", models.ErrExternalService, err)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		if err := c.auth.AddAuthHeaders(httpReq); err != nil {
			return "", fmt.Errorf("%w: %v", models.ErrExternalService, err)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrExternalService, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", models.ErrExternalService, err)
	}

	c.logger.WithFields(logrus.Fields{
		"trader_id":   req.TraderID,
		"model":       model,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Reasoning service responded")

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", models.ErrExternalService, resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", models.ErrExternalService, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("%w: %s", models.ErrExternalService, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", models.ErrExternalService)
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// OfflineClient answers every request with a hold for each symbol. It lets
// the system run end to end without a reasoning service.
type OfflineClient struct{}

func (OfflineClient) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	type hold struct {
		Symbol    string `json:"symbol"`
		Action    string `json:"action"`
		Reasoning string `json:"reasoning"`
	}
	actions := make([]hold, 0, len(req.Symbols))
	for _, symbol := range req.Symbols {
		actions = append(actions, hold{Symbol: symbol, Action: string(models.ActionHold), Reasoning: "offline provider"})
	}
	out, err := json.Marshal(actions)
	if err != nil {
		return "", err
	}
	return "Running without a reasoning service; holding every position.\n" + string(out), nil
}

// New builds the reasoner for cfg. credential is the resolved secret for the
// configured auth type and is ignored by the offline provider.
func New(cfg Config, credential string, limiter *rate.Limiter, logger *logrus.Logger) (Reasoner, error) {
	switch cfg.Provider {
	case ProviderOffline:
		return OfflineClient{}, nil
	case "", ProviderOpenAI:
		auth, err := NewAuthenticator(cfg.AuthType, credential, cfg.JWTKeyID, cfg.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrConfiguration, err)
		}
		return NewHTTPClient(cfg, auth, limiter, logger), nil
	}
	return nil, fmt.Errorf("%w: unknown reasoning provider %q", models.ErrConfiguration, cfg.Provider)
}

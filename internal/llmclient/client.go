// internal/llmclient/client.go
package llmclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
	"github.com/xkilldash9x/poweragent-cli/internal/backend"
	"github.com/xkilldash9x/poweragent-cli/internal/config"
	"github.com/xkilldash9x/poweragent-cli/internal/grammar"
	"github.com/xkilldash9x/poweragent-cli/internal/history"
	"github.com/xkilldash9x/poweragent-cli/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TruncationWarning is appended to replies cut short by the token limit.
const TruncationWarning = "\n\n[Warning: AI output may have been truncated due to token limits.]"

const (
	maxRedirects      = 10
	maxErrorDetail    = 300
	defaultAPITimeout = 90 * time.Second
)

var errTooManyRedirects = errors.New("stopped after too many redirects")

// TreeSource supplies the UI tree text attached to model requests.
type TreeSource interface {
	TreeText(ctx context.Context, maxDepth int) (string, error)
}

// Request is one model call. Config is the snapshot taken at turn start.
type Request struct {
	History []history.Entry
	Cwd     string
	Mode    Mode
	Config  config.Config
}

// -- OpenAI-compatible wire structures --

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatChoice struct {
	Message *struct {
		Content *string `json:"content"`
	} `json:"message"`
	Text         *string `json:"text"`
	FinishReason string  `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice        `json:"choices"`
	Error   jsoniter.RawMessage `json:"error"`
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	caps       backend.Capabilities
	tree       TreeSource
	limiter    *rate.Limiter
	shell      string
	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its CheckRedirect is kept if set.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc.CheckRedirect == nil {
			hc.CheckRedirect = limitRedirects
		}
		c.httpClient = hc
	}
}

// WithTreeSource enables UI tree auto-attach when the config asks for it.
func WithTreeSource(ts TreeSource) Option {
	return func(c *Client) { c.tree = ts }
}

// WithRequestsPerMinute spaces outbound calls. Zero or less means unlimited.
func WithRequestsPerMinute(rpm float64) Option {
	return func(c *Client) {
		if rpm > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rpm/60), 1)
		}
	}
}

// WithShell names the shell described in the system prompt.
func WithShell(shell string) Option {
	return func(c *Client) { c.shell = shell }
}

// WithClock replaces time.Now for the prompt timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithBackOff replaces the retry schedule between attempts.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// New creates a client. caps decides which grammar sections the prompt offers
// and whether the UI tree can be attached.
func New(logger *zap.Logger, caps backend.Capabilities, opts ...Option) *Client {
	c := &Client{
		logger:     logger.Named("llm_client"),
		httpClient: &http.Client{CheckRedirect: limitRedirects},
		caps:       caps,
		now:        time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 8 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func limitRedirects(_ *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errTooManyRedirects
	}
	return nil
}

// Endpoint joins the configured base URL with the chat completions path,
// without duplicating a trailing /v1.
func Endpoint(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	base = strings.TrimSuffix(base, "/v1")
	return base + "/v1/chat/completions"
}

// Send performs one model call and returns the reply text. Any error is an
// *apperr.Error.
func (c *Client) Send(ctx context.Context, req Request) (string, error) {
	cfg := req.Config.LLM
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APIURL) == "" {
		c.logger.Warn("Model API configuration incomplete.",
			observability.SecretPresence("api_key", cfg.APIKey),
			zap.Bool("api_url_present", strings.TrimSpace(cfg.APIURL) != ""))
		return "", apperr.New(apperr.ConfigIncomplete, "")
	}
	model := cfg.Model()
	if model == "" {
		return "", apperr.New(apperr.ModelNotSelected, "no model selected")
	}

	payload := chatRequest{
		Model:       model,
		Messages:    c.buildMessages(ctx, req),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", apperr.Wrap(apperr.InternalError, err, "failed to marshal request payload")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", apperr.Wrap(apperr.InternalError, err, "request cancelled while waiting for rate limit")
		}
	}

	endpoint := Endpoint(cfg.APIURL)
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	c.logger.Info("Sending model request.",
		zap.String("endpoint", endpoint),
		zap.String("model", model),
		zap.Stringer("mode", req.Mode),
		zap.Int("messages", len(payload.Messages)),
		observability.SecretPresence("api_key", cfg.APIKey))

	var (
		reply string
		tries int
	)
	operation := func() error {
		tries++
		r, err := c.attempt(ctx, endpoint, cfg.APIKey, body, timeout)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			c.logger.Warn("Transient model API error, retrying...", zap.Int("attempt", tries), zap.String("kind", string(err.Kind)), zap.Int("status", err.Status))
			return err
		}
		reply = r
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(attempts-1)), ctx)
	start := time.Now()
	if err := backoff.Retry(operation, b); err != nil {
		if ae, ok := apperr.As(err); ok {
			c.logger.Error("Model request failed.", zap.Int("attempts", tries), zap.String("kind", string(ae.Kind)), zap.Int("status", ae.Status))
			return "", ae
		}
		return "", apperr.Wrap(apperr.InternalError, err, "model request was cancelled")
	}

	c.logger.Info("Model reply received.", zap.Duration("duration", time.Since(start)), zap.Int("attempts", tries), zap.Int("chars", len(reply)))
	return reply, nil
}

func retryable(err *apperr.Error) bool {
	switch err.Kind {
	case apperr.ConnectionError, apperr.Timeout:
		return true
	case apperr.HTTPClientError, apperr.HTTPServerError:
		switch err.Status {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

func (c *Client) attempt(ctx context.Context, endpoint, apiKey string, body []byte, timeout time.Duration) (string, *apperr.Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.ConfigIncomplete, err, "invalid API URL")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", classifyTransport(ctx, err, timeout)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransport(ctx, err, timeout)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apperr.HTTP(resp.StatusCode, errorDetail(respBody))
	}
	return parseReply(respBody)
}

func parseReply(body []byte) (string, *apperr.Error) {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", apperr.Wrap(apperr.MalformedResponse, err, "%s", snippet(string(body)))
	}
	if len(parsed.Choices) == 0 {
		if msg := errorMessage(parsed.Error); msg != "" {
			return "", apperr.New(apperr.UnexpectedResponseShape, "The API returned an error: %s", msg)
		}
		return "", apperr.New(apperr.UnexpectedResponseShape, "No choices in response.")
	}

	choice := parsed.Choices[0]
	var content string
	switch {
	case choice.Message != nil && choice.Message.Content != nil:
		content = *choice.Message.Content
	case choice.Message != nil:
		content = ""
	case choice.Text != nil:
		content = *choice.Text
	default:
		return "", apperr.New(apperr.UnexpectedResponseShape, "No 'content' or 'text' in the first choice.")
	}
	content = strings.TrimSpace(content)
	if choice.FinishReason == "length" {
		content += TruncationWarning
	}
	return content, nil
}

func errorDetail(body []byte) string {
	var parsed struct {
		Error jsoniter.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if msg := errorMessage(parsed.Error); msg != "" {
			return snippet(msg)
		}
	}
	return snippet(string(body))
}

// errorMessage accepts {"error": {"message": "..."}} as well as {"error": "..."}.
func errorMessage(raw jsoniter.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxErrorDetail {
		return string(r[:maxErrorDetail]) + "..."
	}
	return s
}

func classifyTransport(parent context.Context, err error, timeout time.Duration) *apperr.Error {
	var (
		recordErr  tls.RecordHeaderError
		verifyErr  *tls.CertificateVerificationError
		authErr    x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
		netErr     net.Error
	)
	switch {
	case errors.Is(err, errTooManyRedirects):
		return apperr.Wrap(apperr.TooManyRedirects, err, "")
	case errors.As(err, &recordErr), errors.As(err, &verifyErr), errors.As(err, &authErr),
		errors.As(err, &hostErr), errors.As(err, &invalidErr):
		return apperr.Wrap(apperr.TLSError, err, "Check system certificates or proxy settings.")
	case parent.Err() != nil:
		return apperr.Wrap(apperr.InternalError, parent.Err(), "model request was cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.Timeout, err, "No response after %s.", timeout)
	case errors.As(err, &netErr) && netErr.Timeout():
		return apperr.Wrap(apperr.Timeout, err, "No response after %s.", timeout)
	}
	return apperr.Wrap(apperr.ConnectionError, err, "")
}

func apiRole(r history.Role) string {
	switch r {
	case history.RoleUser:
		return "user"
	case history.RoleSystem:
		return "system"
	}
	return "assistant"
}

func (c *Client) buildMessages(ctx context.Context, req Request) []chatMessage {
	prompt := BuildSystemPrompt(PromptContext{
		Shell:            c.shell,
		Cwd:              req.Cwd,
		Mode:             req.Mode,
		Caps:             c.caps,
		Timestamp:        c.now(),
		IncludeTimestamp: req.Config.Agent.IncludeTimestamp,
	})
	messages := []chatMessage{{Role: "system", Content: prompt}}

	for _, e := range req.History {
		content := e.Content
		if e.Role == history.RoleAssistant {
			content = grammar.StripThink(content)
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		messages = append(messages, chatMessage{Role: apiRole(e.Role), Content: content})
	}

	if msg, ok := c.treeMessage(ctx, req.Config.GUI); ok {
		messages = append(messages, msg)
	}
	return messages
}

func (c *Client) treeMessage(ctx context.Context, gui config.GUIConfig) (chatMessage, bool) {
	if !gui.AutoIncludeTree || !gui.Enabled || c.tree == nil || !c.caps.Gui.Usable() {
		return chatMessage{}, false
	}
	depth := gui.TreeMaxDepth
	if depth <= 0 {
		depth = 3
	}
	text, err := c.tree.TreeText(ctx, depth)
	if err != nil {
		c.logger.Warn("Could not read the UI tree for the model request.", zap.Error(err))
		return chatMessage{Role: "system", Content: fmt.Sprintf("The current UI tree could not be retrieved: %v", err)}, true
	}
	return chatMessage{Role: "system", Content: fmt.Sprintf("Current UI tree (depth %d):\n%s", depth, text)}, true
}

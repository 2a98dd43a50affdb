// Package cdp drives keyboard input and GUI automation through a Chrome
// DevTools Protocol endpoint.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultOpTimeout      = 10 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// ErrNotConfigured is returned by Connect when no remote URL is set.
var ErrNotConfigured = errors.New("no CDP remote URL configured")

// Driver is the subset of a CDP session used by the injector and automation.
type Driver interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
	Evaluate(ctx context.Context, script string, res *[]byte) error
}

// Session is a connection to one browser target.
type Session struct {
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	opTimeout   time.Duration
}

var _ Driver = (*Session)(nil)

// Connect attaches to the browser behind cfg.RemoteURL and waits until the
// first target answers.
func Connect(ctx context.Context, logger *zap.Logger, cfg config.CDPConfig) (*Session, error) {
	if cfg.RemoteURL == "" {
		return nil, ErrNotConfigured
	}
	logger = logger.Named("cdp")

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	sessCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(format, args...))
		}),
		chromedp.WithErrorf(func(format string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(format, args...))
		}),
	)

	s := &Session{
		logger:      logger,
		ctx:         sessCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		opTimeout:   defaultOpTimeout,
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	connCtx, connCancel := context.WithTimeout(ctx, timeout)
	defer connCancel()
	if err := s.Run(connCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to attach to %s: %w", cfg.RemoteURL, err)
	}
	logger.Info("Attached to CDP target.", zap.String("remote_url", cfg.RemoteURL))
	return s, nil
}

// Close detaches from the target. The remote browser keeps running.
func (s *Session) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}

// Run executes actions against the session's target. The call is bounded by
// ctx, the session lifetime and the per-operation timeout.
func (s *Session) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, s.opTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("CDP operation timed out after %s: %w", s.opTimeout, runCtx.Err())
	}
	return err
}

// Evaluate runs a script in the page and stores its raw JSON result in res.
func (s *Session) Evaluate(ctx context.Context, script string, res *[]byte) error {
	return s.Run(ctx, chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}))
}

// Ping checks that the target evaluates scripts.
func Ping(ctx context.Context, d Driver) error {
	var res []byte
	if err := d.Evaluate(ctx, "document.readyState", &res); err != nil {
		return err
	}
	var state string
	if err := json.Unmarshal(res, &state); err != nil {
		return fmt.Errorf("unexpected readyState payload %s: %w", string(res), err)
	}
	if state == "" {
		return errors.New("target has no document")
	}
	return nil
}

// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/poweragent-cli/internal/backend"
	"github.com/xkilldash9x/poweragent-cli/internal/config"
	"github.com/xkilldash9x/poweragent-cli/internal/llmclient"
	"github.com/xkilldash9x/poweragent-cli/internal/runner"
)

// -- Config Mock --

// MockConfigProvider mocks config.Provider.
type MockConfigProvider struct {
	mock.Mock
}

func (m *MockConfigProvider) Snapshot() config.Config {
	args := m.Called()
	return args.Get(0).(config.Config)
}

// -- Model Client Mock --

// MockModelClient mocks the model client used by the orchestrator.
type MockModelClient struct {
	mock.Mock
}

func (m *MockModelClient) Send(ctx context.Context, req llmclient.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// -- Backend Mocks --

// MockExecutor mocks backend.Executor.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, req backend.Request) backend.Outcome {
	args := m.Called(ctx, req)
	return args.Get(0).(backend.Outcome)
}

// MockCommandRunner mocks the process runner.
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Execute(ctx context.Context, command, cwd string) runner.Result {
	args := m.Called(ctx, command, cwd)
	return args.Get(0).(runner.Result)
}

// MockInjector mocks backend.Injector and records the event sequence.
type MockInjector struct {
	mock.Mock
	mu     sync.Mutex
	events []string
}

func (m *MockInjector) record(ev string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns "down:<Key>", "up:<Key>" and "text:<text>" entries in call order.
func (m *MockInjector) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func (m *MockInjector) KeyDown(ctx context.Context, key backend.Key, mods backend.Modifier) error {
	m.record("down:" + key.Name)
	args := m.Called(ctx, key, mods)
	return args.Error(0)
}

func (m *MockInjector) KeyUp(ctx context.Context, key backend.Key, mods backend.Modifier) error {
	m.record("up:" + key.Name)
	args := m.Called(ctx, key, mods)
	return args.Error(0)
}

func (m *MockInjector) InsertText(ctx context.Context, text string) error {
	m.record("text:" + text)
	args := m.Called(ctx, text)
	return args.Error(0)
}

// MockClipboard mocks backend.Clipboard.
type MockClipboard struct {
	mock.Mock
}

func (m *MockClipboard) ReadAll() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *MockClipboard) WriteAll(text string) error {
	args := m.Called(text)
	return args.Error(0)
}

// MockAutomation mocks backend.Automation.
type MockAutomation struct {
	mock.Mock
}

func (m *MockAutomation) Find(ctx context.Context, q backend.ControlQuery) (backend.ControlRef, bool, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(backend.ControlRef), args.Bool(1), args.Error(2)
}

func (m *MockAutomation) State(ctx context.Context, ref backend.ControlRef) (backend.ControlState, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(backend.ControlState), args.Error(1)
}

func (m *MockAutomation) Click(ctx context.Context, ref backend.ControlRef) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}

func (m *MockAutomation) SetText(ctx context.Context, ref backend.ControlRef, text string) error {
	args := m.Called(ctx, ref, text)
	return args.Error(0)
}

func (m *MockAutomation) SelectItem(ctx context.Context, ref backend.ControlRef, item string) (bool, error) {
	args := m.Called(ctx, ref, item)
	return args.Bool(0), args.Error(1)
}

func (m *MockAutomation) Toggle(ctx context.Context, ref backend.ControlRef) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}

func (m *MockAutomation) Text(ctx context.Context, ref backend.ControlRef) (string, error) {
	args := m.Called(ctx, ref)
	return args.String(0), args.Error(1)
}

func (m *MockAutomation) Tree(ctx context.Context, maxDepth int) ([]backend.UINode, error) {
	args := m.Called(ctx, maxDepth)
	nodes, _ := args.Get(0).([]backend.UINode)
	return nodes, args.Error(1)
}

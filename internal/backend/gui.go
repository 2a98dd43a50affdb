package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
	"github.com/xkilldash9x/poweragent-cli/internal/config"
	"github.com/xkilldash9x/poweragent-cli/internal/grammar"
)

// ControlQuery locates one control. Empty fields are ignored.
type ControlQuery struct {
	Name         string
	AutomationID string
	ControlType  string
	ClassName    string
	// Parent restricts the search to descendants of a matching control.
	Parent *ControlQuery
}

// Empty reports whether no locator attribute is set.
func (q ControlQuery) Empty() bool {
	return q.Name == "" && q.AutomationID == "" && q.ControlType == "" && q.ClassName == ""
}

func (q ControlQuery) String() string {
	var parts []string
	add := func(prefix string, c ControlQuery) {
		for _, kv := range [][2]string{
			{"name", c.Name}, {"automation_id", c.AutomationID},
			{"control_type", c.ControlType}, {"class_name", c.ClassName},
		} {
			if kv[1] != "" {
				parts = append(parts, fmt.Sprintf("%s%s='%s'", prefix, kv[0], kv[1]))
			}
		}
	}
	add("", q)
	if q.Parent != nil {
		add("parent_", *q.Parent)
	}
	return strings.Join(parts, ", ")
}

// ControlRef is an opaque handle to a control returned by Automation.Find.
type ControlRef string

// Rect is a bounding rectangle in screen pixels.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// ControlState is the snapshot returned by get_control_state. Optional
// pattern properties are nil when the control does not support them.
type ControlState struct {
	Name            string  `json:"Name"`
	ControlTypeName string  `json:"ControlTypeName"`
	AutomationID    string  `json:"AutomationId"`
	ClassName       string  `json:"ClassName"`
	IsEnabled       bool    `json:"IsEnabled"`
	IsVisible       bool    `json:"IsVisible"`
	IsChecked       *bool   `json:"IsChecked,omitempty"`
	IsSelected      *bool   `json:"IsSelected,omitempty"`
	IsExpanded      *bool   `json:"IsExpanded,omitempty"`
	Value           *string `json:"Value,omitempty"`
	IsReadOnly      *bool   `json:"IsReadOnly,omitempty"`
	BoundingRect    *Rect   `json:"BoundingRect,omitempty"`
}

// Automation is the GUI automation driver.
type Automation interface {
	// Find returns found=false (and no error) when nothing matches yet.
	Find(ctx context.Context, q ControlQuery) (ref ControlRef, found bool, err error)
	State(ctx context.Context, ref ControlRef) (ControlState, error)
	Click(ctx context.Context, ref ControlRef) error
	SetText(ctx context.Context, ref ControlRef, text string) error
	// SelectItem returns found=false when the item is not present in the container.
	SelectItem(ctx context.Context, ref ControlRef, item string) (found bool, err error)
	Toggle(ctx context.Context, ref ControlRef) error
	Text(ctx context.Context, ref ControlRef) (string, error)
	Tree(ctx context.Context, maxDepth int) ([]UINode, error)
}

const (
	defaultTreeDepth = 3
	maxTreeDepth     = 10
)

var errControlNotFound = errors.New("control not found")

// GuiBackend executes <gui_action> and <get_ui_info> actions.
type GuiBackend struct {
	logger     *zap.Logger
	automation Automation
	state      State
	cfg        config.GUIConfig
	sleep      func(time.Duration)
}

// GuiOption configures a GuiBackend.
type GuiOption func(*GuiBackend)

// WithGuiSleep replaces time.Sleep for the settle delay.
func WithGuiSleep(sleep func(time.Duration)) GuiOption {
	return func(g *GuiBackend) { g.sleep = sleep }
}

func NewGuiBackend(logger *zap.Logger, automation Automation, state State, cfg config.GUIConfig, opts ...GuiOption) *GuiBackend {
	g := &GuiBackend{
		logger:     logger.Named("gui"),
		automation: automation,
		state:      state,
		cfg:        cfg,
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(g)
	}
	if !cfg.Enabled {
		g.state = Unavailable
	}
	if g.cfg.FindPollInterval <= 0 {
		g.cfg.FindPollInterval = 200 * time.Millisecond
	}
	if g.cfg.FindTimeout <= 0 {
		g.cfg.FindTimeout = 5 * time.Second
	}
	return g
}

// Available reports whether GUI actions can be attempted.
func (g *GuiBackend) Available() bool {
	return g.state.Usable() && g.automation != nil
}

func (g *GuiBackend) unavailable(desc, cwd string) Outcome {
	return failed(desc, cwd, apperr.New(apperr.CapabilityUnavailable,
		"GUI automation is not available on this system.").On(apperr.SurfaceGUI))
}

func (g *GuiBackend) Execute(ctx context.Context, req Request) Outcome {
	a := req.Action
	desc := grammar.Describe(a)
	if !g.Available() {
		return g.unavailable(desc, req.Cwd)
	}

	g.sleep(g.cfg.SettleDelay)
	var (
		msg string
		err error
	)
	if a.Kind == grammar.KindGetUiInfo {
		msg, err = g.uiTree(ctx, a.Params["format"], a.Params["max_depth"])
	} else {
		msg, err = g.dispatch(ctx, a)
	}
	if err != nil {
		g.logger.Warn("GUI action failed.", zap.String("call", a.Call), zap.Error(err))
		if ae, ok := apperr.As(err); ok {
			return failed(desc, req.Cwd, ae.On(apperr.SurfaceGUI))
		}
		return failed(desc, req.Cwd, apperr.Wrap(apperr.ActionRuntimeFailure, err, "%v", err).On(apperr.SurfaceGUI))
	}
	return Outcome{Description: desc, Success: true, Stdout: msg, NewCwd: req.Cwd}
}

func (g *GuiBackend) dispatch(ctx context.Context, a grammar.Action) (string, error) {
	call := strings.ToLower(strings.TrimSpace(a.Call))
	if call == "get_ui_tree" {
		format, _ := a.StringArg("format")
		depth, _ := a.StringArg("max_depth")
		return g.uiTree(ctx, format, depth)
	}
	switch call {
	case "click_control", "set_text", "select_item", "toggle", "toggle_checkbox", "get_text", "get_control_state":
	default:
		return "", fmt.Errorf("unknown GUI call '%s'", a.Call)
	}

	q := queryFromArgs(a)
	if q.Empty() {
		return "", apperr.New(apperr.ActionRuntimeFailure, "%s: at least one locator attribute is required (name, automation_id, control_type or class_name)", call)
	}
	timeout := g.cfg.FindTimeout
	if v, ok := a.StringArg("timeout"); ok {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
	}
	ref, err := g.find(ctx, q, timeout)
	if err != nil {
		return "", err
	}

	switch call {
	case "click_control":
		if err := g.requireEnabled(ctx, ref, q); err != nil {
			return "", err
		}
		if err := g.automation.Click(ctx, ref); err != nil {
			return "", fmt.Errorf("click %s: %w", q, err)
		}
		return fmt.Sprintf("Clicked control (%s).", q), nil

	case "set_text":
		text, ok := a.StringArg("text")
		if !ok {
			text, _ = a.StringArg("value")
		}
		if err := g.requireEnabled(ctx, ref, q); err != nil {
			return "", err
		}
		if err := g.automation.SetText(ctx, ref, text); err != nil {
			return "", fmt.Errorf("set text on %s: %w", q, err)
		}
		return fmt.Sprintf("Set text of control (%s) to '%s'.", q, text), nil

	case "select_item":
		item := firstArg(a, "item", "value", "text", "item_name")
		if item == "" {
			return "", fmt.Errorf("select_item requires an 'item' argument")
		}
		if err := g.selectItem(ctx, ref, item, timeout); err != nil {
			return "", err
		}
		return fmt.Sprintf("Selected '%s' in control (%s).", item, q), nil

	case "toggle", "toggle_checkbox":
		return g.toggle(ctx, ref, q, a)

	case "get_text":
		text, err := g.automation.Text(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("get text of %s: %w", q, err)
		}
		return text, nil

	default: // get_control_state
		st, err := g.automation.State(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("get state of %s: %w", q, err)
		}
		b, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode control state: %w", err)
		}
		return string(b), nil
	}
}

func (g *GuiBackend) find(ctx context.Context, q ControlQuery, timeout time.Duration) (ControlRef, error) {
	deadline := time.Now().Add(timeout)
	for {
		ref, found, err := g.automation.Find(ctx, q)
		if err != nil {
			return "", fmt.Errorf("find %s: %w", q, err)
		}
		if found {
			return ref, nil
		}
		if !g.waitPoll(ctx, deadline) {
			return "", apperr.Wrap(apperr.ActionRuntimeFailure, errControlNotFound,
				"Control not found within %s (%s)", timeout, q)
		}
	}
}

// waitPoll sleeps one poll interval. It returns false once the deadline has
// passed or ctx is done.
func (g *GuiBackend) waitPoll(ctx context.Context, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	wait := g.cfg.FindPollInterval
	if wait > remaining {
		wait = remaining
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (g *GuiBackend) requireEnabled(ctx context.Context, ref ControlRef, q ControlQuery) error {
	st, err := g.automation.State(ctx, ref)
	if err != nil {
		return fmt.Errorf("read state of %s: %w", q, err)
	}
	if !st.IsEnabled {
		return apperr.New(apperr.ActionRuntimeFailure, "Control (%s) is disabled", q)
	}
	return nil
}

func (g *GuiBackend) selectItem(ctx context.Context, ref ControlRef, item string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		found, err := g.automation.SelectItem(ctx, ref, item)
		if err != nil {
			return fmt.Errorf("select '%s': %w", item, err)
		}
		if found {
			return nil
		}
		if !g.waitPoll(ctx, deadline) {
			return apperr.New(apperr.ActionRuntimeFailure, "Item '%s' not found within %s", item, timeout)
		}
	}
}

func (g *GuiBackend) toggle(ctx context.Context, ref ControlRef, q ControlQuery, a grammar.Action) (string, error) {
	st, err := g.automation.State(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("read state of %s: %w", q, err)
	}
	if !st.IsEnabled {
		return "", apperr.New(apperr.ActionRuntimeFailure, "Control (%s) is disabled", q)
	}

	target, hasTarget, err := targetState(a)
	if err != nil {
		return "", err
	}
	if hasTarget && st.IsChecked != nil && *st.IsChecked == target {
		return fmt.Sprintf("Control (%s) is already %s; no change needed.", q, onOff(target)), nil
	}
	if err := g.automation.Toggle(ctx, ref); err != nil {
		return "", fmt.Errorf("toggle %s: %w", q, err)
	}

	after, err := g.automation.State(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("read state of %s: %w", q, err)
	}
	if after.IsChecked == nil {
		return fmt.Sprintf("Toggled control (%s).", q), nil
	}
	if hasTarget && *after.IsChecked != target {
		return "", apperr.New(apperr.ActionRuntimeFailure, "Control (%s) is %s after toggling, expected %s", q, onOff(*after.IsChecked), onOff(target))
	}
	return fmt.Sprintf("Toggled control (%s); it is now %s.", q, onOff(*after.IsChecked)), nil
}

func targetState(a grammar.Action) (bool, bool, error) {
	v, ok := a.Args["state"]
	if !ok || v == nil {
		return false, false, nil
	}
	switch t := v.(type) {
	case bool:
		return t, true, nil
	case float64:
		return t != 0, true, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "on", "true", "checked", "1", "yes":
			return true, true, nil
		case "off", "false", "unchecked", "0", "no":
			return false, true, nil
		}
	}
	return false, false, fmt.Errorf("invalid toggle state %v (expected on/off or true/false)", v)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func firstArg(a grammar.Action, keys ...string) string {
	for _, k := range keys {
		if v, ok := a.StringArg(k); ok && v != "" {
			return v
		}
	}
	return ""
}

func queryFromArgs(a grammar.Action) ControlQuery {
	q := ControlQuery{
		Name:         firstArg(a, "name", "title"),
		AutomationID: firstArg(a, "automation_id", "auto_id"),
		ControlType:  firstArg(a, "control_type"),
		ClassName:    firstArg(a, "class_name"),
	}
	parent := ControlQuery{
		Name:         firstArg(a, "parent_name", "parent_title"),
		AutomationID: firstArg(a, "parent_automation_id", "parent_auto_id"),
		ControlType:  firstArg(a, "parent_control_type"),
		ClassName:    firstArg(a, "parent_class_name"),
	}
	if !parent.Empty() {
		q.Parent = &parent
	}
	return q
}

func (g *GuiBackend) uiTree(ctx context.Context, format, depthArg string) (string, error) {
	depth := clampDepth(depthArg, g.cfg.TreeMaxDepth)
	nodes, err := g.automation.Tree(ctx, depth)
	if err != nil {
		return "", fmt.Errorf("read UI tree: %w", err)
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return RenderTreeJSON(nodes)
	}
	return RenderTreeText(nodes), nil
}

// TreeText returns the current UI tree as text for attaching to a model
// request. It does not wait for the settle delay.
func (g *GuiBackend) TreeText(ctx context.Context, maxDepth int) (string, error) {
	if !g.Available() {
		return "", apperr.New(apperr.CapabilityUnavailable, "GUI automation is not available on this system.").On(apperr.SurfaceGUI)
	}
	return g.uiTree(ctx, "text", strconv.Itoa(maxDepth))
}

func clampDepth(arg string, fallback int) int {
	depth := fallback
	if depth <= 0 {
		depth = defaultTreeDepth
	}
	if n, err := strconv.Atoi(strings.TrimSpace(arg)); err == nil {
		depth = n
	}
	if depth < 1 {
		depth = 1
	}
	if depth > maxTreeDepth {
		depth = maxTreeDepth
	}
	return depth
}

package cdp

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/poweragent-cli/internal/backend"
)

// refAttr marks elements handed out as control references.
const refAttr = "data-poweragent-ref"

// errStaleRef is returned when a referenced element left the document.
var errStaleRef = errors.New("control is no longer available")

// Automation exposes the page DOM as a control tree.
type Automation struct {
	logger *zap.Logger
	driver Driver
}

var _ backend.Automation = (*Automation)(nil)

func NewAutomation(logger *zap.Logger, d Driver) *Automation {
	return &Automation{logger: logger.Named("cdp_automation"), driver: d}
}

// prelude defines the helpers shared by every script. The control type
// vocabulary follows desktop accessibility roles so the model sees the same
// names regardless of the driver.
const prelude = `
const REF = "` + refAttr + `";
const ROLE_TYPES = {
  button: "Button", checkbox: "CheckBox", radio: "RadioButton", textbox: "Edit",
  searchbox: "Edit", combobox: "ComboBox", listbox: "List", option: "ListItem",
  link: "Hyperlink", menu: "Menu", menubar: "MenuBar", menuitem: "MenuItem",
  tab: "TabItem", tablist: "Tab", dialog: "Window", alertdialog: "Window",
  tree: "Tree", treeitem: "TreeItem", slider: "Slider", table: "Table",
  grid: "DataGrid", row: "DataItem", heading: "Text", img: "Image",
  toolbar: "ToolBar", progressbar: "ProgressBar", switch: "CheckBox",
  spinbutton: "Spinner", group: "Group", list: "List", listitem: "ListItem"
};
function ctype(el) {
  const role = el.getAttribute("role");
  if (role && ROLE_TYPES[role]) return ROLE_TYPES[role];
  const tag = el.tagName.toLowerCase();
  if (tag === "input") {
    const t = (el.getAttribute("type") || "text").toLowerCase();
    if (t === "checkbox") return "CheckBox";
    if (t === "radio") return "RadioButton";
    if (["button", "submit", "reset", "image"].includes(t)) return "Button";
    if (t === "range") return "Slider";
    return "Edit";
  }
  switch (tag) {
    case "button": case "summary": return "Button";
    case "textarea": return "Edit";
    case "select": return "ComboBox";
    case "option": case "li": return "ListItem";
    case "ul": case "ol": return "List";
    case "a": return "Hyperlink";
    case "img": case "svg": case "canvas": return "Image";
    case "table": return "Table";
    case "tr": return "DataItem";
    case "h1": case "h2": case "h3": case "h4": case "h5": case "h6":
    case "label": case "p": case "span": return "Text";
    case "nav": case "menu": return "Menu";
    case "dialog": return "Window";
    case "form": case "fieldset": return "Group";
    case "iframe": return "Document";
  }
  if (el.isContentEditable) return "Edit";
  return "Pane";
}
function cname(el) {
  const aria = el.getAttribute("aria-label");
  if (aria) return aria.trim();
  const by = el.getAttribute("aria-labelledby");
  if (by) {
    const lbl = by.split(/\s+/).map(id => document.getElementById(id)).filter(Boolean)
      .map(e => e.textContent.trim()).join(" ");
    if (lbl) return lbl;
  }
  if (el.labels && el.labels.length) return el.labels[0].textContent.trim();
  const tag = el.tagName.toLowerCase();
  if (tag === "input" && ["button", "submit", "reset"].includes((el.type || "").toLowerCase())) return (el.value || "").trim();
  if (tag === "img") return (el.getAttribute("alt") || "").trim();
  if (["input", "textarea", "select"].includes(tag)) return (el.getAttribute("placeholder") || el.getAttribute("title") || "").trim();
  const title = el.getAttribute("title");
  if (title) return title.trim();
  let direct = "";
  for (const n of el.childNodes) if (n.nodeType === 3) direct += n.textContent;
  direct = direct.replace(/\s+/g, " ").trim();
  if (direct) return direct.slice(0, 120);
  if (["button", "a", "li", "option", "label", "summary"].includes(tag) || el.getAttribute("role")) {
    return (el.innerText || el.textContent || "").replace(/\s+/g, " ").trim().slice(0, 120);
  }
  return "";
}
function visible(el) {
  const r = el.getBoundingClientRect();
  const s = getComputedStyle(el);
  return r.width > 0 && r.height > 0 && s.visibility !== "hidden" && s.display !== "none";
}
function enabled(el) {
  return !el.disabled && el.getAttribute("aria-disabled") !== "true";
}
function rect(el) {
  const r = el.getBoundingClientRect();
  const x = window.screenX || 0, y = window.screenY || 0;
  return {left: Math.round(r.left + x), top: Math.round(r.top + y), right: Math.round(r.right + x), bottom: Math.round(r.bottom + y)};
}
function matches(el, q) {
  if (q.automation_id && el.id !== q.automation_id) return false;
  if (q.control_type && ctype(el).toLowerCase() !== q.control_type.toLowerCase()) return false;
  if (q.class_name && !el.classList.contains(q.class_name) && el.className !== q.class_name) return false;
  if (q.name && cname(el) !== q.name) return false;
  return true;
}
function search(root, q) {
  for (const el of root.querySelectorAll("*")) {
    if (matches(el, q) && visible(el)) return el;
  }
  return null;
}
function refOf(el) {
  let ref = el.getAttribute(REF);
  if (!ref) {
    window.__poweragentNext = (window.__poweragentNext || 0) + 1;
    ref = "pa-" + window.__poweragentNext;
    el.setAttribute(REF, ref);
  }
  return ref;
}
function byRef(ref) {
  return document.querySelector("[" + REF + "=" + JSON.stringify(ref) + "]");
}
function fire(el, type) {
  el.dispatchEvent(new Event(type, {bubbles: true}));
}
`

// script wraps body in an IIFE with the prelude and the JSON encoded args
// bound to the name "args".
func script(body string, args interface{}) string {
	return fmt.Sprintf("(function(args){%s\n%s\n})(%s)", prelude, body, jsonEncode(args))
}

func jsonEncode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// eval runs a script and decodes its result into out. A JSON null result is
// reported as found=false.
func (a *Automation) eval(ctx context.Context, js string, out interface{}) (bool, error) {
	var res []byte
	if err := a.driver.Evaluate(ctx, js, &res); err != nil {
		return false, err
	}
	if len(res) == 0 || string(res) == "null" {
		return false, nil
	}
	var env struct {
		Error string              `json:"error"`
		Value jsoniter.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(res, &env); err != nil {
		return false, fmt.Errorf("unexpected script result %s: %w", snippet(res), err)
	}
	if env.Error != "" {
		if env.Error == "stale" {
			return false, errStaleRef
		}
		return false, errors.New(env.Error)
	}
	if out != nil && len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, out); err != nil {
			return false, fmt.Errorf("unexpected script value %s: %w", snippet(env.Value), err)
		}
	}
	return true, nil
}

func snippet(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}

type wireQuery struct {
	Name         string     `json:"name,omitempty"`
	AutomationID string     `json:"automation_id,omitempty"`
	ControlType  string     `json:"control_type,omitempty"`
	ClassName    string     `json:"class_name,omitempty"`
	Parent       *wireQuery `json:"parent,omitempty"`
}

func toWire(q backend.ControlQuery) *wireQuery {
	w := &wireQuery{Name: q.Name, AutomationID: q.AutomationID, ControlType: q.ControlType, ClassName: q.ClassName}
	if q.Parent != nil {
		w.Parent = toWire(*q.Parent)
	}
	return w
}

const findJS = `
function resolve(q) {
  let root = document;
  if (q.parent) {
    root = resolve(q.parent);
    if (!root) return null;
  }
  return search(root, q);
}
const el = resolve(args);
if (!el) return null;
return {value: refOf(el)};`

func (a *Automation) Find(ctx context.Context, q backend.ControlQuery) (backend.ControlRef, bool, error) {
	var ref string
	found, err := a.eval(ctx, script(findJS, toWire(q)), &ref)
	if err != nil || !found {
		return "", false, err
	}
	a.logger.Debug("Control located.", zap.Stringer("query", q), zap.String("ref", ref))
	return backend.ControlRef(ref), true, nil
}

// withRef prefixes body with the lookup of args.ref into el.
func withRef(body string) string {
	return `const el = byRef(args.ref);
if (!el) return {error: "stale"};
` + body
}

const stateJS = `
const tag = el.tagName.toLowerCase();
const type = (el.type || "").toLowerCase();
const st = {
  Name: cname(el), ControlTypeName: ctype(el), AutomationId: el.id || "",
  ClassName: typeof el.className === "string" ? el.className : "",
  IsEnabled: enabled(el), IsVisible: visible(el), BoundingRect: rect(el)
};
if (type === "checkbox" || type === "radio") st.IsChecked = !!el.checked;
else if (el.hasAttribute("aria-checked")) st.IsChecked = el.getAttribute("aria-checked") === "true";
if (tag === "option") st.IsSelected = !!el.selected;
else if (el.hasAttribute("aria-selected")) st.IsSelected = el.getAttribute("aria-selected") === "true";
if (tag === "details") st.IsExpanded = !!el.open;
else if (el.hasAttribute("aria-expanded")) st.IsExpanded = el.getAttribute("aria-expanded") === "true";
if (tag === "input" || tag === "textarea" || tag === "select") {
  st.Value = String(el.value);
  st.IsReadOnly = !!el.readOnly;
} else if (el.isContentEditable) {
  st.Value = el.innerText;
  st.IsReadOnly = false;
}
return {value: st};`

func (a *Automation) State(ctx context.Context, ref backend.ControlRef) (backend.ControlState, error) {
	var st backend.ControlState
	if _, err := a.eval(ctx, script(withRef(stateJS), refArgs(ref, nil)), &st); err != nil {
		return backend.ControlState{}, err
	}
	return st, nil
}

func refArgs(ref backend.ControlRef, extra map[string]interface{}) map[string]interface{} {
	args := map[string]interface{}{"ref": string(ref)}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

const clickJS = `
el.scrollIntoView({block: "center", inline: "center"});
if (typeof el.focus === "function") el.focus();
el.click();
return {value: true};`

func (a *Automation) Click(ctx context.Context, ref backend.ControlRef) error {
	_, err := a.eval(ctx, script(withRef(clickJS), refArgs(ref, nil)), nil)
	return err
}

const setTextJS = `
if (typeof el.focus === "function") el.focus();
const tag = el.tagName.toLowerCase();
if (tag === "input" || tag === "textarea") {
  if (el.readOnly) return {error: "control is read-only"};
  const proto = tag === "input" ? HTMLInputElement.prototype : HTMLTextAreaElement.prototype;
  Object.getOwnPropertyDescriptor(proto, "value").set.call(el, args.text);
} else if (el.isContentEditable) {
  el.textContent = args.text;
} else {
  return {error: "control does not accept text"};
}
fire(el, "input");
fire(el, "change");
return {value: true};`

func (a *Automation) SetText(ctx context.Context, ref backend.ControlRef, text string) error {
	_, err := a.eval(ctx, script(withRef(setTextJS), refArgs(ref, map[string]interface{}{"text": text})), nil)
	return err
}

const selectItemJS = `
if (el.tagName.toLowerCase() === "select") {
  for (const opt of el.options) {
    if (opt.label.trim() === args.item || opt.text.trim() === args.item || opt.value === args.item) {
      el.value = opt.value;
      fire(el, "input");
      fire(el, "change");
      return {value: true};
    }
  }
  return null;
}
for (const it of el.querySelectorAll("[role=option], [role=listitem], [role=treeitem], [role=menuitem], [role=tab], li, option")) {
  if (cname(it) === args.item && visible(it)) {
    it.scrollIntoView({block: "center"});
    it.click();
    return {value: true};
  }
}
return null;`

func (a *Automation) SelectItem(ctx context.Context, ref backend.ControlRef, item string) (bool, error) {
	return a.eval(ctx, script(withRef(selectItemJS), refArgs(ref, map[string]interface{}{"item": item})), nil)
}

const toggleJS = `
const type = (el.type || "").toLowerCase();
if (type === "checkbox" || type === "radio" || el.hasAttribute("aria-checked") || el.getAttribute("role") === "switch") {
  el.click();
  return {value: true};
}
if (el.hasAttribute("aria-pressed")) {
  el.click();
  return {value: true};
}
return {error: "control does not support toggling"};`

func (a *Automation) Toggle(ctx context.Context, ref backend.ControlRef) error {
	_, err := a.eval(ctx, script(withRef(toggleJS), refArgs(ref, nil)), nil)
	return err
}

const textJS = `
const tag = el.tagName.toLowerCase();
if (tag === "input" || tag === "textarea" || tag === "select") return {value: String(el.value)};
return {value: (el.innerText || el.textContent || "").trim()};`

func (a *Automation) Text(ctx context.Context, ref backend.ControlRef) (string, error) {
	var text string
	if _, err := a.eval(ctx, script(withRef(textJS), refArgs(ref, nil)), &text); err != nil {
		return "", err
	}
	return text, nil
}

const treeJS = `
function node(el, depth) {
  const n = {name: cname(el), control_type: ctype(el), is_enabled: enabled(el), rect: rect(el)};
  if (el.id) n.automation_id = el.id;
  if (typeof el.className === "string" && el.className) n.class_name = el.className;
  if (depth < args.depth) {
    const kids = [];
    for (const c of el.children) {
      if (visible(c)) kids.push(node(c, depth + 1));
    }
    if (kids.length) n.children = kids;
  }
  return n;
}
if (!document.body) return {value: []};
return {value: [node(document.body, 1)]};`

func (a *Automation) Tree(ctx context.Context, maxDepth int) ([]backend.UINode, error) {
	var nodes []backend.UINode
	if _, err := a.eval(ctx, script(treeJS, map[string]int{"depth": maxDepth}), &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

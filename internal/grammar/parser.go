// File: internal/grammar/parser.go
package grammar

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/poweragent-cli/internal/apperr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// attrList matches a sequence of name="value", name='value' or name=value
// attributes. Quoted values may contain '>' (JSON args often do).
const attrList = `((?:\s+[a-zA-Z_][\w-]*\s*=\s*(?:"[^"]*"|'[^']*'|[^\s"'/>]+))*)`

var (
	thinkRe           = regexp.MustCompile(`(?is)<think>.*?</think>`)
	unclosedThinkRe   = regexp.MustCompile(`(?is)<think>.*$`)
	cmdRe             = regexp.MustCompile(`(?is)<cmd>(.*?)</cmd>`)
	keyboardRe        = regexp.MustCompile(`(?is)<keyboard` + attrList + `\s*/?>(?:\s*</keyboard>)?`)
	guiActionRe       = regexp.MustCompile(`(?is)<gui_action` + attrList + `\s*/?>(?:\s*</gui_action>)?`)
	getUiInfoRe       = regexp.MustCompile(`(?is)<get_ui_info` + attrList + `\s*/?>(?:\s*</get_ui_info>)?`)
	continueRe        = regexp.MustCompile(`(?i)<continue\s*/?>(?:\s*</continue>)?`)
	attrRe            = regexp.MustCompile(`(?s)([a-zA-Z_][\w-]*)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'/>]+))`)
	excessBlankLineRe = regexp.MustCompile(`\n{3,}`)
)

// actionTagRes are removed from display text, in precedence order.
var actionTagRes = []*regexp.Regexp{cmdRe, keyboardRe, guiActionRe, getUiInfoRe, continueRe}

// StripThink removes <think> regions. An unterminated <think> hides the rest
// of the reply.
func StripThink(text string) string {
	text = thinkRe.ReplaceAllString(text, "")
	return unclosedThinkRe.ReplaceAllString(text, "")
}

// StripActions removes every recognized action tag and trims the result.
// Applying it to its own output is a no-op.
func StripActions(text string) string {
	for {
		next := text
		for _, re := range actionTagRes {
			next = re.ReplaceAllString(next, "")
		}
		next = excessBlankLineRe.ReplaceAllString(next, "\n\n")
		next = strings.TrimSpace(next)
		if next == text {
			return next
		}
		text = next
	}
}

// DisplayText derives the user-visible text of a reply. A reply that begins
// with an error prefix is shown as written, minus any think regions.
func DisplayText(reply string) string {
	cleaned := StripThink(reply)
	display := StripActions(cleaned)
	if display == "" && apperr.IsErrorText(cleaned) {
		return strings.TrimSpace(cleaned)
	}
	return display
}

// Parse extracts at most one action from a model reply. Tags are considered
// in the fixed order cmd, keyboard, gui_action, get_ui_info, continue, and the
// first kind present wins.
func Parse(reply string) Parsed {
	cleaned := StripThink(reply)
	p := Parsed{Display: DisplayText(reply), Action: Action{Kind: KindNone}}

	if m := cmdRe.FindStringSubmatch(cleaned); m != nil {
		if command := strings.TrimSpace(m[1]); command != "" {
			p.Action = Action{Kind: KindCommand, Command: command}
			return p
		}
	}

	if m := keyboardRe.FindStringSubmatch(cleaned); m != nil {
		attrs := parseAttrs(m[1])
		call := strings.ToLower(attrs["call"])
		if call == "" {
			p.Diagnostic = apperr.New(apperr.ActionParseError, "keyboard tag is missing the 'call' attribute: %s", m[0])
			return p
		}
		args := make(map[string]interface{})
		for _, k := range []string{"key", "text", "keys"} {
			if v, ok := attrs[k]; ok {
				args[k] = v
			}
		}
		p.Action = Action{Kind: KindKeyboard, Call: call, Args: args}
		return p
	}

	if m := guiActionRe.FindStringSubmatch(cleaned); m != nil {
		raw := rawAttrs(m[1])
		call := html.UnescapeString(raw["call"])
		if strings.TrimSpace(call) == "" {
			p.Diagnostic = apperr.New(apperr.ActionParseError, "gui_action tag is missing the 'call' attribute: %s", m[0])
			return p
		}
		args, err := decodeArgs(raw["args"])
		if err != nil {
			p.Diagnostic = apperr.Wrap(apperr.ActionParseError, err, "invalid JSON in gui_action args for '%s'", call)
			return p
		}
		p.Action = Action{Kind: KindGui, Call: strings.TrimSpace(call), Args: args}
		return p
	}

	if m := getUiInfoRe.FindStringSubmatch(cleaned); m != nil {
		p.Action = Action{Kind: KindGetUiInfo, Params: parseAttrs(m[1])}
		return p
	}

	if continueRe.MatchString(cleaned) {
		p.Action = Action{Kind: KindContinue}
	}
	return p
}

// rawAttrs returns attribute values as written, with lowercased names.
func rawAttrs(s string) map[string]string {
	out := make(map[string]string)
	for _, idx := range attrRe.FindAllStringSubmatchIndex(s, -1) {
		name := strings.ToLower(s[idx[2]:idx[3]])
		if _, seen := out[name]; seen {
			continue
		}
		switch {
		case idx[4] >= 0:
			out[name] = s[idx[4]:idx[5]]
		case idx[6] >= 0:
			out[name] = s[idx[6]:idx[7]]
		default:
			out[name] = s[idx[8]:idx[9]]
		}
	}
	return out
}

// parseAttrs is rawAttrs with HTML entities decoded.
func parseAttrs(s string) map[string]string {
	out := rawAttrs(s)
	for k, v := range out {
		out[k] = html.UnescapeString(v)
	}
	return out
}

// decodeArgs decodes a gui_action args attribute. A missing attribute means
// no arguments. Entity-escaped JSON (&quot;) is accepted as a fallback.
func decodeArgs(raw string) (map[string]interface{}, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}, nil
	}
	args, err := decodeObject(raw)
	if err == nil {
		return args, nil
	}
	if unescaped := html.UnescapeString(raw); unescaped != raw {
		if args, err2 := decodeObject(unescaped); err2 == nil {
			return args, nil
		}
	}
	return nil, err
}

func decodeObject(raw string) (map[string]interface{}, error) {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("args must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

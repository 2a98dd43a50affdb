package backend

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Modifier is a bitmask of held modifier keys. The values match the CDP
// Input.dispatchKeyEvent modifiers field.
type Modifier int

const (
	ModAlt   Modifier = 1
	ModCtrl  Modifier = 2
	ModMeta  Modifier = 4
	ModShift Modifier = 8
)

// Key is a resolved key. Name is the DOM key value, Code the physical code.
type Key struct {
	Name string
	Code string
	// VK is the Windows virtual key code.
	VK int64
	// Modifier is non-zero for modifier keys.
	Modifier Modifier
	// Text is set for printable single-character keys.
	Text string
}

func (k Key) IsModifier() bool { return k.Modifier != 0 }

var namedKeys = map[string]Key{
	"escape":       {Name: "Escape", Code: "Escape", VK: 27},
	"enter":        {Name: "Enter", Code: "Enter", VK: 13, Text: "\r"},
	"tab":          {Name: "Tab", Code: "Tab", VK: 9},
	"backspace":    {Name: "Backspace", Code: "Backspace", VK: 8},
	"delete":       {Name: "Delete", Code: "Delete", VK: 46},
	"insert":       {Name: "Insert", Code: "Insert", VK: 45},
	"home":         {Name: "Home", Code: "Home", VK: 36},
	"end":          {Name: "End", Code: "End", VK: 35},
	"page_up":      {Name: "PageUp", Code: "PageUp", VK: 33},
	"page_down":    {Name: "PageDown", Code: "PageDown", VK: 34},
	"up":           {Name: "ArrowUp", Code: "ArrowUp", VK: 38},
	"down":         {Name: "ArrowDown", Code: "ArrowDown", VK: 40},
	"left":         {Name: "ArrowLeft", Code: "ArrowLeft", VK: 37},
	"right":        {Name: "ArrowRight", Code: "ArrowRight", VK: 39},
	"space":        {Name: " ", Code: "Space", VK: 32, Text: " "},
	"caps_lock":    {Name: "CapsLock", Code: "CapsLock", VK: 20},
	"menu":         {Name: "ContextMenu", Code: "ContextMenu", VK: 93},
	"print_screen": {Name: "PrintScreen", Code: "PrintScreen", VK: 44},
	"ctrl":         {Name: "Control", Code: "ControlLeft", VK: 17, Modifier: ModCtrl},
	"alt":          {Name: "Alt", Code: "AltLeft", VK: 18, Modifier: ModAlt},
	"shift":        {Name: "Shift", Code: "ShiftLeft", VK: 16, Modifier: ModShift},
	"win":          {Name: "Meta", Code: "MetaLeft", VK: 91, Modifier: ModMeta},
}

var keyAliases = map[string]string{
	"esc":         "escape",
	"return":      "enter",
	"del":         "delete",
	"ins":         "insert",
	"pgup":        "page_up",
	"pageup":      "page_up",
	"pgdn":        "page_down",
	"pagedown":    "page_down",
	"spacebar":    "space",
	"prtscn":      "print_screen",
	"prtsc":       "print_screen",
	"printscreen": "print_screen",
	"capslock":    "caps_lock",
	"control":     "ctrl",
	"option":      "alt",
	"cmd":         "win",
	"command":     "win",
	"super":       "win",
	"windows":     "win",
	"meta":        "win",
	"arrowup":     "up",
	"arrowdown":   "down",
	"arrowleft":   "left",
	"arrowright":  "right",
	"back":        "backspace",
	"apps":        "menu",
}

func init() {
	for i := 1; i <= 20; i++ {
		name := fmt.Sprintf("F%d", i)
		namedKeys[strings.ToLower(name)] = Key{Name: name, Code: name, VK: int64(111 + i)}
	}
}

// ResolveKey maps a case-insensitive key name or alias, or a single
// character, to a Key.
func ResolveKey(name string) (Key, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return Key{}, fmt.Errorf("empty key name")
	}
	lower := strings.ToLower(trimmed)
	if canonical, ok := keyAliases[lower]; ok {
		lower = canonical
	}
	if k, ok := namedKeys[lower]; ok {
		return k, nil
	}
	if utf8.RuneCountInString(trimmed) == 1 {
		return charKey([]rune(trimmed)[0]), nil
	}
	return Key{}, fmt.Errorf("unknown key '%s'", name)
}

func charKey(r rune) Key {
	k := Key{Name: string(r), Text: string(r)}
	switch {
	case r >= 'a' && r <= 'z':
		k.Code = "Key" + strings.ToUpper(string(r))
		k.VK = int64(r - 'a' + 'A')
	case r >= 'A' && r <= 'Z':
		k.Code = "Key" + string(r)
		k.VK = int64(r)
	case r >= '0' && r <= '9':
		k.Code = "Digit" + string(r)
		k.VK = int64(r)
	}
	return k
}

// SplitCombo splits "ctrl+shift+s" into its parts. A trailing "+" names the
// plus key itself ("ctrl++").
func SplitCombo(combo string) []string {
	combo = strings.TrimSpace(combo)
	plus := strings.HasSuffix(combo, "++")
	if plus {
		combo = strings.TrimSuffix(combo, "++")
	}
	var parts []string
	for _, p := range strings.Split(combo, "+") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if plus {
		parts = append(parts, "+")
	}
	return parts
}

package mark

import (
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/webmarker/dom"
)

// CreatePolicy selects which selections open the tooltip in create mode.
type CreatePolicy string

const (
	CreateOnPlain       CreatePolicy = "plain"         // any non-empty selection
	CreateOnAlt         CreatePolicy = "alt"           // Alt held on mouseup
	CreateOnTripleClick CreatePolicy = "triple-click"  // click count >= 3
	CreateOnAltOrTriple CreatePolicy = "alt-or-triple" // either of the above
)

// Allows reports whether a mouseup snapshot qualifies under the policy.
func (p CreatePolicy) Allows(ev dom.Event) bool {
	switch p {
	case CreateOnAlt:
		return ev.Alt
	case CreateOnTripleClick:
		return ev.Detail >= 3
	case CreateOnAltOrTriple:
		return ev.Alt || ev.Detail >= 3
	default:
		return true
	}
}

// Settings are the user-facing options of the engine.
type Settings struct {
	DefaultColor   string        `yaml:"default_color" json:"default_highlight_color"`
	Palette        []string      `yaml:"palette" json:"highlight_colors"`
	Blacklist      []string      `yaml:"blacklist" json:"blacklist"`
	ShortcutSave   string        `yaml:"shortcut_save" json:"shortcut_save"`
	ShortcutDelete string        `yaml:"shortcut_delete" json:"shortcut_delete"`
	CreatePolicy   CreatePolicy  `yaml:"create_policy" json:"create_policy"`
	StabilizeDelay time.Duration `yaml:"stabilize_delay" json:"stabilize_delay"`
	TooltipDelay   time.Duration `yaml:"tooltip_delay" json:"tooltip_delay"`
	RestoreDelay   time.Duration `yaml:"restore_delay" json:"restore_delay"`
	FlashDuration  time.Duration `yaml:"flash_duration" json:"flash_duration"`
}

// DefaultSettings returns the stock settings.
func DefaultSettings() Settings {
	var s Settings
	s.Defaults()
	return s
}

// Defaults fills zero fields.
func (s *Settings) Defaults() {
	if s.DefaultColor == "" {
		s.DefaultColor = "#FFFF00"
	}
	if len(s.Palette) == 0 {
		s.Palette = []string{"#FFFF00", "#99FF99", "#FF9999", "#99CCFF", "#FFCC99"}
	}
	if s.ShortcutSave == "" {
		s.ShortcutSave = "Alt+S"
	}
	if s.ShortcutDelete == "" {
		s.ShortcutDelete = "Alt+D"
	}
	if s.CreatePolicy == "" {
		s.CreatePolicy = CreateOnPlain
	}
	if s.StabilizeDelay <= 0 {
		s.StabilizeDelay = 100 * time.Millisecond
	}
	if s.TooltipDelay <= 0 {
		s.TooltipDelay = 50 * time.Millisecond
	}
	if s.RestoreDelay <= 0 {
		s.RestoreDelay = 500 * time.Millisecond
	}
	if s.FlashDuration <= 0 {
		s.FlashDuration = time.Second
	}
}

// Shortcut is a parsed key chord such as "Alt+S".
type Shortcut struct {
	Key   string
	Alt   bool
	Shift bool
	Ctrl  bool
	Meta  bool
}

// ParseShortcut parses "Mod+Mod+Key". Modifier names are case-insensitive.
func ParseShortcut(s string) (Shortcut, error) {
	var sc Shortcut
	parts := strings.Split(s, "+")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if i == len(parts)-1 {
			if p == "" {
				return Shortcut{}, fmt.Errorf("mark: shortcut %q has no key", s)
			}
			sc.Key = strings.ToLower(p)
			break
		}
		switch strings.ToLower(p) {
		case "alt", "option":
			sc.Alt = true
		case "shift":
			sc.Shift = true
		case "ctrl", "control":
			sc.Ctrl = true
		case "meta", "cmd", "command":
			sc.Meta = true
		default:
			return Shortcut{}, fmt.Errorf("mark: shortcut %q: unknown modifier %q", s, p)
		}
	}
	return sc, nil
}

// Matches reports whether a keydown snapshot is this chord.
func (sc Shortcut) Matches(ev dom.Event) bool {
	return sc.Key != "" &&
		strings.ToLower(ev.Key) == sc.Key &&
		ev.Alt == sc.Alt && ev.Shift == sc.Shift && ev.Ctrl == sc.Ctrl && ev.Meta == sc.Meta
}

// ValidColor reports whether c is a #RGB or #RRGGBB hex color.
func ValidColor(c string) bool {
	if len(c) != 4 && len(c) != 7 || c[0] != '#' {
		return false
	}
	for _, r := range c[1:] {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}

package view

import (
	"strings"
	"unicode"
)

// MatchKind identifies which detection pass produced a match. Passes run in
// the order ExactToken, Substring, Loose.
type MatchKind int

const (
	ExactToken MatchKind = iota + 1
	Substring
	Loose
)

func (k MatchKind) String() string {
	switch k {
	case ExactToken:
		return "exact token"
	case Substring:
		return "substring"
	case Loose:
		return "loose keyword"
	default:
		return "none"
	}
}

// Match explains a detection: the view, the pass that fired and the keyword
// or pattern that matched.
type Match struct {
	View    View
	Kind    MatchKind
	Pattern string
}

// DetectionRule ties a view to the patterns of one detection pass.
type DetectionRule struct {
	View     View
	Kind     MatchKind
	Patterns []string
}

// passes lists the rules of each pass in view precedence order. Changing any
// word here changes detection behavior for existing file names.
var passes = [...][]DetectionRule{
	{
		{Front, ExactToken, []string{"front", "fv", "fnt", "frnt", "f_view", "frontview", "anterior", "fwd", "forward", "facade", "face"}},
		{Back, ExactToken, []string{"back", "bv", "bck", "bk", "rear", "b_view", "backview", "posterior", "behind", "dorsal"}},
		{Left, ExactToken, []string{"left", "lv", "lft", "lt", "l_view", "leftview", "lside", "l_side", "gauche", "izquierda"}},
		{Right, ExactToken, []string{"right", "rv", "rgt", "rt", "r_view", "rightview", "rside", "r_side", "droite", "derecha"}},
		{Top, ExactToken, []string{"top", "tv", "tp", "t_view", "topview", "above", "up", "overhead", "ceil", "upper", "plan"}},
		{Bottom, ExactToken, []string{
			"bottom", "bov", "bot", "btm", "bt", "b_view", "bottomview", "below",
			"down", "under", "ventral", "floor", "base", "sole", "lower",
		}},
	},
	{
		{Front, Substring, []string{"_front", "front_", "-front", "front-", ".front", "_fv", "fv_", "_fnt"}},
		{Back, Substring, []string{"_back", "back_", "-back", "back-", ".back", "_bv", "bv_", "_bck", "_rear"}},
		{Left, Substring, []string{"_left", "left_", "-left", "left-", ".left", "_lv", "lv_", "_lft"}},
		{Right, Substring, []string{"_right", "right_", "-right", "right-", ".right", "_rv", "rv_", "_rgt"}},
		{Top, Substring, []string{"_top", "top_", "-top", "top-", ".top", "_tv", "tv_"}},
		{Bottom, Substring, []string{"_bottom", "bottom_", "-bottom", "bottom-", ".bottom", "_bot", "bot_", "_btm", "btm_"}},
	},
	{
		{Front, Loose, []string{"front", "anterior", "forward", "facade"}},
		{Back, Loose, []string{"back", "rear", "posterior", "behind"}},
		{Left, Loose, []string{"left"}},
		{Right, Loose, []string{"right"}},
		{Top, Loose, []string{"top", "above", "overhead"}},
		{Bottom, Loose, []string{"bottom", "below", "under"}},
	},
}

// Rules returns a copy of the detection rules in evaluation order.
func Rules() []DetectionRule {
	var rules []DetectionRule

	for _, pass := range passes {
		for _, rule := range pass {
			rules = append(rules, DetectionRule{
				View:     rule.View,
				Kind:     rule.Kind,
				Patterns: append([]string(nil), rule.Patterns...),
			})
		}
	}

	return rules
}

// Detect guesses the view of a reference image from its file name. It
// reports false when no keyword matches; no default view is assumed.
func Detect(filename string) (View, bool) {
	match, ok := Explain(filename)

	return match.View, ok
}

// Explain is Detect with the reason for the match.
func Explain(filename string) (Match, bool) {
	name := normalize(filename)
	tokens := tokenize(name)

	for _, pass := range passes {
		for _, rule := range pass {
			if pattern, ok := rule.matches(name, tokens); ok {
				return Match{View: rule.View, Kind: rule.Kind, Pattern: pattern}, true
			}
		}
	}

	return Match{}, false
}

func (r DetectionRule) matches(name string, tokens []string) (string, bool) {
	for _, pattern := range r.Patterns {
		if r.Kind == ExactToken {
			for _, token := range tokens {
				if token == pattern {
					return pattern, true
				}
			}

			continue
		}

		if strings.Contains(name, pattern) {
			return pattern, true
		}
	}

	return "", false
}

// normalize lowercases the base name of path and drops its extension.
// Both slash styles count as separators so Windows paths work everywhere.
// Leading dots never start an extension (".front" keeps its name).
func normalize(path string) string {
	base := path
	if index := strings.LastIndexAny(base, `/\`); index >= 0 {
		base = base[index+1:]
	}

	trimmed := strings.TrimLeft(base, ".")
	if dot := strings.LastIndex(trimmed, "."); dot >= 0 {
		base = base[:len(base)-len(trimmed)+dot]
	}

	return strings.ToLower(base)
}

func tokenize(name string) []string {
	return strings.FieldsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || r == '_' || r == '-' || r == '.'
	})
}

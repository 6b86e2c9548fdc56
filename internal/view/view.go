// Package view names the six canonical reference-plane orientations and
// guesses one of them from a file name.
package view

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownView is returned by Parse when the label names no view.
var ErrUnknownView = errors.New("unknown view")

// View is one of the six canonical orientations of a reference plane.
// The zero value is None and means that no view applies.
type View int

// Views in their fixed precedence order.
const (
	None View = iota
	Front
	Back
	Left
	Right
	Top
	Bottom
)

// Count is the number of real views, None excluded.
const Count = 6

var names = [...]string{
	None:   "None",
	Front:  "Front",
	Back:   "Back",
	Left:   "Left",
	Right:  "Right",
	Top:    "Top",
	Bottom: "Bottom",
}

// All returns the six views in precedence order.
func All() []View {
	return []View{Front, Back, Left, Right, Top, Bottom}
}

// Valid reports whether v is one of the six real views.
func (v View) Valid() bool {
	return v >= Front && v <= Bottom
}

func (v View) String() string {
	if v < None || v > Bottom {
		return fmt.Sprintf("View(%d)", int(v))
	}

	return names[v]
}

// MarshalText encodes the view as its label.
func (v View) MarshalText() ([]byte, error) {
	if !v.Valid() && v != None {
		return nil, fmt.Errorf("marshal %s: %w", v, ErrUnknownView)
	}

	return []byte(v.String()), nil
}

// UnmarshalText decodes a label produced by MarshalText.
func (v *View) UnmarshalText(text []byte) error {
	if strings.EqualFold(string(text), names[None]) || len(text) == 0 {
		*v = None

		return nil
	}

	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}

// Parse reads a view label such as "front" or " Bottom ". Case and
// surrounding whitespace or punctuation are ignored.
func Parse(label string) (View, error) {
	cleaned := strings.Trim(strings.ToLower(label), " \t\r\n.,:;\"'`*")
	for _, candidate := range All() {
		if cleaned == strings.ToLower(names[candidate]) {
			return candidate, nil
		}
	}

	return None, fmt.Errorf("parse %q: %w", label, ErrUnknownView)
}

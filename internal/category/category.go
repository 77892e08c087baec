// Package category defines the fixed set of repair categories.
//
// The category key is the persisted and wire form; the human-readable
// label exists only at render time. Both intake and browse filtering
// go through this single table, so a key can never drift from its
// label.
package category

import (
	"errors"
	"fmt"
)

// Key identifies a repair category.
type Key string

const (
	Plumbing     Key = "plumbing"
	Electrical   Key = "electrical"
	Appliances   Key = "appliances"
	Furniture    Key = "furniture"
	DoorsWindows Key = "doors_windows"
	Other        Key = "other"
)

// ErrUnknown is returned when a string does not name a category.
var ErrUnknown = errors.New("unknown category")

// ordered is the display order used for menus and badges.
var ordered = []Key{Plumbing, Electrical, Appliances, Furniture, DoorsWindows, Other}

var labels = map[Key]string{
	Plumbing:     "Plumbing 🚿",
	Electrical:   "Electrical ⚡",
	Appliances:   "Appliances 🌀",
	Furniture:    "Furniture assembly 🛋️",
	DoorsWindows: "Doors/Windows 🚪",
	Other:        "Other 🔧",
}

// All returns every category key in display order.
func All() []Key {
	out := make([]Key, len(ordered))
	copy(out, ordered)
	return out
}

// Label returns the display label for k, or the raw key if k is not a
// known category (stored data is never rendered as an empty string).
func Label(k Key) string {
	if l, ok := labels[k]; ok {
		return l
	}
	return string(k)
}

// Parse validates s as a category key.
func Parse(s string) (Key, error) {
	k := Key(s)
	if _, ok := labels[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknown, s)
	}
	return k, nil
}

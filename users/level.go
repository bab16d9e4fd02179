package users

import (
	"fmt"
	"strconv"
	"strings"
)

// Level is a permission tier. Higher levels include every right of the
// lower ones.
type Level uint8

const (
	ReadOnly Level = iota
	ReadWrite
	Admin
	SuperAdmin

	numLevels = iota
)

var levelNames = [numLevels]string{
	ReadOnly:   "read-only",
	ReadWrite:  "read-write",
	Admin:      "admin",
	SuperAdmin: "super-admin",
}

// AtLeast reports whether l grants everything required grants.
func (l Level) AtLeast(required Level) bool {
	return l >= required
}

func (l Level) Valid() bool {
	return l < numLevels
}

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
	return levelNames[l]
}

// ParseLevel accepts either the numeric form ("0".."3") or a level name.
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		if l := Level(n); l.Valid() {
			return l, nil
		}
		return 0, fmt.Errorf("users: invalid level %q", s)
	}
	for l, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(l), nil
		}
	}
	return 0, fmt.Errorf("users: invalid level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("users: invalid level %d", uint8(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	v, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

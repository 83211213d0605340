// Package category handles battle category code parsing and validation.
// Category codes scope emission caps and correlate pool stakes.
package category

import (
	"errors"
	"fmt"
	"regexp"
)

// Supported game modes.
const (
	ModeArena      = "arena"
	ModeDuel       = "duel"
	ModeRaid       = "raid"
	ModeTournament = "tournament"
)

var validModes = map[string]bool{
	ModeArena:      true,
	ModeDuel:       true,
	ModeRaid:       true,
	ModeTournament: true,
}

// codeRegex matches: {mode}-{tier} with an optional -{variant} suffix.
// Example: arena-gold, raid-t3-hardcore
var codeRegex = regexp.MustCompile(
	`^([a-z]+)-([a-z0-9]+)(?:-([a-z0-9]+))?$`,
)

var (
	ErrInvalidCode = errors.New("category: invalid category code")
	ErrInvalidMode = errors.New("category: unsupported game mode")
)

// Category represents a parsed battle category code.
type Category struct {
	Code    string `json:"code"`
	Mode    string `json:"mode"`
	Tier    string `json:"tier"`
	Variant string `json:"variant,omitempty"`
}

// Parse parses and validates a category code string.
// Format: {mode}-{tier}[-{variant}]
func Parse(code string) (*Category, error) {
	matches := codeRegex.FindStringSubmatch(code)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {mode}-{tier}[-{variant}])",
			ErrInvalidCode, code)
	}

	mode := matches[1]
	if !validModes[mode] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}

	return &Category{
		Code:    code,
		Mode:    mode,
		Tier:    matches[2],
		Variant: matches[3],
	}, nil
}

// CorrelationGroup returns the key under which stakes in this category are
// aggregated for exposure limits: everything in the same mode correlates.
func (c *Category) CorrelationGroup() string {
	return c.Mode
}

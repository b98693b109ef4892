package billing

import (
	"fmt"
	"slices"
	"sort"

	"github.com/shopspring/decimal"
)

// Addon is an optional module billed as a percentage of the plan price.
type Addon string

const (
	AddonPlanning    Addon = "planning"
	AddonAIAssistant Addon = "ai_assistant"
	AddonWorkflows   Addon = "workflows"
)

var addonRates = map[Addon]decimal.Decimal{
	AddonPlanning:    decimal.RequireFromString("0.10"),
	AddonAIAssistant: decimal.RequireFromString("0.15"),
	AddonWorkflows:   decimal.RequireFromString("0.10"),
}

// ParseAddon validates an addon key.
func ParseAddon(s string) (Addon, error) {
	a := Addon(s)
	if _, ok := addonRates[a]; !ok {
		return "", fmt.Errorf("unknown addon %q", s)
	}
	return a, nil
}

// Rate is the share of the plan price charged for the addon.
func (a Addon) Rate() decimal.Decimal {
	return addonRates[a]
}

// AddonSet is a sorted set of addon keys.
type AddonSet []Addon

// NewAddonSet builds a set from keys, dropping duplicates.
func NewAddonSet(keys ...Addon) AddonSet {
	out := make(AddonSet, 0, len(keys))
	for _, k := range keys {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AddonSetFromStrings converts stored keys. Unknown keys are kept so that a
// retired addon does not vanish from existing subscriptions.
func AddonSetFromStrings(keys []string) AddonSet {
	set := make([]Addon, len(keys))
	for i, k := range keys {
		set[i] = Addon(k)
	}
	return NewAddonSet(set...)
}

// Has reports membership.
func (s AddonSet) Has(a Addon) bool {
	return slices.Contains(s, a)
}

// With returns s ∪ {a}.
func (s AddonSet) With(a Addon) AddonSet {
	return NewAddonSet(append(slices.Clone(s), a)...)
}

// Without returns s \ {a}.
func (s AddonSet) Without(a Addon) AddonSet {
	out := make(AddonSet, 0, len(s))
	for _, k := range s {
		if k != a {
			out = append(out, k)
		}
	}
	return out
}

// Toggle adds a if absent, removes it otherwise.
func (s AddonSet) Toggle(a Addon) AddonSet {
	if s.Has(a) {
		return s.Without(a)
	}
	return s.With(a)
}

// Strings returns keys for storage.
func (s AddonSet) Strings() []string {
	out := make([]string, len(s))
	for i, k := range s {
		out[i] = string(k)
	}
	return out
}

// Package featureflags provides runtime switches operators flip without a deploy:
// pausing notifications or sweeps and taking a traffic provider out of the chain.
package featureflags

import (
	"strings"
	"time"
)

// Well-known flag keys.
const (
	// FlagPauseNotifications suppresses delay notifications. Checks still run and
	// are recorded; suppressed notifications are not added to the history.
	FlagPauseNotifications = "pause_notifications"

	// FlagPauseSweeps skips scheduled sweeps. Operator-triggered sweeps still run.
	FlagPauseSweeps = "pause_sweeps"

	providerFlagPrefix = "disable_provider_"
)

// ProviderFlag returns the key that takes the named traffic provider out of the chain.
func ProviderFlag(provider string) string {
	return providerFlagPrefix + provider
}

// IsProviderFlag reports whether key is a provider switch.
func IsProviderFlag(key string) bool {
	return strings.HasPrefix(key, providerFlagPrefix) && len(key) > len(providerFlagPrefix)
}

// Flag is a boolean switch with its audit fields.
type Flag struct {
	Key       string    `json:"key"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
}

// Known reports whether key names a switch the engine consults.
func Known(key string) bool {
	if IsProviderFlag(key) {
		return true
	}
	_, ok := DefaultFlags()[key]
	return ok
}

// DefaultFlags returns the value of every non-provider switch when it has never been set.
func DefaultFlags() map[string]*Flag {
	return map[string]*Flag{
		FlagPauseNotifications: {Key: FlagPauseNotifications},
		FlagPauseSweeps:        {Key: FlagPauseSweeps},
	}
}

package config

import "time"

type Config interface {
	AllowNonRootAccess() bool
	SingleShotTimeout() time.Duration
	DrainTimeout() time.Duration
	AttachGrace() time.Duration
	OutboxSize() int
	NmeaReplayPath() string
	ReplayInterval() time.Duration
	CountryCode() string
	MaxFences() int

	SetAllowNonRootAccess(bool)
	SetSingleShotTimeout(time.Duration)
	SetNmeaReplayPath(string)
	SetCountryCode(string)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}

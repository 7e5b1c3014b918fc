package config

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/locd/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		AllowNonRootAccess:  ptr.To(false),
		SingleShotTimeoutMs: ptr.To(10000),
		DrainTimeoutMs:      ptr.To(2000),
		AttachGraceMs:       ptr.To(30000),
		OutboxSize:          ptr.To(256),
		// No replay by default. Sentences can still be injected.
		NmeaReplayPath:   ptr.To(""),
		ReplayIntervalMs: ptr.To(1000),
		CountryCode:      ptr.To("US"),
		MaxFences:        ptr.To(1000),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	AllowNonRootAccess  *bool   `json:"allowNonRootAccess,omitempty"`
	SingleShotTimeoutMs *int    `json:"singleShotTimeoutMs,omitempty"`
	DrainTimeoutMs      *int    `json:"drainTimeoutMs,omitempty"`
	AttachGraceMs       *int    `json:"attachGraceMs,omitempty"`
	OutboxSize          *int    `json:"outboxSize,omitempty"`
	NmeaReplayPath      *string `json:"nmeaReplayPath,omitempty"`
	ReplayIntervalMs    *int    `json:"replayIntervalMs,omitempty"`
	CountryCode         *string `json:"countryCode,omitempty"`
	MaxFences           *int    `json:"maxFences,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	rawConfig := &RawFileConfig{
		AllowNonRootAccess:  ptr.To(c.AllowNonRootAccess()),
		SingleShotTimeoutMs: ptr.To(int(c.SingleShotTimeout().Milliseconds())),
		DrainTimeoutMs:      ptr.To(int(c.DrainTimeout().Milliseconds())),
		AttachGraceMs:       ptr.To(int(c.AttachGrace().Milliseconds())),
		OutboxSize:          ptr.To(c.OutboxSize()),
		NmeaReplayPath:      ptr.To(c.NmeaReplayPath()),
		ReplayIntervalMs:    ptr.To(int(c.ReplayInterval().Milliseconds())),
		CountryCode:         ptr.To(c.CountryCode()),
		MaxFences:           ptr.To(c.MaxFences()),
	}

	return rawConfig, nil
}

// value returns the field picked by get, falling back to the default table.
func value[T any](f *File, get func(*RawFileConfig) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if v := get(f.c); v != nil {
		return *v
	}
	return *get(defaultFileConfig)
}

// positive is like value, but non-positive numbers also fall back.
func positive(f *File, get func(*RawFileConfig) *int) int {
	v := value(f, get)
	if v <= 0 {
		return *get(defaultFileConfig)
	}
	return v
}

func (f *File) AllowNonRootAccess() bool {
	return value(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess })
}

func (f *File) SingleShotTimeout() time.Duration {
	ms := positive(f, func(c *RawFileConfig) *int { return c.SingleShotTimeoutMs })
	return time.Duration(ms) * time.Millisecond
}

func (f *File) DrainTimeout() time.Duration {
	ms := positive(f, func(c *RawFileConfig) *int { return c.DrainTimeoutMs })
	return time.Duration(ms) * time.Millisecond
}

// AttachGrace is how long a context may stay without an event stream.
func (f *File) AttachGrace() time.Duration {
	ms := positive(f, func(c *RawFileConfig) *int { return c.AttachGraceMs })
	return time.Duration(ms) * time.Millisecond
}

func (f *File) OutboxSize() int {
	return positive(f, func(c *RawFileConfig) *int { return c.OutboxSize })
}

func (f *File) NmeaReplayPath() string {
	return value(f, func(c *RawFileConfig) *string { return c.NmeaReplayPath })
}

func (f *File) ReplayInterval() time.Duration {
	ms := positive(f, func(c *RawFileConfig) *int { return c.ReplayIntervalMs })
	return time.Duration(ms) * time.Millisecond
}

func (f *File) CountryCode() string {
	code := value(f, func(c *RawFileConfig) *string { return c.CountryCode })
	if code == "" {
		return *defaultFileConfig.CountryCode
	}
	return strings.ToUpper(code)
}

func (f *File) MaxFences() int {
	return positive(f, func(c *RawFileConfig) *int { return c.MaxFences })
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AllowNonRootAccess = &b
}

func (f *File) SetSingleShotTimeout(d time.Duration) {
	if f.c == nil {
		panic("config is nil")
	}
	if d <= 0 {
		panic("single-shot timeout must be positive")
	}

	ms := int(d.Milliseconds())
	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.SingleShotTimeoutMs = &ms
}

func (f *File) SetNmeaReplayPath(p string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.NmeaReplayPath = &p
}

func (f *File) SetCountryCode(code string) {
	if f.c == nil {
		panic("config is nil")
	}

	code = strings.ToUpper(code)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.CountryCode = &code
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// An empty file is a valid, empty config, which json.Decoder would
	// reject.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"allowNonRootAccess": f.AllowNonRootAccess(),
		"singleShotTimeout":  f.SingleShotTimeout(),
		"drainTimeout":       f.DrainTimeout(),
		"attachGrace":        f.AttachGrace(),
		"outboxSize":         f.OutboxSize(),
		"nmeaReplayPath":     f.NmeaReplayPath(),
		"replayInterval":     f.ReplayInterval(),
		"countryCode":        f.CountryCode(),
		"maxFences":          f.MaxFences(),
	}
}

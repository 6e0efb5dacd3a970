// Package config loads the JSON configuration surface described in
// spec.md §6 (context, connection and channel level options), in the same
// style as the teacher's config package: a package-level Global, an init()
// that loads a default path overridable by an environment variable, and a
// Reload that re-validates and swaps the active config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// AutomaticMIME controls how the frame codec treats MIME headers on the
// first frame of a message.
type AutomaticMIME string

const (
	AutomaticMIMEOff   AutomaticMIME = "off"
	AutomaticMIMEOn    AutomaticMIME = "on"
	AutomaticMIMEMixed AutomaticMIME = "mixed"
)

// LogConfig mirrors the teacher's `log` block in setting.json.
type LogConfig struct {
	Level      string `json:"level"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"maxSizeMb"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
	Compress   bool   `json:"compress"`
}

// CoreConfig holds context-level options (spec.md §6).
type CoreConfig struct {
	EnforceProfilesSupported bool          `json:"enforceProfilesSupported"`
	AutomaticMIME             AutomaticMIME `json:"automaticMime"`
	Backlog                   int           `json:"backlog"`
	HardSocketLimit           int           `json:"hardSocketLimit"`
	SoftSocketLimit           int           `json:"softSocketLimit"`
	ConnectTimeoutMS          int           `json:"connectTimeoutMs"`
	ConnectionTimeoutMS       int           `json:"connectionTimeoutMs"`
	CloseConnOnWriteTimeout   bool          `json:"closeConnOnWriteTimeout"`
	WriteTimeoutMS            int           `json:"writeTimeoutMs"`
	ThreadPool                ThreadPool    `json:"threadPool"`
	// AcceptRatePerIP bounds accepted connections per remote host per
	// RateWindowSeconds before the listener's pre-accept hook starts
	// rejecting (moto's WAF-style ipCache, repurposed for BEEP listeners).
	AcceptRatePerIP   int `json:"acceptRatePerIp"`
	RateWindowSeconds int `json:"rateWindowSeconds"`
}

// ThreadPool mirrors vortex_thread_pool.h's elastic-growth knobs.
type ThreadPool struct {
	InitialSize     int `json:"initialSize"`
	MaxLimit        int `json:"maxLimit"`
	AddStep         int `json:"addStep"`
	AddPeriodMS     int `json:"addPeriodMs"`
	RemoveStep      int `json:"removeStep"`
	RemovePeriodMS  int `json:"removePeriodMs"`
	AutoRemove      bool `json:"autoRemove"`
	Preemptive      bool `json:"preemptive"`
}

// ConnectionDefaults holds connection-level options (spec.md §6).
type ConnectionDefaults struct {
	ServerName       string `json:"serverName"`
	Features         string `json:"features"`
	Localize         string `json:"localize"`
	PerConnTimeoutMS int    `json:"perConnTimeoutMs"`
}

// ChannelDefaults holds channel-level options (spec.md §6).
type ChannelDefaults struct {
	WindowSize       uint32 `json:"windowSize"`
	Serialize        bool   `json:"serialize"`
	CompleteFlag     bool   `json:"completeFlag"`
	NextFrameSize    uint32 `json:"nextFrameSize"`
}

// Config is the top-level configuration document.
type Config struct {
	Log        LogConfig           `json:"log"`
	Core       CoreConfig          `json:"core"`
	Connection ConnectionDefaults  `json:"connection"`
	Channel    ChannelDefaults     `json:"channel"`
}

// Global points to the currently active configuration.
var Global *Config

func init() {
	path := os.Getenv("BEEPD_CONFIG")
	if path == "" {
		Global = Default()
		return
	}
	if err := Reload(path); err != nil {
		fmt.Printf("failed to load %s: %s, falling back to defaults\n", path, err.Error())
		Global = Default()
	}
}

// Default returns hardcoded defaults matching spec.md's stated values
// (4096-octet initial channel window, 60s greeting timeout, disabled write
// timeout).
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Path:       "beepd.log",
			MaxSizeMB:  1024,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Core: CoreConfig{
			EnforceProfilesSupported: true,
			AutomaticMIME:            AutomaticMIMEOn,
			Backlog:                  128,
			HardSocketLimit:          4096,
			SoftSocketLimit:          2048,
			ConnectTimeoutMS:         30_000,
			ConnectionTimeoutMS:      60_000,
			CloseConnOnWriteTimeout:  false,
			WriteTimeoutMS:           0,
			ThreadPool: ThreadPool{
				InitialSize:    8,
				MaxLimit:       64,
				AddStep:        4,
				AddPeriodMS:    1000,
				RemoveStep:     2,
				RemovePeriodMS: 5000,
				AutoRemove:     true,
				Preemptive:     false,
			},
			AcceptRatePerIP:   200,
			RateWindowSeconds: 30,
		},
		Connection: ConnectionDefaults{
			PerConnTimeoutMS: 60_000,
		},
		Channel: ChannelDefaults{
			WindowSize:    4096,
			Serialize:     false,
			CompleteFlag:  true,
			NextFrameSize: 4096,
		},
	}
}

// Reload reads, validates, and atomically swaps the active configuration.
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg := Default()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return err
	}
	if err := validate(cfg); err != nil {
		return err
	}
	Global = cfg
	return nil
}

func validate(c *Config) error {
	if c.Core.Backlog <= 0 {
		return fmt.Errorf("invalid backlog: %d", c.Core.Backlog)
	}
	if c.Channel.WindowSize == 0 {
		return fmt.Errorf("invalid channel window size: %d", c.Channel.WindowSize)
	}
	switch c.Core.AutomaticMIME {
	case AutomaticMIMEOff, AutomaticMIMEOn, AutomaticMIMEMixed, "":
	default:
		return fmt.Errorf("invalid automaticMime value: %q", c.Core.AutomaticMIME)
	}
	return nil
}

// Package config loads the app's desired-configuration snapshot and
// exposes a change-notification stream for the supervisor. The file
// itself is written by the configuration editor; this package only
// reads it.
package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/victor-siu/siftly-mac/internal/logger"
)

// Config is the desired state the supervisor drives toward.
type Config struct {
	// WorkerBinary and WorkerConfig are passed through to the helper
	// (or to a direct child) on start.
	WorkerBinary string `mapstructure:"worker_binary"`
	WorkerConfig string `mapstructure:"worker_config"`

	// ListenPorts the worker will bind. Any port below 1024 forces the
	// privileged start path.
	ListenPorts []int `mapstructure:"listen_ports"`

	// SocketPath overrides the helper rendezvous socket. Empty means
	// the built-in default.
	SocketPath string `mapstructure:"socket_path"`

	// HistoryDSN enables the sqlite lifecycle journal when non-empty.
	HistoryDSN string `mapstructure:"history_dsn"`

	// MetricsAddr enables the loopback metrics endpoint when non-empty.
	MetricsAddr string `mapstructure:"metrics_addr"`

	Log logger.Config `mapstructure:"log"`
}

// Source holds the current snapshot and signals changes. The change
// channel is buffered with capacity one: a burst of file events
// collapses to a single pending notification, and the supervisor's
// debounce absorbs the rest.
type Source struct {
	v       *viper.Viper
	mu      sync.RWMutex
	current Config
	changes chan struct{}
}

// Load reads the configuration file at path and starts watching it.
func Load(path string) (*Source, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	s := &Source{v: v, current: cfg, changes: make(chan struct{}, 1)}
	v.OnConfigChange(func(fsnotify.Event) { s.reload() })
	v.WatchConfig()
	return s, nil
}

func (s *Source) reload() {
	var cfg Config
	if err := s.v.Unmarshal(&cfg); err != nil {
		// A half-written file shows up as a parse error; keep the last
		// good snapshot and wait for the next event.
		return
	}
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Current returns the latest good snapshot.
func (s *Source) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Changes delivers one signal per observed configuration change.
func (s *Source) Changes() <-chan struct{} { return s.changes }

// RequiresPrivilegedPort reports whether any desired listen port needs
// elevated privileges to bind.
func RequiresPrivilegedPort(ports []int) bool {
	for _, p := range ports {
		if p > 0 && p < 1024 {
			return true
		}
	}
	return false
}

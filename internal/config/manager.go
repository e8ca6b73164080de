package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	logx "wacrm/pkg/logx"
)

const validateTimeout = 5 * time.Second

// ConfigManager owns the live configuration. Reload (driven by Watch or a
// SIGHUP) re-reads the file and publishes each accepted version.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // content hash of cfg; zero when unknown

	// listeners is guarded by lmu, which publish also holds, so a channel
	// is never sent on after Unsubscribe closed it.
	lmu       sync.Mutex
	listeners map[chan *Config]struct{}

	reloadMu  sync.Mutex
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs an extra check run by Reload after Validate.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and decodes the file without validating or committing it.
func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(m.path, b)
}

// Load parses, validates and commits the file. It does not publish.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and, when its content changed and passes both
// Validate and the validator hook, commits and publishes it. It reports
// whether a new config was published. A rejected file leaves the current
// config in place.
func (m *ConfigManager) Reload(ctx context.Context) (bool, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return false, fmt.Errorf("config parse: %w", err)
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return false, nil
	}

	if err := Validate(cfg); err != nil {
		return false, err
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return true, nil
}

// Subscribe returns a channel that receives every published config. A
// buffer below 1 is raised to 1.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.lmu.Lock()
	defer m.lmu.Unlock()
	if m.listeners == nil {
		m.listeners = make(map[chan *Config]struct{})
	}
	m.listeners[ch] = struct{}{}
	return ch
}

// Unsubscribe closes ch. Unknown or nil channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	if _, ok := m.listeners[ch]; !ok {
		return
	}
	delete(m.listeners, ch)
	close(ch)
}

// publish never blocks. A listener whose buffer is full has its oldest
// pending config replaced by cfg.
func (m *ConfigManager) publish(cfg *Config) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	for ch := range m.listeners {
		for !offer(ch, cfg) {
			select {
			case <-ch:
			default:
			}
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "tickd/pkg/logx"
)

const (
	defaultDebounce    = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// ConfigManager loads the config file and republishes it when it changes.
type ConfigManager struct {
	path     string
	debounce time.Duration

	mu  sync.RWMutex
	cfg *Config
	// lastHash is the last committed content; editors often emit several
	// writes for one save.
	lastHash uint64

	// subsMu guards subs and ensures we never send on a channel that
	// Unsubscribe is closing.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, debounce: defaultDebounce, validator: defaultValidator}
}

func defaultValidator(_ context.Context, cfg *Config) error { return Validate(cfg) }

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetDebounce sets how long Watch waits after the last file event.
func (m *ConfigManager) SetDebounce(d time.Duration) {
	if d > 0 {
		m.debounce = d
	}
}

// SetValidator replaces the validation hook run by Load and Watch before a
// config is committed. nil restores Validate.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	if fn == nil {
		fn = defaultValidator
	}
	m.validator = fn
}

func (m *ConfigManager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(m.path, b)
}

// ParseBytes decodes data strictly. The format follows path's extension.
func ParseBytes(path string, data []byte) (*Config, error) {
	jb, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

// Load parses, validates and commits the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.validator(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.path, err)
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

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

// publish delivers the newest config to every subscriber. A full
// subscriber loses its oldest pending config instead.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)",
				logx.Int("queue_len", len(ch)),
				logx.Int("queue_cap", cap(ch)),
			)
		}
	}
}

// reload re-reads the file and publishes it if it changed and validates.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = m.validator(vctx, cfg)
	cancel()
	if err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

// Watch reloads the file on change until ctx is done. A broken fsnotify
// watcher is recreated with a jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		pending *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if pending != nil {
			pending.Stop()
		}
		m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
		pending = time.AfterFunc(m.debounce, func() { m.reload(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if pending != nil {
			pending.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := newBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !backoff.wait(ctx) {
				return nil
			}
			continue
		}

		backoff.reset()
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		if done := m.watchLoop(ctx, w, file, debounce); done {
			return nil
		}

		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.String("file", file))
		if !backoff.wait(ctx) {
			return nil
		}
	}
}

// watchLoop runs until ctx is done (true) or the watcher breaks (false).
func (m *ConfigManager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, debounce func()) bool {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			// Compare by basename; editors often replace the file via rename.
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			// Overflow means events were missed; reload once and keep going.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				debounce()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
			if strings.Contains(strings.ToLower(err.Error()), "closed") {
				return false
			}
		}
	}
}

type backoff struct {
	cur time.Duration
	rng *rand.Rand
}

func newBackoff() *backoff {
	return &backoff{cur: restartBackoffBase, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *backoff) reset() { b.cur = restartBackoffBase }

// wait sleeps for the jittered backoff and doubles it. It returns false if
// ctx ended first.
func (b *backoff) wait(ctx context.Context) bool {
	d := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, restartBackoffMax)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"quantcore/internal/logger"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Manager owns the live configuration. Reads are served from memory; Update
// and file reloads replace it atomically and notify subscribers.
//
// A change that leaves out the exchange proxy keeps the previous proxy.
// Setting exchange.proxy.clear to true is the only way to drop it.
type Manager struct {
	path     string
	debounce time.Duration

	updateMu sync.Mutex // serializes Update and Reload

	mu      sync.RWMutex
	cfg     *Config
	written []byte // last bytes Update wrote; the watcher skips them
	subs    []func(Config)
}

func NewManager(path string) (*Manager, error) {
	abs, err := filepath.Abs(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	cfg, err := Load(abs)
	if err != nil {
		return nil, err
	}
	// Loaded bytes count as written so an untouched file reloads as a no-op.
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	return &Manager{path: abs, cfg: cfg, written: raw, debounce: defaultReloadDebounce}, nil
}

func (m *Manager) Path() string { return m.path }

// Current returns a copy of the active configuration.
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.clone()
}

// OnChange registers fn to run after every applied change.
func (m *Manager) OnChange(fn func(Config)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.subs = append(m.subs, fn)
	m.mu.Unlock()
}

// Update merges a partial document into the active configuration, validates
// the result and writes it back to the config file. Keys absent from patch
// keep their current values.
func (m *Manager) Update(patch map[string]any) (Config, error) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	prev := m.Current()
	base, err := toSettings(prev)
	if err != nil {
		return prev, err
	}
	mergeSettings(base, patch)
	v := viper.New()
	if err := v.MergeConfigMap(base); err != nil {
		return prev, fmt.Errorf("config update: %w", err)
	}
	next, err := rebuild(v, prev)
	if err != nil {
		return prev, fmt.Errorf("config update: %w", err)
	}
	data, err := next.marshalFile()
	if err != nil {
		return prev, err
	}
	if err := writeAtomic(m.path, data); err != nil {
		return prev, fmt.Errorf("config update: persist: %w", err)
	}
	m.publish(next, data)
	logger.Infof("Config: updated and saved to %s", m.path)
	return next.clone(), nil
}

// Reload re-reads the config file. changed is false when the file holds
// what was last loaded or written by Update. A file that fails to load leaves the active
// configuration untouched.
func (m *Manager) Reload() (cfg Config, changed bool, err error) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	prev := m.Current()
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return prev, false, err
	}
	m.mu.RLock()
	same := m.written != nil && bytes.Equal(raw, m.written)
	m.mu.RUnlock()
	if same {
		return prev, false, nil
	}
	v, err := loadSettings(m.path)
	if err != nil {
		return prev, false, err
	}
	next, err := rebuild(v, prev)
	if err != nil {
		return prev, false, err
	}
	m.publish(next, nil)
	logger.Infof("Config: reloaded %s", m.path)
	return next.clone(), true, nil
}

// Watch reloads the configuration whenever the file, or one it includes,
// changes on disk. It blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()

	files, err := resolveConfigIncludes(m.path)
	if err != nil {
		return err
	}
	watched := make(map[string]bool, len(files))
	dirs := make(map[string]bool)
	for _, f := range files {
		watched[filepath.Clean(f)] = true
		// editors replace files by rename; watching the directory survives that
		dir := filepath.Dir(f)
		if dirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("config watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(ev.Name)] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(m.debounce)
			} else {
				timer.Reset(m.debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("Config: watcher error: %v", err)
		case <-fire:
			fire = nil
			if _, _, err := m.Reload(); err != nil {
				logger.Errorf("Config: reload failed, keeping previous configuration: %v", err)
			}
		}
	}
}

func (m *Manager) publish(next *Config, written []byte) {
	m.mu.Lock()
	m.cfg = next
	if written != nil {
		m.written = written
	}
	subs := append([]func(Config){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(next.clone())
	}
}

// rebuild applies the proxy rule against prev before decoding v.
func rebuild(v *viper.Viper, prev Config) (*Config, error) {
	keepTransport(v, prev.Exchange.Proxy)
	next, err := build(v)
	if err != nil {
		return nil, err
	}
	if prev.Exchange.keyFromEnv && next.Exchange.APIKey == prev.Exchange.APIKey {
		next.Exchange.keyFromEnv = true
	}
	if prev.Exchange.secretFromEnv && next.Exchange.APISecret == prev.Exchange.APISecret {
		next.Exchange.secretFromEnv = true
	}
	return next, nil
}

func keepTransport(v *viper.Viper, prev ProxyConfig) {
	if v.GetBool("exchange.proxy.clear") {
		v.Set("exchange.proxy.enabled", false)
		v.Set("exchange.proxy.url", "")
		v.Set("exchange.proxy.clear", false)
		return
	}
	if prev.empty() || strings.TrimSpace(v.GetString("exchange.proxy.url")) != "" {
		return
	}
	if !v.IsSet("exchange.proxy.enabled") {
		v.Set("exchange.proxy.enabled", prev.Enabled)
	}
	v.Set("exchange.proxy.url", prev.URL)
}

func loadSettings(path string) (*viper.Viper, error) {
	files, err := resolveConfigIncludes(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeConfigFile(v, file); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
	}
	return v, nil
}

// Settings renders c as the nested snake_case document that Update accepts.
func (c Config) Settings() (map[string]any, error) { return toSettings(c) }

// toSettings renders cfg as the nested map viper merges patches into.
func toSettings(cfg Config) (map[string]any, error) {
	raw, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeSettings deep-merges patch into dst. Keys are matched without case.
func mergeSettings(dst, patch map[string]any) {
	for k, pv := range patch {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		if sub, ok := pv.(map[string]any); ok {
			if cur, ok := dst[key].(map[string]any); ok {
				mergeSettings(cur, sub)
				continue
			}
			fresh := make(map[string]any, len(sub))
			mergeSettings(fresh, sub)
			dst[key] = fresh
			continue
		}
		dst[key] = pv
	}
}

// marshalFile renders the document written back to disk. Credentials taken
// from the environment stay out of it.
func (c Config) marshalFile() ([]byte, error) {
	out := c.clone()
	if out.Exchange.keyFromEnv {
		out.Exchange.APIKey = ""
	}
	if out.Exchange.secretFromEnv {
		out.Exchange.APISecret = ""
	}
	out.Exchange.Proxy.Clear = false
	return yaml.Marshal(&out)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if info, err := os.Stat(path); err == nil {
		_ = os.Chmod(name, info.Mode().Perm())
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

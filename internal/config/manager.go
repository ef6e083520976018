package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "github.com/NexusSwitchboard/nexus-core/pkg/logx"
)

// Manager owns the committed definition and watches its source files.
// Modules are not hot-reloadable, so a changed definition is published to
// subscribers but the running host keeps the one it started with.
type Manager struct {
	paths []string

	mu       sync.RWMutex
	def      *Definition
	used     []string
	lastHash uint64

	// subsMu guards the subscriber list and ensures we never send on a
	// channel that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Definition

	log logx.Logger
}

func NewManager(paths []string) *Manager {
	return &Manager{paths: append([]string(nil), paths...)}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// Paths are the search paths in merge order.
func (m *Manager) Paths() []string { return append([]string(nil), m.paths...) }

// Used are the files that contributed to the committed definition.
func (m *Manager) Used() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.used...)
}

func (m *Manager) Parse() (*Definition, []string, error) {
	return LoadFiles(m.paths)
}

func (m *Manager) Load() (*Definition, error) {
	def, used, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(def, used)
	return def, nil
}

func (m *Manager) Commit(def *Definition, used []string) {
	m.mu.Lock()
	m.def = def
	m.used = append([]string(nil), used...)
	m.lastHash = hashDefinition(def)
	m.mu.Unlock()
}

func (m *Manager) Get() *Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.def
}

func hashDefinition(def *Definition) uint64 {
	if def == nil {
		return 0
	}
	b, err := json.Marshal(def)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Subscribe(buffer int) chan *Definition {
	ch := make(chan *Definition, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Definition) {
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

func (m *Manager) publish(def *Definition) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		// Deliver the latest definition; drop the oldest queued one if the
		// subscriber is slow.
		select {
		case ch <- def:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- def:
			default:
				m.log.Debug("definition update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
			}
		}
	}
}

// reload re-parses the sources and publishes when the content changed.
func (m *Manager) reload() {
	def, used, err := m.Parse()
	if err != nil {
		m.log.Warn("definition parse failed", logx.Err(err))
		return
	}
	h := hashDefinition(def)

	m.mu.Lock()
	old := m.def
	unchanged := h != 0 && h == m.lastHash
	if !unchanged {
		m.lastHash = h
	}
	m.mu.Unlock()
	if unchanged {
		m.log.Debug("definition unchanged; skipping publish")
		return
	}

	sections, attrs := SummarizeChange(old, def)
	fields := append([]logx.Field{
		logx.String("sections", strings.Join(sections, ",")),
		logx.String("files", strings.Join(used, ",")),
	}, attrs...)
	m.log.Warn("definition changed; restart required to apply", fields...)
	m.publish(def)
}

// Watch observes the directories of all search paths until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	dirs := map[string]bool{}
	files := map[string]bool{}
	for _, p := range m.paths {
		dirs[filepath.Dir(p)] = true
		files[strings.ToLower(filepath.Base(p))] = true
	}

	// When fsnotify gets into a bad state the watcher may stop delivering
	// events or close its channels. Self-heal by recreating it with a small
	// exponential backoff.
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, m.reload)
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			for d := range dirs {
				if aerr := w.Add(d); aerr != nil {
					err = aerr
					_ = w.Close()
					break
				}
			}
		}
		if err != nil {
			m.log.Warn("definition watch init failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		m.log.Debug("definition watcher started", logx.Int("dirs", len(dirs)))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if files[strings.ToLower(filepath.Base(ev.Name))] &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				m.log.Warn("definition watch error", logx.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					debounce()
				}
			}
		}

		_ = w.Close()
		wait := nextWait()
		m.log.Warn("definition watcher stopped; restarting", logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

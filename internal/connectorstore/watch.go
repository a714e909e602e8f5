package connectorstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// StaticTokenTable is the legacy static-token mode's token→upstream-key
// map, loaded from connector_config_file (spec.md §6.4). It is the
// degenerate configuration spec.md §9's Open Question 1 describes: every
// AUTH with a token present in (or when the table is empty, regardless
// of) this set reaches ACCEPTED immediately, with no approval workflow.
type StaticTokenTable struct {
	mu     sync.RWMutex
	byToken map[string]string // token -> upstream api key (may be empty)
}

// NewStaticTokenTable loads the token table from path. A missing file
// yields an empty (auth-disabled) table, not an error.
func NewStaticTokenTable(path string) (*StaticTokenTable, error) {
	t := &StaticTokenTable{byToken: make(map[string]string)}
	if path == "" {
		return t, nil
	}
	if err := t.reload(path); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return t, nil
}

// NewStaticTokenTableFromList builds a StaticTokenTable from the broker's
// inline `connector_tokens` config option (spec.md §6.4): a bare
// allow-list with no per-token upstream key, for deployments that don't
// need the richer connector_config_file token->upstream-key mapping.
func NewStaticTokenTableFromList(tokens []string) *StaticTokenTable {
	byToken := make(map[string]string, len(tokens))
	for _, tok := range tokens {
		byToken[tok] = ""
	}
	return &StaticTokenTable{byToken: byToken}
}

func (t *StaticTokenTable) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			t.mu.Lock()
			t.byToken = make(map[string]string)
			t.mu.Unlock()
			return nil
		}
		return fmt.Errorf("reading connector config %s: %w", path, err)
	}

	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing connector config %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]string{}
	}

	t.mu.Lock()
	t.byToken = raw
	t.mu.Unlock()
	return nil
}

// Lookup returns (upstreamKey, true) if token is a recognized static
// token (upstreamKey may be the empty string), or ("", false) otherwise.
func (t *StaticTokenTable) Lookup(token string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key, ok := t.byToken[token]
	return key, ok
}

// Empty reports whether the table has no entries — static-token auth is
// disabled and every AUTH is admitted (spec.md §4.5 "legacy static-tokens
// mode... if the static token set is non-empty").
func (t *StaticTokenTable) Empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byToken) == 0
}

// Tokens returns a snapshot of the configured tokens; the broker uses it
// to report how many are loaded at startup.
func (t *StaticTokenTable) Tokens() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byToken))
	for tok := range t.byToken {
		out = append(out, tok)
	}
	return out
}

// Watcher hot-reloads a StaticTokenTable when its backing file changes,
// so an operator can rotate connector tokens without restarting the
// broker.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// WatchFile starts watching path's directory and reloads table whenever
// path itself is written or (re)created.
func WatchFile(path string, table *StaticTokenTable) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{fsWatcher: fw, done: make(chan struct{})}
	target := filepath.Base(path)

	go func() {
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				slog.Info("connector config changed, reloading", "path", path)
				if err := table.reload(path); err != nil {
					slog.Error("reloading connector config", "path", path, "error", err)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.Error("connector config watcher error", "error", err)
			case <-w.done:
				return
			}
		}
	}()

	return w, nil
}

// Close stops the watcher goroutine. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}

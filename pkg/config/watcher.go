package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/pkg/policy"
)

// LoadPolicyDir reads every policy document in dir, in lexical filename
// order. JSON files pass through; YAML files are converted to JSON so the
// validator sees one format.
func LoadPolicyDir(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: read policy dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := make([][]byte, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("config: read policy %s: %w", name, err)
		}
		if ext := strings.ToLower(filepath.Ext(name)); ext == ".yaml" || ext == ".yml" {
			raw, err = yamlToJSON(raw)
			if err != nil {
				return nil, fmt.Errorf("config: policy %s: %w", name, err)
			}
		}
		docs = append(docs, raw)
	}
	return docs, nil
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("yaml decode failed: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json re-encode failed: %w", err)
	}
	return out, nil
}

// ReloadPolicies loads the directory and installs the result into snapshot.
// On any error the previously installed set stays active.
func ReloadPolicies(dir string, validator *policy.Validator, snapshot *policy.Snapshot) (*policy.ResolvedPolicySet, error) {
	docs, err := LoadPolicyDir(dir)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("config: policy dir %s holds no documents", dir)
	}
	return snapshot.Reload(validator, docs...)
}

// PolicyWatcher hot-reloads the policy snapshot when files in the policy
// directory change. Events are debounced so an editor save (create + write +
// chmod) triggers one reload.
type PolicyWatcher struct {
	dir       string
	debounce  time.Duration
	validator *policy.Validator
	snapshot  *policy.Snapshot
	log       *slog.Logger

	// reloaded, when set, is notified after every reload attempt. Tests use
	// it to synchronise.
	reloaded chan error
}

// WatcherOption configures a PolicyWatcher.
type WatcherOption func(*PolicyWatcher)

// WithWatcherLogger overrides the logger.
func WithWatcherLogger(log *slog.Logger) WatcherOption {
	return func(w *PolicyWatcher) { w.log = log }
}

// WithDebounce overrides the event debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *PolicyWatcher) { w.debounce = d }
}

// WithReloadNotify attaches a channel receiving each reload outcome.
func WithReloadNotify(ch chan error) WatcherOption {
	return func(w *PolicyWatcher) { w.reloaded = ch }
}

// NewPolicyWatcher creates a watcher over dir feeding snapshot.
func NewPolicyWatcher(dir string, validator *policy.Validator, snapshot *policy.Snapshot, opts ...WatcherOption) *PolicyWatcher {
	w := &PolicyWatcher{
		dir:       dir,
		debounce:  500 * time.Millisecond,
		validator: validator,
		snapshot:  snapshot,
		log:       slog.Default().With("component", "policy_watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled. The initial load must have happened
// already; Run only reacts to changes.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher init failed: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", w.dir, err)
	}
	w.log.InfoContext(ctx, "watching policy directory", "dir", w.dir)

	var timer *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			// Restart the debounce window.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "watch error", "error", err)

		case <-pending:
			pending = nil
			w.reload(ctx)
		}
	}
}

func (w *PolicyWatcher) reload(ctx context.Context) {
	set, err := ReloadPolicies(w.dir, w.validator, w.snapshot)
	if err != nil {
		w.log.ErrorContext(ctx, "policy reload rejected, keeping previous set", "error", err)
	} else {
		w.log.InfoContext(ctx, "policies reloaded", "rules", len(set.Rules))
	}
	if w.reloaded != nil {
		select {
		case w.reloaded <- err:
		default:
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	switch strings.ToLower(filepath.Ext(event.Name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

package classifier

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/quill/pkg/models"
)

type rulesFile struct {
	Rules []ruleYAML `yaml:"rules"`
}

type ruleYAML struct {
	Name         string   `yaml:"name"`
	Pattern      string   `yaml:"pattern"`
	Unless       string   `yaml:"unless"`
	Steps        []string `yaml:"steps"`
	RequireFlags []string `yaml:"require_flags"`
	Decision     struct {
		Category         string `yaml:"category"`
		Action           string `yaml:"action"`
		TargetWorkflow   string `yaml:"target_workflow"`
		TargetStep       string `yaml:"target_step"`
		TargetCapability string `yaml:"target_capability"`
		Confidence       string `yaml:"confidence"`
	} `yaml:"decision"`
}

// ParseRules decodes and validates a YAML rule list.
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	rules := make([]Rule, 0, len(f.Rules))
	for i, ry := range f.Rules {
		re, err := regexp.Compile(ry.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): compile pattern: %w", i, ry.Name, err)
		}
		var unless *regexp.Regexp
		if ry.Unless != "" {
			if unless, err = regexp.Compile(ry.Unless); err != nil {
				return nil, fmt.Errorf("rule %d (%s): compile unless: %w", i, ry.Name, err)
			}
		}
		r := Rule{
			Name:         ry.Name,
			Pattern:      re,
			Unless:       unless,
			Steps:        ry.Steps,
			RequireFlags: ry.RequireFlags,
			Decision: models.Decision{
				Category:         models.Category(ry.Decision.Category),
				Action:           models.Action(ry.Decision.Action),
				TargetWorkflow:   ry.Decision.TargetWorkflow,
				TargetStep:       ry.Decision.TargetStep,
				TargetCapability: ry.Decision.TargetCapability,
				Confidence:       models.Confidence(ry.Decision.Confidence),
			},
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// LoadRules reads a YAML rule file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// RulesWatcher keeps a rule table in sync with a YAML file. File rules are
// evaluated before the base rules. A file that fails to load leaves the
// previous table in place.
type RulesWatcher struct {
	path    string
	base    *Rules
	current atomic.Pointer[Rules]
	logger  *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	// reloaded receives a value after every reload attempt triggered by
	// the watcher. Buffered and never blocks.
	reloaded chan error
}

var _ RuleSource = (*RulesWatcher)(nil)

// NewRulesWatcher loads path on top of base. It fails if the initial load fails.
func NewRulesWatcher(path string, base *Rules, logger *slog.Logger) (*RulesWatcher, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rw := &RulesWatcher{
		path:     path,
		base:     base,
		logger:   logger,
		done:     make(chan struct{}),
		reloaded: make(chan error, 16),
	}
	if err := rw.Reload(); err != nil {
		return nil, err
	}
	return rw, nil
}

// Reload re-reads the rules file.
func (rw *RulesWatcher) Reload() error {
	fileRules, err := LoadRules(rw.path)
	if err != nil {
		return err
	}
	rw.current.Store(rw.base.With(fileRules))
	rw.logger.Info("override rules loaded", "path", rw.path, "file_rules", len(fileRules))
	return nil
}

// Current returns the active rule table.
func (rw *RulesWatcher) Current() *Rules {
	return rw.current.Load()
}

// Apply evaluates the active rule table.
func (rw *RulesWatcher) Apply(text string, c Context, d models.Decision) models.Decision {
	return rw.Current().Apply(text, c, d)
}

// Reloaded reports the outcome of each watcher-triggered reload.
func (rw *RulesWatcher) Reloaded() <-chan error {
	return rw.reloaded
}

// Watch starts reloading on file changes until ctx is done or Close is called.
// The parent directory is watched so editors that replace the file are seen.
func (rw *RulesWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(rw.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", rw.path, err)
	}
	rw.watcher = watcher

	go rw.loop(ctx)
	return nil
}

func (rw *RulesWatcher) loop(ctx context.Context) {
	target := filepath.Clean(rw.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-rw.done:
			return
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			err := rw.Reload()
			if err != nil {
				rw.logger.Warn("override rules reload failed, keeping previous rules", "path", rw.path, "error", err)
			}
			select {
			case rw.reloaded <- err:
			default:
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn("rules watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (rw *RulesWatcher) Close() {
	select {
	case <-rw.done:
		return
	default:
	}
	close(rw.done)
	if rw.watcher != nil {
		rw.watcher.Close()
	}
}

package hooks

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk YAML shape of a declarative rule set.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID              string            `yaml:"id"`
	Type            string            `yaml:"type"`
	Priority        int               `yaml:"priority"`
	ToolNamePattern string            `yaml:"toolNamePattern"`
	InputMatchers   map[string]string `yaml:"inputMatchers"`
	Action          string            `yaml:"action"`
	Script          string            `yaml:"script"`
	ContinueOnError *bool             `yaml:"continueOnError"`
	Reason          string            `yaml:"reason"`
}

// LoadRulesFile parses a YAML rule file and registers every rule into the
// pipeline, replacing any rules previously loaded from the same file (rules
// registered programmatically are untouched — file-loaded rule ids are
// prefixed with the path).
func LoadRulesFile(p *Pipeline, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("hooks: read rules file: %w", err)
	}
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("hooks: parse rules file: %w", err)
	}

	prefix := path + "#"
	p.unregisterPrefixed(prefix)

	for i, spec := range file.Rules {
		continueOnError := true
		if spec.ContinueOnError != nil {
			continueOnError = *spec.ContinueOnError
		}
		id := spec.ID
		if id == "" {
			id = fmt.Sprintf("rule-%d", i)
		}
		rule := &Rule{
			ID:              prefix + id,
			Type:            DecisionType(spec.Type),
			Priority:        spec.Priority,
			ToolNamePattern: spec.ToolNamePattern,
			InputMatchers:   spec.InputMatchers,
			Action:          RuleAction(spec.Action),
			Script:          spec.Script,
			ContinueOnError: continueOnError,
			Reason:          spec.Reason,
		}
		if err := p.Register(rule); err != nil {
			return fmt.Errorf("hooks: rule %q: %w", id, err)
		}
	}
	return nil
}

// unregisterPrefixed removes every rule whose id carries the given prefix.
func (p *Pipeline) unregisterPrefixed(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.rules[:0]
	for _, r := range p.rules {
		if len(r.ID) < len(prefix) || r.ID[:len(prefix)] != prefix {
			kept = append(kept, r)
		}
	}
	p.rules = kept
}

// WatchRulesFile reloads the rule file whenever it changes on disk, so rule
// edits take effect without a hub restart. The returned stop function closes
// the watcher. A failed reload keeps the previous rule set and logs.
func WatchRulesFile(p *Pipeline, path string) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("hooks: watch rules file: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("hooks: watch rules file: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := LoadRulesFile(p, path); err != nil {
					p.logger.Warn("rule file reload failed, keeping previous rules", "path", path, "error", err)
				} else {
					p.logger.Info("rule file reloaded", "path", path)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("rule file watcher error", "error", werr)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

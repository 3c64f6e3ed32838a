// Package access enforces priority-ordered allow/deny rules between sender
// and target subjects. Rules live in a JSON file that is hot-reloaded when
// it changes on disk; an unreadable or malformed file degrades to
// default-allow.
package access

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/subject"
)

// Rule actions.
const (
	ActionAllow = "allow"
	ActionDeny  = "deny"
)

// Rule is one access rule. From and To are subject patterns; higher
// Priority evaluates first.
type Rule struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Action   string `json:"action"`
	Priority int    `json:"priority"`
}

// Decision is the result of a Check: allowed or not, plus the rule that
// decided (nil on default-allow).
type Decision struct {
	Allowed     bool  `json:"allowed"`
	MatchedRule *Rule `json:"matchedRule,omitempty"`
}

// Controller owns the rule set and its file.
type Controller struct {
	mu      sync.RWMutex
	path    string
	rules   []Rule // sorted by priority descending
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New loads the rules at path (missing or corrupt files load as no rules)
// and starts the hot-reload watcher on the containing directory. Watching
// the directory survives the rename-replace writes used for persistence.
func New(path string, logger zerolog.Logger) (*Controller, error) {
	c := &Controller{
		path:   path,
		logger: logger.With().Str("component", "access").Logger(),
		done:   make(chan struct{}),
	}
	c.rules = loadRules(path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	c.watcher = watcher
	go c.watch()
	return c, nil
}

// Close stops the hot-reload watcher.
func (c *Controller) Close() error {
	close(c.done)
	return c.watcher.Close()
}

func (c *Controller) watch() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(c.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			c.reload()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn().Err(err).Msg("access rules watcher error")
		}
	}
}

// reload parses into a detached list and swaps it in. A transient invalid
// state (mid-write, truncated) is ignored and the current rules stay live.
func (c *Controller) reload() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.swap(nil)
		}
		return
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		c.logger.Warn().Err(err).Msg("ignoring invalid access rules file")
		return
	}
	c.swap(sortRules(validRules(rules)))
	c.logger.Debug().Int("rules", len(rules)).Msg("access rules reloaded")
}

func (c *Controller) swap(rules []Rule) {
	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
}

// Check evaluates rules in priority order; the first rule whose From
// pattern matches the sender and To pattern matches the target decides.
// With no match the default is allow.
func (c *Controller) Check(from, to string) Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range c.rules {
		r := c.rules[i]
		if subject.Match(r.From, from) && subject.Match(r.To, to) {
			return Decision{Allowed: r.Action == ActionAllow, MatchedRule: &r}
		}
	}
	return Decision{Allowed: true}
}

// AddRule upserts by the (from, to, priority) triple, persists atomically
// and re-sorts.
func (c *Controller) AddRule(rule Rule) error {
	if err := subject.ValidatePattern(rule.From); err != nil {
		return err
	}
	if err := subject.ValidatePattern(rule.To); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	replaced := false
	for i, r := range c.rules {
		if r.From == rule.From && r.To == rule.To && r.Priority == rule.Priority {
			c.rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		c.rules = append(c.rules, rule)
	}
	c.rules = sortRules(c.rules)
	return c.persistLocked()
}

// RemoveRule removes every rule with the given from/to, at any priority.
// Returns whether anything was removed.
func (c *Controller) RemoveRule(from, to string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.rules[:0]
	removed := false
	for _, r := range c.rules {
		if r.From == from && r.To == to {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	c.rules = kept
	if !removed {
		return false, nil
	}
	return true, c.persistLocked()
}

// ListRules returns a snapshot copy; mutating it does not affect the
// controller.
func (c *Controller) ListRules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Rule(nil), c.rules...)
}

func (c *Controller) persistLocked() error {
	data, err := json.MarshalIndent(c.rules, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".access-rules-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, c.path)
}

func loadRules(path string) []Rule {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil
	}
	return sortRules(validRules(rules))
}

func validRules(rules []Rule) []Rule {
	out := rules[:0]
	for _, r := range rules {
		if subject.ValidatePattern(r.From) != nil || subject.ValidatePattern(r.To) != nil {
			continue
		}
		if r.Action != ActionAllow && r.Action != ActionDeny {
			continue
		}
		out = append(out, r)
	}
	return out
}

func sortRules(rules []Rule) []Rule {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return rules
}

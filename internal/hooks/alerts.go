package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// AlertAction names what an alert rule does when it fires.
type AlertAction string

const (
	ActionLogWarning    AlertAction = "log_warning"
	ActionNotifyWebhook AlertAction = "notify_webhook"
	ActionResetBreaker  AlertAction = "reset_breaker"
)

// AlertRule reacts to bus notifications. Condition is an expr expression
// evaluated against Event, Operation, Timestamp and Data.
type AlertRule struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Event       Event          `yaml:"event"`
	Condition   string         `yaml:"condition,omitempty"`
	Action      AlertAction    `yaml:"action"`
	Params      map[string]any `yaml:"params,omitempty"`
	Enabled     bool           `yaml:"enabled"`

	FilePath string `yaml:"-"`
}

// ActionHandler performs the action of a fired rule.
type ActionHandler func(rule *AlertRule, n *Notification) error

// BreakerResetter force-closes a circuit breaker.
type BreakerResetter interface {
	Reset(op string)
}

// AlertManager loads alert rules from a directory and runs their actions
// when matching notifications are published.
type AlertManager struct {
	rulesDir string
	bus      *EventBus

	mu       sync.RWMutex
	rules    map[Event][]*AlertRule
	programs map[string]*vm.Program
	actions  map[AlertAction]ActionHandler
	subs     []*Subscription

	inflight    sync.WaitGroup
	watcher     *fsnotify.Watcher
	stopWatcher chan struct{}
	watchDone   chan struct{}
	stopOnce    sync.Once
}

// NewAlertManager creates a manager with the built-in actions registered.
// breakers may be nil, in which case reset_breaker rules fail.
func NewAlertManager(rulesDir string, bus *EventBus, breakers BreakerResetter) *AlertManager {
	m := &AlertManager{
		rulesDir:    rulesDir,
		bus:         bus,
		rules:       make(map[Event][]*AlertRule),
		programs:    make(map[string]*vm.Program),
		actions:     make(map[AlertAction]ActionHandler),
		stopWatcher: make(chan struct{}),
	}
	RegisterBuiltInActions(m, breakers)
	return m
}

// LoadRules replaces the loaded rules with the enabled rules found in the
// rules directory. Unreadable or malformed files are logged and skipped.
func (m *AlertManager) LoadRules() error {
	if _, err := os.Stat(m.rulesDir); os.IsNotExist(err) {
		if err := os.MkdirAll(m.rulesDir, 0o755); err != nil {
			return fmt.Errorf("failed to create rules directory: %w", err)
		}
	}

	next := make(map[Event][]*AlertRule)
	count := 0
	err := filepath.Walk(m.rulesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !(strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Errorf("failed to read alert rule %s: %v", path, err)
			return nil
		}
		var rule AlertRule
		if err := yaml.Unmarshal(data, &rule); err != nil {
			log.Errorf("failed to parse alert rule %s: %v", path, err)
			return nil
		}
		if rule.ID == "" {
			rule.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		rule.FilePath = path
		if rule.Enabled {
			next[rule.Event] = append(next[rule.Event], &rule)
			count++
			log.Debugf("loaded alert rule %s for event %s", rule.ID, rule.Event)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.rules = next
	m.programs = make(map[string]*vm.Program)
	m.mu.Unlock()

	log.Infof("loaded %d alert rules", count)
	return nil
}

// Subscribe attaches the manager to every notification event on the bus.
func (m *AlertManager) Subscribe() {
	if m.bus == nil {
		return
	}
	events := []Event{
		EventCircuitOpened, EventBudgetExceeded, EventHookFailed,
		EventChainAborted, EventPersonaActivated, EventExpertiseRejected,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range events {
		m.subs = append(m.subs, m.bus.Subscribe(evt, m.handle))
	}
}

func (m *AlertManager) handle(n *Notification) {
	m.mu.RLock()
	rules := m.rules[n.Event]
	m.mu.RUnlock()

	for _, rule := range rules {
		matches, err := m.evaluate(rule.Condition, n)
		if err != nil {
			log.Warnf("failed to evaluate alert condition %q: %v", rule.Condition, err)
			continue
		}
		if !matches {
			continue
		}
		log.Infof("alert rule %s fired (action: %s)", rule.ID, rule.Action)
		m.inflight.Add(1)
		go func(rule *AlertRule) {
			defer m.inflight.Done()
			m.execute(rule, n)
		}(rule)
	}
}

func (m *AlertManager) evaluate(condition string, n *Notification) (bool, error) {
	if condition == "" || condition == "true" {
		return true, nil
	}

	m.mu.Lock()
	program, ok := m.programs[condition]
	if !ok {
		var err error
		program, err = expr.Compile(condition, expr.AsBool())
		if err != nil {
			m.mu.Unlock()
			return false, err
		}
		m.programs[condition] = program
	}
	m.mu.Unlock()

	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	env := map[string]any{
		"Event":     string(n.Event),
		"Operation": n.Operation,
		"Timestamp": n.Timestamp,
		"Data":      data,
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean")
	}
	return result, nil
}

func (m *AlertManager) execute(rule *AlertRule, n *Notification) {
	m.mu.RLock()
	handler, ok := m.actions[rule.Action]
	m.mu.RUnlock()

	if !ok {
		log.Warnf("no handler registered for alert action: %s", rule.Action)
		return
	}
	if err := handler(rule, n); err != nil {
		log.Errorf("alert action %s failed for rule %s: %v", rule.Action, rule.ID, err)
	}
}

// RegisterAction registers a handler for an action type.
func (m *AlertManager) RegisterAction(action AlertAction, handler ActionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[action] = handler
}

// EvaluateCondition reports whether rule matches n.
func (m *AlertManager) EvaluateCondition(rule *AlertRule, n *Notification) (bool, error) {
	return m.evaluate(rule.Condition, n)
}

// StartWatcher reloads the rules when the rules directory changes.
func (m *AlertManager) StartWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.rulesDir); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher
	m.watchDone = make(chan struct{})

	go func() {
		defer close(m.watchDone)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				log.Infof("alert rules changed (%s), reloading", event.Name)
				select {
				case <-time.After(100 * time.Millisecond):
				case <-m.stopWatcher:
					return
				}
				if err := m.LoadRules(); err != nil {
					log.Errorf("failed to reload alert rules: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("alert rules watcher error: %v", err)
			case <-m.stopWatcher:
				return
			}
		}
	}()
	return nil
}

// Close unsubscribes from the bus, stops the watcher and waits for running
// actions to finish.
func (m *AlertManager) Close() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		subs := m.subs
		m.subs = nil
		m.mu.Unlock()
		for _, s := range subs {
			s.Unsubscribe()
		}

		close(m.stopWatcher)
		if m.watcher != nil {
			m.watcher.Close()
			<-m.watchDone
		}
	})
	m.inflight.Wait()
}

// Wait blocks until running actions finish.
func (m *AlertManager) Wait() {
	m.inflight.Wait()
}

// RulesDir returns the rules directory path.
func (m *AlertManager) RulesDir() string {
	return m.rulesDir
}

// Rules returns all loaded rules sorted by id.
func (m *AlertManager) Rules() []*AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AlertRule, 0)
	for _, rules := range m.rules {
		out = append(out, rules...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rule returns the rule with the given id, or nil.
func (m *AlertManager) Rule(id string) *AlertRule {
	for _, r := range m.Rules() {
		if r.ID == id {
			return r
		}
	}
	return nil
}

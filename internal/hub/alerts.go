package hub

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/pulsehub/internal/domain"
)

// alertEvaluator holds threshold rules indexed by id, topic and owner.
type alertEvaluator struct {
	rules   map[uuid.UUID]*domain.AlertRule
	byTopic map[string]map[uuid.UUID]struct{}
	byConn  map[domain.ConnID]map[uuid.UUID]struct{}

	debounce  time.Duration
	lastFired map[uuid.UUID]time.Time
}

func newAlertEvaluator(debounce time.Duration) *alertEvaluator {
	return &alertEvaluator{
		rules:     make(map[uuid.UUID]*domain.AlertRule),
		byTopic:   make(map[string]map[uuid.UUID]struct{}),
		byConn:    make(map[domain.ConnID]map[uuid.UUID]struct{}),
		debounce:  debounce,
		lastFired: make(map[uuid.UUID]time.Time),
	}
}

func (a *alertEvaluator) set(connID domain.ConnID, topic string, op domain.Operator, threshold float64, now time.Time) (*domain.AlertRule, error) {
	if _, err := domain.ParseOperator(string(op)); err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: alert rule needs a topic", domain.ErrInvalidMessage)
	}

	rule := &domain.AlertRule{
		ID:        uuid.New(),
		ConnID:    connID,
		Topic:     topic,
		Operator:  op,
		Threshold: threshold,
		CreatedAt: now,
	}
	a.rules[rule.ID] = rule
	index(a.byTopic, topic, rule.ID)
	index(a.byConn, connID, rule.ID)
	return rule, nil
}

func (a *alertEvaluator) get(id uuid.UUID) (*domain.AlertRule, error) {
	rule, ok := a.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRuleNotFound, id)
	}
	return rule, nil
}

func (a *alertEvaluator) remove(id uuid.UUID) (*domain.AlertRule, error) {
	rule, err := a.get(id)
	if err != nil {
		return nil, err
	}
	delete(a.rules, id)
	delete(a.lastFired, id)
	unindex(a.byTopic, rule.Topic, id)
	unindex(a.byConn, rule.ConnID, id)
	return rule, nil
}

// removeConn drops every rule owned by connID and returns how many there were.
func (a *alertEvaluator) removeConn(connID domain.ConnID) int {
	ids := a.byConn[connID]
	n := len(ids)
	for id := range ids {
		_, _ = a.remove(id)
	}
	return n
}

// matching returns the rules on topic whose condition holds for value.
// It does not modify any rule.
func (a *alertEvaluator) matching(topic string, value float64) []domain.AlertRule {
	var hits []domain.AlertRule
	for id := range a.byTopic[topic] {
		rule := a.rules[id]
		if rule.Operator.Holds(value, rule.Threshold) {
			hits = append(hits, *rule)
		}
	}
	return hits
}

// allow applies the optional debounce window to a rule that matched.
func (a *alertEvaluator) allow(id uuid.UUID, now time.Time) bool {
	if a.debounce <= 0 {
		return true
	}
	if last, ok := a.lastFired[id]; ok && now.Sub(last) < a.debounce {
		return false
	}
	a.lastFired[id] = now
	return true
}

func (a *alertEvaluator) len() int {
	return len(a.rules)
}

func index[K comparable](m map[K]map[uuid.UUID]struct{}, key K, id uuid.UUID) {
	set, ok := m[key]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func unindex[K comparable](m map[K]map[uuid.UUID]struct{}, key K, id uuid.UUID) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

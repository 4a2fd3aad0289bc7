package hub

import "github.com/pscheid92/pulsehub/internal/domain"

// topicIndex is the many-to-many relation between topics and connections.
// Topics without subscribers are dropped.
type topicIndex struct {
	topics map[string]map[domain.ConnID]struct{}
	byConn map[domain.ConnID]map[string]struct{}
}

func newTopicIndex() *topicIndex {
	return &topicIndex{
		topics: make(map[string]map[domain.ConnID]struct{}),
		byConn: make(map[domain.ConnID]map[string]struct{}),
	}
}

// subscribe reports false if the connection was already subscribed.
func (t *topicIndex) subscribe(topic string, id domain.ConnID) bool {
	subs, ok := t.topics[topic]
	if !ok {
		subs = make(map[domain.ConnID]struct{})
		t.topics[topic] = subs
	}
	if _, ok := subs[id]; ok {
		return false
	}
	subs[id] = struct{}{}

	topics, ok := t.byConn[id]
	if !ok {
		topics = make(map[string]struct{})
		t.byConn[id] = topics
	}
	topics[topic] = struct{}{}
	return true
}

func (t *topicIndex) unsubscribe(topic string, id domain.ConnID) bool {
	subs, ok := t.topics[topic]
	if !ok {
		return false
	}
	if _, ok := subs[id]; !ok {
		return false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(t.topics, topic)
	}
	if topics, ok := t.byConn[id]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(t.byConn, id)
		}
	}
	return true
}

// subscribersOf returns a snapshot of the topic's subscribers.
func (t *topicIndex) subscribersOf(topic string) []domain.ConnID {
	subs := t.topics[topic]
	out := make([]domain.ConnID, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

func (t *topicIndex) hasSubscribers(topic string) bool {
	return len(t.topics[topic]) > 0
}

func (t *topicIndex) topicsOf(id domain.ConnID) []string {
	topics := t.byConn[id]
	out := make([]string, 0, len(topics))
	for topic := range topics {
		out = append(out, topic)
	}
	return out
}

// removeConn drops every subscription held by id and returns the topics it left.
func (t *topicIndex) removeConn(id domain.ConnID) []string {
	topics := t.topicsOf(id)
	for _, topic := range topics {
		t.unsubscribe(topic, id)
	}
	return topics
}

func (t *topicIndex) counts() (topics, subscriptions int) {
	for _, subs := range t.topics {
		subscriptions += len(subs)
	}
	return len(t.topics), subscriptions
}

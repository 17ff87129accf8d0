package hub

import (
	"sync"

	"github.com/paperclash/realtime/internal/metrics"
	"github.com/paperclash/realtime/internal/topic"
)

// SubscriptionIndex maps topic keys to subscriber sets. Broadcast takes a
// read lock only long enough to copy the target list; enqueueing to
// individual connections happens with no lock held, so one slow
// subscriber never stalls the index.
type SubscriptionIndex struct {
	mu     sync.RWMutex
	topics map[topic.Key]map[*Client]struct{}
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{topics: make(map[topic.Key]map[*Client]struct{})}
}

// Add subscribes c to key. Reports whether the pair was newly added.
func (si *SubscriptionIndex) Add(key topic.Key, c *Client) bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	set := si.topics[key]
	if set == nil {
		set = make(map[*Client]struct{})
		si.topics[key] = set
	}
	if _, ok := set[c]; ok {
		return false
	}
	set[c] = struct{}{}
	metrics.SubscriptionsCurrent.Inc()
	return true
}

// Remove unsubscribes c from key. Reports whether the pair existed.
func (si *SubscriptionIndex) Remove(key topic.Key, c *Client) bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	set := si.topics[key]
	if set == nil {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(si.topics, key)
	}
	metrics.SubscriptionsCurrent.Dec()
	return true
}

// RemoveAll drops every subscription held by c, called on disconnect.
func (si *SubscriptionIndex) RemoveAll(c *Client, keys []topic.Key) {
	si.mu.Lock()
	defer si.mu.Unlock()
	for _, key := range keys {
		set := si.topics[key]
		if set == nil {
			continue
		}
		if _, ok := set[c]; !ok {
			continue
		}
		delete(set, c)
		if len(set) == 0 {
			delete(si.topics, key)
		}
		metrics.SubscriptionsCurrent.Dec()
	}
}

// Subscribers returns a copy of the subscriber list for key.
func (si *SubscriptionIndex) Subscribers(key topic.Key) []*Client {
	si.mu.RLock()
	defer si.mu.RUnlock()
	set := si.topics[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// ActiveKeys returns every topic key in namespace ns that currently has
// at least one subscriber. The periodic refreshers drive off this.
func (si *SubscriptionIndex) ActiveKeys(ns string) []topic.Key {
	si.mu.RLock()
	defer si.mu.RUnlock()
	var out []topic.Key
	for key, set := range si.topics {
		if key.Namespace == ns && len(set) > 0 {
			out = append(out, key)
		}
	}
	return out
}

// Cardinality returns subscriber counts per topic, for diagnostics.
func (si *SubscriptionIndex) Cardinality() map[string]int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	out := make(map[string]int, len(si.topics))
	for key, set := range si.topics {
		out[key.String()] = len(set)
	}
	return out
}

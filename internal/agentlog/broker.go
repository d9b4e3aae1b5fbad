// Package agentlog fans out AI-agent subprocess log lines to WS
// subscribers, one subscriber set per device. Grounded on the teacher's
// WebSocketHub.BroadcastToDevice (subscriber-set-plus-send pattern),
// generalized from "one global map of interface{} broadcasts" to "one map
// per device of typed log-line broadcasts." The category classifier is
// recovered from original_source's
// app/services/ai_service.py:_parse_and_broadcast_log, expressed in the
// teacher's idiom (keyword matching, not NLP).
package agentlog

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Category is one of the agent log-line classifications.
type Category string

const (
	CategoryInfo          Category = "info"
	CategoryStep          Category = "step"
	CategoryModelRequest  Category = "model_request"
	CategoryModelResponse Category = "model_response"
	CategoryAction        Category = "action"
	CategoryError         Category = "error"
)

// Classify assigns a Category to a raw agent stdout/stderr line using the
// same keyword precedence the source used.
func Classify(line string) Category {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "step") && strings.Contains(line, "/"):
		return CategoryStep
	case strings.Contains(lower, "request"):
		return CategoryModelRequest
	case strings.Contains(lower, "response"):
		return CategoryModelResponse
	case strings.Contains(lower, "action") || strings.Contains(lower, "tap") || strings.Contains(lower, "swipe"):
		return CategoryAction
	case strings.Contains(lower, "error") || strings.Contains(lower, "failed"):
		return CategoryError
	default:
		return CategoryInfo
	}
}

// LogLine is one broadcast unit, JSON-encoded with a millisecond
// timestamp for the WS wire format.
type LogLine struct {
	DeviceID    string                 `json:"device_id"`
	Category    Category               `json:"category"`
	Line        string                 `json:"line"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	TimestampMS int64                  `json:"timestamp_ms"`
}

// Subscriber receives raw JSON-encoded LogLine frames; eviction happens
// on send failure (dropped, never blocks the broker).
type Subscriber struct {
	ch chan []byte
}

func newSubscriber() *Subscriber {
	return &Subscriber{ch: make(chan []byte, 64)}
}

// Receive returns the channel of JSON-encoded log lines for this
// subscriber.
func (s *Subscriber) Receive() <-chan []byte { return s.ch }

// Broker is the process-wide device_id → subscriber-set registry.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}

	now func() time.Time
}

// NewBroker builds an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[*Subscriber]struct{}),
		now:  time.Now,
	}
}

// Subscribe registers a new listener for a device's agent log stream.
func (b *Broker) Subscribe(deviceID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscriber()
	set, ok := b.subs[deviceID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[deviceID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a listener. Safe to call more than once.
func (b *Broker) Unsubscribe(deviceID string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[deviceID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, deviceID)
		}
	}
}

// BroadcastLogLine classifies and fans line out to every subscriber of
// deviceID. A subscriber whose channel is full is evicted rather than
// blocking the broadcaster, mirroring the teacher's trySend drop policy.
func (b *Broker) BroadcastLogLine(deviceID, line string, payload map[string]interface{}) {
	entry := LogLine{
		DeviceID:    deviceID,
		Category:    Classify(line),
		Line:        line,
		Payload:     payload,
		TimestampMS: b.now().UnixMilli(),
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return
	}

	b.mu.RLock()
	set := b.subs[deviceID]
	targets := make([]*Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	var stuck []*Subscriber
	for _, sub := range targets {
		select {
		case sub.ch <- encoded:
		default:
			stuck = append(stuck, sub)
		}
	}
	for _, sub := range stuck {
		b.Unsubscribe(deviceID, sub)
		close(sub.ch)
	}
}

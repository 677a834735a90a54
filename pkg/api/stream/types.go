package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Category is the domain half of an event tag.
type Category string

const (
	CategoryJob     Category = "job"
	CategoryNode    Category = "node"
	CategoryWallet  Category = "wallet"
	CategoryNetwork Category = "network"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryJob, CategoryNode, CategoryWallet, CategoryNetwork:
		return true
	default:
		return false
	}
}

// EventType is a compound "category:action" tag such as "job:completed".
type EventType string

// Known event types
const (
	TypeJobCreated        EventType = "job:created"
	TypeJobQueued         EventType = "job:queued"
	TypeJobStarted        EventType = "job:started"
	TypeJobProgress       EventType = "job:progress"
	TypeJobFrameCompleted EventType = "job:frame_completed"
	TypeJobCompleted      EventType = "job:completed"
	TypeJobFailed         EventType = "job:failed"
	TypeJobCancelled      EventType = "job:cancelled"

	TypeNodeOnline  EventType = "node:online"
	TypeNodeOffline EventType = "node:offline"
	TypeNodeStatus  EventType = "node:status"

	TypeWalletBalance     EventType = "wallet:balance"
	TypeWalletTransaction EventType = "wallet:transaction"

	TypeNetworkStats EventType = "network:stats"
)

// NewEventType joins a category and an action.
func NewEventType(c Category, action string) EventType {
	return EventType(string(c) + ":" + action)
}

// ParseEventType validates the "category:action" shape.
func ParseEventType(s string) (EventType, error) {
	cat, action, ok := strings.Cut(s, ":")
	if !ok || action == "" {
		return "", fmt.Errorf("event type %q: expected category:action", s)
	}
	if !Category(cat).Valid() {
		return "", fmt.Errorf("event type %q: unknown category %q", s, cat)
	}
	return EventType(s), nil
}

func (t EventType) Category() Category {
	cat, _, _ := strings.Cut(string(t), ":")
	return Category(cat)
}

func (t EventType) Action() string {
	_, action, _ := strings.Cut(string(t), ":")
	return action
}

func (t EventType) String() string { return string(t) }

// Event is one message pushed by the stream service. Clients never build these
// except in tests.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp string          `json:"timestamp"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseEvent decodes one JSON text frame.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	return ev, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// Time parses the ISO-8601 timestamp; the zero time is returned when absent or malformed.
func (e Event) Time() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// ChannelGroup selects which stream endpoint a connection is opened against.
type ChannelGroup string

const (
	GroupJobs    ChannelGroup = "jobs"
	GroupNodes   ChannelGroup = "nodes"
	GroupNetwork ChannelGroup = "network"
)

// Path returns the endpoint path for the group.
func (g ChannelGroup) Path() (string, error) {
	switch g {
	case GroupJobs, GroupNodes, GroupNetwork:
		return "/ws/" + string(g), nil
	default:
		return "", fmt.Errorf("unknown channel group %q", g)
	}
}

// NetworkStatsChannel carries periodic network-wide statistics.
const NetworkStatsChannel = "network:stats"

func JobChannel(jobID string) string      { return "job:" + jobID }
func NodeChannel(nodeID string) string    { return "node:" + nodeID }
func WalletChannel(address string) string { return "wallet:" + address }

// Subscription action constants
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// SubscriptionMessage is the directive a client sends to join or leave channels.
type SubscriptionMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// NetworkStats is the payload of network:stats events.
type NetworkStats struct {
	ActiveNodes   int     `json:"activeNodes"`
	QueuedJobs    int     `json:"queuedJobs"`
	RenderingJobs int     `json:"renderingJobs"`
	TotalGPUs     int     `json:"totalGpus"`
	Utilization   float64 `json:"utilization"`
}

// JobEventData is the payload shared by job:* events.
type JobEventData struct {
	JobID    string  `json:"jobId"`
	Status   string  `json:"status,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Frame    int     `json:"frame,omitempty"`
	NodeID   string  `json:"nodeId,omitempty"`
	Error    string  `json:"error,omitempty"`
}

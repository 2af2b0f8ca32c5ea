// Package model defines the persisted record types of the memory core:
// pending messages, memory cells (episodes), derived records, profiles,
// and per-group clustering state.
package model

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus tracks a pending message through the segmentation lifecycle.
// The numeric values are persisted in the request log.
type MessageStatus int

const (
	// StatusRecorded means the message is logged but no worker has read it yet.
	StatusRecorded MessageStatus = -1
	// StatusInWindow means a worker has included the message in a
	// segmentation window but it has not been promoted.
	StatusInWindow MessageStatus = 0
	// StatusConsumed means the message was part of a promoted episode.
	// Terminal.
	StatusConsumed MessageStatus = 1
)

// PendingMessage is a raw chat message awaiting segmentation.
type PendingMessage struct {
	MessageID  string        `json:"message_id"`
	GroupID    string        `json:"group_id,omitempty"` // empty = private conversation
	SenderID   string        `json:"sender_id"`
	SenderName string        `json:"sender_name,omitempty"`
	Role       Role          `json:"role"`
	Content    string        `json:"content"`
	CreatedAt  time.Time     `json:"created_at"`
	ReferList  []string      `json:"refer_list,omitempty"` // earlier message IDs; dangling refs tolerated
	Status     MessageStatus `json:"status"`
}

// MemCell is a topically coherent episode promoted from the pending stream.
type MemCell struct {
	EventID        string           `json:"event_id"`
	GroupID        string           `json:"group_id,omitempty"`
	UserID         string           `json:"user_id,omitempty"` // empty for group episodes
	Participants   []string         `json:"participants"`
	Timestamp      time.Time        `json:"timestamp"` // last message of the promoted prefix
	Subject        string           `json:"subject"`
	Summary        string           `json:"summary"`
	Episode        string           `json:"episode"`
	OriginalData   []PendingMessage `json:"original_data"`
	Embedding      []float64        `json:"-"`
	EmbeddingModel string           `json:"-"`
	Type           string           `json:"type,omitempty"`
	Keywords       []string         `json:"keywords,omitempty"`
	LinkedEntities []string         `json:"linked_entities,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// SenderSet returns the set of sender IDs in the cell's original messages.
func (m *MemCell) SenderSet() map[string]bool {
	set := make(map[string]bool, len(m.OriginalData))
	for _, msg := range m.OriginalData {
		set[msg.SenderID] = true
	}
	return set
}

// AtomicEvent is a single self-contained factual clause derived from one MemCell.
type AtomicEvent struct {
	LogID          string    `json:"log_id"`
	ParentEventID  string    `json:"parent_event_id"`
	UserID         string    `json:"user_id,omitempty"`
	GroupID        string    `json:"group_id,omitempty"`
	Participants   []string  `json:"participants,omitempty"`
	EventType      string    `json:"event_type,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	AtomicFact     string    `json:"atomic_fact"`
	Embedding      []float64 `json:"-"`
	EmbeddingModel string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// SemanticMemory is a generalized, time-bounded proposition derived from a MemCell.
type SemanticMemory struct {
	MemoryID       string     `json:"memory_id"`
	ParentEventID  string     `json:"parent_event_id"`
	UserID         string     `json:"user_id,omitempty"`
	GroupID        string     `json:"group_id,omitempty"`
	Content        string     `json:"content"`
	Evidence       string     `json:"evidence"` // literal quote from the episode
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"` // nil = open-ended
	DurationDays   *int       `json:"duration_days,omitempty"`
	Embedding      []float64  `json:"-"`
	EmbeddingModel string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
}

// HeldAt reports whether the proposition was valid at t.
func (s *SemanticMemory) HeldAt(t time.Time) bool {
	if t.Before(s.StartTime) {
		return false
	}
	return s.EndTime == nil || !t.After(*s.EndTime)
}

// TraitValue is one observed value for a profile trait category.
type TraitValue struct {
	Value     string   `json:"value"`
	Evidences []string `json:"evidences,omitempty"`
}

// Profile is a versioned per-user summary scoped to a group. Exactly one row
// per (user_id, group_id) has IsLatest set.
type Profile struct {
	UserID    string                  `json:"user_id"`
	GroupID   string                  `json:"group_id,omitempty"`
	Version   string                  `json:"version"`
	IsLatest  bool                    `json:"is_latest"`
	Payload   map[string][]TraitValue `json:"payload"` // trait category -> values
	CreatedAt time.Time               `json:"created_at"`
}

// ProfileDelta is a per-user trait update proposed by the memory extractor.
// Deltas accumulate until the cluster manager triggers a profile rebuild.
type ProfileDelta struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Value    string `json:"value"`
	Evidence string `json:"evidence"`
}

// Cluster is one centroid-tracked group of episodes.
type Cluster struct {
	ID            string    `json:"id"`
	Centroid      []float64 `json:"centroid"`
	Count         int       `json:"count"`
	LastTimestamp time.Time `json:"last_timestamp"`
}

// ClusterState is the per-group clustering state. It is read and written as a
// whole so cluster assignment stays an atomic read-modify-write per group.
type ClusterState struct {
	GroupID          string              `json:"group_id"`
	EventIDs         []string            `json:"event_ids"` // insertion order
	Clusters         map[string]*Cluster `json:"clusters"`
	Assignments      map[string]string   `json:"assignments"` // event_id -> cluster_id
	NextClusterIndex int                 `json:"next_cluster_index"`
	FailureCount     int                 `json:"failure_count"` // episodes with unusable embeddings
}

// NewClusterState returns an empty state for a group.
func NewClusterState(groupID string) *ClusterState {
	return &ClusterState{
		GroupID:     groupID,
		Clusters:    make(map[string]*Cluster),
		Assignments: make(map[string]string),
	}
}

// ConversationStatus holds per-group ingest watermarks.
type ConversationStatus struct {
	GroupID          string    `json:"group_id"`
	OldMsgStartTime  time.Time `json:"old_msg_start_time"` // earliest unconsumed
	NewMsgStartTime  time.Time `json:"new_msg_start_time"` // cursor for next window
	LastMemCellTime  time.Time `json:"last_memcell_time"`
}

// UserDetail describes one participant in a conversation's metadata.
type UserDetail struct {
	FullName string         `json:"full_name,omitempty"`
	Role     string         `json:"role,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"` // opaque; never inspected by the core
}

// Scene classifies a conversation.
type Scene string

const (
	SceneAssistant Scene = "assistant"
	SceneCompanion Scene = "companion"
)

// ConversationMeta is caller-supplied metadata for a group conversation.
type ConversationMeta struct {
	GroupID         string                `json:"group_id"`
	GroupName       string                `json:"group_name,omitempty"`
	Scene           Scene                 `json:"scene,omitempty"`
	UserDetails     map[string]UserDetail `json:"user_details,omitempty"`
	Tags            []string              `json:"tags,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	DefaultTimezone string                `json:"default_timezone,omitempty"`
}

// DataSource selects which derived collection a retrieval targets.
type DataSource string

const (
	SourceEpisode        DataSource = "episode"
	SourceEventLog       DataSource = "event_log"
	SourceSemanticMemory DataSource = "semantic_memory"
)

// Valid reports whether the data source is one of the three collections.
func (d DataSource) Valid() bool {
	switch d {
	case SourceEpisode, SourceEventLog, SourceSemanticMemory:
		return true
	}
	return false
}

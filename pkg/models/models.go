package models

import (
	"encoding/json"
	"time"
)

// Social graph models

// User represents a profile as returned by the backend
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name,omitempty"`
	Bio         *string    `json:"bio,omitempty"`
	AvatarURL   *string    `json:"avatar_url,omitempty"`
	BirthDate   *time.Time `json:"birth_date,omitempty"`
	IsPrivate   bool       `json:"is_private"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Block records that BlockerID hides BlockedID
type Block struct {
	ID        string    `json:"id"`
	BlockerID string    `json:"blocker_id"`
	BlockedID string    `json:"blocked_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Post is a single feed entry
type Post struct {
	ID           string    `json:"id"`
	AuthorID     string    `json:"author_id"`
	Content      string    `json:"content"`
	DiseaseID    *string   `json:"disease_id,omitempty"`
	LikeCount    int       `json:"like_count"`
	CommentCount int       `json:"comment_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Messaging models

// Conversation is a direct-message thread between two users
type Conversation struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participant_id"`
	LastMessage   *Message  `json:"last_message,omitempty"`
	UnreadCount   int       `json:"unread_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Message is a direct message inside a conversation
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Group is a group chat
type Group struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	MemberIDs   []string      `json:"member_ids"`
	LastMessage *GroupMessage `json:"last_message,omitempty"`
	UnreadCount int           `json:"unread_count"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// GroupMessage is a message posted to a group chat
type GroupMessage struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Health tracking models

// Disease is a condition tracked on a user's profile
type Disease struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	DiagnosedAt *time.Time `json:"diagnosed_at,omitempty"`
	IsPublic    bool       `json:"is_public"`
}

// VitalType names a kind of vital-sign measurement
type VitalType string

const (
	VitalHeartRate     VitalType = "heart_rate"
	VitalBloodPressure VitalType = "blood_pressure"
	VitalBloodSugar    VitalType = "blood_sugar"
	VitalWeight        VitalType = "weight"
	VitalTemperature   VitalType = "temperature"
)

// VitalRecord is a single measurement; Secondary carries the diastolic value for blood pressure
type VitalRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Type       VitalType `json:"type"`
	Value      float64   `json:"value"`
	Secondary  *float64  `json:"secondary,omitempty"`
	Unit       string    `json:"unit"`
	Note       *string   `json:"note,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Push event envelopes

// Stream event names sent by the backend
const (
	EventConnected     = "connected"
	EventPing          = "ping"
	EventReconnect     = "reconnect"
	EventMessage       = "message"
	EventGroupMessage  = "group_message"
	EventNotification  = "notification"
	NotificationPost   = "post"
	NotificationLike   = "like"
	NotificationFollow = "follow"
)

// MessageEvent is the data of a message or group_message stream event.
// Exactly one of ConversationID and GroupID is set.
type MessageEvent struct {
	ID             string    `json:"id"`
	Type           string    `json:"type,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	GroupID        string    `json:"group_id,omitempty"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message converts a direct message event into the stored form
func (e MessageEvent) Message() Message {
	return Message{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		Content:        e.Content,
		CreatedAt:      e.CreatedAt,
	}
}

// GroupMessage converts a group message event into the stored form
func (e MessageEvent) GroupMessage() GroupMessage {
	return GroupMessage{
		ID:        e.ID,
		GroupID:   e.GroupID,
		SenderID:  e.SenderID,
		Content:   e.Content,
		CreatedAt: e.CreatedAt,
	}
}

// Notification is both a list item and the data of a notification stream event
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ActorID   string          `json:"actor_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

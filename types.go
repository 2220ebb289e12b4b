package afterdark

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

var (
	ErrNotFound           = errors.New("not found")
	ErrNoSession          = errors.New("no session")
	ErrUnresolvedIdentity = errors.New("messaging identity unresolved")
	ErrEntityNotFound     = errors.New("entity not found")
	ErrNotConnected       = errors.New("not connected")
	ErrThreadClosed       = errors.New("thread closed")
	ErrMessengerStopped   = errors.New("messenger stopped")
)

// APIError represents an API error.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return http.StatusText(e.Status) + ": " + e.Message
	}
	return e.Code + ": " + e.Message
}

// Is reports 404 responses as ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && (e.Status == http.StatusNotFound || e.Code == "NOT_FOUND")
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Identity Types
// ============================================================================

// EntityKind is the closed set of things an account can act as.
type EntityKind int

const (
	KindUnknown EntityKind = iota
	KindAccount
	KindBarPage
	KindBusiness
)

// ParseEntityKind normalizes every historical spelling of an entity type.
// It is the only place raw type strings are interpreted.
func ParseEntityKind(s string) EntityKind {
	switch strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)) {
	case "account", "user", "personal", "customer":
		return KindAccount
	case "barpage", "bar", "page":
		return KindBarPage
	case "business", "businessaccount", "businessprofile", "dj", "dancer":
		return KindBusiness
	}
	return KindUnknown
}

func (k EntityKind) String() string {
	switch k {
	case KindAccount:
		return "Account"
	case KindBarPage:
		return "BarPage"
	case KindBusiness:
		return "Business"
	}
	return "Unknown"
}

func (k EntityKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EntityKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = ParseEntityKind(s)
	return nil
}

// Role is the platform role an entity plays.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleBar      Role = "bar"
	RoleDJ       Role = "dj"
	RoleDancer   Role = "dancer"
)

// ParseRole maps role spellings onto the four known roles. Unknown input
// falls back to customer.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bar", "barpage", "bar_page", "venue":
		return RoleBar
	case "dj":
		return RoleDJ
	case "dancer":
		return RoleDancer
	}
	return RoleCustomer
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*r = ParseRole(s)
	return nil
}

// Account is the authenticated principal.
type Account struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Role   Role   `json:"role"`
	Token  string `json:"token,omitempty"`
}

// EntityRef identifies an entity by its role-scoped id and kind.
type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"type"`
}

func (r EntityRef) String() string {
	return r.Kind.String() + ":" + r.ID
}

// ParseEntityRef parses the "kind:id" form produced by String.
func ParseEntityRef(s string) (EntityRef, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return EntityRef{}, fmt.Errorf("invalid entity ref %q: want kind:id", s)
	}
	k := ParseEntityKind(kind)
	if k == KindUnknown {
		return EntityRef{}, fmt.Errorf("invalid entity ref %q: unknown kind %q", s, kind)
	}
	return EntityRef{ID: id, Kind: k}, nil
}

// Entity is a role an account can act as.
type Entity struct {
	ID          string     `json:"id"`
	Kind        EntityKind `json:"type"`
	Role        Role       `json:"role"`
	Name        string     `json:"name"`
	Avatar      string     `json:"avatar,omitempty"`
	MessagingID string     `json:"messagingId,omitempty"`
}

// Ref returns the entity's identity.
func (e Entity) Ref() EntityRef {
	return EntityRef{ID: e.ID, Kind: e.Kind}
}

// Session is the locally cached identity state.
type Session struct {
	Account  Account  `json:"account"`
	Entities []Entity `json:"entities"`
	Active   *Entity  `json:"activeEntity,omitempty"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := &Session{Account: s.Account}
	if s.Entities != nil {
		c.Entities = append([]Entity(nil), s.Entities...)
	}
	if s.Active != nil {
		a := *s.Active
		c.Active = &a
	}
	return c
}

// Entity finds an entity by ref.
func (s *Session) Entity(ref EntityRef) (Entity, bool) {
	for _, e := range s.Entities {
		if e.Ref() == ref {
			return e, true
		}
	}
	return Entity{}, false
}

// SessionPatch is a partial session update. Nil fields are left untouched.
type SessionPatch struct {
	Account  *Account
	Entities []Entity
	Active   *Entity
}

// ============================================================================
// Messaging Types
// ============================================================================

type MessageType string

const (
	MessageText       MessageType = "text"
	MessageImage      MessageType = "image"
	MessageFile       MessageType = "file"
	MessageSharedPost MessageType = "shared-post"
)

// MessageStatus is the delivery state of a message. Transitions only move
// forward: pending → sent → delivered → read.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent, "":
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 1
}

// Advance returns the later of the two statuses.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if next == "" {
		next = StatusSent
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// Message is a message as held by a Thread.
type Message struct {
	ID             string            `json:"id,omitempty"`
	ClientID       string            `json:"clientId,omitempty"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Content        string            `json:"content"`
	Type           MessageType       `json:"type"`
	CreatedAt      time.Time         `json:"createdAt"`
	ReplyToID      string            `json:"replyToId,omitempty"`
	SharedPostID   string            `json:"sharedPost,omitempty"`
	Status         MessageStatus     `json:"status,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
}

// Pending reports whether the message is still awaiting acknowledgment.
func (m Message) Pending() bool {
	return m.Status == StatusPending
}

// RemoteConversation is a conversation as returned by the server.
type RemoteConversation struct {
	ID                 string            `json:"id"`
	Participants       []string          `json:"participants"`
	LastMessageContent string            `json:"last_message_content"`
	LastMessageTime    time.Time         `json:"last_message_time"`
	UnreadCount        int               `json:"unreadCount"`
	ParticipantStatus  map[string]string `json:"participantStatuses,omitempty"`
}

// Conversation is a conversation resolved for one messaging identity.
type Conversation struct {
	ID               string
	OtherParticipant string
	Peer             Profile
	LastMessage      string
	LastMessageAt    time.Time
	UnreadCount      int
}

type ListMessagesOptions struct {
	Before string
	Limit  int
}

// SendMessageRequest is the body of a send call.
type SendMessageRequest struct {
	ConversationID string      `json:"-"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	SenderID       string      `json:"senderId"`
	EntityType     string      `json:"entityType,omitempty"`
	EntityID       string      `json:"entityId,omitempty"`
	ClientID       string      `json:"clientId,omitempty"`
	ReplyToID      string      `json:"replyToId,omitempty"`
	SharedPostID   string      `json:"sharedPost,omitempty"`
}

type SentMessage struct {
	ID       string `json:"id"`
	SenderID string `json:"senderId"`
}

// ============================================================================
// Profile and Post Types
// ============================================================================

const ProfileStatusBanned = "banned"

type Profile struct {
	MessagingID string `json:"messagingId,omitempty"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar,omitempty"`
	Status      string `json:"status,omitempty"`
}

type Post struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	AuthorName   string `json:"authorName"`
	AuthorAvatar string `json:"authorAvatar,omitempty"`
	PreviewImage string `json:"previewImage,omitempty"`
	Unavailable  bool   `json:"-"`
}

// Package protocol defines the JSON messages exchanged between editors and the
// collaboration coordinator. Every message travels as a flat envelope
// {"type": "...", ...fields}; each type maps to exactly one Go struct, so
// handlers switch over concrete types instead of inspecting strings.
package protocol

import (
	"time"

	"codecollab/internal/models"
)

// Type is the envelope discriminator.
type Type string

// Inbound (client -> coordinator)
const (
	TypeJoin           Type = "join"
	TypeLeave          Type = "leave"
	TypeStartEdit      Type = "start_edit"
	TypeStopEdit       Type = "stop_edit"
	TypeCodeUpdate     Type = "code_update"
	TypeCursorPosition Type = "cursor_position"
	TypeChatMessage    Type = "chat_message"
	TypePing           Type = "ping"
)

// Outbound (coordinator -> client). code_update, cursor_position and
// chat_message are shared with the inbound set but carry different fields.
const (
	TypeCollaborators Type = "collaborators"
	TypeEditGranted   Type = "edit_granted"
	TypeEditDenied    Type = "edit_denied"
	TypeEditStarted   Type = "edit_started"
	TypeEditStopped   Type = "edit_stopped"
	TypeUserJoined    Type = "user_joined"
	TypeUserLeft      Type = "user_left"
	TypeCodeAccepted  Type = "code_accepted"
	TypeCodePersisted Type = "code_persisted"
	TypePong          Type = "pong"
	TypeWarning       Type = "warning"
	TypeError         Type = "error"
)

// Inbound is implemented by every client -> coordinator message.
type Inbound interface {
	Kind() Type
	inbound()
}

// Outbound is implemented by every coordinator -> client message.
type Outbound interface {
	Kind() Type
	outbound()
}

type Join struct {
	UserID      string `json:"userId"`
	DocumentID  string `json:"documentId"`
	DisplayName string `json:"displayName"`
}

type Leave struct {
	UserID     string `json:"userId"`
	DocumentID string `json:"documentId"`
}

type StartEdit struct {
	UserID      string `json:"userId"`
	DocumentID  string `json:"documentId"`
	DisplayName string `json:"displayName,omitempty"`
}

type StopEdit struct {
	UserID     string `json:"userId"`
	DocumentID string `json:"documentId"`
}

// CodeUpdate carries the full buffer. Revision is a client-side counter echoed
// back in CodeAccepted so the sender knows which edit was taken.
type CodeUpdate struct {
	UserID     string `json:"userId"`
	DocumentID string `json:"documentId"`
	Code       string `json:"code"`
	Revision   uint64 `json:"revision,omitempty"`
}

type CursorPosition struct {
	UserID     string                `json:"userId"`
	DocumentID string                `json:"documentId"`
	Position   models.CursorPosition `json:"position"`
}

type ChatMessage struct {
	ID         string `json:"id,omitempty"`
	UserID     string `json:"userId"`
	DocumentID string `json:"documentId"`
	Message    string `json:"message"`
}

type Ping struct{}

func (Join) Kind() Type           { return TypeJoin }
func (Leave) Kind() Type          { return TypeLeave }
func (StartEdit) Kind() Type      { return TypeStartEdit }
func (StopEdit) Kind() Type       { return TypeStopEdit }
func (CodeUpdate) Kind() Type     { return TypeCodeUpdate }
func (CursorPosition) Kind() Type { return TypeCursorPosition }
func (ChatMessage) Kind() Type    { return TypeChatMessage }
func (Ping) Kind() Type           { return TypePing }

func (Join) inbound()           {}
func (Leave) inbound()          {}
func (StartEdit) inbound()      {}
func (StopEdit) inbound()       {}
func (CodeUpdate) inbound()     {}
func (CursorPosition) inbound() {}
func (ChatMessage) inbound()    {}
func (Ping) inbound()           {}

// Collaborator is one row of the presence list.
type Collaborator struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsEditing   bool   `json:"isEditing"`
	IsOwner     bool   `json:"isOwner"`
}

// Collaborators is the full presence list. CurrentEditor is nil (JSON null) while unlocked.
type Collaborators struct {
	Collaborators []Collaborator `json:"collaborators"`
	CurrentEditor *string        `json:"currentEditor"`
}

type EditGranted struct{}

type EditDenied struct {
	CurrentEditor string `json:"currentEditor"`
}

type EditStarted struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
}

type EditStopped struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type UserJoined struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
}

type UserLeft struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
}

// CodeBroadcast is the outbound code_update. An empty UserID marks a snapshot
// sent by the coordinator itself (initial sync), not an edit by a peer.
type CodeBroadcast struct {
	UserID    string    `json:"userId,omitempty"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

type CodeAccepted struct {
	Revision uint64 `json:"revision"`
}

type CodePersisted struct {
	Revision uint64 `json:"revision"`
	Version  int64  `json:"version"`
}

type CursorBroadcast struct {
	UserID   string                `json:"userId"`
	Position models.CursorPosition `json:"position"`
}

type ChatBroadcast struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type Pong struct{}

// Warning codes
const (
	WarnPersistenceUnavailable = "persistence_unavailable"
	WarnSessionReplaced        = "session_replaced"
	WarnRateLimited            = "rate_limited"
)

// Error codes
const (
	ErrCodeBadMessage = "bad_message"
	ErrCodeNotJoined  = "not_joined"
	ErrCodeIdentity   = "identity_mismatch"
	ErrCodeForbidden  = "forbidden"
)

type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Collaborators) Kind() Type   { return TypeCollaborators }
func (EditGranted) Kind() Type     { return TypeEditGranted }
func (EditDenied) Kind() Type      { return TypeEditDenied }
func (EditStarted) Kind() Type     { return TypeEditStarted }
func (EditStopped) Kind() Type     { return TypeEditStopped }
func (UserJoined) Kind() Type      { return TypeUserJoined }
func (UserLeft) Kind() Type        { return TypeUserLeft }
func (CodeBroadcast) Kind() Type   { return TypeCodeUpdate }
func (CodeAccepted) Kind() Type    { return TypeCodeAccepted }
func (CodePersisted) Kind() Type   { return TypeCodePersisted }
func (CursorBroadcast) Kind() Type { return TypeCursorPosition }
func (ChatBroadcast) Kind() Type   { return TypeChatMessage }
func (Pong) Kind() Type            { return TypePong }
func (Warning) Kind() Type         { return TypeWarning }
func (Error) Kind() Type           { return TypeError }

func (Collaborators) outbound()   {}
func (EditGranted) outbound()     {}
func (EditDenied) outbound()      {}
func (EditStarted) outbound()     {}
func (EditStopped) outbound()     {}
func (UserJoined) outbound()      {}
func (UserLeft) outbound()        {}
func (CodeBroadcast) outbound()   {}
func (CodeAccepted) outbound()    {}
func (CodePersisted) outbound()   {}
func (CursorBroadcast) outbound() {}
func (ChatBroadcast) outbound()   {}
func (Pong) outbound()            {}
func (Warning) outbound()         {}
func (Error) outbound()           {}

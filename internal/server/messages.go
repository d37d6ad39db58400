package server

import (
	"errors"
	"net/http"
	"time"

	"chatrelay/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the closed set of operations a client may request.
// Exactly one variant field is set per message.
type ClientMessage struct {
	BaseMessage
	GetConversations *GetConversations `json:"get_conversations,omitempty"`
	Join             *Join             `json:"join,omitempty"`
	Publish          *Publish          `json:"publish,omitempty"`
	StartPrivate     *StartPrivate     `json:"start_private,omitempty"`
	CreateGroup      *CreateGroup      `json:"create_group,omitempty"`
	Presence         *PresenceRequest  `json:"presence,omitempty"`
	client           *Client
}

type GetConversations struct{}

type Join struct {
	ConversationId int `json:"conversation_id"`
}

type Publish struct {
	ConversationId int    `json:"conversation_id"`
	Content        string `json:"content"`
}

type StartPrivate struct {
	Username string `json:"username"`
}

type CreateGroup struct {
	Name      string   `json:"name"`
	Usernames []string `json:"usernames"`
}

type PresenceRequest struct{}

type ServerMessage struct {
	BaseMessage
	Response      *Response         `json:"response,omitempty"`
	Message       *types.Message    `json:"message,omitempty"`
	History       *History          `json:"history,omitempty"`
	Conversations *ConversationList `json:"conversations,omitempty"`
	Notification  *Notification     `json:"notification,omitempty"`
	// UserId routes a notification to every live connection of one user;
	// zero means broadcast to all connected clients.
	UserId     int     `json:"-"`
	SkipClient *Client `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type History struct {
	ConversationId int             `json:"conversation_id"`
	Messages       []types.Message `json:"messages"`
}

type ConversationList struct {
	Summaries []types.ConversationSummary `json:"summaries"`
}

type Notification struct {
	Presence         *PresenceChange      `json:"presence,omitempty"`
	PresenceSnapshot *PresenceSnapshot    `json:"presence_snapshot,omitempty"`
	Conversation     *ConversationCreated `json:"conversation,omitempty"`
}

type PresenceChange struct {
	UserId   int    `json:"user_id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

type PresenceStatus struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

type PresenceSnapshot struct {
	Statuses map[int]PresenceStatus `json:"statuses"`
}

type ConversationCreated struct {
	Summary types.ConversationSummary `json:"summary"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func errResponse(id, code int, text string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        text,
		},
	}
}

// ErrEvent maps a domain error to the single error event reported to the
// initiating connection. Unrecognized errors are store failures.
func ErrEvent(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return errResponse(id, http.StatusUnauthorized, "you are not authorized for this conversation")
	case errors.Is(err, ErrUnknownParticipant):
		return errResponse(id, http.StatusNotFound, "some specified users do not exist")
	case errors.Is(err, ErrInvalidParticipant):
		return errResponse(id, http.StatusBadRequest, "invalid participant")
	case errors.Is(err, ErrEmptyGroup):
		return errResponse(id, http.StatusBadRequest, "group conversation needs at least one other participant")
	default:
		return errResponse(id, http.StatusServiceUnavailable, "temporarily unavailable, try again")
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrTooManyRequests(id int) *ServerMessage {
	return errResponse(id, http.StatusTooManyRequests, "slow down")
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the kernel messaging protocol version this codec speaks.
const ProtocolVersion = "5.3"

// Message kinds this client sends or demultiplexes.
const (
	MsgTypeExecuteRequest = "execute_request"
	MsgTypeExecuteReply   = "execute_reply"
	MsgTypeExecuteResult  = "execute_result"
	MsgTypeStream         = "stream"
	MsgTypeError          = "error"
	MsgTypeStatus         = "status"
)

// Broadcast stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ExecutionStateIdle is the status content value marking the end of one execution.
const ExecutionStateIdle = "idle"

// Header identifies one message and the session that produced it.
type Header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// IsZero reports whether the header is the empty parent of a root message.
func (h Header) IsZero() bool {
	return h.MsgID == "" && h.MsgType == ""
}

// NewHeader builds a fresh header for an outbound message.
func NewHeader(session, username, msgType string) Header {
	return Header{
		MsgID:    uuid.NewString(),
		Session:  session,
		Username: username,
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:  msgType,
		Version:  ProtocolVersion,
	}
}

// Message is one kernel protocol message: header, optional parent header,
// metadata, kind-specific content, and optional raw binary buffers.
type Message struct {
	Header       Header
	ParentHeader Header
	Metadata     map[string]any
	Content      json.RawMessage
	Buffers      [][]byte
}

// ParentID returns the correlation id linking a broadcast message to the
// request that caused it, or "" for root messages.
func (m Message) ParentID() string {
	return m.ParentHeader.MsgID
}

// ExecuteRequest is the execute_request content schema.
type ExecuteRequest struct {
	Code            string            `json:"code"`
	Silent          bool              `json:"silent"`
	StoreHistory    bool              `json:"store_history"`
	UserExpressions map[string]string `json:"user_expressions"`
	AllowStdin      bool              `json:"allow_stdin"`
	StopOnError     bool              `json:"stop_on_error"`
}

// StreamContent is the stream broadcast content schema.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ErrorContent is the error broadcast content schema.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// StatusContent is the status broadcast content schema.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// ExecuteResultContent is the execute_result broadcast content schema.
type ExecuteResultContent struct {
	Data map[string]json.RawMessage `json:"data"`
}

// NewExecuteRequest builds a complete execute_request message for one code snippet.
func NewExecuteRequest(session, username, code string) (Message, error) {
	content, err := json.Marshal(ExecuteRequest{
		Code:            code,
		Silent:          false,
		StoreHistory:    false,
		UserExpressions: map[string]string{},
		AllowStdin:      false,
		StopOnError:     true,
	})
	if err != nil {
		return Message{}, err
	}
	return Message{
		Header:   NewHeader(session, username, MsgTypeExecuteRequest),
		Metadata: map[string]any{},
		Content:  content,
	}, nil
}

package acp

import "encoding/json"

// ProtocolVersion is the protocol revision this server speaks.
const ProtocolVersion = 1

// Method names.
const (
	methodInitialize        = "initialize"
	methodSessionNew        = "session/new"
	methodSessionPrompt     = "session/prompt"
	methodSessionCancel     = "session/cancel"
	methodSessionSetModel   = "session/set_model"
	methodSessionUpdate     = "session/update"
	methodRequestPermission = "session/request_permission"
)

// Stop reasons reported for a prompt.
const (
	StopEndTurn   = "end_turn"
	StopCancelled = "cancelled"
	StopRefusal   = "refusal"
)

// Permission option IDs offered for a tool call.
const (
	OptionAllowOnce   = "allow_once"
	OptionAllowAlways = "allow_always"
	OptionRejectOnce  = "reject_once"
)

type initializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities agentCapabilities `json:"agentCapabilities"`
	AuthMethods       []json.RawMessage `json:"authMethods"`
}

type agentCapabilities struct {
	LoadSession bool `json:"loadSession"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []contentBlock `json:"prompt"`
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

type sessionParams struct {
	SessionID string `json:"sessionId"`
}

type setModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

type sessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    sessionUpdate `json:"update"`
}

// sessionUpdate is the union of the update kinds sent to clients.
type sessionUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       *contentBlock   `json:"content,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	Title         string          `json:"title,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Status        string          `json:"status,omitempty"`
	RawInput      json.RawMessage `json:"rawInput,omitempty"`
	RawOutput     json.RawMessage `json:"rawOutput,omitempty"`
}

type toolCallRef struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

type permissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

type requestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  toolCallRef        `json:"toolCall"`
	Options   []permissionOption `json:"options"`
}

type requestPermissionResult struct {
	Outcome struct {
		Outcome  string `json:"outcome"`
		OptionID string `json:"optionId,omitempty"`
	} `json:"outcome"`
}

var permissionOptions = []permissionOption{
	{OptionID: OptionAllowOnce, Name: "Allow", Kind: "allow_once"},
	{OptionID: OptionAllowAlways, Name: "Always allow", Kind: "allow_always"},
	{OptionID: OptionRejectOnce, Name: "Reject", Kind: "reject_once"},
}

// toolKind maps built-in tool names onto the client's tool kinds.
func toolKind(name string) string {
	switch name {
	case "fs_read":
		return "read"
	case "fs_write":
		return "edit"
	case "execute_bash":
		return "execute"
	default:
		return "other"
	}
}

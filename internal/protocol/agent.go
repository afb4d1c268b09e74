package protocol

import (
	"encoding/json"
	"fmt"
)

// AgentMessageType identifies control frames on the upstream voice-agent
// websocket. Only the subset the orchestrator interprets is modeled; audio
// arrives as raw binary frames.
type AgentMessageType string

const (
	AgentTypeSettings             AgentMessageType = "Settings"
	AgentTypeWelcome              AgentMessageType = "Welcome"
	AgentTypeConversationText     AgentMessageType = "ConversationText"
	AgentTypeUserStartedSpeaking  AgentMessageType = "UserStartedSpeaking"
	AgentTypeAgentStartedSpeaking AgentMessageType = "AgentStartedSpeaking"
	AgentTypeAgentAudioDone       AgentMessageType = "AgentAudioDone"
	AgentTypeFunctionCalling      AgentMessageType = "FunctionCalling"
	AgentTypeFunctionCallRequest  AgentMessageType = "FunctionCallRequest"
	AgentTypeFunctionCallResponse AgentMessageType = "FunctionCallResponse"
	AgentTypeInjectAgentMessage   AgentMessageType = "InjectAgentMessage"
	AgentTypeCloseConnection      AgentMessageType = "CloseConnection"
	AgentTypeError                AgentMessageType = "Error"
)

type agentEnvelope struct {
	Type AgentMessageType `json:"type"`
}

type Welcome struct {
	Type      AgentMessageType `json:"type"`
	RequestID string           `json:"request_id"`
}

type ConversationText struct {
	Type    AgentMessageType `json:"type"`
	Role    string           `json:"role"`
	Content string           `json:"content"`
}

type UserStartedSpeaking struct {
	Type AgentMessageType `json:"type"`
}

type AgentStartedSpeaking struct {
	Type AgentMessageType `json:"type"`
}

type AgentAudioDone struct {
	Type AgentMessageType `json:"type"`
}

type FunctionCalling struct {
	Type AgentMessageType `json:"type"`
}

// FunctionCall is one requested invocation inside a FunctionCallRequest.
// Arguments arrive as a JSON-encoded string, per the upstream protocol.
type FunctionCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type FunctionCallRequest struct {
	Type      AgentMessageType `json:"type"`
	Functions []FunctionCall   `json:"functions"`
}

type FunctionCallResponse struct {
	Type    AgentMessageType `json:"type"`
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Content string           `json:"content"`
}

// NewFunctionCallResponse wraps a tool result (or structured error) for the
// upstream service. Marshal failures fall back to an error payload so encode
// stays total.
func NewFunctionCallResponse(callID, name string, result any) FunctionCallResponse {
	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(`{"error":"unencodable tool result"}`)
	}
	return FunctionCallResponse{
		Type:    AgentTypeFunctionCallResponse,
		ID:      callID,
		Name:    name,
		Content: string(content),
	}
}

type InjectAgentMessage struct {
	Type    AgentMessageType `json:"type"`
	Message string           `json:"message"`
}

func NewInjectAgentMessage(message string) InjectAgentMessage {
	return InjectAgentMessage{Type: AgentTypeInjectAgentMessage, Message: message}
}

type CloseConnection struct {
	Type AgentMessageType `json:"type"`
}

type AgentError struct {
	Type        AgentMessageType `json:"type"`
	Description string           `json:"description"`
	Code        string           `json:"code"`
}

// Settings is the session-start payload describing audio formats, providers
// and the tool surface the upstream service may invoke.
type Settings struct {
	Type  AgentMessageType `json:"type"`
	Audio AudioSettings    `json:"audio"`
	Agent AgentSettings    `json:"agent"`
}

type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type AgentSettings struct {
	Language string         `json:"language"`
	Listen   ListenSettings `json:"listen"`
	Think    ThinkSettings  `json:"think"`
	Speak    SpeakSettings  `json:"speak"`
	Greeting string         `json:"greeting"`
}

type Provider struct {
	Type        string  `json:"type"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
}

type ListenSettings struct {
	Provider Provider `json:"provider"`
}

type ThinkSettings struct {
	Provider  Provider             `json:"provider"`
	Prompt    string               `json:"prompt"`
	Functions []FunctionDefinition `json:"functions"`
}

type SpeakSettings struct {
	Provider Provider `json:"provider"`
}

// FunctionDefinition is the schema advertised upstream for one tool.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ParseAgentMessage decodes a text frame from the upstream voice-agent
// websocket. Unknown types return ErrUnknownType so future upstream message
// kinds never break an existing session.
func ParseAgentMessage(raw []byte) (any, error) {
	var env agentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid agent envelope: %w", err)
	}

	switch env.Type {
	case AgentTypeWelcome:
		var msg Welcome
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case AgentTypeConversationText:
		var msg ConversationText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case AgentTypeUserStartedSpeaking:
		return UserStartedSpeaking{Type: env.Type}, nil
	case AgentTypeAgentStartedSpeaking:
		return AgentStartedSpeaking{Type: env.Type}, nil
	case AgentTypeAgentAudioDone:
		return AgentAudioDone{Type: env.Type}, nil
	case AgentTypeFunctionCalling:
		return FunctionCalling{Type: env.Type}, nil
	case AgentTypeFunctionCallRequest:
		var msg FunctionCallRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Functions) == 0 {
			return nil, fmt.Errorf("function call request carries no functions")
		}
		return msg, nil
	case AgentTypeCloseConnection:
		return CloseConnection{Type: env.Type}, nil
	case AgentTypeError:
		var msg AgentError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnknownType
	}
}

// Package protocol defines the event envelope exchanged over a room
// websocket and validates inbound frames before they reach a handler.
//
// Text frames carry a JSON envelope {"event": name, "data": payload}.
// Binary frames carry raw terminal bytes in both directions.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/choonkeat/codecollab/internal/filetree"
	"github.com/choonkeat/codecollab/internal/roster"
)

// Event names.
const (
	EventJoin                 = "join"
	EventJoined               = "joined"
	EventDisconnected         = "disconnected"
	EventCodeChange           = "code-change"
	EventSyncCode             = "sync-code"
	EventCompileCode          = "compile-code"
	EventCompilationResult    = "compilation-result"
	EventGenerateCode         = "generate-code"
	EventCodeGenerationResult = "code-generation-result"
	EventRecommendCode        = "recommend_code"
	EventRecommendResult      = "recommend-result"
	EventFileTreeUpdate       = "file-tree-update"
	EventActiveFileChange     = "active-file-change"
	EventTerminalWrite        = "terminal:write"
	EventTerminalResize       = "terminal:resize"
	EventTerminalExit         = "terminal:exit"
	EventError                = "error"
	EventPing                 = "ping"
	EventPong                 = "pong"
)

var (
	// ErrMalformed is returned for frames that are not a valid envelope or
	// whose payload is missing a required field.
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownEvent is returned for a well-formed envelope naming an
	// event the server does not accept.
	ErrUnknownEvent = errors.New("unknown event")
)

// Inbound payloads.

type Join struct {
	RoomToken   string `json:"roomToken"`
	DisplayName string `json:"displayName"`
}

// CodeChange is sent by clients with RoomToken and relayed to peers as
// just {code}.
type CodeChange struct {
	RoomToken string `json:"roomToken,omitempty"`
	Code      string `json:"code"`
}

type SyncCode struct {
	TargetConnectionID string `json:"targetConnectionId"`
	Code               string `json:"code"`
}

type CompileCode struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin,omitempty"`
}

type GenerateCode struct {
	Prompt   string `json:"prompt"`
	Language string `json:"language,omitempty"`
}

type RecommendCode struct {
	Code string `json:"code"`
}

type FileTreeUpdate struct {
	RoomToken string        `json:"roomToken,omitempty"`
	FileTree  filetree.Tree `json:"fileTree"`
}

type ActiveFileChange struct {
	RoomToken   string `json:"roomToken,omitempty"`
	FilePath    string `json:"filePath"`
	DisplayName string `json:"displayName,omitempty"`
}

// TerminalWrite is keyboard input delivered as a text event.
type TerminalWrite struct {
	Data string
}

type TerminalResize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type Ping struct{}

// Outbound payloads.

// Joined tells a connection who is in the room. Code and FileTree are only
// set on the copy sent to the joiner.
type Joined struct {
	Roster       []roster.Member `json:"roster"`
	DisplayName  string          `json:"displayName"`
	ConnectionID string          `json:"connectionId"`
	Code         *string         `json:"code,omitempty"`
	FileTree     filetree.Tree   `json:"fileTree,omitempty"`
}

type Disconnected struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}

type CompilationResult struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

type CodeGenerationResult struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

type RecommendResult struct {
	Recommendations string `json:"recommendations,omitempty"`
	Error           string `json:"error,omitempty"`
}

type TerminalExit struct {
	ExitCode int `json:"exitCode"`
}

// Error reports a rejected message back to its sender.
type Error struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// Message is a decoded inbound frame. Payload holds a pointer to one of the
// inbound payload types above.
type Message struct {
	Event   string
	Payload any
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindToken
	kindArray
	kindPositive
)

type field struct {
	path     string
	kind     fieldKind
	optional bool
}

type inbound struct {
	fields []field
	decode func(data []byte) (any, error)
}

func decodeInto[T any](data []byte) (any, error) {
	v := new(T)
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

var inboundEvents = map[string]inbound{
	EventJoin: {
		fields: []field{{path: "roomToken", kind: kindToken}, {path: "displayName", optional: true}},
		decode: decodeInto[Join],
	},
	EventCodeChange: {
		fields: []field{{path: "code"}, {path: "roomToken", optional: true}},
		decode: decodeInto[CodeChange],
	},
	EventSyncCode: {
		fields: []field{{path: "targetConnectionId", kind: kindToken}, {path: "code"}},
		decode: decodeInto[SyncCode],
	},
	EventCompileCode: {
		fields: []field{{path: "code"}, {path: "language"}, {path: "stdin", optional: true}},
		decode: decodeInto[CompileCode],
	},
	EventGenerateCode: {
		fields: []field{{path: "prompt"}, {path: "language", optional: true}},
		decode: decodeInto[GenerateCode],
	},
	EventRecommendCode: {
		fields: []field{{path: "code"}},
		decode: decodeInto[RecommendCode],
	},
	EventFileTreeUpdate: {
		fields: []field{{path: "fileTree", kind: kindArray}, {path: "roomToken", optional: true}},
		decode: decodeInto[FileTreeUpdate],
	},
	EventActiveFileChange: {
		fields: []field{{path: "filePath"}, {path: "roomToken", optional: true}},
		decode: decodeInto[ActiveFileChange],
	},
	EventTerminalResize: {
		fields: []field{{path: "cols", kind: kindPositive}, {path: "rows", kind: kindPositive}},
		decode: decodeInto[TerminalResize],
	},
	EventPing: {
		decode: decodeInto[Ping],
	},
}

// Decode parses a text frame. An unknown event yields ErrUnknownEvent; a
// frame that is not an envelope, or whose data lacks a required field or
// has a field of the wrong type, yields ErrMalformed.
func Decode(frame []byte) (Message, error) {
	if !gjson.ValidBytes(frame) {
		return Message{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	env := gjson.ParseBytes(frame)
	if !env.IsObject() {
		return Message{}, fmt.Errorf("%w: envelope is not an object", ErrMalformed)
	}
	ev := env.Get("event")
	if ev.Type != gjson.String || ev.Str == "" {
		return Message{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	event := ev.Str
	data := env.Get("data")

	// terminal:write carries bare string data rather than an object.
	if event == EventTerminalWrite {
		if data.Type != gjson.String {
			return Message{}, fmt.Errorf("%w: %s data must be a string", ErrMalformed, event)
		}
		return Message{Event: event, Payload: &TerminalWrite{Data: data.Str}}, nil
	}

	def, ok := inboundEvents[event]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}

	if len(def.fields) > 0 && !data.IsObject() {
		return Message{}, fmt.Errorf("%w: %s data must be an object", ErrMalformed, event)
	}
	for _, f := range def.fields {
		if err := checkField(data.Get(f.path), f); err != nil {
			return Message{}, fmt.Errorf("%w: %s.%s %v", ErrMalformed, event, f.path, err)
		}
	}

	var raw []byte
	if data.Exists() && data.Type != gjson.Null {
		raw = []byte(data.Raw)
	}
	payload, err := def.decode(raw)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformed, event, err)
	}
	return Message{Event: event, Payload: payload}, nil
}

func checkField(v gjson.Result, f field) error {
	if !v.Exists() || v.Type == gjson.Null {
		if f.optional {
			return nil
		}
		return errors.New("is required")
	}
	switch f.kind {
	case kindString:
		if v.Type != gjson.String {
			return errors.New("must be a string")
		}
	case kindToken:
		if v.Type != gjson.String || v.Str == "" {
			return errors.New("must be a non-empty string")
		}
	case kindArray:
		if !v.IsArray() {
			return errors.New("must be an array")
		}
	case kindPositive:
		if v.Type != gjson.Number || v.Num < 1 || v.Num > 65535 || v.Num != float64(int(v.Num)) {
			return errors.New("must be an integer between 1 and 65535")
		}
	}
	return nil
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Encode builds a text frame for event with payload as its data.
func Encode(event string, payload any) ([]byte, error) {
	b, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", event, err)
	}
	return b, nil
}

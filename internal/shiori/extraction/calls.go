// Package extraction decides what Shiori remembers about a user.
//
// The decision itself is delegated to the completion service through tool
// calls: the Loop advertises the memory operations as tools, parses every
// call the model makes into one of a closed set of Call types (validated
// against a JSON schema), runs it against the user's memory store and feeds
// the result back until the model stops calling tools or the per-run cap is
// reached.
package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Shiori/internal/shiori/llm"
	"github.com/bdobrica/Shiori/internal/shiori/memory"
)

var (
	// ErrMalformedCall is returned for tool calls whose arguments are not
	// valid JSON or do not match the tool's schema.
	ErrMalformedCall = errors.New("extraction: malformed tool call")

	// ErrUnknownTool is returned for tool names outside the closed set.
	ErrUnknownTool = errors.New("extraction: unknown tool")
)

// Tool names as seen by the model.
const (
	ToolSearch = "memory_search"
	ToolRead   = "memory_read"
	ToolWrite  = "memory_write"
	ToolUpdate = "memory_update"
	ToolDelete = "memory_delete"
)

// Call is one parsed tool call. The set of implementations is closed.
type Call interface {
	Tool() string
	isCall()
}

// SearchCall looks for existing memories before writing.
type SearchCall struct {
	Query    string
	Limit    int
	Category memory.Category
}

// ReadCall lists durable profile entries.
type ReadCall struct {
	Category memory.Category
	Limit    int
}

// WriteCall stores a new memory.
type WriteCall struct {
	Key        string
	Value      string
	Category   memory.Category
	Durability memory.Durability
	Confidence float64
}

// UpdateCall replaces the value of a durable memory. Confidence is only
// used when the key does not exist yet and the update becomes a write.
type UpdateCall struct {
	Key        string
	Value      string
	Category   memory.Category
	Confidence float64
}

// DeleteCall removes a memory from every tier.
type DeleteCall struct {
	Key string
}

func (SearchCall) Tool() string { return ToolSearch }
func (ReadCall) Tool() string   { return ToolRead }
func (WriteCall) Tool() string  { return ToolWrite }
func (UpdateCall) Tool() string { return ToolUpdate }
func (DeleteCall) Tool() string { return ToolDelete }

func (SearchCall) isCall() {}
func (ReadCall) isCall()   {}
func (WriteCall) isCall()  {}
func (UpdateCall) isCall() {}
func (DeleteCall) isCall() {}

const categoryEnum = `"enum": ["preference", "work_context", "personal_context", "reading_history"]`

type toolSpec struct {
	description string
	schema      string
	compiled    *jsonschema.Schema
}

var tools = map[string]*toolSpec{
	ToolSearch: {
		description: "Search the user's memories (durable profile and recent daily notes). Always search before writing.",
		schema: `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"limit": {"type": "integer", "minimum": 1, "maximum": 20},
		"category": {"type": "string", ` + categoryEnum + `}
	},
	"required": ["query"],
	"additionalProperties": false
}`,
	},
	ToolRead: {
		description: "List durable profile entries, most recently updated first.",
		schema: `{
	"type": "object",
	"properties": {
		"category": {"type": "string", ` + categoryEnum + `},
		"limit": {"type": "integer", "minimum": 1, "maximum": 50}
	},
	"additionalProperties": false
}`,
	},
	ToolWrite: {
		description: "Remember a new fact about the user. Durable facts need confidence of at least 0.7; anything less is kept as a daily note.",
		schema: `{
	"type": "object",
	"properties": {
		"key": {"type": "string", "maxLength": 120},
		"value": {"type": "string", "minLength": 1, "maxLength": 500},
		"category": {"type": "string", ` + categoryEnum + `},
		"durability": {"type": "string", "enum": ["durable", "daily"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["value", "category", "confidence"],
	"additionalProperties": false
}`,
	},
	ToolUpdate: {
		description: "Replace the value of an existing durable fact, found by key. If the key does not exist the fact is written with the given confidence, and below 0.7 it is kept as a daily note.",
		schema: `{
	"type": "object",
	"properties": {
		"key": {"type": "string", "minLength": 1},
		"value": {"type": "string", "minLength": 1, "maxLength": 500},
		"category": {"type": "string", ` + categoryEnum + `},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	},
	"required": ["key", "value"],
	"additionalProperties": false
}`,
	},
	ToolDelete: {
		description: "Forget a fact everywhere it is stored, found by key.",
		schema: `{
	"type": "object",
	"properties": {
		"key": {"type": "string", "minLength": 1}
	},
	"required": ["key"],
	"additionalProperties": false
}`,
	},
}

func init() {
	for name, spec := range tools {
		spec.compiled = jsonschema.MustCompileString(name+".json", spec.schema)
	}
}

// ToolDefinitions returns the tool list advertised to the model, in a
// stable order. Delete is only advertised when allowDelete is true.
func ToolDefinitions(allowDelete bool) []llm.ToolDefinition {
	names := []string{ToolSearch, ToolRead, ToolWrite, ToolUpdate}
	if allowDelete {
		names = append(names, ToolDelete)
	}
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		spec := tools[name]
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        name,
				Description: spec.description,
				Parameters:  json.RawMessage(spec.schema),
			},
		})
	}
	return defs
}

type rawArgs struct {
	Query      string  `json:"query"`
	Limit      int     `json:"limit"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Category   string  `json:"category"`
	Durability string  `json:"durability"`
	Confidence float64 `json:"confidence"`
}

// ParseCall validates arguments against the schema of the named tool and
// returns the typed Call.
func ParseCall(name, arguments string) (Call, error) {
	spec, ok := tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}

	var doc any
	if err := json.Unmarshal([]byte(arguments), &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCall, name, err)
	}
	if err := spec.compiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCall, name, err)
	}

	var a rawArgs
	if err := json.Unmarshal([]byte(arguments), &a); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCall, name, err)
	}
	category := memory.Category(a.Category)

	switch name {
	case ToolSearch:
		return SearchCall{Query: a.Query, Limit: a.Limit, Category: category}, nil
	case ToolRead:
		return ReadCall{Category: category, Limit: a.Limit}, nil
	case ToolWrite:
		d := memory.Daily
		if a.Durability != "" {
			d = memory.Durability(a.Durability)
		}
		return WriteCall{Key: a.Key, Value: a.Value, Category: category, Durability: d, Confidence: a.Confidence}, nil
	case ToolUpdate:
		return UpdateCall{Key: a.Key, Value: a.Value, Category: category, Confidence: a.Confidence}, nil
	default:
		return DeleteCall{Key: a.Key}, nil
	}
}

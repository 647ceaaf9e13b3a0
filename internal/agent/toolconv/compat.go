package toolconv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	schemav5 "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aether-kernel/aether/internal/agent"
	"github.com/aether-kernel/aether/internal/kernel/eventbus"
	"github.com/aether-kernel/aether/internal/storage"
)

// Format names the two equivalent tool-schema surface formats the compat
// layer imports and exports.
type Format string

const (
	FormatLangChain Format = "langchain"
	FormatOpenAI    Format = "openai"
)

// Parameters is the schema body shared by both surface formats: a JSON
// Schema object restricted to the subset tool definitions use.
type Parameters struct {
	Type       string                     `json:"type"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
	Required   []string                   `json:"required,omitempty"`
}

// Definition is the format-agnostic tool schema the compat layer works
// with internally. Import parses into this shape; export renders from it.
type Definition struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
}

type langChainSchema struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
}

type openAISchema struct {
	Type     string `json:"type"`
	Function struct {
		Name        string     `json:"name"`
		Description string     `json:"description"`
		Parameters  Parameters `json:"parameters"`
	} `json:"function"`
}

// Compat is the ToolCompatLayer: it imports external tool schemas,
// validates and persists them through StateStore, and exports the merged
// native+imported catalog back out in either surface format.
type Compat struct {
	store storage.StateStore
	bus   *eventbus.Bus
}

// New creates a Compat bound to store and bus.
func New(store storage.StateStore, bus *eventbus.Bus) *Compat {
	return &Compat{store: store, bus: bus}
}

// Import parses raw tool schema documents in the given format, validates
// the mandatory name/description fields, upserts each by name, and emits
// tools.imported{count, format, names}.
func (c *Compat) Import(ctx context.Context, format Format, raw []json.RawMessage) ([]Definition, error) {
	defs := make([]Definition, 0, len(raw))
	names := make([]string, 0, len(raw))

	for _, doc := range raw {
		def, err := decode(format, doc)
		if err != nil {
			return nil, err
		}
		if err := validate(def); err != nil {
			return nil, err
		}

		params, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("toolconv: marshal parameters for %q: %w", def.Name, err)
		}
		err = c.store.UpsertImportedTool(ctx, storage.ImportedTool{
			ID:          uuid.NewString(),
			Name:        def.Name,
			Description: def.Description,
			Parameters:  params,
			Source:      string(format),
			CreatedAt:   time.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("toolconv: persist %q: %w", def.Name, err)
		}

		defs = append(defs, def)
		names = append(names, def.Name)
	}

	if c.bus != nil {
		c.bus.Emit("tools.imported", map[string]any{
			"count":  len(defs),
			"format": string(format),
			"names":  names,
		})
	}
	return defs, nil
}

// Export merges the live native tool catalog with every persisted imported
// tool, re-wraps each in the requested format, emits
// tools.exported{count, format}, and returns the merged list. Native tools
// are exported with empty properties: their real parameter shape is only
// ever negotiated in-process, never round-tripped externally.
func (c *Compat) Export(ctx context.Context, format Format, native []agent.Tool) ([]json.RawMessage, error) {
	defs := make([]Definition, 0, len(native))
	for _, t := range native {
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  Parameters{Type: "object", Properties: map[string]json.RawMessage{}},
		})
	}

	imported, err := c.store.ListImportedTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("toolconv: list imported tools: %w", err)
	}
	for _, it := range imported {
		var params Parameters
		if err := json.Unmarshal(it.Parameters, &params); err != nil {
			return nil, fmt.Errorf("toolconv: decode parameters for %q: %w", it.Name, err)
		}
		defs = append(defs, Definition{Name: it.Name, Description: it.Description, Parameters: params})
	}

	out := make([]json.RawMessage, 0, len(defs))
	for _, def := range defs {
		enc, err := encode(format, def)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}

	if c.bus != nil {
		c.bus.Emit("tools.exported", map[string]any{
			"count":  len(out),
			"format": string(format),
		})
	}
	return out, nil
}

func decode(format Format, raw json.RawMessage) (Definition, error) {
	switch format {
	case FormatLangChain:
		var s langChainSchema
		if err := json.Unmarshal(raw, &s); err != nil {
			return Definition{}, fmt.Errorf("toolconv: invalid langchain schema: %w", err)
		}
		return Definition{Name: s.Name, Description: s.Description, Parameters: s.Parameters}, nil
	case FormatOpenAI:
		var s openAISchema
		if err := json.Unmarshal(raw, &s); err != nil {
			return Definition{}, fmt.Errorf("toolconv: invalid openai schema: %w", err)
		}
		return Definition{Name: s.Function.Name, Description: s.Function.Description, Parameters: s.Function.Parameters}, nil
	default:
		return Definition{}, fmt.Errorf("toolconv: unknown format %q", format)
	}
}

func encode(format Format, def Definition) (json.RawMessage, error) {
	switch format {
	case FormatLangChain:
		return json.Marshal(langChainSchema{Name: def.Name, Description: def.Description, Parameters: def.Parameters})
	case FormatOpenAI:
		s := openAISchema{Type: "function"}
		s.Function.Name = def.Name
		s.Function.Description = def.Description
		s.Function.Parameters = def.Parameters
		return json.Marshal(s)
	default:
		return nil, fmt.Errorf("toolconv: unknown format %q", format)
	}
}

// validate enforces the mandatory name/description fields and, when a
// parameters object is present, that it is itself a structurally valid
// JSON Schema document.
func validate(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("toolconv: tool schema missing required field %q", "name")
	}
	if def.Description == "" {
		return fmt.Errorf("toolconv: tool schema missing required field %q", "description")
	}
	if def.Parameters.Type == "" {
		return nil
	}
	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return fmt.Errorf("toolconv: marshal parameters for %q: %w", def.Name, err)
	}
	compiler := schemav5.NewCompiler()
	if err := compiler.AddResource(def.Name+".json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("toolconv: invalid parameter schema for %q: %w", def.Name, err)
	}
	if _, err := compiler.Compile(def.Name + ".json"); err != nil {
		return fmt.Errorf("toolconv: invalid parameter schema for %q: %w", def.Name, err)
	}
	return nil
}

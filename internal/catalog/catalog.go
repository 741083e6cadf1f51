// Package catalog holds the tools the operator can offer to a model.
//
// A Catalog is an ordered list: providers see tools in the same order on
// every turn, which keeps prompts stable across iterations. Each tool carries
// a JSON schema for its arguments; ValidateArguments checks a model's call
// against it before the executor is reached.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-operator/internal/llm/types"
	"github.com/kubilitics/kubilitics-operator/internal/safety"
)

// ErrUnknownTool is returned for names not present in the catalogue.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one catalogue entry.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Tier        safety.ActionTier
}

// Catalog is an ordered, name-indexed set of tools.
type Catalog struct {
	mu    sync.RWMutex
	tools []Tool
	index map[string]int

	schemas sync.Map // tool name -> *jsonschema.Schema
}

// New builds a catalogue from tools. Later duplicates replace earlier ones
// in place.
func New(tools ...Tool) *Catalog {
	c := &Catalog{index: make(map[string]int)}
	for _, t := range tools {
		c.put(t)
	}
	return c
}

// Default returns the built-in operational catalogue.
func Default() *Catalog {
	tiers := safety.DefaultTiers()
	c := New()
	for _, b := range builtinTools {
		tier, ok := tiers[b.name]
		if !ok {
			tier = safety.TierBlack
		}
		c.put(Tool{
			Name:        b.name,
			Description: b.description,
			InputSchema: json.RawMessage(b.schema),
			Tier:        tier,
		})
	}
	return c
}

func (c *Catalog) put(t Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.index[t.Name]; ok {
		c.tools[i] = t
	} else {
		c.index[t.Name] = len(c.tools)
		c.tools = append(c.tools, t)
	}
	c.schemas.Delete(t.Name)
}

// Add inserts or replaces a tool.
func (c *Catalog) Add(t Tool) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(t.InputSchema) == 0 {
		t.InputSchema = json.RawMessage(emptySchema)
	}
	if _, err := compile(t.Name, t.InputSchema); err != nil {
		return fmt.Errorf("tool %s: %w", t.Name, err)
	}
	c.put(t)
	return nil
}

// Get returns the named tool.
func (c *Catalog) Get(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[name]
	if !ok {
		return Tool{}, false
	}
	return c.tools[i], true
}

// List returns a copy of all tools in catalogue order.
func (c *Catalog) List() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

// Tiers returns the tier of every tool, suitable for safety.NewRegistry.
func (c *Catalog) Tiers() map[string]safety.ActionTier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]safety.ActionTier, len(c.tools))
	for _, t := range c.tools {
		out[t.Name] = t.Tier
	}
	return out
}

// ─── Argument validation ─────────────────────────────────────────────────────

// ValidateArguments checks args against the tool's input schema. Compiled
// schemas are cached per tool until the tool is replaced.
func (c *Catalog) ValidateArguments(name string, args map[string]interface{}) error {
	tool, ok := c.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var schema *jsonschema.Schema
	if cached, ok := c.schemas.Load(name); ok {
		schema = cached.(*jsonschema.Schema)
	} else {
		compiled, err := compile(name, tool.InputSchema)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
		c.schemas.Store(name, compiled)
		schema = compiled
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", name, err)
	}
	return nil
}

func compile(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	return jsonschema.CompileString(name+".schema.json", string(raw))
}

// ─── Provider views ──────────────────────────────────────────────────────────

// ForProvider returns the catalogue as native tool definitions.
func (c *Catalog) ForProvider() []types.Tool {
	tools := c.List()
	out := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var params map[string]interface{}
		if err := json.Unmarshal(t.InputSchema, &params); err != nil || params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out = append(out, types.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return out
}

// RenderProtocol renders tools as plain text for models without native
// tool calling. Tools are listed in catalogue order with their compacted
// argument schema and tier.
func RenderProtocol(tools []types.Tool) string {
	var b strings.Builder
	for _, t := range tools {
		params, err := json.Marshal(t.Parameters)
		if err != nil {
			params = []byte("{}")
		}
		fmt.Fprintf(&b, "- %s: %s\n  arguments schema: %s\n", t.Name, t.Description, params)
	}
	return b.String()
}

// ─── YAML overlay ────────────────────────────────────────────────────────────

type fileTool struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Tier        string                 `yaml:"tier"`
	InputSchema map[string]interface{} `yaml:"input_schema"`
}

type fileCatalog struct {
	Tools []fileTool `yaml:"tools"`
}

// LoadFile overlays tool definitions from a YAML file onto c. Tools with an
// existing name replace the built-in entry; a missing tier defaults to BLACK.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read catalogue %s: %w", path, err)
	}
	return c.LoadYAML(data)
}

// LoadYAML overlays tool definitions from YAML bytes.
func (c *Catalog) LoadYAML(data []byte) error {
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse catalogue: %w", err)
	}

	var errs []string
	for _, ft := range fc.Tools {
		tier := safety.TierBlack
		if ft.Tier != "" {
			parsed, err := safety.ParseTier(ft.Tier)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", ft.Name, err))
				continue
			}
			tier = parsed
		}
		schema := json.RawMessage(emptySchema)
		if ft.InputSchema != nil {
			raw, err := json.Marshal(ft.InputSchema)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: encode schema: %v", ft.Name, err))
				continue
			}
			schema = raw
		}
		if err := c.Add(Tool{Name: ft.Name, Description: ft.Description, InputSchema: schema, Tier: tier}); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("catalogue has invalid tools:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Package registry implements the process-global tool catalog: a flat,
// write-once-at-startup map from tool name to its schema, SAFEGUARD level,
// and handler. Modeled on pkg/mcp/catalog.go's ToolCatalog (register/lookup/list),
// generalized from a name-only catalog to one carrying a typed parameter
// schema per tool.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/widip-ai/ctrlplane/internal/contracts"
)

// Registry is the in-memory tool catalog. The zero value is not usable;
// use New.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]contracts.Tool
	order []string
}

func New() *Registry {
	return &Registry{tools: make(map[string]contracts.Tool)}
}

// Register adds a tool to the catalog. Duplicate names are rejected — the
// registry is expected to be populated once at startup, not re-registered
// at runtime.
func (r *Registry) Register(tool contracts.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool.Name == "" {
		return fmt.Errorf("registry: tool name must not be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("registry: tool %q has no handler", tool.Name)
	}
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("registry: tool %q already registered", tool.Name)
	}

	r.tools[tool.Name] = tool
	r.order = append(r.order, tool.Name)
	return nil
}

// Lookup returns the tool registered under name, if any.
func (r *Registry) Lookup(name string) (contracts.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, ordered by registration order.
func (r *Registry) List() []contracts.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]contracts.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns registered tool names, sorted lexically. Useful for
// deterministic test output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SchemaView is the public JSON-Schema-shaped description of a tool,
// suitable for wire serialization.
type SchemaView struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	InputSchema   JSONSchemaNode `json:"inputSchema"`
	SecurityLevel contracts.Level `json:"security_level"`
}

// JSONSchemaNode is a minimal JSON-Schema object node: type, properties,
// required. Nested object/array params recurse through Properties/Items.
type JSONSchemaNode struct {
	Type       string                    `json:"type"`
	Properties map[string]JSONSchemaNode `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
	Items      *JSONSchemaNode           `json:"items,omitempty"`
	Enum       []any                     `json:"enum,omitempty"`
}

// Schema returns the public schema view for a registered tool.
func (r *Registry) Schema(name string) (SchemaView, bool) {
	t, ok := r.Lookup(name)
	if !ok {
		return SchemaView{}, false
	}
	return SchemaView{
		Name:          t.Name,
		Description:   t.Description,
		InputSchema:   paramsToSchema(t.Params),
		SecurityLevel: t.Level,
	}, true
}

func paramsToSchema(params []contracts.ParamSchema) JSONSchemaNode {
	node := JSONSchemaNode{Type: "object", Properties: map[string]JSONSchemaNode{}}
	for _, p := range params {
		node.Properties[p.Name] = paramToSchema(p)
		if p.Required {
			node.Required = append(node.Required, p.Name)
		}
	}
	return node
}

func paramToSchema(p contracts.ParamSchema) JSONSchemaNode {
	n := JSONSchemaNode{Type: string(p.Kind), Enum: p.Enum}
	switch p.Kind {
	case contracts.KindObject:
		child := paramsToSchema(p.Properties)
		n.Properties = child.Properties
		n.Required = child.Required
	case contracts.KindArray:
		if p.Items != nil {
			item := paramToSchema(*p.Items)
			n.Items = &item
		}
	}
	return n
}

// SchemasForDiscovery returns every tool's public schema view, ordered by
// registration order — used by /mcp/tools and the SSE discovery stream.
func (r *Registry) SchemasForDiscovery() []SchemaView {
	tools := r.List()
	out := make([]SchemaView, 0, len(tools))
	for _, t := range tools {
		v, _ := r.Schema(t.Name)
		out = append(out, v)
	}
	return out
}

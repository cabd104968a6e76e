// Package tools dispatches investigation tasks to the agent gateways. Each
// agent kind maps to one tool on one MCP gateway; a task execution is a
// single tool call whose result is normalised into a finding payload.
package tools

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-rca/internal/models"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/prompt"
)

// Gateway names.
const (
	GatewayObservability = "observability-gateway"
	GatewayResources     = "resources-gateway"
	GatewayNotification  = "notification-gateway"
)

// Capability describes what one agent kind can do and where it runs.
type Capability struct {
	Kind        string `yaml:"kind" json:"kind"`
	Gateway     string `yaml:"gateway" json:"gateway"`
	Tool        string `yaml:"tool" json:"tool"`
	Description string `yaml:"description" json:"description"`
}

// DefaultCapabilities is the built-in agent catalog.
var DefaultCapabilities = []Capability{
	{
		Kind:        models.AgentLogs,
		Gateway:     GatewayObservability,
		Tool:        "query_logs",
		Description: "Analyzes logs for errors, warnings and recurring patterns around the alarm time",
	},
	{
		Kind:        models.AgentMetrics,
		Gateway:     GatewayObservability,
		Tool:        "query_metrics",
		Description: "Queries metrics for peaks, averages, trends and anomalies against the alarm threshold",
	},
	{
		Kind:        models.AgentTraces,
		Gateway:     GatewayObservability,
		Tool:        "query_traces",
		Description: "Analyzes distributed traces for slow or failing spans between services",
	},
	{
		Kind:        models.AgentResources,
		Gateway:     GatewayResources,
		Tool:        "describe_resources",
		Description: "Inspects the configuration and current state of affected resources",
	},
	{
		Kind:        models.AgentNotification,
		Gateway:     GatewayNotification,
		Tool:        "send_notification",
		Description: "Sends a formatted message to the on-call team",
	},
}

// Catalog is an immutable kind -> capability index.
type Catalog struct {
	byKind map[string]Capability
}

// NewCatalog validates caps and indexes them by kind.
func NewCatalog(caps []Capability) (*Catalog, error) {
	c := &Catalog{byKind: make(map[string]Capability, len(caps))}
	for i, cp := range caps {
		cp.Kind = strings.ToLower(strings.TrimSpace(cp.Kind))
		if cp.Kind == "" || cp.Gateway == "" || cp.Tool == "" {
			return nil, fmt.Errorf("capability %d: kind, gateway and tool are required", i)
		}
		if _, dup := c.byKind[cp.Kind]; dup {
			return nil, fmt.Errorf("capability %q defined twice", cp.Kind)
		}
		c.byKind[cp.Kind] = cp
	}
	if len(c.byKind) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	return c, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultCapabilities)
	if err != nil {
		panic(err)
	}
	return c
}

type catalogFile struct {
	Agents []Capability `yaml:"agents"`
}

// LoadCatalog reads a YAML catalog. An empty path yields the default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return NewCatalog(f.Agents)
}

// Lookup returns the capability for kind.
func (c *Catalog) Lookup(kind string) (Capability, bool) {
	cp, ok := c.byKind[kind]
	return cp, ok
}

// Has reports whether kind is known.
func (c *Catalog) Has(kind string) bool {
	_, ok := c.byKind[kind]
	return ok
}

// Capabilities returns all entries sorted by kind.
func (c *Catalog) Capabilities() []Capability {
	out := make([]Capability, 0, len(c.byKind))
	for _, cp := range c.byKind {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// PromptCapabilities renders the catalog for the oracle prompts.
func (c *Catalog) PromptCapabilities() []prompt.Capability {
	caps := c.Capabilities()
	out := make([]prompt.Capability, 0, len(caps))
	for _, cp := range caps {
		out = append(out, prompt.Capability{Kind: cp.Kind, Description: cp.Description})
	}
	return out
}

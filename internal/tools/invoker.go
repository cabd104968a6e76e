package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/models"
)

// Request is one task execution.
type Request struct {
	InvestigationID string
	TaskID          string
	AgentKind       string
	Prompt          string
	Context         *models.Context
}

// Invoker runs one task against its agent and returns the finding payload.
// Failures wrap models.ErrToolFailure.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (map[string]any, error)
}

// TransportFunc opens a client transport to a gateway endpoint.
type TransportFunc func(endpoint string) mcp.Transport

// StreamableTransport is the production TransportFunc.
func StreamableTransport(endpoint string) mcp.Transport {
	return &mcp.StreamableClientTransport{Endpoint: endpoint}
}

// MCPInvoker calls gateway tools over MCP. A fresh session is opened per
// invocation so no agent state leaks between tasks.
type MCPInvoker struct {
	catalog   *Catalog
	gateways  map[string]string
	client    *mcp.Client
	transport TransportFunc
	logger    *zap.Logger
}

var _ Invoker = (*MCPInvoker)(nil)

// NewMCPInvoker builds an invoker. gateways maps gateway names to endpoints.
func NewMCPInvoker(catalog *Catalog, gateways map[string]string, clientName string, transport TransportFunc, logger *zap.Logger) *MCPInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if transport == nil {
		transport = StreamableTransport
	}
	if clientName == "" {
		clientName = "kubilitics-rca"
	}
	return &MCPInvoker{
		catalog:   catalog,
		gateways:  gateways,
		client:    mcp.NewClient(&mcp.Implementation{Name: clientName, Version: "v1"}, nil),
		transport: transport,
		logger:    logger,
	}
}

func (i *MCPInvoker) Invoke(ctx context.Context, req Request) (map[string]any, error) {
	cp, ok := i.catalog.Lookup(req.AgentKind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown agent kind %q", models.ErrToolFailure, req.AgentKind)
	}
	endpoint := i.gateways[cp.Gateway]
	if endpoint == "" {
		return nil, fmt.Errorf("%w: gateway %s is not configured", models.ErrToolFailure, cp.Gateway)
	}

	start := time.Now()
	session, err := i.client.Connect(ctx, i.transport(endpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", models.ErrToolFailure, cp.Gateway, err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      cp.Tool,
		Arguments: arguments(req),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: call %s/%s: %w", models.ErrToolFailure, cp.Gateway, cp.Tool, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("%w: %s/%s: %s", models.ErrToolFailure, cp.Gateway, cp.Tool, textOf(res))
	}

	raw, err := decodeResult(res)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %w", models.ErrToolFailure, cp.Gateway, cp.Tool, err)
	}

	i.logger.Debug("tool call completed",
		zap.String("investigation_id", req.InvestigationID),
		zap.String("task_id", req.TaskID),
		zap.String("agent_kind", req.AgentKind),
		zap.String("tool", cp.Tool),
		zap.Duration("duration", time.Since(start)))

	return Process(req.AgentKind, raw), nil
}

func arguments(req Request) map[string]any {
	args := map[string]any{
		"prompt":           req.Prompt,
		"investigation_id": req.InvestigationID,
		"task_id":          req.TaskID,
	}
	if c := req.Context; c != nil {
		args["alarm"] = c.Alarm.Summary()
		if c.Hypothesis != "" {
			args["hypothesis"] = c.Hypothesis
		}
		if c.Alarm.Time != nil {
			args["alarm_time"] = c.Alarm.Time.UTC().Format(time.RFC3339)
		}
	}
	return args
}

// decodeResult prefers structured content, then JSON text, then raw text.
func decodeResult(res *mcp.CallToolResult) (map[string]any, error) {
	if res.StructuredContent != nil {
		b, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return nil, fmt.Errorf("encode structured content: %w", err)
		}
		var out map[string]any
		if err := json.Unmarshal(b, &out); err == nil {
			return out, nil
		}
	}
	text := textOf(res)
	if text == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, nil
	}
	return map[string]any{"text": text}, nil
}

func textOf(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

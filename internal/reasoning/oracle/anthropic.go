package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-rca/internal/config"
	"github.com/kubilitics/kubilitics-rca/internal/models"
	"github.com/kubilitics/kubilitics-rca/internal/reasoning/prompt"
)

// Anthropic is an Oracle backed by the Claude Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	prompts   *prompt.Manager
	maxRounds atomic.Int64
	logger    *zap.Logger
}

var _ Oracle = (*Anthropic)(nil)

// NewAnthropic builds the oracle. SDK retries are disabled; the engine owns
// the retry policy.
func NewAnthropic(cfg config.LLMConfig, prompts *prompt.Manager, maxRounds int, logger *zap.Logger, opts ...option.RequestOption) (*Anthropic, error) {
	if prompts == nil {
		return nil, fmt.Errorf("anthropic oracle: prompt manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	clientOpts = append(clientOpts, opts...)

	a := &Anthropic{
		client:    anthropic.NewClient(clientOpts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
		prompts:   prompts,
		logger:    logger,
	}
	a.maxRounds.Store(int64(maxRounds))
	return a, nil
}

// SetMaxRounds updates the round ceiling shown to the evaluator.
func (a *Anthropic) SetMaxRounds(n int) { a.maxRounds.Store(int64(n)) }

func (a *Anthropic) ProposeWorkflow(ctx context.Context, investigationID string, alarm models.Alarm) ([]models.TaskSpec, error) {
	user, err := a.prompts.RenderPropose(investigationID, alarm)
	if err != nil {
		return nil, err
	}
	text, err := a.complete(ctx, prompt.OpProposeWorkflow, user)
	if err != nil {
		return nil, err
	}
	return ParseProposal(text)
}

func (a *Anthropic) ReviseWorkflow(ctx context.Context, c *models.Context, tasks []models.Task) (models.Decision, error) {
	user, err := a.prompts.RenderRevise(c, tasks, int(a.maxRounds.Load()))
	if err != nil {
		return models.Decision{}, err
	}
	text, err := a.complete(ctx, prompt.OpReviseWorkflow, user)
	if err != nil {
		return models.Decision{}, err
	}
	return ParseDecision(text)
}

func (a *Anthropic) Summarize(ctx context.Context, c *models.Context, tasks []models.Task) (*models.Report, error) {
	user, err := a.prompts.RenderSummarize(c, tasks)
	if err != nil {
		return nil, err
	}
	text, err := a.complete(ctx, prompt.OpSummarize, user)
	if err != nil {
		return nil, err
	}
	r := ParseReport(c.InvestigationID, text)
	if r.Narrative == "" {
		return nil, invalidResponse("empty report")
	}
	return r, nil
}

// complete sends one single-turn request and joins the text blocks.
func (a *Anthropic) complete(ctx context.Context, op prompt.Operation, user string) (string, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: a.prompts.SystemPrompt(op)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", models.ErrOracleUnavailable, op, err)
	}

	var parts []string
	for i := range resp.Content {
		if block := &resp.Content[i]; block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	a.logger.Debug("oracle response",
		zap.String("operation", string(op)),
		zap.String("stop_reason", string(resp.StopReason)),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens))

	text := strings.TrimSpace(strings.Join(parts, ""))
	if text == "" {
		return "", fmt.Errorf("%w: %s: empty response", models.ErrOracleUnavailable, op)
	}
	return text, nil
}

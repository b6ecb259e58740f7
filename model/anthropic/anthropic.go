// Package anthropic implements model.Model on the Anthropic Messages API,
// including function/tool calling and usage reporting.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/agentos/model"
	"github.com/hupe1980/agentos/run"
)

// Options configures the Anthropic model adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Model wraps the Anthropic Messages API behind the model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// New creates an Anthropic model using the official client.
func New(optFns ...func(o *Options)) *Model {
	opts := defaults()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewFromClient creates an Anthropic model from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaults()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaults() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Info implements model.Model. Structured outputs are emulated via prompt,
// so the capability is not advertised; pair with a parser model for schemas.
func (m *Model) Info() model.Info {
	return model.Info{
		ID:            string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}

// Generate implements model.Model. The Messages API call itself is
// non-streaming; with req.Stream the final content is still delivered as a
// single terminal response.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    buildMessages(req.Messages),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}
		if req.SystemPrompt != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		resp, err := m.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}

		var content string
		var toolCalls []run.ToolCall
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				content += block.AsText().Text
			case "tool_use":
				toolBlock := block.AsToolUse()
				args := json.RawMessage("{}")
				if toolBlock.Input != nil {
					if raw, err := json.Marshal(toolBlock.Input); err == nil {
						args = raw
					}
				}
				toolCalls = append(toolCalls, run.ToolCall{
					ID:        toolBlock.ID,
					Name:      toolBlock.Name,
					Arguments: args,
				})
			}
		}

		finishReason := "stop"
		if resp.StopReason != "" {
			finishReason = string(resp.StopReason)
		}

		out <- model.Response{
			ID:           resp.ID,
			Content:      content,
			ToolCalls:    toolCalls,
			FinishReason: finishReason,
			Usage: &model.Usage{
				InputTokens:  int(resp.Usage.InputTokens),
				OutputTokens: int(resp.Usage.OutputTokens),
			},
		}
	}()

	return out, errCh
}

// buildMessages converts the normalized transcript to Anthropic messages.
// Tool results become user-role tool_result blocks referencing the call id.
func buildMessages(messages []run.Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			if msg.Content != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input any
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &input); err != nil {
						input = string(call.Arguments)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		}
	}
	return result
}

func buildTools(defs []model.ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		inputSchema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if def.Parameters != nil {
			if properties, ok := def.Parameters["properties"]; ok {
				inputSchema.Properties = properties
			}
			if required, ok := def.Parameters["required"]; ok {
				switch req := required.(type) {
				case []string:
					inputSchema.Required = req
				case []any:
					for _, r := range req {
						if s, ok := r.(string); ok {
							inputSchema.Required = append(inputSchema.Required, s)
						}
					}
				}
			}
		}
		tools[i] = anthropic.ToolUnionParamOfTool(inputSchema, def.Name)
	}
	return tools
}

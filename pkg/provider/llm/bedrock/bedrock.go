// Package bedrock provides an Amazon Bedrock-backed LLM provider using the
// Converse API. It implements the llm.Provider interface.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/MrWong99/portvoice/pkg/provider/llm"
)

// client is the subset of the Bedrock runtime client used by the provider.
// Extracted so tests can substitute a fake.
type client interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Provider implements llm.Provider backed by the Bedrock Converse API.
type Provider struct {
	client  client
	modelID string
}

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// New creates a Provider for the given model identifier (e.g.,
// "anthropic.claude-3-haiku-20240307-v1:0"). modelID must be non-empty.
func New(awsCfg aws.Config, modelID string) (*Provider, error) {
	if modelID == "" {
		return nil, errors.New("bedrock: modelID must not be empty")
	}
	return &Provider{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		modelID: modelID,
	}, nil
}

// Complete sends the request through Converse and returns the text blocks of
// the reply concatenated in order.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.modelID),
		Messages: []brtypes.Message{
			{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: req.UserPrompt},
				},
			},
		},
	}

	if req.SystemPrompt != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}

	inference := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		inference.Temperature = aws.Float32(float32(req.Temperature))
	}
	input.InferenceConfig = inference

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse: %w", err)
	}

	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("bedrock: unexpected output type %T", out.Output)
	}

	var content string
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			content += text.Value
		}
	}
	if content == "" {
		return nil, errors.New("bedrock: reply contains no text block")
	}

	resp := &llm.CompletionResponse{Content: content}
	if out.Usage != nil {
		resp.PromptTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.CompletionTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return resp, nil
}

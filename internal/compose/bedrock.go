package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
)

// BedrockInvoker is the slice of the Bedrock runtime client we use.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockBackend drafts replies through AWS Bedrock (Claude). All traffic
// stays inside AWS.
type BedrockBackend struct {
	client      BedrockInvoker
	modelID     string
	maxTokens   int
	temperature float64
}

// bedrockMessage represents a message in Bedrock format
type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

// bedrockContentBlock represents content in a message
type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// bedrockRequest is the request body for Claude on Bedrock
type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
	Temperature      float64          `json:"temperature,omitempty"`
}

// bedrockResponse is the response from Bedrock
type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// NewBedrockBackend loads AWS config and creates the backend.
func NewBedrockBackend(cfg config.ComposerConfig) (*BedrockBackend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.BedrockRegion),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	b := &BedrockBackend{
		client:      bedrockruntime.NewFromConfig(awsCfg),
		modelID:     cfg.BedrockModel,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
	log.Printf("[Composer] bedrock backend initialized: model=%s region=%s", cfg.BedrockModel, cfg.BedrockRegion)
	return b, nil
}

// SetClient replaces the runtime client (tests).
func (b *BedrockBackend) SetClient(client BedrockInvoker) {
	b.client = client
}

// Complete implements Backend. The messages API wants strictly
// alternating roles starting with user, so consecutive same-role turns
// are merged and a leading assistant turn gets a neutral user opener.
func (b *BedrockBackend) Complete(ctx context.Context, system string, history []domain.Message) (string, error) {
	var messages []bedrockMessage
	for _, m := range history {
		if n := len(messages); n > 0 && messages[n-1].Role == m.Role {
			messages[n-1].Content[0].Text += "\n" + m.Text
			continue
		}
		messages = append(messages, bedrockMessage{
			Role:    m.Role,
			Content: []bedrockContentBlock{{Type: "text", Text: m.Text}},
		})
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("bedrock: empty history")
	}
	if messages[0].Role != "user" {
		messages = append([]bedrockMessage{{
			Role:    "user",
			Content: []bedrockContentBlock{{Type: "text", Text: "(conversation start)"}},
		}}, messages...)
	}

	payload, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        b.maxTokens,
		System:           system,
		Messages:         messages,
		Temperature:      b.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("encode bedrock request: %w", err)
	}

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock invoke: %w", err)
	}

	var parsed bedrockResponse
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
		return "", fmt.Errorf("decode bedrock response: %w", err)
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("bedrock returned no text content")
}

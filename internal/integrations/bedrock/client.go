// Package bedrock wraps the Bedrock runtime Converse API and the Bedrock
// foundation model catalog.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbedrock "github.com/aws/aws-sdk-go-v2/service/bedrock"
	catalogtypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"bedrock-chatbot/internal/domain"
)

// runtimeAPI is the minimal bedrockruntime interface required by Client.
// *bedrockruntime.Client satisfies it.
type runtimeAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// catalogAPI is the minimal bedrock control-plane interface required by Client.
type catalogAPI interface {
	ListFoundationModels(ctx context.Context, in *awsbedrock.ListFoundationModelsInput, optFns ...func(*awsbedrock.Options)) (*awsbedrock.ListFoundationModelsOutput, error)
}

// Request is a single inference call.
type Request struct {
	ModelID   string
	System    string
	Messages  []domain.ChatMessage
	MaxTokens int32
	// Temperature is sent only when set, so zero is a valid value.
	Temperature *float32
}

// Usage reports token accounting returned by the model.
type Usage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// Response is the generated assistant message.
type Response struct {
	Text       string
	StopReason string
	Usage      Usage
}

// Client is a focused Bedrock client for chat generation and model discovery.
type Client struct {
	runtime runtimeAPI
	catalog catalogAPI
}

// NewClient creates a Client. The catalog API may be nil when model
// discovery is not needed.
func NewClient(runtime runtimeAPI, catalog catalogAPI) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime api must not be nil")
	}
	return &Client{runtime: runtime, catalog: catalog}, nil
}

// Generate sends the ordered conversation to the model and returns its reply.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	modelID := strings.TrimSpace(req.ModelID)
	if modelID == "" {
		return Response{}, errors.New("bedrock: model must not be empty")
	}
	if len(req.Messages) == 0 {
		return Response{}, errors.New("bedrock: at least one message is required")
	}

	messages, err := toConverseMessages(req.Messages)
	if err != nil {
		return Response{}, err
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if s := strings.TrimSpace(req.System); s != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: s}}
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		cfg := &types.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			cfg.MaxTokens = aws.Int32(req.MaxTokens)
		}
		if req.Temperature != nil {
			cfg.Temperature = aws.Float32(*req.Temperature)
		}
		in.InferenceConfig = cfg
	}

	out, err := c.runtime.Converse(ctx, in)
	if err != nil {
		return Response{}, fmt.Errorf("bedrock: converse with %s: %w", modelID, err)
	}
	if out == nil {
		return Response{}, errors.New("bedrock: empty converse response")
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return Response{}, errors.New("bedrock: converse response has no message")
	}
	text := joinText(msg.Value.Content)
	if strings.TrimSpace(text) == "" {
		return Response{}, errors.New("bedrock: converse response has no text content")
	}

	resp := Response{Text: text, StopReason: string(out.StopReason)}
	if u := out.Usage; u != nil {
		resp.Usage = Usage{
			InputTokens:  aws.ToInt32(u.InputTokens),
			OutputTokens: aws.ToInt32(u.OutputTokens),
			TotalTokens:  aws.ToInt32(u.TotalTokens),
		}
	}
	return resp, nil
}

// ListModels returns the foundation models that produce text, sorted by
// provider then name.
func (c *Client) ListModels(ctx context.Context) ([]domain.ModelInfo, error) {
	if c.catalog == nil {
		return nil, errors.New("bedrock: catalog api not configured")
	}
	out, err := c.catalog.ListFoundationModels(ctx, &awsbedrock.ListFoundationModelsInput{
		ByOutputModality: catalogtypes.ModelModalityText,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: list foundation models: %w", err)
	}
	if out == nil {
		return []domain.ModelInfo{}, nil
	}

	models := make([]domain.ModelInfo, 0, len(out.ModelSummaries))
	for _, s := range out.ModelSummaries {
		output := modalities(s.OutputModalities)
		if !slices.Contains(output, string(catalogtypes.ModelModalityText)) {
			continue
		}
		status := "available"
		if s.ModelLifecycle != nil && s.ModelLifecycle.Status != "" && s.ModelLifecycle.Status != catalogtypes.FoundationModelLifecycleStatusActive {
			status = strings.ToLower(string(s.ModelLifecycle.Status))
		}
		models = append(models, domain.ModelInfo{
			ID:               aws.ToString(s.ModelId),
			Name:             aws.ToString(s.ModelName),
			Provider:         aws.ToString(s.ProviderName),
			InputModalities:  modalities(s.InputModalities),
			OutputModalities: output,
			Status:           status,
		})
	}
	sort.SliceStable(models, func(i, j int) bool {
		if models[i].Provider != models[j].Provider {
			return models[i].Provider < models[j].Provider
		}
		return models[i].Name < models[j].Name
	})
	return models, nil
}

// IsThrottled reports whether err is an upstream throttling or quota rejection.
func IsThrottled(err error) bool {
	if status, ok := StatusCode(err); ok && status == http.StatusTooManyRequests {
		return true
	}
	switch errorCode(err) {
	case "ThrottlingException", "ServiceQuotaExceededException", "TooManyRequestsException":
		return true
	}
	return false
}

// IsAccessDenied reports whether err is an upstream authorization failure.
func IsAccessDenied(err error) bool {
	if errorCode(err) == "AccessDeniedException" {
		return true
	}
	status, ok := StatusCode(err)
	return ok && status == http.StatusForbidden
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// StatusCode extracts the upstream HTTP status carried by err, if any.
func StatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// toConverseMessages maps chat messages onto Converse messages. Consecutive
// messages with the same role are merged since Converse requires alternation.
func toConverseMessages(in []domain.ChatMessage) ([]types.Message, error) {
	out := make([]types.Message, 0, len(in))
	for _, m := range in {
		var role types.ConversationRole
		switch m.Role {
		case domain.RoleUser:
			role = types.ConversationRoleUser
		case domain.RoleAssistant:
			role = types.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		block := &types.ContentBlockMemberText{Value: m.Content}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			continue
		}
		out = append(out, types.Message{Role: role, Content: []types.ContentBlock{block}})
	}
	if out[0].Role != types.ConversationRoleUser {
		return nil, errors.New("bedrock: conversation must start with a user message")
	}
	return out, nil
}

func joinText(blocks []types.ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if t, ok := b.(*types.ContentBlockMemberText); ok {
			parts = append(parts, t.Value)
		}
	}
	return strings.Join(parts, "\n")
}

func modalities(in []catalogtypes.ModelModality) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		out = append(out, string(m))
	}
	return out
}

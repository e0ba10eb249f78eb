package handler

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

// Handle serves an API Gateway proxy event through the same router used by
// the HTTP server.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	resp, err := h.proxy.ProxyWithContext(ctx, event)
	if err != nil {
		// The adapter only fails when the event cannot become a request,
		// such as a body flagged base64 that does not decode.
		h.logger.Warn("malformed proxy event", "err", err, "path", event.Path)
		return events.APIGatewayProxyResponse{
			StatusCode:        http.StatusBadRequest,
			MultiValueHeaders: map[string][]string{"Content-Type": {"application/json"}},
			Body:              `{"error":"INVALID_INPUT","reason":"malformed_event","message":"request could not be decoded"}`,
		}, nil
	}
	return resp, nil
}

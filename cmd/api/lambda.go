package main

import (
	"context"
	"maps"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/go-chi/chi/v5"
)

// lambdaHandlerFunc is the API Gateway HTTP API (payload v2) signature.
type lambdaHandlerFunc func(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error)

// newLambdaHandler serves each API Gateway event through router. after runs
// once the response is complete.
func newLambdaHandler(router *chi.Mux, after func(ctx context.Context)) lambdaHandlerFunc {
	adapter := chiadapter.NewV2(router)
	return func(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		resp, err := adapter.ProxyWithContextV2(ctx, withGatewayRequestID(ev))
		if after != nil {
			after(ctx)
		}
		return resp, err
	}
}

// withGatewayRequestID reuses the gateway's request id when the caller did
// not send one, so logs on both sides correlate.
func withGatewayRequestID(ev events.APIGatewayV2HTTPRequest) events.APIGatewayV2HTTPRequest {
	if ev.RequestContext.RequestID == "" {
		return ev
	}
	for k := range ev.Headers {
		if http.CanonicalHeaderKey(k) == "X-Request-Id" {
			return ev
		}
	}
	headers := make(map[string]string, len(ev.Headers)+1)
	maps.Copy(headers, ev.Headers)
	headers["x-request-id"] = ev.RequestContext.RequestID
	ev.Headers = headers
	return ev
}

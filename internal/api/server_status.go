package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/plugin_bridge/internal/pluginserver"
)

type requestIDInput struct {
	RequestID string `path:"request_id" doc:"Proxy request id, e.g. 1700000000000-1"`
}

func registerStatusHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type statusOutput struct {
		Body pluginserver.Status
	}
	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Plugin ports, pending waiters and poller counters", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			out := &statusOutput{}
			out.Body = svc.Status()
			return out, nil
		})

	type pluginsOutput struct {
		Body struct {
			Plugins []string `json:"plugins"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-plugins", Method: http.MethodGet, Path: "/api/v1/plugins", Summary: "List registered plugins", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*pluginsOutput, error) {
			out := &pluginsOutput{}
			out.Body.Plugins = pluginserver.Names()
			return out, nil
		})

	type connectionOutput struct {
		Body pluginserver.Connection
	}
	huma.Register(api, huma.Operation{OperationID: "get-connection", Method: http.MethodGet, Path: "/api/v1/connections/{request_id}", Summary: "Custom parser connection state", Tags: []string{"Parser"}},
		func(ctx context.Context, input *requestIDInput) (*connectionOutput, error) {
			conn, err := svc.Connection(input.RequestID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &connectionOutput{}
			out.Body = conn
			return out, nil
		})
}

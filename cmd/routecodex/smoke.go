package main

import (
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	routecodex "github.com/routecodex/routecodex/internal"
	"github.com/routecodex/routecodex/internal/pipeline"
	"github.com/routecodex/routecodex/internal/router"
	"github.com/routecodex/routecodex/internal/telemetry"
)

// newPipelineHandler exercises the full virtual-router -> pipeline-runtime
// path for one request: resolve a blueprint for the entry endpoint,
// resolve a healthy provider target for the route, run the pipeline, and
// return its response body verbatim. It intentionally does not handle
// streaming responses -- a real front door would drain the SSE carrier
// incrementally to the client instead of buffering it, which is exactly
// the kind of surface this smoke entry point leaves to an external
// collaborator.
func newPipelineHandler(blueprints *router.BlueprintIndex, routes *router.RouteTargetPool, runner *pipeline.Runner, directory providerDirectory, metrics *telemetry.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryEndpoint := r.URL.Query().Get("endpoint")
		if entryEndpoint == "" {
			entryEndpoint = "chat"
		}
		routeName := r.URL.Query().Get("route")
		if routeName == "" {
			routeName = "default"
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if metrics != nil {
			metrics.ActiveRequests.Inc()
			defer metrics.ActiveRequests.Dec()
		}

		blueprint, err := blueprints.Resolve(entryEndpoint, "", "", "")
		if err != nil {
			recordOutcome(metrics, routeName, "no_blueprint")
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}

		target, err := routes.Resolve(routeName, "")
		if err != nil {
			recordOutcome(metrics, routeName, "no_target")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		entry, ok := directory.Lookup(target.ProviderID)
		if !ok {
			recordOutcome(metrics, routeName, "unknown_provider")
			http.Error(w, "unknown provider "+target.ProviderID, http.StatusBadGateway)
			return
		}
		protocol, _ := routecodex.ProtocolForProviderType(entry.ProviderType)

		requestID := uuid.NewString()
		meta := routecodex.RequestMetadata{
			RequestID:        requestID,
			EntryEndpoint:    entryEndpoint,
			ProviderProtocol: protocol,
			ProcessMode:      blueprint.ProcessMode,
			Streaming:        blueprint.Streaming,
			RouteName:        routeName,
			PipelineID:       blueprint.ID,
			ProviderID:       target.ProviderID,
			ModelID:          target.ModelID,
		}
		pctx := routecodex.NewPipelineContext(blueprint, meta)
		pctx.Request = body

		ctx := routecodex.ContextWithRuntimeMetadata(r.Context(), &routecodex.RuntimeMetadata{
			RequestID:        requestID,
			RouteName:        routeName,
			ProviderID:       target.ProviderID,
			ProviderType:     entry.ProviderType,
			ProviderProtocol: protocol,
			Target: &routecodex.ProviderTarget{
				ProviderKey:      target.Raw,
				ProviderType:     entry.ProviderType,
				ProviderProtocol: protocol,
				RuntimeKey:       target.KeyAlias,
			},
		})

		result, err := runner.Run(ctx, blueprint, pctx)
		if err != nil {
			recordOutcome(metrics, routeName, "pipeline_error")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		switch resp := result.Response.(type) {
		case []byte:
			recordOutcome(metrics, routeName, "ok")
			w.Header().Set("Content-Type", "application/json")
			w.Write(resp)
		default:
			recordOutcome(metrics, routeName, "unsupported_shape")
			http.Error(w, fmt.Sprintf("streaming response (%T) not drained by this smoke entry point", resp), http.StatusNotImplemented)
		}
	}
}

func recordOutcome(metrics *telemetry.Metrics, routeName, status string) {
	if metrics == nil {
		return
	}
	metrics.PipelineRequestsTotal.WithLabelValues(routeName, status).Inc()
}

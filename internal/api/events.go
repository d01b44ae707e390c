package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/xpool/internal/api/models"
	"github.com/smazurov/xpool/internal/events"
)

// registerSSERoutes registers the event stream. Every connection starts with
// a pool snapshot and then follows the bus.
func (s *Server) registerSSERoutes() {
	if s.eventBus == nil {
		return
	}

	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time worker state changes, resizes, dispatches and config reloads",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"pool-snapshot":        models.PoolData{},
		"worker-state-changed": events.WorkerStateChangedEvent{},
		"pool-resized":         events.PoolResizedEvent{},
		"unit-dispatched":      events.UnitDispatchedEvent{},
		"config-reloaded":      events.ConfigReloadedEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.WorkerStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.PoolResizedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.UnitDispatchedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.ConfigReloadedEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		var snapshot models.PoolData
		if s.pool != nil {
			snapshot = poolData(s.pool.Snapshot())
		}
		if err := send.Data(snapshot); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}

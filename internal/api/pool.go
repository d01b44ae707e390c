package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/xpool/internal/api/models"
	"github.com/smazurov/xpool/internal/jobs"
	"github.com/smazurov/xpool/internal/process"
)

func (s *Server) registerPoolRoutes() {
	if s.pool == nil {
		return
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "get-pool",
		Method:      http.MethodGet,
		Path:        "/api/pool",
		Summary:     "Pool status",
		Description: "List every worker with its pid, state and dispatch count",
		Tags:        []string{"pool"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(ctx context.Context, input *struct{}) (*models.PoolResponse, error) {
		return &models.PoolResponse{Body: poolData(s.pool.Snapshot())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "resize-pool",
		Method:      http.MethodPut,
		Path:        "/api/pool/size",
		Summary:     "Resize pool",
		Description: "Grow or shrink the pool. Removed workers drain their queue unless force is set.",
		Tags:        []string{"pool"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 422, 500},
	}, func(ctx context.Context, input *models.ResizeRequest) (*models.ResizeResponse, error) {
		oldSize := s.pool.Size()

		resize := s.pool.Resize
		if input.Body.Force {
			resize = s.pool.ForceResize
		}
		if err := resize(input.Body.Size); err != nil {
			s.logger.Error("Failed to resize pool", "size", input.Body.Size, "force", input.Body.Force, "error", err)
			return nil, huma.Error500InternalServerError("Failed to resize pool", err)
		}

		return &models.ResizeResponse{
			Body: models.ResizeData{
				OldSize: oldSize,
				NewSize: s.pool.Size(),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "restart-failed-workers",
		Method:      http.MethodPost,
		Path:        "/api/pool/restart-failed",
		Summary:     "Restart failed workers",
		Description: "Respawn every worker whose last unit failed",
		Tags:        []string{"pool"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(ctx context.Context, input *struct{}) (*models.RestartResponse, error) {
		pids := s.pool.RestartFailed()
		if pids == nil {
			pids = []int{}
		}
		return &models.RestartResponse{
			Body: models.RestartData{PIDs: pids, Count: len(pids)},
		}, nil
	})
}

func (s *Server) registerJobRoutes() {
	if s.dispatcher == nil {
		return
	}

	huma.Register(s.api, huma.Operation{
		OperationID:   "submit-job",
		Method:        http.MethodPost,
		Path:          "/api/jobs",
		Summary:       "Submit job",
		Description:   "Enqueue a shell command on the least loaded worker, or on every worker when broadcast is set",
		Tags:          []string{"jobs"},
		DefaultStatus: http.StatusAccepted,
		Security:      withAuth(),
		Errors:        []int{400, 401, 409, 422, 500},
	}, func(ctx context.Context, input *models.JobRequest) (*models.JobResponse, error) {
		if _, err := jobs.ParseCommand(input.Body.Command); err != nil {
			return nil, huma.Error422UnprocessableEntity("Invalid command", err)
		}

		args := make([]any, len(input.Body.Args))
		for i, a := range input.Body.Args {
			args[i] = a
		}

		pids, err := s.dispatcher.Submit(&jobs.Shell{Command: input.Body.Command}, input.Body.Broadcast, args...)
		switch {
		case errors.Is(err, process.ErrEmptyPool):
			return nil, huma.Error409Conflict("Pool has no workers", err)
		case errors.Is(err, process.ErrProcessDead):
			return nil, huma.Error409Conflict("Worker is dead", err)
		case err != nil:
			s.logger.Error("Failed to submit job", "command", input.Body.Command, "error", err)
			return nil, huma.Error500InternalServerError("Failed to submit job", err)
		}

		return &models.JobResponse{Body: models.JobData{PIDs: pids}}, nil
	})
}

func poolData(infos []process.Info) models.PoolData {
	workers := make([]models.WorkerData, len(infos))
	for i, info := range infos {
		workers[i] = models.WorkerData{
			PID:           info.PID,
			State:         string(info.State),
			DispatchCount: info.DispatchCount,
			Backtrace:     info.Backtrace,
		}
	}
	return models.PoolData{Size: len(infos), Workers: workers}
}

package models

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"a1b2c3d" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2026-01-27T10:30:00Z" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"42" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.11" doc:"Go toolchain version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Go compiler"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Target platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Pool models
type WorkerData struct {
	PID           int    `json:"pid" example:"4242" doc:"Process ID of the worker"`
	State         string `json:"state" example:"idle" enum:"idle,busy,failed,dead" doc:"Last known worker state"`
	DispatchCount int    `json:"dispatch_count" example:"3" doc:"Units scheduled since the worker was spawned or restarted"`
	Backtrace     string `json:"backtrace,omitempty" doc:"Stack trace of the failure, set only for failed workers"`
}

type PoolData struct {
	Size    int          `json:"size" example:"4" doc:"Number of workers in the pool"`
	Workers []WorkerData `json:"workers" doc:"Per-worker snapshot in pool order"`
}

type PoolResponse struct {
	Body PoolData
}

type ResizeRequestData struct {
	Size  int  `json:"size" minimum:"0" example:"8" doc:"Target number of workers"`
	Force bool `json:"force,omitempty" example:"false" doc:"Kill removed workers instead of letting them drain"`
}

type ResizeRequest struct {
	Body ResizeRequestData
}

type ResizeData struct {
	OldSize int `json:"old_size" example:"4" doc:"Pool size before the resize"`
	NewSize int `json:"new_size" example:"8" doc:"Pool size after the resize"`
}

type ResizeResponse struct {
	Body ResizeData
}

type RestartData struct {
	PIDs  []int `json:"pids" doc:"New process IDs of the restarted workers"`
	Count int   `json:"count" example:"1" doc:"Number of workers restarted"`
}

type RestartResponse struct {
	Body RestartData
}

// Job models
type JobRequestData struct {
	Command   string   `json:"command" minLength:"1" example:"gzip -9 /var/log/app.log" doc:"Command line to run in a worker"`
	Args      []string `json:"args,omitempty" doc:"Extra arguments appended to the command"`
	Broadcast bool     `json:"broadcast,omitempty" example:"false" doc:"Run the command on every worker"`
}

type JobRequest struct {
	Body JobRequestData
}

type JobData struct {
	PIDs []int `json:"pids" doc:"Workers the job was enqueued on"`
}

type JobResponse struct {
	Body JobData
}

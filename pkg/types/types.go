// Package types defines the data model shared by every component of the
// orchestration engine: experiment configuration, tasks, results, hosts,
// and resource metrics samples.
package types

import "time"

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// ExperimentStatus is the lifecycle state of a running experiment instance.
type ExperimentStatus string

const (
	ExperimentPending      ExperimentStatus = "pending"
	ExperimentInitializing ExperimentStatus = "initializing"
	ExperimentRunning      ExperimentStatus = "running"
	ExperimentCollecting   ExperimentStatus = "collecting"
	ExperimentAnalyzing    ExperimentStatus = "analyzing"
	ExperimentSaving       ExperimentStatus = "saving"
	ExperimentCleaning     ExperimentStatus = "cleaning"
	ExperimentCompleted    ExperimentStatus = "completed"
	ExperimentFailed       ExperimentStatus = "failed"
	ExperimentCancelled    ExperimentStatus = "cancelled"
)

// ServerStatus is the observed availability state of a host.
type ServerStatus string

const (
	ServerIdle    ServerStatus = "idle"
	ServerBusy    ServerStatus = "busy"
	ServerOffline ServerStatus = "offline"
	ServerError   ServerStatus = "error"
)

// ServerConfig describes one remote worker host as read from the servers
// configuration file (SPEC_FULL.md §6.2).
type ServerConfig struct {
	Name                  string `json:"-"`
	Host                  string `json:"host"`
	User                  string `json:"user"`
	Port                  int    `json:"port"`
	Password              string `json:"password,omitempty"`
	KeyFilename           string `json:"key_filename,omitempty"`
	MaxConcurrentTasks    int    `json:"max_concurrent_tasks"`
	Description           string `json:"description,omitempty"`
	ConnectTimeoutSeconds int    `json:"connect_timeout_seconds,omitempty"`
	CommandTimeoutSeconds int    `json:"command_timeout_seconds,omitempty"`
}

// String masks the password so ServerConfig is safe to log or print.
func (c ServerConfig) String() string {
	pw := ""
	if c.Password != "" {
		pw = "***"
	}
	return "ServerConfig{Name:" + c.Name + " Host:" + c.Host + " User:" + c.User +
		" Password:" + pw + " KeyFilename:" + c.KeyFilename + "}"
}

// ExperimentConfig is the caller-supplied descriptor for one experiment run.
// Immutable after submission.
type ExperimentConfig struct {
	ExperimentType string         `json:"experiment_type"`
	OutputDir      string         `json:"output_dir"`
	Timeout        int            `json:"timeout"`
	RetryCount     int            `json:"retry_count"`
	Priority       int            `json:"priority"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Dependencies   []string       `json:"dependencies,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Description    string         `json:"description,omitempty"`
}

// ExperimentResult is the outcome record produced by one lifecycle run.
type ExperimentResult struct {
	ExperimentID string           `json:"experiment_id"`
	Status       ExperimentStatus `json:"status"`
	OutputDir    string           `json:"output_dir"`
	StartTime    *time.Time       `json:"start_time,omitempty"`
	EndTime      *time.Time       `json:"end_time,omitempty"`
	DurationSecs *float64         `json:"duration,omitempty"`
	ResultFiles  []string         `json:"result_files,omitempty"`
	Metrics      map[string]any   `json:"metrics,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Logs         []string         `json:"logs,omitempty"`
}

// Task is the engine-internal scheduling unit.
type Task struct {
	TaskID         string
	ExperimentType string
	Config         ExperimentConfig
	CreatedTime    time.Time
	Status         TaskStatus
	AssignedHost   string
	StartTime      *time.Time
	EndTime        *time.Time
	Progress       float64
	ErrorMessage   string
	Result         *ExperimentResult
	RetryCount     int
	MaxRetries     int
	Priority       int
	Dependencies   []string
	Callback       func(*Task)
}

// ServerInfo is the resource manager's view of one host's current state.
type ServerInfo struct {
	Config        ServerConfig
	Status        ServerStatus
	CurrentTasks  int
	CPUUsage      *float64
	MemoryUsage   *float64
	DiskUsage     *float64
	LoadAverage   *float64
	LastHeartbeat *time.Time
}

// ResourceMetricsSample is one point in a host's rolling resource history.
type ResourceMetricsSample struct {
	Timestamp   time.Time
	CPUUsage    float64
	MemoryUsage float64
	DiskUsage   float64
	LoadAverage float64
}

// FrameworkConfig holds the optional tunables from SPEC_FULL.md §6.3.
type FrameworkConfig struct {
	MaxWorkerThreads    int    `json:"max_worker_threads"`
	MaxWorkersPerServer int    `json:"max_workers_per_server"`
	MaxTotalWorkers     int    `json:"max_total_workers"`
	ExperimentTimeout   int    `json:"experiment_timeout"`
	TaskQueueSize       int    `json:"task_queue_size"`
	LogLevel            string `json:"log_level"`
	LogDir              string `json:"log_dir"`
	ResultRetentionDays int    `json:"result_retention_days"`
	EnableMonitoring    bool   `json:"enable_monitoring"`
}

// DefaultFrameworkConfig returns the defaults named in SPEC_FULL.md §6.3.
func DefaultFrameworkConfig() FrameworkConfig {
	return FrameworkConfig{
		MaxWorkerThreads:    4,
		MaxWorkersPerServer: 2,
		MaxTotalWorkers:     16,
		ExperimentTimeout:   86400 * 7,
		TaskQueueSize:       1000,
		LogLevel:            "INFO",
		LogDir:              "logs",
		ResultRetentionDays: 30,
		EnableMonitoring:    true,
	}
}

package store

import (
	"encoding/json"
	"time"
)

// AgentType discriminates the three message-log owners.
type AgentType string

const (
	AgentRouter  AgentType = "router"
	AgentPlanner AgentType = "planner"
	AgentWorker  AgentType = "worker"
)

// Role is the author of a message inside an agent's log.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleDeveloper Role = "developer"
)

// Router status constants
const (
	RouterStatusActive     = "active"
	RouterStatusProcessing = "processing"
	RouterStatusCompleted  = "completed"
	RouterStatusFailed     = "failed"
	RouterStatusArchived   = "archived"
)

// Planner status constants
const (
	PlannerStatusPlanning  = "planning"
	PlannerStatusExecuting = "executing"
	PlannerStatusCompleted = "completed"
	PlannerStatusFailed    = "failed"
)

// Worker task status constants
const (
	WorkerStatusPending          = "pending"
	WorkerStatusInProgress       = "in_progress"
	WorkerStatusCompleted        = "completed"
	WorkerStatusFailedValidation = "failed_validation"
	WorkerStatusRecorded         = "recorded"
	WorkerStatusFailed           = "failed"
)

// Task queue status constants
const (
	TaskStatusPending    = "PENDING"
	TaskStatusInProgress = "IN_PROGRESS"
	TaskStatusCompleted  = "COMPLETED"
	TaskStatusFailed     = "FAILED"
)

// Handler names registered with the dispatcher. These are persisted in task
// records and planner next_handler columns, so they must stay stable.
const (
	HandlerInitialPlanning = "execute_initial_planning"
	HandlerTaskCreation    = "execute_task_creation"
	HandlerSynthesis       = "execute_synthesis"
	HandlerWorkerInit      = "worker_initialisation"
	HandlerStandardWorker  = "execute_standard_worker"
	HandlerSQLWorker       = "execute_sql_worker"
)

// Sentinels stored in Planner.NextHandler that are not handler names.
// NextHandlerWaiting means a worker chain is in flight and no planner task is
// queued; NextHandlerDone marks a finalised planner.
const (
	NextHandlerWaiting = "waiting_for_worker"
	NextHandlerDone    = "completed"
)

// Entity types carried on task records.
const (
	EntityPlanner = "planner"
	EntityWorker  = "worker"
)

// Router represents one user-facing conversation session.
type Router struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	Title       string    `json:"title"`
	Preview     string    `json:"preview"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableMeta summarises one loaded tabular source so planners can author SQL
// tasks against it without reading the data.
type TableMeta struct {
	Name         string            `json:"name"`
	RowCount     int               `json:"row_count"`
	FirstRows    string            `json:"first_rows"` // markdown table of the first 10 rows
	ColumnStats  map[string]string `json:"column_stats"`
	SourceFile   string            `json:"source_file"`
	DatabasePath string            `json:"database_path"`
}

// Planner owns one complex user turn end to end: plan, workers, synthesis.
type Planner struct {
	ID              string            `json:"id"`
	RouterID        string            `json:"router_id"`
	UserQuestion    string            `json:"user_question"`
	Instruction     string            `json:"instruction"`
	ExecutionPlan   string            `json:"execution_plan"` // markdown rendering of the structured plan
	Model           string            `json:"model"`
	Temperature     float64           `json:"temperature"`
	FailedTaskLimit int               `json:"failed_task_limit"`
	Status          string            `json:"status"`
	NextHandler     string            `json:"next_handler"`
	UserResponse    string            `json:"user_response"`
	VariablePaths   map[string]string `json:"variable_paths"`
	ImagePaths      map[string]string `json:"image_paths"`
	DocumentPaths   []string          `json:"document_paths"`
	Tables          []TableMeta       `json:"tables"`
	FailedTaskIDs   []string          `json:"failed_task_ids"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Worker executes one task attempt chain on behalf of its planner.
type Worker struct {
	ID                     string            `json:"id"` // equals the task's logical id
	PlannerID              string            `json:"planner_id"`
	Name                   string            `json:"name"`
	TaskStatus             string            `json:"task_status"`
	TaskDescription        string            `json:"task_description"`
	AcceptanceCriteria     []string          `json:"acceptance_criteria"`
	QueryingStructuredData bool              `json:"querying_structured_data"`
	ImageKeys              []string          `json:"image_keys"`
	VariableKeys           []string          `json:"variable_keys"`
	Tools                  []string          `json:"tools"`
	InputVariablePaths     map[string]string `json:"input_variable_paths"`
	InputImagePaths        map[string]string `json:"input_image_paths"`
	OutputVariablePaths    map[string]string `json:"output_variable_paths"`
	OutputImagePaths       map[string]string `json:"output_image_paths"`
	Tables                 []TableMeta       `json:"tables"`
	TaskResult             string            `json:"task_result"`
	CurrentAttempt         int               `json:"current_attempt"`
	MaxRetry               int               `json:"max_retry"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// Message is one append-only log entry scoped to a single agent.
// Content is JSON: either a bare string or a list of structured parts.
type Message struct {
	ID        string          `json:"id"`
	AgentType AgentType       `json:"agent_type"`
	AgentID   string          `json:"agent_id"`
	Role      Role            `json:"role"`
	Content   json.RawMessage `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskRecord is one durable queue entry representing a pending handler call.
type TaskRecord struct {
	TaskID       string          `json:"task_id"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	HandlerName  string          `json:"handler_name"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// MessagePlannerLink records which planner produced a given assistant message
// on a router's log, giving the UI the back-edge without embedded pointers.
type MessagePlannerLink struct {
	RouterID  string    `json:"router_id"`
	MessageID string    `json:"message_id"`
	PlannerID string    `json:"planner_id"`
	Relation  string    `json:"relation"`
	CreatedAt time.Time `json:"created_at"`
}

// UsageRecord captures token counts and cost for a single LLM call.
type UsageRecord struct {
	ID               string    `json:"id"`
	Model            string    `json:"model"`
	AgentType        string    `json:"agent_type"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

// RouterUpdate carries the mutable router fields; nil pointers are skipped.
type RouterUpdate struct {
	Status      *string
	Title       *string
	Preview     *string
	Model       *string
	Temperature *float64
}

// PlannerUpdate carries the mutable planner fields; nil pointers are skipped.
type PlannerUpdate struct {
	Status        *string
	NextHandler   *string
	ExecutionPlan *string
	UserResponse  *string
	VariablePaths map[string]string
	ImagePaths    map[string]string
	DocumentPaths []string
	Tables        []TableMeta
	FailedTaskIDs []string
}

// WorkerUpdate carries the mutable worker fields; nil pointers are skipped.
type WorkerUpdate struct {
	TaskStatus          *string
	TaskResult          *string
	CurrentAttempt      *int
	OutputVariablePaths map[string]string
	OutputImagePaths    map[string]string
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datapilot/pkg/artefact"
	"datapilot/pkg/llm"
	"datapilot/pkg/logger"
	"datapilot/pkg/plan"
	"datapilot/pkg/sandbox"
	"datapilot/pkg/store"
	"datapilot/pkg/tabular"
	"datapilot/pkg/tools"
)

// scriptedClient replays canned responses in order.
type scriptedClient struct {
	texts      []string
	structured []string
}

func (c *scriptedClient) Text(ctx context.Context, messages []llm.ChatMessage) (string, error) {
	if len(c.texts) == 0 {
		return "", errors.New("no scripted text response left")
	}
	out := c.texts[0]
	c.texts = c.texts[1:]
	return out, nil
}

func (c *scriptedClient) Structured(ctx context.Context, messages []llm.ChatMessage, out interface{}) error {
	if len(c.structured) == 0 {
		return errors.New("no scripted structured response left")
	}
	raw := c.structured[0]
	c.structured = c.structured[1:]
	return json.Unmarshal([]byte(raw), out)
}

// fakeSandbox returns a fixed result, or an error when result is nil.
type fakeSandbox struct {
	result   *sandbox.Result
	lastCode string
}

func (s *fakeSandbox) Execute(ctx context.Context, code string, locals map[string]interface{}) (*sandbox.Result, error) {
	s.lastCode = code
	if s.result == nil {
		return nil, errors.New("sandbox unreachable")
	}
	return s.result, nil
}

type fixture struct {
	orch      *Orchestrator
	store     *store.Store
	artefacts *artefact.Store
	client    *scriptedClient
	sandbox   *fakeSandbox
}

func newFixture(t *testing.T, maxRetry int) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	artefacts := artefact.New(filepath.Join(dir, "collaterals"))
	client := &scriptedClient{}
	sb := &fakeSandbox{}
	log := logger.CreateTestLogger(filepath.Join(dir, "test.log"), "debug")
	orch := New(st, artefacts, client, tools.NewRegistry(), sb, log, Config{
		Model:    "gpt-4o-mini",
		MaxRetry: maxRetry,
	})
	return &fixture{orch: orch, store: st, artefacts: artefacts, client: client, sandbox: sb}
}

// seedPlanner creates a planner row the worker handlers can hand back to.
func (f *fixture) seedPlanner(t *testing.T, plannerID string) {
	t.Helper()
	require.NoError(t, f.store.CreateRouter(context.Background(), &store.Router{ID: "r1", Status: store.RouterStatusProcessing}))
	require.NoError(t, f.store.CreatePlanner(context.Background(), &store.Planner{
		ID:              plannerID,
		RouterID:        "r1",
		Status:          store.PlannerStatusExecuting,
		NextHandler:     store.NextHandlerWaiting,
		FailedTaskLimit: 3,
	}))
}

// seedWorker creates a worker row ready for an execute handler.
func (f *fixture) seedWorker(t *testing.T, w *store.Worker) {
	t.Helper()
	require.NoError(t, f.store.CreateWorker(context.Background(), w))
}

func workerTask(workerID, plannerID, handler string) store.TaskRecord {
	payload, _ := json.Marshal(map[string]string{"planner_id": plannerID})
	return store.TaskRecord{
		TaskID:      "queue-" + workerID,
		EntityType:  store.EntityWorker,
		EntityID:    workerID,
		HandlerName: handler,
		Payload:     payload,
	}
}

func pendingHandlers(t *testing.T, st *store.Store) []string {
	t.Helper()
	pending, err := st.GetPendingTasks(context.Background())
	require.NoError(t, err)
	out := make([]string, len(pending))
	for i, task := range pending {
		out[i] = task.HandlerName
	}
	return out
}

func TestWorkerInitialisationCreatesAndRoutes(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seedPlanner(t, "p1")

	task := plan.Task{
		ID:                 "w1",
		TaskDescription:    "Count the rows in the dataset. Then report the number.",
		AcceptanceCriteria: []string{"a number is reported"},
		UserRequest:        "how many rows?",
	}
	require.NoError(t, f.artefacts.WriteJSON("p1", plan.TaskFilename, task))

	require.NoError(t, f.orch.WorkerInitialisation(ctx, workerTask("w1", "p1", store.HandlerWorkerInit)))

	w, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerStatusPending, w.TaskStatus)
	assert.Equal(t, "p1", w.PlannerID)
	assert.Equal(t, 5, w.MaxRetry)
	assert.Equal(t, "Count the rows in the dataset", w.Name)

	msgs, err := f.store.GetMessages(ctx, store.AgentWorker, "w1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(msgs), 3)
	assert.Equal(t, store.RoleSystem, msgs[0].Role)
	assert.Equal(t, store.RoleUser, msgs[1].Role)

	assert.Equal(t, []string{store.HandlerStandardWorker}, pendingHandlers(t, f.store))
}

func TestWorkerInitialisationRoutesSQLTasks(t *testing.T) {
	f := newFixture(t, 5)
	f.seedPlanner(t, "p1")
	require.NoError(t, f.artefacts.WriteJSON("p1", plan.TaskFilename, plan.Task{
		ID:                     "w1",
		TaskDescription:        "sum the revenue column",
		QueryingStructuredData: true,
	}))

	require.NoError(t, f.orch.WorkerInitialisation(context.Background(), workerTask("w1", "p1", store.HandlerWorkerInit)))
	assert.Equal(t, []string{store.HandlerSQLWorker}, pendingHandlers(t, f.store))
}

func TestWorkerInitialisationRejectsStaleSnapshot(t *testing.T) {
	f := newFixture(t, 5)
	f.seedPlanner(t, "p1")
	require.NoError(t, f.artefacts.WriteJSON("p1", plan.TaskFilename, plan.Task{ID: "someone-else"}))

	err := f.orch.WorkerInitialisation(context.Background(), workerTask("w1", "p1", store.HandlerWorkerInit))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "someone-else")
}

func TestWorkerInitialisationResumesExistingWorker(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seedPlanner(t, "p1")
	f.seedWorker(t, &store.Worker{
		ID:         "w1",
		PlannerID:  "p1",
		Name:       "existing",
		TaskStatus: store.WorkerStatusInProgress,
		MaxRetry:   5,
	})

	require.NoError(t, f.orch.WorkerInitialisation(ctx, workerTask("w1", "p1", store.HandlerWorkerInit)))

	// No new rows or messages, only a routing task.
	msgs, err := f.store.GetMessages(ctx, store.AgentWorker, "w1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, []string{store.HandlerStandardWorker}, pendingHandlers(t, f.store))
}

func TestStandardWorkerDirectResultCompletes(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seedPlanner(t, "p1")
	f.seedWorker(t, &store.Worker{
		ID: "w1", PlannerID: "p1", Name: "w", TaskStatus: store.WorkerStatusPending, MaxRetry: 5,
	})

	f.client.structured = []string{
		`{"thought": "no code needed", "result": "There are 42 rows.", "output_variables": []}`,
		`{"task_completed": true, "validated_result": "42 rows"}`,
	}

	require.NoError(t, f.orch.ExecuteStandardWorker(ctx, workerTask("w1", "p1", store.HandlerStandardWorker)))

	w, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerStatusCompleted, w.TaskStatus)
	assert.Equal(t, "42 rows", w.TaskResult)
	assert.Equal(t, 1, w.CurrentAttempt)

	// Completion hands control back to the planner.
	assert.Equal(t, []string{store.HandlerSynthesis}, pendingHandlers(t, f.store))
	p, err := f.store.GetPlanner(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, store.HandlerSynthesis, p.NextHandler)
}

func TestStandardWorkerCodePersistsOutputs(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seedPlanner(t, "p1")
	f.seedWorker(t, &store.Worker{
		ID: "w1", PlannerID: "p1", Name: "w", TaskStatus: store.WorkerStatusPending, MaxRetry: 5,
	})

	f.sandbox.result = &sandbox.Result{
		Success: true,
		Output:  "done",
		Variables: map[string]interface{}{
			"row_count": float64(42),
			"chart":     "aGVsbG8=",
		},
	}
	f.client.structured = []string{
		`{"thought": "count and plot", "python_code": "row_count = len(rows)",
		  "output_variables": [{"name": "row_count", "is_image": false}, {"name": "chart", "is_image": true}]}`,
		`{"task_completed": true, "validated_result": "counted and plotted"}`,
	}

	require.NoError(t, f.orch.ExecuteStandardWorker(ctx, workerTask("w1", "p1", store.HandlerStandardWorker)))

	assert.Equal(t, "row_count = len(rows)", f.sandbox.lastCode)

	w, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerStatusCompleted, w.TaskStatus)
	require.Contains(t, w.OutputVariablePaths, "row_count")
	require.Contains(t, w.OutputImagePaths, "chart")

	value, err := f.artefacts.LoadVariable(w.OutputVariablePaths["row_count"])
	require.NoError(t, err)
	assert.Equal(t, float64(42), value)
	encoded, err := f.artefacts.LoadImage(w.OutputImagePaths["chart"])
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", encoded)
}

func TestStandardWorkerUndeclaredOutputRetries(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seedPlanner(t, "p1")
	f.seedWorker(t, &store.Worker{
		ID: "w1", PlannerID: "p1", Name: "w", TaskStatus: store.WorkerStatusPending, MaxRetry: 5,
	})

	f.sandbox.result = &sandbox.Result{Success: true, Output: "ran", Variables: map[string]interface{}{}}
	f.client.structured = []string{
		`{"thought": "t", "python_code": "x = 1", "output_variables": [{"name": "missing", "is_image": false}]}`,
	}

	require.NoError(t, f.orch.ExecuteStandardWorker(ctx, workerTask("w1", "p1", store.HandlerStandardWorker)))

	// The shape error queues another attempt instead of validating.
	assert.Equal(t, []string{store.HandlerStandardWorker}, pendingHandlers(t, f.store))
	w, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerStatusInProgress, w.TaskStatus)
	assert.Equal(t, 1, w.CurrentAttempt)
}

func TestStandardWorkerExecutionFailureRetries(t *testing.T) {
	f := newFixture(t, 5)
	f.seedPlanner(t, "p1")
	f.seedWorker(t, &store.Worker{
		ID: "w1", PlannerID: "p1", Name: "w", TaskStatus: store.WorkerStatusPending, MaxRetry: 5,
	})

	f.sandbox.result = &sandbox.Result{Success: false, Error: "NameError: rows is not defined", StackTrace: "trace"}
	f.client.structured = []string{
		`{"thought": "t", "python_code": "count = len(rows)", "output_variables": []}`,
		`{"missing_tool": false, "explanation": "a plain bug"}`,
	}

	require.NoError(t, f.orch.ExecuteStandardWorker(context.Background(), workerTask("w1", "p1", store.HandlerStandardWorker)))
	assert.Equal(t, []string{store.HandlerStandardWorker}, pendingHandlers(t, f.store))
}

func TestStandardWorkerMissingToolGivesUp(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seedPlanner(t, "p1")
	f.seedWorker(t, &store.Worker{
		ID: "w1", PlannerID: "p1", Name: "w", TaskStatus: store.WorkerStatusPending, MaxRetry: 5,
	})

	f.sandbox.result = &sandbox.Result{Success: false, Error: "no web access"}
	f.client.structured = []string{
		`{"thought": "t", "python_code": "fetch()", "output_variables": []}`,
		`{"missing_tool": true, "explanation": "web access is not available"}`,
	}

	require.NoError(t, f.orch.ExecuteStandardWorker(ctx, workerTask("w1", "p1", store.HandlerStandardWorker)))

	w, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerStatusFailedValidation, w.TaskStatus)
	assert.Contains(t, w.TaskResult, "web access is not available")
	assert.Equal(t, []string{store.HandlerSynthesis}, pendingHandlers(t, f.store))
}

func TestStandardWorkerMaliciousTaskIsRejected(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seedPlanner(t, "p1")
	f.seedWorker(t, &store.Worker{
		ID: "w1", PlannerID: "p1", Name: "w", TaskStatus: store.WorkerStatusPending, MaxRetry: 5,
	})

	f.client.structured = []string{
		`{"thought": "refusing", "is_malicious": true, "output_variables": []}`,
	}

	require.NoError(t, f.orch.ExecuteStandardWorker(ctx, workerTask("w1", "p1", store.HandlerStandardWorker)))
	assert.Equal(t, []string{store.HandlerStandardWorker}, pendingHandlers(t, f.store))
}

func TestRetryExhaustionFailsValidation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.seedPlanner(t, "p1")
	f.seedWorker(t, &store.Worker{
		ID: "w1", PlannerID: "p1", Name: "w", TaskStatus: store.WorkerStatusPending, MaxRetry: 1,
	})

	// Validation rejects the only allowed attempt.
	f.client.structured = []string{
		`{"thought": "t", "result": "maybe 40?", "output_variables": []}`,
		`{"task_completed": false, "diagnostic": "the count is not exact"}`,
	}

	require.NoError(t, f.orch.ExecuteStandardWorker(ctx, workerTask("w1", "p1", store.HandlerStandardWorker)))

	w, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerStatusFailedValidation, w.TaskStatus)
	assert.Equal(t, "Task failed after multiple tries.", w.TaskResult)
	assert.Equal(t, w.MaxRetry, w.CurrentAttempt)
	assert.Equal(t, []string{store.HandlerSynthesis}, pendingHandlers(t, f.store))
}

func TestSQLWorkerQueriesPlannerDatabase(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seedPlanner(t, "p1")

	engine, err := tabular.Open(f.artefacts.DatabasePath("p1"))
	require.NoError(t, err)
	csvPath := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("region,amount\nnorth,10\nsouth,32\n"), 0644))
	_, err = engine.LoadCSV(ctx, csvPath)
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	f.seedWorker(t, &store.Worker{
		ID: "w1", PlannerID: "p1", Name: "w",
		TaskStatus: store.WorkerStatusPending, QueryingStructuredData: true, MaxRetry: 5,
	})
	f.client.structured = []string{
		`{"thought": "sum it", "sql_code": "SELECT SUM(amount) AS total FROM sales"}`,
		`{"task_completed": true, "validated_result": "total is 42"}`,
	}

	require.NoError(t, f.orch.ExecuteSQLWorker(ctx, workerTask("w1", "p1", store.HandlerSQLWorker)))

	w, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerStatusCompleted, w.TaskStatus)
	assert.Equal(t, "total is 42", w.TaskResult)

	msgs, err := f.store.GetMessages(ctx, store.AgentWorker, "w1")
	require.NoError(t, err)
	var sawResult bool
	for _, m := range msgs {
		var text string
		if m.Role == store.RoleAssistant && json.Unmarshal(m.Content, &text) == nil &&
			strings.Contains(text, "| 42 |") {
			sawResult = true
		}
	}
	assert.True(t, sawResult, "query result markdown should be in the worker log")
}

func TestSQLWorkerEmptyQueryGivesUp(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seedPlanner(t, "p1")
	f.seedWorker(t, &store.Worker{
		ID: "w1", PlannerID: "p1", Name: "w",
		TaskStatus: store.WorkerStatusPending, QueryingStructuredData: true, MaxRetry: 5,
	})
	f.client.structured = []string{
		`{"thought": "cannot", "reason_code_not_created": "the tables hold no dates"}`,
	}

	require.NoError(t, f.orch.ExecuteSQLWorker(ctx, workerTask("w1", "p1", store.HandlerSQLWorker)))

	w, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, store.WorkerStatusFailedValidation, w.TaskStatus)
	assert.Equal(t, "the tables hold no dates", w.TaskResult)
	assert.Equal(t, []string{store.HandlerSynthesis}, pendingHandlers(t, f.store))
}

func TestSQLWorkerBadQueryRetries(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seedPlanner(t, "p1")

	engine, err := tabular.Open(f.artefacts.DatabasePath("p1"))
	require.NoError(t, err)
	require.NoError(t, engine.Close())

	f.seedWorker(t, &store.Worker{
		ID: "w1", PlannerID: "p1", Name: "w",
		TaskStatus: store.WorkerStatusPending, QueryingStructuredData: true, MaxRetry: 5,
	})
	f.client.structured = []string{
		`{"thought": "guess", "sql_code": "SELECT * FROM missing_table"}`,
	}

	require.NoError(t, f.orch.ExecuteSQLWorker(ctx, workerTask("w1", "p1", store.HandlerSQLWorker)))
	assert.Equal(t, []string{store.HandlerSQLWorker}, pendingHandlers(t, f.store))
}

func TestPersistOutputsRecordsUnserialisableValue(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.seedPlanner(t, "p1")
	w := &store.Worker{ID: "w1", PlannerID: "p1"}
	f.seedWorker(t, w)

	declared := []OutputVariable{{Name: "ratio"}, {Name: "label"}}
	require.NoError(t, f.orch.persistOutputs(ctx, w, declared, map[string]interface{}{
		"ratio": math.NaN(),
		"label": "fine",
	}))

	got, err := f.store.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.NotContains(t, got.OutputVariablePaths, "ratio")
	assert.Contains(t, got.OutputVariablePaths, "label")

	// The dropped value itself lands in the log so the model can react to it.
	msgs, err := f.store.GetMessages(ctx, store.AgentWorker, "w1")
	require.NoError(t, err)
	var logged string
	for _, m := range msgs {
		var text string
		if json.Unmarshal(m.Content, &text) == nil && strings.Contains(text, "not serialisable") {
			logged = text
		}
	}
	require.NotEmpty(t, logged)
	assert.Contains(t, logged, "ratio")
	assert.Contains(t, logged, "NaN")
}

func TestSortedStringKeysIsSorted(t *testing.T) {
	got := sortedStringKeys(map[string]string{"c": "3", "a": "1", "b": "2"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

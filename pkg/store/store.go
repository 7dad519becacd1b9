package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors surfaced by Store operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrClaimConflict = errors.New("task is not pending")
)

// Store is the durable state backend for routers, planners, workers, message
// logs, and the task queue. SQLite's single-writer model serialises writes;
// the task claim is a compare-and-swap on the status column.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := NewMigrationRunner(db).RunMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping tests the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- routers ----

// CreateRouter inserts a new router row.
func (s *Store) CreateRouter(ctx context.Context, r *Router) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = RouterStatusActive
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	query := `
		INSERT INTO routers (id, status, model, temperature, title, preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, r.ID, r.Status, r.Model, r.Temperature, r.Title, r.Preview, r.CreatedAt, r.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}
	return nil
}

// GetRouter retrieves a router by id.
func (s *Store) GetRouter(ctx context.Context, id string) (*Router, error) {
	query := `
		SELECT id, status, model, temperature, title, preview, created_at, updated_at
		FROM routers WHERE id = ?
	`
	var r Router
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.Status, &r.Model, &r.Temperature, &r.Title, &r.Preview, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("router %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get router: %w", err)
	}
	return &r, nil
}

// ListRouters lists routers newest-first.
func (s *Store) ListRouters(ctx context.Context) ([]Router, error) {
	query := `
		SELECT id, status, model, temperature, title, preview, created_at, updated_at
		FROM routers ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list routers: %w", err)
	}
	defer rows.Close()

	routers := make([]Router, 0)
	for rows.Next() {
		var r Router
		if err := rows.Scan(&r.ID, &r.Status, &r.Model, &r.Temperature, &r.Title, &r.Preview, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan router: %w", err)
		}
		routers = append(routers, r)
	}
	return routers, rows.Err()
}

// UpdateRouter applies the non-nil fields of upd to the router row.
func (s *Store) UpdateRouter(ctx context.Context, id string, upd *RouterUpdate) error {
	fields := []string{}
	args := []interface{}{}

	if upd.Status != nil {
		fields = append(fields, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Title != nil {
		fields = append(fields, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Preview != nil {
		fields = append(fields, "preview = ?")
		args = append(args, *upd.Preview)
	}
	if upd.Model != nil {
		fields = append(fields, "model = ?")
		args = append(args, *upd.Model)
	}
	if upd.Temperature != nil {
		fields = append(fields, "temperature = ?")
		args = append(args, *upd.Temperature)
	}
	if len(fields) == 0 {
		return fmt.Errorf("no fields to update")
	}

	fields = append(fields, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf(`UPDATE routers SET %s WHERE id = ?`, strings.Join(fields, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update router: %w", err)
	}
	return requireRowAffected(result, "router", id)
}

// ---- planners ----

// CreatePlanner inserts a new planner row.
func (s *Store) CreatePlanner(ctx context.Context, p *Planner) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = PlannerStatusPlanning
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	query := `
		INSERT INTO planners (
			id, router_id, user_question, instruction, execution_plan, model, temperature,
			failed_task_limit, status, next_handler, user_response,
			variable_paths, image_paths, document_paths, tables, failed_task_ids,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.RouterID, p.UserQuestion, p.Instruction, p.ExecutionPlan, p.Model, p.Temperature,
		p.FailedTaskLimit, p.Status, p.NextHandler, p.UserResponse,
		marshalJSON(orEmptyMap(p.VariablePaths)), marshalJSON(orEmptyMap(p.ImagePaths)),
		marshalJSON(orEmptySlice(p.DocumentPaths)), marshalJSON(orEmptyTables(p.Tables)),
		marshalJSON(orEmptySlice(p.FailedTaskIDs)),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create planner: %w", err)
	}
	return nil
}

// GetPlanner retrieves a planner by id.
func (s *Store) GetPlanner(ctx context.Context, id string) (*Planner, error) {
	query := `
		SELECT id, router_id, user_question, instruction, execution_plan, model, temperature,
			failed_task_limit, status, next_handler, user_response,
			variable_paths, image_paths, document_paths, tables, failed_task_ids,
			created_at, updated_at
		FROM planners WHERE id = ?
	`
	var p Planner
	var variablePaths, imagePaths, documentPaths, tables, failedTaskIDs string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.RouterID, &p.UserQuestion, &p.Instruction, &p.ExecutionPlan, &p.Model, &p.Temperature,
		&p.FailedTaskLimit, &p.Status, &p.NextHandler, &p.UserResponse,
		&variablePaths, &imagePaths, &documentPaths, &tables, &failedTaskIDs,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("planner %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get planner: %w", err)
	}

	if err := unmarshalAll([]jsonColumn{
		{variablePaths, &p.VariablePaths},
		{imagePaths, &p.ImagePaths},
		{documentPaths, &p.DocumentPaths},
		{tables, &p.Tables},
		{failedTaskIDs, &p.FailedTaskIDs},
	}); err != nil {
		return nil, fmt.Errorf("failed to decode planner %s: %w", id, err)
	}
	return &p, nil
}

// ListPlannersByStatus returns planners currently in one of the given statuses.
func (s *Store) ListPlannersByStatus(ctx context.Context, statuses ...string) ([]Planner, error) {
	if len(statuses) == 0 {
		return nil, fmt.Errorf("at least one status is required")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	query := fmt.Sprintf(`SELECT id FROM planners WHERE status IN (%s) ORDER BY created_at ASC`, placeholders)

	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list planners: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan planner id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	planners := make([]Planner, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPlanner(ctx, id)
		if err != nil {
			return nil, err
		}
		planners = append(planners, *p)
	}
	return planners, nil
}

// UpdatePlanner applies the non-nil fields of upd to the planner row.
func (s *Store) UpdatePlanner(ctx context.Context, id string, upd *PlannerUpdate) error {
	fields := []string{}
	args := []interface{}{}

	if upd.Status != nil {
		fields = append(fields, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.NextHandler != nil {
		fields = append(fields, "next_handler = ?")
		args = append(args, *upd.NextHandler)
	}
	if upd.ExecutionPlan != nil {
		fields = append(fields, "execution_plan = ?")
		args = append(args, *upd.ExecutionPlan)
	}
	if upd.UserResponse != nil {
		fields = append(fields, "user_response = ?")
		args = append(args, *upd.UserResponse)
	}
	if upd.VariablePaths != nil {
		fields = append(fields, "variable_paths = ?")
		args = append(args, marshalJSON(upd.VariablePaths))
	}
	if upd.ImagePaths != nil {
		fields = append(fields, "image_paths = ?")
		args = append(args, marshalJSON(upd.ImagePaths))
	}
	if upd.DocumentPaths != nil {
		fields = append(fields, "document_paths = ?")
		args = append(args, marshalJSON(upd.DocumentPaths))
	}
	if upd.Tables != nil {
		fields = append(fields, "tables = ?")
		args = append(args, marshalJSON(upd.Tables))
	}
	if upd.FailedTaskIDs != nil {
		fields = append(fields, "failed_task_ids = ?")
		args = append(args, marshalJSON(upd.FailedTaskIDs))
	}
	if len(fields) == 0 {
		return fmt.Errorf("no fields to update")
	}

	fields = append(fields, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf(`UPDATE planners SET %s WHERE id = ?`, strings.Join(fields, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update planner: %w", err)
	}
	return requireRowAffected(result, "planner", id)
}

// UpdateNextAndEnqueue atomically records the planner's next handler and
// inserts the matching PENDING task record.
func (s *Store) UpdateNextAndEnqueue(ctx context.Context, plannerID, handlerName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE planners SET next_handler = ?, updated_at = ? WHERE id = ?`,
		handlerName, now, plannerID,
	)
	if err != nil {
		return fmt.Errorf("failed to set next handler: %w", err)
	}
	if err := requireRowAffected(result, "planner", plannerID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_queue (task_id, entity_type, entity_id, handler_name, status, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, NULL, ?)`,
		uuid.NewString(), EntityPlanner, plannerID, handlerName, TaskStatusPending, now,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", handlerName, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit next-and-enqueue: %w", err)
	}
	return nil
}

// ---- workers ----

// CreateWorker inserts a new worker row.
func (s *Store) CreateWorker(ctx context.Context, w *Worker) error {
	if w.TaskStatus == "" {
		w.TaskStatus = WorkerStatusPending
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	query := `
		INSERT INTO workers (
			id, planner_id, name, task_status, task_description, acceptance_criteria,
			querying_structured_data, image_keys, variable_keys, tools,
			input_variable_paths, input_image_paths, output_variable_paths, output_image_paths,
			tables, task_result, current_attempt, max_retry, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.PlannerID, w.Name, w.TaskStatus, w.TaskDescription,
		marshalJSON(orEmptySlice(w.AcceptanceCriteria)),
		w.QueryingStructuredData,
		marshalJSON(orEmptySlice(w.ImageKeys)), marshalJSON(orEmptySlice(w.VariableKeys)),
		marshalJSON(orEmptySlice(w.Tools)),
		marshalJSON(orEmptyMap(w.InputVariablePaths)), marshalJSON(orEmptyMap(w.InputImagePaths)),
		marshalJSON(orEmptyMap(w.OutputVariablePaths)), marshalJSON(orEmptyMap(w.OutputImagePaths)),
		marshalJSON(orEmptyTables(w.Tables)),
		w.TaskResult, w.CurrentAttempt, w.MaxRetry, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	query := `
		SELECT id, planner_id, name, task_status, task_description, acceptance_criteria,
			querying_structured_data, image_keys, variable_keys, tools,
			input_variable_paths, input_image_paths, output_variable_paths, output_image_paths,
			tables, task_result, current_attempt, max_retry, created_at, updated_at
		FROM workers WHERE id = ?
	`
	var w Worker
	var acceptanceCriteria, imageKeys, variableKeys, tools string
	var inVarPaths, inImgPaths, outVarPaths, outImgPaths, tables string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&w.ID, &w.PlannerID, &w.Name, &w.TaskStatus, &w.TaskDescription, &acceptanceCriteria,
		&w.QueryingStructuredData, &imageKeys, &variableKeys, &tools,
		&inVarPaths, &inImgPaths, &outVarPaths, &outImgPaths,
		&tables, &w.TaskResult, &w.CurrentAttempt, &w.MaxRetry, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	if err := unmarshalAll([]jsonColumn{
		{acceptanceCriteria, &w.AcceptanceCriteria},
		{imageKeys, &w.ImageKeys},
		{variableKeys, &w.VariableKeys},
		{tools, &w.Tools},
		{inVarPaths, &w.InputVariablePaths},
		{inImgPaths, &w.InputImagePaths},
		{outVarPaths, &w.OutputVariablePaths},
		{outImgPaths, &w.OutputImagePaths},
		{tables, &w.Tables},
	}); err != nil {
		return nil, fmt.Errorf("failed to decode worker %s: %w", id, err)
	}
	return &w, nil
}

// ListWorkersByPlanner returns the planner's workers whose task status is in
// the given set, oldest first. An empty set means all workers.
func (s *Store) ListWorkersByPlanner(ctx context.Context, plannerID string, statuses ...string) ([]Worker, error) {
	query := `SELECT id FROM workers WHERE planner_id = ?`
	args := []interface{}{plannerID}
	if len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		query += fmt.Sprintf(` AND task_status IN (%s)`, placeholders)
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan worker id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	workers := make([]Worker, 0, len(ids))
	for _, id := range ids {
		w, err := s.GetWorker(ctx, id)
		if err != nil {
			return nil, err
		}
		workers = append(workers, *w)
	}
	return workers, nil
}

// UpdateWorker applies the non-nil fields of upd to the worker row.
func (s *Store) UpdateWorker(ctx context.Context, id string, upd *WorkerUpdate) error {
	fields := []string{}
	args := []interface{}{}

	if upd.TaskStatus != nil {
		fields = append(fields, "task_status = ?")
		args = append(args, *upd.TaskStatus)
	}
	if upd.TaskResult != nil {
		fields = append(fields, "task_result = ?")
		args = append(args, *upd.TaskResult)
	}
	if upd.CurrentAttempt != nil {
		fields = append(fields, "current_attempt = ?")
		args = append(args, *upd.CurrentAttempt)
	}
	if upd.OutputVariablePaths != nil {
		fields = append(fields, "output_variable_paths = ?")
		args = append(args, marshalJSON(upd.OutputVariablePaths))
	}
	if upd.OutputImagePaths != nil {
		fields = append(fields, "output_image_paths = ?")
		args = append(args, marshalJSON(upd.OutputImagePaths))
	}
	if len(fields) == 0 {
		return fmt.Errorf("no fields to update")
	}

	fields = append(fields, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf(`UPDATE workers SET %s WHERE id = ?`, strings.Join(fields, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update worker: %w", err)
	}
	return requireRowAffected(result, "worker", id)
}

// ---- messages ----

// AddMessage appends a message to an agent's log and returns its id.
// Content must already be JSON encoded.
func (s *Store) AddMessage(ctx context.Context, agentType AgentType, agentID string, role Role, content json.RawMessage) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, agent_type, agent_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, agentType, agentID, role, string(content), time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to add message: %w", err)
	}
	return id, nil
}

// GetMessages returns an agent's full message log in append order.
func (s *Store) GetMessages(ctx context.Context, agentType AgentType, agentID string) ([]Message, error) {
	query := `
		SELECT id, agent_type, agent_id, role, content, created_at
		FROM messages WHERE agent_type = ? AND agent_id = ?
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, agentType, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		var content string
		if err := rows.Scan(&m.ID, &m.AgentType, &m.AgentID, &m.Role, &content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Content = json.RawMessage(content)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ---- message ↔ planner links ----

// LinkMessagePlanner records which planner a given assistant message came from.
func (s *Store) LinkMessagePlanner(ctx context.Context, routerID, messageID, plannerID, relation string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_planner_links (router_id, message_id, planner_id, relation, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		routerID, messageID, plannerID, relation, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to link message to planner: %w", err)
	}
	return nil
}

// GetPlannerForMessage resolves the planner backing a router message, if any.
func (s *Store) GetPlannerForMessage(ctx context.Context, messageID string) (*Planner, error) {
	var plannerID string
	err := s.db.QueryRowContext(ctx,
		`SELECT planner_id FROM message_planner_links WHERE message_id = ?`, messageID,
	).Scan(&plannerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s has no planner: %w", messageID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve planner for message: %w", err)
	}
	return s.GetPlanner(ctx, plannerID)
}

// ---- helpers ----

func requireRowAffected(result sql.Result, entity, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}

func marshalJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

type jsonColumn struct {
	raw    string
	target interface{}
}

func unmarshalAll(columns []jsonColumn) error {
	for _, col := range columns {
		if col.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.target); err != nil {
			return err
		}
	}
	return nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyTables(t []TableMeta) []TableMeta {
	if t == nil {
		return []TableMeta{}
	}
	return t
}

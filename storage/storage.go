// Package storage is the broker's persistence layer: peers, tasks,
// assignments and complaints in a sqlite-compatible store. The store is
// transactional per single-row update only; callers never rely on cross-row
// atomicity.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"tlpbroker/identity"
	"tlpbroker/types"
)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("storage: store path must be configured")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

const schema = `
CREATE TABLE IF NOT EXISTS peers (
    fingerprint TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    connected INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    tasks_requested INTEGER NOT NULL DEFAULT 0,
    tasks_received INTEGER NOT NULL DEFAULT 0,
    tasks_complained INTEGER NOT NULL DEFAULT 0,
    tasks_taken INTEGER NOT NULL DEFAULT 0,
    tasks_delivered INTEGER NOT NULL DEFAULT 0,
    tasks_expired INTEGER NOT NULL DEFAULT 0,
    tasks_complained_about INTEGER NOT NULL DEFAULT 0,
    complaints_won INTEGER NOT NULL DEFAULT 0,
    success_rate REAL NOT NULL DEFAULT 0,
    reputation_score REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS tasks (
    fingerprint TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    parameter_t INTEGER NOT NULL,
    parameter_baseg TEXT NOT NULL,
    product TEXT NOT NULL,
    difficulty INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    first_assignment_id TEXT,
    second_assignment_id TEXT,
    assignments_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS task_assignments (
    id TEXT PRIMARY KEY,
    task_key TEXT NOT NULL,
    solver_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    delivery_deadline INTEGER NOT NULL,
    complaint_deadline INTEGER NOT NULL,
    delivered_at INTEGER,
    elapsed_ns INTEGER NOT NULL DEFAULT 0,
    delivered_in_time INTEGER,
    validity INTEGER,
    answer TEXT NOT NULL DEFAULT '',
    complaint_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_assignments_task ON task_assignments(task_key);
CREATE TABLE IF NOT EXISTS complaints (
    id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    solver_id TEXT NOT NULL,
    assignment_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    resolved_at INTEGER,
    result TEXT NOT NULL DEFAULT 'pending'
);
`

// Store wraps the broker persistence layer.
type Store struct {
	db *sql.DB
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertPeer inserts or replaces the peer row keyed by fingerprint.
func (s *Store) UpsertPeer(ctx context.Context, p *types.Peer) error {
	if p == nil {
		return fmt.Errorf("nil peer")
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO peers(
            fingerprint, role, connected, created_at,
            tasks_requested, tasks_received, tasks_complained,
            tasks_taken, tasks_delivered, tasks_expired,
            tasks_complained_about, complaints_won,
            success_rate, reputation_score)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(fingerprint) DO UPDATE SET
            role = excluded.role,
            connected = excluded.connected,
            tasks_requested = excluded.tasks_requested,
            tasks_received = excluded.tasks_received,
            tasks_complained = excluded.tasks_complained,
            tasks_taken = excluded.tasks_taken,
            tasks_delivered = excluded.tasks_delivered,
            tasks_expired = excluded.tasks_expired,
            tasks_complained_about = excluded.tasks_complained_about,
            complaints_won = excluded.complaints_won,
            success_rate = excluded.success_rate,
            reputation_score = excluded.reputation_score
    `, p.Fingerprint.Hex(), string(p.Role), boolToInt(p.Connected), created.UnixNano(),
		p.TasksRequested, p.TasksReceived, p.TasksComplained,
		p.TasksTaken, p.TasksDelivered, p.TasksExpired,
		p.TasksComplainedOver, p.ComplaintsWon,
		p.SuccessRate, p.Reputation)
	if err != nil {
		return fmt.Errorf("upsert peer: %w", err)
	}
	return nil
}

// GetPeerByIdentity loads the peer row for a fingerprint.
func (s *Store) GetPeerByIdentity(ctx context.Context, fp identity.Fingerprint) (*types.Peer, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT fingerprint, role, connected, created_at,
               tasks_requested, tasks_received, tasks_complained,
               tasks_taken, tasks_delivered, tasks_expired,
               tasks_complained_about, complaints_won,
               success_rate, reputation_score
        FROM peers WHERE fingerprint = ?
    `, fp.Hex())

	var (
		p           types.Peer
		fpHex, role string
		connected   int
		createdNS   int64
	)
	err := row.Scan(&fpHex, &role, &connected, &createdNS,
		&p.TasksRequested, &p.TasksReceived, &p.TasksComplained,
		&p.TasksTaken, &p.TasksDelivered, &p.TasksExpired,
		&p.TasksComplainedOver, &p.ComplaintsWon,
		&p.SuccessRate, &p.Reputation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get peer: %w", err)
	}
	parsed, err := identity.FromHex(fpHex)
	if err != nil {
		return nil, fmt.Errorf("get peer: %w", err)
	}
	p.Fingerprint = parsed
	p.Role = types.Role(role)
	p.Connected = connected != 0
	p.CreatedAt = time.Unix(0, createdNS)
	return &p, nil
}

// SetPeerConnected flips only the connected flag, leaving counters alone.
func (s *Store) SetPeerConnected(ctx context.Context, fp identity.Fingerprint, connected bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE peers SET connected = ? WHERE fingerprint = ?`,
		boolToInt(connected), fp.Hex())
	if err != nil {
		return fmt.Errorf("set peer connected: %w", err)
	}
	return nil
}

// InsertTask persists a newly created task.
func (s *Store) InsertTask(ctx context.Context, t *types.Task) error {
	if t == nil || t.BaseG == nil || t.Product == nil {
		return fmt.Errorf("incomplete task")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tasks(
            fingerprint, client_id, parameter_t, parameter_baseg, product,
            difficulty, created_at, first_assignment_id, second_assignment_id,
            assignments_count)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, t.Fingerprint.Hex(), t.Client.Hex(), t.T, t.BaseG.String(), t.Product.String(),
		t.Difficulty, t.CreatedAt.UnixNano(),
		nullableString(t.FirstAssignment), nullableString(t.SecondAssignment),
		t.Assignments)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTaskByFingerprint loads a task by its content fingerprint.
func (s *Store) GetTaskByFingerprint(ctx context.Context, fp identity.Fingerprint) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT fingerprint, client_id, parameter_t, parameter_baseg, product,
               difficulty, created_at, first_assignment_id, second_assignment_id,
               assignments_count
        FROM tasks WHERE fingerprint = ?
    `, fp.Hex())
	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTaskAssignments writes back the mutable assignment-linkage fields.
func (s *Store) UpdateTaskAssignments(ctx context.Context, t *types.Task) error {
	if t == nil {
		return fmt.Errorf("nil task")
	}
	_, err := s.db.ExecContext(ctx, `
        UPDATE tasks SET
            first_assignment_id = ?,
            second_assignment_id = ?,
            assignments_count = ?
        WHERE fingerprint = ?
    `, nullableString(t.FirstAssignment), nullableString(t.SecondAssignment),
		t.Assignments, t.Fingerprint.Hex())
	if err != nil {
		return fmt.Errorf("update task assignments: %w", err)
	}
	return nil
}

// ListUnassignedTasks returns tasks the sweep should try to place: no
// assignment has been made yet.
func (s *Store) ListUnassignedTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT fingerprint, client_id, parameter_t, parameter_baseg, product,
               difficulty, created_at, first_assignment_id, second_assignment_id,
               assignments_count
        FROM tasks WHERE assignments_count = 0
        ORDER BY created_at
    `)
	if err != nil {
		return nil, fmt.Errorf("list unassigned tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// InsertAssignment persists a new task assignment.
func (s *Store) InsertAssignment(ctx context.Context, a *types.Assignment) error {
	if a == nil {
		return fmt.Errorf("nil assignment")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO task_assignments(
            id, task_key, solver_id, created_at,
            delivery_deadline, complaint_deadline,
            delivered_at, elapsed_ns, delivered_in_time, validity,
            answer, complaint_id)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, a.Key, a.TaskKey.Hex(), a.Solver.Hex(), a.CreatedAt.UnixNano(),
		a.DeliveryDeadline.UnixNano(), a.ComplaintDeadline.UnixNano(),
		nullableTime(a.DeliveredAt), int64(a.Elapsed),
		nullableBool(a.DeliveredInTime), nullableBool(a.Validity),
		a.Answer, a.ComplaintID)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// GetAssignment loads an assignment by its key.
func (s *Store) GetAssignment(ctx context.Context, key string) (*types.Assignment, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, task_key, solver_id, created_at,
               delivery_deadline, complaint_deadline,
               delivered_at, elapsed_ns, delivered_in_time, validity,
               answer, complaint_id
        FROM task_assignments WHERE id = ?
    `, key)
	return scanAssignment(row)
}

// UpdateAssignment writes back the delivery and complaint linkage fields.
func (s *Store) UpdateAssignment(ctx context.Context, a *types.Assignment) error {
	if a == nil {
		return fmt.Errorf("nil assignment")
	}
	_, err := s.db.ExecContext(ctx, `
        UPDATE task_assignments SET
            delivered_at = ?,
            elapsed_ns = ?,
            delivered_in_time = ?,
            validity = ?,
            answer = ?,
            complaint_id = ?
        WHERE id = ?
    `, nullableTime(a.DeliveredAt), int64(a.Elapsed),
		nullableBool(a.DeliveredInTime), nullableBool(a.Validity),
		a.Answer, a.ComplaintID, a.Key)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	return nil
}

// GetAssignmentsByTaskKey lists all assignments for a task, oldest first.
func (s *Store) GetAssignmentsByTaskKey(ctx context.Context, taskKey identity.Fingerprint) ([]*types.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, task_key, solver_id, created_at,
               delivery_deadline, complaint_deadline,
               delivered_at, elapsed_ns, delivered_in_time, validity,
               answer, complaint_id
        FROM task_assignments WHERE task_key = ?
        ORDER BY created_at
    `, taskKey.Hex())
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []*types.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListExpiredAssignments returns undelivered assignments whose delivery
// deadline has passed and whose expiry has not been recorded yet.
func (s *Store) ListExpiredAssignments(ctx context.Context, now time.Time) ([]*types.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, task_key, solver_id, created_at,
               delivery_deadline, complaint_deadline,
               delivered_at, elapsed_ns, delivered_in_time, validity,
               answer, complaint_id
        FROM task_assignments
        WHERE delivered_at IS NULL AND delivered_in_time IS NULL AND delivery_deadline < ?
        ORDER BY delivery_deadline
    `, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list expired assignments: %w", err)
	}
	defer rows.Close()

	var out []*types.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertComplaint persists a freshly filed complaint.
func (s *Store) InsertComplaint(ctx context.Context, c *types.Complaint) error {
	if c == nil {
		return fmt.Errorf("nil complaint")
	}
	result := c.Result
	if result == "" {
		result = types.ComplaintPending
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO complaints(id, client_id, solver_id, assignment_id, created_at, resolved_at, result)
        VALUES(?, ?, ?, ?, ?, ?, ?)
    `, c.ID, c.Client.Hex(), c.Solver.Hex(), c.AssignmentKey,
		c.CreatedAt.UnixNano(), nullableTime(c.ResolvedAt), string(result))
	if err != nil {
		return fmt.Errorf("insert complaint: %w", err)
	}
	return nil
}

// GetComplaint loads a complaint by id.
func (s *Store) GetComplaint(ctx context.Context, id string) (*types.Complaint, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, client_id, solver_id, assignment_id, created_at, resolved_at, result
        FROM complaints WHERE id = ?
    `, id)

	var (
		c                 types.Complaint
		clientHex, solHex string
		createdNS         int64
		resolvedNS        sql.NullInt64
		result            string
	)
	err := row.Scan(&c.ID, &clientHex, &solHex, &c.AssignmentKey, &createdNS, &resolvedNS, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get complaint: %w", err)
	}
	if c.Client, err = identity.FromHex(clientHex); err != nil {
		return nil, fmt.Errorf("get complaint: %w", err)
	}
	if c.Solver, err = identity.FromHex(solHex); err != nil {
		return nil, fmt.Errorf("get complaint: %w", err)
	}
	c.CreatedAt = time.Unix(0, createdNS)
	if resolvedNS.Valid {
		at := time.Unix(0, resolvedNS.Int64)
		c.ResolvedAt = &at
	}
	c.Result = types.ComplaintResult(result)
	return &c, nil
}

// ResolveComplaint records the terminal outcome for a pending complaint.
// Returns ErrNotFound when no pending complaint with the id exists, which
// also covers the already-resolved case at the row level.
func (s *Store) ResolveComplaint(ctx context.Context, id string, result types.ComplaintResult, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE complaints SET result = ?, resolved_at = ?
        WHERE id = ? AND result = 'pending'
    `, string(result), at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("resolve complaint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve complaint: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t                 types.Task
		fpHex, clientHex  string
		basegStr, prodStr string
		createdNS         int64
		first, second     sql.NullString
	)
	err := row.Scan(&fpHex, &clientHex, &t.T, &basegStr, &prodStr,
		&t.Difficulty, &createdNS, &first, &second, &t.Assignments)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if t.Fingerprint, err = identity.FromHex(fpHex); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if t.Client, err = identity.FromHex(clientHex); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	var ok bool
	if t.BaseG, ok = new(big.Int).SetString(basegStr, 10); !ok {
		return nil, fmt.Errorf("scan task: malformed baseg %q", basegStr)
	}
	if t.Product, ok = new(big.Int).SetString(prodStr, 10); !ok {
		return nil, fmt.Errorf("scan task: malformed product %q", prodStr)
	}
	t.CreatedAt = time.Unix(0, createdNS)
	t.FirstAssignment = first.String
	t.SecondAssignment = second.String
	return &t, nil
}

func scanAssignment(row rowScanner) (*types.Assignment, error) {
	var (
		a                 types.Assignment
		taskHex, solHex   string
		createdNS         int64
		deliveryNS        int64
		complaintNS       int64
		deliveredNS       sql.NullInt64
		elapsedNS         int64
		inTime, validity  sql.NullInt64
	)
	err := row.Scan(&a.Key, &taskHex, &solHex, &createdNS,
		&deliveryNS, &complaintNS,
		&deliveredNS, &elapsedNS, &inTime, &validity,
		&a.Answer, &a.ComplaintID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan assignment: %w", err)
	}
	if a.TaskKey, err = identity.FromHex(taskHex); err != nil {
		return nil, fmt.Errorf("scan assignment: %w", err)
	}
	if a.Solver, err = identity.FromHex(solHex); err != nil {
		return nil, fmt.Errorf("scan assignment: %w", err)
	}
	a.CreatedAt = time.Unix(0, createdNS)
	a.DeliveryDeadline = time.Unix(0, deliveryNS)
	a.ComplaintDeadline = time.Unix(0, complaintNS)
	if deliveredNS.Valid {
		at := time.Unix(0, deliveredNS.Int64)
		a.DeliveredAt = &at
	}
	a.Elapsed = time.Duration(elapsedNS)
	a.DeliveredInTime = intToBoolPtr(inTime)
	a.Validity = intToBoolPtr(validity)
	return &a, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixNano()
}

func nullableBool(v *bool) any {
	if v == nil {
		return nil
	}
	return boolToInt(*v)
}

func intToBoolPtr(v sql.NullInt64) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Int64 != 0
	return &b
}

// Package engine owns the task state machine: creation, solver assignment,
// delivery and the periodic reassignment sweep. The engine never touches the
// transport or the guard's ban state directly; every operation returns the
// outbound envelopes for a thin dispatcher to apply, keeping the state
// machine independently testable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"tlpbroker/guard"
	"tlpbroker/identity"
	"tlpbroker/puzzle"
	"tlpbroker/storage"
	"tlpbroker/types"
	"tlpbroker/wire"
)

var (
	// ErrInvalidParameters flags a puzzle submission whose t, baseg or
	// product is missing, unparseable or non-positive.
	ErrInvalidParameters = errors.New("engine: invalid puzzle parameters")
	// ErrNoSolverAvailable means no online solver could take the task; the
	// sweep retries later.
	ErrNoSolverAvailable = errors.New("engine: no solver available")
	// ErrAlreadyDelivered rejects a duplicate response for an assignment
	// that already has a recorded delivery.
	ErrAlreadyDelivered = errors.New("engine: assignment already delivered")
	// ErrAssignmentsExhausted guards the two-assignment cap per task.
	ErrAssignmentsExhausted = errors.New("engine: assignment slots exhausted")
	// ErrAssignmentNotFound is returned for responses referencing an
	// unknown assignment key.
	ErrAssignmentNotFound = errors.New("engine: assignment not found")
)

// maxSquaringDepth caps the exponent depth accepted from clients so the
// difficulty evaluation cannot be used to allocate absurd big integers.
const maxSquaringDepth = 1 << 24

// Store is the persistence surface the engine needs.
type Store interface {
	InsertTask(ctx context.Context, t *types.Task) error
	GetTaskByFingerprint(ctx context.Context, fp identity.Fingerprint) (*types.Task, error)
	UpdateTaskAssignments(ctx context.Context, t *types.Task) error
	ListUnassignedTasks(ctx context.Context) ([]*types.Task, error)

	InsertAssignment(ctx context.Context, a *types.Assignment) error
	GetAssignment(ctx context.Context, key string) (*types.Assignment, error)
	UpdateAssignment(ctx context.Context, a *types.Assignment) error
	ListExpiredAssignments(ctx context.Context, now time.Time) ([]*types.Assignment, error)

	GetPeerByIdentity(ctx context.Context, fp identity.Fingerprint) (*types.Peer, error)
	UpsertPeer(ctx context.Context, p *types.Peer) error
}

// SolverDirectory is the registry view used for solver selection.
type SolverDirectory interface {
	OnlineSolvers() []identity.Fingerprint
}

// Outbound is one envelope the dispatcher should seal and deliver.
type Outbound struct {
	To  identity.Fingerprint
	Env wire.Envelope
}

// Config holds the lifecycle deadlines.
type Config struct {
	// DeliveryDeadline is the offset from assignment to the latest
	// on-time delivery.
	DeliveryDeadline time.Duration
	// ComplaintDeadline is the offset from assignment to the latest
	// accepted dispute.
	ComplaintDeadline time.Duration
}

// DefaultConfig mirrors the production offsets: deliver within 8 hours,
// dispute within 24.
func DefaultConfig() Config {
	return Config{
		DeliveryDeadline:  8 * time.Hour,
		ComplaintDeadline: 24 * time.Hour,
	}
}

// Engine drives the task lifecycle.
type Engine struct {
	cfg     Config
	store   Store
	solvers SolverDirectory
	logger  *slog.Logger
}

// New constructs an engine. Zero deadline fields fall back to the defaults.
func New(cfg Config, store Store, solvers SolverDirectory, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.DeliveryDeadline <= 0 {
		cfg.DeliveryDeadline = def.DeliveryDeadline
	}
	if cfg.ComplaintDeadline <= 0 {
		cfg.ComplaintDeadline = def.ComplaintDeadline
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, store: store, solvers: solvers, logger: logger.With(slog.String("component", "engine"))}
}

// CreateTask validates a puzzle submission, computes its difficulty tag and
// persists the task. The caller follows up with AssignTask; the sweep covers
// the case where that immediate attempt finds no solver.
func (e *Engine) CreateTask(ctx context.Context, client identity.Fingerprint, payload wire.TLPPayload, now time.Time) (*types.Task, error) {
	t, baseg, product, err := parseParameters(payload)
	if err != nil {
		return nil, err
	}

	task := &types.Task{
		Client:     client,
		T:          t,
		BaseG:      baseg,
		Product:    product,
		Difficulty: puzzle.Difficulty(product, baseg, t),
		CreatedAt:  now,
	}
	task.Fingerprint = taskFingerprint(task)

	if err := e.store.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	if err := e.mutatePeer(ctx, client, types.RoleClient, func(p *types.Peer) {
		p.TasksRequested++
	}); err != nil {
		return nil, err
	}

	e.logger.Info("task created",
		slog.String("task", task.Fingerprint.Hex()),
		slog.Int("difficulty", task.Difficulty),
		slog.Uint64("t", task.T))
	return task, nil
}

// AssignTask offers the task to an online solver, filling the first empty
// assignment slot. Returns ErrNoSolverAvailable when nobody is online and
// ErrAssignmentsExhausted once both slots are used.
func (e *Engine) AssignTask(ctx context.Context, task *types.Task, now time.Time) (*types.Assignment, []Outbound, error) {
	if task.Assignments >= types.MaxAssignments {
		return nil, nil, ErrAssignmentsExhausted
	}

	solver, err := e.selectSolver(ctx, task)
	if err != nil {
		return nil, nil, err
	}

	assignment := &types.Assignment{
		Key:               uuid.NewString(),
		TaskKey:           task.Fingerprint,
		Solver:            solver,
		CreatedAt:         now,
		DeliveryDeadline:  now.Add(e.cfg.DeliveryDeadline),
		ComplaintDeadline: now.Add(e.cfg.ComplaintDeadline),
	}
	if err := e.store.InsertAssignment(ctx, assignment); err != nil {
		return nil, nil, fmt.Errorf("persist assignment: %w", err)
	}

	if task.FirstAssignment == "" {
		task.FirstAssignment = assignment.Key
	} else {
		task.SecondAssignment = assignment.Key
	}
	task.Assignments++
	if err := e.store.UpdateTaskAssignments(ctx, task); err != nil {
		return nil, nil, fmt.Errorf("link assignment: %w", err)
	}

	if err := e.mutatePeer(ctx, solver, types.RoleSolver, func(p *types.Peer) {
		p.TasksTaken++
	}); err != nil {
		return nil, nil, err
	}

	env, err := wire.NewEnvelope(wire.MsgSolverRequest, wire.SolverRequestPayload{
		T:             fmt.Sprintf("%d", task.T),
		BaseG:         task.BaseG.String(),
		Product:       task.Product.String(),
		AssignmentKey: assignment.Key,
	})
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("task assigned",
		slog.String("task", task.Fingerprint.Hex()),
		slog.String("assignment", assignment.Key),
		slog.Int("slot", task.Assignments))
	return assignment, []Outbound{{To: solver, Env: env}}, nil
}

// selectSolver picks the first available online solver, skipping the one
// that already failed the task when an alternative exists. Reputation-ranked
// selection is a declared future improvement.
func (e *Engine) selectSolver(ctx context.Context, task *types.Task) (identity.Fingerprint, error) {
	online := e.solvers.OnlineSolvers()
	if len(online) == 0 {
		return identity.Fingerprint{}, ErrNoSolverAvailable
	}

	var previous identity.Fingerprint
	if task.FirstAssignment != "" {
		if prior, err := e.store.GetAssignment(ctx, task.FirstAssignment); err == nil {
			previous = prior.Solver
		}
	}

	for _, fp := range online {
		if fp != previous {
			return fp, nil
		}
	}
	// Only the previous solver is online; giving it a second chance beats
	// leaving the task stranded.
	return online[0], nil
}

// OnSolverResponse records a delivery, updates the solver's counters and
// reputation, and produces the answer envelope for the originating client.
// Duplicate responses are rejected with ErrAlreadyDelivered.
func (e *Engine) OnSolverResponse(ctx context.Context, payload wire.SolverResponsePayload, now time.Time) ([]Outbound, error) {
	assignment, err := e.store.GetAssignment(ctx, payload.AssignmentKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, payload.AssignmentKey)
	}
	if assignment.Delivered() {
		return nil, ErrAlreadyDelivered
	}

	deliveredAt := now
	inTime := deliveredAt.Before(assignment.DeliveryDeadline)
	valid := true
	assignment.DeliveredAt = &deliveredAt
	assignment.Elapsed = deliveredAt.Sub(assignment.CreatedAt)
	assignment.DeliveredInTime = &inTime
	assignment.Validity = &valid
	assignment.Answer = payload.Answer
	if err := e.store.UpdateAssignment(ctx, assignment); err != nil {
		return nil, fmt.Errorf("record delivery: %w", err)
	}

	if err := e.mutatePeer(ctx, assignment.Solver, types.RoleSolver, func(p *types.Peer) {
		p.TasksDelivered++
		if !inTime {
			p.TasksExpired++
		}
		p.SuccessRate = guard.SuccessRate(p.TasksDelivered, p.TasksTaken)
		p.Reputation = guard.Reputation(p.TasksDelivered, p.TasksTaken)
	}); err != nil {
		return nil, err
	}

	task, err := e.store.GetTaskByFingerprint(ctx, assignment.TaskKey)
	if err != nil {
		return nil, fmt.Errorf("load task for delivery: %w", err)
	}

	if err := e.mutatePeer(ctx, task.Client, types.RoleClient, func(p *types.Peer) {
		p.TasksReceived++
	}); err != nil {
		return nil, err
	}

	env, err := wire.NewEnvelope(wire.MsgTLPResponse, wire.TLPResponsePayload{
		Fingerprint: task.Fingerprint.Hex(),
		Answer:      payload.Answer,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("assignment delivered",
		slog.String("assignment", assignment.Key),
		slog.Bool("in_time", inTime),
		slog.Duration("elapsed", assignment.Elapsed))
	return []Outbound{{To: task.Client, Env: env}}, nil
}

// SweepOnce performs one pass of the background scheduler: unassigned tasks
// get their first assignment, expired first assignments get the second and
// final one. Per-task failures are logged and skipped so one bad row cannot
// stall the sweep.
func (e *Engine) SweepOnce(ctx context.Context, now time.Time) []Outbound {
	var out []Outbound

	unassigned, err := e.store.ListUnassignedTasks(ctx)
	if err != nil {
		e.logger.Warn("sweep: list unassigned tasks", slog.Any("error", err))
	}
	for _, task := range unassigned {
		_, msgs, err := e.AssignTask(ctx, task, now)
		if err != nil {
			if !errors.Is(err, ErrNoSolverAvailable) {
				e.logger.Warn("sweep: assign task",
					slog.String("task", task.Fingerprint.Hex()),
					slog.Any("error", err))
			}
			continue
		}
		out = append(out, msgs...)
	}

	expired, err := e.store.ListExpiredAssignments(ctx, now)
	if err != nil {
		e.logger.Warn("sweep: list expired assignments", slog.Any("error", err))
	}
	for _, assignment := range expired {
		msgs, err := e.reassignExpired(ctx, assignment, now)
		if err != nil {
			if !errors.Is(err, ErrNoSolverAvailable) {
				e.logger.Warn("sweep: reassign expired",
					slog.String("assignment", assignment.Key),
					slog.Any("error", err))
			}
			continue
		}
		out = append(out, msgs...)
	}
	return out
}

// reassignExpired offers the lapsed assignment's task to another solver and
// records the expiry. The expiry mark is written only once no retry is
// pending: marking it while no solver is online would drop the row from the
// expired scan with the task still one assignment short, stranding it.
func (e *Engine) reassignExpired(ctx context.Context, assignment *types.Assignment, now time.Time) ([]Outbound, error) {
	task, err := e.store.GetTaskByFingerprint(ctx, assignment.TaskKey)
	if err != nil {
		return nil, fmt.Errorf("load task for reassignment: %w", err)
	}
	if task.Assignments >= types.MaxAssignments {
		return nil, e.markExpired(ctx, assignment)
	}
	_, msgs, err := e.AssignTask(ctx, task, now)
	if err != nil {
		return nil, err
	}
	if err := e.markExpired(ctx, assignment); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (e *Engine) markExpired(ctx context.Context, assignment *types.Assignment) error {
	expired := false
	assignment.DeliveredInTime = &expired
	if err := e.store.UpdateAssignment(ctx, assignment); err != nil {
		return fmt.Errorf("record expiry: %w", err)
	}
	return nil
}

// RunSweep runs SweepOnce on the given interval until the context is
// cancelled, handing each batch of outbound envelopes to dispatch.
func (e *Engine) RunSweep(ctx context.Context, interval time.Duration, dispatch func(context.Context, []Outbound)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("sweep started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sweep stopped")
			return
		case now := <-ticker.C:
			if out := e.SweepOnce(ctx, now); len(out) > 0 {
				dispatch(ctx, out)
			}
		}
	}
}

// mutatePeer applies fn to the peer row, creating it lazily on first
// contact. Only a missing row triggers creation; transient read failures
// propagate so lifetime counters are never overwritten from scratch.
func (e *Engine) mutatePeer(ctx context.Context, fp identity.Fingerprint, role types.Role, fn func(*types.Peer)) error {
	peer, err := e.store.GetPeerByIdentity(ctx, fp)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		peer = &types.Peer{
			Fingerprint: fp,
			Role:        role,
			Connected:   true,
			CreatedAt:   time.Now(),
		}
	case err != nil:
		return fmt.Errorf("load peer %s: %w", fp.Hex(), err)
	}
	fn(peer)
	if err := e.store.UpsertPeer(ctx, peer); err != nil {
		return fmt.Errorf("update peer counters: %w", err)
	}
	return nil
}

func parseParameters(payload wire.TLPPayload) (uint64, *big.Int, *big.Int, error) {
	raw := strings.TrimSpace(payload.T)
	if raw == "" {
		return 0, nil, nil, fmt.Errorf("%w: missing t", ErrInvalidParameters)
	}
	t, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || t == 0 {
		return 0, nil, nil, fmt.Errorf("%w: t must be a positive integer", ErrInvalidParameters)
	}
	if t > maxSquaringDepth {
		return 0, nil, nil, fmt.Errorf("%w: t exceeds maximum depth", ErrInvalidParameters)
	}
	baseg, err := parsePositive(payload.BaseG, "baseg")
	if err != nil {
		return 0, nil, nil, err
	}
	product, err := parsePositive(payload.Product, "product")
	if err != nil {
		return 0, nil, nil, err
	}
	return t, baseg, product, nil
}

func parsePositive(value, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a decimal integer", ErrInvalidParameters, field)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidParameters, field)
	}
	return v, nil
}

// taskFingerprint derives the task's content fingerprint from the owning
// client, the creation instant and the puzzle parameters.
func taskFingerprint(task *types.Task) identity.Fingerprint {
	input := fmt.Sprintf("%s:%d:%d:%s:%s",
		task.Client.Hex(), task.CreatedAt.UnixNano(),
		task.T, task.BaseG.String(), task.Product.String())
	sum := blake3.Sum256([]byte(input))
	var fp identity.Fingerprint
	copy(fp[:], sum[:identity.Size])
	return fp
}

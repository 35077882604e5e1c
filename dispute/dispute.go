// Package dispute handles client complaints about delivered answers: filing
// against an assignment, the one-shot resolution, and the reputation
// bookkeeping on both sides.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tlpbroker/engine"
	"tlpbroker/identity"
	"tlpbroker/storage"
	"tlpbroker/types"
	"tlpbroker/wire"
)

var (
	// ErrAssignmentNotFound is returned for complaints referencing an
	// unknown assignment key.
	ErrAssignmentNotFound = errors.New("dispute: assignment not found")
	// ErrNotOwner rejects complaints from anyone but the task's client.
	ErrNotOwner = errors.New("dispute: complainant does not own the task")
	// ErrNotDelivered rejects complaints about assignments with no
	// recorded answer to dispute.
	ErrNotDelivered = errors.New("dispute: assignment has no delivery")
	// ErrWindowClosed rejects complaints filed past the assignment's
	// complaint deadline.
	ErrWindowClosed = errors.New("dispute: complaint window closed")
	// ErrAlreadyComplained guards the one-complaint-per-assignment rule.
	ErrAlreadyComplained = errors.New("dispute: assignment already disputed")
	// ErrComplaintNotFound is returned when resolving an unknown complaint.
	ErrComplaintNotFound = errors.New("dispute: complaint not found")
	// ErrAlreadyResolved rejects a second resolution of the same complaint.
	ErrAlreadyResolved = errors.New("dispute: complaint already resolved")
	// ErrInvalidResult rejects resolutions that are not upheld or rejected.
	ErrInvalidResult = errors.New("dispute: invalid resolution result")
)

// Store is the persistence surface the resolver needs.
type Store interface {
	GetAssignment(ctx context.Context, key string) (*types.Assignment, error)
	UpdateAssignment(ctx context.Context, a *types.Assignment) error
	GetTaskByFingerprint(ctx context.Context, fp identity.Fingerprint) (*types.Task, error)

	InsertComplaint(ctx context.Context, c *types.Complaint) error
	GetComplaint(ctx context.Context, id string) (*types.Complaint, error)
	ResolveComplaint(ctx context.Context, id string, result types.ComplaintResult, resolvedAt time.Time) error

	GetPeerByIdentity(ctx context.Context, fp identity.Fingerprint) (*types.Peer, error)
	UpsertPeer(ctx context.Context, p *types.Peer) error
}

// Resolver files and settles complaints.
type Resolver struct {
	store  Store
	logger *slog.Logger
}

// New constructs a resolver.
func New(store Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, logger: logger.With(slog.String("component", "dispute"))}
}

// FileComplaint opens a dispute over a delivered assignment. Only the client
// that submitted the task may complain, at most once per assignment and only
// within the complaint window. Returns the acknowledgement envelope for the
// complainant.
func (r *Resolver) FileComplaint(ctx context.Context, client identity.Fingerprint, assignmentKey string, now time.Time) (*types.Complaint, []engine.Outbound, error) {
	assignment, err := r.store.GetAssignment(ctx, assignmentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentKey)
	}
	if !assignment.Delivered() {
		return nil, nil, ErrNotDelivered
	}
	if assignment.ComplaintID != "" {
		return nil, nil, ErrAlreadyComplained
	}
	if now.After(assignment.ComplaintDeadline) {
		return nil, nil, ErrWindowClosed
	}

	task, err := r.store.GetTaskByFingerprint(ctx, assignment.TaskKey)
	if err != nil {
		return nil, nil, fmt.Errorf("load task for complaint: %w", err)
	}
	if task.Client != client {
		return nil, nil, ErrNotOwner
	}

	complaint := &types.Complaint{
		ID:            uuid.NewString(),
		Client:        client,
		Solver:        assignment.Solver,
		AssignmentKey: assignment.Key,
		CreatedAt:     now,
		Result:        types.ComplaintPending,
	}
	if err := r.store.InsertComplaint(ctx, complaint); err != nil {
		return nil, nil, fmt.Errorf("persist complaint: %w", err)
	}

	assignment.ComplaintID = complaint.ID
	if err := r.store.UpdateAssignment(ctx, assignment); err != nil {
		return nil, nil, fmt.Errorf("link complaint: %w", err)
	}

	if err := r.mutatePeer(ctx, client, types.RoleClient, func(p *types.Peer) {
		p.TasksComplained++
	}); err != nil {
		return nil, nil, err
	}
	if err := r.mutatePeer(ctx, assignment.Solver, types.RoleSolver, func(p *types.Peer) {
		p.TasksComplainedOver++
	}); err != nil {
		return nil, nil, err
	}

	env, err := wire.NewEnvelope(wire.MsgComplaintResponse, wire.ComplaintResponsePayload{
		ComplaintID: complaint.ID,
	})
	if err != nil {
		return nil, nil, err
	}

	r.logger.Info("complaint filed",
		slog.String("complaint", complaint.ID),
		slog.String("assignment", assignment.Key))
	return complaint, []engine.Outbound{{To: client, Env: env}}, nil
}

// Resolve settles a pending complaint exactly once. A rejected complaint
// credits the solver with a won dispute; an upheld one marks the disputed
// answer invalid.
func (r *Resolver) Resolve(ctx context.Context, complaintID string, result types.ComplaintResult, now time.Time) (*types.Complaint, error) {
	if !result.Terminal() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResult, result)
	}

	complaint, err := r.store.GetComplaint(ctx, complaintID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrComplaintNotFound, complaintID)
	}
	if complaint.Result.Terminal() {
		return nil, ErrAlreadyResolved
	}

	if err := r.store.ResolveComplaint(ctx, complaintID, result, now); err != nil {
		return nil, fmt.Errorf("settle complaint: %w", err)
	}
	complaint.Result = result
	complaint.ResolvedAt = &now

	switch result {
	case types.ComplaintRejected:
		if err := r.mutatePeer(ctx, complaint.Solver, types.RoleSolver, func(p *types.Peer) {
			p.ComplaintsWon++
		}); err != nil {
			return nil, err
		}
	case types.ComplaintUpheld:
		assignment, err := r.store.GetAssignment(ctx, complaint.AssignmentKey)
		if err == nil {
			invalid := false
			assignment.Validity = &invalid
			if err := r.store.UpdateAssignment(ctx, assignment); err != nil {
				return nil, fmt.Errorf("invalidate answer: %w", err)
			}
		}
	}

	r.logger.Info("complaint resolved",
		slog.String("complaint", complaint.ID),
		slog.String("result", string(result)))
	return complaint, nil
}

// mutatePeer applies fn to the peer row, creating it lazily on first
// contact. Transient read failures propagate rather than resetting counters.
func (r *Resolver) mutatePeer(ctx context.Context, fp identity.Fingerprint, role types.Role, fn func(*types.Peer)) error {
	peer, err := r.store.GetPeerByIdentity(ctx, fp)
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
	if err := r.store.UpsertPeer(ctx, peer); err != nil {
		return fmt.Errorf("update peer counters: %w", err)
	}
	return nil
}

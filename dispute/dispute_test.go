package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"tlpbroker/identity"
	"tlpbroker/storage"
	"tlpbroker/types"
	"tlpbroker/wire"
)

type memStore struct {
	tasks       map[identity.Fingerprint]*types.Task
	assignments map[string]*types.Assignment
	complaints  map[string]*types.Complaint
	peers       map[identity.Fingerprint]*types.Peer
}

func newMemStore() *memStore {
	return &memStore{
		tasks:       make(map[identity.Fingerprint]*types.Task),
		assignments: make(map[string]*types.Assignment),
		complaints:  make(map[string]*types.Complaint),
		peers:       make(map[identity.Fingerprint]*types.Peer),
	}
}

var errMemNotFound = storage.ErrNotFound

func (m *memStore) GetAssignment(_ context.Context, key string) (*types.Assignment, error) {
	a, ok := m.assignments[key]
	if !ok {
		return nil, errMemNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) UpdateAssignment(_ context.Context, a *types.Assignment) error {
	if _, ok := m.assignments[a.Key]; !ok {
		return errMemNotFound
	}
	cp := *a
	m.assignments[a.Key] = &cp
	return nil
}

func (m *memStore) GetTaskByFingerprint(_ context.Context, fp identity.Fingerprint) (*types.Task, error) {
	t, ok := m.tasks[fp]
	if !ok {
		return nil, errMemNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) InsertComplaint(_ context.Context, c *types.Complaint) error {
	cp := *c
	m.complaints[c.ID] = &cp
	return nil
}

func (m *memStore) GetComplaint(_ context.Context, id string) (*types.Complaint, error) {
	c, ok := m.complaints[id]
	if !ok {
		return nil, errMemNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ResolveComplaint(_ context.Context, id string, result types.ComplaintResult, resolvedAt time.Time) error {
	c, ok := m.complaints[id]
	if !ok || c.Result.Terminal() {
		return errMemNotFound
	}
	c.Result = result
	c.ResolvedAt = &resolvedAt
	return nil
}

func (m *memStore) GetPeerByIdentity(_ context.Context, fp identity.Fingerprint) (*types.Peer, error) {
	p, ok := m.peers[fp]
	if !ok {
		return nil, errMemNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) UpsertPeer(_ context.Context, p *types.Peer) error {
	cp := *p
	m.peers[p.Fingerprint] = &cp
	return nil
}

// seedDelivery plants a task delivered by solver for client, returning the
// assignment key.
func seedDelivery(store *memStore, client, solver identity.Fingerprint, now time.Time) string {
	taskFP := identity.Derive("task-seed")
	deliveredAt := now.Add(-time.Hour)
	inTime := true
	valid := true
	store.tasks[taskFP] = &types.Task{
		Fingerprint:     taskFP,
		Client:          client,
		Assignments:     1,
		FirstAssignment: "assignment-1",
	}
	store.assignments["assignment-1"] = &types.Assignment{
		Key:               "assignment-1",
		TaskKey:           taskFP,
		Solver:            solver,
		CreatedAt:         now.Add(-2 * time.Hour),
		DeliveryDeadline:  now.Add(6 * time.Hour),
		ComplaintDeadline: now.Add(22 * time.Hour),
		DeliveredAt:       &deliveredAt,
		DeliveredInTime:   &inTime,
		Validity:          &valid,
		Answer:            "113",
	}
	return "assignment-1"
}

func TestFileComplaint(t *testing.T) {
	store := newMemStore()
	client := identity.Derive("alice")
	solver := identity.Derive("solver-1")
	now := time.Now()
	key := seedDelivery(store, client, solver, now)

	resolver := New(store, nil)
	complaint, out, err := resolver.FileComplaint(context.Background(), client, key, now)
	if err != nil {
		t.Fatalf("file complaint: %v", err)
	}
	if complaint.Result != types.ComplaintPending {
		t.Fatalf("new complaint must be pending, got %q", complaint.Result)
	}
	if complaint.Solver != solver || complaint.Client != client {
		t.Fatalf("complaint parties mismatch: %+v", complaint)
	}
	if len(out) != 1 || out[0].To != client || out[0].Env.Type != wire.MsgComplaintResponse {
		t.Fatalf("expected one complaintResponse to the client, got %+v", out)
	}
	var ack wire.ComplaintResponsePayload
	if err := out[0].Env.Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.ComplaintID != complaint.ID {
		t.Fatalf("ack must carry the complaint id")
	}

	linked, _ := store.GetAssignment(context.Background(), key)
	if linked.ComplaintID != complaint.ID {
		t.Fatalf("assignment must link its complaint")
	}
	if store.peers[client].TasksComplained != 1 {
		t.Fatalf("client complained-count must increment")
	}
	if store.peers[solver].TasksComplainedOver != 1 {
		t.Fatalf("solver complained-over-count must increment")
	}
}

func TestFileComplaintRejections(t *testing.T) {
	client := identity.Derive("alice")
	solver := identity.Derive("solver-1")
	stranger := identity.Derive("mallory")
	now := time.Now()

	t.Run("unknown assignment", func(t *testing.T) {
		resolver := New(newMemStore(), nil)
		if _, _, err := resolver.FileComplaint(context.Background(), client, "missing", now); !errors.Is(err, ErrAssignmentNotFound) {
			t.Fatalf("expected ErrAssignmentNotFound, got %v", err)
		}
	})

	t.Run("not the owner", func(t *testing.T) {
		store := newMemStore()
		key := seedDelivery(store, client, solver, now)
		resolver := New(store, nil)
		if _, _, err := resolver.FileComplaint(context.Background(), stranger, key, now); !errors.Is(err, ErrNotOwner) {
			t.Fatalf("expected ErrNotOwner, got %v", err)
		}
	})

	t.Run("no delivery yet", func(t *testing.T) {
		store := newMemStore()
		key := seedDelivery(store, client, solver, now)
		a := store.assignments[key]
		a.DeliveredAt = nil
		resolver := New(store, nil)
		if _, _, err := resolver.FileComplaint(context.Background(), client, key, now); !errors.Is(err, ErrNotDelivered) {
			t.Fatalf("expected ErrNotDelivered, got %v", err)
		}
	})

	t.Run("window closed", func(t *testing.T) {
		store := newMemStore()
		key := seedDelivery(store, client, solver, now)
		resolver := New(store, nil)
		late := now.Add(23 * time.Hour)
		if _, _, err := resolver.FileComplaint(context.Background(), client, key, late); !errors.Is(err, ErrWindowClosed) {
			t.Fatalf("expected ErrWindowClosed, got %v", err)
		}
	})

	t.Run("second complaint", func(t *testing.T) {
		store := newMemStore()
		key := seedDelivery(store, client, solver, now)
		resolver := New(store, nil)
		if _, _, err := resolver.FileComplaint(context.Background(), client, key, now); err != nil {
			t.Fatalf("first complaint: %v", err)
		}
		if _, _, err := resolver.FileComplaint(context.Background(), client, key, now); !errors.Is(err, ErrAlreadyComplained) {
			t.Fatalf("expected ErrAlreadyComplained, got %v", err)
		}
	})
}

// flakyPeerStore injects read failures on the peer table.
type flakyPeerStore struct {
	*memStore
	failReads int
}

func (f *flakyPeerStore) GetPeerByIdentity(ctx context.Context, fp identity.Fingerprint) (*types.Peer, error) {
	if f.failReads > 0 {
		f.failReads--
		return nil, errors.New("database is locked")
	}
	return f.memStore.GetPeerByIdentity(ctx, fp)
}

func TestFileComplaintPeerReadFailurePreservesCounters(t *testing.T) {
	store := &flakyPeerStore{memStore: newMemStore()}
	client := identity.Derive("alice")
	solver := identity.Derive("solver-1")
	now := time.Now()
	key := seedDelivery(store.memStore, client, solver, now)
	store.peers[client] = &types.Peer{Fingerprint: client, Role: types.RoleClient, TasksComplained: 3}

	resolver := New(store, nil)
	store.failReads = 1
	if _, _, err := resolver.FileComplaint(context.Background(), client, key, now); err == nil {
		t.Fatalf("transient store failure must propagate")
	}
	if got := store.peers[client].TasksComplained; got != 3 {
		t.Fatalf("transient read failure wiped counters: complained = %d, want 3", got)
	}
}

func TestResolveRejected(t *testing.T) {
	store := newMemStore()
	client := identity.Derive("alice")
	solver := identity.Derive("solver-1")
	now := time.Now()
	key := seedDelivery(store, client, solver, now)

	resolver := New(store, nil)
	complaint, _, err := resolver.FileComplaint(context.Background(), client, key, now)
	if err != nil {
		t.Fatalf("file complaint: %v", err)
	}

	resolved, err := resolver.Resolve(context.Background(), complaint.ID, types.ComplaintRejected, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Result != types.ComplaintRejected || resolved.ResolvedAt == nil {
		t.Fatalf("resolution not recorded: %+v", resolved)
	}
	if store.peers[solver].ComplaintsWon != 1 {
		t.Fatalf("rejected complaint must credit the solver")
	}

	// The delivered answer stays valid.
	a, _ := store.GetAssignment(context.Background(), key)
	if a.Validity == nil || !*a.Validity {
		t.Fatalf("rejected complaint must not invalidate the answer")
	}
}

func TestResolveUpheld(t *testing.T) {
	store := newMemStore()
	client := identity.Derive("alice")
	solver := identity.Derive("solver-1")
	now := time.Now()
	key := seedDelivery(store, client, solver, now)

	resolver := New(store, nil)
	complaint, _, err := resolver.FileComplaint(context.Background(), client, key, now)
	if err != nil {
		t.Fatalf("file complaint: %v", err)
	}

	if _, err := resolver.Resolve(context.Background(), complaint.ID, types.ComplaintUpheld, now.Add(time.Hour)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	a, _ := store.GetAssignment(context.Background(), key)
	if a.Validity == nil || *a.Validity {
		t.Fatalf("upheld complaint must invalidate the answer")
	}
	if store.peers[solver].ComplaintsWon != 0 {
		t.Fatalf("upheld complaint must not credit the solver")
	}
}

func TestResolveOnce(t *testing.T) {
	store := newMemStore()
	client := identity.Derive("alice")
	solver := identity.Derive("solver-1")
	now := time.Now()
	key := seedDelivery(store, client, solver, now)

	resolver := New(store, nil)
	complaint, _, err := resolver.FileComplaint(context.Background(), client, key, now)
	if err != nil {
		t.Fatalf("file complaint: %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), complaint.ID, types.ComplaintRejected, now); err != nil {
		t.Fatalf("first resolution: %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), complaint.ID, types.ComplaintUpheld, now); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second resolution must fail, got %v", err)
	}
	if store.peers[solver].ComplaintsWon != 1 {
		t.Fatalf("counters must move exactly once")
	}
}

func TestResolveValidation(t *testing.T) {
	resolver := New(newMemStore(), nil)
	if _, err := resolver.Resolve(context.Background(), "missing", types.ComplaintRejected, time.Now()); !errors.Is(err, ErrComplaintNotFound) {
		t.Fatalf("expected ErrComplaintNotFound, got %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), "whatever", types.ComplaintPending, time.Now()); !errors.Is(err, ErrInvalidResult) {
		t.Fatalf("expected ErrInvalidResult, got %v", err)
	}
}

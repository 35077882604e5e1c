// Package types declares the broker's persisted domain records. The registry,
// engine, dispute resolver and store all exchange these structs; live
// connection state never appears here.
package types

import (
	"math/big"
	"time"

	"tlpbroker/identity"
)

// Role distinguishes the two peer populations sharing the peers table.
type Role string

const (
	RoleClient Role = "client"
	RoleSolver Role = "solver"
)

// Valid reports whether the role is one of the two known populations.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleSolver
}

// Peer aggregates the lifetime counters for a client or solver. Rows are
// created lazily on first contact and only ever marked offline, never deleted.
type Peer struct {
	Fingerprint identity.Fingerprint
	Role        Role
	Connected   bool
	CreatedAt   time.Time

	// Client-side counters.
	TasksRequested  uint64
	TasksReceived   uint64
	TasksComplained uint64

	// Solver-side counters.
	TasksTaken          uint64
	TasksDelivered      uint64
	TasksExpired        uint64
	TasksComplainedOver uint64
	ComplaintsWon       uint64

	SuccessRate float64
	Reputation  float64
}

// MaxAssignments bounds how many solvers a single task may be offered to.
const MaxAssignments = 2

// Task is one submitted puzzle. Puzzle parameters are immutable after
// creation; only the assignment linkage fields change.
type Task struct {
	Fingerprint identity.Fingerprint
	Client      identity.Fingerprint
	T           uint64
	BaseG       *big.Int
	Product     *big.Int
	Difficulty  int
	CreatedAt   time.Time

	FirstAssignment  string
	SecondAssignment string
	Assignments      int
}

// Assignment is one offer of a task to a solver, with its deadlines and the
// eventual delivery record. Terminal once delivery or expiry is recorded.
type Assignment struct {
	Key     string
	TaskKey identity.Fingerprint
	Solver  identity.Fingerprint

	CreatedAt         time.Time
	DeliveryDeadline  time.Time
	ComplaintDeadline time.Time

	DeliveredAt     *time.Time
	Elapsed         time.Duration
	DeliveredInTime *bool
	Validity        *bool
	Answer          string

	ComplaintID string
}

// Delivered reports whether a solver response has been recorded.
func (a *Assignment) Delivered() bool {
	return a != nil && a.DeliveredAt != nil
}

// ComplaintResult is the tri-state outcome of a dispute.
type ComplaintResult string

const (
	ComplaintPending  ComplaintResult = "pending"
	ComplaintUpheld   ComplaintResult = "upheld"
	ComplaintRejected ComplaintResult = "rejected"
)

// Terminal reports whether the result is a final outcome.
func (r ComplaintResult) Terminal() bool {
	return r == ComplaintUpheld || r == ComplaintRejected
}

// Complaint is a client dispute over a specific assignment. Created once,
// resolved once, immutable thereafter.
type Complaint struct {
	ID            string
	Client        identity.Fingerprint
	Solver        identity.Fingerprint
	AssignmentKey string
	CreatedAt     time.Time
	ResolvedAt    *time.Time
	Result        ComplaintResult
}

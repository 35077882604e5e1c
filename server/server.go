// Package server accepts websocket connections, authenticates peers through
// the encrypted handshake and routes the protocol's message types between
// clients, solvers and the task engine.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"tlpbroker/dispute"
	"tlpbroker/engine"
	"tlpbroker/guard"
	"tlpbroker/identity"
	"tlpbroker/registry"
	"tlpbroker/storage"
	"tlpbroker/types"
	"tlpbroker/wire"
)

// Store is the persistence surface the connection layer needs. The engine
// and dispute resolver carry their own store views.
type Store interface {
	GetPeerByIdentity(ctx context.Context, fp identity.Fingerprint) (*types.Peer, error)
	UpsertPeer(ctx context.Context, p *types.Peer) error
	SetPeerConnected(ctx context.Context, fp identity.Fingerprint, connected bool) error
	GetAssignmentsByTaskKey(ctx context.Context, taskKey identity.Fingerprint) ([]*types.Assignment, error)
}

// Config carries the connection-layer settings.
type Config struct {
	ListenAddress  string
	MetricsAddress string

	NetworkSecret  string
	HandshakeToken string

	HandshakeTimeout  time.Duration
	MessagesPerSecond int

	ReplacePolicy registry.ReplacePolicy
}

// Server is the broker's websocket front end.
type Server struct {
	cfg      Config
	store    Store
	registry *registry.Registry
	guard    *guard.Guard
	engine   *engine.Engine
	disputes *dispute.Resolver
	logger   *slog.Logger
	metrics  *brokerMetrics

	httpServer    *http.Server
	metricsServer *http.Server
}

// New wires the connection layer together.
func New(cfg Config, store Store, reg *registry.Registry, g *guard.Guard, eng *engine.Engine, disputes *dispute.Resolver, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: reg,
		guard:    g,
		engine:   eng,
		disputes: disputes,
		logger:   logger.With(slog.String("component", "server")),
		metrics:  newBrokerMetrics(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MetricsAddress != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s
}

// Run serves until the context is cancelled, then drains both listeners.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("listening", slog.String("address", s.cfg.ListenAddress))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if s.metricsServer != nil {
		go func() {
			s.logger.Info("metrics listening", slog.String("address", s.cfg.MetricsAddress))
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(shutdownCtx)
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

// Dispatch seals each envelope under its recipient's session key and hands
// it to the registry. Offline recipients are routine: the sweep retries
// assignments and everything else is best effort.
func (s *Server) Dispatch(ctx context.Context, out []engine.Outbound) {
	for _, msg := range out {
		frame, err := sealFor(s.cfg.NetworkSecret, msg.To, msg.Env)
		if err != nil {
			s.logger.Warn("seal outbound", slog.Any("error", err))
			continue
		}
		if err := s.registry.Send(ctx, msg.To, frame); err != nil {
			if !errors.Is(err, registry.ErrNotConnected) {
				s.logger.Warn("deliver outbound",
					slog.String("peer", msg.To.Hex()),
					slog.Any("error", err))
			}
			continue
		}
		s.metrics.recordMessage("out", msg.Env.Type)
	}
}

func sealFor(secret string, to identity.Fingerprint, env wire.Envelope) ([]byte, error) {
	plaintext, err := env.Encode()
	if err != nil {
		return nil, err
	}
	return wire.Seal(wire.SessionKey(secret, to), plaintext)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	peer, err := s.performHandshake(r.Context(), conn)
	if err != nil {
		s.metrics.recordHandshake("rejected")
		s.logger.Warn("handshake rejected", slog.Any("error", err))
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}
	s.metrics.recordHandshake("accepted")

	s.attach(r.Context(), peer)
	defer s.detach(peer)

	go peer.writeLoop()
	s.readLoop(r.Context(), peer)
}

// performHandshake runs the first exchange on a fresh connection: a frame
// sealed under the network-wide handshake key carrying the access token and
// the peer's claimed identity. The acknowledgement travels under the peer's
// session key, proving both sides derived it.
func (s *Server) performHandshake(ctx context.Context, conn *websocket.Conn) (*peerConn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	_, frame, err := conn.Read(hsCtx)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	plaintext, err := wire.Open(wire.HandshakeKey(s.cfg.NetworkSecret), frame)
	if err != nil {
		return nil, fmt.Errorf("open handshake: %w", err)
	}
	env, err := wire.DecodeEnvelope(plaintext)
	if err != nil {
		return nil, err
	}
	if env.Type != wire.MsgHandshake {
		return nil, fmt.Errorf("expected %s, got %s", wire.MsgHandshake, env.Type)
	}
	var hs wire.HandshakePayload
	if err := env.Decode(&hs); err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(hs.Token), []byte(s.cfg.HandshakeToken)) != 1 {
		return nil, fmt.Errorf("invalid access token")
	}
	fp, err := identity.FromHex(hs.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("invalid fingerprint: %w", err)
	}
	role := types.Role(hs.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", hs.Role)
	}
	if banned, until := s.guard.BanInfo(fp, time.Now()); banned {
		return nil, fmt.Errorf("peer %s banned until %s", fp.Hex(), until.Format(time.RFC3339))
	}

	peer := newPeerConn(fp, role, conn, wire.SessionKey(s.cfg.NetworkSecret, fp), s.cfg.MessagesPerSecond)

	ack, err := wire.NewEnvelope(wire.MsgHandshakeAck, wire.HandshakeAckPayload{Fingerprint: fp.Hex()})
	if err != nil {
		return nil, err
	}
	if err := s.writeNow(hsCtx, peer, ack); err != nil {
		return nil, fmt.Errorf("write handshake ack: %w", err)
	}
	return peer, nil
}

// writeNow seals and writes an envelope on the caller's goroutine, bypassing
// the outbound queue. Used before the write loop starts and for the exit
// acknowledgement that must land before the close frame.
func (s *Server) writeNow(ctx context.Context, peer *peerConn, env wire.Envelope) error {
	plaintext, err := env.Encode()
	if err != nil {
		return err
	}
	frame, err := wire.Seal(peer.sessionKey, plaintext)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := peer.conn.Write(writeCtx, websocket.MessageBinary, frame); err != nil {
		return err
	}
	s.metrics.recordMessage("out", env.Type)
	return nil
}

func (s *Server) attach(ctx context.Context, peer *peerConn) {
	displaced := s.registry.Register(peer.fp, peer.role, peer)
	if displaced {
		s.logger.Info("session replaced",
			slog.String("peer", peer.fp.Hex()),
			slog.String("role", string(peer.role)))
	}
	s.markConnected(ctx, peer, true)
	s.metrics.connectionOpened(string(peer.role))
	s.logger.Info("peer connected",
		slog.String("peer", peer.fp.Hex()),
		slog.String("role", string(peer.role)))
}

func (s *Server) detach(peer *peerConn) {
	peer.Close("session ended")
	removed := s.registry.Unregister(peer.fp, peer)
	s.metrics.connectionClosed(string(peer.role))
	if !removed {
		// A displaced connection cleaning up after itself must not mark
		// the live replacement session offline.
		s.logger.Info("displaced session closed", slog.String("peer", peer.fp.Hex()))
		return
	}
	// Persisting the offline mark uses a fresh context: the request context
	// is already dead on this path.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SetPeerConnected(ctx, peer.fp, false); err != nil {
		s.logger.Warn("mark peer offline",
			slog.String("peer", peer.fp.Hex()),
			slog.Any("error", err))
	}
	s.logger.Info("peer disconnected", slog.String("peer", peer.fp.Hex()))
}

func (s *Server) markConnected(ctx context.Context, peer *peerConn, connected bool) {
	rec, err := s.store.GetPeerByIdentity(ctx, peer.fp)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rec = &types.Peer{
			Fingerprint: peer.fp,
			Role:        peer.role,
			CreatedAt:   time.Now(),
		}
	case err != nil:
		// Never overwrite lifetime counters on a transient read failure.
		s.logger.Warn("load peer state",
			slog.String("peer", peer.fp.Hex()),
			slog.Any("error", err))
		return
	}
	rec.Connected = connected
	if err := s.store.UpsertPeer(ctx, rec); err != nil {
		s.logger.Warn("persist peer state",
			slog.String("peer", peer.fp.Hex()),
			slog.Any("error", err))
	}
}

// penalizeBanned zeroes the offender's stored reputation. Bans are the one
// path where reputation moves without a delivery event.
func (s *Server) penalizeBanned(ctx context.Context, peer *peerConn) {
	rec, err := s.store.GetPeerByIdentity(ctx, peer.fp)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		rec = &types.Peer{
			Fingerprint: peer.fp,
			Role:        peer.role,
			CreatedAt:   time.Now(),
		}
	case err != nil:
		s.logger.Warn("load peer for penalty",
			slog.String("peer", peer.fp.Hex()),
			slog.Any("error", err))
		return
	}
	rec.Reputation = 0
	if err := s.store.UpsertPeer(ctx, rec); err != nil {
		s.logger.Warn("persist reputation penalty",
			slog.String("peer", peer.fp.Hex()),
			slog.Any("error", err))
	}
}

func (s *Server) readLoop(ctx context.Context, peer *peerConn) {
	for {
		env, err := peer.readFrame(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("read frame",
					slog.String("peer", peer.fp.Hex()),
					slog.Any("error", err))
			}
			return
		}
		s.metrics.recordMessage("in", env.Type)

		now := time.Now()
		if !peer.limiter.Allow() {
			peer.Close("too many messages")
			return
		}
		if s.guard.RecordActivity(peer.fp, now) == guard.RateLimited {
			s.metrics.recordBan()
			s.penalizeBanned(ctx, peer)
			s.logger.Warn("peer banned",
				slog.String("peer", peer.fp.Hex()),
				slog.String("reason", "activity threshold exceeded"))
			peer.Close("rate limited")
			return
		}

		done, err := s.handleEnvelope(ctx, peer, env, now)
		if err != nil {
			s.logger.Warn("protocol violation",
				slog.String("peer", peer.fp.Hex()),
				slog.Any("error", err))
			peer.Close("unexpected message type")
			return
		}
		if done {
			return
		}
	}
}

// unknownMessage builds the dispatch error for a type outside the peer's
// closed message set.
func unknownMessage(role types.Role, msgType string) error {
	return fmt.Errorf("%w: %q for role %q", wire.ErrUnknownMessageType, msgType, role)
}

// handleEnvelope dispatches one message. The message set is closed per role;
// anything outside it surfaces as wire.ErrUnknownMessageType and terminates
// the session. Returns true when the session should end.
func (s *Server) handleEnvelope(ctx context.Context, peer *peerConn, env wire.Envelope, now time.Time) (bool, error) {
	switch peer.role {
	case types.RoleClient:
		switch env.Type {
		case wire.MsgPing:
			return s.handlePing(ctx, peer), nil
		case wire.MsgTLP:
			return s.handleTLP(ctx, peer, env, now), nil
		case wire.MsgComplaint:
			return s.handleComplaint(ctx, peer, env, now), nil
		case wire.MsgExit:
			return s.handleExit(ctx, peer), nil
		}
	case types.RoleSolver:
		switch env.Type {
		case wire.MsgPing:
			return s.handlePing(ctx, peer), nil
		case wire.MsgSolverResponse:
			return s.handleSolverResponse(ctx, peer, env, now), nil
		case wire.MsgStatusUpdate:
			return s.handleStatusUpdate(ctx, peer, env), nil
		case wire.MsgExit:
			return s.handleExit(ctx, peer), nil
		}
	}

	return true, unknownMessage(peer.role, env.Type)
}

func (s *Server) handlePing(ctx context.Context, peer *peerConn) bool {
	env, err := wire.NewEnvelope(wire.MsgPong, nil)
	if err != nil {
		return false
	}
	if err := peer.sendEnvelope(ctx, env); err != nil {
		s.logger.Debug("send pong", slog.Any("error", err))
	}
	return false
}

func (s *Server) handleTLP(ctx context.Context, peer *peerConn, env wire.Envelope, now time.Time) bool {
	var payload wire.TLPPayload
	if err := env.Decode(&payload); err != nil {
		s.logger.Warn("malformed tlp payload",
			slog.String("peer", peer.fp.Hex()),
			slog.Any("error", err))
		peer.Close("malformed payload")
		return true
	}

	task, err := s.engine.CreateTask(ctx, peer.fp, payload, now)
	if err != nil {
		s.logger.Warn("create task",
			slog.String("peer", peer.fp.Hex()),
			slog.Any("error", err))
		return false
	}
	s.metrics.recordTaskEvent("created")

	_, out, err := s.engine.AssignTask(ctx, task, now)
	if err != nil {
		if !errors.Is(err, engine.ErrNoSolverAvailable) {
			s.logger.Warn("assign task",
				slog.String("task", task.Fingerprint.Hex()),
				slog.Any("error", err))
		}
		return false
	}
	s.metrics.recordTaskEvent("assigned")
	s.Dispatch(ctx, out)
	return false
}

func (s *Server) handleComplaint(ctx context.Context, peer *peerConn, env wire.Envelope, now time.Time) bool {
	var payload wire.ComplaintPayload
	if err := env.Decode(&payload); err != nil {
		s.logger.Warn("malformed complaint payload",
			slog.String("peer", peer.fp.Hex()),
			slog.Any("error", err))
		peer.Close("malformed payload")
		return true
	}

	taskFP, err := identity.FromHex(payload.Complain)
	if err != nil {
		s.logger.Warn("complaint references invalid task",
			slog.String("peer", peer.fp.Hex()),
			slog.Any("error", err))
		return false
	}

	assignmentKey, err := s.latestDeliveredAssignment(ctx, taskFP)
	if err != nil {
		s.logger.Warn("complaint lookup",
			slog.String("peer", peer.fp.Hex()),
			slog.String("task", taskFP.Hex()),
			slog.Any("error", err))
		return false
	}

	_, out, err := s.disputes.FileComplaint(ctx, peer.fp, assignmentKey, now)
	if err != nil {
		s.logger.Warn("file complaint",
			slog.String("peer", peer.fp.Hex()),
			slog.String("assignment", assignmentKey),
			slog.Any("error", err))
		return false
	}
	s.metrics.recordTaskEvent("complained")
	s.Dispatch(ctx, out)
	return false
}

// latestDeliveredAssignment maps a complained-about task to the assignment
// being disputed: the most recent one with a recorded delivery.
func (s *Server) latestDeliveredAssignment(ctx context.Context, taskFP identity.Fingerprint) (string, error) {
	assignments, err := s.store.GetAssignmentsByTaskKey(ctx, taskFP)
	if err != nil {
		return "", err
	}
	for i := len(assignments) - 1; i >= 0; i-- {
		if assignments[i].Delivered() {
			return assignments[i].Key, nil
		}
	}
	return "", fmt.Errorf("task %s has no delivered assignment", taskFP.Hex())
}

func (s *Server) handleExit(ctx context.Context, peer *peerConn) bool {
	env, err := wire.NewEnvelope(wire.MsgExitResponse, nil)
	if err == nil {
		if err := s.writeNow(ctx, peer, env); err != nil {
			s.logger.Debug("send exit response", slog.Any("error", err))
		}
	}
	peer.Close("peer exit")
	return true
}

func (s *Server) handleSolverResponse(ctx context.Context, peer *peerConn, env wire.Envelope, now time.Time) bool {
	var payload wire.SolverResponsePayload
	if err := env.Decode(&payload); err != nil {
		s.logger.Warn("malformed solver response",
			slog.String("peer", peer.fp.Hex()),
			slog.Any("error", err))
		peer.Close("malformed payload")
		return true
	}

	out, err := s.engine.OnSolverResponse(ctx, payload, now)
	if err != nil {
		s.logger.Warn("solver response",
			slog.String("peer", peer.fp.Hex()),
			slog.String("assignment", payload.AssignmentKey),
			slog.Any("error", err))
		return false
	}
	s.metrics.recordTaskEvent("delivered")
	s.Dispatch(ctx, out)
	return false
}

// handleStatusUpdate toggles a solver's assignment eligibility without
// dropping the connection: an offline solver stays reachable for responses
// it already owes but receives no new work.
func (s *Server) handleStatusUpdate(ctx context.Context, peer *peerConn, env wire.Envelope) bool {
	var payload wire.StatusUpdatePayload
	if err := env.Decode(&payload); err != nil {
		s.logger.Warn("malformed status update",
			slog.String("peer", peer.fp.Hex()),
			slog.Any("error", err))
		peer.Close("malformed payload")
		return true
	}

	if payload.IsOnline {
		s.registry.Register(peer.fp, peer.role, peer)
	} else {
		s.registry.Unregister(peer.fp, peer)
	}
	s.markConnected(ctx, peer, payload.IsOnline)
	s.logger.Info("solver status",
		slog.String("peer", peer.fp.Hex()),
		slog.Bool("online", payload.IsOnline))
	return false
}

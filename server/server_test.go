package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

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

const (
	testSecret = "test-network-secret"
	testToken  = "x1Zf0o115HelloTestKey"
)

type testHarness struct {
	server *Server
	store  *storage.Store
	reg    *registry.Registry
	url    string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "broker.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(registry.ReplaceSilently)
	g := guard.New(guard.DefaultConfig())
	eng := engine.New(engine.DefaultConfig(), store, reg, nil)
	disputes := dispute.New(store, nil)

	srv := New(Config{
		NetworkSecret:    testSecret,
		HandshakeToken:   testToken,
		HandshakeTimeout: 5 * time.Second,
	}, store, reg, g, eng, disputes, nil)

	httpSrv := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(httpSrv.Close)

	return &testHarness{
		server: srv,
		store:  store,
		reg:    reg,
		url:    "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws",
	}
}

// testPeer drives one side of the protocol from the outside, the way a real
// client or solver binary would.
type testPeer struct {
	t          *testing.T
	conn       *websocket.Conn
	fp         identity.Fingerprint
	sessionKey []byte
}

func dialPeer(t *testing.T, h *testHarness, secret string, role types.Role) *testPeer {
	t.Helper()
	p := dialPeerToken(t, h, secret, role, testToken)
	ack := p.recv()
	if ack.Type != wire.MsgHandshakeAck {
		t.Fatalf("expected handshake ack, got %s", ack.Type)
	}
	return p
}

func dialPeerToken(t *testing.T, h *testHarness, secret string, role types.Role, token string) *testPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, h.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })

	fp := identity.Derive(secret)
	p := &testPeer{
		t:          t,
		conn:       conn,
		fp:         fp,
		sessionKey: wire.SessionKey(testSecret, fp),
	}

	hs, err := wire.NewEnvelope(wire.MsgHandshake, wire.HandshakePayload{
		Token:       token,
		Fingerprint: fp.Hex(),
		Role:        string(role),
	})
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	plaintext, err := hs.Encode()
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	frame, err := wire.Seal(wire.HandshakeKey(testSecret), plaintext)
	if err != nil {
		t.Fatalf("seal handshake: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	return p
}

func (p *testPeer) send(msgType string, payload any) {
	p.t.Helper()
	env, err := wire.NewEnvelope(msgType, payload)
	if err != nil {
		p.t.Fatalf("build %s: %v", msgType, err)
	}
	plaintext, err := env.Encode()
	if err != nil {
		p.t.Fatalf("encode %s: %v", msgType, err)
	}
	frame, err := wire.Seal(p.sessionKey, plaintext)
	if err != nil {
		p.t.Fatalf("seal %s: %v", msgType, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		p.t.Fatalf("send %s: %v", msgType, err)
	}
}

func (p *testPeer) recv() wire.Envelope {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, frame, err := p.conn.Read(ctx)
	if err != nil {
		p.t.Fatalf("read frame: %v", err)
	}
	plaintext, err := wire.Open(p.sessionKey, frame)
	if err != nil {
		p.t.Fatalf("open frame: %v", err)
	}
	env, err := wire.DecodeEnvelope(plaintext)
	if err != nil {
		p.t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestHandshakeAndPing(t *testing.T) {
	h := newHarness(t)
	client := dialPeer(t, h, "client-secret", types.RoleClient)

	client.send(wire.MsgPing, nil)
	if env := client.recv(); env.Type != wire.MsgPong {
		t.Fatalf("expected pong, got %s", env.Type)
	}
	if !h.reg.IsOnline(client.fp) {
		t.Fatalf("peer must be registered after the handshake")
	}
}

func TestHandshakeBadToken(t *testing.T) {
	h := newHarness(t)
	p := dialPeerToken(t, h, "client-secret", types.RoleClient, "wrong-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := p.conn.Read(ctx); err == nil {
		t.Fatalf("connection must be closed after a bad token")
	}
	if h.reg.IsOnline(p.fp) {
		t.Fatalf("rejected peer must not be registered")
	}
}

func TestTaskRoundTrip(t *testing.T) {
	h := newHarness(t)
	solver := dialPeer(t, h, "solver-secret", types.RoleSolver)
	client := dialPeer(t, h, "client-secret", types.RoleClient)

	client.send(wire.MsgTLP, wire.TLPPayload{T: "3", BaseG: "2", Product: "143"})

	req := solver.recv()
	if req.Type != wire.MsgSolverRequest {
		t.Fatalf("expected solver request, got %s", req.Type)
	}
	var request wire.SolverRequestPayload
	if err := req.Decode(&request); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if request.T != "3" || request.BaseG != "2" || request.Product != "143" {
		t.Fatalf("puzzle parameters must pass through: %+v", request)
	}
	if request.AssignmentKey == "" {
		t.Fatalf("request must carry an assignment key")
	}

	solver.send(wire.MsgSolverResponse, wire.SolverResponsePayload{
		AssignmentKey: request.AssignmentKey,
		Answer:        "113",
	})

	resp := client.recv()
	if resp.Type != wire.MsgTLPResponse {
		t.Fatalf("expected tlpResponse, got %s", resp.Type)
	}
	var answer wire.TLPResponsePayload
	if err := resp.Decode(&answer); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if answer.Answer != "113" {
		t.Fatalf("answer must pass through, got %q", answer.Answer)
	}
}

func TestComplaintRoundTrip(t *testing.T) {
	h := newHarness(t)
	solver := dialPeer(t, h, "solver-secret", types.RoleSolver)
	client := dialPeer(t, h, "client-secret", types.RoleClient)

	client.send(wire.MsgTLP, wire.TLPPayload{T: "3", BaseG: "2", Product: "143"})
	req := solver.recv()
	var request wire.SolverRequestPayload
	if err := req.Decode(&request); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	solver.send(wire.MsgSolverResponse, wire.SolverResponsePayload{
		AssignmentKey: request.AssignmentKey,
		Answer:        "42",
	})

	resp := client.recv()
	var answer wire.TLPResponsePayload
	if err := resp.Decode(&answer); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	client.send(wire.MsgComplaint, wire.ComplaintPayload{Complain: answer.Fingerprint})
	ack := client.recv()
	if ack.Type != wire.MsgComplaintResponse {
		t.Fatalf("expected complaintResponse, got %s", ack.Type)
	}
	var filed wire.ComplaintResponsePayload
	if err := ack.Decode(&filed); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if filed.ComplaintID == "" {
		t.Fatalf("ack must carry the complaint id")
	}
}

func TestExit(t *testing.T) {
	h := newHarness(t)
	client := dialPeer(t, h, "client-secret", types.RoleClient)

	client.send(wire.MsgExit, nil)
	if env := client.recv(); env.Type != wire.MsgExitResponse {
		t.Fatalf("expected exitResponse, got %s", env.Type)
	}

	// The broker closes the session after acknowledging.
	deadline := time.Now().Add(5 * time.Second)
	for h.reg.IsOnline(client.fp) {
		if time.Now().After(deadline) {
			t.Fatalf("peer must be unregistered after exit")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSolverStatusUpdate(t *testing.T) {
	h := newHarness(t)
	solver := dialPeer(t, h, "solver-secret", types.RoleSolver)

	solver.send(wire.MsgStatusUpdate, wire.StatusUpdatePayload{IsOnline: false})

	deadline := time.Now().Add(5 * time.Second)
	for h.reg.IsOnline(solver.fp) {
		if time.Now().After(deadline) {
			t.Fatalf("offline solver must leave the assignment pool")
		}
		time.Sleep(10 * time.Millisecond)
	}

	solver.send(wire.MsgStatusUpdate, wire.StatusUpdatePayload{IsOnline: true})
	deadline = time.Now().Add(5 * time.Second)
	for !h.reg.IsOnline(solver.fp) {
		if time.Now().After(deadline) {
			t.Fatalf("solver must rejoin the assignment pool")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUnknownMessageError(t *testing.T) {
	err := unknownMessage(types.RoleClient, "bogus")
	if !errors.Is(err, wire.ErrUnknownMessageType) {
		t.Fatalf("dispatch error must wrap wire.ErrUnknownMessageType, got %v", err)
	}
}

func TestUnknownMessageTypeCloses(t *testing.T) {
	h := newHarness(t)
	client := dialPeer(t, h, "client-secret", types.RoleClient)

	client.send("bogus", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := client.conn.Read(ctx); err == nil {
		t.Fatalf("unknown message type must terminate the session")
	}
}

func TestRateLimitBanAppliesPenalty(t *testing.T) {
	h := newHarness(t)
	solver := dialPeer(t, h, "solver-secret", types.RoleSolver)
	client := dialPeer(t, h, "client-secret", types.RoleClient)

	// Establish a positive reputation first so the penalty is observable.
	client.send(wire.MsgTLP, wire.TLPPayload{T: "3", BaseG: "2", Product: "143"})
	req := solver.recv()
	var request wire.SolverRequestPayload
	if err := req.Decode(&request); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	solver.send(wire.MsgSolverResponse, wire.SolverResponsePayload{
		AssignmentKey: request.AssignmentKey,
		Answer:        "113",
	})
	client.recv()

	waitFor(t, func() bool {
		rec, err := h.store.GetPeerByIdentity(context.Background(), solver.fp)
		return err == nil && rec.Reputation > 1
	}, "solver must earn reputation from the delivery")

	// Blow through the activity threshold.
	for i := 0; i < 30; i++ {
		env, err := wire.NewEnvelope(wire.MsgPing, nil)
		if err != nil {
			t.Fatalf("build ping: %v", err)
		}
		plaintext, _ := env.Encode()
		frame, _ := wire.Seal(solver.sessionKey, plaintext)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = solver.conn.Write(ctx, websocket.MessageBinary, frame)
		cancel()
		if err != nil {
			break
		}
	}

	waitFor(t, func() bool {
		rec, err := h.store.GetPeerByIdentity(context.Background(), solver.fp)
		return err == nil && rec.Reputation == 0
	}, "ban must zero the stored reputation")

	// A banned fingerprint cannot complete a new handshake.
	rejected := dialPeerToken(t, h, "solver-secret", types.RoleSolver, testToken)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := rejected.conn.Read(ctx); err == nil {
		t.Fatalf("banned peer must be rejected at the handshake")
	}
}

func TestDisplacedSessionKeepsPeerOnline(t *testing.T) {
	h := newHarness(t)
	first := dialPeer(t, h, "client-secret", types.RoleClient)
	second := dialPeer(t, h, "client-secret", types.RoleClient)

	// The stale connection's teardown must not mark the replacement's peer
	// row offline.
	first.conn.Close(websocket.StatusNormalClosure, "replaced")
	time.Sleep(100 * time.Millisecond)

	if !h.reg.IsOnline(second.fp) {
		t.Fatalf("replacement session must stay registered")
	}
	rec, err := h.store.GetPeerByIdentity(context.Background(), second.fp)
	if err != nil {
		t.Fatalf("load peer: %v", err)
	}
	if !rec.Connected {
		t.Fatalf("peer row must stay online while the replacement is live")
	}

	second.send(wire.MsgPing, nil)
	if env := second.recv(); env.Type != wire.MsgPong {
		t.Fatalf("replacement session must keep working, got %s", env.Type)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s", msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientCannotSendSolverMessages(t *testing.T) {
	h := newHarness(t)
	client := dialPeer(t, h, "client-secret", types.RoleClient)

	client.send(wire.MsgSolverResponse, wire.SolverResponsePayload{AssignmentKey: "x", Answer: "1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := client.conn.Read(ctx); err == nil {
		t.Fatalf("role violation must terminate the session")
	}
}

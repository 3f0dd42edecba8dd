package provision

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/storage"
	"github.com/dispatchd/dispatchd/internal/transport"
	"golang.org/x/crypto/ssh"
)

func newTestStorage(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLite(":memory:", "provision-test-secret")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeSSHServer accepts connections and runs every "exec" request through
// handle, draining any stdin sent and replying exit status 0 unless handle
// returns an error.
type fakeSSHServer struct {
	addr   string
	handle func(cmd string, stdin []byte) error

	mu     sync.Mutex
	seen   []string
	seenIn map[string][]byte
}

func newFakeSSHServer(t *testing.T, handle func(cmd string, stdin []byte) error) *fakeSSHServer {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == "deploy" && string(password) == "s3cret" {
				return nil, nil
			}
			return nil, io.EOF
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &fakeSSHServer{addr: ln.Addr().String(), handle: handle, seenIn: make(map[string][]byte)}
	if handle == nil {
		srv.handle = func(string, []byte) error { return nil }
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(conn, config)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return srv
}

func (s *fakeSSHServer) serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	sConn, chans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		return
	}
	defer sConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(channel, requests)
	}
}

func (s *fakeSSHServer) serveSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		cmd := decodeExecPayload(req.Payload)
		if req.WantReply {
			req.Reply(true, nil)
		}

		stdin, _ := io.ReadAll(channel)
		s.mu.Lock()
		s.seen = append(s.seen, cmd)
		s.seenIn[cmd] = stdin
		s.mu.Unlock()

		status := uint32(0)
		if err := s.handle(cmd, stdin); err != nil {
			status = 1
		}
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, status)
		channel.SendRequest("exit-status", false, buf.Bytes())
		return
	}
}

func decodeExecPayload(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload[:4])
	if int(n) > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+n])
}

func writeFakeBinary(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "dispatch-worker-*")
	if err != nil {
		t.Fatalf("create fake binary: %v", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte("#!/bin/sh\necho fake-worker\n")); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return f.Name()
}

func sshPortOf(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

func TestValidateConnection(t *testing.T) {
	w := &model.Worker{Hostname: "h", Port: 8080, SSHUser: "u", SSHAuthMethod: model.SSHAuthPassword, SSHPassword: "p"}
	if err := validateConnection(w); err != nil {
		t.Fatalf("expected valid worker to pass, got %v", err)
	}

	bad := &model.Worker{Hostname: "h", Port: 0, SSHUser: "u", SSHAuthMethod: model.SSHAuthPassword, SSHPassword: "p"}
	if err := validateConnection(bad); err == nil {
		t.Error("expected error for zero port")
	}

	missingAuth := &model.Worker{Hostname: "h", Port: 8080, SSHUser: "u", SSHAuthMethod: model.SSHAuthPassword}
	if err := validateConnection(missingAuth); err == nil {
		t.Error("expected error for missing password")
	}
}

func TestBuildPackage_TarsBinary(t *testing.T) {
	binPath := writeFakeBinary(t)
	p := New(newTestStorage(t), nil, binPath, nil)
	pkg, err := p.buildPackage()
	if err != nil {
		t.Fatalf("buildPackage: %v", err)
	}
	if len(pkg) == 0 {
		t.Error("expected non-empty package bytes")
	}
}

func waitForOutcome(t *testing.T, p *Provisioner, id string) Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, ok := p.Status(id)
		if ok && st.Outcome != "running" {
			return st
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("deployment did not reach a terminal outcome in time")
	return Status{}
}

func TestDeploy_FullSequenceSucceeds(t *testing.T) {
	srv := newFakeSSHServer(t, nil)

	healthSrv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte(`{"status":"ok"}`))
	}))
	defer healthSrv.Close()
	healthPort := sshPortOf(t, healthSrv.Listener.Addr().String())

	w := &model.Worker{
		ID: "worker_1", Name: "remote-1", Type: model.WorkerTypeRemote,
		IPAddress: "127.0.0.1", Port: healthPort, SSHUser: "deploy",
		SSHAuthMethod: model.SSHAuthPassword, SSHPassword: "s3cret", MaxJobs: 4,
	}
	store := newTestStorage(t)
	if err := store.CreateWorker(context.Background(), w); err != nil {
		t.Fatalf("seed worker: %v", err)
	}

	p := New(store, nil, writeFakeBinary(t), nil)
	p.sshPort = sshPortOf(t, srv.addr)
	p.newTransport = func(baseURL string) *transport.Client { return transport.New(baseURL, nil) }

	id := p.Deploy(context.Background(), w, "http://orchestrator.local/callback")
	st := waitForOutcome(t, p, id)
	if st.Outcome != "success" {
		t.Fatalf("deployment outcome = %q, want success (steps: %+v)", st.Outcome, st.Steps)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.seen) != 3 {
		t.Errorf("expected 3 remote commands (prepare, install, launch), got %d: %v", len(srv.seen), srv.seen)
	}

	updated, err := store.GetWorker(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if updated.State != model.WorkerStateStarted || updated.Status != model.WorkerStatusOnline {
		t.Errorf("worker = %+v, want state=started status=online", updated)
	}
}

func TestDeploy_SSHFailureMarksWorkerFailed(t *testing.T) {
	w := &model.Worker{
		ID: "worker_2", Name: "unreachable", Type: model.WorkerTypeRemote,
		IPAddress: "127.0.0.1", Port: 1, SSHUser: "deploy",
		SSHAuthMethod: model.SSHAuthPassword, SSHPassword: "s3cret", MaxJobs: 1,
	}
	store := newTestStorage(t)
	if err := store.CreateWorker(context.Background(), w); err != nil {
		t.Fatalf("seed worker: %v", err)
	}

	p := New(store, nil, writeFakeBinary(t), nil)
	p.sshPort = 1 // nothing listens here

	id := p.Deploy(context.Background(), w, "http://orchestrator.local/callback")
	st := waitForOutcome(t, p, id)
	if st.Outcome != "error" {
		t.Fatalf("outcome = %q, want error", st.Outcome)
	}

	updated, err := store.GetWorker(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if updated.State != model.WorkerStateFailed {
		t.Fatalf("expected worker recorded as failed, got %+v", updated)
	}
}

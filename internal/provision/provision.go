// Package provision implements the Worker Provisioner: the deterministic,
// eight-step SSH deployment sequence that turns a remote worker descriptor
// into a running dispatch-worker process (spec.md §4.2 "Remote provisioning
// protocol"). Each deployment runs in its own goroutine and reports progress
// through a pollable Status keyed by a deployment id, retained for a grace
// period after completion so the UI can observe the final outcome even if
// it polls a little late.
package provision

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dispatchd/dispatchd/internal/hub"
	"github.com/dispatchd/dispatchd/internal/model"
	"github.com/dispatchd/dispatchd/internal/storage"
	"github.com/dispatchd/dispatchd/internal/transport"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

const (
	// deploymentTimeout bounds the whole sequence (spec.md §4.2 "2 minutes
	// per overall deployment").
	deploymentTimeout = 2 * time.Minute
	// retention keeps a finished deployment's Status pollable well past
	// spec.md's stated "retained for ≥ 60s" minimum.
	retention = 5 * time.Minute
	// remoteDir is where the worker package is installed on the target host.
	remoteDir = "/opt/dispatchd-worker"
)

// StepName identifies one of the eight fixed steps of the protocol.
type StepName string

const (
	StepValidateConnection StepName = "validate_connection"
	StepBuildPackage        StepName = "build_package"
	StepOpenSSH             StepName = "open_ssh_channel"
	StepPrepareEnvironment  StepName = "prepare_remote_environment"
	StepInstallPackage      StepName = "transfer_and_install"
	StepLaunchWorker        StepName = "launch_worker_process"
	StepVerifyHealth        StepName = "verify_health"
	StepMarkOnline          StepName = "mark_online"
)

var allSteps = []StepName{
	StepValidateConnection,
	StepBuildPackage,
	StepOpenSSH,
	StepPrepareEnvironment,
	StepInstallPackage,
	StepLaunchWorker,
	StepVerifyHealth,
	StepMarkOnline,
}

// StepRecord is one step's progress, suitable for direct JSON exposure.
type StepRecord struct {
	Name      StepName  `json:"name"`
	Status    string    `json:"status"` // pending | running | done | error
	Message   string    `json:"message,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Status is the pollable state of one deployment (spec.md §4.2, §6
// "GET /api/workers/deployment-status/{deployment_id}").
type Status struct {
	ID        string       `json:"id"`
	WorkerID  string       `json:"worker_id"`
	Outcome   string       `json:"outcome"` // running | success | error | timeout
	Steps     []StepRecord `json:"steps"`
	Error     string       `json:"error,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at,omitempty"`
}

// dialer abstracts ssh.Dial so tests can substitute a fake transport.
type dialer func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)

// Provisioner runs remote worker deployments.
type Provisioner struct {
	mu          sync.Mutex
	deployments map[string]*Status

	store storage.Storage
	hub   *hub.Hub
	log   *slog.Logger

	dial            dialer
	sshPort         int // 0 means defaultSSHPort; overridable by tests
	workerBinary    string // path to the dispatch-worker binary to package
	newTransport    func(baseURL string) *transport.Client
	hostKeyCallback ssh.HostKeyCallback
}

// New creates a Provisioner. workerBinaryPath is the local path to the
// dispatch-worker executable packaged and shipped to remote hosts.
func New(store storage.Storage, h *hub.Hub, workerBinaryPath string, log *slog.Logger) *Provisioner {
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{
		deployments:  make(map[string]*Status),
		store:        store,
		hub:          h,
		log:          log,
		dial:         ssh.Dial,
		workerBinary: workerBinaryPath,
		newTransport: func(baseURL string) *transport.Client { return transport.New(baseURL, log) },
		// Ad hoc provisioning of hosts an operator just registered has no
		// prior host key to pin against; operators who need stricter
		// verification can supply known_hosts via a future auth_method.
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
}

// Deploy starts a deployment for w in the background and returns its
// deployment id immediately. callbackURL is passed to the launched worker
// process as its orchestrator callback argument.
func (p *Provisioner) Deploy(ctx context.Context, w *model.Worker, callbackURL string) string {
	id := "deploy_" + uuid.NewString()
	st := &Status{ID: id, WorkerID: w.ID, Outcome: "running", StartedAt: time.Now()}
	for _, name := range allSteps {
		st.Steps = append(st.Steps, StepRecord{Name: name, Status: "pending"})
	}

	p.mu.Lock()
	p.deployments[id] = st
	p.mu.Unlock()

	wCopy := *w
	wCopy.Status = model.WorkerStatusProvisioning
	wCopy.UpdatedAt = time.Now()
	if err := p.store.UpdateWorker(ctx, &wCopy); err != nil {
		p.log.Error("record provisioning start", "worker_id", w.ID, "error", err)
	}

	go p.run(context.WithoutCancel(ctx), id, &wCopy, callbackURL)
	return id
}

// Status returns the current state of a deployment, or false if unknown
// (never issued, or swept after its retention window).
func (p *Provisioner) Status(id string) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.deployments[id]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

func (p *Provisioner) run(parent context.Context, id string, w *model.Worker, callbackURL string) {
	ctx, cancel := context.WithTimeout(parent, deploymentTimeout)
	defer cancel()
	defer p.sweep(id)

	var (
		pkg    []byte
		client *ssh.Client
	)
	defer func() {
		if client != nil {
			client.Close()
		}
	}()

	type action struct {
		name StepName
		run  func() error
	}
	actions := []action{
		{StepValidateConnection, func() error { return validateConnection(w) }},
		{StepBuildPackage, func() error {
			b, err := p.buildPackage()
			pkg = b
			return err
		}},
		{StepOpenSSH, func() error {
			c, err := p.openSSH(w)
			client = c
			return err
		}},
		{StepPrepareEnvironment, func() error { return prepareEnvironment(ctx, client) }},
		{StepInstallPackage, func() error { return installPackage(ctx, client, pkg) }},
		{StepLaunchWorker, func() error { return launchWorker(ctx, client, w, callbackURL) }},
		{StepVerifyHealth, func() error { return p.verifyHealth(ctx, w) }},
		{StepMarkOnline, func() error { return p.markOnline(ctx, w) }},
	}

	for _, a := range actions {
		if ctx.Err() != nil {
			p.finish(id, "timeout", "deployment exceeded its 2 minute budget")
			p.failWorker(w, "provisioning timed out")
			return
		}
		p.beginStep(id, a.name)
		if err := a.run(); err != nil {
			p.endStep(id, a.name, "error", err.Error())
			p.finish(id, "error", err.Error())
			p.failWorker(w, err.Error())
			return
		}
		p.endStep(id, a.name, "done", "")
	}
	p.finish(id, "success", "")
}

func (p *Provisioner) beginStep(id string, name StepName) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.deployments[id]
	for i := range st.Steps {
		if st.Steps[i].Name == name {
			st.Steps[i].Status = "running"
			st.Steps[i].StartedAt = time.Now()
		}
	}
}

func (p *Provisioner) endStep(id string, name StepName, status, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.deployments[id]
	for i := range st.Steps {
		if st.Steps[i].Name == name {
			st.Steps[i].Status = status
			st.Steps[i].Message = message
			st.Steps[i].EndedAt = time.Now()
		}
	}
}

func (p *Provisioner) finish(id, outcome, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.deployments[id]
	if !ok {
		return
	}
	st.Outcome = outcome
	st.Error = errMsg
	st.EndedAt = time.Now()
}

func (p *Provisioner) sweep(id string) {
	time.AfterFunc(retention, func() {
		p.mu.Lock()
		delete(p.deployments, id)
		p.mu.Unlock()
	})
}

func (p *Provisioner) failWorker(w *model.Worker, reason string) {
	w.State = model.WorkerStateFailed
	w.Status = model.WorkerStatusError
	w.ErrorMessage = reason
	w.UpdatedAt = time.Now()
	if err := p.store.UpdateWorker(context.Background(), w); err != nil {
		p.log.Error("record provisioning failure", "worker_id", w.ID, "error", err)
	}
}

// validateConnection checks the worker descriptor carries enough to reach
// and authenticate against the target host (step 1).
func validateConnection(w *model.Worker) error {
	if w.Hostname == "" && w.IPAddress == "" {
		return fmt.Errorf("worker has neither hostname nor ip_address")
	}
	if w.Port <= 0 {
		return fmt.Errorf("worker port must be positive, got %d", w.Port)
	}
	if w.SSHUser == "" {
		return fmt.Errorf("worker ssh_user is required for remote provisioning")
	}
	switch w.SSHAuthMethod {
	case model.SSHAuthPassword:
		if w.SSHPassword == "" {
			return fmt.Errorf("ssh_auth_method is password but no password is set")
		}
	case model.SSHAuthKey:
		if w.SSHKeyPath == "" {
			return fmt.Errorf("ssh_auth_method is key but no ssh_key_path is set")
		}
		if _, err := os.Stat(w.SSHKeyPath); err != nil {
			return fmt.Errorf("ssh key unreadable: %w", err)
		}
	default:
		return fmt.Errorf("unsupported ssh_auth_method %q", w.SSHAuthMethod)
	}
	return nil
}

// buildPackage tars and gzips the worker binary into the "wheel-equivalent
// artifact" the protocol transfers in step 5 (step 2: build).
func (p *Provisioner) buildPackage() ([]byte, error) {
	bin, err := os.ReadFile(p.workerBinary)
	if err != nil {
		return nil, fmt.Errorf("read worker binary %s: %w", p.workerBinary, err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	hdr := &tar.Header{Name: "dispatch-worker", Mode: 0o755, Size: int64(len(bin))}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(bin); err != nil {
		return nil, fmt.Errorf("write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

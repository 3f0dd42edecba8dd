package provision

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
	"golang.org/x/crypto/ssh"
)

// healthPollInterval paces verify-step retries against a freshly launched
// worker that may still be binding its listener.
const healthPollInterval = 2 * time.Second

// defaultSSHPort is used for provisioning; w.Port is the worker's own HTTP
// bind port the orchestrator later talks to over the transport client, a
// distinct concern from the one-time SSH session used to install it.
const defaultSSHPort = 22

// openSSH dials and authenticates against the worker's host (step 3).
func (p *Provisioner) openSSH(w *model.Worker) (*ssh.Client, error) {
	auth, err := authMethods(w)
	if err != nil {
		return nil, err
	}
	host := w.IPAddress
	if host == "" {
		host = w.Hostname
	}
	sshPort := p.sshPort
	if sshPort == 0 {
		sshPort = defaultSSHPort
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", sshPort))
	config := &ssh.ClientConfig{
		User:            w.SSHUser,
		Auth:            auth,
		HostKeyCallback: p.hostKeyCallback,
		Timeout:         10 * time.Second,
	}
	client, err := p.dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return client, nil
}

func authMethods(w *model.Worker) ([]ssh.AuthMethod, error) {
	switch w.SSHAuthMethod {
	case model.SSHAuthPassword:
		return []ssh.AuthMethod{ssh.Password(w.SSHPassword)}, nil
	case model.SSHAuthKey:
		keyBytes, err := os.ReadFile(w.SSHKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unsupported ssh auth method %q", w.SSHAuthMethod)
	}
}

// runCommand executes one remote command to completion over its own SSH
// session, the same one-shot-session-per-command idiom libraries built on
// golang.org/x/crypto/ssh use for non-interactive provisioning.
func runCommand(client *ssh.Client, cmd string) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(cmd)
	if err != nil {
		return out, fmt.Errorf("remote command %q: %w (output: %s)", cmd, err, out)
	}
	return out, nil
}

// prepareEnvironment creates the worker's install and bin directories
// (step 4: "working directory, virtualenv-equivalent").
func prepareEnvironment(ctx context.Context, client *ssh.Client) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	cmd := fmt.Sprintf("mkdir -p %s/bin", remoteDir)
	_, err := runCommand(client, cmd)
	return err
}

// installPackage streams pkg into the remote host and extracts it into
// remoteDir/bin (step 5). There is no SFTP client in the dependency set,
// so the tar stream is piped directly to a remote `tar` process over the
// session's stdin, the same approach the protocol's step 5 name implies
// ("transfer and install") without a second round trip.
func installPackage(ctx context.Context, client *ssh.Client, pkg []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin pipe: %w", err)
	}
	cmd := fmt.Sprintf("tar xz -C %s/bin", remoteDir)
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("start remote tar: %w", err)
	}
	if _, err := stdin.Write(pkg); err != nil {
		return fmt.Errorf("write package to remote tar: %w", err)
	}
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("close stdin: %w", err)
	}
	if err := session.Wait(); err != nil {
		return fmt.Errorf("remote tar extract: %w", err)
	}
	return nil
}

// launchWorker starts the installed binary in the background with the
// arguments the protocol specifies (step 6).
func launchWorker(ctx context.Context, client *ssh.Client, w *model.Worker, callbackURL string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	bindHost := "0.0.0.0"
	cmd := fmt.Sprintf(
		"cd %s && nohup ./bin/dispatch-worker --name=%q --bind-host=%q --bind-port=%d --callback-url=%q --max-jobs=%d > worker.log 2>&1 < /dev/null &",
		remoteDir, w.Name, bindHost, w.Port, callbackURL, w.MaxJobs,
	)
	_, err := runCommand(client, cmd)
	return err
}

// verifyHealth polls the newly launched worker's HTTP health endpoint
// until it answers or the deployment context expires (step 7).
func (p *Provisioner) verifyHealth(ctx context.Context, w *model.Worker) error {
	client := p.newTransport(baseURL(w))
	var lastErr error
	for {
		if err := client.Health(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("worker never became healthy: %w", lastErr)
		case <-time.After(healthPollInterval):
		}
	}
}

// markOnline persists the worker as online/started and registers it with
// the Worker Manager so the dispatcher can begin using it (step 8).
func (p *Provisioner) markOnline(ctx context.Context, w *model.Worker) error {
	w.Status = model.WorkerStatusOnline
	w.State = model.WorkerStateStarted
	w.ErrorMessage = ""
	w.UpdatedAt = time.Now()
	if err := p.store.UpdateWorker(ctx, w); err != nil {
		return fmt.Errorf("persist worker online state: %w", err)
	}
	if p.hub != nil {
		p.hub.Register(w)
	}
	return nil
}

func baseURL(w *model.Worker) string {
	host := w.IPAddress
	if host == "" {
		host = w.Hostname
	}
	return fmt.Sprintf("http://%s:%d", host, w.Port)
}

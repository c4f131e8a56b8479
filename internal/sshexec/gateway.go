// Package sshexec is the remote execution gateway: it opens an SSH
// session to a rig, runs exactly one validated command, and returns the
// output. Connections are single-use: opened, one exec, closed. Every
// call pays the full handshake.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/bokiko/bloxos-sub000/internal/validate"
	"github.com/bokiko/bloxos-sub000/internal/vault"
	"github.com/bokiko/bloxos-sub000/pkg/models"
)

var (
	// ErrConnect means the rig was unreachable. Drives rig status to
	// OFFLINE in the caller.
	ErrConnect = errors.New("connection failed")

	// ErrAuth means the SSH handshake was rejected. Treated as a
	// connection-class failure for status purposes.
	ErrAuth = errors.New("authentication failed")

	// ErrExec means the remote command ran but failed. Does not imply
	// the rig is unreachable.
	ErrExec = errors.New("command execution failed")
)

// IsConnectionError reports whether err should flip the rig OFFLINE.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnect) || errors.Is(err, ErrAuth)
}

// Executor runs one command on a rig. Implemented by Gateway; consumers
// accept the interface so tests can substitute a fake.
//
// Execute and ExecuteSudo apply the command blacklist and are the path
// for free-form command strings. The Script variants skip the blacklist
// and exist solely for controllers that assemble commands from trusted
// template text plus individually validated fields (miner launchers
// need redirection, overclock tooling needs bracket syntax).
type Executor interface {
	Execute(ctx context.Context, cred *models.Credential, command string) (string, error)
	ExecuteSudo(ctx context.Context, cred *models.Credential, command string) (string, error)
	ExecuteScript(ctx context.Context, cred *models.Credential, script string) (string, error)
	ExecuteSudoScript(ctx context.Context, cred *models.Credential, script string) (string, error)
}

// Gateway executes commands over single-use SSH connections. Stored
// secrets are decrypted transiently per call and never cached or logged.
type Gateway struct {
	vault       *vault.Vault
	dialTimeout time.Duration
	execTimeout time.Duration

	// insecureHostKey accepts any host key. Default for closed fleets
	// where rigs are reimaged frequently; disable to pin known hosts.
	insecureHostKey bool
	hostKeyCallback ssh.HostKeyCallback
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithDialTimeout overrides the TCP dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.dialTimeout = d }
}

// WithExecTimeout overrides the per-command timeout.
func WithExecTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.execTimeout = d }
}

// WithHostKeyCallback pins host key verification.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(g *Gateway) {
		g.hostKeyCallback = cb
		g.insecureHostKey = false
	}
}

// NewGateway creates a Gateway that decrypts credentials with v.
func NewGateway(v *vault.Vault, opts ...Option) *Gateway {
	g := &Gateway{
		vault:           v,
		dialTimeout:     10 * time.Second,
		execTimeout:     30 * time.Second,
		insecureHostKey: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute validates command, opens an SSH connection with cred, runs
// the command in a single session, and returns stdout.
func (g *Gateway) Execute(ctx context.Context, cred *models.Credential, command string) (string, error) {
	command, err := validate.Command(command)
	if err != nil {
		return "", err
	}
	return g.ExecuteScript(ctx, cred, command)
}

// ExecuteScript runs a trusted command template without the blacklist
// check. Callers must have validated every dynamic field individually.
func (g *Gateway) ExecuteScript(ctx context.Context, cred *models.Credential, script string) (string, error) {
	client, err := g.connect(ctx, cred)
	if err != nil {
		return "", err
	}
	defer client.Close()

	return g.runSession(client, script)
}

// ExecuteSudo runs command with sudo. It first tries `sudo -n` (covers
// NOPASSWD sudoers); on failure it opens a PTY channel, detects the
// password prompt in the output stream, writes the decrypted password
// exactly once, and returns the output with the echoed prompt stripped.
func (g *Gateway) ExecuteSudo(ctx context.Context, cred *models.Credential, command string) (string, error) {
	command, err := validate.Command(command)
	if err != nil {
		return "", err
	}
	return g.ExecuteSudoScript(ctx, cred, command)
}

// ExecuteSudoScript is ExecuteSudo without the blacklist check, for
// trusted templates with individually validated fields.
func (g *Gateway) ExecuteSudoScript(ctx context.Context, cred *models.Credential, command string) (string, error) {
	client, err := g.connect(ctx, cred)
	if err != nil {
		return "", err
	}
	defer client.Close()

	// Passwordless path first.
	out, err := g.runSession(client, "sudo -n "+command)
	if err == nil {
		return out, nil
	}
	log.Debug().Str("host", cred.Host).Msg("sudo -n failed, falling back to PTY password entry")

	password, err := g.decryptOptional(cred.Password)
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", fmt.Errorf("%w: sudo requires a password and none is stored", ErrExec)
	}

	return g.runSudoPTY(client, command, password)
}

// connect decrypts the credential secrets and opens a single-use SSH
// client connection.
func (g *Gateway) connect(ctx context.Context, cred *models.Credential) (*ssh.Client, error) {
	password, err := g.decryptOptional(cred.Password)
	if err != nil {
		return nil, err
	}
	privateKey, err := g.decryptOptional(cred.PrivateKey)
	if err != nil {
		return nil, err
	}

	var methods []ssh.AuthMethod
	if privateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(privateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: bad private key: %v", ErrAuth, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: credential has no password or private key", ErrAuth)
	}

	hostKeyCallback := g.hostKeyCallback
	if g.insecureHostKey {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	config := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         g.dialTimeout,
	}

	port := cred.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cred.Host, fmt.Sprintf("%d", port))

	dialer := net.Dialer{Timeout: g.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnect, addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s: %v", ErrAuth, addr, err)
		}
		return nil, fmt.Errorf("%w: handshake %s: %v", ErrConnect, addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// runSession executes one command in a fresh session and returns stdout.
// A non-zero exit, or stderr output with empty stdout, is ErrExec.
func (g *Gateway) runSession(client *ssh.Client, command string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: open session: %v", ErrConnect, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-time.After(g.execTimeout):
		return "", fmt.Errorf("%w: timeout after %s", ErrExec, g.execTimeout)
	}

	if err != nil {
		return "", fmt.Errorf("%w: %v, stderr: %s", ErrExec, err, strings.TrimSpace(stderr.String()))
	}
	out := strings.TrimSpace(stdout.String())
	if out == "" && stderr.Len() > 0 {
		return "", fmt.Errorf("%w: stderr: %s", ErrExec, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// runSudoPTY streams `sudo <command>` through a PTY, feeding the
// password when the prompt appears.
func (g *Gateway) runSudoPTY(client *ssh.Client, command, password string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: open session: %v", ErrConnect, err)
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 40, 80, modes); err != nil {
		return "", fmt.Errorf("%w: request pty: %v", ErrExec, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("%w: stdin pipe: %v", ErrExec, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("%w: stdout pipe: %v", ErrExec, err)
	}

	if err := session.Start("sudo " + command); err != nil {
		return "", fmt.Errorf("%w: start: %v", ErrExec, err)
	}

	stream := newSudoStream()
	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				if stream.feed(buf[:n]) {
					if _, werr := stdin.Write([]byte(password + "\n")); werr != nil {
						readDone <- werr
						return
					}
				}
			}
			if err != nil {
				readDone <- nil
				return
			}
		}
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- session.Wait() }()

	select {
	case err = <-waitDone:
		<-readDone
	case <-time.After(g.execTimeout):
		return "", fmt.Errorf("%w: timeout after %s", ErrExec, g.execTimeout)
	}

	stream.close()
	if err != nil {
		return "", fmt.Errorf("%w: %v, output: %s", ErrExec, err, stream.output())
	}
	return stream.output(), nil
}

// decryptOptional decrypts a packed secret, passing empty through.
func (g *Gateway) decryptOptional(packed string) (string, error) {
	if packed == "" {
		return "", nil
	}
	return g.vault.Decrypt(packed)
}

package promote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// RemoteRunner executes commands and file uploads on the promotion target
// over a single established session.
type RemoteRunner interface {
	Run(ctx context.Context, command string) (string, error)
	Upload(remotePath string, data []byte, perm os.FileMode) error
	Close() error
}

// DialFunc opens a RemoteRunner for the target using the installed
// credential bundle.
type DialFunc func(target Target, bundle *CredentialBundle) (RemoteRunner, error)

type sshRunner struct {
	client *ssh.Client
}

func dialSSH(target Target, bundle *CredentialBundle) (RemoteRunner, error) {
	signer, err := ssh.ParsePrivateKey([]byte(target.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse ssh private key: %w", err)
	}

	hostKeyCallback, err := knownhosts.New(bundle.KnownHostsPath())
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}

	client, err := ssh.Dial("tcp", target.Addr(), config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", target.Addr(), err)
	}
	return &sshRunner{client: client}, nil
}

func (r *sshRunner) Run(ctx context.Context, command string) (string, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

func (r *sshRunner) Upload(remotePath string, data []byte, perm os.FileMode) error {
	sftpClient, err := sftp.NewClient(r.client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	file, err := sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Chmod(perm)
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}

// ScanHostKey performs an SSH handshake against addr solely to capture the
// host's public key, returning a known_hosts line for it. The handshake is
// expected to fail authentication; only the host key exchange matters.
func ScanHostKey(addr string, timeout time.Duration) (string, error) {
	var line string
	config := &ssh.ClientConfig{
		User: "keyscan",
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			line = knownhosts.Line([]string{hostname}, key)
			return nil
		},
		Timeout: timeout,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err == nil {
		_ = client.Close()
	}
	if line == "" {
		return "", fmt.Errorf("host key scan %s: %w", addr, err)
	}
	return line, nil
}

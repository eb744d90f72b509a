package promote

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "id_rsa"
	knownHostsFile = "known_hosts"
)

// CredentialBundle is the ephemeral SSH identity materialized for a single
// promotion run. It owns a scoped directory holding the private key and a
// known_hosts entry for the target, and must be removed unconditionally
// when the run terminates.
type CredentialBundle struct {
	dir string
}

// InstallCredentials writes the private key and known_hosts entry into a
// fresh restricted-permission directory under baseDir. An empty baseDir
// uses the system temp directory.
func InstallCredentials(baseDir, privateKey, knownHosts string) (*CredentialBundle, error) {
	dir, err := os.MkdirTemp(baseDir, "conveyor-ssh-")
	if err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	bundle := &CredentialBundle{dir: dir}

	if err := os.Chmod(dir, 0o700); err != nil {
		_ = bundle.Remove()
		return nil, fmt.Errorf("restrict credential dir: %w", err)
	}
	if err := os.WriteFile(bundle.KeyPath(), []byte(privateKey), 0o600); err != nil {
		_ = bundle.Remove()
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(bundle.KnownHostsPath(), []byte(knownHosts), 0o600); err != nil {
		_ = bundle.Remove()
		return nil, fmt.Errorf("write known_hosts: %w", err)
	}
	return bundle, nil
}

func (b *CredentialBundle) Dir() string {
	return b.dir
}

func (b *CredentialBundle) KeyPath() string {
	return filepath.Join(b.dir, privateKeyFile)
}

func (b *CredentialBundle) KnownHostsPath() string {
	return filepath.Join(b.dir, knownHostsFile)
}

// Remove deletes the whole credential directory. Safe to call more than
// once; RemoveAll on a missing directory is a no-op.
func (b *CredentialBundle) Remove() error {
	return os.RemoveAll(b.dir)
}

// Package sshkeys manages the per-site deploy key and the git hosts a site
// account trusts.
package sshkeys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cherve/cherve/pkg/engine"
)

// KeyName is the file name of the deploy key inside ~/.ssh.
const KeyName = "id_cherve_deploy"

const knownHostsName = "known_hosts"

var errHostKeyCaptured = errors.New("host key captured")

// scanFunc returns the host key presented at addr and the address that
// presented it.
type scanFunc func(ctx context.Context, addr string) (ssh.PublicKey, net.Addr, error)

// Manager implements engine.DeployKeys on top of the site account's home
// directory.
type Manager struct {
	runner   engine.Runner
	homeRoot string
	scan     scanFunc
}

// NewManager creates a manager for accounts whose homes live under homeRoot.
// runner is used to hand ownership of written files to the account.
func NewManager(runner engine.Runner, homeRoot string) *Manager {
	return &Manager{runner: runner, homeRoot: homeRoot, scan: scanHostKey}
}

func (m *Manager) sshDir(user string) string {
	return filepath.Join(m.homeRoot, user, ".ssh")
}

// KeyPath returns the private key location for user.
func (m *Manager) KeyPath(user string) string {
	return filepath.Join(m.sshDir(user), KeyName)
}

// Ensure returns user's deploy key, generating an ed25519 key pair when
// none exists. An existing key is never replaced.
func (m *Manager) Ensure(ctx context.Context, user string) (*engine.DeployKey, error) {
	priv := m.KeyPath(user)
	pub := priv + ".pub"

	if data, err := os.ReadFile(priv); err == nil {
		authorized, err := publicFromPrivate(data)
		if err != nil {
			return nil, fmt.Errorf("existing deploy key %s: %w", priv, err)
		}
		if _, err := os.Stat(pub); os.IsNotExist(err) {
			if err := os.WriteFile(pub, []byte(authorized), 0644); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", pub, err)
			}
			if err := m.chown(ctx, user, pub); err != nil {
				return nil, err
			}
		}
		return &engine.DeployKey{PrivateKeyPath: priv, PublicKey: strings.TrimSpace(authorized)}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", priv, err)
	}

	privPEM, authorized, err := generate(fmt.Sprintf("%s@cherve", user))
	if err != nil {
		return nil, err
	}

	dir := m.sshDir(user)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.WriteFile(priv, privPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", priv, err)
	}
	if err := os.WriteFile(pub, []byte(authorized), 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", pub, err)
	}
	if err := m.chown(ctx, user, dir); err != nil {
		return nil, err
	}

	log.Info().Str("user", user).Str("path", priv).Msg("Generated deploy key")
	return &engine.DeployKey{PrivateKeyPath: priv, PublicKey: strings.TrimSpace(authorized), Created: true}, nil
}

// TrustHost adds host's SSH key to user's known_hosts unless it is already
// trusted.
func (m *Manager) TrustHost(ctx context.Context, user, host string) error {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	key, remote, err := m.scan(ctx, addr)
	if err != nil {
		return fmt.Errorf("failed to scan host key of %s: %w", host, err)
	}

	path := filepath.Join(m.sshDir(user), knownHostsName)
	if _, err := os.Stat(path); err == nil {
		check, err := knownhosts.New(path)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		if check(addr, remote, key) == nil {
			log.Debug().Str("user", user).Str("host", host).Msg("Host already trusted")
			return nil
		}
	}

	line := knownhosts.Line([]string{knownhosts.HashHostname(knownhosts.Normalize(addr))}, key)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	log.Info().Str("user", user).Str("host", host).Str("key_type", key.Type()).Msg("Trusted git host")
	return m.chown(ctx, user, filepath.Dir(path))
}

func (m *Manager) chown(ctx context.Context, user, path string) error {
	if m.runner == nil {
		return nil
	}
	_, err := m.runner.Run(ctx, engine.Command{
		Argv:  []string{"chown", "-R", user + ":" + user, path},
		Quiet: true,
	})
	return err
}

// generate creates an ed25519 key pair and returns the OpenSSH private key
// PEM and the authorized_keys line.
func generate(comment string) ([]byte, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, "", fmt.Errorf("failed to convert public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + comment + "\n"
	return pem.EncodeToMemory(block), authorized, nil
}

func publicFromPrivate(data []byte) (string, error) {
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return "", err
	}
	return string(ssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}

// scanHostKey performs the start of an SSH handshake with addr and keeps the
// host key it presents.
func scanHostKey(ctx context.Context, addr string) (ssh.PublicKey, net.Addr, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(15 * time.Second))
	}

	var key ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User: "git",
		HostKeyCallback: func(_ string, _ net.Addr, k ssh.PublicKey) error {
			key = k
			return errHostKeyCaptured
		},
	}
	_, _, _, err = ssh.NewClientConn(conn, addr, cfg)
	if key == nil {
		return nil, nil, fmt.Errorf("no host key presented: %w", err)
	}
	return key, conn.RemoteAddr(), nil
}

// HostFromRepo extracts the SSH host (with port when not 22) from a git
// remote in scp form (git@host:org/repo.git) or ssh:// URL form.
func HostFromRepo(repo string) (string, error) {
	repo = strings.TrimSpace(repo)
	if strings.Contains(repo, "://") {
		u, err := url.Parse(repo)
		if err != nil {
			return "", fmt.Errorf("invalid repository URL %q: %w", repo, err)
		}
		if u.Scheme != "ssh" || u.Hostname() == "" {
			return "", fmt.Errorf("repository %q is not an ssh URL", repo)
		}
		if p := u.Port(); p != "" && p != "22" {
			return net.JoinHostPort(u.Hostname(), p), nil
		}
		return u.Hostname(), nil
	}

	at := strings.Index(repo, "@")
	colon := strings.Index(repo, ":")
	if colon <= at+1 {
		return "", fmt.Errorf("repository %q is not an ssh remote", repo)
	}
	return repo[at+1 : colon], nil
}

// GitSSHCommand is the GIT_SSH_COMMAND that pins git to the deploy key.
func GitSSHCommand(keyPath string) string {
	return fmt.Sprintf("ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=yes", keyPath)
}

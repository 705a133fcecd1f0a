package sshkeys

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/cherve/cherve/pkg/engine"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeRunner) Run(_ context.Context, cmd engine.Command) (*engine.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd.Argv)
	return &engine.ExecResult{}, nil
}

func testHostKey(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("NewSignerFromKey() error = %v", err)
	}
	return signer
}

func TestEnsureGeneratesOnce(t *testing.T) {
	home := t.TempDir()
	runner := &fakeRunner{}
	m := NewManager(runner, home)
	ctx := context.Background()

	first, err := m.Ensure(ctx, "acme")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !first.Created {
		t.Error("first Ensure() should create a key")
	}
	if first.PrivateKeyPath != filepath.Join(home, "acme", ".ssh", KeyName) {
		t.Errorf("PrivateKeyPath = %s", first.PrivateKeyPath)
	}

	info, err := os.Stat(first.PrivateKeyPath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("private key mode = %o, want 600", info.Mode().Perm())
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(first.PublicKey))
	if err != nil {
		t.Fatalf("public key does not parse: %v", err)
	}
	if pub.Type() != ssh.KeyAlgoED25519 {
		t.Errorf("key type = %s", pub.Type())
	}

	second, err := m.Ensure(ctx, "acme")
	if err != nil {
		t.Fatalf("second Ensure() error = %v", err)
	}
	if second.Created {
		t.Error("second Ensure() replaced the key")
	}
	reparsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(second.PublicKey))
	if err != nil {
		t.Fatalf("reused public key does not parse: %v", err)
	}
	if !bytes.Equal(reparsed.Marshal(), pub.Marshal()) {
		t.Error("second Ensure() returned a different key")
	}

	if len(runner.calls) != 1 || strings.Join(runner.calls[0], " ") != "chown -R acme:acme "+filepath.Join(home, "acme", ".ssh") {
		t.Errorf("chown calls = %v", runner.calls)
	}
}

func TestEnsureRestoresMissingPublicKey(t *testing.T) {
	home := t.TempDir()
	m := NewManager(&fakeRunner{}, home)

	key, err := m.Ensure(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if err := os.Remove(key.PrivateKeyPath + ".pub"); err != nil {
		t.Fatal(err)
	}

	again, err := m.Ensure(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if _, err := os.Stat(again.PrivateKeyPath + ".pub"); err != nil {
		t.Errorf("public key was not restored: %v", err)
	}
}

func TestTrustHostIsIdempotent(t *testing.T) {
	home := t.TempDir()
	hostKey := testHostKey(t)
	scans := 0

	m := NewManager(&fakeRunner{}, home)
	m.scan = func(_ context.Context, addr string) (ssh.PublicKey, net.Addr, error) {
		scans++
		if addr != "github.com:22" {
			t.Errorf("scan addr = %s", addr)
		}
		return hostKey.PublicKey(), &net.TCPAddr{IP: net.ParseIP("140.82.121.4"), Port: 22}, nil
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := m.TrustHost(ctx, "acme", "github.com"); err != nil {
			t.Fatalf("TrustHost() error = %v", err)
		}
	}

	data, err := os.ReadFile(filepath.Join(home, "acme", ".ssh", "known_hosts"))
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("known_hosts has %d lines, want 1:\n%s", len(lines), data)
	}
	if !strings.HasPrefix(lines[0], "|1|") {
		t.Errorf("host name not hashed: %s", lines[0])
	}
	if strings.Contains(lines[0], "github.com") {
		t.Errorf("known_hosts leaks host name: %s", lines[0])
	}
	if scans != 2 {
		t.Errorf("scans = %d", scans)
	}
}

func TestScanHostKey(t *testing.T) {
	hostKey := testHostKey(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(hostKey)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _, _ = ssh.NewServerConn(conn, cfg)
	}()

	key, remote, err := scanHostKey(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("scanHostKey() error = %v", err)
	}
	if !bytes.Equal(key.Marshal(), hostKey.PublicKey().Marshal()) {
		t.Error("scanned key differs from server key")
	}
	if remote.String() != ln.Addr().String() {
		t.Errorf("remote = %s", remote)
	}
}

func TestHostFromRepo(t *testing.T) {
	tests := []struct {
		repo    string
		want    string
		wantErr bool
	}{
		{repo: "git@github.com:acme/site.git", want: "github.com"},
		{repo: "gitlab.example.com:acme/site.git", want: "gitlab.example.com"},
		{repo: "ssh://git@git.example.com/acme/site.git", want: "git.example.com"},
		{repo: "ssh://git@git.example.com:2222/acme/site.git", want: "git.example.com:2222"},
		{repo: "https://github.com/acme/site.git", wantErr: true},
		{repo: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.repo, func(t *testing.T) {
			got, err := HostFromRepo(tt.repo)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HostFromRepo() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("HostFromRepo() = %q, want %q", got, tt.want)
			}
		})
	}
}

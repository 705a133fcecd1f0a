package system

import (
	"context"
	"path/filepath"

	"github.com/cherve/cherve/pkg/engine"
)

// Certbot issues Let's Encrypt certificates with the nginx plugin.
type Certbot struct {
	runner  engine.Runner
	liveDir string
}

// NewCertbot creates an issuer that expects material under liveDir.
func NewCertbot(runner engine.Runner, liveDir string) *Certbot {
	return &Certbot{runner: runner, liveDir: liveDir}
}

// Issue runs certbot for req and returns where the material was written.
func (c *Certbot) Issue(ctx context.Context, req engine.CertRequest) (*engine.Certificate, error) {
	if _, err := c.runner.Run(ctx, engine.Command{Argv: CertbotArgs(req)}); err != nil {
		return nil, err
	}
	dir := filepath.Join(c.liveDir, req.Domain)
	return &engine.Certificate{
		CertPath: filepath.Join(dir, "fullchain.pem"),
		KeyPath:  filepath.Join(dir, "privkey.pem"),
	}, nil
}

// CertbotArgs builds the certbot command line for req.
func CertbotArgs(req engine.CertRequest) []string {
	argv := []string{"certbot", "--nginx", "-d", req.Domain}
	for _, name := range req.AltNames {
		argv = append(argv, "-d", name)
	}
	if req.Email != "" {
		argv = append(argv, "--email", req.Email)
	} else {
		argv = append(argv, "--register-unsafely-without-email")
	}
	return append(argv, "--agree-tos", "--no-eff-email", "--non-interactive")
}

package system

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/cherve/cherve/pkg/engine"
)

type recordingRunner struct {
	mu       sync.Mutex
	commands []engine.Command
	// fail maps a joined argv to the exit code it should fail with.
	fail   map[string]int
	stdout map[string]string
}

func (r *recordingRunner) Run(_ context.Context, cmd engine.Command) (*engine.ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	line := strings.Join(cmd.Argv, " ")
	res := &engine.ExecResult{Stdout: r.stdout[line]}
	if code, ok := r.fail[line]; ok {
		res.ExitCode = code
		return res, engine.NewCommandError(cmd.Argv, code, "failed", nil)
	}
	return res, nil
}

func (r *recordingRunner) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.commands))
	for i, c := range r.commands {
		out[i] = strings.Join(c.Argv, " ")
	}
	return out
}

func TestExecRunnerCapturesOutput(t *testing.T) {
	var streamed bytes.Buffer
	r := &ExecRunner{Stdout: &streamed}

	res, err := r.Run(context.Background(), engine.Command{
		Argv: []string{"sh", "-c", "printf '%s' \"$GREETING\"; pwd"},
		Env:  map[string]string{"GREETING": "hello"},
		Dir:  "/",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stdout != "hello/\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if streamed.String() != res.Stdout {
		t.Errorf("streamed = %q", streamed.String())
	}
}

func TestExecRunnerQuietDoesNotStream(t *testing.T) {
	var streamed bytes.Buffer
	r := &ExecRunner{Stdout: &streamed, Stderr: &streamed}

	if _, err := r.Run(context.Background(), engine.Command{Argv: []string{"echo", "hi"}, Quiet: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if streamed.Len() != 0 {
		t.Errorf("quiet command streamed %q", streamed.String())
	}
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	r := &ExecRunner{}

	res, err := r.Run(context.Background(), engine.Command{
		Argv:  []string{"sh", "-c", "echo broken >&2; exit 3"},
		Stdin: "ignored",
	})
	if !engine.IsCommandFailure(err) {
		t.Fatalf("Run() error = %v, want EXTERNAL_COMMAND_FAILED", err)
	}
	ee, _ := engine.AsEngineError(err)
	if ee.ExitCode != 3 || !strings.Contains(ee.Diagnostic, "broken") {
		t.Errorf("error = %+v", ee)
	}
	if res == nil || res.ExitCode != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := &ExecRunner{}
	_, err := r.Run(context.Background(), engine.Command{Argv: []string{"/nonexistent/cherve-test-binary"}})
	if !engine.IsCommandFailure(err) {
		t.Fatalf("Run() error = %v, want EXTERNAL_COMMAND_FAILED", err)
	}
}

func TestAsUser(t *testing.T) {
	argv := AsUser("acme", "/var/www/acme/_cherve/app", map[string]string{
		"GIT_SSH_COMMAND": "ssh -i /home/acme/.ssh/id_cherve_deploy -o IdentitiesOnly=yes",
	}, []string{"git", "pull", "origin", "main"})

	want := []string{"sudo", "-H", "-u", "acme", "--", "bash", "-lc",
		"export GIT_SSH_COMMAND='ssh -i /home/acme/.ssh/id_cherve_deploy -o IdentitiesOnly=yes'; " +
			"cd /var/www/acme/_cherve/app && exec git pull origin main"}
	if strings.Join(argv, "\x00") != strings.Join(want, "\x00") {
		t.Errorf("AsUser() =\n%q\nwant\n%q", argv, want)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "''"},
		{"plain", "plain"},
		{"/var/www/acme", "/var/www/acme"},
		{"two words", "'two words'"},
		{"it's", `'it'"'"'s'`},
		{"$HOME", "'$HOME'"},
	}
	for _, tt := range tests {
		if got := ShellQuote(tt.in); got != tt.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAptInstalled(t *testing.T) {
	r := &recordingRunner{
		stdout: map[string]string{
			"dpkg-query -W -f=${Status} nginx":   "install ok installed",
			"dpkg-query -W -f=${Status} removed": "deinstall ok config-files",
		},
		fail: map[string]int{"dpkg-query -W -f=${Status} unknown": 1},
	}
	apt := NewApt(r)
	ctx := context.Background()

	tests := []struct {
		name string
		want bool
	}{
		{"nginx", true},
		{"removed", false},
		{"unknown", false},
	}
	for _, tt := range tests {
		got, err := apt.Installed(ctx, tt.name)
		if err != nil {
			t.Fatalf("Installed(%s) error = %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("Installed(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAptInstall(t *testing.T) {
	r := &recordingRunner{}
	apt := NewApt(r)

	if err := apt.Install(context.Background(), nil); err != nil {
		t.Fatalf("Install(nil) error = %v", err)
	}
	if err := apt.Install(context.Background(), []string{"nginx", "ufw"}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if len(r.commands) != 1 {
		t.Fatalf("commands = %v", r.lines())
	}
	if got := r.lines()[0]; got != "apt-get install -y nginx ufw" {
		t.Errorf("command = %q", got)
	}
	if r.commands[0].Env["DEBIAN_FRONTEND"] != "noninteractive" {
		t.Errorf("env = %v", r.commands[0].Env)
	}
}

func TestSystemdQueries(t *testing.T) {
	r := &recordingRunner{fail: map[string]int{"systemctl is-active --quiet mysql": 3}}
	s := NewSystemd(r)
	ctx := context.Background()

	if ok, err := s.Active(ctx, "nginx"); err != nil || !ok {
		t.Errorf("Active(nginx) = %v, %v", ok, err)
	}
	if ok, err := s.Active(ctx, "mysql"); err != nil || ok {
		t.Errorf("Active(mysql) = %v, %v", ok, err)
	}
	if err := s.EnableNow(ctx, "php8.3-fpm"); err != nil {
		t.Fatalf("EnableNow() error = %v", err)
	}
	if got := r.lines()[2]; got != "systemctl enable --now php8.3-fpm" {
		t.Errorf("command = %q", got)
	}
}

func TestDatabasesProvision(t *testing.T) {
	r := &recordingRunner{}
	d := NewDatabases(r)
	ctx := context.Background()
	req := engine.DatabaseRequest{Name: "acme_a1b2c3", Owner: "acme_db_owner", Password: "s3cret"}

	req.Engine = engine.DatabaseMySQL
	if err := d.Provision(ctx, req); err != nil {
		t.Fatalf("Provision(mysql) error = %v", err)
	}
	req.Engine = engine.DatabasePostgreSQL
	if err := d.Provision(ctx, req); err != nil {
		t.Fatalf("Provision(postgresql) error = %v", err)
	}
	req.Engine = "oracle"
	if err := d.Provision(ctx, req); err == nil {
		t.Error("Provision(oracle) error = nil")
	}

	for _, c := range r.commands {
		for _, a := range c.Argv {
			if strings.Contains(a, "s3cret") {
				t.Errorf("password leaked into argv: %v", c.Argv)
			}
		}
	}

	mysql := r.commands[0].Stdin
	for _, want := range []string{
		"CREATE DATABASE IF NOT EXISTS `acme_a1b2c3`",
		"CREATE USER IF NOT EXISTS 'acme_db_owner'@'localhost' IDENTIFIED BY 's3cret';",
		"GRANT ALL PRIVILEGES ON `acme_a1b2c3`.* TO 'acme_db_owner'@'localhost';",
	} {
		if !strings.Contains(mysql, want) {
			t.Errorf("mysql script missing %q:\n%s", want, mysql)
		}
	}

	if r.commands[1].User != "postgres" {
		t.Errorf("psql must run as postgres, got %q", r.commands[1].User)
	}
	pg := r.commands[1].Stdin
	for _, want := range []string{
		`CREATE ROLE "acme_db_owner" LOGIN PASSWORD 's3cret'`,
		`\gexec`,
		`GRANT ALL PRIVILEGES ON DATABASE "acme_a1b2c3" TO "acme_db_owner";`,
	} {
		if !strings.Contains(pg, want) {
			t.Errorf("postgres script missing %q:\n%s", want, pg)
		}
	}
}

func TestMySQLLiteralEscaping(t *testing.T) {
	if got := mysqlLiteral(`a'b\c`); got != `'a\'b\\c'` {
		t.Errorf("mysqlLiteral() = %s", got)
	}
}

func TestCertbotArgs(t *testing.T) {
	tests := []struct {
		name string
		req  engine.CertRequest
		want string
	}{
		{
			name: "with www and email",
			req:  engine.CertRequest{Domain: "acme.example", AltNames: []string{"www.acme.example"}, Email: "ops@acme.example"},
			want: "certbot --nginx -d acme.example -d www.acme.example --email ops@acme.example --agree-tos --no-eff-email --non-interactive",
		},
		{
			name: "no email",
			req:  engine.CertRequest{Domain: "acme.example"},
			want: "certbot --nginx -d acme.example --register-unsafely-without-email --agree-tos --no-eff-email --non-interactive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := strings.Join(CertbotArgs(tt.req), " "); got != tt.want {
				t.Errorf("CertbotArgs() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestCertbotIssuePaths(t *testing.T) {
	c := NewCertbot(&recordingRunner{}, "/etc/letsencrypt/live")
	cert, err := c.Issue(context.Background(), engine.CertRequest{Domain: "acme.example"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if cert.CertPath != "/etc/letsencrypt/live/acme.example/fullchain.pem" || cert.KeyPath != "/etc/letsencrypt/live/acme.example/privkey.pem" {
		t.Errorf("Issue() = %+v", cert)
	}
}

func TestTerminalPrompter(t *testing.T) {
	var out bytes.Buffer
	p := NewTerminalPrompter(strings.NewReader("\nmaybe\nn\nPHP8.4\n\nacme\n"), &out)

	if ok, err := p.PromptYesNo("Install fail2ban?", true); err != nil || !ok {
		t.Errorf("empty answer = %v, %v; want default true", ok, err)
	}
	if ok, err := p.PromptYesNo("Install npm?", true); err != nil || ok {
		t.Errorf("answer after retry = %v, %v; want false", ok, err)
	}
	if choice, err := p.PromptChoice("Select php", []string{"php8.3", "php8.4"}, "php8.3"); err != nil || choice != "php8.4" {
		t.Errorf("PromptChoice() = %q, %v", choice, err)
	}
	if v, err := p.PromptText("Branch", "main"); err != nil || v != "main" {
		t.Errorf("PromptText() = %q, %v", v, err)
	}
	if v, err := p.PromptText("Site name", ""); err != nil || v != "acme" {
		t.Errorf("PromptText() = %q, %v", v, err)
	}
	if _, err := p.PromptText("More", ""); err == nil {
		t.Error("PromptText() at EOF error = nil")
	}
	if !strings.Contains(out.String(), "Install fail2ban? [Y/n]: ") {
		t.Errorf("output = %q", out.String())
	}
}

func TestAnswersPrompter(t *testing.T) {
	p, err := ParseAnswers([]byte(`
answers:
  php: PHP8.4
  fail2ban: false
  "Install clamav?": "no"
  npm: "yes"
`))
	if err != nil {
		t.Fatalf("ParseAnswers() error = %v", err)
	}

	if choice, err := p.PromptChoice("Select php", []string{"php8.3", "php8.4"}, "php8.3"); err != nil || choice != "php8.4" {
		t.Errorf("PromptChoice() = %q, %v", choice, err)
	}
	for q, want := range map[string]bool{
		"Install fail2ban?":   false,
		"Install clamav?":     false,
		"Install npm?":        true,
		"Install supervisor?": true,
	} {
		got, err := p.PromptYesNo(q, true)
		if err != nil || got != want {
			t.Errorf("PromptYesNo(%q) = %v, %v; want %v", q, got, err, want)
		}
	}

	bad, _ := ParseAnswers([]byte("answers:\n  php: php7.4\n"))
	if _, err := bad.PromptChoice("Select php", []string{"php8.3"}, "php8.3"); err == nil {
		t.Error("PromptChoice() with unknown option error = nil")
	}
}

func TestRequireRoot(t *testing.T) {
	orig := euid
	defer func() { euid = orig }()

	euid = func() int { return 1000 }
	err := RequireRoot()
	if !engine.IsPrecondition(err) || !strings.Contains(err.Error(), "must be run as root (sudo)") {
		t.Errorf("RequireRoot() = %v", err)
	}
	ee, _ := engine.AsEngineError(err)
	if ee.Code != engine.ErrCodeNotRoot {
		t.Errorf("Code = %q", ee.Code)
	}

	euid = func() int { return 0 }
	if err := RequireRoot(); err != nil {
		t.Errorf("RequireRoot() as root = %v", err)
	}
}

// startDNS serves fixed A records on a loopback UDP port.
func startDNS(t *testing.T, records map[string]string) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		if ip, ok := records[q.Name]; ok && q.Qtype == dns.TypeA {
			rr, _ := dns.NewRR(q.Name + " 60 IN A " + ip)
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSCheckerWarnings(t *testing.T) {
	addr := startDNS(t, map[string]string{
		"acme.example.":     "203.0.113.10",
		"www.acme.example.": "198.51.100.7",
	})
	c := NewDNSChecker(addr)
	c.localAddrs = func() ([]net.IP, error) {
		return []net.IP{net.ParseIP("203.0.113.10")}, nil
	}

	warnings := c.Check(context.Background(), []string{"acme.example", "www.acme.example", "missing.example"})
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v", warnings)
	}
	if !strings.HasPrefix(warnings[0], "www.acme.example resolves to") {
		t.Errorf("warnings[0] = %q", warnings[0])
	}
	if warnings[1] != "missing.example: no A or AAAA records" {
		t.Errorf("warnings[1] = %q", warnings[1])
	}
}

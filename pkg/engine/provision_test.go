package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// events is a shared, ordered log of everything the fakes observed.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

func (e *events) count(prefix string) int {
	n := 0
	for _, s := range e.all() {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

type fakePackages struct {
	ev        *events
	mu        sync.Mutex
	installed map[string]bool
	failOn    string
}

func newFakePackages(ev *events, installed ...string) *fakePackages {
	p := &fakePackages{ev: ev, installed: map[string]bool{}}
	for _, name := range installed {
		p.installed[name] = true
	}
	return p
}

func (p *fakePackages) Installed(_ context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.installed[name], nil
}

func (p *fakePackages) Update(context.Context) error {
	p.ev.add("update")
	return nil
}

func (p *fakePackages) Install(_ context.Context, names []string) error {
	p.ev.add("install " + strings.Join(names, " "))
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range names {
		if n == p.failOn {
			return NewCommandError(append([]string{"apt-get", "install", "-y"}, names...), 100, "E: Unable to locate package "+n, nil)
		}
	}
	for _, n := range names {
		p.installed[n] = true
	}
	return nil
}

type fakeServices struct {
	ev        *events
	enableErr error
}

func (s *fakeServices) Enabled(context.Context, string) (bool, error) { return false, nil }
func (s *fakeServices) Active(context.Context, string) (bool, error)  { return false, nil }
func (s *fakeServices) Reload(context.Context, string) error          { return nil }
func (s *fakeServices) Restart(context.Context, string) error         { return nil }

func (s *fakeServices) EnableNow(_ context.Context, name string) error {
	s.ev.add("enable " + name)
	return s.enableErr
}

// scriptedPrompter answers from maps and falls back to defaults.
type scriptedPrompter struct {
	ev      *events
	yesNo   map[string]bool
	choices map[string]string
}

func (p *scriptedPrompter) PromptYesNo(question string, def bool) (bool, error) {
	p.ev.add("ask " + question)
	if v, ok := p.yesNo[question]; ok {
		return v, nil
	}
	return def, nil
}

func (p *scriptedPrompter) PromptChoice(question string, options []string, def string) (string, error) {
	p.ev.add("ask " + question)
	if v, ok := p.choices[question]; ok {
		return v, nil
	}
	return def, nil
}

func (p *scriptedPrompter) PromptText(question string, def string) (string, error) {
	p.ev.add("ask " + question)
	return def, nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	steps []StepRecord
}

func (r *fakeRecorder) RecordStep(_ context.Context, _ string, step StepRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	return nil
}

func hook(ev *events, name string) Hook {
	return func(context.Context, *InstallContext) error {
		ev.add("hook " + name)
		return nil
	}
}

type fixture struct {
	ev       *events
	packages *fakePackages
	services *fakeServices
	prompter *scriptedPrompter
	journal  *fakeRecorder
	engine   *Engine
	ic       *InstallContext
}

func newFixture(installed ...string) *fixture {
	ev := &events{}
	f := &fixture{
		ev:       ev,
		packages: newFakePackages(ev, installed...),
		services: &fakeServices{ev: ev},
		prompter: &scriptedPrompter{ev: ev, yesNo: map[string]bool{}, choices: map[string]string{}},
		journal:  &fakeRecorder{},
	}
	f.engine = NewEngine(Options{Prompter: f.prompter, Journal: f.journal})
	f.ic = &InstallContext{RunID: "run-1", Packages: f.packages, Services: f.services}
	return f
}

func TestExecuteInstallsOnlyWhatIsMissing(t *testing.T) {
	f := newFixture("git", "curl")
	tree := []Node{
		&Leaf{Name: "tools", Packages: []string{"git", "curl"}, PostInstall: hook(f.ev, "tools")},
		&Leaf{Name: "web", Packages: []string{"nginx", "curl", "nginx"}, Service: "nginx", PostInstall: hook(f.ev, "web")},
	}

	report, err := f.engine.Execute(context.Background(), tree, f.ic)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []string{"hook tools", "update", "install nginx", "enable nginx", "hook web"}
	if got := f.ev.all(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("events = %v, want %v", got, want)
	}
	if report.Status != RunStatusSucceeded || report.RunID != "run-1" {
		t.Errorf("report = %+v", report)
	}
	if l, _ := report.Leaf("tools"); l.Status != StepStatusAlreadySatisfied {
		t.Errorf("tools status = %s", l.Status)
	}
	if l, _ := report.Leaf("web"); l.Status != StepStatusInstalled || len(l.Missing) != 1 {
		t.Errorf("web = %+v", l)
	}
	if len(f.journal.steps) != 2 {
		t.Errorf("journaled %d steps, want 2", len(f.journal.steps))
	}
	if strings.Join(f.ic.Selected, ",") != "tools,web" {
		t.Errorf("selected = %v", f.ic.Selected)
	}
}

func TestExecuteIsIdempotent(t *testing.T) {
	f := newFixture()
	tree := []Node{&Leaf{Name: "web", Packages: []string{"nginx"}, Service: "nginx"}}

	if _, err := f.engine.Execute(context.Background(), tree, f.ic); err != nil {
		t.Fatal(err)
	}
	report, err := f.engine.Execute(context.Background(), tree, &InstallContext{Packages: f.packages, Services: f.services})
	if err != nil {
		t.Fatal(err)
	}
	if report.Count(StepStatusAlreadySatisfied) != 1 {
		t.Errorf("second run = %+v", report.Leaves)
	}
	if f.ev.count("install") != 1 || f.ev.count("update") != 1 {
		t.Errorf("second run touched packages: %v", f.ev.all())
	}
}

func TestSelectionPrecedesExecution(t *testing.T) {
	f := newFixture()
	tree := []Node{
		&Leaf{Name: "base", Packages: []string{"git"}},
		&Group{
			Name:  "php",
			OneOf: true,
			Children: []Node{
				&Leaf{Name: "php8.3", Packages: []string{"php8.3"}},
				&Leaf{Name: "php8.4", Packages: []string{"php8.4"}},
			},
		},
		&Group{
			Name: "optional",
			Children: []Node{
				&Leaf{Name: "fail2ban", Packages: []string{"fail2ban"}, Default: Ask(true)},
				&Leaf{Name: "npm", Packages: []string{"npm"}, Default: Ask(false)},
			},
		},
	}
	f.prompter.choices["Select php"] = "PHP8.4"

	report, err := f.engine.Execute(context.Background(), tree, f.ic)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got := f.ev.all()
	wantPrefix := []string{"ask Select php", "ask Install fail2ban?", "ask Install npm?"}
	if strings.Join(got[:3], "|") != strings.Join(wantPrefix, "|") {
		t.Fatalf("events = %v, want questions first", got)
	}
	for _, e := range got[3:] {
		if strings.HasPrefix(e, "ask ") {
			t.Errorf("question %q asked after execution started", e)
		}
	}

	if _, ok := report.Leaf("php8.3"); ok {
		t.Error("unselected one-of leaf appears in the report")
	}
	if l, _ := report.Leaf("php8.4"); l.Status != StepStatusInstalled {
		t.Errorf("php8.4 = %+v", l)
	}
	if l, _ := report.Leaf("npm"); l.Status != StepStatusSkipped {
		t.Errorf("npm = %+v", l)
	}
	if strings.Join(f.ic.Selected, ",") != "base,php8.4,fail2ban" {
		t.Errorf("selected = %v", f.ic.Selected)
	}
}

func TestDeclinedGroupSkipsChildren(t *testing.T) {
	f := newFixture()
	tree := []Node{
		&Group{
			Name:    "extras",
			Default: Ask(true),
			Children: []Node{
				&Leaf{Name: "supervisor", Packages: []string{"supervisor"}, Default: Ask(true)},
				&Leaf{Name: "sqlite", Packages: []string{"sqlite3"}},
			},
		},
	}
	f.prompter.yesNo["Include extras?"] = false

	report, err := f.engine.Execute(context.Background(), tree, f.ic)
	if err != nil {
		t.Fatal(err)
	}
	if report.Count(StepStatusSkipped) != 2 {
		t.Errorf("report = %+v", report.Leaves)
	}
	if f.ev.count("ask Install") != 0 {
		t.Errorf("children of a declined group were asked about: %v", f.ev.all())
	}
	if f.ev.count("install") != 0 {
		t.Error("declined group installed packages")
	}
}

func TestInvalidChoice(t *testing.T) {
	f := newFixture()
	tree := []Node{&Group{Name: "php", OneOf: true, Children: []Node{&Leaf{Name: "php8.3"}}}}
	f.prompter.choices["Select php"] = "php7.4"

	_, err := f.engine.Execute(context.Background(), tree, f.ic)
	ee, ok := AsEngineError(err)
	if !ok || ee.Code != ErrCodeInvalidInput {
		t.Errorf("Execute() = %v, want INVALID_INPUT", err)
	}
}

func TestFailureAbortsRun(t *testing.T) {
	f := newFixture()
	f.packages.failOn = "nginx"
	tree := []Node{
		&Leaf{Name: "tools", Packages: []string{"git"}},
		&Leaf{Name: "web", Packages: []string{"nginx"}, PostInstall: hook(f.ev, "web")},
		&Leaf{Name: "php8.3", Packages: []string{"php8.3"}},
	}

	report, err := f.engine.Execute(context.Background(), tree, f.ic)
	if !IsCommandFailure(err) {
		t.Fatalf("Execute() = %v, want EXTERNAL_COMMAND_FAILED", err)
	}
	ee, _ := AsEngineError(err)
	if ee.Step != "web/install" || ee.ExitCode != 100 || !strings.Contains(ee.Diagnostic, "Unable to locate") {
		t.Errorf("error = %+v", ee)
	}
	if report.Status != RunStatusFailed {
		t.Errorf("status = %s", report.Status)
	}
	if failed, ok := report.Failed(); !ok || failed.Name != "web" {
		t.Errorf("failed leaf = %+v", failed)
	}
	if _, ok := report.Leaf("php8.3"); ok {
		t.Error("leaf after the failure was executed")
	}
	if f.ev.count("hook web") != 0 {
		t.Error("post-install hook ran after a failed install")
	}
	last := f.journal.steps[len(f.journal.steps)-1]
	if last.Status != StepStatusFailed || !strings.Contains(last.Detail, "external command failed") {
		t.Errorf("journaled failure = %+v", last)
	}
}

func TestHookFailureNamesHook(t *testing.T) {
	f := newFixture("nginx")
	tree := []Node{&Leaf{Name: "web", Packages: []string{"nginx"}, PostInstall: func(context.Context, *InstallContext) error {
		return errors.New("config broken")
	}}}

	_, err := f.engine.Execute(context.Background(), tree, f.ic)
	if err == nil || !strings.Contains(err.Error(), "web/post_install") {
		t.Errorf("Execute() = %v, want failure at web/post_install", err)
	}
}

func TestServiceEnableFailureIsWarning(t *testing.T) {
	f := newFixture()
	f.services.enableErr = errors.New("unit not found")
	tree := []Node{&Leaf{Name: "db", Packages: []string{"postgresql"}, Service: "postgresql"}}

	report, err := f.engine.Execute(context.Background(), tree, f.ic)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	l, _ := report.Leaf("db")
	if l.Status != StepStatusInstalled || len(l.Warnings) != 1 {
		t.Errorf("db = %+v", l)
	}
}

func TestPreInstallHookInvalidatesIndex(t *testing.T) {
	f := newFixture()
	tree := []Node{
		&Leaf{Name: "nginx", Packages: []string{"nginx"}},
		&Leaf{Name: "php8.4", Packages: []string{"php8.4"}, PreInstall: func(ctx context.Context, ic *InstallContext) error {
			f.ev.add("hook repository")
			ic.AptUpdated = false
			return nil
		}},
	}

	if _, err := f.engine.Execute(context.Background(), tree, f.ic); err != nil {
		t.Fatal(err)
	}
	want := []string{"update", "install nginx", "hook repository", "update", "install php8.4"}
	if got := f.ev.all(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestDryRunPlansOnly(t *testing.T) {
	f := newFixture("git")
	f.ic.DryRun = true
	tree := []Node{
		&Leaf{Name: "tools", Packages: []string{"git"}, PostInstall: hook(f.ev, "tools")},
		&Leaf{Name: "web", Packages: []string{"nginx"}},
	}

	report, err := f.engine.Execute(context.Background(), tree, f.ic)
	if err != nil {
		t.Fatal(err)
	}
	if report.Count(StepStatusPlanned) != 2 {
		t.Errorf("report = %+v", report.Leaves)
	}
	if l, _ := report.Leaf("web"); len(l.Missing) != 1 || l.Missing[0] != "nginx" {
		t.Errorf("web = %+v", l)
	}
	if len(f.ev.all()) != 0 {
		t.Errorf("dry run had side effects: %v", f.ev.all())
	}
}

func TestRuntimeChoiceSetsContextBeforeExecution(t *testing.T) {
	tests := []struct {
		name   string
		dryRun bool
	}{
		{name: "dry run", dryRun: true},
		{name: "install", dryRun: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.ic.DryRun = tt.dryRun
			f.ic.Root = t.TempDir()
			f.prompter.choices["Select php"] = "php8.4"

			php84 := PHPLeaf("8.4", false)
			var seen string
			php84.PreInstall = func(_ context.Context, ic *InstallContext) error {
				seen = ic.PHPVersion
				return nil
			}
			tree := []Node{&Group{Name: "php", OneOf: true, Children: []Node{PHPLeaf("8.3", false), php84}}}

			if _, err := f.engine.Execute(context.Background(), tree, f.ic); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if f.ic.PHPVersion != "8.4" || f.ic.PHPService != "php8.4-fpm" {
				t.Errorf("context = %q/%q", f.ic.PHPVersion, f.ic.PHPService)
			}
			if !tt.dryRun && seen != "8.4" {
				t.Errorf("pre-install hook saw PHP version %q", seen)
			}
		})
	}
}

func TestCancelledRun(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.engine.Execute(ctx, []Node{&Leaf{Name: "web", Packages: []string{"nginx"}}}, f.ic)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() = %v, want context.Canceled", err)
	}
	if report.Status != RunStatusCancelled {
		t.Errorf("status = %s", report.Status)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []Node
		wantErr string
	}{
		{"valid", DefaultPlan(), ""},
		{"unnamed leaf", []Node{&Leaf{}}, "leaf without name"},
		{"unnamed group", []Node{&Group{}}, "group without name"},
		{"duplicate", []Node{&Leaf{Name: "a"}, &Group{Name: "g", Children: []Node{&Leaf{Name: "a"}}}}, "duplicate leaf"},
		{"empty one-of", []Node{&Group{Name: "php", OneOf: true, Children: []Node{&Group{Name: "inner"}}}}, "no leaf children"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.nodes)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPlanShape(t *testing.T) {
	plan := DefaultPlan()
	var names []string
	for _, n := range plan {
		names = append(names, n.NodeName())
	}
	if strings.Join(names, ",") != "base,nginx,php,optional" {
		t.Errorf("top-level nodes = %v", names)
	}

	php := plan[2].(*Group)
	if !php.OneOf || leafNames(php)[0] != "php8.3" {
		t.Errorf("php group = %+v", php)
	}
	for _, c := range php.Children {
		l := c.(*Leaf)
		if l.PostInstall == nil || l.Service != l.Name+"-fpm" {
			t.Errorf("runtime leaf %s = %+v", l.Name, l)
		}
		if (l.PreInstall != nil) != (l.Name != "php8.3") {
			t.Errorf("runtime leaf %s repository hook mismatch", l.Name)
		}
	}
}

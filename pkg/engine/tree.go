package engine

import (
	"context"
	"fmt"
	"path/filepath"
)

// Hook runs before or after a leaf's packages are installed.
// Hooks must be idempotent: post-install hooks also run when a leaf is
// already satisfied.
type Hook func(ctx context.Context, ic *InstallContext) error

// Node is one element of an install tree: either *Leaf or *Group.
type Node interface {
	NodeName() string
	node()
}

// Leaf is one installable unit.
type Leaf struct {
	Name     string
	Packages []string

	// Default is nil when the leaf is mandatory. Otherwise the operator is
	// asked "Install <name>?" with Default as the pre-selected answer.
	Default *bool

	// Service is enabled and started after a fresh install.
	Service string

	// OnSelect runs during selection once the leaf is chosen, before any
	// leaf executes. It may only record choices in the context.
	OnSelect func(ic *InstallContext)

	PreInstall  Hook
	PostInstall Hook
}

// Group is a named collection of nodes.
type Group struct {
	Name     string
	Children []Node

	// Default is nil when the group is always walked. Otherwise the operator
	// is asked "Include <name>?".
	Default *bool

	// OneOf makes the operator choose exactly one child leaf.
	OneOf bool
}

// NodeName implements Node.
func (l *Leaf) NodeName() string { return l.Name }
func (l *Leaf) node()            {}

// NodeName implements Node.
func (g *Group) NodeName() string { return g.Name }
func (g *Group) node()            {}

// Ask marks a leaf or group as optional with the given default answer.
func Ask(def bool) *bool {
	return &def
}

// InstallContext is the mutable state shared by every hook of one run.
type InstallContext struct {
	RunID string

	// PHPVersion is set when a runtime leaf is selected, e.g. "8.3".
	PHPVersion string

	// PHPService is the FPM unit of the selected runtime.
	PHPService string

	DryRun  bool
	Verbose bool

	// AptUpdated is cleared by hooks that add package sources.
	AptUpdated bool

	// Root prefixes every absolute path a hook writes. Empty means "/".
	Root string

	Runner   Runner
	Packages Packages
	Services Services

	// Selected lists leaf names in execution order once selection is done.
	Selected []string
}

// Path maps an absolute system path into the context root.
func (ic *InstallContext) Path(p string) string {
	if ic.Root == "" {
		return p
	}
	return filepath.Join(ic.Root, p)
}

// Run executes a command through the context runner.
func (ic *InstallContext) Run(ctx context.Context, argv ...string) (*ExecResult, error) {
	if ic.Runner == nil {
		return nil, fmt.Errorf("install context has no runner")
	}
	return ic.Runner.Run(ctx, Command{Argv: argv, Quiet: !ic.Verbose})
}

// Validate checks the tree for structural mistakes: empty names, duplicate
// leaf names, and one-of groups without leaf children.
func Validate(nodes []Node) error {
	seen := make(map[string]bool)
	var walk func(n Node) error
	walk = func(n Node) error {
		switch v := n.(type) {
		case *Leaf:
			if v.Name == "" {
				return fmt.Errorf("leaf without name")
			}
			if seen[v.Name] {
				return fmt.Errorf("duplicate leaf %q", v.Name)
			}
			seen[v.Name] = true
		case *Group:
			if v.Name == "" {
				return fmt.Errorf("group without name")
			}
			if v.OneOf && len(leafNames(v)) == 0 {
				return fmt.Errorf("group %q is one-of but has no leaf children", v.Name)
			}
			for _, c := range v.Children {
				if err := walk(c); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown node type %T", n)
		}
		return nil
	}
	for _, n := range nodes {
		if err := walk(n); err != nil {
			return err
		}
	}
	return nil
}

func leafNames(g *Group) []string {
	names := make([]string, 0, len(g.Children))
	for _, c := range g.Children {
		if l, ok := c.(*Leaf); ok {
			names = append(names, l.Name)
		}
	}
	return names
}

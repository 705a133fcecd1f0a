// Package engine provides the install tree, the provisioning engine and the
// error and collaborator types shared by every cherve command.
//
// # Install Trees
//
// A server install is described as a tree of nodes:
//
//   - Leaf: a named set of packages with an optional service and
//     pre/post install hooks
//   - Group: a named list of children; optional groups are asked about,
//     one-of groups make the operator pick exactly one leaf
//
// Optional leaves and groups carry a Default answer (see Ask). DefaultPlan
// returns the tree used by "cherve server install".
//
// # Execution
//
// Engine.Execute runs in two passes. The selection pass walks the tree
// depth-first in declaration order and asks every question up front. The
// execution pass then checks each selected leaf in order:
//
//  1. Every package present: the leaf is already satisfied and only its
//     post-install hook runs
//  2. Otherwise: pre-install hook, package index refresh (once per run
//     unless a hook invalidates it), install of the missing packages,
//     service enable, post-install hook
//
// The first failing leaf aborts the run. Hooks share one InstallContext.
// A leaf's OnSelect records its choice there during selection, so the
// selected PHP version is known to every hook and to dry runs.
//
// # Collaborators
//
// External effects go through small interfaces so the engine and the site
// lifecycle can be tested with fakes:
//
//   - Runner: external commands, optionally as another user
//   - Packages, Services: the package manager and the service manager
//   - Prompter: operator questions
//   - CertIssuer, Accounts, Databases, DeployKeys: site provisioning
//   - StepRecorder: the run journal
//
// # Error Classification
//
// Failures are *EngineError values classified by ErrorClass. The CLI prints
// the failing step, the command and a bounded excerpt of its output:
//
//	if engine.IsCommandFailure(err) {
//	    ee, _ := engine.AsEngineError(err)
//	    fmt.Println(ee.Step, ee.Argv, ee.Diagnostic)
//	}
package engine

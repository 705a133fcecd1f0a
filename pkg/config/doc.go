// Package config persists cherve's host-wide and per-site records and reads
// runtime settings from the environment.
//
// # Records
//
// The server record lives at /etc/cherve/server.toml and describes the PHP
// runtime and routing directories chosen by server install. Each site has a
// record under /etc/cherve/sites.d/<site>.toml holding its account, paths,
// repository, mode, database metadata and [[domains]] entries.
//
// # Store
//
// Store reads records into typed structs and writes them back atomically:
// the new content goes to <path>.tmp, is synced, and is renamed over the
// original. A save rewrites only the keys the typed record owns, so keys
// added by hand or by other tools survive.
//
// Loading checks every record twice. The decoded document is unified with a
// CUE definition (#Server or #Site), and the typed record is checked with
// validator tags. Either failure surfaces as a SCHEMA_INCONSISTENT error;
// records are never repaired silently. Site records written by earlier
// releases with a single domain key and a [tls] table are migrated on read.
//
// # Usage Example
//
//	settings, err := config.LoadSettings()
//	if err != nil {
//	    return err
//	}
//	store := config.NewStore(settings)
//
//	site, err := store.LoadSite(ctx, "acme")
//	if err != nil {
//	    return err
//	}
//	site.Mode = config.ModeApp
//	return store.SaveSite(ctx, site)
package config

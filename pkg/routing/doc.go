// Package routing renders one nginx server config per domain and publishes
// it with a render, validate, then swap cycle: the new file is checked with
// "nginx -t" before the service is reloaded, and the previous file is put
// back if the check fails.
package routing

// Package vhosts turns a list of websites into a self-contained set of nginx
// virtual hosts for an emulated internet.
//
// A Workspace runs the seven site-generation phases: it creates a certificate
// authority, downloads each site (optionally rendering it in headless Chrome),
// issues a certificate per host, resolves hosts entries, writes nginx server
// blocks, builds a landing page and summarises what was scraped. Each phase is
// an operations.PhaseFunc so the operations Runner tracks its progress, and
// Completed probes the on-disk artifacts so later phase-runs can skip work that
// already exists.
package vhosts

// Package emulator drives the CORE network emulator through its command line client.
//
// CoreCLI wraps the `core-cli` subcommands the dashboard needs (query sessions,
// session delete, xml load) and exposes the five topology-load phases as an
// operations.PhaseFunc. Failures of the CLI are reported as collaborator errors whose
// text is the CLI's own output.
package emulator

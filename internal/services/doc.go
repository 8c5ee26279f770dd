// Package services implements the layer between HTTP handlers and the operation
// machinery.
//
// OperationService validates start requests, resolves them into operations.Job
// values for the three job kinds and hands them to the Runner. It owns the dedupe
// keys that make duplicate starts join the running operation, and it scopes every
// read to the requesting owner: another owner's operation is reported as not found.
//
//	topology-load  emulator.Catalog()  file resolved inside the topology directory
//	site-scrape    vhosts.Catalog()    all seven phases, sites required
//	phase-run      vhosts.Catalog()    a subset, prerequisites probed on disk
//
// Validation failures are returned as operations validation errors before any
// operation is created.
//
// HealthService reports liveness and runs the readiness probes registered by the
// application.
package services

// Package app wires fauxnetd together and runs it.
//
// New builds every component from a config.Config: telemetry, the optional sqlite
// archive, the operation registry and runner, the emulator and virtual-host
// collaborators, the services and the chi router. Run serves HTTP, drives the sweeper
// and system metrics, and on cancellation shuts down in order:
//
//  1. stop accepting requests and drain open ones
//  2. close websocket clients
//  3. wait for running operations until the shutdown deadline
//  4. close the archive and flush telemetry
//
// Operations cannot be cancelled, so a shutdown deadline that expires leaves them
// archived as running; the next start marks them interrupted.
package app

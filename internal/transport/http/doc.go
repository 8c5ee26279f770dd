// Package http implements the HTTP handlers of the fauxnet daemon.
//
// Handlers stay thin: they decode the request, take the owner from the
// authenticated principal, call services.OperationService and render the result.
// Every error goes through errors.ErrorHandler and leaves as RFC 7807 problem
// details, so operation error types map onto one status each:
//
//	validation              400
//	dependency_unsatisfied  422
//	not_found               404
//	invalid_state           409
//	collaborator            502
//	transport               503
//
// Start endpoints answer 202 with the operation id as soon as the record exists.
// Progress is read either by polling a status route or by following
// /api/operations/stream/{id}, a text/event-stream that sends the full record as a
// "progress" event after every change, comment keepalives while nothing moves, and
// ends after the terminal record or with a "timeout" event when the operation
// stays idle too long.
package http

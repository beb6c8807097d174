// Package role routes dispatched tasks to the worker that owns their role.
//
// The scheduler only sees the Dispatcher contract. Registry is the in-process
// implementation: it maps role names to handlers, tracks in-flight calls so
// Cancel can release them, and stamps the reporting task onto each report.
// CommandHandler runs a worker as an external process speaking JSON and
// HTTPHandler reaches one over HTTP.
package role

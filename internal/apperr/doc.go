// Package apperr defines the error taxonomy shared by the metric store, the
// collector scheduler, the alert engine and the notification dispatcher.
//
// Only *ValidationError and *NotFoundError are returned from direct mutation
// calls. The remaining types describe failures that are contained to one
// collector, rule or channel and are reflected in that entity's status.
package apperr

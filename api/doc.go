// Package api defines the HTTP request and response shapes of the valueflow
// service. Handlers live in the handlers subpackage.
package api

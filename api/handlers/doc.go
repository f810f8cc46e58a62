// Package handlers implements the HTTP handlers of the valueflow service:
// workflow definitions, executions, agent registration, and health probes.
package handlers

// Command valueflow runs the customer-value workflow orchestration service:
// HTTP API, agent routing, execution engine, and Prometheus metrics.
package main

// Package metrics provides the prometheus collector for the workflow
// engine and HTTP surface. This package is internal and should not be
// imported by external projects.
package metrics

// Package server provides HTTP server lifecycle management. This package
// is internal and should not be imported by external projects.
package server

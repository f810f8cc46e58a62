// Package database manages the GORM connection pool behind the execution
// store. This package is internal and should not be imported by external
// projects.
package database

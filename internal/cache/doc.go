// Package cache manages the Redis client behind the sticky session store.
// This package is internal and should not be imported by external projects.
package cache

// Package registry provides a generic thread-safe registry.
//
// The graph builder uses a Registry to resolve node type names to
// handler functions. Registration is expected to happen once at
// startup; lookups are read-heavy and use an RWMutex.
package registry

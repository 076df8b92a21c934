/*
Package catalog discovers message consumers by capability.

Packages register their types from init() with Register or Provide; the
registry groups them into modules keyed by Go package path. A Catalog
enumerates each module once, caches the concrete types that carry the
bus.Consumer capability, and answers capability-filtered queries from the
cache. No package scanning happens at runtime: only registered types are
visible.
*/
package catalog

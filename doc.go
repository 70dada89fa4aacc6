// Package ivm multiplexes many isolated JavaScript execution environments
// inside one Go process. Each isolate owns its own engine heap, memory cap,
// and task queue; values and code move between isolates with explicit copy,
// reference, or transfer semantics, so untrusted scripts can run side by
// side without sharing anything by accident.
//
// The host interacts through handles: an Isolate compiles scripts and
// modules and creates contexts; a Reference reaches a value living in some
// isolate; an ExternalCopy holds a value out-of-heap for cheap injection
// into any number of isolates. Every cross-isolate operation runs as a
// three-phase task — built by the caller, executed inside the target, and
// completed back on the caller's side — with synchronous, asynchronous, and
// fire-and-forget drivers.
package ivm

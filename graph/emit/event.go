package emit

// Event represents an observability event emitted during a debugging
// session.
//
// Events provide detailed insight into a macrostepping session:
//   - Process submit/refresh reports
//   - Permission decisions and macrostep advances
//   - Collective Breakpoint tree node creation and exhaustion
//   - Instance lifecycle (started, finished, destroyed)
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// InstanceID identifies the application instance that emitted this event.
	InstanceID string

	// ProcessID identifies the process that emitted this event. Empty for
	// instance-level events (permit, instance_started, instance_destroyed).
	ProcessID string

	// ApplicationName is the name of the application descriptor the
	// instance was created from.
	ApplicationName string

	// BPNumber is the breakpoint number the event pertains to (1-indexed).
	// Zero for events not tied to a specific breakpoint.
	BPNumber int

	// NodeID identifies the Collective Breakpoint tree node this event
	// pertains to. Empty for events not tied to a tree node.
	NodeID string

	// Msg is a human-readable description of the event.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Operation duration in milliseconds
	//   - "error": Error details
	//   - "bp_number": Breakpoint number reported by a process
	//   - "finished": Whether the reporting process finished
	//   - "retryable": Whether an error can be retried
	Meta map[string]interface{}
}

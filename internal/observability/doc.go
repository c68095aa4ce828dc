// Package observability provides correlation-ID context propagation, a
// redacting structured logger, and an in-memory run/tool event timeline
// for debugging a single agent run after the fact.
//
// # Context correlation
//
// Add*/Get* helpers thread a run ID, session ID, tool-call ID, agent ID,
// and message ID through context.Context so log lines and recorded events
// for the same turn can be joined later:
//
//	ctx = observability.AddRunID(ctx, runID)
//	ctx = observability.AddSessionID(ctx, sessionID)
//	runID := observability.GetRunID(ctx)
//
// # Logging
//
// Logger wraps log/slog with automatic secret redaction (API keys,
// bearer tokens, passwords, private key blocks) and pulls correlation
// IDs out of context automatically:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	logger.Info(ctx, "tool executed", "tool", name, "api_key", key) // api_key redacted
//
// # Event timeline
//
// EventRecorder writes run/tool lifecycle events into an EventStore
// (MemoryEventStore by default) so a run can be replayed as a Timeline
// after the fact, independent of whatever structured logs were emitted
// during the run itself.
package observability

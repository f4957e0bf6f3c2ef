// Package logging provides structured logging for authkit with subsystem
// tagging and a security audit trail.
//
// The package is a thin layer over Go's standard slog package. All log
// entries carry a subsystem identifier so that output from the session
// manager, storage layer, and provider token store can be filtered
// independently:
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//	logging.Info("Session", "Session committed for user %s", userID)
//	logging.Error("Storage", err, "Failed to persist key %s", key)
//
// # Audit Logging
//
// Security-sensitive operations (token storage, refresh, revocation, storage
// mutations) are recorded through Audit:
//
//	logging.Audit(logging.AuditEvent{
//	    Action:  "storage_set",
//	    Key:     "authkit_session",
//	    Outcome: "success",
//	    Actor:   userID,
//	})
//
// Audit events are logged at INFO level with an [AUDIT] prefix for easy
// filtering. Emission is best-effort by contract: a failure to log never
// propagates to the audited operation.
package logging

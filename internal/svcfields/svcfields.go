package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// Canonical keys shared by coordinator, node, and transport log entries.
const (
	SubsystemKey = pslog.TrustedString("sys")
	NodeKey      = pslog.TrustedString("node")
	NamespaceKey = pslog.TrustedString("ns")
	LogIDKey     = pslog.TrustedString("log_id")
	OperationKey = pslog.TrustedString("op_id")
	MemberKey    = pslog.TrustedString("member")
	KindKey      = pslog.TrustedString("kind")
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Ensure returns logger, or a disabled logger when it is nil.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}

// Package oplog assigns monotonically increasing identifiers to requests a
// coordinator originates and records which identifiers a participant has
// already received.
package oplog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"
)

// ID identifies one dispatched node request. IDs are totally ordered and
// strictly increasing per log instance.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Request is the part of a message the log needs to know about.
type Request interface {
	Kind() string
}

// Log is the coordinator's operation log.
type Log interface {
	// Log allocates the next ID for req.
	Log(ctx context.Context, req Request) (ID, error)
	// LogReceived records that req arrived from origin under id. It reports
	// false when the pair was already recorded.
	LogReceived(ctx context.Context, origin string, id ID, req Request) (bool, error)
	Close() error
}

// ErrClosed is returned once the log has been closed.
var ErrClosed = errors.New("oplog: closed")

// Entry is the persisted form of a logged request.
type Entry struct {
	ID       ID        `json:"id"`
	Origin   string    `json:"origin,omitempty"`
	Kind     string    `json:"kind"`
	LoggedAt time.Time `json:"logged_at"`
}

// Open builds a Log from a store URL: mem:// for an in-memory log or
// bolt:///path/to/file (or a bare path) for a durable one.
func Open(raw string, logger pslog.Logger) (Log, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "mem://" || raw == "mem:" {
		return NewMemory(), nil
	}
	if !strings.Contains(raw, "://") {
		return OpenBolt(raw, BoltOptions{Logger: logger})
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("oplog: parse store %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "mem":
		return NewMemory(), nil
	case "bolt", "file":
		path := u.Path
		if u.Host != "" {
			path = u.Host + path
		}
		if path == "" {
			return nil, fmt.Errorf("oplog: store %q missing path", raw)
		}
		return OpenBolt(path, BoltOptions{Logger: logger})
	default:
		return nil, fmt.Errorf("oplog: unsupported store scheme %q", u.Scheme)
	}
}

// Package record defines record identities and versions shared by the lock
// manager and the transaction protocol.
package record

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ID identifies a record by cluster and position, rendered as #cluster:position.
// Records not yet persisted carry a negative cluster.
type ID struct {
	Cluster  int32 `json:"cluster"`
	Position int64 `json:"position"`
}

// ErrInvalidID reports a malformed textual record identity.
var ErrInvalidID = errors.New("record: invalid id")

// New returns the ID for cluster and position.
func New(cluster int32, position int64) ID {
	return ID{Cluster: cluster, Position: position}
}

// Parse reads the #cluster:position form.
func Parse(raw string) (ID, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "#")
	clusterPart, positionPart, ok := strings.Cut(raw, ":")
	if !ok {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	cluster, err := strconv.ParseInt(clusterPart, 10, 32)
	if err != nil {
		return ID{}, fmt.Errorf("%w: cluster %q", ErrInvalidID, clusterPart)
	}
	position, err := strconv.ParseInt(positionPart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: position %q", ErrInvalidID, positionPart)
	}
	return ID{Cluster: int32(cluster), Position: position}, nil
}

// IsPersistent reports whether the id points at a stored record.
func (id ID) IsPersistent() bool {
	return id.Cluster >= 0 && id.Position >= 0
}

func (id ID) String() string {
	return "#" + strconv.FormatInt(int64(id.Cluster), 10) + ":" + strconv.FormatInt(id.Position, 10)
}

// MarshalText encodes the id as #cluster:position.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses the #cluster:position form.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Compare orders ids by cluster then position.
func Compare(a, b ID) int {
	if c := cmp.Compare(a.Cluster, b.Cluster); c != 0 {
		return c
	}
	return cmp.Compare(a.Position, b.Position)
}

// SortedSet returns ids sorted and deduplicated.
func SortedSet(ids []ID) []ID {
	out := slices.Clone(ids)
	slices.SortFunc(out, Compare)
	return slices.Compact(out)
}

// Version is a record's optimistic concurrency counter.
type Version int32

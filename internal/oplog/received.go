package oplog

import "slices"

// ReceivedWindow bounds how many receipts are remembered per origin. Once
// full, the oldest receipt is forgotten and every id at or below it counts
// as a replay.
const ReceivedWindow = 4096

// receivedSet tracks the ids seen from one origin above a floor.
type receivedSet struct {
	floor ID
	ids   []ID // ascending
}

// add records id and reports whether it was new.
func (r *receivedSet) add(id ID, window int) bool {
	if id <= r.floor {
		return false
	}
	at, found := slices.BinarySearch(r.ids, id)
	if found {
		return false
	}
	r.ids = slices.Insert(r.ids, at, id)
	if window > 0 && len(r.ids) > window {
		drop := len(r.ids) - window
		r.floor = r.ids[drop-1]
		r.ids = slices.Delete(r.ids, 0, drop)
	}
	return true
}

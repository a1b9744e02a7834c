package presence

import "errors"

// ErrNotContiguous is returned by MergeDeltas when the local delta's
// end context does not dominate the remote delta's start context for
// every replica the remote covers — stitching the two together would
// leave an observable gap in the replica's history.
var ErrNotContiguous = errors.New("presence: deltas are not contiguous")

package cache

import "errors"

// ErrDirtyEntry is returned by Invalidate on a dirty entry without discard.
// Dropping it would lose a write the backend has not seen yet.
var ErrDirtyEntry = errors.New("cache entry is dirty")

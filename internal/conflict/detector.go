// Package conflict classifies canonical-store failures and turns a caller's resolution
// decision into the final write that settles a conflicted queue item.
package conflict

import (
	"errors"

	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
)

// Detect reports whether err is a conflicting write. Only the typed signal counts;
// timeouts, validation and authorization failures are ordinary errors.
func Detect(err error) (*syncerr.ConflictError, bool) {
	if err == nil {
		return nil, false
	}
	var ce *syncerr.ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

package usage

import "errors"

// ErrLimitReached indicates the organization exhausted its analysis quota
// for the current period.
var ErrLimitReached = errors.New("limit reached")

package clock

import "errors"

// ErrNoDateHeader is returned when the sync endpoint does not provide a
// Date header to read network time from.
var ErrNoDateHeader = errors.New("no Date header in time sync response")

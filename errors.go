package chatclient

import "errors"

// ErrNoAPIClient indicates an out-of-band REST operation was invoked
// on a client constructed without an API base URL.
var ErrNoAPIClient = errors.New("no API client configured")

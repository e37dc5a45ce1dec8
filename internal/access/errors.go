package access

import "errors"

// ErrNameContainsWhitespace is returned when validating a container record
// whose name contains ASCII whitespace, which the wire format forbids.
var ErrNameContainsWhitespace = errors.New("access: record name contains ASCII whitespace")

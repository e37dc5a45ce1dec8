package delta

import "errors"

// ErrCopyOutOfRange is returned by Apply when a copy opcode addresses bytes
// past the end of the source buffer, indicating a corrupt delta.
var ErrCopyOutOfRange = errors.New("delta: copy opcode addresses bytes past source end")

package groupstore

import "github.com/breezy-team/groupstore/internal/manager"

// Key identifies a single versioned text as an ordered tuple of name parts
// (e.g. a file id and a revision id). Two keys are equal iff their parts are
// equal in order.
type Key = manager.Key

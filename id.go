package credit

import "github.com/xraph/credit/id"

// ID is the primary identifier type for records the ledger creates.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix

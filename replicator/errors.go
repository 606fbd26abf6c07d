package replicator

import "fmt"

// UnsupportedOperationError reports a recognized objectclass arriving with a
// changetype the transformer has no handler for. The driver treats it as
// fatal: the change number is never advanced past the entry and replication
// halts until an operator intervenes.
type UnsupportedOperationError struct {
	ObjectClass string
	ChangeType  string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("unsupported changetype %q for objectclass %q", e.ChangeType, e.ObjectClass)
}

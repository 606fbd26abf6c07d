// Package replicator follows the directory server's changelog and
// materializes it into the cache. The Transformer turns one changelog entry
// into batch commands; the Driver runs the strictly serial
// fetch → transform → commit loop and owns the replication state
// (change number, virgin flag).
package replicator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ecliptic-io/authcache/directory"
	"github.com/ecliptic-io/authcache/store"
)

// Object classes recognized by the transformer. The dispatch key is the
// entry's objectclass values lowercased, sorted and space-joined.
const (
	classAccount      = "sdcperson"
	classKey          = "sdckey"
	classAccessKey    = "sdcaccesskey"
	classDirGroup     = "groupofuniquenames"
	classUser         = "sdcaccountuser sdcperson"
	classRole         = "sdcaccountrole"
	classAccountGroup = "sdcaccountgroup"
	classPolicy       = "sdcaccountpolicy"
)

// Transformer translates changelog entries into cache mutations. It never
// writes the store directly: all mutations are appended to the caller's
// batch, while reads for read-modify-write merges go through the batch so
// that pending writes from the same entry are observed.
type Transformer struct {
	log *logrus.Entry
}

// NewTransformer builds a transformer.
func NewTransformer(log *logrus.Entry) *Transformer {
	return &Transformer{log: log}
}

// Transform appends the commands that bring the cache from the pre-entry
// state to the post-entry state. Unrecognized object classes are logged and
// ignored; a recognized objectclass with an unhandled changetype returns
// *UnsupportedOperationError.
func (t *Transformer) Transform(ctx context.Context, b *store.Batch, e *directory.Entry) error {
	objectclass, err := e.ObjectClass()
	if err != nil {
		return err
	}

	log := t.log.WithFields(logrus.Fields{
		"changenumber": e.ChangeNumber,
		"targetdn":     e.TargetDN,
		"objectclass":  objectclass,
		"changetype":   e.ChangeType,
	})
	log.Debug("transforming changelog entry")

	switch objectclass {
	case classAccount:
		return t.transformAccount(ctx, b, e, log)
	case classKey:
		return t.transformKey(ctx, b, e, log)
	case classAccessKey:
		return t.transformAccessKey(ctx, b, e, log)
	case classDirGroup:
		return t.transformDirGroup(ctx, b, e, log)
	case classUser:
		return t.transformUser(ctx, b, e, log)
	case classRole:
		return t.transformRole(ctx, b, e, log)
	case classAccountGroup:
		return t.transformAccountGroup(ctx, b, e, log)
	case classPolicy:
		return t.transformPolicy(ctx, b, e, log)
	default:
		log.Info("ignoring changelog entry with unhandled objectclass")
		return nil
	}
}

// entryUUID resolves the uuid of the changed object: the uuid attribute when
// present, otherwise the value of the target DN's first RDN.
func entryUUID(attrs directory.Attributes, targetDN string) (string, error) {
	if u := attrs.First("uuid"); u != "" {
		return u, nil
	}
	values, err := directory.RDNValues(targetDN)
	if err != nil {
		return "", err
	}
	return values[0], nil
}

// entryAccount resolves the owning account uuid: the account attribute when
// present, otherwise the second RDN of the target DN (the immediate parent).
func entryAccount(attrs directory.Attributes, targetDN string) (string, error) {
	if a := attrs.First("account"); a != "" {
		return a, nil
	}
	return dnParent(targetDN)
}

// dnParent returns the value of the DN's second RDN.
func dnParent(targetDN string) (string, error) {
	values, err := directory.RDNValues(targetDN)
	if err != nil {
		return "", err
	}
	if len(values) < 2 {
		return "", fmt.Errorf("dn %q has no parent", targetDN)
	}
	return values[1], nil
}

// dnUUID returns the first RDN value of a member DN.
func dnUUID(memberDN string) (string, error) {
	values, err := directory.RDNValues(memberDN)
	if err != nil {
		return "", err
	}
	return values[0], nil
}

// readRecord loads and decodes a /uuid record through the batch.
func readRecord(ctx context.Context, b *store.Batch, uuid string) (any, bool, error) {
	raw, ok, err := b.Get(ctx, store.UUIDKey(uuid))
	if err != nil || !ok {
		return nil, false, err
	}
	record, err := store.DecodeRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// writeRecord stages a /uuid record write.
func writeRecord(b *store.Batch, uuid string, record any) error {
	encoded, err := store.EncodeRecord(record)
	if err != nil {
		return err
	}
	b.Set(store.UUIDKey(uuid), encoded)
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func removeValue(list []string, v string) []string {
	out := list[:0]
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

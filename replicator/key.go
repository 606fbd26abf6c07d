package replicator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ecliptic-io/authcache/directory"
	"github.com/ecliptic-io/authcache/store"
)

// transformKey handles sdckey entries: SSH public keys hanging off an
// account or sub-user. The fingerprint is part of the DN, so modify never
// occurs on the attributes we mirror and is a no-op.
func (t *Transformer) transformKey(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
	switch e.ChangeType {
	case directory.ChangeTypeAdd, directory.ChangeTypeDelete:
		attrs, err := e.Attributes()
		if err != nil {
			return err
		}
		fingerprint := attrs.First("fingerprint")
		if fingerprint == "" {
			values, err := directory.RDNValues(e.TargetDN)
			if err != nil {
				return err
			}
			fingerprint = values[0]
		}
		owner, err := keyOwner(attrs, e.TargetDN)
		if err != nil {
			return err
		}
		if e.ChangeType == directory.ChangeTypeAdd {
			return t.addKey(ctx, b, owner, fingerprint, attrs.First("pkcs"))
		}
		return t.delKey(ctx, b, owner, fingerprint)

	case directory.ChangeTypeModify:
		log.Debug("ignoring sdckey modify; fingerprint is immutable")
		return nil

	default:
		return &UnsupportedOperationError{ObjectClass: classKey, ChangeType: e.ChangeType}
	}
}

// keyOwner resolves the key's owner: the _owner attribute when the changelog
// carries it, otherwise the immediate parent in the DN.
func keyOwner(attrs directory.Attributes, targetDN string) (string, error) {
	if o := attrs.First("_owner"); o != "" {
		return o, nil
	}
	return dnParent(targetDN)
}

// addKey does a read-modify-write of the owner record, setting
// keys[fingerprint]. A missing owner gets a bare record holding just the
// key; the owner's own add entry merges into it later.
func (t *Transformer) addKey(ctx context.Context, b *store.Batch, owner, fingerprint, pkcs string) error {
	record, ok, err := readRecord(ctx, b, owner)
	if err != nil {
		return err
	}
	if !ok {
		record = &store.Account{UUID: owner}
	}

	switch rec := record.(type) {
	case *store.Account:
		if rec.Keys == nil {
			rec.Keys = make(map[string]string)
		}
		rec.Keys[fingerprint] = pkcs
	case *store.User:
		if rec.Keys == nil {
			rec.Keys = make(map[string]string)
		}
		rec.Keys[fingerprint] = pkcs
	default:
		t.log.WithField("owner", owner).Warn("sdckey owner is not a principal record, ignoring")
		return nil
	}
	return writeRecord(b, owner, record)
}

// delKey removes the fingerprint from the owner record.
func (t *Transformer) delKey(ctx context.Context, b *store.Batch, owner, fingerprint string) error {
	record, ok, err := readRecord(ctx, b, owner)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	switch rec := record.(type) {
	case *store.Account:
		delete(rec.Keys, fingerprint)
		if len(rec.Keys) == 0 {
			rec.Keys = nil
		}
	case *store.User:
		delete(rec.Keys, fingerprint)
		if len(rec.Keys) == 0 {
			rec.Keys = nil
		}
	default:
		return nil
	}
	return writeRecord(b, owner, record)
}

// transformAccessKey handles sdcaccesskey entries: AWS-style access keys
// hanging off an account or sub-user. Besides the owner's accesskeys map,
// the global /accesskey/{id} → owner-uuid mapping consumed by the credential
// resolver is maintained here. The key id is part of the DN, so modify is a
// no-op.
func (t *Transformer) transformAccessKey(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
	switch e.ChangeType {
	case directory.ChangeTypeAdd, directory.ChangeTypeDelete:
		attrs, err := e.Attributes()
		if err != nil {
			return err
		}
		id := attrs.First("accesskeyid")
		if id == "" {
			values, err := directory.RDNValues(e.TargetDN)
			if err != nil {
				return err
			}
			id = values[0]
		}
		owner, err := keyOwner(attrs, e.TargetDN)
		if err != nil {
			return err
		}
		if e.ChangeType == directory.ChangeTypeAdd {
			return t.addAccessKey(ctx, b, owner, id, attrs.First("secret"))
		}
		return t.delAccessKey(ctx, b, owner, id)

	case directory.ChangeTypeModify:
		log.Debug("ignoring sdcaccesskey modify; key id is immutable")
		return nil

	default:
		return &UnsupportedOperationError{ObjectClass: classAccessKey, ChangeType: e.ChangeType}
	}
}

func (t *Transformer) addAccessKey(ctx context.Context, b *store.Batch, owner, id, secret string) error {
	record, ok, err := readRecord(ctx, b, owner)
	if err != nil {
		return err
	}
	if !ok {
		record = &store.Account{UUID: owner}
	}

	switch rec := record.(type) {
	case *store.Account:
		if rec.AccessKeys == nil {
			rec.AccessKeys = make(map[string]string)
		}
		rec.AccessKeys[id] = secret
	case *store.User:
		if rec.AccessKeys == nil {
			rec.AccessKeys = make(map[string]string)
		}
		rec.AccessKeys[id] = secret
	default:
		t.log.WithField("owner", owner).Warn("sdcaccesskey owner is not a principal record, ignoring")
		return nil
	}

	if err := writeRecord(b, owner, record); err != nil {
		return err
	}
	b.Set(store.AccessKeyKey(id), owner)
	return nil
}

func (t *Transformer) delAccessKey(ctx context.Context, b *store.Batch, owner, id string) error {
	record, ok, err := readRecord(ctx, b, owner)
	if err != nil {
		return err
	}
	if ok {
		switch rec := record.(type) {
		case *store.Account:
			delete(rec.AccessKeys, id)
			if len(rec.AccessKeys) == 0 {
				rec.AccessKeys = nil
			}
			if err := writeRecord(b, owner, rec); err != nil {
				return err
			}
		case *store.User:
			delete(rec.AccessKeys, id)
			if len(rec.AccessKeys) == 0 {
				rec.AccessKeys = nil
			}
			if err := writeRecord(b, owner, rec); err != nil {
				return err
			}
		}
	}
	b.Del(store.AccessKeyKey(id))
	return nil
}

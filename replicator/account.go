package replicator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ecliptic-io/authcache/directory"
	"github.com/ecliptic-io/authcache/store"
)

// transformAccount handles sdcperson entries: top-level accounts.
func (t *Transformer) transformAccount(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
	switch e.ChangeType {
	case directory.ChangeTypeAdd:
		attrs, err := e.Attributes()
		if err != nil {
			return err
		}
		uuid, err := entryUUID(attrs, e.TargetDN)
		if err != nil {
			return err
		}
		return t.putAccount(ctx, b, uuid, attrs)

	case directory.ChangeTypeModify:
		return t.modAccount(ctx, b, e, log)

	case directory.ChangeTypeDelete:
		attrs, err := e.Attributes()
		if err != nil {
			return err
		}
		uuid, err := entryUUID(attrs, e.TargetDN)
		if err != nil {
			return err
		}
		return t.delAccount(b, uuid, attrs.First("login"))

	default:
		return &UnsupportedOperationError{ObjectClass: classAccount, ChangeType: e.ChangeType}
	}
}

// putAccount writes the account record, the login mapping and the accounts
// set membership. An existing record at the same uuid (including a bare one
// materialized by a key arriving before its owner) keeps its denormalized
// credentials and group memberships.
func (t *Transformer) putAccount(ctx context.Context, b *store.Batch, uuid string, attrs directory.Attributes) error {
	account := &store.Account{
		Type:                    store.TypeAccount,
		UUID:                    uuid,
		Login:                   attrs.First("login"),
		ApprovedForProvisioning: attrs.First("approved_for_provisioning") == "true",
	}

	existing, ok, err := readRecord(ctx, b, uuid)
	if err != nil {
		return err
	}
	if ok {
		if prev, isAccount := existing.(*store.Account); isAccount {
			account.Keys = prev.Keys
			account.AccessKeys = prev.AccessKeys
			account.Groups = prev.Groups
		}
	}

	if err := writeRecord(b, uuid, account); err != nil {
		return err
	}
	b.Set(store.AccountKey(account.Login), uuid)
	b.SetAdd(store.AccountsSetKey, uuid)
	return nil
}

// modAccount applies a modify entry to an existing account. A missing record
// is rebuilt from the entry's post-state, which already reflects every
// modification.
func (t *Transformer) modAccount(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
	uuid, err := entryUUID(nil, e.TargetDN)
	if err != nil {
		return err
	}

	existing, ok, err := readRecord(ctx, b, uuid)
	if err != nil {
		return err
	}
	account, isAccount := existing.(*store.Account)
	if !ok || !isAccount || account.Type != store.TypeAccount {
		state, err := e.PostState()
		if err != nil {
			return err
		}
		log.Warn("account record missing on modify, rebuilding from post-state")
		return t.putAccount(ctx, b, uuid, state)
	}

	mods, err := e.Modifications()
	if err != nil {
		return err
	}
	for _, mod := range mods {
		switch mod.Modification.Type {
		case "approved_for_provisioning":
			if mod.Operation == "delete" {
				account.ApprovedForProvisioning = false
			} else {
				approved := false
				if len(mod.Modification.Vals) > 0 {
					approved = mod.Modification.Vals[0] == "true"
				}
				account.ApprovedForProvisioning = approved
			}

		case "login":
			if mod.Operation != "replace" || len(mod.Modification.Vals) == 0 {
				log.WithField("operation", mod.Operation).Info("ignoring login modification")
				continue
			}
			newLogin := mod.Modification.Vals[0]
			b.Del(store.AccountKey(account.Login))
			b.Set(store.AccountKey(newLogin), uuid)
			account.Login = newLogin

		default:
			log.WithFields(logrus.Fields{
				"attribute": mod.Modification.Type,
				"operation": mod.Operation,
			}).Debug("ignoring account modification")
		}
	}

	return writeRecord(b, uuid, account)
}

// delAccount removes the account record, its login mapping, its accounts set
// membership and the per-account subtree sets wholesale.
func (t *Transformer) delAccount(b *store.Batch, uuid, login string) error {
	b.Del(
		store.UUIDKey(uuid),
		store.AccountKey(login),
		store.UsersSetKey(uuid),
		store.RolesSetKey(uuid),
		store.GroupsSetKey(uuid),
		store.PoliciesSetKey(uuid),
	)
	b.SetRemove(store.AccountsSetKey, uuid)
	return nil
}

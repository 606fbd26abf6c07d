package replicator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ecliptic-io/authcache/directory"
	"github.com/ecliptic-io/authcache/store"
)

// transformUser handles "sdcaccountuser sdcperson" entries: sub-users of an
// account.
func (t *Transformer) transformUser(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
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
		account, err := entryAccount(attrs, e.TargetDN)
		if err != nil {
			return err
		}
		return t.putUser(ctx, b, uuid, account, attrs)

	case directory.ChangeTypeModify:
		return t.modUser(ctx, b, e, log)

	case directory.ChangeTypeDelete:
		attrs, err := e.Attributes()
		if err != nil {
			return err
		}
		uuid, err := entryUUID(attrs, e.TargetDN)
		if err != nil {
			return err
		}
		account, err := entryAccount(attrs, e.TargetDN)
		if err != nil {
			return err
		}
		b.Del(store.UUIDKey(uuid), store.UserKey(account, attrs.First("login")))
		b.SetRemove(store.UsersSetKey(account), uuid)
		return nil

	default:
		return &UnsupportedOperationError{ObjectClass: classUser, ChangeType: e.ChangeType}
	}
}

// putUser writes the user record, the per-account login mapping and the
// users set membership, preserving denormalized state from an existing
// record at the same uuid.
func (t *Transformer) putUser(ctx context.Context, b *store.Batch, uuid, account string, attrs directory.Attributes) error {
	user := &store.User{
		Type:    store.TypeUser,
		UUID:    uuid,
		Account: account,
		Login:   attrs.First("login"),
	}

	existing, ok, err := readRecord(ctx, b, uuid)
	if err != nil {
		return err
	}
	if ok {
		switch prev := existing.(type) {
		case *store.User:
			user.Keys = prev.Keys
			user.AccessKeys = prev.AccessKeys
			user.Roles = prev.Roles
			user.Groups = prev.Groups
		case *store.Account:
			// Bare record left by a key that arrived before its owner.
			user.Keys = prev.Keys
			user.AccessKeys = prev.AccessKeys
		}
	}

	if err := writeRecord(b, uuid, user); err != nil {
		return err
	}
	b.Set(store.UserKey(account, user.Login), uuid)
	b.SetAdd(store.UsersSetKey(account), uuid)
	return nil
}

// modUser applies a modify entry to an existing sub-user. A missing record
// is rebuilt from the post-state.
func (t *Transformer) modUser(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
	uuid, err := entryUUID(nil, e.TargetDN)
	if err != nil {
		return err
	}

	existing, ok, err := readRecord(ctx, b, uuid)
	if err != nil {
		return err
	}
	user, isUser := existing.(*store.User)
	if !ok || !isUser {
		state, err := e.PostState()
		if err != nil {
			return err
		}
		account, err := entryAccount(state, e.TargetDN)
		if err != nil {
			return err
		}
		log.Warn("user record missing on modify, rebuilding from post-state")
		return t.putUser(ctx, b, uuid, account, state)
	}

	mods, err := e.Modifications()
	if err != nil {
		return err
	}
	for _, mod := range mods {
		switch mod.Modification.Type {
		case "login":
			if mod.Operation != "replace" || len(mod.Modification.Vals) == 0 {
				log.WithField("operation", mod.Operation).Info("ignoring login modification")
				continue
			}
			newLogin := mod.Modification.Vals[0]
			b.Del(store.UserKey(user.Account, user.Login))
			b.Set(store.UserKey(user.Account, newLogin), uuid)
			user.Login = newLogin

		default:
			log.WithFields(logrus.Fields{
				"attribute": mod.Modification.Type,
				"operation": mod.Operation,
			}).Debug("ignoring user modification")
		}
	}

	return writeRecord(b, uuid, user)
}

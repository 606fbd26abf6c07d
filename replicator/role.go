package replicator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ecliptic-io/authcache/directory"
	"github.com/ecliptic-io/authcache/store"
)

// transformRole handles sdcaccountrole entries. Role membership is stored on
// the member side: each uniquemember (sub-user) and membergroup
// (account-group) carries the role uuid in its roles sequence.
func (t *Transformer) transformRole(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
	switch e.ChangeType {
	case directory.ChangeTypeAdd:
		attrs, err := e.Attributes()
		if err != nil {
			return err
		}
		return t.putRole(ctx, b, e.TargetDN, attrs)

	case directory.ChangeTypeModify:
		return t.modRole(ctx, b, e, log)

	case directory.ChangeTypeDelete:
		return t.delRole(ctx, b, e.TargetDN, e)

	default:
		return &UnsupportedOperationError{ObjectClass: classRole, ChangeType: e.ChangeType}
	}
}

func (t *Transformer) putRole(ctx context.Context, b *store.Batch, targetDN string, attrs directory.Attributes) error {
	uuid, err := entryUUID(attrs, targetDN)
	if err != nil {
		return err
	}
	account, err := entryAccount(attrs, targetDN)
	if err != nil {
		return err
	}

	role := &store.Role{
		Type:     store.TypeRole,
		UUID:     uuid,
		Name:     attrs.First("role"),
		Account:  account,
		Policies: attrs["policydocument"],
	}
	if err := writeRecord(b, uuid, role); err != nil {
		return err
	}
	b.Set(store.RoleKey(account, role.Name), uuid)
	b.SetAdd(store.RolesSetKey(account), uuid)

	for _, memberDN := range attrs["uniquemember"] {
		if err := t.setRoleMembership(ctx, b, memberDN, uuid, true); err != nil {
			return err
		}
	}
	for _, groupDN := range attrs["membergroup"] {
		if err := t.setRoleMembership(ctx, b, groupDN, uuid, true); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transformer) modRole(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
	uuid, err := entryUUID(nil, e.TargetDN)
	if err != nil {
		return err
	}

	existing, ok, err := readRecord(ctx, b, uuid)
	if err != nil {
		return err
	}
	role, isRole := existing.(*store.Role)
	if !ok || !isRole {
		state, err := e.PostState()
		if err != nil {
			return err
		}
		log.Warn("role record missing on modify, rebuilding from post-state")
		return t.putRole(ctx, b, e.TargetDN, state)
	}

	mods, err := e.Modifications()
	if err != nil {
		return err
	}
	for _, mod := range mods {
		vals := mod.Modification.Vals
		switch mod.Modification.Type {
		case "role":
			if mod.Operation != "replace" || len(vals) == 0 {
				log.WithField("operation", mod.Operation).Info("ignoring role name modification")
				continue
			}
			b.Del(store.RoleKey(role.Account, role.Name))
			b.Set(store.RoleKey(role.Account, vals[0]), uuid)
			role.Name = vals[0]

		case "policydocument":
			switch mod.Operation {
			case "add":
				for _, v := range vals {
					role.Policies = appendUnique(role.Policies, v)
				}
			case "delete":
				for _, v := range vals {
					role.Policies = removeValue(role.Policies, v)
				}
			case "modify", "replace":
				role.Policies = vals
			default:
				log.WithField("operation", mod.Operation).Info("ignoring policydocument operation")
			}

		case "uniquemember", "membergroup":
			switch mod.Operation {
			case "add", "delete":
				join := mod.Operation == "add"
				for _, memberDN := range vals {
					if err := t.setRoleMembership(ctx, b, memberDN, uuid, join); err != nil {
						return err
					}
				}
			default:
				log.WithField("operation", mod.Operation).Info("ignoring role member operation")
			}

		default:
			log.WithFields(logrus.Fields{
				"attribute": mod.Modification.Type,
				"operation": mod.Operation,
			}).Debug("ignoring role modification")
		}
	}

	return writeRecord(b, uuid, role)
}

// delRole removes the role and detaches it from every member listed in the
// delete entry. A role delete carries the full member list; no leaf-removal
// events precede it.
func (t *Transformer) delRole(ctx context.Context, b *store.Batch, targetDN string, e *directory.Entry) error {
	attrs, err := e.Attributes()
	if err != nil {
		return err
	}
	uuid, err := entryUUID(attrs, targetDN)
	if err != nil {
		return err
	}
	account, err := entryAccount(attrs, targetDN)
	if err != nil {
		return err
	}

	b.Del(store.UUIDKey(uuid), store.RoleKey(account, attrs.First("role")))
	b.SetRemove(store.RolesSetKey(account), uuid)

	for _, memberDN := range attrs["uniquemember"] {
		if err := t.setRoleMembership(ctx, b, memberDN, uuid, false); err != nil {
			return err
		}
	}
	for _, groupDN := range attrs["membergroup"] {
		if err := t.setRoleMembership(ctx, b, groupDN, uuid, false); err != nil {
			return err
		}
	}
	return nil
}

// setRoleMembership does the read-modify-write of one member's roles
// sequence. Members are sub-users (uniquemember) or account-groups
// (membergroup); the member DN tells us nothing about which, so the record's
// own type decides. A missing member on join gets a bare user record; a
// sub-user DN is the overwhelmingly common case and the later put merges it.
func (t *Transformer) setRoleMembership(ctx context.Context, b *store.Batch, memberDN, roleUUID string, join bool) error {
	uuid, err := dnUUID(memberDN)
	if err != nil {
		return err
	}

	record, ok, err := readRecord(ctx, b, uuid)
	if err != nil {
		return err
	}
	if !ok {
		if !join {
			return nil
		}
		record = &store.User{Type: store.TypeUser, UUID: uuid}
	}

	switch rec := record.(type) {
	case *store.User:
		if join {
			rec.Roles = appendUnique(rec.Roles, roleUUID)
		} else {
			rec.Roles = removeValue(rec.Roles, roleUUID)
		}
	case *store.Group:
		if join {
			rec.Roles = appendUnique(rec.Roles, roleUUID)
		} else {
			rec.Roles = removeValue(rec.Roles, roleUUID)
		}
	default:
		t.log.WithField("member", uuid).Warn("role member is neither user nor group, ignoring")
		return nil
	}
	return writeRecord(b, uuid, record)
}

package replicator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ecliptic-io/authcache/directory"
	"github.com/ecliptic-io/authcache/store"
)

// transformAccountGroup handles sdcaccountgroup entries: account-level
// groups that confer roles on their member sub-users. The group record
// carries the conferred role uuids; membership is denormalized onto each
// member user's groups sequence.
func (t *Transformer) transformAccountGroup(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
	switch e.ChangeType {
	case directory.ChangeTypeAdd:
		attrs, err := e.Attributes()
		if err != nil {
			return err
		}
		return t.putAccountGroup(ctx, b, e.TargetDN, attrs)

	case directory.ChangeTypeModify:
		return t.modAccountGroup(ctx, b, e, log)

	case directory.ChangeTypeDelete:
		return t.delAccountGroup(ctx, b, e.TargetDN, e)

	default:
		return &UnsupportedOperationError{ObjectClass: classAccountGroup, ChangeType: e.ChangeType}
	}
}

func (t *Transformer) putAccountGroup(ctx context.Context, b *store.Batch, targetDN string, attrs directory.Attributes) error {
	uuid, err := entryUUID(attrs, targetDN)
	if err != nil {
		return err
	}
	account, err := entryAccount(attrs, targetDN)
	if err != nil {
		return err
	}

	roles, err := dnUUIDs(attrs["memberrole"])
	if err != nil {
		return err
	}
	group := &store.Group{
		Type:    store.TypeGroup,
		UUID:    uuid,
		Name:    attrs.First("cn"),
		Account: account,
		Roles:   roles,
	}
	if err := writeRecord(b, uuid, group); err != nil {
		return err
	}
	b.Set(store.GroupKey(account, group.Name), uuid)
	b.SetAdd(store.GroupsSetKey(account), uuid)

	for _, memberDN := range attrs["uniquemember"] {
		if err := t.setGroupMembership(ctx, b, memberDN, uuid, true); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transformer) modAccountGroup(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
	uuid, err := entryUUID(nil, e.TargetDN)
	if err != nil {
		return err
	}

	existing, ok, err := readRecord(ctx, b, uuid)
	if err != nil {
		return err
	}
	group, isGroup := existing.(*store.Group)
	if !ok || !isGroup {
		state, err := e.PostState()
		if err != nil {
			return err
		}
		log.Warn("account-group record missing on modify, rebuilding from post-state")
		return t.putAccountGroup(ctx, b, e.TargetDN, state)
	}

	mods, err := e.Modifications()
	if err != nil {
		return err
	}
	for _, mod := range mods {
		vals := mod.Modification.Vals
		switch mod.Modification.Type {
		case "cn":
			if mod.Operation != "replace" || len(vals) == 0 {
				log.WithField("operation", mod.Operation).Info("ignoring group name modification")
				continue
			}
			b.Del(store.GroupKey(group.Account, group.Name))
			b.Set(store.GroupKey(group.Account, vals[0]), uuid)
			group.Name = vals[0]

		case "memberrole":
			roleUUIDs, err := dnUUIDs(vals)
			if err != nil {
				return err
			}
			switch mod.Operation {
			case "add":
				for _, r := range roleUUIDs {
					group.Roles = appendUnique(group.Roles, r)
				}
			case "delete":
				for _, r := range roleUUIDs {
					group.Roles = removeValue(group.Roles, r)
				}
			case "modify", "replace":
				group.Roles = roleUUIDs
			default:
				log.WithField("operation", mod.Operation).Info("ignoring memberrole operation")
			}

		case "uniquemember":
			switch mod.Operation {
			case "add", "delete":
				join := mod.Operation == "add"
				for _, memberDN := range vals {
					if err := t.setGroupMembership(ctx, b, memberDN, uuid, join); err != nil {
						return err
					}
				}
			default:
				log.WithField("operation", mod.Operation).Info("ignoring group member operation")
			}

		default:
			log.WithFields(logrus.Fields{
				"attribute": mod.Modification.Type,
				"operation": mod.Operation,
			}).Debug("ignoring account-group modification")
		}
	}

	return writeRecord(b, uuid, group)
}

func (t *Transformer) delAccountGroup(ctx context.Context, b *store.Batch, targetDN string, e *directory.Entry) error {
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

	b.Del(store.UUIDKey(uuid), store.GroupKey(account, attrs.First("cn")))
	b.SetRemove(store.GroupsSetKey(account), uuid)

	for _, memberDN := range attrs["uniquemember"] {
		if err := t.setGroupMembership(ctx, b, memberDN, uuid, false); err != nil {
			return err
		}
	}
	return nil
}

// setGroupMembership does the read-modify-write of one member user's groups
// sequence.
func (t *Transformer) setGroupMembership(ctx context.Context, b *store.Batch, memberDN, groupUUID string, join bool) error {
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

	user, isUser := record.(*store.User)
	if !isUser {
		t.log.WithField("member", uuid).Warn("account-group member is not a user record, ignoring")
		return nil
	}

	if join {
		user.Groups = appendUnique(user.Groups, groupUUID)
	} else {
		user.Groups = removeValue(user.Groups, groupUUID)
	}
	return writeRecord(b, uuid, user)
}

// dnUUIDs maps a list of member DNs to their leading RDN values.
func dnUUIDs(dns []string) ([]string, error) {
	if len(dns) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(dns))
	for _, dn := range dns {
		uuid, err := dnUUID(dn)
		if err != nil {
			return nil, err
		}
		out = append(out, uuid)
	}
	return out, nil
}

package replicator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ecliptic-io/authcache/directory"
	"github.com/ecliptic-io/authcache/store"
)

// transformDirGroup handles groupofuniquenames entries: directory-level
// groups such as operators. The group itself is never stored; membership is
// denormalized onto each member account's groups map.
func (t *Transformer) transformDirGroup(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
	values, err := directory.RDNValues(e.TargetDN)
	if err != nil {
		return err
	}
	groupName := values[0]

	switch e.ChangeType {
	case directory.ChangeTypeAdd, directory.ChangeTypeDelete:
		attrs, err := e.Attributes()
		if err != nil {
			return err
		}
		join := e.ChangeType == directory.ChangeTypeAdd
		for _, memberDN := range attrs["uniquemember"] {
			if err := t.setDirGroupMembership(ctx, b, memberDN, groupName, join); err != nil {
				return err
			}
		}
		return nil

	case directory.ChangeTypeModify:
		mods, err := e.Modifications()
		if err != nil {
			return err
		}
		for _, mod := range mods {
			if mod.Modification.Type != "uniquemember" {
				log.WithField("attribute", mod.Modification.Type).Debug("ignoring group modification")
				continue
			}
			switch mod.Operation {
			case "add", "delete":
				join := mod.Operation == "add"
				for _, memberDN := range mod.Modification.Vals {
					if err := t.setDirGroupMembership(ctx, b, memberDN, groupName, join); err != nil {
						return err
					}
				}
			default:
				log.WithField("operation", mod.Operation).Info("ignoring group member operation")
			}
		}
		return nil

	default:
		return &UnsupportedOperationError{ObjectClass: classDirGroup, ChangeType: e.ChangeType}
	}
}

// setDirGroupMembership does the read-modify-write of one member account's
// groups map. A missing member gets a bare record carrying just the
// membership; the account's own add entry merges into it later.
func (t *Transformer) setDirGroupMembership(ctx context.Context, b *store.Batch, memberDN, groupName string, join bool) error {
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
		record = &store.Account{UUID: uuid}
	}

	account, isAccount := record.(*store.Account)
	if !isAccount {
		t.log.WithField("member", uuid).Warn("group member is not an account record, ignoring")
		return nil
	}

	if join {
		if account.Groups == nil {
			account.Groups = make(map[string]bool)
		}
		account.Groups[groupName] = true
	} else {
		delete(account.Groups, groupName)
		if len(account.Groups) == 0 {
			account.Groups = nil
		}
	}
	return writeRecord(b, uuid, account)
}

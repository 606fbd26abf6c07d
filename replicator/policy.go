package replicator

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ecliptic-io/authcache/directory"
	"github.com/ecliptic-io/authcache/store"
)

// transformPolicy handles sdcaccountpolicy entries. Policy rules are stored
// as [text, parsed] pairs with the parsed half unset; this service never
// evaluates the policy language.
func (t *Transformer) transformPolicy(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
	switch e.ChangeType {
	case directory.ChangeTypeAdd:
		attrs, err := e.Attributes()
		if err != nil {
			return err
		}
		return t.putPolicy(b, e.TargetDN, attrs)

	case directory.ChangeTypeModify:
		return t.modPolicy(ctx, b, e, log)

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
		b.Del(store.UUIDKey(uuid), store.PolicyKey(account, attrs.First("name")))
		b.SetRemove(store.PoliciesSetKey(account), uuid)
		return nil

	default:
		return &UnsupportedOperationError{ObjectClass: classPolicy, ChangeType: e.ChangeType}
	}
}

func (t *Transformer) putPolicy(b *store.Batch, targetDN string, attrs directory.Attributes) error {
	uuid, err := entryUUID(attrs, targetDN)
	if err != nil {
		return err
	}
	account, err := entryAccount(attrs, targetDN)
	if err != nil {
		return err
	}

	policy := &store.Policy{
		Type:    store.TypePolicy,
		UUID:    uuid,
		Name:    attrs.First("name"),
		Account: account,
		Rules:   policyRules(attrs["rule"]),
	}
	if err := writeRecord(b, uuid, policy); err != nil {
		return err
	}
	b.Set(store.PolicyKey(account, policy.Name), uuid)
	b.SetAdd(store.PoliciesSetKey(account), uuid)
	return nil
}

func (t *Transformer) modPolicy(ctx context.Context, b *store.Batch, e *directory.Entry, log *logrus.Entry) error {
	uuid, err := entryUUID(nil, e.TargetDN)
	if err != nil {
		return err
	}

	existing, ok, err := readRecord(ctx, b, uuid)
	if err != nil {
		return err
	}
	policy, isPolicy := existing.(*store.Policy)
	if !ok || !isPolicy {
		state, err := e.PostState()
		if err != nil {
			return err
		}
		log.Warn("policy record missing on modify, rebuilding from post-state")
		return t.putPolicy(b, e.TargetDN, state)
	}

	mods, err := e.Modifications()
	if err != nil {
		return err
	}
	for _, mod := range mods {
		vals := mod.Modification.Vals
		switch mod.Modification.Type {
		case "name":
			if mod.Operation != "replace" || len(vals) == 0 {
				log.WithField("operation", mod.Operation).Info("ignoring policy name modification")
				continue
			}
			b.Del(store.PolicyKey(policy.Account, policy.Name))
			b.Set(store.PolicyKey(policy.Account, vals[0]), uuid)
			policy.Name = vals[0]

		case "rule":
			switch mod.Operation {
			case "add":
				for _, v := range vals {
					policy.Rules = appendRule(policy.Rules, v)
				}
			case "delete":
				for _, v := range vals {
					policy.Rules = removeRule(policy.Rules, v)
				}
			case "modify", "replace":
				policy.Rules = policyRules(vals)
			default:
				log.WithField("operation", mod.Operation).Info("ignoring rule operation")
			}

		default:
			log.WithFields(logrus.Fields{
				"attribute": mod.Modification.Type,
				"operation": mod.Operation,
			}).Debug("ignoring policy modification")
		}
	}

	return writeRecord(b, uuid, policy)
}

func policyRules(texts []string) []store.PolicyRule {
	if len(texts) == 0 {
		return nil
	}
	rules := make([]store.PolicyRule, len(texts))
	for i, text := range texts {
		rules[i] = store.PolicyRule{Text: text}
	}
	return rules
}

func appendRule(rules []store.PolicyRule, text string) []store.PolicyRule {
	for _, r := range rules {
		if r.Text == text {
			return rules
		}
	}
	return append(rules, store.PolicyRule{Text: text})
}

func removeRule(rules []store.PolicyRule, text string) []store.PolicyRule {
	out := rules[:0]
	for _, r := range rules {
		if r.Text != text {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

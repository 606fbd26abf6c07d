package store

import "strings"

// Key layout of the cache. Keys are lowercase and /-separated. Primary
// records live under /uuid/{id}; name-to-uuid mappings under
// /{type}/{account}/{name}; set membership under /set/...; replication state
// under the two bare keys at the bottom.

const (
	// ChangeNumberKey holds the decimal change number of the last
	// successfully applied changelog entry.
	ChangeNumberKey = "changenumber"

	// VirginKey is present (any non-empty value) while this cache has never
	// caught up with the changelog; its absence means "ready to serve".
	VirginKey = "virgin"

	// AccountsSetKey is the set of all account uuids.
	AccountsSetKey = "/set/accounts"
)

func lower(s string) string { return strings.ToLower(s) }

// UUIDKey is the primary record key for any principal-like object.
func UUIDKey(uuid string) string { return "/uuid/" + lower(uuid) }

// AccountKey maps an account login to its uuid.
func AccountKey(login string) string { return "/account/" + lower(login) }

// UserKey maps a (account uuid, user login) pair to the user uuid.
func UserKey(account, login string) string {
	return "/user/" + lower(account) + "/" + lower(login)
}

// RoleKey maps a (account uuid, role name) pair to the role uuid.
func RoleKey(account, name string) string {
	return "/role/" + lower(account) + "/" + lower(name)
}

// PolicyKey maps a (account uuid, policy name) pair to the policy uuid.
func PolicyKey(account, name string) string {
	return "/policy/" + lower(account) + "/" + lower(name)
}

// GroupKey maps a (account uuid, group name) pair to the account-group uuid.
func GroupKey(account, name string) string {
	return "/group/" + lower(account) + "/" + lower(name)
}

// AccessKeyKey maps an access key id to its owner uuid (permanent keys) or
// to a temporary credential record (MSTS/MSAR ids).
func AccessKeyKey(id string) string { return "/accesskey/" + id }

// UsersSetKey is the set of user uuids belonging to an account.
func UsersSetKey(account string) string { return "/set/users/" + lower(account) }

// RolesSetKey is the set of role uuids belonging to an account.
func RolesSetKey(account string) string { return "/set/roles/" + lower(account) }

// PoliciesSetKey is the set of policy uuids belonging to an account.
func PoliciesSetKey(account string) string { return "/set/policies/" + lower(account) }

// GroupsSetKey is the set of account-group uuids belonging to an account.
func GroupsSetKey(account string) string { return "/set/groups/" + lower(account) }

package directory

import (
	"encoding/json"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryAttributes(t *testing.T) {
	entry := &Entry{
		ChangeNumber: 10,
		ChangeType:   ChangeTypeAdd,
		Changes:      json.RawMessage(`{"login":["poseidon"],"uuid":["a1"],"objectclass":["sdcperson"]}`),
	}

	attrs, err := entry.Attributes()
	require.NoError(t, err)
	assert.Equal(t, "poseidon", attrs.First("login"))
	assert.Equal(t, []string{"a1"}, attrs["uuid"])
	assert.Empty(t, attrs.First("missing"))
}

func TestEntryModifications(t *testing.T) {
	entry := &Entry{
		ChangeNumber: 11,
		ChangeType:   ChangeTypeModify,
		Changes: json.RawMessage(`[
			{"operation":"replace","modification":{"type":"login","vals":["newlogin"]}},
			{"operation":"add","modification":{"type":"uniquemember","vals":["uuid=u1, ou=users, o=smartdc"]}}
		]`),
	}

	mods, err := entry.Modifications()
	require.NoError(t, err)
	require.Len(t, mods, 2)
	assert.Equal(t, "replace", mods[0].Operation)
	assert.Equal(t, "login", mods[0].Modification.Type)
	assert.Equal(t, []string{"newlogin"}, mods[0].Modification.Vals)
}

func TestEntryObjectClassNormalizes(t *testing.T) {
	// The dispatch key lowercases, sorts and space-joins the classes, so the
	// directory's attribute ordering never matters.
	entry := &Entry{
		ChangeType: ChangeTypeAdd,
		Changes:    json.RawMessage(`{"objectclass":["SDCPerson","sdcAccountUser"]}`),
	}
	class, err := entry.ObjectClass()
	require.NoError(t, err)
	assert.Equal(t, "sdcaccountuser sdcperson", class)
}

func TestEntryObjectClassFromPostState(t *testing.T) {
	entry := &Entry{
		ChangeType: ChangeTypeModify,
		Changes:    json.RawMessage(`[]`),
		EntryState: json.RawMessage(`{"objectclass":["sdcperson"],"login":["poseidon"]}`),
	}
	class, err := entry.ObjectClass()
	require.NoError(t, err)
	assert.Equal(t, "sdcperson", class)

	state, err := entry.PostState()
	require.NoError(t, err)
	assert.Equal(t, "poseidon", state.First("login"))
}

func TestEntryObjectClassMissing(t *testing.T) {
	entry := &Entry{
		ChangeType: ChangeTypeAdd,
		Changes:    json.RawMessage(`{"login":["poseidon"]}`),
	}
	_, err := entry.ObjectClass()
	assert.Error(t, err)
}

func TestEntryFromLDAP(t *testing.T) {
	raw := ldap.NewEntry("changenumber=12, cn=changelog", map[string][]string{
		"changenumber": {"12"},
		"targetdn":     {"uuid=a1, ou=users, o=smartdc"},
		"changetype":   {"ADD"},
		"changes":      {`{"objectclass":["sdcperson"]}`},
		"changetime":   {"2025-12-17T12:00:00Z"},
	})

	entry, err := EntryFromLDAP(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), entry.ChangeNumber)
	assert.Equal(t, "uuid=a1, ou=users, o=smartdc", entry.TargetDN)
	assert.Equal(t, ChangeTypeAdd, entry.ChangeType)
	assert.NotEmpty(t, entry.Changes)
	assert.Empty(t, entry.EntryState)
}

func TestEntryFromLDAPRejectsBadChangeNumber(t *testing.T) {
	raw := ldap.NewEntry("changenumber=x, cn=changelog", map[string][]string{
		"changenumber": {"not-a-number"},
	})
	_, err := EntryFromLDAP(raw)
	assert.Error(t, err)
}

func TestRDNValues(t *testing.T) {
	values, err := RDNValues("fingerprint=aa:bb, uuid=1234, ou=users, o=smartdc")
	require.NoError(t, err)
	assert.Equal(t, []string{"aa:bb", "1234", "users", "smartdc"}, values)

	_, err = RDNValues("not a dn")
	assert.Error(t, err)
}

// Package directory consumes the directory server's changelog. It models one
// changelog entry (an add/modify/delete with its JSON-encoded payload) and
// provides the poller that pulls entries in change-number order.
package directory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Change types carried by changelog entries.
const (
	ChangeTypeAdd    = "add"
	ChangeTypeModify = "modify"
	ChangeTypeDelete = "delete"
)

// Entry is one changelog record. Changes holds the JSON payload from the
// wire: an attribute→values object for add/delete, a modification sequence
// for modify. EntryState is the full post-state (modify only).
type Entry struct {
	TargetDN     string
	ChangeNumber uint64
	ChangeType   string
	Changes      json.RawMessage
	EntryState   json.RawMessage
	ChangeTime   string
}

// Attributes is the attribute→values payload of an add or delete entry, and
// the shape of a modify entry's post-state.
type Attributes map[string][]string

// First returns the first value of an attribute, or "".
func (a Attributes) First(name string) string {
	if vals := a[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Modification is one operation of a modify entry.
type Modification struct {
	Operation    string           `json:"operation"`
	Modification ModificationAttr `json:"modification"`
}

// ModificationAttr names the modified attribute and its values.
type ModificationAttr struct {
	Type string   `json:"type"`
	Vals []string `json:"vals"`
}

// Attributes decodes the entry's changes as an attribute map. Valid for add
// and delete entries.
func (e *Entry) Attributes() (Attributes, error) {
	var attrs Attributes
	if err := json.Unmarshal(e.Changes, &attrs); err != nil {
		return nil, fmt.Errorf("changelog %d: failed to decode changes: %w", e.ChangeNumber, err)
	}
	return attrs, nil
}

// Modifications decodes the entry's changes as a modification sequence.
// Valid for modify entries.
func (e *Entry) Modifications() ([]Modification, error) {
	var mods []Modification
	if err := json.Unmarshal(e.Changes, &mods); err != nil {
		return nil, fmt.Errorf("changelog %d: failed to decode modifications: %w", e.ChangeNumber, err)
	}
	return mods, nil
}

// PostState decodes the full post-modification state carried on modify
// entries.
func (e *Entry) PostState() (Attributes, error) {
	if len(e.EntryState) == 0 {
		return nil, fmt.Errorf("changelog %d: modify entry carries no post-state", e.ChangeNumber)
	}
	var attrs Attributes
	if err := json.Unmarshal(e.EntryState, &attrs); err != nil {
		return nil, fmt.Errorf("changelog %d: failed to decode post-state: %w", e.ChangeNumber, err)
	}
	return attrs, nil
}

// ObjectClass computes the dispatch key for the entry: the objectclass
// values, lowercased, sorted and space-joined. Add and delete entries carry
// the objectclass in the changes payload; modify entries carry it in the
// post-state.
func (e *Entry) ObjectClass() (string, error) {
	var attrs Attributes
	var err error
	if e.ChangeType == ChangeTypeModify {
		attrs, err = e.PostState()
	} else {
		attrs, err = e.Attributes()
	}
	if err != nil {
		return "", err
	}

	classes := attrs["objectclass"]
	if len(classes) == 0 {
		return "", fmt.Errorf("changelog %d: entry carries no objectclass", e.ChangeNumber)
	}
	normalized := make([]string, len(classes))
	for i, c := range classes {
		normalized[i] = strings.ToLower(c)
	}
	sort.Strings(normalized)
	return strings.Join(normalized, " "), nil
}

// EntryFromLDAP converts a raw changelog search result entry.
func EntryFromLDAP(e *ldap.Entry) (*Entry, error) {
	cn, err := strconv.ParseUint(e.GetAttributeValue("changenumber"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid changenumber on %q: %w", e.DN, err)
	}

	entry := &Entry{
		TargetDN:     e.GetAttributeValue("targetdn"),
		ChangeNumber: cn,
		ChangeType:   strings.ToLower(e.GetAttributeValue("changetype")),
		ChangeTime:   e.GetAttributeValue("changetime"),
	}
	if changes := e.GetAttributeValue("changes"); changes != "" {
		entry.Changes = json.RawMessage(changes)
	}
	if state := e.GetAttributeValue("entry"); state != "" {
		entry.EntryState = json.RawMessage(state)
	}
	return entry, nil
}

// RDNValues returns the value of each RDN of dn, outermost first. For
// "fingerprint=aa:bb, uuid=1234, ou=users, o=org" it returns
// ["aa:bb", "1234", "users", "org"].
func RDNValues(dn string) ([]string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dn %q: %w", dn, err)
	}
	values := make([]string, 0, len(parsed.RDNs))
	for _, rdn := range parsed.RDNs {
		if len(rdn.Attributes) == 0 {
			continue
		}
		values = append(values, rdn.Attributes[0].Value)
	}
	return values, nil
}

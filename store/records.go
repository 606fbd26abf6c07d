package store

import (
	"encoding/json"
	"fmt"
)

// Record types stored under /uuid/{id}, discriminated by the "type" field.
// The replicator is the sole writer of these records; the verifier and the
// HTTP API only read them.

// Record type discriminator values.
const (
	TypeAccount = "account"
	TypeUser    = "user"
	TypeRole    = "role"
	TypePolicy  = "policy"
	TypeGroup   = "group"
)

// Account is a top-level account record. Groups is the directory-level group
// membership map (e.g. groups["operators"] == true); Keys maps SSH key
// fingerprints to PEM; AccessKeys maps access key ids to their secrets.
type Account struct {
	Type                    string            `json:"type,omitempty"`
	UUID                    string            `json:"uuid"`
	Login                   string            `json:"login,omitempty"`
	ApprovedForProvisioning bool              `json:"approved_for_provisioning"`
	Groups                  map[string]bool   `json:"groups,omitempty"`
	Keys                    map[string]string `json:"keys,omitempty"`
	AccessKeys              map[string]string `json:"accesskeys,omitempty"`
}

// User is a sub-user of an account. Unlike Account.Groups, User.Groups is an
// ordered sequence of account-group uuids; Roles is an ordered sequence of
// role uuids owned by the same account.
type User struct {
	Type       string            `json:"type,omitempty"`
	UUID       string            `json:"uuid"`
	Account    string            `json:"account"`
	Login      string            `json:"login,omitempty"`
	Roles      []string          `json:"roles,omitempty"`
	Groups     []string          `json:"groups,omitempty"`
	Keys       map[string]string `json:"keys,omitempty"`
	AccessKeys map[string]string `json:"accesskeys,omitempty"`
}

// Role is an account role. Policies holds the raw policy document text lines
// attached to the role.
type Role struct {
	Type     string   `json:"type"`
	UUID     string   `json:"uuid"`
	Name     string   `json:"name"`
	Account  string   `json:"account"`
	Policies []string `json:"policies,omitempty"`
}

// PolicyRule is one rule of a policy document, serialized as the two-element
// array [text, parsed]. The parsed half is carried opaquely; this service
// never evaluates the policy language.
type PolicyRule struct {
	Text   string
	Parsed json.RawMessage
}

// MarshalJSON encodes the rule as [text, parsed], with a JSON null when no
// parsed form is attached.
func (r PolicyRule) MarshalJSON() ([]byte, error) {
	parsed := r.Parsed
	if len(parsed) == 0 {
		parsed = json.RawMessage("null")
	}
	return json.Marshal([]json.RawMessage{mustMarshal(r.Text), parsed})
}

// UnmarshalJSON decodes the [text, parsed] pair.
func (r *PolicyRule) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) < 1 {
		return fmt.Errorf("policy rule must be a [text, parsed] pair")
	}
	if err := json.Unmarshal(pair[0], &r.Text); err != nil {
		return err
	}
	if len(pair) > 1 && string(pair[1]) != "null" {
		r.Parsed = pair[1]
	} else {
		r.Parsed = nil
	}
	return nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Policy is an account policy record.
type Policy struct {
	Type    string       `json:"type"`
	UUID    string       `json:"uuid"`
	Name    string       `json:"name"`
	Account string       `json:"account"`
	Rules   []PolicyRule `json:"rules,omitempty"`
}

// Group is an account-group record. Roles is the sequence of role uuids the
// group confers on its members; membership itself is denormalized onto each
// member user's Groups sequence.
type Group struct {
	Type    string   `json:"type"`
	UUID    string   `json:"uuid"`
	Name    string   `json:"name"`
	Account string   `json:"account"`
	Roles   []string `json:"roles,omitempty"`
}

// AssumedRole carries the role context of an assume-role credential.
type AssumedRole struct {
	RoleUUID string   `json:"roleUuid"`
	ARN      string   `json:"arn"`
	Policies []string `json:"policies,omitempty"`
}

// TempCredential is the /accesskey/{id} record for MSTS/MSAR temporary
// credentials. Expiration is ISO 8601.
type TempCredential struct {
	AccessKeyID     string       `json:"accessKeyId"`
	SecretAccessKey string       `json:"secretAccessKey"`
	UserUUID        string       `json:"userUuid"`
	AssumedRole     *AssumedRole `json:"assumedRole"`
	CredentialType  string       `json:"credentialType"`
	Expiration      string       `json:"expiration"`
	SessionToken    string       `json:"sessionToken"`
	SessionName     string       `json:"sessionName,omitempty"`
}

// DecodeRecord decodes a /uuid/{id} value into its typed variant based on
// the "type" field. A record with an empty or unknown type decodes as an
// *Account: the only way such a record arises is the key-before-owner case,
// where an sdckey or sdcaccesskey entry materialized a bare record ahead of
// its owner, and the account shape is a superset of the fields involved.
func DecodeRecord(data string) (any, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(data), &probe); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	var v any
	switch probe.Type {
	case TypeUser:
		v = &User{}
	case TypeRole:
		v = &Role{}
	case TypePolicy:
		v = &Policy{}
	case TypeGroup:
		v = &Group{}
	default:
		v = &Account{}
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return nil, fmt.Errorf("failed to decode %q record: %w", probe.Type, err)
	}
	return v, nil
}

// EncodeRecord serializes a typed record for storage.
func EncodeRecord(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	return string(b), nil
}

// Package api exposes the read side of the cache over HTTP: record lookups
// by uuid and by name, uuid/name translation, access key resolution and the
// SigV4 verification endpoint. Every handler is read-only; the replicator is
// the sole writer of the cache.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/ecliptic-io/authcache/auth"
	"github.com/ecliptic-io/authcache/store"
)

// Handlers carries the service dependencies of the HTTP API.
type Handlers struct {
	Store    *store.Store
	Verifier *auth.Verifier
	Log      *logrus.Entry
}

// Register wires the API routes onto e.
func (h *Handlers) Register(e *echo.Echo) {
	e.GET("/accounts/:id", h.GetAccountByUUID)
	e.GET("/accounts", h.GetAccountByLogin)
	e.GET("/users/:id", h.GetUserByUUID)
	e.GET("/users", h.GetUserByLogin)
	e.GET("/uuids", h.TranslateNames)
	e.GET("/names", h.TranslateUUIDs)
	e.GET("/aws-auth/:accesskeyid", h.GetAccessKey)
	e.POST("/aws-verify", h.VerifySignature)
	e.GET("/healthcheck", h.Healthcheck)
}

// GetAccountByUUID serves the account record stored under the given uuid.
func (h *Handlers) GetAccountByUUID(c echo.Context) error {
	account, err := h.loadAccount(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, accountReply(account))
}

// GetAccountByLogin resolves ?login= to a uuid and serves the record.
func (h *Handlers) GetAccountByLogin(c echo.Context) error {
	login := c.QueryParam("login")
	if login == "" {
		return writeError(c, h.Log, auth.AccountDoesNotExist("login parameter is required"))
	}

	ctx := c.Request().Context()
	uuid, err := h.lookupUUID(ctx, store.AccountKey(login), auth.AccountDoesNotExist(login+" does not exist"))
	if err != nil {
		return writeError(c, h.Log, err)
	}
	account, err := h.loadAccount(ctx, uuid)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, accountReply(account))
}

// GetUserByUUID serves the user record stored under the given uuid.
func (h *Handlers) GetUserByUUID(c echo.Context) error {
	ctx := c.Request().Context()
	record, err := h.loadRecord(ctx, c.Param("id"), auth.UserDoesNotExist(c.Param("id")+" does not exist"))
	if err != nil {
		return writeError(c, h.Log, err)
	}
	user, ok := record.(*store.User)
	if !ok {
		return writeError(c, h.Log, auth.UserDoesNotExist(c.Param("id")+" is not a user"))
	}
	return c.JSON(http.StatusOK, userReply(user))
}

// GetUserByLogin resolves ?account=&login= to a sub-user record. With
// ?fallback=true a missing sub-user resolves to the account record instead,
// supporting callers that accept account-level credentials for sub-user
// paths.
func (h *Handlers) GetUserByLogin(c echo.Context) error {
	accountLogin := c.QueryParam("account")
	userLogin := c.QueryParam("login")
	if accountLogin == "" || userLogin == "" {
		return writeError(c, h.Log, auth.UserDoesNotExist("account and login parameters are required"))
	}

	ctx := c.Request().Context()
	accountUUID, err := h.lookupUUID(ctx, store.AccountKey(accountLogin),
		auth.AccountDoesNotExist(accountLogin+" does not exist"))
	if err != nil {
		return writeError(c, h.Log, err)
	}

	userUUID, err := h.lookupUUID(ctx, store.UserKey(accountUUID, userLogin),
		auth.UserDoesNotExist(userLogin+" does not exist"))
	if err != nil {
		if c.QueryParam("fallback") == "true" {
			if _, isMiss := err.(*auth.Error); isMiss {
				account, loadErr := h.loadAccount(ctx, accountUUID)
				if loadErr != nil {
					return writeError(c, h.Log, loadErr)
				}
				return c.JSON(http.StatusOK, accountReply(account))
			}
		}
		return writeError(c, h.Log, err)
	}

	record, err := h.loadRecord(ctx, userUUID, auth.UserDoesNotExist(userLogin+" does not exist"))
	if err != nil {
		return writeError(c, h.Log, err)
	}
	user, ok := record.(*store.User)
	if !ok {
		return writeError(c, h.Log, auth.UserDoesNotExist(userLogin+" is not a user"))
	}
	return c.JSON(http.StatusOK, userReply(user))
}

// translateReply is the /uuids response shape.
type translateReply struct {
	Account string            `json:"account"`
	UUIDs   map[string]string `json:"uuids,omitempty"`
}

// TranslateNames maps names of one type under an account to uuids:
// ?account=login&type=role&name=ops&name=audit. Without type/name it returns
// just the account uuid. Unknown names are omitted from the reply rather
// than erroring, so callers can translate in bulk.
func (h *Handlers) TranslateNames(c echo.Context) error {
	accountLogin := c.QueryParam("account")
	if accountLogin == "" {
		return writeError(c, h.Log, auth.AccountDoesNotExist("account parameter is required"))
	}

	ctx := c.Request().Context()
	accountUUID, err := h.lookupUUID(ctx, store.AccountKey(accountLogin),
		auth.AccountDoesNotExist(accountLogin+" does not exist"))
	if err != nil {
		return writeError(c, h.Log, err)
	}

	reply := translateReply{Account: accountUUID}
	names := c.QueryParams()["name"]
	kind := c.QueryParam("type")
	if kind == "" || len(names) == 0 {
		return c.JSON(http.StatusOK, reply)
	}

	keyFor, missErr := translationKey(kind)
	if keyFor == nil {
		return writeError(c, h.Log, auth.ObjectDoesNotExist("unknown translation type "+kind))
	}

	reply.UUIDs = make(map[string]string, len(names))
	for _, name := range names {
		uuid, ok, err := h.Store.Get(ctx, keyFor(accountUUID, name))
		if err != nil {
			return writeError(c, h.Log, err)
		}
		if !ok {
			if c.QueryParam("strict") == "true" {
				return writeError(c, h.Log, missErr(name))
			}
			continue
		}
		reply.UUIDs[name] = uuid
	}
	return c.JSON(http.StatusOK, reply)
}

func translationKey(kind string) (func(account, name string) string, func(name string) *auth.Error) {
	switch kind {
	case "user":
		return store.UserKey, func(n string) *auth.Error { return auth.UserDoesNotExist(n + " does not exist") }
	case "role":
		return store.RoleKey, func(n string) *auth.Error { return auth.RoleDoesNotExist(n + " does not exist") }
	case "policy":
		return store.PolicyKey, func(n string) *auth.Error { return auth.ObjectDoesNotExist(n + " does not exist") }
	case "group":
		return store.GroupKey, func(n string) *auth.Error { return auth.GroupDoesNotExist(n + " does not exist") }
	default:
		return nil, nil
	}
}

// TranslateUUIDs maps uuids back to names: ?uuid=X1&uuid=X2. The name of an
// account or user record is its login; every other record type carries an
// explicit name. Unknown uuids are omitted.
func (h *Handlers) TranslateUUIDs(c echo.Context) error {
	ctx := c.Request().Context()
	reply := make(map[string]string)
	for _, uuid := range c.QueryParams()["uuid"] {
		raw, ok, err := h.Store.Get(ctx, store.UUIDKey(uuid))
		if err != nil {
			return writeError(c, h.Log, err)
		}
		if !ok {
			continue
		}
		record, err := store.DecodeRecord(raw)
		if err != nil {
			return writeError(c, h.Log, err)
		}
		if name := recordName(record); name != "" {
			reply[uuid] = name
		}
	}
	return c.JSON(http.StatusOK, reply)
}

func recordName(record any) string {
	switch rec := record.(type) {
	case *store.Account:
		return rec.Login
	case *store.User:
		return rec.Login
	case *store.Role:
		return rec.Name
	case *store.Policy:
		return rec.Name
	case *store.Group:
		return rec.Name
	}
	return ""
}

// accessKeyReply is the redacted /aws-auth reply. Secrets never leave the
// daemon over this endpoint.
type accessKeyReply struct {
	AccessKeyID string         `json:"accessKeyId"`
	UserUUID    string         `json:"userUuid"`
	Account     *store.Account `json:"account,omitempty"`
	User        *store.User    `json:"user,omitempty"`
}

// GetAccessKey resolves a permanent access key id to its redacted owner
// record. Temporary MSTS/MSAR ids are not served here; they carry secrets in
// the credential record itself.
func (h *Handlers) GetAccessKey(c echo.Context) error {
	id := c.Param("accesskeyid")
	if auth.IsTemporaryKeyID(id) {
		return writeError(c, h.Log, auth.ObjectDoesNotExist("temporary credentials are not served"))
	}

	ctx := c.Request().Context()
	ownerUUID, err := h.lookupUUID(ctx, store.AccessKeyKey(id),
		auth.ObjectDoesNotExist(id+" does not exist"))
	if err != nil {
		return writeError(c, h.Log, err)
	}

	record, err := h.loadRecord(ctx, ownerUUID, auth.ObjectDoesNotExist(id+" does not exist"))
	if err != nil {
		return writeError(c, h.Log, err)
	}

	reply := accessKeyReply{AccessKeyID: id, UserUUID: ownerUUID}
	switch rec := record.(type) {
	case *store.Account:
		redacted := *rec
		redacted.AccessKeys = nil
		reply.Account = &redacted
	case *store.User:
		redacted := *rec
		redacted.AccessKeys = nil
		reply.User = &redacted
	default:
		return writeError(c, h.Log, auth.ObjectDoesNotExist(id+" does not exist"))
	}
	return c.JSON(http.StatusOK, reply)
}

// verifyRequest is the /aws-verify request body. The method and url query
// parameters, when present, override the body fields so gateways can forward
// the original request line out of band.
type verifyRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Query   auth.Query        `json:"query"`
}

// verifyReply is the /aws-verify success body.
type verifyReply struct {
	Valid       bool   `json:"valid"`
	AccessKeyID string `json:"accessKeyId"`
	UserUUID    string `json:"userUuid"`
}

// VerifySignature runs SigV4 verification over the forwarded request.
func (h *Handlers) VerifySignature(c echo.Context) error {
	var body verifyRequest
	if err := c.Bind(&body); err != nil {
		return writeError(c, h.Log, auth.InvalidSignature("request body is malformed"))
	}
	if m := c.QueryParam("method"); m != "" {
		body.Query.Method = m
	}
	if u := c.QueryParam("url"); u != "" {
		body.Query.URL = u
	}

	req := &auth.Request{
		Method:  body.Method,
		URL:     body.URL,
		Headers: lowerHeaders(body.Headers),
		Query:   body.Query,
	}
	principal, err := h.Verifier.Verify(c.Request().Context(), req)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, verifyReply{
		Valid:       true,
		AccessKeyID: principal.AccessKeyID,
		UserUUID:    principal.PrincipalUUID,
	})
}

// healthReply is the /healthcheck body.
type healthReply struct {
	Status       string `json:"status"`
	ChangeNumber string `json:"changenumber,omitempty"`
}

// Healthcheck reports readiness: 503 while the cache has never caught up
// with the changelog, 200 with the applied change number afterwards.
func (h *Handlers) Healthcheck(c echo.Context) error {
	ctx := c.Request().Context()
	_, virgin, err := h.Store.Get(ctx, store.VirginKey)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	if virgin {
		return c.JSON(http.StatusServiceUnavailable, healthReply{Status: "replicating"})
	}
	cn, _, err := h.Store.Get(ctx, store.ChangeNumberKey)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, healthReply{Status: "ok", ChangeNumber: cn})
}

func (h *Handlers) lookupUUID(ctx context.Context, key string, miss *auth.Error) (string, error) {
	uuid, ok, err := h.Store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", miss
	}
	return uuid, nil
}

func (h *Handlers) loadRecord(ctx context.Context, uuid string, miss *auth.Error) (any, error) {
	raw, ok, err := h.Store.Get(ctx, store.UUIDKey(uuid))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, miss
	}
	return store.DecodeRecord(raw)
}

func (h *Handlers) loadAccount(ctx context.Context, uuid string) (*store.Account, error) {
	record, err := h.loadRecord(ctx, uuid, auth.AccountDoesNotExist(uuid+" does not exist"))
	if err != nil {
		return nil, err
	}
	account, ok := record.(*store.Account)
	if !ok {
		return nil, auth.AccountDoesNotExist(uuid + " is not an account")
	}
	return account, nil
}

// accountReply strips secrets before a record leaves the daemon.
func accountReply(a *store.Account) *store.Account {
	redacted := *a
	redacted.AccessKeys = nil
	return &redacted
}

func userReply(u *store.User) *store.User {
	redacted := *u
	redacted.AccessKeys = nil
	return &redacted
}

func lowerHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for name, value := range in {
		out[strings.ToLower(name)] = value
	}
	return out
}

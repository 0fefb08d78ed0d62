package connection

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/isometry/vdir/internal/directory"
	ldapclient "github.com/isometry/vdir/internal/ldap"
)

type mockLDAP struct {
	mock.Mock
}

func (m *mockLDAP) Search(ctx context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*ldapclient.SearchResult)
	return res, args.Error(1)
}

func (m *mockLDAP) SearchWithPaging(ctx context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*ldapclient.SearchResult)
	return res, args.Error(1)
}

func (m *mockLDAP) DirSync(ctx context.Context, req *ldapclient.SearchRequest, cookie []byte) (*ldapclient.DirSyncResult, error) {
	args := m.Called(ctx, req, cookie)
	res, _ := args.Get(0).(*ldapclient.DirSyncResult)
	return res, args.Error(1)
}

func (m *mockLDAP) Add(ctx context.Context, req *ldapclient.AddRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockLDAP) Modify(ctx context.Context, req *ldapclient.ModifyRequest) error {
	return m.Called(ctx, req).Error(0)
}

func (m *mockLDAP) Delete(ctx context.Context, dn string) error {
	return m.Called(ctx, dn).Error(0)
}

func (m *mockLDAP) Compare(ctx context.Context, dn, attribute, value string) (bool, error) {
	args := m.Called(ctx, dn, attribute, value)
	return args.Bool(0), args.Error(1)
}

func (m *mockLDAP) VerifyPassword(ctx context.Context, dn, password string) error {
	return m.Called(ctx, dn, password).Error(0)
}

func (m *mockLDAP) Ping(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockLDAP) Stats() ldapclient.PoolStats { return ldapclient.PoolStats{} }
func (m *mockLDAP) Close() error { return m.Called().Error(0) }

func newTestLDAPConn(m *mockLDAP) *ldapConn {
	return &ldapConn{ctx: context.Background(), client: m, baseDN: "ou=people,dc=example,dc=com", keyAttr: "uid", paged: true}
}

func entry(dn string, attrs map[string][]string) *ldap.Entry {
	return ldap.NewEntry(dn, attrs)
}

func TestLDAPConnFind(t *testing.T) {
	m := &mockLDAP{}
	c := newTestLDAPConn(m)
	ctx := context.Background()

	m.On("Search", ctx, mock.MatchedBy(func(req *ldapclient.SearchRequest) bool {
		return req.BaseDN == "uid=alice,ou=people,dc=example,dc=com" && req.Scope == directory.ScopeBaseObject
	})).Return(&ldapclient.SearchResult{Entries: []*ldap.Entry{
		entry("uid=alice,ou=people,dc=example,dc=com", map[string][]string{"uid": {"alice"}, "cn": {"Alice"}}),
	}}, nil).Once()

	rec, err := c.Find(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", rec.Attributes.First("cn"))

	m.On("Search", ctx, mock.MatchedBy(func(req *ldapclient.SearchRequest) bool {
		return req.BaseDN == "uid=bob,ou=people,dc=example,dc=com"
	})).Return(nil, ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))).Once()

	_, err = c.Find(ctx, "uid=bob,ou=people,dc=example,dc=com")
	assert.True(t, directory.IsNotFound(err))
	m.AssertExpectations(t)
}

func TestLDAPConnSearch(t *testing.T) {
	m := &mockLDAP{}
	c := newTestLDAPConn(m)
	ctx := context.Background()

	filter, err := directory.CompileFilter("(cn=A*)")
	require.NoError(t, err)

	m.On("SearchWithPaging", ctx, mock.MatchedBy(func(req *ldapclient.SearchRequest) bool {
		return req.Filter == "(&(objectClass=person)(cn=A*))" &&
			req.Scope == directory.ScopeSingleLevel &&
			req.BaseDN == "ou=people,dc=example,dc=com" &&
			req.SizeLimit == 1
	})).Return(&ldapclient.SearchResult{
		Entries: []*ldap.Entry{entry("uid=alice,ou=people,dc=example,dc=com", map[string][]string{"cn": {"Alice"}})},
		HasMore: true,
	}, nil)

	records, err := Collect(c.Search(ctx, &Query{
		Filter:     filter,
		SizeLimit:  1,
		Parameters: map[string]string{"filter": "(objectClass=person)", "scope": "one"},
	}))
	assert.ErrorIs(t, err, directory.ErrSizeLimitExceeded)
	require.Len(t, records, 1)
	assert.Equal(t, "uid=alice,ou=people,dc=example,dc=com", records[0].DN)

	_, err = Collect(c.Search(ctx, &Query{Parameters: map[string]string{"scope": "sideways"}}))
	assert.Error(t, err)
}

func TestLDAPConnWrites(t *testing.T) {
	m := &mockLDAP{}
	c := newTestLDAPConn(m)
	ctx := context.Background()

	m.On("Add", ctx, mock.MatchedBy(func(req *ldapclient.AddRequest) bool {
		return req.DN == "uid=carol,ou=people,dc=example,dc=com" && req.Attributes["cn"][0] == "Carol"
	})).Return(nil)
	require.NoError(t, c.Add(ctx, directory.NewRecord("carol", directory.Attributes{"cn": {"Carol"}})))

	m.On("Modify", ctx, mock.MatchedBy(func(req *ldapclient.ModifyRequest) bool {
		return req.DN == "uid=carol,ou=people,dc=example,dc=com" && len(req.ReplaceAttributes["mail"]) == 1
	})).Return(nil)
	require.NoError(t, c.Modify(ctx, "carol", []directory.Modification{
		{Op: directory.ModReplace, Attribute: "mail", Values: []string{"c@example.com"}},
	}))

	m.On("Delete", ctx, "uid=carol,ou=people,dc=example,dc=com").
		Return(ldap.NewError(ldap.LDAPResultNotAllowedOnNonLeaf, errors.New("has children")))
	err := c.Delete(ctx, "carol")
	assert.Equal(t, uint16(ldap.LDAPResultNotAllowedOnNonLeaf), directory.ResultCode(err))

	m.On("Compare", ctx, "uid=carol,ou=people,dc=example,dc=com", "cn", "carol").Return(true, nil)
	ok, err := c.Compare(ctx, "carol", "cn", "carol")
	require.NoError(t, err)
	assert.True(t, ok)

	m.On("VerifyPassword", ctx, "uid=carol,ou=people,dc=example,dc=com", "bad").
		Return(&ldapclient.RemoteError{
			Op:    "bind",
			Code:  ldap.LDAPResultInvalidCredentials,
			Kind:  directory.KindPermission,
			Cause: ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad")),
		})
	err = c.Bind(ctx, "carol", "bad")
	assert.Equal(t, directory.KindPermission, directory.KindOf(err))
	assert.Equal(t, uint16(ldap.LDAPResultInvalidCredentials), directory.ResultCode(err))

	m.On("Add", ctx, mock.MatchedBy(func(req *ldapclient.AddRequest) bool {
		return req.DN == "uid=dave,ou=people,dc=example,dc=com"
	})).Return(&ldapclient.RemoteError{
		Op:         "add",
		DN:         "uid=dave,ou=people,dc=example,dc=com",
		Code:       ldap.LDAPResultEntryAlreadyExists,
		Kind:       directory.KindConflict,
		Diagnostic: "entry exists",
	})
	err = c.Add(ctx, directory.NewRecord("dave", directory.Attributes{"uid": {"dave"}}))
	assert.True(t, directory.IsConflict(err))
	assert.Equal(t, uint16(ldap.LDAPResultEntryAlreadyExists), directory.ResultCode(err))

	m.On("Close").Return(nil)
	assert.NoError(t, c.Close())
	m.AssertExpectations(t)
}

func TestLDAPConnChanges(t *testing.T) {
	m := &mockLDAP{}
	c := newTestLDAPConn(m)
	ctx := context.Background()

	m.On("DirSync", ctx, mock.Anything, []byte("old")).Return(&ldapclient.DirSyncResult{
		Entries: []*ldap.Entry{entry("uid=alice,ou=people,dc=example,dc=com", map[string][]string{"cn": {"Alice"}})},
		Cookie:  []byte("new"),
	}, nil)

	var reader ChangeReader = c
	records, cookie, err := reader.Changes(ctx, &Query{}, []byte("old"))
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, []byte("new"), cookie)
}

func TestLDAPConfig(t *testing.T) {
	cfg, err := ldapConfig(Config{Name: "ad", Parameters: map[string]string{
		"url":                "ldaps://dc1.example.com, ldaps://dc2.example.com",
		"baseDN":             "dc=example,dc=com",
		"bindDN":             "cn=svc,dc=example,dc=com",
		"password":           "secret",
		"tls":                "ldaps",
		"insecureSkipVerify": "true",
		"timeout":            "5s",
		"pageSize":           "200",
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ldaps://dc1.example.com", "ldaps://dc2.example.com"}, cfg.URLs)
	assert.Equal(t, ldapclient.TLSModeLDAPS, cfg.TLSMode)
	assert.Equal(t, uint32(200), cfg.PageSize)
	assert.True(t, cfg.TLSConfig.InsecureSkipVerify)
	assert.Equal(t, ldapclient.AuthMethodSimpleBind, cfg.GetAuthMethod())

	for name, params := range map[string]map[string]string{
		"no url":      {"baseDN": "dc=example"},
		"no base":     {"url": "ldap://dc1"},
		"bad tls":     {"url": "ldap://dc1", "baseDN": "dc=example", "tls": "maybe"},
		"bad timeout": {"url": "ldap://dc1", "baseDN": "dc=example", "timeout": "soon"},
	} {
		_, err := ldapConfig(Config{Name: name, Parameters: params})
		assert.Error(t, err, name)
	}
}

func TestLDAPConnIdentityKeys(t *testing.T) {
	m := &mockLDAP{}
	c := &ldapConn{ctx: context.Background(), client: m, baseDN: "dc=example,dc=com", keyAttr: "objectGUID"}
	ctx := context.Background()

	m.On("Delete", ctx, "<GUID=67452301ab89efcd0123456789abcdef>").Return(nil).Once()
	require.NoError(t, c.Delete(ctx, "01234567-89ab-cdef-0123-456789abcdef"))

	// DNs pass through whatever the key attribute
	m.On("Delete", ctx, "cn=x,dc=example,dc=com").Return(nil).Once()
	require.NoError(t, c.Delete(ctx, "cn=x,dc=example,dc=com"))

	err := c.Delete(ctx, "not-a-guid")
	assert.True(t, directory.IsValidation(err))

	c.keyAttr = "objectSid"
	m.On("Compare", ctx, "<SID=S-1-5-21-1-2-3-500>", "cn", "admin").Return(true, nil).Once()
	ok, err := c.Compare(ctx, "S-1-5-21-1-2-3-500", "cn", "admin")
	require.NoError(t, err)
	assert.True(t, ok)

	m.AssertExpectations(t)
}

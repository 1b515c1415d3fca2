package sifcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateIsAudited(t *testing.T) {
	c := newTestCentral(t)
	auditor := &dummyAuditor{}
	c.Auditor = auditor

	_, err := c.Authenticate(ProtoHTTPS, testAliceMail, "wrong", "10.0.0.1")
	require.Error(t, err)
	_, err = c.Authenticate(ProtoHTTPS, testAliceMail, testAlicePwd, "10.0.0.1")
	require.NoError(t, err)

	require.Len(t, auditor.records, 2)
	for _, rec := range auditor.records {
		assert.NotEmpty(t, rec.identity)
	}

	failed := auditor.byAction(AuditActionFailedLogin)
	require.Len(t, failed, 1)
	assert.Equal(t, testAliceMail, failed[0].identity)
	assert.Equal(t, "10.0.0.1", failed[0].context)
	assert.Equal(t, "Protocol: "+ProtoHTTPS, failed[0].item)

	logins := auditor.byAction(AuditActionAuthentication)
	require.Len(t, logins, 1)
	assert.Equal(t, testAliceMail, logins[0].identity)
}

func TestUserDocumentPatch(t *testing.T) {
	before := &UserRecord{
		ClientID:   testAliceDN,
		ShortID:    testAliceMail,
		Attributes: map[string]string{"email": testAliceMail},
	}
	after := &UserRecord{
		ClientID:   testAliceDN,
		ShortID:    testAliceMail,
		Attributes: map[string]string{"email": testAliceMail, "full_name": "Alice Lund"},
	}

	patch, err := UserDocumentPatch(before, after)
	require.NoError(t, err)
	assert.Contains(t, patch, `"add"`)
	assert.Contains(t, patch, "full_name")
	assert.NotContains(t, patch, "PasswordBlob")

	patch, err = UserDocumentPatch(before, before)
	require.NoError(t, err)
	assert.Equal(t, "[]", patch)
}

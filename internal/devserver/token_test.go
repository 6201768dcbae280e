package devserver

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/putto11262002/chatsync/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func TestIssueToken(t *testing.T) {
	token, exp, err := IssueToken("alice", time.Hour, testSecret)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := VerifyToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, issuer, claims.Issuer)

	// the client reads the same token without the secret
	cred, err := core.ParseCredential(token, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.UserID)
}

func TestVerifyToken(t *testing.T) {
	valid, _, err := IssueToken("alice", time.Hour, testSecret)
	require.NoError(t, err)
	expired, _, err := IssueToken("alice", -time.Hour, testSecret)
	require.NoError(t, err)
	noneSigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &core.CredentialClaims{UserID: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	subjectOnly, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &core.CredentialClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "bob"},
	}).SignedString(testSecret)
	require.NoError(t, err)

	testCases := []struct {
		name    string
		token   string
		secret  []byte
		wantErr error
		want    string
	}{
		{name: "valid", token: valid, secret: testSecret, want: "alice"},
		{name: "subject only", token: subjectOnly, secret: testSecret, want: "bob"},
		{name: "wrong secret", token: valid, secret: []byte("other"), wantErr: ErrTokenInvalid},
		{name: "malformed", token: "not-a-token", secret: testSecret, wantErr: ErrTokenInvalid},
		{name: "empty", token: "", secret: testSecret, wantErr: ErrTokenInvalid},
		{name: "expired", token: expired, secret: testSecret, wantErr: ErrTokenExpired},
		{name: "unsigned", token: noneSigned, secret: testSecret, wantErr: ErrTokenInvalid},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			claims, err := VerifyToken(tc.token, tc.secret)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, claims.UserID)
		})
	}
}

package auth_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/goodieshq/graphmailer/pkg/auth"
)

func TestAuthenticatorPlaintext(t *testing.T) {
	t.Parallel()

	a := auth.NewAuthenticatorPlaintext(map[string]string{"relay": "s3cret"})

	require.True(t, a.Check("relay", "s3cret"))
	require.False(t, a.Check("relay", "wrong"))
	require.False(t, a.Check("other", "s3cret"))
}

func TestAuthenticatorHashed(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	t.Run("checks against the hash", func(t *testing.T) {
		t.Parallel()
		a, err := auth.NewAuthenticatorHashed(map[string]string{"relay": string(hash)})
		require.NoError(t, err)

		require.True(t, a.Check("relay", "s3cret"))
		require.False(t, a.Check("relay", "wrong"))
		require.False(t, a.Check("nobody", "s3cret"))
	})

	t.Run("rejects plaintext entries", func(t *testing.T) {
		t.Parallel()
		_, err := auth.NewAuthenticatorHashed(map[string]string{"relay": "s3cret"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "relay")
	})
}

func TestAuthenticatorAlwaysAllow(t *testing.T) {
	t.Parallel()
	require.True(t, auth.NewAuthenticatorAlwaysAllow().Check("", ""))
}

package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowAllAuthenticates(t *testing.T) {
	var a AllowAll
	require.Equal(t, Accept, a.Authenticate("client1", "user", "pass"))
	require.Equal(t, Accept, a.Authenticate("client1", "", ""))
}

func TestAllowAllACL(t *testing.T) {
	var a AllowAll
	require.True(t, a.ACL("client1", "user", "a/b", true))
	require.True(t, a.ACL("client1", "user", "a/b", false))
}

func TestDenyAllAuthenticates(t *testing.T) {
	var d DenyAll
	require.Equal(t, NotAuthorized, d.Authenticate("client1", "user", "pass"))
}

func TestDenyAllACL(t *testing.T) {
	var d DenyAll
	require.False(t, d.ACL("client1", "user", "a/b", true))
}

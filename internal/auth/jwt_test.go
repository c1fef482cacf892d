package auth

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestSignAndParse(t *testing.T) {
    tok, err := Sign("secret", "user-1", true, 60)
    require.NoError(t, err)

    claims, err := Parse("secret", tok)
    require.NoError(t, err)
    assert.Equal(t, "user-1", claims.Sub)
    assert.True(t, claims.IsSuperadmin)

    _, err = Parse("other", tok)
    assert.ErrorIs(t, err, ErrInvalidToken)

    expired, err := Sign("secret", "user-1", false, -60)
    require.NoError(t, err)
    _, err = Parse("secret", expired)
    assert.ErrorIs(t, err, ErrInvalidToken)
}

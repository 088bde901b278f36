package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-fleet/pkg/model"
)

func TestGenerateParse(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	tok, err := Generate(model.User{ID: 7, Username: "alice", IsApprover: true}, time.Hour)
	require.NoError(t, err)

	c, err := Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, uint(7), c.UserID)
	assert.Equal(t, "alice", c.Username)
	assert.True(t, c.Approver)
}

func TestAdminIsApprover(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	tok, err := Generate(model.User{ID: 1, Username: "root", IsAdmin: true}, time.Hour)
	require.NoError(t, err)
	c, err := Parse(tok)
	require.NoError(t, err)
	assert.True(t, c.Approver)
}

func TestParseRejects(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	expired, err := Generate(model.User{Username: "bob"}, -time.Minute)
	require.NoError(t, err)
	_, err = Parse(expired)
	assert.ErrorIs(t, err, ErrInvalid)

	t.Setenv("JWT_SECRET", "other")
	good, err := Generate(model.User{Username: "bob"}, time.Hour)
	require.NoError(t, err)
	t.Setenv("JWT_SECRET", "test-secret")
	_, err = Parse(good)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalid)
}

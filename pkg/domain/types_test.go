package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserRole(t *testing.T) {
	cases := map[string]UserRole{
		"regular":  RoleRegular,
		"ADMIN":    RoleAdmin,
		" Admin  ": RoleAdmin,
	}
	for raw, want := range cases {
		got, err := ParseUserRole(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := ParseUserRole("superuser")
	assert.Error(t, err)
}

func TestUserRoleJSON(t *testing.T) {
	raw, err := json.Marshal(User{ID: "u-1", Username: "ana", Role: RoleAdmin, PasswordHash: "secret"})
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "admin", decoded["role"])
	assert.NotContains(t, decoded, "PasswordHash", "password hash must not be serialized")

	var zero UserRole
	_, err = json.Marshal(struct{ Role UserRole }{zero})
	assert.Error(t, err, "zero role must be rejected on marshal")
}

func TestCountLoans(t *testing.T) {
	stats := CountLoans([]Loan{{Returned: true}, {}, {}})
	assert.Equal(t, LoanStats{Total: 3, Active: 2, Returned: 1}, stats)
}

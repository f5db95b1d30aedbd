package idp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeKeycloak(t *testing.T) (*httptest.Server, *fakeKeycloakState) {
	t.Helper()
	state := &fakeKeycloakState{validToken: "token-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/master/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		state.tokenRequests++
		if r.FormValue("grant_type") != "password" || r.FormValue("client_id") != "admin-cli" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("password") != "admin" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": state.validToken,
			"expires_in":   60,
		})
	})
	mux.HandleFunc("/admin/realms/master/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+state.validToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		enabled := true
		disabled := false
		_ = json.NewEncoder(w).Encode([]User{
			{ID: "u1", Username: "alice", Enabled: &enabled, CreatedTimestamp: 1700000000000,
				Attributes: map[string][]string{"approvedBy": {"manager"}}},
			{ID: "u2", Username: "bob", Enabled: &disabled},
		})
	})
	mux.HandleFunc("/admin/realms/master/roles/admin/users", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]User{{ID: "u1", Username: "alice"}})
	})
	mux.HandleFunc("/admin/realms/master", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Realm{
			Realm:      "master",
			Attributes: map[string]string{"lastUarCompletedDate": "2026-08-01T00:00:00"},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, state
}

type fakeKeycloakState struct {
	validToken    string
	tokenRequests int
}

func TestListUsers(t *testing.T) {
	srv, _ := newFakeKeycloak(t)
	c := New(srv.URL, "master", "admin", "admin")

	users, err := c.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)

	assert.True(t, users[0].IsEnabled())
	assert.False(t, users[1].IsEnabled())

	val, ok := users[0].Attribute("approvedBy")
	assert.True(t, ok)
	assert.Equal(t, "manager", val)

	_, ok = users[1].Attribute("approvedBy")
	assert.False(t, ok)
}

func TestGetRealm(t *testing.T) {
	srv, _ := newFakeKeycloak(t)
	c := New(srv.URL, "master", "admin", "admin")

	realm, err := c.GetRealm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2026-08-01T00:00:00", realm.Attributes["lastUarCompletedDate"])
}

func TestGetRoleUsers(t *testing.T) {
	srv, _ := newFakeKeycloak(t)
	c := New(srv.URL, "master", "admin", "admin")

	users, err := c.GetRoleUsers(context.Background(), "admin")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)
}

func TestExpiredToken_RefreshedOnceOn401(t *testing.T) {
	srv, state := newFakeKeycloak(t)
	c := New(srv.URL, "master", "admin", "admin")

	_, err := c.ListUsers(context.Background())
	require.NoError(t, err)
	firstCount := state.tokenRequests

	// Server-side rotation invalidates the cached token; the client must
	// re-authenticate once and retry.
	state.validToken = "token-2"
	_, err = c.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, firstCount+1, state.tokenRequests)
}

func TestPing_FailsOnBadCredentials(t *testing.T) {
	srv, _ := newFakeKeycloak(t)
	c := New(srv.URL, "master", "admin", "wrong")

	err := c.Ping(context.Background())
	assert.Error(t, err)
}

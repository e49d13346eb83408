package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc", want: "abc"},
		{name: "trims", header: "Bearer   abc  ", want: "abc"},
		{name: "missing", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic abc", wantErr: true},
		{name: "empty token", header: "Bearer ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/status", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "watcher", Scopes: []string{" events:ro ", ""}},
		{Token: "reader", Scopes: []string{ScopeStatusRO}},
	}

	p, ok := Authenticate("admin", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeStatusRO))
	assert.True(t, HasAnyScope(p, "anything"))

	p, ok = Authenticate("watcher", "admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeEventsRO))
	assert.False(t, HasAnyScope(p, ScopeStatusRO))
	assert.Len(t, p.Scopes, 1)

	_, ok = Authenticate("nope", "admin", tokens)
	assert.False(t, ok)

	// An unset admin token never matches.
	_, ok = Authenticate("", "", nil)
	assert.False(t, ok)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{Scopes: map[string]struct{}{ScopeStatusRO: {}}})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p))
	assert.True(t, HasAnyScope(p, ScopeEventsRO, ScopeStatusRO))
}

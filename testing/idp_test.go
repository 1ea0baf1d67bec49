package testing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
)

func TestIdP_ServesDiscoveryAndJWKS(t *testing.T) {
	idp := NewIdP()
	defer idp.Close()

	resp, err := idp.Client().Get(idp.URL() + "/.well-known/openid-configuration")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Equal(t, idp.URL(), doc["issuer"])
	require.Equal(t, idp.URL()+"/jwks", doc["jwks_uri"])

	set, err := jwk.Fetch(context.Background(), idp.URL()+"/jwks", jwk.WithHTTPClient(idp.Client()))
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
	key, ok := set.LookupKeyID("test-kid")
	require.True(t, ok)
	require.Equal(t, "RS256", key.Algorithm().String())
}

func TestIdP_TokenRequiresMatchingVerifier(t *testing.T) {
	idp := NewIdP()
	defer idp.Close()

	authURL := idp.URL() + "/authorize?" + url.Values{
		"client_id":             {"c"},
		"redirect_uri":          {"https://app.example.com/cb"},
		"state":                 {"s"},
		"code_challenge":        {"not-the-right-challenge"},
		"code_challenge_method": {"S256"},
	}.Encode()
	params, err := idp.Authorize(authURL)
	require.NoError(t, err)
	require.Equal(t, "s", params.State)
	require.NotEmpty(t, params.Code)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {params.Code},
		"client_id":     {"c"},
		"redirect_uri":  {"https://app.example.com/cb"},
		"code_verifier": {"some-verifier"},
	}
	resp, err := idp.Client().Post(idp.URL()+"/token", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Zero(t, idp.ActiveTokens())
}

func TestIdP_Deny(t *testing.T) {
	idp := NewIdP()
	defer idp.Close()
	idp.SetBehavior(Deny)

	params, err := idp.Authorize(idp.URL() + "/authorize?client_id=c&state=s&redirect_uri=" + url.QueryEscape("https://app.example.com/cb"))
	require.NoError(t, err)
	require.Equal(t, "access_denied", params.Error)
	require.Empty(t, params.Code)
	require.Equal(t, 1, idp.Hits("/authorize"))
}

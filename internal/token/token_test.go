package token

import (
	"testing"
	"time"

	"busping/internal/errs"

	"github.com/benbjohnson/clock"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock() *clock.Mock {
	c := clock.NewMock()
	c.Set(time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC))
	return c
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	iss := New("s3cret", 0, newMock())

	tok, err := iss.Issue("alice@x.sg")
	require.NoError(t, err)

	email, err := iss.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice@x.sg", email)
}

func TestExpiresAfterSevenDays(t *testing.T) {
	t.Parallel()
	clk := newMock()
	iss := New("s3cret", 0, clk)

	tok, err := iss.Issue("alice@x.sg")
	require.NoError(t, err)

	clk.Add(DefaultTTL - time.Minute)
	_, err = iss.Verify(tok)
	require.NoError(t, err)

	clk.Add(2 * time.Minute)
	_, err = iss.Verify(tok)
	require.ErrorIs(t, err, errs.ErrAuth)
}

func TestVerifyRejectsForeignAndTamperedTokens(t *testing.T) {
	t.Parallel()
	clk := newMock()
	iss := New("s3cret", 0, clk)
	other := New("other", 0, clk)

	foreign, err := other.Issue("alice@x.sg")
	require.NoError(t, err)
	_, err = iss.Verify(foreign)
	require.ErrorIs(t, err, errs.ErrAuth)

	_, err = iss.Verify("not.a.jwt")
	require.ErrorIs(t, err, errs.ErrAuth)

	_, err = iss.Verify("")
	require.ErrorIs(t, err, errs.ErrAuth)

	// alg=none must never pass.
	none, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, Claims{
		Email: "alice@x.sg",
		RegisteredClaims: jwtlib.RegisteredClaims{
			ExpiresAt: jwtlib.NewNumericDate(clk.Now().Add(time.Hour)),
		},
	}).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = iss.Verify(none)
	require.ErrorIs(t, err, errs.ErrAuth)
}

func TestEmptySecretIsConfigError(t *testing.T) {
	t.Parallel()
	iss := New("  ", 0, newMock())
	assert.False(t, iss.Configured())

	_, err := iss.Issue("alice@x.sg")
	require.ErrorIs(t, err, errs.ErrConfig)
	_, err = iss.Verify("anything")
	require.ErrorIs(t, err, errs.ErrConfig)
}

func TestUpdateRotatesSecret(t *testing.T) {
	t.Parallel()
	iss := New("one", 0, newMock())
	tok, err := iss.Issue("a@x")
	require.NoError(t, err)

	iss.Update("two", time.Hour)
	_, err = iss.Verify(tok)
	require.ErrorIs(t, err, errs.ErrAuth)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}

package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSource struct{}

func (failingSource) Lookup(context.Context, string) (string, bool, error) {
	return "", false, errors.New("backend down")
}

func TestResolveReportsAllMissing(t *testing.T) {
	src := MapSource{"db-password": "hunter2"}
	_, err := Resolve(context.Background(), src, []string{"zeta", "db-password", "alpha"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissing))
	assert.Contains(t, err.Error(), "alpha, zeta")
}

func TestResolveGet(t *testing.T) {
	src := MapSource{"token": "abc"}
	m, err := Resolve(context.Background(), src, []string{"token", "token"})
	require.NoError(t, err)

	v, ok := m.Get("token")
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	_, ok = m.Get("other")
	assert.False(t, ok)
	assert.Equal(t, []string{"token"}, m.Names())
}

func TestResolveSourceError(t *testing.T) {
	_, err := Resolve(context.Background(), failingSource{}, []string{"x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	assert.False(t, errors.Is(err, ErrMissing))
}

func TestChainFirstHitWins(t *testing.T) {
	c := Chain{MapSource{"a": "first"}, MapSource{"a": "second", "b": "only"}}
	m, err := Resolve(context.Background(), c, []string{"a", "b"})
	require.NoError(t, err)

	a, _ := m.Get("a")
	b, _ := m.Get("b")
	assert.Equal(t, "first", a)
	assert.Equal(t, "only", b)
}

func TestEnvSource(t *testing.T) {
	t.Setenv("APP_DB_PASSWORD", "s3cret")
	m, err := Resolve(context.Background(), EnvSource{Prefix: "APP_"}, []string{"db-password"})
	require.NoError(t, err)
	v, _ := m.Get("db-password")
	assert.Equal(t, "s3cret", v)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "DB_PASSWORD", EnvName("db-password"))
	assert.Equal(t, "API_TOKEN_PROD", EnvName("api.token/prod"))
}

func TestDigestHidesValues(t *testing.T) {
	m, err := Resolve(context.Background(), MapSource{"a": "one", "b": "two"}, []string{"a", "b"})
	require.NoError(t, err)

	d := m.Digest()
	require.Len(t, d, 2)
	assert.Len(t, d["a"], 64)
	assert.NotEqual(t, d["a"], d["b"])
	assert.NotContains(t, d["a"], "one")

	again, err := Resolve(context.Background(), MapSource{"a": "one"}, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, d["a"], again.Digest()["a"])
}

func TestNilMap(t *testing.T) {
	var m *Map
	_, ok := m.Get("x")
	assert.False(t, ok)
	assert.Empty(t, m.Names())
	assert.Empty(t, Empty().Names())
}

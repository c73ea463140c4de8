package shard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchindexer/pkg/config"
)

func TestRouterOpensAndReopensIndexes(t *testing.T) {
	cfg := config.DefaultIndexerConfig()
	cfg.DataDir = t.TempDir()

	var open []int
	r, err := NewRouter(cfg, WithOpenHook(func(n int) { open = append(open, n) }))
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())

	movies, err := r.Route("movies")
	require.NoError(t, err)
	again, err := r.Route("movies")
	require.NoError(t, err)
	assert.Same(t, movies, again)
	_, err = r.Route("books")
	require.NoError(t, err)

	assert.Equal(t, []string{"books", "movies"}, r.UIDs())
	assert.Len(t, r.Stores(), 2)
	assert.NoError(t, r.Check(context.Background()))
	require.NoError(t, r.Close())
	assert.Equal(t, []int{1, 2, 0}, open)

	r, err = NewRouter(cfg)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []string{"books", "movies"}, r.UIDs())
}

func TestRouterRejectsInvalidUIDs(t *testing.T) {
	cfg := config.DefaultIndexerConfig()
	cfg.DataDir = t.TempDir()
	r, err := NewRouter(cfg)
	require.NoError(t, err)
	defer r.Close()

	for _, uid := range []string{"", "../etc", "a b", "x/y"} {
		_, err := r.Route(uid)
		assert.Error(t, err, uid)
	}
	assert.Equal(t, 0, r.Len())
}

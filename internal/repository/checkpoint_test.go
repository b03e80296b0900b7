package repository_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glaciate/snowfall/internal/repository"
)

func TestCheckpointFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	repo := repository.NewCheckpointFile(path)

	t.Run("no resume point before the first save", func(tt *testing.T) {
		token, err := repo.Resume()
		require.NoError(tt, err)
		assert.Nil(tt, token)
	})

	t.Run("save and resume", func(tt *testing.T) {
		require.NoError(tt, repo.Save(json.RawMessage(`{"pos":1}`)))
		token, err := repo.Resume()
		require.NoError(tt, err)
		assert.JSONEq(tt, `{"pos":1}`, string(token))
	})

	t.Run("save overwrites", func(tt *testing.T) {
		require.NoError(tt, repo.Save(json.RawMessage(`{"pos":2}`)))
		token, err := repo.Resume()
		require.NoError(tt, err)
		assert.JSONEq(tt, `{"pos":2}`, string(token))
	})

	t.Run("a fresh instance reads the same file", func(tt *testing.T) {
		token, err := repository.NewCheckpointFile(path).Resume()
		require.NoError(tt, err)
		assert.JSONEq(tt, `{"pos":2}`, string(token))
	})
}

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	n, err := c.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	first, err := c.Stage(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "palengke", first.ID)
	assert.NotEmpty(t, first.Description)

	_, err = c.Stage(context.Background(), n)
	assert.ErrorIs(t, err, ErrStageNotFound)
	_, err = c.Stage(context.Background(), -1)
	assert.ErrorIs(t, err, ErrStageNotFound)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stages:
  - id: one
    image_url: /img/1.png
    description: first
  - id: two
    image_url: /img/2.png
    description: second
`), 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []Stage{
		{ID: "one", ImageURL: "/img/1.png", Description: "first"},
		{ID: "two", ImageURL: "/img/2.png", Description: "second"},
	}, c.Stages())
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte(`stages: []`))
	assert.ErrorIs(t, err, ErrEmptyCatalog)

	_, err = Parse([]byte(`stages: [{image_url: x}]`))
	assert.ErrorContains(t, err, "has no id")

	_, err = Parse([]byte(`stages: {`))
	assert.Error(t, err)
}

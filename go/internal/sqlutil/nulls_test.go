package sqlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToSqlString(t *testing.T) {
	assert.False(t, ToSqlString("").Valid)
	assert.Equal(t, "Ana", ToSqlString("Ana").String)
}

func TestNullRawMessage(t *testing.T) {
	val, err := ToNullRawMessage(map[string]int{"Ana": 6})
	require.NoError(t, err)
	assert.True(t, val.Valid)

	var out map[string]int
	require.NoError(t, FromNullRawMessage(val, &out))
	assert.Equal(t, map[string]int{"Ana": 6}, out)

	null, err := ToNullRawMessage(nil)
	require.NoError(t, err)
	assert.False(t, null.Valid)

	out = nil
	require.NoError(t, FromNullRawMessage(null, &out))
	assert.Nil(t, out)
}

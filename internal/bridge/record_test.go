package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAccessors(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{
		"Name": "SalesDesk",
		"Count": 4,
		"Ratio": 1.5,
		"Active": true,
		"Single": "only",
		"Many": ["a", "b"],
		"Mixed": ["a", 1]
	}`), &rec))

	name, ok := rec.String("Name")
	assert.True(t, ok)
	assert.Equal(t, "SalesDesk", name)

	_, ok = rec.String("Count")
	assert.False(t, ok)

	count, ok := rec.Int("Count")
	assert.True(t, ok)
	assert.Equal(t, 4, count)

	_, ok = rec.Int("Ratio")
	assert.False(t, ok, "fractional values are not integers")

	active, ok := rec.Bool("Active")
	assert.True(t, ok)
	assert.True(t, active)

	single, ok := rec.Strings("Single")
	assert.True(t, ok)
	assert.Equal(t, []string{"only"}, single)

	many, ok := rec.Strings("Many")
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, many)

	_, ok = rec.Strings("Mixed")
	assert.False(t, ok)

	_, ok = rec.String("Absent")
	assert.False(t, ok)
}

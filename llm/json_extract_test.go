package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONPlain(t *testing.T) {
	out, err := ExtractJSON(`{"a": 1, "b": "two"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1, "b": "two"}`, string(out))
}

func TestExtractJSONWithFence(t *testing.T) {
	out, err := ExtractJSON("```json\n{\"a\": 1}\n```")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(out))
}

func TestExtractJSONWithSurroundingProse(t *testing.T) {
	out, err := ExtractJSON("Sure, here's the analysis:\n{\"root_cause\": \"x\"}\nLet me know if you need more.")
	require.NoError(t, err)
	assert.JSONEq(t, `{"root_cause": "x"}`, string(out))
}

func TestExtractJSONArray(t *testing.T) {
	out, err := ExtractJSON(`prefix [1,2,3] suffix`)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(out))
}

func TestExtractJSONTruncatedRepaired(t *testing.T) {
	out, err := ExtractJSON(`{"a": 1, "b": {"c": 2}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1, "b": {"c": 2}}`, string(out))
}

func TestExtractJSONNoJSON(t *testing.T) {
	_, err := ExtractJSON("no json here at all")
	require.Error(t, err)
}

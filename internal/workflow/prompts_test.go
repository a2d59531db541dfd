package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPrompts(t *testing.T) {
	p, err := DefaultPrompts()
	require.NoError(t, err)

	assert.Equal(t, 0.0, p.Router.Temperature)
	assert.Equal(t, 500, p.Router.MaxTokens)
	assert.Equal(t, 0.1, p.Researcher.Temperature)
	assert.Equal(t, 4096, p.Researcher.MaxTokens)
	assert.Equal(t, 0.2, p.Analyst.Temperature)
	assert.Equal(t, 0.0, p.Critic.Temperature)
	assert.Equal(t, 2048, p.Critic.MaxTokens)

	assert.Contains(t, p.Router.System, `"query_type"`)
	assert.Contains(t, p.Analyst.System, `inputs["csv_data"]`)
	assert.Contains(t, p.Critic.System, `"confidence_score"`)
}

func TestParsePrompts_Errors(t *testing.T) {
	_, err := ParsePrompts([]byte("router: [unclosed"))
	assert.Error(t, err)

	_, err = ParsePrompts([]byte(`
router: {system: r}
researcher: {system: r}
analyst: {system: a}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critic")
}

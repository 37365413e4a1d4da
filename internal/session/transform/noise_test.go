package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoiseFilter_EmptyRulesMatchNothing(t *testing.T) {
	f, err := NewNoiseFilter(nil, "any")
	require.NoError(t, err)
	assert.False(t, f.Matches("anything at all"))
}

func TestNoiseFilter_Substring(t *testing.T) {
	f, err := NewNoiseFilter([]string{"[debug]"}, "any")
	require.NoError(t, err)
	assert.True(t, f.Matches("[debug] noisy line"))
	assert.False(t, f.Matches("useful output"))
}

func TestNoiseFilter_Regexp(t *testing.T) {
	f, err := NewNoiseFilter([]string{`re:^spinner \d+%$`}, "any")
	require.NoError(t, err)
	assert.True(t, f.Matches("spinner 42%"))
	assert.False(t, f.Matches("spinner done"))
}

func TestNoiseFilter_MatchAll(t *testing.T) {
	f, err := NewNoiseFilter([]string{"alpha", "beta"}, "all")
	require.NoError(t, err)
	assert.True(t, f.Matches("alpha and beta together"))
	assert.False(t, f.Matches("only alpha here"))
}

func TestNoiseFilter_BadRegexp(t *testing.T) {
	_, err := NewNoiseFilter([]string{"re:["}, "any")
	assert.Error(t, err)
}

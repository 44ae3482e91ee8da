package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
		ok    bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"plain fence", "```\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose around", "Sure! Here it is: {\"a\":{\"b\":2}} hope that helps", `{"a":{"b":2}}`, true},
		{"no object", "I cannot answer that", "", false},
		{"only opening brace", "{ oops", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.reply)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrMalformedReply)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseReply(t *testing.T) {
	type reply struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	}

	got, err := ParseReply[reply]("```json\n{\"name\":\"x\",\"score\":0.5}\n```")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Name)
	assert.InDelta(t, 0.5, got.Score, 1e-9)

	_, err = ParseReply[reply](`{"name": 3}`)
	assert.ErrorIs(t, err, ErrMalformedReply)
}

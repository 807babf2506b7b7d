package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnhanceExpandsKnownTerms(t *testing.T) {
	e := NewQueryEnhancer(nil)

	enhanced, changed := e.Enhance("how do I enable 2fa?")
	assert.True(t, changed)
	assert.Contains(t, enhanced, "two-factor authentication")
	assert.Contains(t, enhanced, "how do I enable 2fa?", "original query is preserved")
}

func TestEnhanceLeavesUnknownQueriesAlone(t *testing.T) {
	e := NewQueryEnhancer(nil)

	enhanced, changed := e.Enhance("where is my order")
	assert.False(t, changed)
	assert.Equal(t, "where is my order", enhanced)
}

func TestEnhanceSkipsAlreadyPresentSynonyms(t *testing.T) {
	e := NewQueryEnhancer(nil)

	enhanced, changed := e.Enhance("refund or return for my order")
	// "return" is already in the query; only missing synonyms are added.
	assert.NotContains(t, enhanced, "return, return")
	if changed {
		assert.Contains(t, enhanced, "money back")
	}
}

func TestEnhanceCustomExpansions(t *testing.T) {
	e := NewQueryEnhancer(map[string][]string{"widget": {"acme widget pro"}})

	enhanced, changed := e.Enhance("my widget broke")
	assert.True(t, changed)
	assert.Contains(t, enhanced, "acme widget pro")
}

func TestEnhanceHandlesPunctuation(t *testing.T) {
	e := NewQueryEnhancer(nil)

	enhanced, changed := e.Enhance("I forgot my pwd!")
	assert.True(t, changed)
	assert.Contains(t, enhanced, "password")
}

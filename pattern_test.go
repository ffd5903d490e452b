package relaykit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPatternLiteral(t *testing.T) {
	p := CompilePattern("chat:message")
	ok, params := p.Match("chat:message")
	assert.True(t, ok)
	assert.Empty(t, params)

	ok, _ = p.Match("chat:other")
	assert.False(t, ok)
}

func TestPatternWildcard(t *testing.T) {
	ok, params := MatchPattern("chat:*", "chat:general")
	assert.True(t, ok)
	assert.Empty(t, params)

	t.Run("one segment exactly", func(t *testing.T) {
		ok, _ := MatchPattern("chat:*", "chat:general:extra")
		assert.False(t, ok)

		ok, _ = MatchPattern("chat:*", "chat")
		assert.False(t, ok)
	})
}

func TestPatternCapture(t *testing.T) {
	ok, params := MatchPattern("chat:{roomId}:message", "chat:general:message")
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"roomId": "general"}, params)

	t.Run("capture never crosses separator", func(t *testing.T) {
		ok, _ := MatchPattern("chat:{id}", "chat:123:extra")
		assert.False(t, ok)
	})

	t.Run("multiple captures in order", func(t *testing.T) {
		p := CompilePattern("{service}:{action}")
		assert.Equal(t, []string{"service", "action"}, p.Captures())

		ok, params := p.Match("user:create")
		assert.True(t, ok)
		assert.Equal(t, map[string]string{"service": "user", "action": "create"}, params)
	})
}

func TestPatternMixed(t *testing.T) {
	ok, params := MatchPattern("sys:*:{id}:status", "sys:node:42:status")
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"id": "42"}, params)

	ok, _ = MatchPattern("sys:*:{id}:status", "sys:node:42:other")
	assert.False(t, ok)
}

func TestPatternNoCapturesOnMiss(t *testing.T) {
	ok, params := MatchPattern("a:{x}", "b:1")
	assert.False(t, ok)
	assert.Empty(t, params)
}

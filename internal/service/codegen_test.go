package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesDistinctCodes(t *testing.T) {
	g := NewCodeGenerator(nil)
	codes, err := g.Generate(context.Background(), MaxBatchSize, "")
	require.NoError(t, err)
	require.Len(t, codes, MaxBatchSize)

	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		require.Len(t, c, TokenLength)
		for _, r := range c {
			require.True(t, strings.ContainsRune(TokenCharset, r), "unexpected %q in %s", r, c)
		}
		_, dup := seen[c]
		require.False(t, dup, c)
		seen[c] = struct{}{}
	}
}

func TestGenerateClipsPrefix(t *testing.T) {
	g := NewCodeGenerator(nil)
	codes, err := g.Generate(context.Background(), 3, " SUMMER ")
	require.NoError(t, err)
	for _, c := range codes {
		assert.True(t, strings.HasPrefix(c, "SUMM"), c)
		assert.Len(t, c, TokenLength)
	}
	assert.Equal(t, "AB", ClipPrefix("AB"))
	assert.Equal(t, "", ClipPrefix("   "))
}

func TestGenerateRejectsCount(t *testing.T) {
	g := NewCodeGenerator(nil)
	for _, n := range []int{0, -1, MaxBatchSize + 1} {
		_, err := g.Generate(context.Background(), n, "")
		assert.ErrorIs(t, err, ErrInvalidCount)
	}
}

func TestGenerateSkipsBannedWords(t *testing.T) {
	// a two-letter charset makes "aa" almost certain in every raw candidate
	g := NewCodeGenerator(nil, WithCharset("ab"), WithBannedWords([]string{" AA "}), WithMaxAttempts(100000))
	codes, err := g.Generate(context.Background(), 5, "")
	require.NoError(t, err)
	for _, c := range codes {
		assert.NotContains(t, c, "aa")
		assert.False(t, g.ContainsBannedWord(c))
	}
	assert.True(t, g.ContainsBannedWord("xyAAz"))
}

func TestGenerateSkipsStoredCodes(t *testing.T) {
	stored := map[string]bool{}
	exists := func(_ context.Context, code string) (bool, error) { return stored[code], nil }
	g := NewCodeGenerator(exists, WithCharset("ab"), WithMaxAttempts(10000))
	g.length = 2
	stored["aa"], stored["ab"], stored["ba"] = true, true, true

	codes, err := g.Generate(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"bb"}, codes)
}

func TestGenerateGivesUpWhenExhausted(t *testing.T) {
	g := NewCodeGenerator(nil, WithCharset("a"), WithMaxAttempts(20))
	_, err := g.Generate(context.Background(), 2, "")
	assert.ErrorIs(t, err, ErrGeneratorExhausted)

	failing := NewCodeGenerator(func(context.Context, string) (bool, error) { return false, errors.New("db gone") })
	_, err = failing.Generate(context.Background(), 1, "")
	assert.ErrorContains(t, err, "db gone")
}

func TestGenerateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCodeGenerator(nil).Generate(ctx, 1, "")
	assert.ErrorIs(t, err, context.Canceled)
}

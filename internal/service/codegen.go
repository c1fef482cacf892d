package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// TokenCharset leaves out glyphs that are easy to misread (0/O, 1/l/I, ...).
const TokenCharset = "23456789abcdefghiknpqrstuwxyzABCDFGHJKLMPQRSTVXYZ"

const (
	TokenLength     = 15
	MaxPrefixLength = 4
	MaxBatchSize    = 1000
)

// CodeExists reports whether code is already held by the token store.
type CodeExists func(ctx context.Context, code string) (bool, error)

// CodeGenerator synthesises token codes. It only reads the store; persisting
// the codes is left to the caller.
//
// With the default settings the retry loop is unbounded. A denylist that
// matches every candidate, or a prefix whose code space is used up, will spin
// forever; WithMaxAttempts caps it.
type CodeGenerator struct {
	charset     []rune
	length      int
	banned      []string
	exists      CodeExists
	maxAttempts int
	random      io.Reader
}

type GeneratorOption func(*CodeGenerator)

// WithBannedWords sets the denylist; matching is a case-insensitive substring test.
func WithBannedWords(words []string) GeneratorOption {
	return func(g *CodeGenerator) {
		g.banned = g.banned[:0]
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				g.banned = append(g.banned, w)
			}
		}
	}
}

// WithMaxAttempts bounds the re-rolls spent on a single code. Zero means unbounded.
func WithMaxAttempts(n int) GeneratorOption {
	return func(g *CodeGenerator) { g.maxAttempts = n }
}

func WithCharset(charset string) GeneratorOption {
	return func(g *CodeGenerator) { g.charset = []rune(charset) }
}

func WithRandom(r io.Reader) GeneratorOption {
	return func(g *CodeGenerator) { g.random = r }
}

func NewCodeGenerator(exists CodeExists, opts ...GeneratorOption) *CodeGenerator {
	g := &CodeGenerator{
		charset: []rune(TokenCharset),
		length:  TokenLength,
		exists:  exists,
		random:  rand.Reader,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ClipPrefix trims prefix to MaxPrefixLength characters.
func ClipPrefix(prefix string) string {
	r := []rune(strings.TrimSpace(prefix))
	if len(r) > MaxPrefixLength {
		r = r[:MaxPrefixLength]
	}
	return string(r)
}

// Generate returns count distinct codes, each prefix plus random characters up
// to TokenLength, in generation order.
func (g *CodeGenerator) Generate(ctx context.Context, count int, prefix string) ([]string, error) {
	if count < 1 || count > MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}
	prefix = ClipPrefix(prefix)
	suffixLen := g.length - len([]rune(prefix))

	codes := make([]string, 0, count)
	seen := make(map[string]struct{}, count)
	for len(codes) < count {
		code, err := g.next(ctx, prefix, suffixLen, seen)
		if err != nil {
			return nil, err
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

func (g *CodeGenerator) next(ctx context.Context, prefix string, suffixLen int, seen map[string]struct{}) (string, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		suffix, err := g.randomString(suffixLen)
		if err != nil {
			return "", fmt.Errorf("failed to generate random characters: %w", err)
		}
		candidate := prefix + suffix

		ok, err := g.acceptable(ctx, candidate, seen)
		if err != nil {
			return "", err
		}
		if ok {
			return candidate, nil
		}
		if g.maxAttempts > 0 && attempt >= g.maxAttempts {
			return "", fmt.Errorf("%w after %d attempts (prefix %q)", ErrGeneratorExhausted, attempt, prefix)
		}
	}
}

func (g *CodeGenerator) acceptable(ctx context.Context, candidate string, seen map[string]struct{}) (bool, error) {
	if g.ContainsBannedWord(candidate) {
		return false, nil
	}
	if _, dup := seen[candidate]; dup {
		return false, nil
	}
	if g.exists == nil {
		return true, nil
	}
	taken, err := g.exists(ctx, candidate)
	if err != nil {
		return false, fmt.Errorf("failed to check token uniqueness: %w", err)
	}
	return !taken, nil
}

func (g *CodeGenerator) ContainsBannedWord(code string) bool {
	lower := strings.ToLower(code)
	for _, w := range g.banned {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func (g *CodeGenerator) randomString(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	max := big.NewInt(int64(len(g.charset)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(g.random, max)
		if err != nil {
			return "", err
		}
		b.WriteRune(g.charset[idx.Int64()])
	}
	return b.String(), nil
}

package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name          string
		input         []string
		wantAll       bool
		wantBlocked   bool
		wantDomains   []string
		wantWildcards []string
	}{
		{
			name:        "empty specs defaults to blocked",
			input:       []string{},
			wantBlocked: true,
		},
		{
			name:    "all allows everything",
			input:   []string{"all"},
			wantAll: true,
		},
		{
			name:        "none blocks network",
			input:       []string{"none"},
			wantBlocked: true,
		},
		{
			name:        "single preset",
			input:       []string{"alpine"},
			wantDomains: []string{"dl-cdn.alpinelinux.org"},
		},
		{
			name:        "preset with literal domain, case insensitive",
			input:       []string{"NPM", " Custom.Example.com "},
			wantDomains: []string{"registry.npmjs.org", "npmjs.com", "custom.example.com"},
		},
		{
			name:        "duplicates removed",
			input:       []string{"anthropic", "anthropic", "api.anthropic.com"},
			wantDomains: []string{"api.anthropic.com", "anthropic.com"},
		},
		{
			name:    "all overrides other specs",
			input:   []string{"npm", "all"},
			wantAll: true,
		},
		{
			name:          "valid wildcard kept, invalid dropped",
			input:         []string{"*.example.com", "*.com", "*.*.foo.org"},
			wantWildcards: []string{"*.example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.input)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantAll, got.AllowAll)
			assert.Equal(t, tt.wantBlocked, got.Blocked)

			wantDomains := tt.wantDomains
			if wantDomains == nil {
				wantDomains = []string{}
			}
			wantWildcards := tt.wantWildcards
			if wantWildcards == nil {
				wantWildcards = []string{}
			}
			assert.Equal(t, wantDomains, got.Domains)
			assert.Equal(t, wantWildcards, got.Wildcards)
		})
	}
}

func TestAllows(t *testing.T) {
	policy := Parse([]string{"ubuntu", "*.example.com", "api.custom.dev"})

	tests := []struct {
		host string
		want bool
	}{
		{"archive.ubuntu.com", true},
		{"ports.ubuntu.com:80", true},
		{"ARCHIVE.UBUNTU.COM.", true},
		{"api.custom.dev:443", true},
		{"a.example.com", true},
		{"deep.a.example.com", true},
		{"example.com", false},
		{"notexample.com", false},
		{"evil.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Allows(tt.host))
		})
	}

	assert.True(t, Parse([]string{"all"}).Allows("anything.io:443"))
	assert.False(t, Parse([]string{"none"}).Allows("archive.ubuntu.com"))

	var nilPolicy *Policy
	assert.True(t, nilPolicy.Allows("anything.io"))
}

func TestPresetsExist(t *testing.T) {
	for _, preset := range []string{"ubuntu", "alpine", "npm", "pypi", "github", "anthropic", "openai", "gemini"} {
		assert.Contains(t, Presets, preset)
	}
}

func TestIsWildcard(t *testing.T) {
	assert.True(t, IsWildcard("*.example.com"))
	assert.True(t, IsWildcard("*.foo.bar.com"))
	assert.False(t, IsWildcard("example.com"))
	assert.False(t, IsWildcard("sub.*.example.com"))
	assert.False(t, IsWildcard("**example.com"))
}

func TestValidateWildcard(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"*.example.com", false},
		{"*.foo.bar.com", false},
		{"*.com", true},
		{"*.io", true},
		{"**.example.com", true},
		{"*.*.example.com", true},
		{"example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateWildcard(tt.input)
			assert.Equal(t, tt.wantErr, err != nil, "error = %v", err)
		})
	}
}

func TestExtractBaseDomain(t *testing.T) {
	assert.Equal(t, "example.com", ExtractBaseDomain("*.example.com"))
	assert.Equal(t, "example.com", ExtractBaseDomain("example.com"))
}

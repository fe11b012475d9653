package ledger

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultTrackedMint is the TBALL token mint.
	DefaultTrackedMint = "CWnzqQVFaD7sKsZyh116viC48G7qLz8pa5WhFpBEg9wM"

	// DefaultReferenceMint is wrapped SOL.
	DefaultReferenceMint = "So11111111111111111111111111111111111111112"

	// DefaultReferralVaultPattern matches the label the indexer gives the
	// aggregator's partner referral vault.
	DefaultReferralVaultPattern = `Jupiter Partner Referral Fee Vault`

	// DefaultProtocolPatterns names each router by its label or program id.
	DefaultProtocolPatterns = `Jupiter=(?i)jupiter|JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4;` +
		`Raydium=(?i)raydium|675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8;` +
		`Lifinity=(?i)lifinity|2wT8Yq49kHgDzXuPxZSaeLaH1qbmGXtEyPy64bL7aD3c`
)

// TimestampUnit is the resolution of the timestamp field in indexer payloads.
type TimestampUnit string

const (
	TimestampSeconds      TimestampUnit = "s"
	TimestampMilliseconds TimestampUnit = "ms"
)

// ProtocolPattern attributes a transaction to Name when Pattern matches.
type ProtocolPattern struct {
	Name    string
	Pattern *regexp.Regexp
}

// Options configures a Normalizer.
//
// Protocol detection is a heuristic: a pattern is tried against every
// receiving account first and, when RawTextFallback is set, against the whole
// raw payload. Anything in the payload that happens to mention a router name
// will attribute it.
type Options struct {
	TrackedMint     string
	ReferenceMint   string
	Protocols       []ProtocolPattern
	RawTextFallback bool
	ReferralVault   *regexp.Regexp
	TimestampUnit   TimestampUnit
}

// DefaultOptions returns options for the TBALL/WSOL pair.
func DefaultOptions() Options {
	protocols, err := ParseProtocolPatterns(DefaultProtocolPatterns)
	if err != nil {
		panic(err)
	}
	return Options{
		TrackedMint:     DefaultTrackedMint,
		ReferenceMint:   DefaultReferenceMint,
		Protocols:       protocols,
		RawTextFallback: true,
		ReferralVault:   regexp.MustCompile(DefaultReferralVaultPattern),
		TimestampUnit:   TimestampSeconds,
	}
}

// ParseProtocolPatterns parses "Name=regexp;Name=regexp". Semicolons separate
// entries so patterns may contain commas.
func ParseProtocolPatterns(s string) ([]ProtocolPattern, error) {
	var out []ProtocolPattern
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, expr, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || expr == "" {
			return nil, fmt.Errorf("invalid protocol pattern %q: want Name=regexp", entry)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid protocol pattern for %s: %w", name, err)
		}
		out = append(out, ProtocolPattern{Name: name, Pattern: re})
	}
	return out, nil
}

// ParseTimestampUnit accepts "s" or "ms".
func ParseTimestampUnit(s string) (TimestampUnit, error) {
	switch TimestampUnit(s) {
	case TimestampSeconds, TimestampMilliseconds:
		return TimestampUnit(s), nil
	}
	return "", fmt.Errorf("invalid timestamp unit %q: must be s or ms", s)
}

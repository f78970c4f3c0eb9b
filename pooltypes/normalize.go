// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pooltypes

import "strings"

// NormalizeSymbol canonicalizes a token symbol for comparison and
// display: trims whitespace and upper-cases it. Grounded on
// original_source/src/normalization.rs, which applies the same
// canonicalization before the priority classifier and token enricher
// compare symbols across DEXes that report inconsistent casing.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeDexName canonicalizes a DEX adapter name for use as a map
// key (cursor storage, adapter registry lookups): lower-cased, with
// internal whitespace collapsed to a single hyphen.
func NormalizeDexName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(name), "-")
}

// wrappedNativeSymbols maps a chain's wrapped-native symbol to the
// canonical "native" symbol it wraps, used by the token enricher to
// populate TokenRelation rows of RelationType wrap without a
// per-chain config lookup for the handful of universally-known pairs.
var wrappedNativeSymbols = map[string]string{
	"WETH":  "ETH",
	"WBNB":  "BNB",
	"WMATIC": "MATIC",
	"WAVAX": "AVAX",
	"WLUX":  "LUX",
}

// CanonicalWrappedBase returns the native symbol a well-known wrapped
// symbol wraps, and whether one was found.
func CanonicalWrappedBase(symbol string) (string, bool) {
	base, ok := wrappedNativeSymbols[NormalizeSymbol(symbol)]
	return base, ok
}

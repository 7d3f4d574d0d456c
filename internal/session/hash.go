package session

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// topK is the number of dominant query tokens kept in the context
// fingerprint (spec.md §4.3 default 8).
const topK = 8

// stopwords are dropped before token selection so that function words don't
// dominate the top-K set and wash out the topical signal.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "and": true,
	"or": true, "to": true, "of": true, "in": true, "on": true, "for": true,
	"this": true, "that": true, "it": true, "be": true, "was": true, "were": true,
	"i": true, "you": true, "please": true, "can": true, "could": true, "now": true,
}

// ContextHash computes the stable 64-bit fingerprint described in spec.md
// §4.3: the query is lowercased, tokenized on whitespace, stopwords and
// short tokens are dropped, the remaining tokens are sorted, the top-K
// longest are kept, context key/value pairs are sorted by key, modality is
// appended, and the concatenation is hashed with a fixed non-cryptographic
// hash (xxhash, seeded implicitly by its fixed algorithm constants so the
// same input always produces the same output across processes).
func ContextHash(query string, modality string, context map[string]string) uint64 {
	tokens := normalizedTokens(query)

	var b strings.Builder
	for _, tok := range tokens {
		b.WriteString(tok)
		b.WriteByte('\x1f')
	}
	b.WriteByte('\x1e')
	b.WriteString(modality)
	b.WriteByte('\x1e')

	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(context[k])
		b.WriteByte('\x1f')
	}

	return xxhash.Sum64String(b.String())
}

// normalizedTokens produces the coarse "keyword bag" fingerprint input:
// lowercase, whitespace-tokenized, stopwords and tokens shorter than 3
// bytes dropped, truncated to the topK longest tokens (longest-first, ties
// broken lexicographically), then sorted lexicographically, so the
// fingerprint is dominated by topical content words rather than
// paraphrasing-sensitive filler. Tokens are not stemmed: "sort" and "sorts"
// are different tokens.
func normalizedTokens(query string) []string {
	lower := strings.ToLower(query)
	fields := strings.Fields(lower)

	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if len(f) < 3 || stopwords[f] {
			continue
		}
		kept = append(kept, f)
	}

	sort.Slice(kept, func(i, j int) bool {
		if len(kept[i]) != len(kept[j]) {
			return len(kept[i]) > len(kept[j])
		}
		return kept[i] < kept[j]
	})
	if len(kept) > topK {
		kept = kept[:topK]
	}
	sort.Strings(kept)
	return kept
}

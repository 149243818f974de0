// Package fingerprint derives stable keys for raw product descriptions so
// external enrichment runs exactly once per distinct listing. Fingerprints
// gate enrichment cost only; they never participate in identity matching.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	punctRe = regexp.MustCompile(`[^A-Z0-9]+`)

	foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// Key derives the fingerprint for one raw description. Pure and stable:
// diacritics folded, uppercased, punctuation and whitespace collapsed to
// single spaces, then sha256. Formatting differences between retailers
// collapse to the same key; genuinely different listings never do.
func Key(description string) string {
	folded, _, err := transform.String(foldTransformer, description)
	if err != nil {
		folded = description
	}
	canon := strings.TrimSpace(punctRe.ReplaceAllString(strings.ToUpper(folded), " "))
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

// Store is the persistence surface the index needs.
type Store interface {
	HasSeen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key, runID string) error
}

// Index answers whether a description has already been through enrichment.
type Index struct {
	store Store
}

// NewIndex creates a fingerprint index over the given store.
func NewIndex(st Store) *Index {
	return &Index{store: st}
}

// Seen reports whether the description's fingerprint is already recorded.
func (ix *Index) Seen(ctx context.Context, description string) (bool, error) {
	return ix.store.HasSeen(ctx, Key(description))
}

// Mark records the description's fingerprint for the given run. Marking the
// same description twice is a no-op.
func (ix *Index) Mark(ctx context.Context, description, runID string) error {
	return ix.store.MarkSeen(ctx, Key(description), runID)
}

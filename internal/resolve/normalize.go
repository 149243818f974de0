// Package resolve implements the resolution engine: it maps raw market
// evidence to canonical chips and variants, creating catalog records only
// when an exact identity match fails. Matching is strict and deterministic;
// ambiguity defers, it never guesses.
package resolve

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Candidate holds the lexical hints extracted from one raw product
// description. Every field is a hint, not a fact: downstream matching only
// trusts the controlled subset (vendor, model, AIB, VRAM).
type Candidate struct {
	Vendor           string // "NVIDIA", "AMD", "INTEL", or ""
	Series           string // e.g. "GeForce RTX 50"
	ModelName        string // e.g. "RTX 5070 Ti"
	AIBManufacturer  string // e.g. "GIGABYTE"
	ModelSuffix      string // e.g. "AORUS ELITE"
	VRAMGB           int    // 0 = unknown
	MemoryType       string // "GDDR6", "GDDR6X", "GDDR7", or ""
	HDMICount        int
	DisplayPortCount int
}

var (
	cleanRe   = regexp.MustCompile(`[^A-Z0-9\-\+]+`)
	wsRe      = regexp.MustCompile(`\s+`)
	vramGBRe  = regexp.MustCompile(`\b(\d{1,3})\s*GB\b`)
	vramGRe   = regexp.MustCompile(`\b\d{1,3}G\b`)
	memTypeRe = regexp.MustCompile(`\b(GDDR6X|GDDR7|GDDR6)\b`)
	hdmiRe    = regexp.MustCompile(`\b(\d+)\s*X\s*HDMI\b`)
	dpRe      = regexp.MustCompile(`\b(\d+)\s*X\s*(?:DP|DISPLAYPORT|DISPLAY\s*PORT)\b`)

	nvidiaModelRe = regexp.MustCompile(`\bRTX[\s\-]*([0-9]{3,4})(?:[\s\-]*(TI))?(?:[\s\-]*(SUPER))?\b`)
	amdModelRe    = regexp.MustCompile(`\bRX[\s\-]*([0-9]{3,4})(?:[\s\-]*(XTX|XT|GRE))?\b`)
	intelModelRe  = regexp.MustCompile(`\bARC[\s\-]*([A-Z])[\s\-]*([0-9]{3,4})\b`)

	numericTokenRe = regexp.MustCompile(`^\d+$`)
	vramTokenRe    = regexp.MustCompile(`^\d{1,3}GB?$`)

	brandTokenRe  = regexp.MustCompile(`\b(nvidia|amd|intel|geforce|radeon|arc|rtx|rx)\b`)
	digitLetterRe = regexp.MustCompile(`(\d)([a-z])`)
	letterDigitRe = regexp.MustCompile(`([a-z])(\d)`)
)

// vendorPatterns infer a vendor when no model pattern matched; the earliest
// match in the text wins.
var vendorPatterns = []struct {
	vendor string
	re     *regexp.Regexp
}{
	{"NVIDIA", regexp.MustCompile(`\b(NVIDIA|GEFORCE|RTX)\b`)},
	{"AMD", regexp.MustCompile(`\b(AMD|RADEON|RX)\b`)},
	{"INTEL", regexp.MustCompile(`\b(INTEL|ARC)\b`)},
}

// aibAliases maps each canonical board-partner name to its listing aliases.
var aibAliases = map[string][]string{
	"ASUS":       {"ASUS"},
	"GIGABYTE":   {"GIGABYTE"},
	"MSI":        {"MSI"},
	"SAPPHIRE":   {"SAPPHIRE"},
	"POWERCOLOR": {"POWERCOLOR", "POWER COLOR"},
	"ASROCK":     {"ASROCK", "AS ROCK"},
	"XFX":        {"XFX"},
	"ACER":       {"ACER"},
	"GAINWARD":   {"GAINWARD"},
	"PALIT":      {"PALIT"},
	"ZOTAC":      {"ZOTAC"},
	"PNY":        {"PNY"},
	"INNO3D":     {"INNO3D", "INNO 3D"},
	"NVIDIA":     {"NVIDIA"},
	"INTEL":      {"INTEL"},
}

type aibPattern struct {
	canonical string
	tokens    []string
	re        *regexp.Regexp
}

var aibPatterns = compileAIBPatterns()

func compileAIBPatterns() []aibPattern {
	var patterns []aibPattern
	for canonical, aliases := range aibAliases {
		for _, alias := range aliases {
			tokens := strings.Fields(alias)
			escaped := make([]string, len(tokens))
			for i, tok := range tokens {
				escaped[i] = regexp.QuoteMeta(tok)
			}
			patterns = append(patterns, aibPattern{
				canonical: canonical,
				tokens:    tokens,
				re:        regexp.MustCompile(`\b` + strings.Join(escaped, `\s+`) + `\b`),
			})
		}
	}
	return patterns
}

var (
	vendorTokens = map[string]bool{"NVIDIA": true, "GEFORCE": true, "AMD": true, "RADEON": true, "INTEL": true, "ARC": true}
	memoryTokens = map[string]bool{"GDDR6": true, "GDDR6X": true, "GDDR7": true}
	portTokens   = map[string]bool{"HDMI": true, "DP": true, "DISPLAYPORT": true, "DISPLAY": true, "PORT": true}
)

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldDiacritics strips combining marks so accented retailer text normalizes
// to plain ASCII before lexical parsing.
func foldDiacritics(text string) string {
	folded, _, err := transform.String(foldTransformer, text)
	if err != nil {
		return text
	}
	return folded
}

// cleanText uppercases, folds diacritics, and collapses separators so the
// extraction regexes see one stable shape regardless of retailer formatting.
func cleanText(text string) string {
	upper := strings.ToUpper(foldDiacritics(text))
	cleaned := cleanRe.ReplaceAllString(upper, " ")
	return strings.TrimSpace(wsRe.ReplaceAllString(cleaned, " "))
}

// NormalizeDescription folds a raw description to the normalized text that
// hypotheses are keyed by: diacritics folded, lowercased, whitespace
// collapsed. Deterministic, so the same listing text always joins to the
// same hypothesis rows.
func NormalizeDescription(description string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(strings.ToLower(foldDiacritics(description)), " "))
}

// CanonicalModelKey normalizes a GPU model string into the controlled key
// used for exact chip matching: lowercased, brand tokens stripped,
// digit/letter boundaries split, whitespace collapsed. "RTX5090" and
// "RTX 5090" yield the same key; the transform is deterministic, so this is
// controlled normalization, not fuzzy matching.
func CanonicalModelKey(value string) string {
	if value == "" {
		return ""
	}
	text := strings.ToLower(value)
	text = brandTokenRe.ReplaceAllString(text, " ")
	text = digitLetterRe.ReplaceAllString(text, "$1 $2")
	text = letterDigitRe.ReplaceAllString(text, "$1 $2")
	return strings.TrimSpace(wsRe.ReplaceAllString(text, " "))
}

type modelHints struct {
	vendor      string
	series      string
	modelName   string
	modelNumber string
	tokens      map[string]bool
}

func parseModel(text string) modelHints {
	if m := nvidiaModelRe.FindStringSubmatch(text); m != nil {
		number := m[1]
		tokens := map[string]bool{"RTX": true, number: true}
		name := "RTX " + number
		if m[2] != "" {
			tokens["TI"] = true
			name += " Ti"
		}
		if m[3] != "" {
			tokens["SUPER"] = true
			name += " SUPER"
		}
		series := ""
		if len(number) >= 4 {
			series = "GeForce RTX " + number[:2]
		}
		return modelHints{vendor: "NVIDIA", series: series, modelName: name, modelNumber: number, tokens: tokens}
	}

	if m := amdModelRe.FindStringSubmatch(text); m != nil {
		number := m[1]
		tokens := map[string]bool{"RX": true, number: true}
		name := "RX " + number
		if m[2] != "" {
			tokens[m[2]] = true
			name += " " + m[2]
		}
		series := ""
		if len(number) >= 4 {
			series = "Radeon RX " + number[:1] + "000"
		}
		return modelHints{vendor: "AMD", series: series, modelName: name, modelNumber: number, tokens: tokens}
	}

	if m := intelModelRe.FindStringSubmatch(text); m != nil {
		code := m[1] + m[2]
		return modelHints{
			vendor:      "INTEL",
			modelName:   "ARC " + code,
			modelNumber: m[2],
			tokens:      map[string]bool{"ARC": true, code: true},
		}
	}

	return modelHints{tokens: map[string]bool{}}
}

func inferVendor(text string) string {
	bestVendor := ""
	bestIndex := -1
	for _, vp := range vendorPatterns {
		loc := vp.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if bestIndex == -1 || loc[0] < bestIndex {
			bestVendor = vp.vendor
			bestIndex = loc[0]
		}
	}
	return bestVendor
}

func extractAIB(text string) (canonical string, tokens []string) {
	bestIndex := -1
	for _, p := range aibPatterns {
		loc := p.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if bestIndex == -1 || loc[0] < bestIndex {
			canonical = p.canonical
			tokens = p.tokens
			bestIndex = loc[0]
		}
	}
	return canonical, tokens
}

// extractModelSuffix returns what remains of the listing head after removing
// vendor, model, AIB, memory, port, and bare numeric tokens. The leftover
// tokens name the board partner's trim line (TUF OC, AORUS ELITE, ...).
func extractModelSuffix(head string, aibTokens []string, hints modelHints) string {
	tokens := strings.Fields(head)
	if len(tokens) == 0 {
		return ""
	}

	remove := map[string]bool{}
	for tok := range vendorTokens {
		remove[tok] = true
	}
	for tok := range hints.tokens {
		remove[tok] = true
	}
	for _, tok := range aibTokens {
		remove[tok] = true
	}

	var filtered []string
	for _, tok := range tokens {
		switch {
		case remove[tok]:
		case memoryTokens[tok]:
		case portTokens[tok]:
		case numericTokenRe.MatchString(tok):
		case vramTokenRe.MatchString(tok):
		case vramGRe.MatchString(tok):
		case hints.modelNumber != "" && strings.Contains(tok, hints.modelNumber):
		default:
			filtered = append(filtered, tok)
		}
	}
	return strings.Join(filtered, " ")
}

func extractVRAMGB(text string) int {
	m := vramGBRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func extractMemoryType(text string) string {
	m := memTypeRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

func extractPortCount(text string, re *regexp.Regexp) int {
	total := 0
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// Normalize extracts stable lexical hints from one raw product description.
// It is a pure function: no external state, same input always yields the
// same Candidate.
func Normalize(description string) Candidate {
	raw := strings.TrimSpace(description)
	if raw == "" {
		return Candidate{}
	}

	nameClean := cleanText(raw)
	// The pre-comma head carries brand + trim; the tail is spec noise.
	head, _, _ := strings.Cut(raw, ",")
	headClean := cleanText(head)

	hints := parseModel(nameClean)
	vendor := hints.vendor
	if vendor == "" {
		vendor = inferVendor(nameClean)
	}

	aib, aibTokens := extractAIB(headClean)

	suffix := ""
	if hints.modelName != "" {
		suffix = extractModelSuffix(headClean, aibTokens, hints)
	}

	return Candidate{
		Vendor:           vendor,
		Series:           hints.series,
		ModelName:        hints.modelName,
		AIBManufacturer:  aib,
		ModelSuffix:      suffix,
		VRAMGB:           extractVRAMGB(nameClean),
		MemoryType:       extractMemoryType(nameClean),
		HDMICount:        extractPortCount(nameClean, hdmiRe),
		DisplayPortCount: extractPortCount(nameClean, dpRe),
	}
}

// NormalizeVendor maps a claimed vendor string onto the controlled vendor
// vocabulary; unrecognized values yield "".
func NormalizeVendor(value string) string {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "NVIDIA":
		return "NVIDIA"
	case "AMD":
		return "AMD"
	case "INTEL":
		return "INTEL"
	}
	return ""
}

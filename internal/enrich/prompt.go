package enrich

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/pcbuilder/gpumarket-cli/internal/model"
	"github.com/pcbuilder/gpumarket-cli/internal/resolve"
)

// systemPrompt instructs the extraction model. The strict null policy
// matters: a claimed value the source never stated poisons the hypothesis.
const systemPrompt = `You are a strict hardware specification extraction agent.

You are provided with a specific URL context. Extract data ONLY from that
source. If a value is not explicitly present in the provided content,
return null. DO NOT infer, guess, or normalize from memory.

NORMALIZATION RULES:
- All proper nouns MUST be returned in their canonical official form.
- Preserve exact vendor capitalization: "NVIDIA", "AMD", "GeForce", "RTX", "Radeon", "RX".
- aib_manufacturer: official brand name only (e.g. "ASUS", "MSI", "Gigabyte").
- aib_model_suffix: short normalized AIB family name only
  (e.g. "Prime", "ROG Strix", "TUF Gaming", "Gaming OC"). Never include
  chipset names or VRAM sizes.
- part_number must be null unless explicitly labeled as Part Number, MPN,
  or Product Number in the source.

Output MUST be valid JSON only. No markdown, no comments, no explanations.`

const userPromptTemplate = `I have identified this URL as the likely official source:
%s

Analyze the content of that page and return the JSON for the GPU:
"%s"

Schema:
{
"aib_manufacturer": string | null,
"aib_model_suffix": string | null,
"factory_boost_mhz": integer | null,
"part_number": string | null,
"length_mm": integer | null,
"width_slots": number | null,
"height_mm": integer | null,
"power_connectors": string | null,
"cooling_type": "Air" | "Liquid" | "Hybrid" | null,
"fan_count": integer | null,
"displayport_count": integer | null,
"displayport_version": string | null,
"hdmi_count": integer | null,
"hdmi_version": string | null,
"warranty_years": integer | null
}`

// buildUserPrompt renders the extraction prompt for one description. When no
// source URL was found the model is told to search broadly.
func buildUserPrompt(description, sourceURL string) string {
	if sourceURL == "" {
		sourceURL = "Perform a broad search for official specs."
	}
	return fmt.Sprintf(userPromptTemplate, sourceURL, description)
}

var jsonBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parseClaims extracts the claims JSON from raw model output. Models wrap
// JSON in markdown fences or prose often enough that naive unmarshalling is
// not an option.
func parseClaims(raw string) (model.HypothesisClaims, error) {
	raw = strings.TrimSpace(raw)

	var claims model.HypothesisClaims
	if err := json.Unmarshal([]byte(raw), &claims); err == nil {
		return claims, nil
	}

	if m := jsonBlockRe.FindStringSubmatch(raw); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &claims); err == nil {
			return claims, nil
		}
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(raw[start:end+1]), &claims); err == nil {
			return claims, nil
		}
	}

	return model.HypothesisClaims{}, eris.New("enrich: no valid JSON object in model output")
}

// mergeLexicalClaims fills chipset identity fields from the deterministic
// lexical parse of the description. The chipset side never comes from the
// model; the listing text itself is the more reliable source for it.
func mergeLexicalClaims(description string, claims model.HypothesisClaims) model.HypothesisClaims {
	lex := resolve.Normalize(description)

	if claims.ChipsetManufacturer == nil && lex.Vendor != "" {
		v := lex.Vendor
		claims.ChipsetManufacturer = &v
	}
	if claims.ChipsetModel == nil && lex.ModelName != "" {
		m := lex.ModelName
		claims.ChipsetModel = &m
	}
	if claims.VRAMGB == nil && lex.VRAMGB > 0 {
		v := lex.VRAMGB
		claims.VRAMGB = &v
	}
	if claims.ModelSuffix == nil && lex.ModelSuffix != "" {
		s := lex.ModelSuffix
		claims.ModelSuffix = &s
	}
	if claims.IsOC == nil {
		oc := strings.Contains(" "+strings.ToUpper(description)+" ", " OC ") ||
			strings.Contains(strings.ToUpper(description), "-OC") ||
			strings.Contains(strings.ToUpper(description), "OVERCLOCK")
		claims.IsOC = &oc
	}
	return claims
}

package engine

import "strings"

// generationTypeAliases maps legacy/aliased generation type values to their
// canonical form. New records always store the canonical value; the aliases
// survive in old records and in caller-supplied filters.
var generationTypeAliases = map[string]string{
	"logo-generation":   "logo",
	"image-generation":  "image",
	"video-generation":  "video",
	"bg-removal":        "background-removal",
	"remove-background": "background-removal",
	"upscale-image":     "upscale",
}

// legacyTypeValues is the reverse of generationTypeAliases: canonical type to
// the legacy stored values that must transparently match it in list filters.
var legacyTypeValues = func() map[string][]string {
	m := make(map[string][]string)
	for legacy, canonical := range generationTypeAliases {
		m[canonical] = append(m[canonical], legacy)
	}
	return m
}()

// NormalizeGenerationType maps a raw generation type to its canonical value.
// Unknown values pass through trimmed and lowercased.
func NormalizeGenerationType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := generationTypeAliases[t]; ok {
		return canonical
	}
	return t
}

// ExpandTypeFilter converts caller-supplied type filters into the effective
// set of stored values to query: each type is normalized, and canonical types
// with legacy stored spellings (e.g. "logo" / "logo-generation") expand to
// match both. The result is deduplicated and order-stable.
func ExpandTypeFilter(requested []string) []string {
	if len(requested) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, raw := range requested {
		canonical := NormalizeGenerationType(raw)
		add(canonical)
		for _, legacy := range legacyTypeValues[canonical] {
			add(legacy)
		}
	}
	return out
}

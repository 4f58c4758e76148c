package symbols

import "strings"

// Prefixes the linker and crash reporters put in front of a real symbol name.
const (
	PrefixStubHelper   = "__stub_helper."
	PrefixStubFallback = "__stub_"
	PrefixGot          = "__got."
	PrefixJump         = "j_"
	PrefixOutlined     = "OUTLINED_FUNCTION_"
)

// EnrichmentPrefixes lists the prefixes that are kept verbatim while the rest
// of the name is demangled. Longer prefixes come before their shorter
// counterparts so stripping is stable.
var EnrichmentPrefixes = []string{
	PrefixStubHelper,
	PrefixStubFallback,
	PrefixGot,
	PrefixJump,
}

// StripEnrichmentPrefixes removes all known prefixes from name, returning the
// stripped symbol and the prefixes in the order they were removed.
func StripEnrichmentPrefixes(name string) (core string, prefixes []string) {
	core = name
trimLoop:
	for {
		for _, prefix := range EnrichmentPrefixes {
			if strings.HasPrefix(core, prefix) {
				prefixes = append(prefixes, prefix)
				core = strings.TrimPrefix(core, prefix)
				continue trimLoop
			}
		}
		break
	}
	return core, prefixes
}

// ApplyEnrichmentPrefixes re-applies prefixes returned by StripEnrichmentPrefixes.
func ApplyEnrichmentPrefixes(prefixes []string, base string) string {
	return strings.Join(prefixes, "") + base
}

// IsOutlined reports whether name is a compiler outlined code fragment
// rather than a real function.
func IsOutlined(name string) bool {
	return strings.HasPrefix(strings.TrimLeft(name, "_"), PrefixOutlined)
}

package symbols

import (
	"regexp"
	"strings"

	"github.com/blacktop/go-macho/pkg/swift"
	"github.com/ianlancetaylor/demangle"
)

var (
	cxxTokenPattern = regexp.MustCompile(`_{0,2}Z[A-Za-z0-9_]+`)
)

// demangleCxx demangles a single Itanium token. Mach-O adds an extra leading
// underscore and split functions (.cold.N) sometimes lose theirs, so any
// number of leading underscores is accepted.
func demangleCxx(token string) (string, bool) {
	core := "_" + strings.TrimLeft(token, "_")
	out, err := demangle.ToString(core)
	if err != nil {
		return token, false
	}
	return out, true
}

// demangleCoreSymbol runs the Swift and C++ demanglers against a core symbol.
func demangleCoreSymbol(name string) string {
	out := swift.DemangleBlob(name)

	return cxxTokenPattern.ReplaceAllStringFunc(out, func(token string) string {
		if demangled, ok := demangleCxx(token); ok {
			return demangled
		}
		return token
	})
}

// DemangleSymbolName attempts to demangle Swift and C++ tokens inside a symbol string.
// It preserves any contextual prefixes/suffixes like stub helpers while expanding
// the mangled portion for readability.
func DemangleSymbolName(name string) string {
	if name == "" {
		return name
	}
	core, prefixes := StripEnrichmentPrefixes(name)
	return ApplyEnrichmentPrefixes(prefixes, demangleCoreSymbol(core))
}

// DisplayName returns how a symbol table name is shown in a frame. Names that
// do not demangle lose the leading underscore the C compiler adds on Darwin.
func DisplayName(name string, demangle bool) string {
	if demangle {
		if out := DemangleSymbolName(name); out != name {
			return out
		}
	}
	if strings.HasPrefix(name, "_") && !strings.HasPrefix(name, "__") {
		return name[1:]
	}
	return name
}

package symbolication

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ResolvedAddress is a load address being symbolicated. The section address,
// symbol context and symbolication are computed on first use and cached.
type ResolvedAddress struct {
	LoadAddr uint64
	// Description is shown when the address can not be symbolicated.
	Description string

	target        Target
	soAddr        *SectionAddress
	symCtx        *SymbolContext
	symbolication *string
	resolved      bool
	inlined       bool
}

// NewResolvedAddress creates an unresolved address for target.
func NewResolvedAddress(target Target, loadAddr uint64) *ResolvedAddress {
	return &ResolvedAddress{
		LoadAddr: loadAddr,
		target:   target,
	}
}

// newInlinedParent creates an address whose section address and context are already known.
func newInlinedParent(target Target, loadAddr uint64, soAddr SectionAddress, sc *SymbolContext) *ResolvedAddress {
	return &ResolvedAddress{
		LoadAddr: loadAddr,
		target:   target,
		soAddr:   &soAddr,
		symCtx:   sc,
	}
}

// SectionAddress resolves the load address into a section relative address.
func (a *ResolvedAddress) SectionAddress() (SectionAddress, bool) {
	if a.soAddr == nil {
		var so SectionAddress
		if a.target != nil {
			if resolved, ok := a.target.ResolveLoadAddress(a.LoadAddr); ok {
				so = resolved
			}
		}
		a.soAddr = &so
	}
	return *a.soAddr, a.soAddr.IsValid()
}

// SymbolContext returns the symbol context for the address (never nil).
func (a *ResolvedAddress) SymbolContext() *SymbolContext {
	if a.symCtx == nil {
		if so, ok := a.SectionAddress(); ok {
			a.symCtx = a.target.ResolveSymbolContext(so)
		}
		if a.symCtx == nil {
			a.symCtx = &SymbolContext{}
		}
	}
	return a.symCtx
}

// IsInlined reports whether the innermost scope of the address was inlined.
func (a *ResolvedAddress) IsInlined() bool {
	return a.inlined
}

// Symbolication returns the cached symbolication or "".
func (a *ResolvedAddress) Symbolication() string {
	if a.symbolication == nil {
		return ""
	}
	return *a.symbolication
}

// Symbolicate builds the symbolication string and reports whether it succeeded.
// Only the first call does any work.
func (a *ResolvedAddress) Symbolicate() bool {
	if a.symbolication != nil {
		return a.resolved
	}
	sym, inlined, ok := a.symbolicate()
	a.symbolication = &sym
	a.inlined = inlined
	a.resolved = ok
	return ok
}

func (a *ResolvedAddress) symbolicate() (string, bool, bool) {
	sc := a.SymbolContext()
	if !sc.IsValid() || sc.Module == nil {
		return "", false, false
	}
	so, _ := a.SectionAddress()

	var sb strings.Builder
	var inlined bool
	var start uint64
	var haveStart bool

	sb.WriteString(filepath.Base(sc.Module.Path()))
	sb.WriteString("`")

	switch {
	case sc.Function != nil:
		sb.WriteString(sc.Function.Name)
		if blk := sc.Block.ContainingInlinedBlock(); blk != nil {
			inlined = true
			sb.WriteString(" [inlined] ")
			sb.WriteString(blk.InlinedName())
			if idx, ok := blk.RangeIndexForAddress(so); ok {
				if rs, ok := blk.RangeStartAddress(idx); ok {
					start, haveStart = a.target.LoadAddress(rs)
				}
			}
		}
		if !haveStart {
			start, haveStart = a.target.LoadAddress(sc.Function.Start)
		}
	case sc.Symbol != nil:
		sb.WriteString(sc.Symbol.Name)
		start, haveStart = a.target.LoadAddress(sc.Symbol.Start)
	default:
		return "", false, false
	}

	if haveStart {
		switch {
		case a.LoadAddr > start:
			fmt.Fprintf(&sb, " + %d", a.LoadAddr-start)
		case a.LoadAddr < start:
			fmt.Fprintf(&sb, " -%d (invalid negative offset, file a bug)", start-a.LoadAddr)
		}
	}

	if sc.LineEntry.IsValid() {
		fmt.Fprintf(&sb, " at %s:%d", filepath.Base(sc.LineEntry.File), sc.LineEntry.Line)
		if sc.LineEntry.Column > 0 {
			fmt.Fprintf(&sb, ":%d", sc.LineEntry.Column)
		}
	}

	return sb.String(), inlined, true
}

func (a *ResolvedAddress) String() string {
	s := fmt.Sprintf("0x%016x", a.LoadAddr)
	switch {
	case len(a.Symbolication()) > 0:
		s += " " + a.Symbolication()
	case len(a.Description) > 0:
		s += " " + a.Description
	case a.soAddr != nil && a.soAddr.IsValid():
		s += " " + a.soAddr.String()
	}
	return s
}

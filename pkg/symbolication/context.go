package symbolication

// LineEntry is a row of a source line table.
type LineEntry struct {
	File   string
	Line   int
	Column int
}

// IsValid reports whether the entry names a source file.
func (l *LineEntry) IsValid() bool {
	return l != nil && len(l.File) > 0
}

// Function is a function described by debug info.
type Function struct {
	Name  string
	Start SectionAddress
}

// Symbol is a symbol table entry.
type Symbol struct {
	Name  string
	Start SectionAddress
}

// InlineInfo describes the function a Block was inlined from.
type InlineInfo struct {
	Name     string
	CallSite LineEntry
}

// Block is a lexical block of a function. Parent is nil for the function's
// outermost block. Inline is set for blocks that are inlined function bodies.
type Block struct {
	Ranges []AddressRange
	Inline *InlineInfo
	Parent *Block
}

// IsInlined reports whether b is the body of an inlined function.
func (b *Block) IsInlined() bool {
	return b != nil && b.Inline != nil
}

// ContainingInlinedBlock returns b or its closest ancestor that is inlined.
func (b *Block) ContainingInlinedBlock() *Block {
	for blk := b; blk != nil; blk = blk.Parent {
		if blk.IsInlined() {
			return blk
		}
	}
	return nil
}

// InlinedName returns the name of the inlined function or "".
func (b *Block) InlinedName() string {
	if !b.IsInlined() {
		return ""
	}
	return b.Inline.Name
}

// RangeIndexForAddress returns the index of the range that contains addr.
func (b *Block) RangeIndexForAddress(addr SectionAddress) (int, bool) {
	if b == nil {
		return -1, false
	}
	for idx, r := range b.Ranges {
		if r.Contains(addr) {
			return idx, true
		}
	}
	return -1, false
}

// RangeStartAddress returns the start of the range at idx.
func (b *Block) RangeStartAddress(idx int) (SectionAddress, bool) {
	if b == nil || idx < 0 || idx >= len(b.Ranges) {
		return SectionAddress{}, false
	}
	return b.Ranges[idx].Start, true
}

// SymbolContext bundles everything known about an address. Block is the
// innermost lexical block containing the address.
type SymbolContext struct {
	Module    Module
	Function  *Function
	Symbol    *Symbol
	Block     *Block
	LineEntry *LineEntry
}

// IsValid reports whether the context carries any information.
func (sc *SymbolContext) IsValid() bool {
	return sc != nil && (sc.Module != nil || sc.Function != nil || sc.Symbol != nil)
}

// ParentOfInlinedScope returns the context of the frame an inlined block at
// addr was inlined into, along with the address to use for that frame (the
// start of the inlined range). The parent line entry is the call site.
func (sc *SymbolContext) ParentOfInlinedScope(addr SectionAddress) (*SymbolContext, SectionAddress, bool) {
	if sc == nil || sc.Block == nil {
		return nil, SectionAddress{}, false
	}
	inlined := sc.Block.ContainingInlinedBlock()
	if inlined == nil {
		return nil, SectionAddress{}, false
	}
	idx, ok := inlined.RangeIndexForAddress(addr)
	if !ok {
		return nil, SectionAddress{}, false
	}
	pc, ok := inlined.RangeStartAddress(idx)
	if !ok {
		return nil, SectionAddress{}, false
	}

	parent := &SymbolContext{
		Module:   sc.Module,
		Function: sc.Function,
		Symbol:   sc.Symbol,
		Block:    inlined.Parent,
	}
	if call := inlined.Inline.CallSite; len(call.File) > 0 {
		parent.LineEntry = &LineEntry{
			File:   call.File,
			Line:   call.Line,
			Column: call.Column,
		}
	}

	return parent, pc, true
}

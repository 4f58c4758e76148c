package engine

import (
	"fmt"
	"sort"

	"github.com/blacktop/go-macho/types"
)

type symbol struct {
	Name  string
	Start uint64
	End   uint64
}

// symtab is sorted by start address and has no overlapping entries.
type symtab []symbol

// newSymtab merges symbol table entries with LC_FUNCTION_STARTS functions.
// Functions without a symbol get a synthetic func_<addr> name. Entries end at
// the next entry or at limit(start), whichever comes first.
func newSymtab(syms []symbol, funcs []types.Function, limit func(uint64) uint64) symtab {
	byStart := make(map[uint64]symbol)
	for _, sym := range syms {
		if len(sym.Name) == 0 {
			continue
		}
		if prev, ok := byStart[sym.Start]; ok && !preferName(sym.Name, prev.Name) {
			continue
		}
		byStart[sym.Start] = sym
	}
	for _, fn := range funcs {
		sym, ok := byStart[fn.StartAddr]
		if !ok {
			sym = symbol{Name: fmt.Sprintf("func_%x", fn.StartAddr), Start: fn.StartAddr}
		}
		if fn.EndAddr > fn.StartAddr {
			sym.End = fn.EndAddr
		}
		byStart[fn.StartAddr] = sym
	}

	st := make(symtab, 0, len(byStart))
	for _, sym := range byStart {
		st = append(st, sym)
	}
	sort.Slice(st, func(i, j int) bool {
		return st[i].Start < st[j].Start
	})

	for i := range st {
		end := st[i].End
		if limit != nil {
			if l := limit(st[i].Start); l > st[i].Start && (end == 0 || l < end) {
				end = l
			}
		}
		if i+1 < len(st) && (end == 0 || st[i+1].Start < end) {
			end = st[i+1].Start
		}
		st[i].End = end
	}

	return st
}

// preferName picks between aliases at the same address. Assembler temporaries
// (ltmpN, lCPI...) lose to real names.
func preferName(name, prev string) bool {
	if isLocalLabel(prev) && !isLocalLabel(name) {
		return true
	}
	return false
}

func isLocalLabel(name string) bool {
	return len(name) > 1 && name[0] == 'l' && (len(name) > 4 && name[:4] == "ltmp" || name[1] >= 'A' && name[1] <= 'Z')
}

// Lookup returns the entry containing addr.
func (st symtab) Lookup(addr uint64) (symbol, bool) {
	idx := sort.Search(len(st), func(i int) bool {
		return st[i].Start > addr
	})
	if idx == 0 {
		return symbol{}, false
	}
	sym := st[idx-1]
	if sym.End != 0 && addr >= sym.End {
		return symbol{}, false
	}
	return sym, true
}

package engine

import (
	"io"
	"sort"

	dwf "github.com/blacktop/go-dwarf"
	"github.com/blacktop/symbolicator/pkg/symbolication"
	"github.com/blacktop/symbolicator/pkg/symbols"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const maxNameHops = 8

type cuRange struct {
	low   uint64
	high  uint64
	entry *dwf.Entry
}

type subprogram struct {
	low   uint64
	high  uint64
	entry *dwf.Entry
}

type compileUnit struct {
	lines []dwf.LineEntry
	files []*dwf.LineFile
	subs  []subprogram
}

// debugInfo answers address queries against the DWARF of a single module.
type debugInfo struct {
	data     *dwf.Data
	cuRanges []cuRange
	units    *lru.Cache[dwf.Offset, *compileUnit]
	demangle bool
}

type blockInfo struct {
	ranges [][2]uint64
	inline *symbolication.InlineInfo
}

// frameInfo is what the DWARF knows about a single pc.
type frameInfo struct {
	line *symbolication.LineEntry

	// the rest is only set when a subprogram covers the pc
	function string
	lowPC    uint64
	ranges   [][2]uint64
	// blocks lists the lexical and inlined blocks covering the pc, outermost first
	blocks []blockInfo
}

func newDebugInfo(data *dwf.Data, cacheSize int, demangle bool) (*debugInfo, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	units, err := lru.New[dwf.Offset, *compileUnit](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create compile unit cache")
	}
	d := &debugInfo{
		data:     data,
		units:    units,
		demangle: demangle,
	}
	if err := d.buildIndex(); err != nil {
		return nil, errors.Wrap(err, "failed to index compile units")
	}
	return d, nil
}

func (d *debugInfo) buildIndex() error {
	r := d.data.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		ranges, err := d.data.Ranges(entry)
		if err == nil {
			for _, rng := range ranges {
				d.cuRanges = append(d.cuRanges, cuRange{low: rng[0], high: rng[1], entry: entry})
			}
		}
		r.SkipChildren()
	}
	sort.Slice(d.cuRanges, func(i, j int) bool {
		return d.cuRanges[i].low < d.cuRanges[j].low
	})
	return nil
}

func (d *debugInfo) findCU(pc uint64) *dwf.Entry {
	idx := sort.Search(len(d.cuRanges), func(i int) bool {
		return d.cuRanges[i].high > pc
	})
	if idx < len(d.cuRanges) && d.cuRanges[idx].low <= pc {
		return d.cuRanges[idx].entry
	}
	return nil
}

func (d *debugInfo) compileUnit(cu *dwf.Entry) (*compileUnit, error) {
	if unit, ok := d.units.Get(cu.Offset); ok {
		return unit, nil
	}

	unit := &compileUnit{}

	lr, err := d.data.LineReader(cu)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read line table for unit at %#x", cu.Offset)
	}
	if lr != nil {
		var entry dwf.LineEntry
		for {
			if err := lr.Next(&entry); err != nil {
				if err == io.EOF {
					break
				}
				return nil, errors.Wrapf(err, "failed to read line table for unit at %#x", cu.Offset)
			}
			unit.lines = append(unit.lines, entry)
		}
		sortLines(unit.lines)
		unit.files = lr.Files()
	}

	if unit.subs, err = d.subprograms(cu); err != nil {
		return nil, err
	}

	d.units.Add(cu.Offset, unit)
	return unit, nil
}

// subprograms collects every subprogram with code in cu, including methods
// nested in namespaces and classes.
func (d *debugInfo) subprograms(cu *dwf.Entry) ([]subprogram, error) {
	var subs []subprogram

	r := d.data.Reader()
	r.Seek(cu.Offset)
	if _, err := r.Next(); err != nil {
		return nil, errors.Wrapf(err, "failed to read unit at %#x", cu.Offset)
	}
	if !cu.Children {
		return nil, nil
	}

	for depth := 1; depth > 0; {
		entry, err := r.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read unit at %#x", cu.Offset)
		}
		if entry == nil {
			break
		}
		switch {
		case entry.Tag == 0:
			depth--
		case entry.Tag == dwf.TagSubprogram:
			if ranges, err := d.data.Ranges(entry); err == nil {
				for _, rng := range ranges {
					subs = append(subs, subprogram{low: rng[0], high: rng[1], entry: entry})
				}
			}
			if entry.Children {
				r.SkipChildren()
			}
		case entry.Children:
			depth++
		}
	}

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].low < subs[j].low
	})
	return subs, nil
}

// sortLines orders the rows of every sequence in a unit by address. A sequence
// may start where another one ends, so end_sequence rows go first at equal
// addresses.
func sortLines(lines []dwf.LineEntry) {
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].Address != lines[j].Address {
			return lines[i].Address < lines[j].Address
		}
		return lines[i].EndSequence && !lines[j].EndSequence
	})
}

func (u *compileUnit) lineFor(pc uint64) *symbolication.LineEntry {
	idx := sort.Search(len(u.lines), func(i int) bool {
		return u.lines[i].Address > pc
	})
	if idx == 0 {
		return nil
	}
	entry := u.lines[idx-1]
	if entry.EndSequence || entry.Line == 0 || entry.File == nil {
		return nil
	}
	return &symbolication.LineEntry{
		File:   entry.File.Name,
		Line:   entry.Line,
		Column: entry.Column,
	}
}

func (u *compileUnit) subprogramFor(pc uint64) *dwf.Entry {
	idx := sort.Search(len(u.subs), func(i int) bool {
		return u.subs[i].high > pc
	})
	if idx < len(u.subs) && u.subs[idx].low <= pc {
		return u.subs[idx].entry
	}
	return nil
}

func (u *compileUnit) fileName(idx int64) string {
	if idx < 0 || idx >= int64(len(u.files)) || u.files[idx] == nil {
		return ""
	}
	return u.files[idx].Name
}

func covers(ranges [][2]uint64, pc uint64) bool {
	for _, rng := range ranges {
		if rng[0] <= pc && pc < rng[1] {
			return true
		}
	}
	return false
}

// lookup returns nil when no compile unit covers pc.
func (d *debugInfo) lookup(pc uint64) (*frameInfo, error) {
	cu := d.findCU(pc)
	if cu == nil {
		return nil, nil
	}
	unit, err := d.compileUnit(cu)
	if err != nil {
		return nil, err
	}

	fr := &frameInfo{line: unit.lineFor(pc)}

	sub := unit.subprogramFor(pc)
	if sub == nil {
		return fr, nil
	}
	fr.function = d.entryName(sub)
	if fr.ranges, err = d.data.Ranges(sub); err != nil {
		return nil, errors.Wrapf(err, "failed to read ranges of subprogram at %#x", sub.Offset)
	}
	if low, ok := sub.Val(dwf.AttrLowpc).(uint64); ok {
		fr.lowPC = low
	} else if len(fr.ranges) > 0 {
		fr.lowPC = fr.ranges[0][0]
		for _, rng := range fr.ranges[1:] {
			fr.lowPC = min(fr.lowPC, rng[0])
		}
	}

	if sub.Children {
		if fr.blocks, err = d.coveringBlocks(sub, unit, pc); err != nil {
			return nil, err
		}
	}

	return fr, nil
}

// coveringBlocks walks down from sub into the chain of lexical and inlined
// blocks whose ranges contain pc. Siblings never overlap so at most one child
// per level covers pc.
func (d *debugInfo) coveringBlocks(sub *dwf.Entry, unit *compileUnit, pc uint64) ([]blockInfo, error) {
	var blocks []blockInfo

	r := d.data.Reader()
	r.Seek(sub.Offset)
	if _, err := r.Next(); err != nil {
		return nil, errors.Wrapf(err, "failed to read subprogram at %#x", sub.Offset)
	}

	for {
		entry, err := r.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read children of subprogram at %#x", sub.Offset)
		}
		if entry == nil || entry.Tag == 0 {
			break
		}

		ranges, _ := d.data.Ranges(entry)
		if !covers(ranges, pc) {
			if entry.Children {
				r.SkipChildren()
			}
			continue
		}

		switch entry.Tag {
		case dwf.TagLexDwarfBlock:
			blocks = append(blocks, blockInfo{ranges: ranges})
		case dwf.TagInlinedSubroutine:
			info := &symbolication.InlineInfo{Name: d.entryName(entry)}
			if idx, ok := entry.Val(dwf.AttrCallFile).(int64); ok {
				info.CallSite.File = unit.fileName(idx)
			}
			if line, ok := entry.Val(dwf.AttrCallLine).(int64); ok {
				info.CallSite.Line = int(line)
			}
			if col, ok := entry.Val(dwf.AttrCallColumn).(int64); ok {
				info.CallSite.Column = int(col)
			}
			blocks = append(blocks, blockInfo{ranges: ranges, inline: info})
		}

		if !entry.Children {
			break
		}
	}

	return blocks, nil
}

// entryName resolves the name of a subprogram or inlined subroutine, following
// abstract origins and specifications.
func (d *debugInfo) entryName(entry *dwf.Entry) string {
	var linkage, name string

	for hop := 0; entry != nil && hop < maxNameHops; hop++ {
		if len(linkage) == 0 {
			linkage, _ = entry.Val(dwf.AttrLinkageName).(string)
		}
		if len(name) == 0 {
			name, _ = entry.Val(dwf.AttrName).(string)
		}
		if len(linkage) > 0 && len(name) > 0 {
			break
		}

		ref, ok := entry.Val(dwf.AttrAbstractOrigin).(dwf.Offset)
		if !ok {
			if ref, ok = entry.Val(dwf.AttrSpecification).(dwf.Offset); !ok {
				break
			}
		}
		r := d.data.Reader()
		r.Seek(ref)
		next, err := r.Next()
		if err != nil {
			break
		}
		entry = next
	}

	switch {
	case len(linkage) > 0 && d.demangle:
		return symbols.DemangleSymbolName(linkage)
	case len(name) > 0:
		return name
	default:
		return linkage
	}
}

package engine

import (
	"debug/elf"
	"path/filepath"
	"testing"

	dwf "github.com/blacktop/go-dwarf"
	"github.com/blacktop/symbolicator/pkg/symbolication"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadTestDWARF reads the debug sections of one of the ELF fixtures in
// testdata (see testdata/Makefile).
func loadTestDWARF(t *testing.T, path string) *dwf.Data {
	t.Helper()

	f, err := elf.Open(path)
	require.NoError(t, err)
	defer f.Close()

	sect := func(name string) []byte {
		s := f.Section(name)
		if s == nil {
			return nil
		}
		dat, err := s.Data()
		require.NoError(t, err, name)
		return dat
	}

	data, err := dwf.New(
		sect(".debug_abbrev"),
		sect(".debug_aranges"),
		nil,
		sect(".debug_info"),
		sect(".debug_line"),
		nil,
		sect(".debug_ranges"),
		sect(".debug_str"),
	)
	require.NoError(t, err)
	for _, name := range []string{".debug_addr", ".debug_line_str", ".debug_str_offsets", ".debug_rnglists", ".debug_loclists"} {
		if dat := sect(name); dat != nil {
			require.NoError(t, data.AddSection(name, dat))
		}
	}
	return data
}

type testBlock struct {
	Name   string
	Call   string
	Line   int
	Column int
	Ranges [][2]uint64
}

func flattenBlocks(blocks []blockInfo) []testBlock {
	var out []testBlock
	for _, b := range blocks {
		tb := testBlock{Ranges: b.ranges}
		if b.inline != nil {
			tb.Name = b.inline.Name
			tb.Call = filepath.Base(b.inline.CallSite.File)
			tb.Line = b.inline.CallSite.Line
			tb.Column = b.inline.CallSite.Column
		}
		out = append(out, tb)
	}
	return out
}

func TestDebugInfoLookup(t *testing.T) {
	middle := testBlock{
		Name: "middle", Call: "inline.c", Line: 14, Column: 9,
		Ranges: [][2]uint64{{0x401120, 0x401131}},
	}
	firstInner := testBlock{
		Name: "inner", Call: "inline.c", Line: 8, Column: 10,
		Ranges: [][2]uint64{{0x401120, 0x401123}, {0x401126, 0x401129}},
	}
	secondInner := testBlock{
		Name: "inner", Call: "inline.c", Line: 9, Column: 13,
		Ranges: [][2]uint64{{0x401126, 0x401126}, {0x401129, 0x40112f}},
	}

	tests := []struct {
		pc       uint64
		function string
		lowPC    uint64
		line     int
		blocks   []testBlock
	}{
		{pc: 0x401120, function: "outer", lowPC: 0x401120, line: 3, blocks: []testBlock{middle, firstInner}},
		{pc: 0x401126, function: "outer", lowPC: 0x401120, line: 3, blocks: []testBlock{middle, firstInner}},
		{pc: 0x401129, function: "outer", lowPC: 0x401120, line: 3, blocks: []testBlock{middle, secondInner}},
		{pc: 0x40112c, function: "outer", lowPC: 0x401120, line: 3, blocks: []testBlock{middle, secondInner}},
		{pc: 0x40112f, function: "outer", lowPC: 0x401120, line: 9, blocks: []testBlock{middle}},
		{pc: 0x401131, function: "outer", lowPC: 0x401120, line: 14},
		{pc: 0x401134, function: "outer", lowPC: 0x401120, line: 15},
		{pc: 0x401020, function: "main", lowPC: 0x401020, line: 19},
	}

	for _, fixture := range []string{"inline.elf4", "inline.elf5"} {
		t.Run(fixture, func(t *testing.T) {
			di, err := newDebugInfo(loadTestDWARF(t, filepath.Join("testdata", fixture)), 4, false)
			require.NoError(t, err)

			for _, tt := range tests {
				fr, err := di.lookup(tt.pc)
				require.NoError(t, err, "%#x", tt.pc)
				require.NotNil(t, fr, "%#x", tt.pc)
				require.NotNil(t, fr.line, "%#x", tt.pc)

				assert.Equal(t, tt.function, fr.function, "%#x", tt.pc)
				assert.Equal(t, tt.lowPC, fr.lowPC, "%#x", tt.pc)
				assert.Equal(t, "inline.c", filepath.Base(fr.line.File), "%#x", tt.pc)
				assert.Equal(t, tt.line, fr.line.Line, "%#x", tt.pc)
				if diff := cmp.Diff(tt.blocks, flattenBlocks(fr.blocks)); diff != "" {
					t.Errorf("blocks at %#x mismatch (-want +got):\n%s", tt.pc, diff)
				}
			}

			for _, pc := range []uint64{0x401000, 0x401025, 0x401135, 0x402000} {
				fr, err := di.lookup(pc)
				require.NoError(t, err)
				assert.Nil(t, fr, "%#x", pc)
			}
		})
	}
}

func TestLineForAdjacentSequences(t *testing.T) {
	a := &dwf.LineFile{Name: "a.c"}
	b := &dwf.LineFile{Name: "b.c"}

	unit := &compileUnit{lines: []dwf.LineEntry{
		{Address: 0x1040, File: b, Line: 20},
		{Address: 0x1060, File: b, Line: 21},
		{Address: 0x1080, EndSequence: true},
		{Address: 0x1000, File: a, Line: 10},
		{Address: 0x1020, File: a, Line: 11},
		{Address: 0x1040, EndSequence: true},
	}}
	sortLines(unit.lines)

	tests := []struct {
		pc   uint64
		want *symbolication.LineEntry
	}{
		{pc: 0x0fff},
		{pc: 0x1010, want: &symbolication.LineEntry{File: "a.c", Line: 10}},
		{pc: 0x103f, want: &symbolication.LineEntry{File: "a.c", Line: 11}},
		{pc: 0x1040, want: &symbolication.LineEntry{File: "b.c", Line: 20}},
		{pc: 0x1044, want: &symbolication.LineEntry{File: "b.c", Line: 20}},
		{pc: 0x107f, want: &symbolication.LineEntry{File: "b.c", Line: 21}},
		{pc: 0x1080},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, unit.lineFor(tt.pc), "%#x", tt.pc)
	}
}

package symbolication

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/MakeNowJust/heredoc/v2"
)

var (
	sectInfoRegex = regexp.MustCompile(`^(?P<name>[^=]+)=(?P<range>.*)$`)
	addrRegex     = regexp.MustCompile(`^\s*(?P<start>0x[0-9A-Fa-f]+)\s*$`)
	rangeRegex    = regexp.MustCompile(`^\s*(?P<start>0x[0-9A-Fa-f]+)\s*(?P<op>[-+])\s*(?P<end>0x[0-9A-Fa-f]+)\s*$`)
)

// SectionUsage describes the accepted section info formats.
var SectionUsage = heredoc.Doc(`
	Valid section info formats are:
	Format                Example                    Description
	--------------------- -----------------------------------------------
	<name>=<base>        __TEXT=0x123000             Section from base address only
	<name>=<base>-<end>  __TEXT=0x123000-0x124000    Section from base address and end address
	<name>=<base>+<size> __TEXT=0x123000+0x1000      Section from base address and size
`)

// SectionFormatError is returned for section info strings that do not parse.
type SectionFormatError struct {
	Input string
}

func (e *SectionFormatError) Error() string {
	return fmt.Sprintf("invalid section info string %q\n%s", e.Input, SectionUsage)
}

// SectionInfo is a load address range for a named section of an image.
type SectionInfo struct {
	Name  string
	Start uint64
	End   *uint64
}

// ParseSectionInfo parses <name>=<base>, <name>=<base>-<end> or <name>=<base>+<size>.
func ParseSectionInfo(s string) (*SectionInfo, error) {
	var si SectionInfo
	if err := si.Set(s); err != nil {
		return nil, err
	}
	return &si, nil
}

// Set parses s into the section info. The receiver is left untouched on error.
func (s *SectionInfo) Set(str string) error {
	match := sectInfoRegex.FindStringSubmatch(str)
	if match == nil {
		return &SectionFormatError{Input: str}
	}
	name := match[sectInfoRegex.SubexpIndex("name")]
	rng := match[sectInfoRegex.SubexpIndex("range")]

	if m := addrRegex.FindStringSubmatch(rng); m != nil {
		start, err := parseHex(m[addrRegex.SubexpIndex("start")])
		if err != nil {
			return &SectionFormatError{Input: str}
		}
		s.Name = name
		s.Start = start
		s.End = nil
		return nil
	}

	if m := rangeRegex.FindStringSubmatch(rng); m != nil {
		start, err := parseHex(m[rangeRegex.SubexpIndex("start")])
		if err != nil {
			return &SectionFormatError{Input: str}
		}
		end, err := parseHex(m[rangeRegex.SubexpIndex("end")])
		if err != nil {
			return &SectionFormatError{Input: str}
		}
		if m[rangeRegex.SubexpIndex("op")] == "+" {
			end += start
		}
		if end < start {
			return &SectionFormatError{Input: str}
		}
		s.Name = name
		s.Start = start
		s.End = &end
		return nil
	}

	return &SectionFormatError{Input: str}
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(s[2:], 16, 64)
}

// Contains reports whether addr is in [Start, End). Sections without an end contain nothing.
func (s *SectionInfo) Contains(addr uint64) bool {
	if s.End == nil {
		return false
	}
	return s.Start <= addr && addr < *s.End
}

func (s *SectionInfo) String() string {
	if len(s.Name) == 0 {
		return "<invalid>"
	}
	if s.End != nil {
		return fmt.Sprintf("%s=[0x%016x - 0x%016x)", s.Name, s.Start, *s.End)
	}
	return fmt.Sprintf("%s=0x%016x", s.Name, s.Start)
}

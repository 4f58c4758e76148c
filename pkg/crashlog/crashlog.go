package crashlog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/symbolicator/internal/utils"
	"github.com/blacktop/symbolicator/pkg/symbolication"
	"github.com/google/uuid"
)

// CrashLog is a crashlog object
type CrashLog struct {
	ReportVersion int
	Process       string
	PID           int
	Path          string
	Identifier    string
	Version       string
	CodeType      string
	Platform      string
	HardwareModel string
	OSVersion     string
	OSBuild       string

	ExceptionType     string
	ExceptionSubtype  []string
	ExceptionCodes    string
	TerminationSignal string
	TerminationReason string

	Images  []*Image
	Threads []*Thread

	CrashedThread int

	lines  []string
	closer io.Closer
}

// Image is an entry of the Binary Images list.
type Image struct {
	Name    string
	Version string
	Arch    string
	UUID    uuid.UUID
	Path    string
	Start   uint64
	// End is exclusive.
	End uint64
	// Main is set for images the reporter marked as part of the app (+).
	Main bool
}

// Contains reports whether addr is inside the image.
func (i *Image) Contains(addr uint64) bool {
	return i.Start <= addr && addr < i.End
}

type State map[string]uint64

func (s State) String() string {
	return fmt.Sprintf(
		"    x0: %#016x   x1: %#016x   x2: %#016x   x3: %#016x\n"+
			"    x4: %#016x   x5: %#016x   x6: %#016x   x7: %#016x\n"+
			"    x8: %#016x   x9: %#016x  x10: %#016x  x11: %#016x\n"+
			"   x12: %#016x  x13: %#016x  x14: %#016x  x15: %#016x\n"+
			"   x16: %#016x  x17: %#016x  x18: %#016x  x19: %#016x\n"+
			"   x20: %#016x  x21: %#016x  x22: %#016x  x23: %#016x\n"+
			"   x24: %#016x  x25: %#016x  x26: %#016x  x27: %#016x\n"+
			"   x28: %#016x   fp: %#016x   lr: %#016x\n"+
			"    sp: %#016x   pc: %#016x cpsr: %#08x\n"+
			"   esr: %#08x\n",
		s["x0"], s["x1"], s["x2"], s["x3"],
		s["x4"], s["x5"], s["x6"], s["x7"],
		s["x8"], s["x9"], s["x10"], s["x11"],
		s["x12"], s["x13"], s["x14"], s["x15"],
		s["x16"], s["x17"], s["x18"], s["x19"],
		s["x20"], s["x21"], s["x22"], s["x23"],
		s["x24"], s["x25"], s["x26"], s["x27"],
		s["x28"], s["fp"], s["lr"],
		s["sp"], s["pc"], s["cpsr"],
		s["esr"])
}

type Thread struct {
	Number  int
	Name    string
	Crashed bool
	Frames  []*Frame
	State   State

	lines []string
}

// Frame is a single backtrace line.
type Frame struct {
	Index     int
	ImageName string
	Image     *Image
	Address   uint64
	// Symbol is whatever the reporter printed after the address.
	Symbol string
}

var (
	imageRE      = regexp.MustCompile(`^\s*(?P<start>0x[[:xdigit:]]+)\s+-\s+(?P<end>0x[[:xdigit:]]+)\s+(?P<main>\+)?(?P<name>.+?)(?:\s+\((?P<version>[^)]*)\))?\s+(?:(?P<arch>armv[4-8][tfsk]?|arm64\S*|i386|x86_64\S*)\s+)?<(?P<uuid>[[:xdigit:]-]{32,36})>\s+(?P<path>.+?)\s*$`)
	threadRE     = regexp.MustCompile(`^Thread\s+(?P<num>\d+)(?P<crashed>\s+Crashed)?:`)
	threadNameRE = regexp.MustCompile(`^Thread\s+(?P<num>\d+)\s+name:\s+(?P<name>.*)$`)
	stateRE      = regexp.MustCompile(`\s*(?P<reg>\w+):\s+(?P<addr>0x[[:xdigit:]]+)`)
	frameRE      = regexp.MustCompile(`^(?P<num>\d+)\s+(?P<image>\S.*?)\s+(?P<addr>0x[[:xdigit:]]+)\s+(?P<symbol>.*)$`)
	processRE    = regexp.MustCompile(`^(?P<proc>.+?)\s+\[(?P<pid>\d+)\]$`)
	osVersionRE  = regexp.MustCompile(`^(?:.+\s)?(?P<version>[0-9.]+)\s+\((?P<build>\w+)\)$`)
	numberRE     = regexp.MustCompile(`(\d+)`)
)

// Open opens the named file using os.Open and prepares it for use as a crashlog
func Open(name string) (*CrashLog, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	crash, err := Parse(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	crash.closer = f

	return crash, nil
}

// Parse reads a text (.crash) or JSON (.ips) crash report.
func Parse(r io.Reader) (*CrashLog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return parseIPS(trimmed)
	}

	crash := CrashLog{CrashedThread: -1}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		crash.lines = append(crash.lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read crashlog: %w", err)
	}

	if err := crash.getHeader(); err != nil {
		return nil, fmt.Errorf("failed to parse header: %v", err)
	}
	if err := crash.getImages(); err != nil {
		return nil, fmt.Errorf("failed to parse images: %v", err)
	}
	if err := crash.getThreads(); err != nil {
		return nil, fmt.Errorf("failed to parse threads: %v", err)
	}
	if err := crash.getBackTraces(); err != nil {
		return nil, fmt.Errorf("failed to parse back traces: %v", err)
	}

	if len(crash.Images) == 0 && len(crash.Threads) == 0 {
		return nil, fmt.Errorf("no binary images or threads found")
	}

	return &crash, nil
}

// Close closes the File.
func (c *CrashLog) Close() error {
	var err error

	if c.closer != nil {
		err = c.closer.Close()
		c.closer = nil
	}

	return err
}

func (c *CrashLog) String() string {
	return fmt.Sprintf(
		"Process:             %s [%d]\n"+
			"Identifier:          %s\n"+
			"Version:             %s\n"+
			"Code Type:           %s\n"+
			"Hardware Model:      %s\n"+
			"OS Version:          %s\n"+
			"BuildID:             %s\n\n"+
			"Exception Type:      %s\n"+
			"Exception Subtype:   %s\n"+
			"Termination Signal:  %s\n"+
			"Termination Reason:  %s\n"+
			"Triggered by Thread: %d\n",
		c.Process, c.PID,
		c.Identifier,
		c.Version,
		c.CodeType,
		c.HardwareModel,
		c.OSVersion, c.OSBuild,
		c.ExceptionType,
		strings.Join(c.ExceptionSubtype, "\n                     "),
		c.TerminationSignal,
		c.TerminationReason,
		c.CrashedThread,
	)
}

// getHeader parses the key/value lines before the first thread
func (c *CrashLog) getHeader() error {
	inSubtype := false
	for _, line := range c.lines {
		if strings.HasPrefix(line, "Thread ") || strings.HasPrefix(line, "Binary Images") {
			return nil
		}
		if inSubtype {
			if len(strings.TrimSpace(line)) == 0 || strings.Contains(line, ":") {
				inSubtype = false
			} else {
				c.ExceptionSubtype = append(c.ExceptionSubtype, strings.TrimSpace(line))
				continue
			}
		}

		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)

		switch strings.TrimSpace(key) {
		case "Report Version":
			version, err := strconv.Atoi(numberRE.FindString(val))
			if err != nil {
				return fmt.Errorf("invalid report version %q: %w", val, err)
			}
			c.ReportVersion = version
		case "Process":
			if matches := processRE.FindStringSubmatch(val); matches != nil {
				c.Process = matches[processRE.SubexpIndex("proc")]
				pid, err := strconv.Atoi(matches[processRE.SubexpIndex("pid")])
				if err != nil {
					return err
				}
				c.PID = pid
			} else {
				c.Process = val
			}
		case "Path":
			c.Path = val
		case "Identifier":
			c.Identifier = val
		case "Version":
			c.Version = val
		case "Code Type":
			c.CodeType = val
		case "Platform":
			c.Platform = val
		case "Hardware Model":
			c.HardwareModel = val
		case "OS Version":
			if matches := osVersionRE.FindStringSubmatch(val); matches != nil {
				c.OSVersion = matches[osVersionRE.SubexpIndex("version")]
				c.OSBuild = matches[osVersionRE.SubexpIndex("build")]
			} else {
				c.OSVersion = val
			}
		case "Exception Type":
			c.ExceptionType = val
		case "Exception Subtype":
			if len(val) > 0 {
				c.ExceptionSubtype = append(c.ExceptionSubtype, val)
			}
			inSubtype = true
		case "Exception Codes":
			c.ExceptionCodes = val
		case "Termination Signal":
			c.TerminationSignal = val
		case "Termination Reason":
			c.TerminationReason = val
		case "Triggered by Thread", "Crashed Thread":
			thread, err := strconv.Atoi(numberRE.FindString(val))
			if err != nil {
				return fmt.Errorf("invalid crashed thread %q: %w", val, err)
			}
			c.CrashedThread = thread
		}
	}

	return nil
}

// getImages parses all the binary images in the crashlog
func (c *CrashLog) getImages() error {
	found := false
	for _, line := range c.lines {
		if strings.HasPrefix(line, "Binary Images") {
			found = true
			continue
		}
		if !found {
			continue
		}
		if len(strings.TrimSpace(line)) == 0 || strings.EqualFold(line, "EOF") {
			if len(c.Images) > 0 {
				return nil
			}
			continue
		}
		matches := imageRE.FindStringSubmatch(line)
		if matches == nil {
			log.WithField("line", line).Debug("Skipping unrecognized binary image")
			continue
		}
		start, err := utils.ConvertStrToInt(matches[imageRE.SubexpIndex("start")])
		if err != nil {
			return err
		}
		end, err := utils.ConvertStrToInt(matches[imageRE.SubexpIndex("end")])
		if err != nil {
			return err
		}
		id, err := uuid.Parse(matches[imageRE.SubexpIndex("uuid")])
		if err != nil {
			return fmt.Errorf("invalid image UUID in %q: %w", line, err)
		}
		c.Images = append(c.Images, &Image{
			Name:    matches[imageRE.SubexpIndex("name")],
			Version: matches[imageRE.SubexpIndex("version")],
			Arch:    matches[imageRE.SubexpIndex("arch")],
			UUID:    id,
			Path:    matches[imageRE.SubexpIndex("path")],
			Start:   start,
			End:     end + 1,
			Main:    len(matches[imageRE.SubexpIndex("main")]) > 0,
		})
	}

	return nil
}

func (c *CrashLog) thread(num int) *Thread {
	for _, t := range c.Threads {
		if t.Number == num {
			return t
		}
	}
	t := &Thread{Number: num}
	c.Threads = append(c.Threads, t)
	return t
}

// getThreads parses all the threads in the crashlog
func (c *CrashLog) getThreads() error {
	var current *Thread
	var state State

	for _, line := range c.lines {
		switch {
		case strings.HasPrefix(line, "Binary Images"):
			return nil
		case strings.Contains(line, "Thread State"):
			current = nil
			state = make(State)
			if c.CrashedThread >= 0 {
				c.thread(c.CrashedThread).State = state
			}
			continue
		}

		if matches := threadNameRE.FindStringSubmatch(line); matches != nil {
			num, err := strconv.Atoi(matches[threadNameRE.SubexpIndex("num")])
			if err != nil {
				return err
			}
			c.thread(num).Name = matches[threadNameRE.SubexpIndex("name")]
			continue
		}
		if matches := threadRE.FindStringSubmatch(line); matches != nil {
			num, err := strconv.Atoi(matches[threadRE.SubexpIndex("num")])
			if err != nil {
				return err
			}
			current = c.thread(num)
			current.Crashed = len(matches[threadRE.SubexpIndex("crashed")]) > 0
			if current.Crashed && c.CrashedThread < 0 {
				c.CrashedThread = num
			}
			state = nil
			continue
		}

		if len(strings.TrimSpace(line)) == 0 {
			current = nil
			state = nil
			continue
		}
		if current != nil {
			current.lines = append(current.lines, line)
		}
		if state != nil {
			for _, match := range stateRE.FindAllStringSubmatch(line, -1) {
				addr, err := utils.ConvertStrToInt(match[stateRE.SubexpIndex("addr")])
				if err != nil {
					return err
				}
				state[match[stateRE.SubexpIndex("reg")]] = addr
			}
		}
	}

	return nil
}

// getBackTraces parses all thread backtraces in the crashlog
func (c *CrashLog) getBackTraces() error {
	for _, thread := range c.Threads {
		for _, btline := range thread.lines {
			matches := frameRE.FindStringSubmatch(btline)
			if matches == nil {
				continue
			}
			num, err := strconv.Atoi(matches[frameRE.SubexpIndex("num")])
			if err != nil {
				return err
			}
			addr, err := utils.ConvertStrToInt(matches[frameRE.SubexpIndex("addr")])
			if err != nil {
				return err
			}
			frame := &Frame{
				Index:     num,
				ImageName: matches[frameRE.SubexpIndex("image")],
				Address:   addr,
				Symbol:    matches[frameRE.SubexpIndex("symbol")],
			}
			frame.Image = c.ImageContaining(addr)
			if frame.Image == nil {
				frame.Image = c.imageNamed(frame.ImageName)
			}
			thread.Frames = append(thread.Frames, frame)
		}
		thread.lines = nil
	}

	return nil
}

func (c *CrashLog) imageNamed(name string) *Image {
	for _, img := range c.Images {
		if img.Name == name {
			return img
		}
	}
	return nil
}

// ImageContaining returns the image addr falls into or nil.
func (c *CrashLog) ImageContaining(addr uint64) *Image {
	for _, img := range c.Images {
		if img.Contains(addr) {
			return img
		}
	}
	return nil
}

// Crashed returns the crashed thread or nil.
func (c *CrashLog) Crashed() *Thread {
	for _, t := range c.Threads {
		if t.Number == c.CrashedThread {
			return t
		}
	}
	return nil
}

// SymbolicationImages converts the binary images into images for a Symbolicator. Only
// images with a frame in a backtrace are returned unless all is set.
func (c *CrashLog) SymbolicationImages(all bool) []*symbolication.Image {
	used := make(map[*Image]bool)
	for _, t := range c.Threads {
		for _, f := range t.Frames {
			if f.Image != nil {
				used[f.Image] = true
			}
		}
	}

	var images []*symbolication.Image
	for _, img := range c.Images {
		if !all && !used[img] {
			continue
		}
		end := img.End
		si := &symbolication.Image{
			Path:       img.Path,
			UUID:       img.UUID,
			Identifier: img.Name,
			Version:    img.Version,
			Arch:       img.Arch,
		}
		si.AddSection(&symbolication.SectionInfo{Name: "__TEXT", Start: img.Start, End: &end})
		images = append(images, si)
	}
	return images
}

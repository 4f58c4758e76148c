// Package colors provides the color palette used when printing symbolicated
// frames. Colors are disabled automatically when stdout is not a terminal.
package colors

import "github.com/fatih/color"

// Init allows overriding the auto-detected color setting.
//   - forceColor == nil: keep auto-detected value
//   - forceColor == true: force colors on (--color)
//   - forceColor == false: force colors off (--no-color)
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

func Bold() *color.Color  { return color.New(color.Bold) }
func Faint() *color.Color { return color.New(color.Faint) }

// Address is used for load addresses heading each resolved block.
func Address() *color.Color { return color.New(color.Bold, color.FgHiBlue) }

// Module is used for the image name in front of the backtick.
func Module() *color.Color { return color.New(color.FgHiMagenta) }

// Symbol is used for function and symbol names.
func Symbol() *color.Color { return color.New(color.Bold, color.FgHiGreen) }

// Inlined marks frames that were inlined into their caller.
func Inlined() *color.Color { return color.New(color.Italic, color.FgHiYellow) }

// Location is used for source file and line information.
func Location() *color.Color { return color.New(color.Faint, color.FgCyan) }

// Crashed highlights the crashed thread header.
func Crashed() *color.Color { return color.New(color.Bold, color.FgHiRed) }

// Unresolved is used for addresses no image covers.
func Unresolved() *color.Color { return color.New(color.Faint, color.FgRed) }

/*
Copyright © 2021 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"strings"

	"github.com/blacktop/symbolicator/internal/colors"
	"github.com/blacktop/symbolicator/pkg/symbolication"
)

var colorBold = colors.Bold().SprintFunc()
var colorFaint = colors.Faint().SprintFunc()
var colorAddr = colors.Address().SprintFunc()
var colorModule = colors.Module().SprintFunc()
var colorSymbol = colors.Symbol().SprintFunc()
var colorInlined = colors.Inlined().SprintFunc()
var colorLocation = colors.Location().SprintFunc()
var colorCrashed = colors.Crashed().SprintFunc()
var colorUnresolved = colors.Unresolved().SprintFunc()

// formatAddress renders a resolved frame as `0x... module`name + off at file:line`.
func formatAddress(addr *symbolication.ResolvedAddress) string {
	return colorAddr(fmt.Sprintf("0x%016x", addr.LoadAddr)) + " " + formatSymbolication(addr)
}

func formatSymbolication(addr *symbolication.ResolvedAddress) string {
	sym := addr.Symbolication()
	if len(sym) == 0 {
		if len(addr.Description) > 0 {
			return addr.Description
		}
		return colorUnresolved("???")
	}

	module, rest, ok := strings.Cut(sym, "`")
	if !ok {
		return sym
	}
	name, loc, hasLoc := strings.Cut(rest, " at ")

	var sb strings.Builder
	sb.WriteString(colorModule(module))
	sb.WriteString("`")
	if outer, inlined, ok := strings.Cut(name, " [inlined] "); ok {
		sb.WriteString(colorSymbol(outer))
		sb.WriteString(" ")
		sb.WriteString(colorInlined("[inlined] " + inlined))
	} else {
		sb.WriteString(colorSymbol(name))
	}
	if hasLoc {
		sb.WriteString(" at ")
		sb.WriteString(colorLocation(loc))
	}
	return sb.String()
}

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

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/symbolicator/internal/config"
	"github.com/blacktop/symbolicator/internal/utils"
	"github.com/blacktop/symbolicator/pkg/engine"
	"github.com/blacktop/symbolicator/pkg/symbolication"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// sectionsFlag collects repeated --section values
type sectionsFlag []*symbolication.SectionInfo

var _ pflag.Value = (*sectionsFlag)(nil)

func (s *sectionsFlag) String() string {
	var out []string
	for _, si := range *s {
		out = append(out, si.String())
	}
	return "[" + strings.Join(out, ", ") + "]"
}

func (s *sectionsFlag) Set(val string) error {
	si, err := symbolication.ParseSectionInfo(val)
	if err != nil {
		return err
	}
	*s = append(*s, si)
	return nil
}

func (s *sectionsFlag) Type() string {
	return "name=range"
}

var addrSections sectionsFlag

func init() {
	rootCmd.AddCommand(addrCmd)

	addrCmd.Flags().StringP("file", "f", "", "Binary to use when symbolicating")
	addrCmd.Flags().StringP("arch", "a", "", "Which architecture to use for fat/universal MachO")
	addrCmd.Flags().StringP("slide", "s", "", "Slide to apply to the --file binary (hex or decimal, may be negative)")
	addrCmd.Flags().Var(&addrSections, "section", "Section load address <name>=<base>[-<end>|+<size>] (can be used multiple times)")
	addrCmd.MarkFlagFilename("file")
	addrCmd.MarkFlagsMutuallyExclusive("slide", "section")
	viper.BindPFlag("symbolicate.arch", addrCmd.Flags().Lookup("arch"))
}

// addrCmd represents the addr command
var addrCmd = &cobra.Command{
	Use:     "addr <ADDR> [ADDR...]",
	Aliases: []string{"a2s"},
	Short:   "Symbolicate one or more load addresses",
	Example: heredoc.Doc(`
		# Symbolicate an address in an unslid binary
		❯ symbolicator addr --file MyApp 0x100003f20
		# Symbolicate addresses of a slid binary
		❯ symbolicator addr -f MyApp --slide 0x4000 0x100007f20 0x100008004
		# Symbolicate against explicit section load addresses
		❯ symbolicator addr -f MyApp --section __TEXT=0x104c3c000 --section __DATA=0x104c44000 0x104c3e000`),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		// flags
		file, _ := cmd.Flags().GetString("file")
		slide, _ := cmd.Flags().GetString("slide")
		arch := viper.GetString("symbolicate.arch")

		addrs := make([]uint64, 0, len(args))
		for _, arg := range args {
			addr, err := utils.ConvertStrToInt(arg)
			if err != nil {
				return fmt.Errorf("invalid address '%s': %v", arg, err)
			}
			addrs = append(addrs, addr)
		}

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		e, err := engine.New(conf.Engine())
		if err != nil {
			return err
		}
		defer e.Close()

		var images []*symbolication.Image
		if len(file) > 0 {
			img := symbolication.NewImage(file, uuid.Nil)
			img.Arch = arch
			for _, si := range addrSections {
				img.AddSection(si)
			}
			if len(slide) > 0 {
				s, err := utils.ParseSlide(slide)
				if err != nil {
					return err
				}
				img.SetSlide(s)
			}
			images = append(images, img)
		}

		symbolicator := symbolication.NewSymbolicator(e, images...)
		if _, err := symbolicator.CreateTarget(); err != nil {
			return fmt.Errorf("no target for %s: %w", symbolicator, err)
		}
		if viper.GetBool("verbose") {
			fmt.Println(symbolicator)
		}

		for _, addr := range addrs {
			resolved := symbolicator.Symbolicate(addr)
			if len(resolved) == 0 {
				log.Warnf("no image contains %#x", addr)
			}
			for _, ra := range resolved {
				fmt.Println(formatAddress(ra))
			}
			fmt.Println()
		}

		return nil
	},
}

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
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/symbolicator/internal/config"
	"github.com/blacktop/symbolicator/internal/utils"
	"github.com/blacktop/symbolicator/pkg/crashlog"
	"github.com/blacktop/symbolicator/pkg/engine"
	"github.com/blacktop/symbolicator/pkg/symbolication"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(crashCmd)

	crashCmd.Flags().Bool("all", false, "Symbolicate all threads (not just the crashed thread)")
	crashCmd.Flags().Bool("load-all", false, "Load every binary image (not just those in backtraces)")
	crashCmd.MarkZshCompPositionalArgumentFile(1, "*.crash", "*.ips")
	viper.BindPFlag("crash.all", crashCmd.Flags().Lookup("all"))
	viper.BindPFlag("crash.load-all", crashCmd.Flags().Lookup("load-all"))
}

// crashCmd represents the crash command
var crashCmd = &cobra.Command{
	Use:   "crash <CRASHLOG>",
	Short: "Symbolicate an Apple crash report (.crash or .ips)",
	Example: heredoc.Doc(`
		# Symbolicate the crashed thread using binaries at the paths in the report
		❯ symbolicator crash MyApp-2023-01-01-120000.ips
		# Find dSYMs by UUID and symbolicate every thread
		❯ symbolicator crash --dsym ~/Library/Developer/Xcode/Archives --all --demangle MyApp.crash`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		// flags
		allThreads := viper.GetBool("crash.all")
		loadAll := viper.GetBool("crash.load-all")

		crashLog, err := crashlog.Open(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		defer crashLog.Close()

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		econf := conf.Engine()
		if len(econf.Platform) == 0 {
			if platform, err := engine.NormalizePlatform(crashLog.Platform); err == nil {
				econf.Platform = platform
			}
		}

		e, err := engine.New(econf)
		if err != nil {
			return err
		}
		defer e.Close()

		images := crashLog.SymbolicationImages(loadAll)
		for _, img := range images {
			img.Locate = e.Locate
		}

		symbolicator := symbolication.NewSymbolicator(e, images...)
		if _, err := symbolicator.CreateTarget(); err != nil {
			return fmt.Errorf("failed to create target for crashlog %s: %w", args[0], err)
		}
		if err := symbolicator.LoadImages(); err != nil {
			for _, line := range strings.Split(err.Error(), "\n") {
				utils.Indent(log.Warn, 2)(line)
			}
		}

		if viper.GetBool("verbose") {
			log.Info("Binary Images")
			for _, img := range crashLog.Images {
				utils.Indent(log.Debug, 2)(fmt.Sprintf("%#x - %#x %s %s (%s)", img.Start, img.End, img.Name, img.Arch, humanize.Bytes(img.End-img.Start)))
			}
			fmt.Println(symbolicator)
		}

		fmt.Println(crashLog)

		threads := crashLog.Threads
		if !allThreads {
			threads = nil
			if t := crashLog.Crashed(); t != nil {
				threads = append(threads, t)
			}
		}

		for _, t := range threads {
			printThread(symbolicator, t)
		}

		return nil
	},
}

func printThread(s *symbolication.Symbolicator, t *crashlog.Thread) {
	if len(t.Name) > 0 {
		fmt.Printf("Thread %d name: %s\n", t.Number, t.Name)
	}
	if t.Crashed {
		fmt.Println(colorCrashed(fmt.Sprintf("Thread %d Crashed:", t.Number)))
	} else {
		fmt.Println(colorBold(fmt.Sprintf("Thread %d:", t.Number)))
	}

	for _, f := range t.Frames {
		prefix := fmt.Sprintf("%-4d%-32s", f.Index, f.ImageName)
		resolved := s.Symbolicate(f.Address)
		if len(resolved) == 0 {
			fmt.Printf("%s%s %s\n", prefix, colorAddr(fmt.Sprintf("0x%016x", f.Address)), colorFaint(f.Symbol))
			continue
		}
		for idx, ra := range resolved {
			if idx > 0 {
				prefix = utils.Pad(len(prefix))
			}
			fmt.Printf("%s%s\n", prefix, formatAddress(ra))
		}
	}

	if t.Crashed && t.State != nil {
		fmt.Printf("\nThread %d State:\n%s", t.Number, t.State)
	}
	fmt.Println()
}

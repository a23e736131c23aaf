package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/dc0d/onexit"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zephyrtronium/rubycore"
	"github.com/zephyrtronium/rubycore/coreext/fiber"
)

var (
	demoFibers     int
	demoCPUProfile string
	demoMemProfile string
)

func init() {
	demoCmd.Flags().IntVar(&demoFibers, "fibers", 1, "number of fibers to run side by side")
	demoCmd.Flags().StringVar(&demoCPUProfile, "cpuprofile", "", "write a CPU profile to this file")
	demoCmd.Flags().StringVar(&demoMemProfile, "memprofile", "", "write a heap profile to this file")
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Resume fibers that yield once and then finish",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if demoFibers < 1 {
			return fmt.Errorf("--fibers must be positive, got %d", demoFibers)
		}
		vm, err := newVM()
		if err != nil {
			return err
		}
		if demoCPUProfile != "" {
			cf, err := os.Create(demoCPUProfile)
			if err != nil {
				return err
			}
			defer cf.Close()
			if err := pprof.StartCPUProfile(cf); err != nil {
				return err
			}
			// Keep the profile readable if the demo is interrupted.
			onexit.Register(pprof.StopCPUProfile)
			defer pprof.StopCPUProfile()
		}
		if err := vm.Main.Run(func(root *rubycore.Fiber) error {
			return runDemo(cmd.OutOrStdout(), root, demoFibers)
		}); err != nil {
			return err
		}
		if demoMemProfile != "" {
			mf, err := os.Create(demoMemProfile)
			if err != nil {
				return err
			}
			defer mf.Close()
			runtime.GC()
			return pprof.WriteHeapProfile(mf)
		}
		return nil
	},
}

var (
	valueColor  = color.New(color.FgCyan)
	statusColor = color.New(color.FgGreen)
	raiseColor  = color.New(color.FgRed)
)

// runDemo creates n fibers with the body -> { Fiber.yield(i); i + 1 } and
// resumes each of them until it is dead, reporting every step.
func runDemo(w io.Writer, root *rubycore.Fiber, n int) error {
	fibers := make([]*rubycore.Fiber, n)
	for i := range fibers {
		fibers[i] = fiber.New(root, rubycore.NewCFunction(func(f *rubycore.Fiber, self rubycore.Value, args rubycore.Args) (rubycore.Value, error) {
			if _, err := fiber.Yield(f, 2*i+1); err != nil {
				return nil, err
			}
			return 2*i + 2, nil
		}))
	}
	for step := 0; step < 3; step++ {
		for _, f := range fibers {
			v, err := fiber.Resume(root, f)
			if err != nil {
				if !rubycore.IsClass(err, "FiberError") {
					return err
				}
				fmt.Fprintf(w, "fiber %d resume raised %s\n", f.ID(), raiseColor.Sprint(err))
				continue
			}
			fmt.Fprintf(w, "fiber %d resume returned %s, status %s\n", f.ID(), valueColor.Sprint(v), statusColor.Sprint(f.Status()))
		}
	}
	return nil
}

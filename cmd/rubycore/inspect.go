package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/zephyrtronium/rubycore"
	"github.com/zephyrtronium/rubycore/coreext/gc"
)

var symbolsEncoding string

func init() {
	symbolsCmd.Flags().StringVar(&symbolsEncoding, "encoding", "UTF-8", "encoding of the symbol names")
}

var nameColor = color.New(color.FgYellow, color.Bold)

var symbolsCmd = &cobra.Command{
	Use:   "symbols name...",
	Short: "Intern names as symbols and describe them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vm, err := newVM()
		if err != nil {
			return err
		}
		enc, err := rubycore.LookupEncoding(symbolsEncoding)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, name := range args {
			sym, err := vm.Symbols.GetSymbolBytes([]byte(name), enc, false)
			if err != nil {
				return err
			}
			id := "-"
			if n, ok := sym.StaticID(); ok {
				id = strconv.Itoa(n)
			}
			fmt.Fprintf(w, "%s\tencoding=%s\thash=%016x\tid=%s\n", nameColor.Sprint(sym.Inspect()), sym.Encoding(), sym.Hash(), id)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print runtime statistics after a collection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		vm, err := newVM()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Platform: %s\n", rubycore.Platform())
		fmt.Fprintf(w, "Globals: %d\n", len(vm.Globals.Names()))
		fmt.Fprint(w, gc.Start(vm))
		return nil
	},
}

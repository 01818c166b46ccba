// x86jit - CFG discovery tool over raw x86-64 machine code.
// It decodes a flat code image, lowers every reachable basic block and
// prints the resulting control-flow graph.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/x86core/jit"
	"github.com/colorfulnotion/x86core/log"
)

var (
	Version = "dev"
	Commit  = "none"
)

// readCode accepts either a path to a raw code image or an inline hex
// string like "b805000000c3".
func readCode(arg string) ([]byte, error) {
	if data, err := os.ReadFile(arg); err == nil {
		if len(data) == 0 {
			return nil, fmt.Errorf("code image %s is empty", arg)
		}
		return data, nil
	}
	data, err := hex.DecodeString(strings.TrimPrefix(arg, "0x"))
	if err != nil || len(data) == 0 {
		return nil, fmt.Errorf("argument %q is neither a readable file nor hex code", arg)
	}
	return data, nil
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	return strconv.ParseUint(s, 16, 64)
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "x86jit",
		Short: "x86-64 basic block discovery and lowering",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		logLevel string
		debug    string
		base     string
		entry    string
		maxBlk   int
		cacheDir string
	)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "Debug modules to enable (sse_mod,x87_mod,jit_mod,cfg_mod,bus_mod)")
	rootCmd.PersistentFlags().StringVar(&base, "base", "0", "Load address of the code image (hex)")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		log.InitLogger(logLevel)
		log.EnableModules(debug)
	}

	var disasmCmd = &cobra.Command{
		Use:   "disasm <code-image>",
		Short: "Print a Go-syntax listing of the code image",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			code, err := readCode(args[0])
			if err != nil {
				fmt.Printf("%v\n", err)
				os.Exit(1)
			}
			loadAddr, err := parseAddr(base)
			if err != nil {
				fmt.Printf("Invalid base address %s: %v\n", base, err)
				os.Exit(1)
			}
			d := jit.NewByteDecoder(code, loadAddr)
			fmt.Print(d.Disasm())
		},
	}

	var cfgCmd = &cobra.Command{
		Use:   "cfg <code-image>",
		Short: "Discover and print the control-flow graph from an entry point",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			code, err := readCode(args[0])
			if err != nil {
				fmt.Printf("%v\n", err)
				os.Exit(1)
			}
			loadAddr, err := parseAddr(base)
			if err != nil {
				fmt.Printf("Invalid base address %s: %v\n", base, err)
				os.Exit(1)
			}
			entryPC, err := parseAddr(entry)
			if err != nil {
				fmt.Printf("Invalid entry address %s: %v\n", entry, err)
				os.Exit(1)
			}

			var cache *jit.FunctionCache
			if cacheDir != "" {
				cache, err = jit.NewFunctionCache(cacheDir)
				if err != nil {
					fmt.Printf("%v\n", err)
					os.Exit(1)
				}
				defer cache.Close()
				if fn, ok, err := cache.Get(entryPC); err == nil && ok {
					fmt.Printf("(cached)\n%s", fn.DumpTree())
					return
				}
			}

			decoder := jit.NewByteDecoder(code, loadAddr)
			fn, err := jit.Discover(entryPC, decoder.Decode, jit.DiscoverConfig{MaxBlocks: maxBlk})
			if err != nil {
				fmt.Printf("Discovery failed: %v\n", err)
				os.Exit(1)
			}
			if cache != nil {
				if err := cache.Put(entryPC, fn); err != nil {
					fmt.Printf("Cache write failed: %v\n", err)
				}
			}
			fmt.Print(fn.DumpTree())
			fmt.Printf("\n%s", fn.String())
		},
	}
	cfgCmd.Flags().StringVar(&entry, "entry", "0", "Entry point PC (hex)")
	cfgCmd.Flags().IntVar(&maxBlk, "max-blocks", jit.DefaultMaxBlocks, "Discovery block cap")
	cfgCmd.Flags().StringVar(&cacheDir, "cache", "", "Function cache directory (empty disables caching)")

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("x86jit %s (%s)\n", Version, Commit)
		},
	}

	rootCmd.AddCommand(disasmCmd)
	rootCmd.AddCommand(cfgCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "patch":
		err = cmdPatch(os.Args[2:])
	case "inject":
		err = cmdInject(os.Args[2:])
	case "unpack":
		err = cmdUnpack(os.Args[2:])
	case "pack":
		err = cmdPack(os.Args[2:])
	case "probe":
		err = cmdProbe(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "versions":
		err = cmdVersions(os.Args[2:])
	case "config":
		err = cmdConfig(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `gadgeter: inject a native gadget library into an APK

Usage:
  gadgeter patch    --in <apk> [--out <apk>] [--config <job.yaml>]   Full pipeline: inject, place, rebuild, sign
  gadgeter inject   --file <smali> [--lib <name>]                   Patch one smali file in place
  gadgeter unpack   --in <apk> --out <dir>                           Extract an archive
  gadgeter pack     --in <dir> --out <apk> [--level N]               Rebuild an archive (STORED where required)
  gadgeter probe    --lib <so> [--n N]                               ELF ABI, digest and entry disassembly
  gadgeter graph    --smali <file> --out <dir>                       DOT call graph of a smali class
  gadgeter versions [--limit N]                                      List published gadget versions
  gadgeter config   [--job]                                          Print the default gadget config or job file

Run "gadgeter <command> --help" for flags.
`)
}

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	return fs
}

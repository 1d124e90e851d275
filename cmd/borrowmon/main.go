// Package main implements the borrowmon CLI tool.
//
// The borrowmon tool replays memory traces against the Stacked
// Borrows monitor. Traces are small line-oriented scripts describing
// allocations, accesses, retags and call boundaries; the monitor
// validates each event and reports the first aliasing violation.
//
// Usage:
//
//	borrowmon run trace.bmon      # Replay a trace script
//	borrowmon repl                # Interactive trace session
//
// A target description (pointer width, endianness) can be supplied as
// YAML with -target; the default is little-endian with 8-byte
// pointers.
//
// This is the CLI entry point for the standalone monitor tool.
package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/borrowmon/borrowmon/borrows"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "run":
		runCommand(os.Args[2:])
	case "repl":
		replCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("borrowmon version %s\n", borrows.Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`borrowmon - Stacked Borrows trace monitor

USAGE:
    borrowmon run [-target file.yaml] <trace.bmon>
    borrowmon repl [-target file.yaml]
    borrowmon version
    borrowmon help

COMMANDS:
    run       Replay a trace script and report the first violation
    repl      Interactive trace session with command history
    version   Print the version
    help      Print this help

TRACE COMMANDS:
    alloc <name> <size> <align> <stack|heap|static>
    free <ptr> <size> <align>
    write <ptr> <hex byte|__>...
    read <ptr> <len>
    store <slot> <ptr> <type>
    load <name> <slot> <type>
    offset <name> <ptr> <delta> [wrap|nowrap|inbounds]
    retag <default|raw|fn-entry|two-phase> <place> <type>
    deref <ptr> <pointee type>
    call / ret
    stacks <ptr> <len>

TYPES:
    u8 u16 u32 u64 i8 i16 i32 i64 bool
    ref T   refmut T   raw T   box T   cell T

EXAMPLE:
    $ cat invalidation.bmon
    alloc a 1 1 stack
    alloc slot 8 8 heap
    store slot a ref u8
    retag default slot ref u8
    load s slot ref u8
    write a 07
    read s 1
    $ borrowmon run invalidation.bmon
`)
}

// parseCommon strips the shared flags and returns the remaining
// arguments and the machine configuration.
func parseCommon(args []string) ([]string, borrows.Config, error) {
	cfg := borrows.DefaultConfig()
	var rest []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-target", "--target":
			if i+1 >= len(args) {
				return nil, cfg, fmt.Errorf("-target requires a file argument")
			}
			i++
			t, err := borrows.LoadTarget(args[i])
			if err != nil {
				return nil, cfg, err
			}
			cfg.Target = t
		case "-strict-unions", "--strict-unions":
			cfg.UninitUnionsValid = false
		default:
			rest = append(rest, args[i])
		}
	}
	return rest, cfg, nil
}

func runCommand(args []string) {
	rest, cfg, err := parseCommon(args)
	if err != nil {
		fatal(err)
	}
	if len(rest) != 1 {
		fatal(fmt.Errorf("usage: borrowmon run [-target file.yaml] <trace.bmon>"))
	}

	f, err := os.Open(rest[0])
	if err != nil {
		fatal(err)
	}
	defer f.Close()

	m, err := borrows.New(cfg)
	if err != nil {
		fatal(err)
	}
	if err := newInterp(m, os.Stdout).Run(f); err != nil {
		report(err)
		os.Exit(1)
	}
	fmt.Println("trace ok")
}

// report prints a violation banner (colored on terminals) or a plain
// error line.
func report(err error) {
	color := isatty.IsTerminal(os.Stderr.Fd())
	if color {
		fmt.Fprint(os.Stderr, "\x1b[31m")
	}
	borrows.Report(os.Stderr, err)
	if color {
		fmt.Fprint(os.Stderr, "\x1b[0m")
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "borrowmon: %v\n", err)
	os.Exit(1)
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/lmorg/readline"

	"github.com/borrowmon/borrowmon/borrows"
)

// replCommand runs an interactive trace session: each line is one
// trace command, violations are reported without ending the session,
// and "reset" starts a fresh run.
func replCommand(args []string) {
	rest, cfg, err := parseCommon(args)
	if err != nil {
		fatal(err)
	}
	if len(rest) != 0 {
		fatal(fmt.Errorf("usage: borrowmon repl [-target file.yaml]"))
	}

	m, err := borrows.New(cfg)
	if err != nil {
		fatal(err)
	}
	in := newInterp(m, os.Stdout)

	fmt.Printf("borrowmon %s (%s target); type 'help' for commands, 'quit' to leave\n",
		borrows.Version, m.Target().Name)

	rline := readline.NewInstance()
	rline.SetPrompt("borrowmon> ")
	for {
		line, err := rline.Readline()
		if err != nil {
			// EOF or interrupt ends the session.
			fmt.Println()
			return
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "quit", "exit":
			return
		case "help":
			printUsage()
			continue
		case "reset":
			in.m.Reset()
			in.ptrs = make(map[string]borrows.Pointer)
			in.frames = in.frames[:0]
			fmt.Println("fresh run")
			continue
		}
		if err := in.Exec(line); err != nil {
			report(err)
		}
	}
}

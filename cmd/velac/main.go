// Copyright 2024 The Vela Authors
// This file is part of Vela.
//
// Vela is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Command velac is a demonstration host embedding the Vela runtime (spec
// §6): it drives lang/runtime's State exactly the way any other host
// program would, through the stack-oriented API only. It links no
// lexer/parser of its own — that front end is an external collaborator a
// host supplies (spec §1) — so `run` and `disasm` report a clear error
// until a frontend is registered via State.SetFrontend. The value this
// command demonstrates is everything downstream of parsing: loading,
// compiling an already-resolved AST, running it, and disassembling the
// result, with the host's own exit-code and output-redirection
// conventions (spec §6).
package main

import (
	"fmt"
	"os"

	"github.com/vela-lang/vela/lang/runtime"
	"github.com/vela-lang/vela/lang/vm"
	"gopkg.in/urfave/cli.v1"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "velac"
	app.Usage = "load, compile, run and disassemble Vela chunks"
	app.Version = version
	app.Commands = []cli.Command{
		runCommand,
		disasmCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var outputFlag = cli.StringFlag{
	Name:  "o",
	Usage: "redirect script `print` output to `FILE` instead of stdout",
}

var runCommand = cli.Command{
	Name:      "run",
	Usage:     "load and execute a chunk",
	ArgsUsage: "<file>",
	Flags:     []cli.Flag{outputFlag},
	Action:    runAction,
}

var disasmCommand = cli.Command{
	Name:      "disasm",
	Usage:     "load a chunk and print its disassembly without running it",
	ArgsUsage: "<file>",
	Action:    disasmAction,
}

// loadFile reads filename and leaves a compiled closure on top of the
// returned State's stack, exactly as a host's own load step would (spec §6
// load_buffer). Without a registered Frontend this fails with
// ErrSyntaxError: the lexer/parser a real deployment links in is what would
// turn source bytes into the ast.Program the compiler consumes.
func loadFile(filename string) (*runtime.State, error) {
	source, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filename, err)
	}
	s := runtime.New()
	if err := s.LoadBuffer(string(source), filename, true); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func runAction(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return cli.NewExitError("usage: velac run [flags] <file>", 1)
	}
	s, err := loadFile(ctx.Args().Get(0))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer s.Close()

	if out := ctx.String(outputFlag.Name); out != "" {
		f, err := os.Create(out)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer f.Close()
		s.SetOutput(f)
	}

	if err := s.Call(0, runtime.KMultRet); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}

func disasmAction(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return cli.NewExitError("usage: velac disasm <file>", 1)
	}
	s, err := loadFile(ctx.Args().Get(0))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer s.Close()

	proto, err := s.TopProto()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	fmt.Print(vm.Disassemble(proto))
	return nil
}

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
)

const longLoadScriptHelp = `
The load-script command writes a script image into co-processor program
memory through channel 0, reads it back and compares. Odd-sized images
are padded with one zero byte.
`

type cmdLoadScript struct {
	Address    uint32 `long:"address" default:"0" description:"Program memory word address"`
	Positional struct {
		File string `positional-arg-name:"<file>" required:"yes"`
	} `positional-args:"yes"`
}

func (x *cmdLoadScript) Execute(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("too many arguments for command")
	}
	script, err := os.ReadFile(x.Positional.File)
	if err != nil {
		return err
	}
	if len(script) == 0 {
		return fmt.Errorf("%s: empty script", x.Positional.File)
	}
	if len(script)%2 != 0 {
		script = append(script, 0)
	}

	ctx := context.Background()
	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.reg.SetScript(ctx, e.cd0, script, x.Address); err != nil {
		return fmt.Errorf("loading script: %w", err)
	}
	back := make([]byte, len(script))
	if err := e.reg.GetScript(ctx, e.cd0, back, x.Address); err != nil {
		return fmt.Errorf("reading script back: %w", err)
	}
	if !bytes.Equal(script, back) {
		return fmt.Errorf("script read back differs from %s", x.Positional.File)
	}

	fmt.Fprintf(Stdout, "loaded %d words at 0x%04x\n", len(script)/2, x.Address)
	return nil
}

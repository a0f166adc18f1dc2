package main

import (
	"fmt"
	"runtime"

	"github.com/emergingrobotics/go-sdma/pkg/descriptor"
	"github.com/emergingrobotics/go-sdma/pkg/sdma"
)

type cmdDebug struct{}

func (x *cmdDebug) Execute(args []string) error {
	fmt.Fprintln(Stdout, "Descriptor Layout")
	fmt.Fprintln(Stdout)
	fmt.Fprintf(Stdout, "  Buffer descriptor:    %d bytes\n", descriptor.Size)
	fmt.Fprintf(Stdout, "  Data node:            %d bytes\n", descriptor.NodeSize)
	fmt.Fprintf(Stdout, "  Channel context:      %d bytes (%d words)\n", descriptor.ContextSize, descriptor.ContextWords)
	fmt.Fprintf(Stdout, "  Max count:            %d\n", descriptor.MaxCount)
	fmt.Fprintln(Stdout)

	fmt.Fprintln(Stdout, "Status Bits:")
	for _, s := range []descriptor.Status{
		descriptor.StatusDone, descriptor.StatusWrap, descriptor.StatusCont, descriptor.StatusIntr,
		descriptor.StatusError, descriptor.StatusLast, descriptor.StatusExtended,
	} {
		fmt.Fprintf(Stdout, "  %-6s 0x%02x\n", s, uint8(s))
	}
	fmt.Fprintln(Stdout)

	fmt.Fprintln(Stdout, "Channel 0 Commands:")
	for _, c := range []struct {
		name string
		cmd  descriptor.Command
	}{
		{"SETDM", descriptor.CommandSetDM},
		{"GETDM", descriptor.CommandGetDM},
		{"SETPM", descriptor.CommandSetPM},
		{"GETPM", descriptor.CommandGetPM},
		{"SETCTX", descriptor.CommandSetCtx},
		{"GETCTX", descriptor.CommandGetCtx},
	} {
		fmt.Fprintf(Stdout, "  %-6s 0x%02x\n", c.name, uint8(c.cmd))
	}
	fmt.Fprintln(Stdout)

	fmt.Fprintln(Stdout, "Context Addresses:")
	for _, ch := range []int{0, 1, sdma.MaxChannels - 1} {
		fmt.Fprintf(Stdout, "  channel %2d: 0x%04x\n", ch, descriptor.ContextAddress(ch))
	}
	return nil
}

type cmdVersion struct{}

func (x *cmdVersion) Execute(args []string) error {
	fmt.Fprintf(Stdout, "sdmactl version %s\n", Version)
	fmt.Fprintf(Stdout, "  Build time: %s\n", BuildTime)
	fmt.Fprintf(Stdout, "  Go version: %s\n", GoVersion)
	fmt.Fprintf(Stdout, "  Runtime: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return nil
}

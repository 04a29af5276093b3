package main

import (
	"fmt"
	"os"

	cli "github.com/spf13/pflag"

	"attune/internal/ipc"
)

func main() {
	cli.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: attune-ctl [start|toggle|cancel|status]\n")
	}
	cli.Parse()

	cmd := ipc.CmdStatus
	if cli.NArg() > 0 {
		cmd = cli.Arg(0)
	}

	reply, err := ipc.Send(cmd)
	if err != nil {
		fmt.Println("attuned not running:", err)
		os.Exit(1)
	}
	if reply.Error != "" {
		fmt.Println("error:", reply.Error)
		os.Exit(1)
	}

	fmt.Printf("phase=%s turns=%d", reply.Phase, reply.Turns)
	if reply.Partial != "" {
		fmt.Printf(" partial=%q", reply.Partial)
	}
	fmt.Println()
}

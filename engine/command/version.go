package command

import (
	"fmt"
	"runtime"

	"github.com/openebs/mayastor-sub001/engine/util"
)

var cmdVersion = &Command{
	Run:       runVersion,
	UsageLine: "version",
	Short:     "print the io-engine version",
	Long:      `Version prints the io-engine version`,
}

func runVersion(cmd *Command, args []string) bool {
	if len(args) != 0 {
		cmd.Usage()
	}
	fmt.Printf("version %s %s %s\n", util.Version(), runtime.GOOS, runtime.GOARCH)
	return true
}

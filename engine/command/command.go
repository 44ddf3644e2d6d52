package command

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

var Commands = []*Command{
	cmdServe,
	cmdVersion,
}

// Command is one runnable subcommand of the io-engine binary.
type Command struct {
	// Run runs the command; it reports whether the invocation was valid.
	Run func(cmd *Command, args []string) bool

	// UsageLine is the one-line usage message, starting with the command name.
	UsageLine string

	// Short is the short description shown in the help listing.
	Short string

	// Long is the long description shown in 'io-engine help <this-command>'.
	Long string

	// Flag is the set of flags specific to this command.
	Flag flag.FlagSet
}

// Name returns the command's name: the first word in the usage line.
func (c *Command) Name() string {
	name := c.UsageLine
	if i := strings.Index(name, " "); i >= 0 {
		name = name[:i]
	}
	return name
}

func (c *Command) Usage() {
	fmt.Fprintf(os.Stderr, "Example: io-engine %s\n", c.UsageLine)
	fmt.Fprintf(os.Stderr, "Default Usage:\n")
	c.Flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "Description:\n")
	fmt.Fprintf(os.Stderr, "  %s\n", strings.TrimSpace(c.Long))
	os.Exit(2)
}

// Runnable reports whether the command can be run.
func (c *Command) Runnable() bool {
	return c.Run != nil
}

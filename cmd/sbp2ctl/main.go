package main

import (
	"github.com/alecthomas/kong"

	"github.com/open-source-firmware/go-sbp2/pkg/cmdutil"
)

const (
	programName = "sbp2ctl"
	programDesc = "Go SBP-2 control"
)

func main() {
	// Parse kong flags and sub-commands
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Resolvers(cmdutil.ResolvePassword(true)),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	// Run the command
	err := ctx.Run(&runContext{})
	ctx.FatalIfErrorf(err)
}

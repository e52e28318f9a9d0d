package main

import (
	"github.com/alecthomas/kong"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version"`
	Server  ServerCmd        `cmd:"" help:"Run the experiment server"`
	Bot     BotCmd           `cmd:"" help:"Connect automated participants to a server"`
	Report  ReportCmd        `cmd:"" help:"Summarise the cross-session decision counters"`
	History HistoryCmd       `cmd:"" help:"Render the round history of a room"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("stopgo"),
		kong.Description("Stop-go decision experiment server and tools"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

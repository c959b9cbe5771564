// Command tscore converts legacy TopSpeed database files (.phd/.mod/.tps
// and .phz bundles) into SQLite, inspects their structure without
// converting, and rebuilds a TopSpeed-equivalent file from a previously
// converted database.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
)

const version = "0.1.0"

// CLI defines the command-line interface for tscore.
var CLI struct {
	Convert ConvertCmd `cmd:"" help:"Convert TopSpeed files into a SQLite database"`
	Reverse ReverseCmd `cmd:"" help:"Rebuild a TopSpeed-equivalent file from a converted database"`
	Inspect InspectCmd `cmd:"" help:"Print page and table-definition structure without converting"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println("tscore " + version)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("tscore"),
		kong.Description("TopSpeed-to-SQLite conversion toolkit"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

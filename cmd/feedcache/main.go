package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/feedcache/cmd/feedcache/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "feedcache",
	Short: "Incremental feed cache: paginated connections kept live by push events",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
}

func main() {
	if err := clay.InitGlazed("feedcache", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	watch, err := cmds.NewWatchCommand()
	cobra.CheckErr(err)
	watchCmd, err := cli.BuildCobraCommand(watch)
	cobra.CheckErr(err)

	pages, err := cmds.NewPagesCommand()
	cobra.CheckErr(err)
	pagesCmd, err := cli.BuildCobraCommand(pages)
	cobra.CheckErr(err)

	fixtureCmd, err := cmds.NewFixtureCommand()
	cobra.CheckErr(err)

	rootCmd.AddCommand(watchCmd, pagesCmd, fixtureCmd)

	cobra.CheckErr(rootCmd.Execute())
}

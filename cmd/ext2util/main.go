package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vorteil/ext2fs/pkg/elog"
)

var log = &elog.CLI{}

var rootCmd = &cobra.Command{
	Use:   "ext2util",
	Short: "ext2util inspects and formats ext2-compatible filesystem images",
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("no-color", rootCmd.PersistentFlags().Lookup("no-color"))

	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(fsckCmd)
}

func initConfig() {
	viper.SetEnvPrefix("EXT2UTIL")
	viper.AutomaticEnv()

	log.IsDebug = viper.GetBool("debug")
	log.DisableColors = viper.GetBool("no-color") || !isatty.IsTerminal(os.Stdout.Fd())

	logrus.SetOutput(colorable.NewColorableStdout())
	logrus.SetFormatter(log)
	if log.IsDebug {
		logrus.SetLevel(logrus.TraceLevel)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mailchannels/mimescan"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version info",
	Long:  `Every software has a version. This is mimescand's`,
	Run: func(cmd *cobra.Command, args []string) {
		logVersion()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func logVersion() {
	mainlog.WithFields(logrus.Fields{
		"version":   mimescan.Version,
		"commit":    mimescan.Commit,
		"buildTime": mimescan.BuildTime,
	}).Info("mimescand")
}

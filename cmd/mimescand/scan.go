package main

import (
	"bufio"
	"os"

	"github.com/spf13/cobra"

	"github.com/mailchannels/mimescan"
	"github.com/mailchannels/mimescan/mail"
	"github.com/mailchannels/mimescan/mail/mime"
)

// scan reads one message from stdin and rewrites it to stdout, which is
// how the scanner is used from a pipeline (procmail, an MTA filter, a
// one-off shell invocation) without running the service.

var (
	scanDowngrade   bool
	scanDisableMime bool
	scanRecurseAll  bool
	scanStrict      bool
	scanHeaderLimit int
	scanMaxDepth    int
	scanBoundaryLen int

	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "scan one message from stdin, write it to stdout",
		Run:   scanStdin,
	}
)

func init() {
	scanCmd.Flags().BoolVar(&scanDowngrade, "downgrade", false,
		"convert 8-bit bodies to quoted-printable")
	scanCmd.Flags().BoolVar(&scanDisableMime, "no-mime", false,
		"treat everything after the primary headers as opaque body")
	scanCmd.Flags().BoolVar(&scanRecurseAll, "recurse-all-message", false,
		"parse the headers of any message/* entity, not just message/rfc822")
	scanCmd.Flags().BoolVar(&scanStrict, "strict", false,
		"exit non-zero when anomalies were raised")
	scanCmd.Flags().IntVar(&scanHeaderLimit, "header-limit", 0,
		"cap on a single logical header, in bytes (0 = default)")
	scanCmd.Flags().IntVar(&scanMaxDepth, "max-depth", 0,
		"cap on multipart nesting (0 = default)")
	scanCmd.Flags().IntVar(&scanBoundaryLen, "max-boundary-length", 0,
		"cap on stored boundary strings (0 = default)")
	rootCmd.AddCommand(scanCmd)
}

func scanStdin(cmd *cobra.Command, args []string) {
	options := mime.ReportAnomalies
	if scanDowngrade {
		options |= mime.Downgrade
	}
	if scanDisableMime {
		options |= mime.DisableMime
	}
	if scanRecurseAll {
		if scanDowngrade {
			mainlog.Fatal("--recurse-all-message cannot be combined with --downgrade")
		}
		options |= mime.RecurseAllMessage
	}
	limits := mime.Limits{
		HeaderLimit:    scanHeaderLimit,
		MaxDepth:       scanMaxDepth,
		MaxBoundaryLen: scanBoundaryLen,
	}
	scanner := mimescan.NewScannerOptions(options, limits)

	e := mail.NewEnvelope("", 0)
	out := bufio.NewWriter(os.Stdout)
	flags, err := scanner.Scan(out, os.Stdin, e)
	if flushErr := out.Flush(); err == nil {
		err = flushErr
	}
	if err != nil {
		mainlog.WithError(err).Fatal("scan failed")
	}
	if flags != 0 {
		mainlog.Warnf("anomalies=%#x %s", uint8(flags), mime.ErrorText(flags))
		if scanStrict {
			os.Exit(1)
		}
	}
}

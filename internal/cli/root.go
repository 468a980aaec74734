package cli

import (
	"fmt"
	"os"
	"path"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/multimirror/multimirror/internal/client"
	"github.com/multimirror/multimirror/internal/progress"
	"github.com/multimirror/multimirror/internal/urlscan"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0"

// Exit codes, spelled out by name instead of bare numbers at call sites.
const (
	exitSuccess            = 0
	exitUsageError         = 1
	exitResolverInitFail   = 2
	exitResolverChanFail   = 3
	exitNoOutputFilename   = 4
	exitNoURLs             = 5
	exitDownloadIncomplete = 6
)

var (
	output    string
	userAgent string
	verbose   bool
	exitCode  int
)

var rootCmd = &cobra.Command{
	Use:           "multimirror [options] <url>...",
	Short:         "Download a file in parallel from several HTTP mirrors into one output file",
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := run(args)
		exitCode = code
		return err
	},
}

func init() {
	rootCmd.Flags().StringVarP(&output, "output", "o", "", "output file path (default: guessed from the first URL)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "u", defaultUserAgent, "User-Agent header sent with every request")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "accepted but has no effect: no extra diagnostics are logged")
}

// Execute parses argv, runs the download, and returns the process exit
// code; it never calls os.Exit itself, so cmd/multimirror stays the
// only place that decides the process's fate.
func Execute() int {
	exitCode = exitSuccess
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("FATAL:")+" "+err.Error())
		if exitCode == exitSuccess {
			exitCode = exitUsageError
		}
	}
	return exitCode
}

func run(urls []string) (int, error) {
	if len(urls) == 0 {
		return exitNoURLs, fmt.Errorf("no URLs supplied")
	}

	log := &coloredLogger{verbose: verbose}

	var targets []client.Target
	for _, raw := range urls {
		t, ok := acceptURL(raw, log)
		if ok {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return exitUsageError, fmt.Errorf("no valid http URLs among the arguments given")
	}

	outPath := output
	if outPath == "" {
		outPath = guessOutputName(targets[0])
		if outPath == "" {
			return exitNoOutputFilename, fmt.Errorf("could not guess an output filename from %s, pass -o", urls[0])
		}
	}

	c := client.New(userAgent, outPath, log)
	c.Open(targets)

	reporter := progress.New(c, os.Stdout, 0)
	go reporter.Run()

	err := c.Run()
	reporter.Stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Download failed!")+" "+err.Error())
		return exitDownloadIncomplete, nil
	}
	return exitSuccess, nil
}

// acceptURL validates and decomposes one command-line URL per the
// http-only, non-empty-host, default-port-80, default-path-/ rules.
// Invalid URLs are logged as warnings and skipped, never fatal.
func acceptURL(raw string, log client.Logger) (client.Target, bool) {
	u := urlscan.Scan(raw)
	if u.Scheme != "http" {
		log.Warnf("skipping %q: only http:// URLs are accepted", raw)
		return client.Target{}, false
	}
	if u.Host == "" {
		log.Warnf("skipping %q: missing host", raw)
		return client.Target{}, false
	}

	port := uint16(80)
	if u.Port != "" {
		p, err := strconv.ParseUint(u.Port, 10, 16)
		if err != nil {
			log.Warnf("skipping %q: invalid port %q", raw, u.Port)
			return client.Target{}, false
		}
		port = uint16(p)
	}

	p := u.Path
	if p == "" {
		p = "/"
	}

	return client.Target{Host: u.Host, Port: port, Path: p}, true
}

func guessOutputName(t client.Target) string {
	base := path.Base(t.Path)
	if base == "" || base == "/" || base == "." {
		return ""
	}
	return base
}

// coloredLogger implements client.Logger with WARN:-prefixed, colored
// stderr lines. The verbose field records -v, but nothing reads it: no
// state-transition lines are logged.
type coloredLogger struct {
	verbose bool
}

func (l *coloredLogger) Warnf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, color.YellowString("WARN:")+" "+fmt.Sprintf(format, args...))
}

// Tincan — the dataplane agent of a peer-to-peer overlay VPN.
//
// Each process owns a single virtual network tunnel: a TAP device
// exchanges Ethernet frames with the kernel while an ICE/DTLS link
// carries them, encrypted end to end, to one remote peer. A controller
// drives the agent over a framed Unix-domain control channel named by -s.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/1ureka/tincan/internal/agent"
	"github.com/1ureka/tincan/internal/logcfg"
	"github.com/1ureka/tincan/internal/version"
)

func main() {
	fs := flag.NewFlagSet("tincan", flag.ContinueOnError)
	socketName := fs.String("s", "", "controller's Unix domain socket name (abstract namespace)")
	tunnelID := fs.String("t", "", "tunnel identifier this process will own")
	logConfig := fs.String("l", "", "inline JSON logging configuration applied at startup")
	showVersion := fs.Bool("v", false, "display version number")
	needsHelp := fs.Bool("h", false, "help menu")
	fs.Usage = func() { printHelp(fs) }
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(0)
	}

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *needsHelp || *socketName == "" || *tunnelID == "" {
		printHelp(fs)
		return
	}

	logcfg.Default(os.Stderr)
	if *logConfig != "" {
		if err := logcfg.ApplyJSON(os.Stderr, *logConfig); err != nil {
			logrus.WithError(err).Warn("startup log config rejected, using defaults")
		}
	}

	a, err := agent.New(agent.Parameters{
		SocketName: *socketName,
		TunnelID:   *tunnelID,
		LogConfig:  *logConfig,
	})
	if err != nil {
		fatal(err)
	}

	// The handler context only requests the stop; teardown runs on the
	// reactor goroutine after the current poll returns. Repeat signals
	// are no-ops.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	signal.Ignore(syscall.SIGALRM)
	go func() {
		for range sigCh {
			a.RequestStop()
		}
	}()

	if err := a.Run(); err != nil {
		fatal(err)
	}
}

func printHelp(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "tincan %s\n\n", version.String())
	fmt.Fprintln(fs.Output(), "  -s SOCKETNAME\tThe controller's Unix Domain Socket name")
	fmt.Fprintln(fs.Output(), "  -t TUNNELID\tThe tunnel identifier owned by this process")
	fmt.Fprintln(fs.Output(), "  -l JSON\tInline logging configuration")
	fmt.Fprintln(fs.Output(), "  -v\t\tDisplay version number")
	fmt.Fprintln(fs.Output(), "  -h\t\tHelp menu")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(-1)
}

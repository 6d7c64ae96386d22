package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	cmd_bridge "github.com/temoto/evbridge/cmd/evbridge/bridge"
	cmd_decode "github.com/temoto/evbridge/cmd/evbridge/decode"
	cmd_monitor "github.com/temoto/evbridge/cmd/evbridge/monitor"
	"github.com/temoto/evbridge/cmd/evbridge/subcmd"
	"github.com/temoto/evbridge/internal/state"
	"github.com/temoto/evbridge/log2"
)

// set by ldflags -X
var BuildVersion = "unknown"

var modules = []subcmd.Mod{
	cmd_bridge.Mod,
	cmd_decode.Mod,
	cmd_monitor.Mod,
}

func main() {
	flagConfig := flag.String("config", "evbridge.hcl", "")
	flagVersion := flag.Bool("version", false, "print build version and exit")
	flag.Parse()

	if *flagVersion {
		fmt.Printf("evbridge %s\n", BuildVersion)
		return
	}

	logFlags := log2.LInteractiveFlags
	if subcmd.SdNotify("start") {
		// under systemd journal records timestamps itself
		logFlags = log2.LServiceFlags
	} else if !isatty.IsTerminal(os.Stderr.Fd()) {
		logFlags = log2.LServiceFlags
	}
	log := log2.NewStderr(log2.LInfo)
	log.SetFlags(logFlags)

	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		log.Fatalf("command line err=%v usage: evbridge [flags] %s", err, usage())
	}

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		g.Log.Infof("signal=%v", sig)
		g.Alive.Stop()
	}()

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	g.Log.Debugf("command=%s", mod.Name)
	if err := mod.Main(ctx, config); err != nil {
		g.Fatal(err)
	}
}

func usage() string {
	names := make([]string, 0, len(modules))
	for _, m := range modules {
		names = append(names, m.Name)
	}
	return strings.Join(names, "|")
}

// Package main starts a NanoUPDATE device update agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/micromdm/nanoupdate/config"
	"github.com/micromdm/nanoupdate/engine"
	enginehttp "github.com/micromdm/nanoupdate/engine/http"
	"github.com/micromdm/nanoupdate/handler"
	"github.com/micromdm/nanoupdate/handler/simulator"
	httpupd "github.com/micromdm/nanoupdate/http"
	"github.com/micromdm/nanoupdate/logkeys"
	"github.com/micromdm/nanoupdate/twin"
	"github.com/micromdm/nanoupdate/twin/httppost"
	"github.com/micromdm/nanoupdate/twin/webhook"
	"github.com/micromdm/nanoupdate/utils/uuid"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/envflag"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/stdlogfmt"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	apiUsername = "nanoupdate"
	apiRealm    = "nanoupdate"
)

func main() {
	var (
		flDebug    = flag.Bool("debug", false, "log debug messages")
		flListen   = flag.String("listen", ":9005", "HTTP listen address")
		flVersion  = flag.Bool("version", false, "print version and exit")
		flDumpWH   = flag.Bool("dump-webhook", false, "dump webhook input")
		flAPIKey   = flag.String("api", "", "API key for API endpoints")
		flConfig   = flag.String("config", "/etc/nanoupdate/nanoupdate.toml", "path to agent config file")
		flRepURL   = flag.String("reported-url", "", "URL of twin transport reported-property endpoint")
		flRepAPI   = flag.String("reported-api", "", "twin transport API key")
		flStorage  = flag.String("storage", "file", "name of storage backend")
		flDSN      = flag.String("storage-dsn", "", "data source name (e.g. connection string or path)")
		flWorkSec  = flag.Uint("work-interval", 1, "interval for work ticks in seconds")
		flRestartU = flag.String("restart-unit", "nanoupdate", "systemd unit restarted for agent restarts")
	)
	envflag.Parse("NANOUPDATE_", []string{"version"})

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	cfg, err := config.Load(*flConfig)
	if err != nil {
		logger.Info(logkeys.Message, "loading config", logkeys.Error, err)
		os.Exit(1)
	}

	// configure storage
	store, err := parseStorage(*flStorage, *flDSN)
	if err != nil {
		logger.Info(logkeys.Message, "parse storage", logkeys.Error, err)
		os.Exit(1)
	}

	// configure how we send reported properties to the twin
	var sender twin.Sender
	if *flRepURL != "" {
		sender, err = httppost.New(*flRepURL, *flRepAPI)
		if err != nil {
			logger.Info(logkeys.Message, "creating reported sender", logkeys.Error, err)
			os.Exit(1)
		}
	} else {
		// dry-run mode: reported documents go to stdout
		sender = &dumpSender{output: os.Stdout}
	}

	// register content handlers
	registry := handler.NewRegistry()
	if err = registry.Register(simulator.UpdateType, func() handler.ContentHandler {
		return simulator.New()
	}); err != nil {
		logger.Info(logkeys.Message, "registering simulator handler", logkeys.Error, err)
		os.Exit(1)
	}

	// configure the deployment workflow engine
	e := engine.New(store, registry, sender,
		engine.WithLogger(logger.With("service", "engine")),
		engine.WithWorkRoot(cfg.WorkFolder),
		engine.WithCapabilities(engine.Capabilities{
			RebootSystem: execCapability(logger, "systemctl", "reboot"),
			RestartAgent: execCapability(logger, "systemctl", "restart", *flRestartU),
		}),
		engine.WithStartupProperties(engine.StartupProperties{
			Manufacturer:        cfg.Manufacturer,
			Model:               cfg.Model,
			InterfaceID:         cfg.InterfaceID,
			AgentVersion:        version,
			CompatPropertyNames: cfg.CompatPropertyNames,
			TelemetryVersions:   cfg.TelemetryVersions,
		}),
	)

	mux := flow.New()

	mux.Handle("/version", nanohttp.NewJSONVersionHandler(version))

	var h http.Handler = webhook.WebhookHandler(e, logger.With("handler", "webhook"))
	if *flDumpWH {
		h = httpupd.DumpHandler(h, os.Stdout)
	}
	mux.Handle("/webhook", h)

	if *flAPIKey != "" {
		mux.Group(func(mux *flow.Mux) {
			mux.Use(func(h http.Handler) http.Handler {
				return nanohttp.NewSimpleBasicAuthHandler(h, apiUsername, *flAPIKey, apiRealm)
			})

			enginehttp.HandleAPIv1("/v1", mux, logger, e)
		})
	}

	// without a transport the webhook never signals connect; do it now
	if *flRepURL == "" {
		if err = e.Connected(context.Background()); err != nil {
			logger.Info(logkeys.Message, "connect", logkeys.Error, err)
		}
	}

	// drive the engine's cooperative work loop
	if *flWorkSec > 0 {
		go func() {
			ticker := time.NewTicker(time.Second * time.Duration(*flWorkSec))
			defer ticker.Stop()
			for range ticker.C {
				e.DoWork(context.Background())
			}
		}()
	}

	ider := uuid.NewUUID()
	logger.Info(logkeys.Message, "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, trace.NewTraceLoggingHandler(mux, logger.With("handler", "log"), func(_ *http.Request) string {
		return ider.ID()
	}))
	logs := []interface{}{logkeys.Message, "server shutdown"}
	if err != nil {
		logs = append(logs, logkeys.Error, err)
	}
	logger.Info(logs...)
}

// dumpSender writes reported payloads to an output stream.
type dumpSender struct {
	output *os.File
}

func (d *dumpSender) SendReported(_ context.Context, payload []byte) error {
	_, err := d.output.Write(append(payload, '\n'))
	return err
}

// execCapability runs a system command and relays its exit code.
func execCapability(logger log.Logger, name string, args ...string) func() int {
	return func() int {
		cmd := exec.Command(name, args...)
		if err := cmd.Run(); err != nil {
			logger.Info(
				logkeys.Message, "running system command",
				"command", name,
				logkeys.Error, err,
			)
			if exitErr, ok := err.(*exec.ExitError); ok {
				return exitErr.ExitCode()
			}
			return -1
		}
		return 0
	}
}

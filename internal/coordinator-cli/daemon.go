package coordinator

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/zkceremony/coordinator/auth"
	"github.com/zkceremony/coordinator/ceremony/boltdb"
	"github.com/zkceremony/coordinator/core"
	"github.com/zkceremony/coordinator/fs"
	coordhttp "github.com/zkceremony/coordinator/handler/http"
	"github.com/zkceremony/coordinator/log"
	"github.com/zkceremony/coordinator/metrics"
	"github.com/zkceremony/coordinator/verifier"
)

// startCmd wires the daemon: bolt store in the data folder, JWT session
// resolution, the transcript verifier, the public HTTP API, the optional
// metrics server, and the periodic timeout sweep.
func startCmd(c *cli.Context) error {
	level := log.InfoLevel
	if c.Bool(verboseFlag.Name) {
		level = log.DebugLevel
	}
	log.ConfigureDefaultLogger(os.Stdout, level, c.Bool(jsonFlag.Name))
	logger := log.DefaultLogger().Named("daemon")

	secret := c.String(jwtSecretFlag.Name)
	if secret == "" {
		return errors.New("a JWT secret is required, set --jwt-secret or COORDINATOR_JWT_SECRET")
	}

	folder := fs.CreateSecureFolder(c.String(folderFlag.Name))
	if folder == "" {
		return errors.Errorf("could not secure the data folder %s", c.String(folderFlag.Name))
	}
	store, err := boltdb.NewBoltStore(logger, folder, nil)
	if err != nil {
		return errors.Wrap(err, "opening bolt store")
	}
	defer store.Close()

	opts := []core.ConfigOption{
		core.WithStore(store),
		core.WithVerifier(verifier.NewTranscript(logger)),
		core.WithSessionProvider(auth.NewJWTManager(secret, c.String(jwtIssuerFlag.Name), 24*time.Hour)),
		core.WithLogger(logger),
	}
	if c.IsSet(sweepPeriodFlag.Name) {
		opts = append(opts, core.WithSweepPeriod(c.Duration(sweepPeriodFlag.Name)))
	}
	if c.IsSet(baselineFlag.Name) {
		opts = append(opts, core.WithBaselineAverage(c.Duration(baselineFlag.Name)))
	}

	cfg := core.NewConfig(opts...)
	process, err := core.NewProcess(cfg)
	if err != nil {
		return errors.Wrap(err, "starting coordinator process")
	}

	if addr := c.String(metricsFlag.Name); addr != "" {
		if listener := metrics.Start(logger, addr, nil); listener != nil {
			defer listener.Close()
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:    c.String(listenFlag.Name),
		Handler: coordhttp.New(process, logger),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("public api listening", "addr", server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	go runSweeper(ctx, process, cfg, logger)

	select {
	case err := <-serveErr:
		return errors.Wrap(err, "public api server")
	case <-ctx.Done():
		logger.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// runSweeper invokes the timeout sweep on the configured cadence until the
// context is cancelled. Sweep failures are logged, never fatal: the next
// tick retries.
func runSweeper(ctx context.Context, process *core.Process, cfg *core.Config, logger log.Logger) {
	ticker := cfg.Clock().NewTicker(cfg.SweepPeriod())
	defer ticker.Stop()

	logger.Infow("timeout sweeper running", "period", cfg.SweepPeriod())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := process.CheckTimeouts(ctx); err != nil {
				logger.Errorw("timeout sweep failed", "err", err)
			}
		}
	}
}

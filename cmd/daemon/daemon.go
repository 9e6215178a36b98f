// Package daemon provides the daemon command.
package daemon

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/vaultsync/vaultsync/cmd"
	"github.com/vaultsync/vaultsync/uploader"
	"github.com/vaultsync/vaultsync/vault"
	"github.com/vaultsync/vaultsync/vault/flags"
)

// Globals
var (
	opt         = uploader.DefaultOptions()
	metricsAddr string
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	flags.IntVarP(cmdFlags, &opt.S3Workers, "s3-workers", "", opt.S3Workers, "Concurrent uploads to object storage remotes (1-5)")
	flags.IntVarP(cmdFlags, &opt.DriveWorkers, "drive-workers", "", opt.DriveWorkers, "Concurrent uploads to Drive remotes (1-5)")
	flags.IntVarP(cmdFlags, &opt.WebdavWorkers, "webdav-workers", "", opt.WebdavWorkers, "Concurrent uploads to WebDAV remotes (1-5)")
	flags.IntVarP(cmdFlags, &opt.MaxParallel, "parallel", "", opt.MaxParallel, "Transfers in flight across all remotes (2-8)")
	flags.DurationVarP(cmdFlags, &opt.PollInterval, "poll-interval", "", opt.PollInterval, "How often to rescan the queue for eligible uploads")
	flags.Int64VarP(cmdFlags, &opt.BandwidthLimit, "bwlimit", "", 0, "Upload bandwidth limit in bytes/s (0 for unlimited)")
	flags.StringVarP(cmdFlags, &opt.TopContainer, "top-container", "", "", "Name of the top container at every destination")
	flags.StringVarP(cmdFlags, &metricsAddr, "metrics-addr", "", "", "IPaddress:Port to serve prometheus metrics on")
}

var commandDefinition = &cobra.Command{
	Use:   "daemon",
	Short: `Run the upload workers until interrupted.`,
	Long: `Run the upload workers, draining the task queue into the configured
remotes until the process receives SIGINT or SIGTERM.  Uploads which
are in flight when the signal arrives are aborted and picked up again
on the next start.

Use --metrics-addr to expose prometheus metrics, e.g.

    vaultsync daemon --metrics-addr localhost:9100
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, 0, command, args)
		cmd.Run(command, func() error {
			store := cmd.OpenStore()
			defer func() { _ = store.Close() }()
			lib := cmd.OpenLibrary()
			defer func() { _ = lib.Close() }()
			registry := cmd.OpenRegistry()

			if metricsAddr != "" {
				opt.Metrics = uploader.NewMetrics("vaultsync")
				prometheus.MustRegister(opt.Metrics.Collectors()...)
				go serveMetrics(metricsAddr)
			}

			u := uploader.New(store, lib, registry, opt)
			u.Start(context.Background())

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			sig := <-quit
			vault.Logf("daemon", "Signal %v received - shutting down", sig)
			u.Stop()
			return nil
		})
	},
}

// serveMetrics serves the prometheus registry on addr
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	vault.Infof("daemon", "serving metrics on http://%s/metrics", addr)
	err := http.ListenAndServe(addr, mux)
	if err != nil {
		vault.Errorf("daemon", "metrics server failed: %v", err)
	}
}

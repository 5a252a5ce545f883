// Command capdir runs the local capabilities directory of a cluster
// controller.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbukum/capdir/bootstrap"
	"github.com/kbukum/capdir/capabilities"
	"github.com/kbukum/capdir/config"
	"github.com/kbukum/capdir/version"
)

const serviceName = "capdir"

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	configFile string
	envFile    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Local capabilities directory",
		Long:          "capdir keeps the providers registered on this node and resolves providers registered anywhere through the global capabilities directory.",
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default: $CAPDIR_CONFIG, ./config.yml, ./cmd/capdir/config.yml, /etc/capdir/config.yml)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", ".env file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newLookupCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func loadConfig(opts *rootOptions) (*Config, error) {
	var loaderOpts []config.LoaderOption
	if opts.configFile != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(opts.configFile))
	}
	if opts.envFile != "" {
		loaderOpts = append(loaderOpts, config.WithEnvFile(opts.envFile))
	}
	var cfg Config
	if err := config.LoadConfig(serviceName, &cfg, loaderOpts...); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the directory and its admin API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			n, err := newNode(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			return n.app.Run(cmd.Context())
		},
	}
}

// lookupOptions are the flags of the lookup command.
type lookupOptions struct {
	domains       []string
	interfaceName string
	participantID string
	scope         string
	gbids         []string
	cacheMaxAge   time.Duration
	timeout       time.Duration
}

func newLookupCommand(opts *rootOptions) *cobra.Command {
	lo := &lookupOptions{}
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Resolve providers once and print them as JSON",
		Example: `  capdir lookup --domain vehicle --interface vehicle/Radio
  capdir lookup --participant radio-1 --scope GLOBAL_ONLY`,
		RunE: func(cmd *cobra.Command, args []string) error {
			qos, err := lo.qos()
			if err != nil {
				return err
			}
			if lo.participantID == "" && (len(lo.domains) == 0 || lo.interfaceName == "") {
				return fmt.Errorf("either --participant or --domain and --interface are required")
			}

			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			// stdout carries the result
			cfg.Logging.Output = "stderr"
			n, err := newNode(cmd.Context(), cfg, false, bootstrap.WithQuietStartup())
			if err != nil {
				return err
			}

			return n.app.RunTask(cmd.Context(), func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, qos.DiscoveryTimeout+time.Second)
				defer cancel()

				var result any
				if lo.participantID != "" {
					result, err = n.dir.LookupParticipant(lo.participantID, qos, lo.gbids...).Get(ctx)
				} else {
					result, err = n.dir.Lookup(lo.domains, lo.interfaceName, qos, lo.gbids...).Get(ctx)
				}
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			})
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&lo.domains, "domain", "d", nil, "domains to search (repeatable)")
	f.StringVarP(&lo.interfaceName, "interface", "i", "", "interface name")
	f.StringVarP(&lo.participantID, "participant", "p", "", "resolve a single participant id instead")
	f.StringVar(&lo.scope, "scope", "", "discovery scope (default: LOCAL_THEN_GLOBAL, LOCAL_AND_GLOBAL with --participant)")
	f.StringSliceVar(&lo.gbids, "gbid", nil, "backends to query (default: all known)")
	f.DurationVar(&lo.cacheMaxAge, "cache-max-age", 0, "max age of cached entries (0: any age)")
	f.DurationVar(&lo.timeout, "timeout", 30*time.Second, "discovery timeout")
	return cmd
}

func (lo *lookupOptions) qos() (capabilities.DiscoveryQos, error) {
	qos := capabilities.DefaultDiscoveryQos()
	if lo.participantID != "" {
		qos = capabilities.DefaultParticipantDiscoveryQos()
	}
	if lo.scope != "" {
		qos.DiscoveryScope = capabilities.DiscoveryScope(lo.scope)
		if !qos.DiscoveryScope.Valid() {
			return qos, fmt.Errorf("unknown discovery scope %q", lo.scope)
		}
	}
	if lo.cacheMaxAge > 0 {
		qos.CacheMaxAge = lo.cacheMaxAge
	}
	if lo.timeout <= 0 {
		return qos, fmt.Errorf("--timeout must be positive")
	}
	qos.DiscoveryTimeout = lo.timeout
	return qos, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), serviceName, version.Get())
		},
	}
}

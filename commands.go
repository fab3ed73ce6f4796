// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath      string
	debug           bool
	logFormat       string
	accountContract string
	prosumer        bool
}

// app wires the components for one account
type app struct {
	config     *Config
	logger     *Logger
	metrics    *Metrics
	client     *EonClient
	aggregator *Aggregator
	monitor    *Monitor
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "eonwatch",
		Short:         "E·ON România account monitor",
		Long:          "Periodically collects contract, meter, invoice and payment data from the E·ON România customer API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	bindRootFlags(cmd, opts)

	cmd.AddCommand(
		newRunCommand(opts),
		newSnapshotCommand(opts),
		newSubmitCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func bindRootFlags(cmd *cobra.Command, opts *rootOptions) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")
	flags.StringVar(&opts.accountContract, "account", "", "Account contract (cod încasare), overrides "+EnvAccountContract)
	flags.BoolVar(&opts.prosumer, "prosumer", false, "Also fetch prosumer invoices and balance")
}

// flagOverrides returns the root flags the user set explicitly, as a function
// that can be layered over any loaded config
func (opts *rootOptions) flagOverrides(cmd *cobra.Command) func(*Config) {
	return func(config *Config) {
		flags := cmd.Flags()
		if flags.Changed("debug") {
			config.Debug = opts.debug
		}
		if flags.Changed("log-format") {
			config.LogFormat = opts.logFormat
		}
		if flags.Changed("account") {
			config.AccountContract = opts.accountContract
		}
		if flags.Changed("prosumer") {
			config.Prosumer = opts.prosumer
		}
	}
}

// loadRuntimeConfig merges the config file, the environment and flags, in
// increasing order of precedence
func loadRuntimeConfig(cmd *cobra.Command, opts *rootOptions) (*Config, error) {
	return BuildConfig(opts.configPath, opts.flagOverrides(cmd))
}

func newApp(config *Config) *app {
	logger := config.NewAppLogger()
	metrics := NewMetrics()

	client := NewEonClient(config.Credentials(), config.Debug)
	client.Configure(config.API)
	client.SetLogger(logger.WithComponent("eon_client"))
	client.SetMetrics(metrics)

	aggregator := NewAggregator(client, config.AccountContract, config.Resources())
	aggregator.SetConcurrency(config.FetchConcurrency)
	aggregator.SetLogger(logger.WithComponent("aggregator"))
	aggregator.SetMetrics(metrics)

	monitor := NewMonitor(aggregator, client, config.AccountContract, logger)
	monitor.SetMetrics(metrics)
	monitor.SetCheckInterval(config.UpdateIntervalDuration())

	return &app{
		config:     config,
		logger:     logger,
		metrics:    metrics,
		client:     client,
		aggregator: aggregator,
		monitor:    monitor,
	}
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var webUI bool
	var webPort int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Refresh on the configured interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			rootOverrides := opts.flagOverrides(cmd)
			overrides := func(c *Config) {
				rootOverrides(c)
				if cmd.Flags().Changed("web") {
					c.WebUI = webUI
				}
				if cmd.Flags().Changed("port") {
					c.WebPort = webPort
				}
			}

			config, err := BuildConfig(opts.configPath, overrides)
			if err != nil {
				return err
			}

			a := newApp(config)
			a.logger.Info("Starting E·ON România monitor",
				"account_id", maskAccount(config.AccountContract),
				"interval", formatDuration(config.UpdateIntervalDuration()),
				"resources", len(config.Resources()),
				"version", GetVersion(),
			)

			if config.WebUI {
				a.monitor.EnableWebUI(config.WebPort)
				a.monitor.webServer.SetMetrics(a.metrics)
				a.logger.Info("Web UI enabled", "url", fmt.Sprintf("http://localhost:%d", config.WebPort))
			}

			if opts.configPath != "" {
				watcher := NewConfigWatcher(opts.configPath, config, a.logger, func(old, updated *Config) {
					if old.UpdateInterval != updated.UpdateInterval {
						a.monitor.SetCheckInterval(updated.UpdateIntervalDuration())
					}
					if old.Debug != updated.Debug {
						a.logger.SetDebug(updated.Debug)
					}
				})
				watcher.SetOverrides(overrides)
				if err := watcher.Start(); err != nil {
					a.logger.Warn("Config hot reload disabled", "error", err)
				} else {
					defer watcher.Stop()
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.monitor.Start(ctx)
			return nil
		},
	}

	cmd.Flags().BoolVar(&webUI, "web", false, "Serve the dashboard, JSON API and /metrics")
	cmd.Flags().IntVar(&webPort, "port", DefaultWebPort, "Web UI port")
	return cmd
}

func newSnapshotCommand(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Run one refresh cycle and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadRuntimeConfig(cmd, opts)
			if err != nil {
				return err
			}
			a := newApp(config)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			snap, err := a.monitor.CheckOnce(ctx)
			if err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}

			summary := snap.Summarize(time.Now())
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(SnapshotResponse{
					Summary:   summary,
					Status:    a.monitor.Status(),
					Resources: snap.Resources,
				})
			}
			printSummary(a.logger, summary)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary and raw resources as JSON")
	return cmd
}

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var meterRef string

	cmd := &cobra.Command{
		Use:   "submit VALUE",
		Short: "Submit a self-reading of the meter index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := ParseMeterValue(args[0])
			if err != nil {
				return err
			}
			config, err := loadRuntimeConfig(cmd, opts)
			if err != nil {
				return err
			}
			a := newApp(config)

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			if _, err := a.monitor.SubmitMeterReadingTo(ctx, strings.TrimSpace(meterRef), value); err != nil {
				return err
			}
			a.logger.UserMessage("Meter reading %d submitted for %s", value, maskAccount(config.AccountContract))
			return nil
		},
	}

	cmd.Flags().StringVar(&meterRef, "meter-ref", "", "Meter register id (ablbelnr); resolved from the latest snapshot when empty")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "eonwatch %s\n", GetVersion())
			fmt.Fprintf(cmd.OutOrStdout(), "User-Agent: %s\n", GetUserAgent())
		},
	}
}

func printSummary(logger *Logger, s SnapshotSummary) {
	logger.UserMessage("Account %s, cycle %s at %s", s.AccountContract, s.CycleID, s.FetchedAt.Format(time.RFC3339))
	if s.Missing > 0 {
		logger.UserMessage("  %d resource(s) unavailable this cycle", s.Missing)
	}

	if c := s.Contract; c != nil {
		logger.UserMessage("Contract")
		logger.UserMessage("  POD: %s, distributor: %s", c.POD, c.DistributorName)
		if c.Address != "" {
			logger.UserMessage("  Address: %s", c.Address)
		}
		if c.ContractualPriceWithVAT != nil {
			logger.UserMessage("  Price incl. VAT: %g lei", *c.ContractualPriceWithVAT)
		}
	}

	if m := s.MeterIndex; m != nil {
		logger.UserMessage("Meter index")
		for _, d := range m.Devices {
			if d.Value != nil {
				logger.UserMessage("  %s: %g", d.DeviceNumber, *d.Value)
			} else {
				logger.UserMessage("  %s: no index", d.DeviceNumber)
			}
		}
		if m.ReadingPeriod.StartDate != "" {
			logger.UserMessage("  Reading window: %s to %s", m.ReadingPeriod.StartDate, m.ReadingPeriod.EndDate)
		}
	}

	if inv := s.Invoices; inv != nil {
		logger.UserMessage("Unpaid: %s", formatLei(inv.TotalUnpaid))
		for _, i := range inv.Invoices {
			due := i.MaturityDate
			if i.DaysUntilDue != nil {
				due = fmt.Sprintf("%s (%d days)", i.MaturityDate, *i.DaysUntilDue)
			}
			logger.UserMessage("  %s due %s", formatLei(i.Amount), due)
		}
	}

	for _, y := range s.Payments {
		logger.UserMessage("Payments %s: %d totalling %s", y.Year, y.Count, formatLei(y.Total))
	}
}

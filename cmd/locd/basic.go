package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/locd/pkg/events"
	"github.com/charlie0129/locd/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewSwitchCommand() *cobra.Command {
	return newEnableDisableCommand(
		"switch",
		"location switch",
		`Turn the location switch on or off.

While the switch is off, location requests are refused and running ones end
with an empty result. Subscribers of locationServiceState are notified.`,
		// apiClient is only set once flags are parsed
		func(enabled bool) (bool, error) { return apiClient.SetSwitch(enabled) },
	)
}

var countryCodeTypes = map[string]events.CountryCodeType{
	"locale":   events.CountryCodeFromLocale,
	"sim":      events.CountryCodeFromSim,
	"location": events.CountryCodeFromLocation,
	"network":  events.CountryCodeFromNetwork,
}

func NewCountryCodeCommand() *cobra.Command {
	source := "locale"

	cmd := &cobra.Command{
		Use:     "country-code [code]",
		Short:   "Set the country code",
		GroupID: gBasic,
		Long: `Set the two-letter country code reported to countryCodeChange subscribers.

A code from the locale source is also saved to the config file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			typ, ok := countryCodeTypes[source]
			if !ok {
				return fmt.Errorf("invalid source %q, must be one of locale, sim, location, network", source)
			}
			cc, err := apiClient.SetCountryCode(args[0], typ)
			if err != nil {
				return fmt.Errorf("failed to set country code: %w", err)
			}
			logrus.Infof("country code is now %s", cc.Country)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", source, "where the code comes from (locale, sim, location, network)")

	return cmd
}

func NewRestartProducerCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "restart-producer",
		Short:   "Restart a dead location producer",
		GroupID: gAdvanced,
		Long: `Restart the location producer after it died.

Subscriptions are not restored; clients have to subscribe again.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			restarted, err := apiClient.RestartProducer()
			if err != nil {
				return fmt.Errorf("failed to restart producer: %w", err)
			}
			if !restarted {
				logrus.Info("producer is already running")
				return nil
			}
			logrus.Info("producer restarted")
			return nil
		},
	}
}

func NewFeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "feed [file]",
		Short:   "Feed NMEA sentences to the producer",
		GroupID: gAdvanced,
		Long: `Feed NMEA sentences to the producer, one per line, from a file or stdin.

This is useful for testing subscribers without a replay file configured.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var r io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			var lines []string
			sc := bufio.NewScanner(r)
			for sc.Scan() {
				if line := strings.TrimSpace(sc.Text()); line != "" {
					lines = append(lines, line)
				}
			}
			if err := sc.Err(); err != nil {
				return err
			}

			ret, err := apiClient.FeedNmea(lines)
			if err != nil {
				return fmt.Errorf("failed to feed sentences: %w", err)
			}
			logrus.Infof("daemon responded: %s", strings.TrimSpace(ret))
			return nil
		},
	}
}

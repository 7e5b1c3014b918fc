package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/locd/pkg/config"
)

func NewStatusCommand() *cobra.Command {
	asJSON := false

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of locd",
		Long:    `Get producer state, client contexts, subscriptions, and configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			raw, err := apiClient.GetConfig()
			if err != nil {
				return fmt.Errorf("failed to get config: %w", err)
			}

			if asJSON {
				b, err := json.MarshalIndent(map[string]any{
					"status": st,
					"config": raw,
				}, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			conf := config.NewFileFromConfig(raw, "")

			cmd.Println(bold("Producer:"))
			cmd.Printf("  Alive: %s\n", bool2Text(st.Producer.Alive))
			cmd.Printf("  Location switch: %s\n", bool2Text(st.Producer.Enabled))
			cmd.Printf("  Country code: %s\n", bold("%s", st.Producer.CountryCode.Country))
			if st.Producer.LastFix != nil {
				cmd.Printf("  Last fix: %s (%s ago)\n", bold("%s", st.Producer.LastFix.Format(time.RFC3339)),
					time.Since(*st.Producer.LastFix).Round(time.Second))
			} else {
				cmd.Printf("  Last fix: %s\n", color.YellowString("none"))
			}
			cmd.Printf("  Fixes in the last minute: %s\n", bold("%d", st.Producer.FixesLastMinute))
			cmd.Printf("  Geofences: %s\n", bold("%d", st.Producer.Fences))
			cmd.Println()

			cmd.Println(bold("Subscriptions:"))
			kinds := make([]string, 0, len(st.Locator.Subscriptions))
			for k := range st.Locator.Subscriptions {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				cmd.Printf("  %s: %s\n", k, bold("%d", st.Locator.Subscriptions[k]))
			}
			cmd.Println()

			cmd.Println(bold("Client contexts:"))
			if len(st.Locator.Contexts) == 0 {
				cmd.Println("  none")
			}
			for _, c := range st.Locator.Contexts {
				cmd.Printf("  %s %s (pid %d, uid %d)\n", bold("%s", c.ID), c.Identity.Name, c.Identity.PID, c.Identity.UID)
				cmd.Printf("    Streams: %d, pending: %d, dropped: %d, single-shot: %s\n", c.Streams, c.Pending, c.Dropped, c.SingleShot)
			}
			cmd.Println()

			cmd.Println(bold("Configuration:"))
			cmd.Printf("  Single-shot timeout: %s\n", bold("%s", conf.SingleShotTimeout()))
			cmd.Printf("  Drain timeout: %s\n", bold("%s", conf.DrainTimeout()))
			cmd.Printf("  Attach grace: %s\n", bold("%s", conf.AttachGrace()))
			cmd.Printf("  Outbox size: %s\n", bold("%d", conf.OutboxSize()))
			if p := conf.NmeaReplayPath(); p != "" {
				cmd.Printf("  NMEA replay: %s every %s\n", bold("%s", p), conf.ReplayInterval())
			} else {
				cmd.Printf("  NMEA replay: %s\n", color.YellowString("off"))
			}
			cmd.Printf("  Max geofences: %s\n", bold("%d", conf.MaxFences()))
			cmd.Printf("  Allow non-root users to access the daemon: %s\n", bool2Text(conf.AllowNonRootAccess()))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")

	return cmd
}

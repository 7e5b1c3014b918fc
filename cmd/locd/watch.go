package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/locd/pkg/client"
	"github.com/charlie0129/locd/pkg/events"
)

// kinds that take a configuration argument before the handler
var configKinds = map[string]bool{
	events.LocationChange:               true,
	events.CachedGnssLocationsReporting: true,
	events.FenceStatusChange:            true,
	events.LocatingRequiredDataChange:   true,
}

func newSession() (*client.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	name := "locd-cli"
	if len(os.Args) > 1 {
		name += " " + strings.Join(os.Args[1:], " ")
	}
	return apiClient.NewSession(ctx, name)
}

func printEvent(cmd *cobra.Command, ev events.Event) {
	ts := color.HiBlackString(time.Now().Format(time.TimeOnly))
	cmd.Printf("%s %s %s\n", ts, color.CyanString(ev.Name), string(ev.Data))
}

func NewWatchCommand() *cobra.Command {
	request := ""

	cmd := &cobra.Command{
		Use:     "watch [kind]",
		Short:   "Subscribe to an event kind and print events",
		GroupID: gWatch,
		Long: fmt.Sprintf(`Subscribe to an event kind and print every event until interrupted.

Kinds: %s

locationChange, cachedGnssLocationsReporting, fenceStatusChange and
locatingRequiredDataChange take a JSON request with --request, e.g.

  locd watch locationChange --request '{"timeInterval":5}'
  locd watch locatingRequiredDataChange --request '{"type":"wifi"}'`, strings.Join(events.Kinds, ", ")),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]

			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.Close()

			h := func(ev events.Event) { printEvent(cmd, ev) }
			onArgs := []any{h}
			if configKinds[kind] {
				if request == "" {
					request = "{}"
				}
				onArgs = []any{json.RawMessage(request), h}
			}
			if _, err := s.On(kind, onArgs...); err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", kind, err)
			}
			logrus.Infof("watching %s, press Ctrl-C to stop", kind)

			waitForInterrupt(s.Done())
			return nil
		},
	}

	cmd.Flags().StringVar(&request, "request", "", "JSON request for kinds that take one")

	return cmd
}

func NewLocateCommand() *cobra.Command {
	var (
		timeout     time.Duration
		maxAccuracy float64
	)

	cmd := &cobra.Command{
		Use:     "locate",
		Short:   "Get the current location once",
		GroupID: gWatch,
		Long: `Request a single location and print it.

Fails if no location arrives before the timeout, or if the location switch is
off. A zero timeout uses the daemon's default.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.Close()

			loc, err := s.RequestOnce(context.Background(), events.SingleShotRequest{MaxAccuracy: maxAccuracy}, timeout)
			if err != nil {
				return fmt.Errorf("failed to get location: %w", err)
			}

			cmd.Printf("Latitude: %s\n", bold("%.6f", loc.Latitude))
			cmd.Printf("Longitude: %s\n", bold("%.6f", loc.Longitude))
			cmd.Printf("Altitude: %s\n", bold("%.1f m", loc.Altitude))
			cmd.Printf("Accuracy: %s\n", bold("%.1f m", loc.Accuracy))
			cmd.Printf("Speed: %s\n", bold("%.1f m/s", loc.Speed))
			cmd.Printf("Satellites: %s\n", bold("%d", loc.Satellites))
			cmd.Printf("Time: %s\n", bold("%s", loc.TimeStamp.Format(time.RFC3339)))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for a location")
	cmd.Flags().Float64Var(&maxAccuracy, "max-accuracy", 0, "accept only locations at least this accurate, in meters")

	return cmd
}

func NewFenceCommand() *cobra.Command {
	var fence events.Geofence

	cmd := &cobra.Command{
		Use:     "fence",
		Short:   "Watch a circular geofence",
		GroupID: gWatch,
		Long: `Add a circular geofence and print enter and exit transitions until
interrupted. The fence is removed on exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.Close()

			h := func(ev events.Event) {
				tr, err := events.DecodeAs[events.GeofenceTransition](ev)
				if err != nil {
					logrus.WithError(err).Warn("bad transition")
					return
				}
				what := color.GreenString("entered")
				if tr.Transition == events.GeofenceExit {
					what = color.RedString("exited")
				}
				cmd.Printf("%s %s fence %s at %.6f,%.6f\n", color.HiBlackString(time.Now().Format(time.TimeOnly)),
					what, tr.FenceID, tr.Location.Latitude, tr.Location.Longitude)
			}

			req := events.GeofenceRequest{Geofence: fence}
			if _, err := s.On(events.FenceStatusChange, req, h); err != nil {
				return fmt.Errorf("failed to add fence: %w", err)
			}
			logrus.Infof("watching fence around %.6f,%.6f (%.0f m)", fence.Latitude, fence.Longitude, fence.Radius)

			waitForInterrupt(s.Done())

			if _, err := s.Off(events.FenceStatusChange, req, h); err != nil {
				logrus.WithError(err).Warn("failed to remove fence")
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.Float64Var(&fence.Latitude, "lat", 0, "center latitude")
	f.Float64Var(&fence.Longitude, "lon", 0, "center longitude")
	f.Float64Var(&fence.Radius, "radius", 100, "radius in meters")
	f.Int64Var(&fence.Expiration, "expiration", 0, "expire after this many milliseconds, 0 for never")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")

	return cmd
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/locd/pkg/version"
)

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func getVersion() (string, string, error) {
	daemonVersion, err := apiClient.GetVersion()
	if err != nil {
		return version.Version, "", err
	}
	return version.Version, daemonVersion, nil
}

// waitForInterrupt returns when SIGINT/SIGTERM arrives or done is closed.
func waitForInterrupt(done <-chan struct{}) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	select {
	case <-sigc:
	case <-done:
		logrus.Warn("event stream closed by the daemon")
	}
}

func newEnableDisableCommand(
	use, short, long string,
	setFunc func(bool) (bool, error),
) *cobra.Command {
	cmd := &cobra.Command{
		Use:     use,
		Short:   short,
		Long:    long,
		GroupID: gBasic,
	}

	for _, enabled := range []bool{true, false} {
		enabled := enabled
		verb := "enable"
		if !enabled {
			verb = "disable"
		}
		cmd.AddCommand(&cobra.Command{
			Use:   verb,
			Short: fmt.Sprintf("%s %s", verb, use),
			RunE: func(_ *cobra.Command, _ []string) error {
				changed, err := setFunc(enabled)
				if err != nil {
					return fmt.Errorf("failed to %s %s: %w", verb, use, err)
				}
				if !changed {
					logrus.Infof("%s is already %sd", use, verb)
					return nil
				}
				logrus.Infof("successfully %sd %s", verb, use)
				return nil
			},
		})
	}

	return cmd
}

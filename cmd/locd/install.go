package main

import (
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/locd/pkg/config"
	daemonutils "github.com/charlie0129/locd/pkg/utils/daemon"
)

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false
	replayPath := ""

	cmd := &cobra.Command{
		Use:     "install",
		Short:   "Install locd (system-wide)",
		GroupID: gInstallation,
		Long: `Install locd daemon as a systemd service (system-wide).

This makes locd run in the background and automatically start on boot. You must run this command as root.

By default, only root user is allowed to access the locd daemon. If you want to allow non-root users to subscribe to location events, use the --allow-non-root-access flag.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the locd daemon.")
			} else {
				logrus.Info("only root user is allowed to access the locd daemon.")
			}
			if replayPath != "" {
				conf.SetNmeaReplayPath(replayPath)
			}

			// saved first so the service starts with it
			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			err = daemonutils.Install(configPath, unixSocketPath)
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v. Are you root?", err)
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()

			cmd.Printf("systemd will use current binary (%s) at startup so please make sure you do not move this binary. Once this binary is moved or deleted, you will need to run `locd install' again.\n", exePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access locd daemon.")
	cmd.Flags().StringVar(&replayPath, "nmea-replay", "", "NMEA file the daemon replays as its location source.")

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "uninstall",
		Short:   "Uninstall locd (system-wide)",
		GroupID: gInstallation,
		Long: `Uninstall locd daemon from systemd (system-wide).

This stops locd and removes its unit.

You must run this command as root.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := daemonutils.Uninstall()
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			fmt.Println("successfully uninstalled")

			cmd.Printf("Your config is kept in %s, in case you want to use `locd' again. If you want a complete uninstall, you can remove both config file and locd itself manually.\n", configPath)

			return nil
		},
	}
}

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/bmadorch/internal/bridge"
)

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Control a running orchestration",
	Long: `Write or remove the signal files watched by 'bmadorch run'.

  kill    stop the run; in-flight hooks are cancelled
  pause   stop dispatching new tasks
  resume  remove the pause file`,
}

func init() {
	signalCmd.AddCommand(
		&cobra.Command{
			Use:   "kill",
			Short: "Stop the running orchestration",
			Args:  cobra.NoArgs,
			RunE:  signalRunE(bridge.SignalKill, true, "Kill signal sent"),
		},
		&cobra.Command{
			Use:   "pause",
			Short: "Pause dispatch",
			Args:  cobra.NoArgs,
			RunE:  signalRunE(bridge.SignalPause, true, "Pause signal sent"),
		},
		&cobra.Command{
			Use:   "resume",
			Short: "Resume dispatch",
			Args:  cobra.NoArgs,
			RunE:  signalRunE(bridge.SignalPause, false, "Pause signal cleared"),
		},
	)
}

func signalRunE(name string, send bool, message string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dir := cfg.SignalDir()
		if send {
			err = bridge.Send(dir, name)
		} else {
			err = bridge.Clear(dir, name)
		}
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", message, color.FgGreen)
		return nil
	}
}

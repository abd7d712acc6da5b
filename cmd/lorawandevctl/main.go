// Command lorawandevctl inspects the files a device-core host reads and
// writes: the YAML configuration and the persisted session record.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lorawan-server/lorawan-device-core/internal/config"
	"github.com/lorawan-server/lorawan-device-core/internal/session"
)

var rootCmd = &cobra.Command{
	Use:   "lorawandevctl",
	Short: "Inspect lorawan-device-core configuration and session state",
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration file operations",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Load and validate a device config file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigValidate,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Persisted session record operations",
}

var sessionDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "Decode and print a persisted session record",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionDump,
}

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	configCmd.AddCommand(configValidateCmd)
	sessionCmd.AddCommand(sessionDumpCmd)
	rootCmd.AddCommand(configCmd, sessionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("region:        %s\n", cfg.Region)
	fmt.Printf("dev_eui:       %s\n", cfg.Device.DevEUI)
	fmt.Printf("app_eui:       %s\n", cfg.Device.AppEUI)
	fmt.Printf("key_file:      %s\n", cfg.Device.KeyFile)
	fmt.Printf("default_rate:  %d\n", cfg.MAC.DefaultRate)
	fmt.Printf("adr_enabled:   %v\n", cfg.MAC.ADREnabled)
	fmt.Printf("send_dither_s: %d\n", cfg.MAC.SendDitherSeconds)
	fmt.Printf("max_duty_cyc:  %d\n", cfg.MAC.MaxDutyCycle)
	fmt.Printf("state_file:    %s\n", cfg.Session.StateFile)
	fmt.Println("config OK")
	return nil
}

func runSessionDump(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read session file: %w", err)
	}

	var rec session.Record
	if err := rec.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("decode session record: %w", err)
	}

	fmt.Printf("region:         %s\n", rec.Region)
	fmt.Printf("joined:         %v\n", rec.Joined)
	fmt.Printf("dev_addr:       %s\n", rec.DevAddr)
	fmt.Printf("net_id:         %06x\n", rec.NetID)
	fmt.Printf("fcnt_up:        %d\n", rec.FCntUp)
	fmt.Printf("fcnt_down:      %d\n", rec.FCntDown)
	fmt.Printf("app_fcnt_down:  %d\n", rec.AppFCntDown)
	fmt.Printf("nwk_fcnt_down:  %d\n", rec.NwkFCntDown)
	fmt.Printf("rate:           %d\n", rec.Rate)
	fmt.Printf("power:          %d\n", rec.Power)
	fmt.Printf("nb_trans:       %d\n", rec.NbTrans)
	fmt.Printf("max_duty_cycle: %d\n", rec.MaxDutyCycle)
	fmt.Printf("adr:            %v\n", rec.ADR)
	fmt.Printf("rx1_dr_offset:  %d\n", rec.RX1DROffset)
	fmt.Printf("rx1_delay:      %d\n", rec.RX1Delay)
	fmt.Printf("rx2_data_rate:  %d\n", rec.RX2DataRate)
	fmt.Printf("rx2_freq:       %d\n", rec.RX2Freq)
	fmt.Printf("dev_nonce:      %d\n", rec.DevNonce)
	fmt.Printf("channels:       %d configured, %d masked in\n", len(rec.Channels), countTrue(rec.ChannelMask))
	return nil
}

func countTrue(bs []bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}

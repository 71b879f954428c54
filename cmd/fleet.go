package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/robofleet/tower/app"
	"github.com/robofleet/tower/config"
)

var fleetWait time.Duration

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Fleet related commands",
}

var fleetLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List connected robots",
	RunE:  runFleetLs,
}

func init() {
	fleetLsCmd.Flags().DurationVar(&fleetWait, "wait", 3*time.Second, "time to wait for robots to connect")
	fleetCmd.AddCommand(fleetLsCmd)
	rootCmd.AddCommand(fleetCmd)
}

func runFleetLs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error while closing service: %v\n", cerr)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), fleetWait)
	defer cancel()
	go func() {
		_ = svc.Run(ctx)
	}()
	<-ctx.Done()

	snap := svc.Dispatch.GetDistribution(cfg.Site)
	fmt.Printf("site %s: %d robots (%d idle, %d busy, %d charging, %d error, %d offline)\n",
		cfg.Site, snap.Total, snap.Idle, snap.Busy, snap.Charging, snap.Error, snap.Offline)
	for _, r := range snap.Robots {
		fmt.Printf("%s\t%s\t%.0f%%\t%s\n", r.ID, r.State, r.Battery, r.Location.Floor)
	}
	return nil
}

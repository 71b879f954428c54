package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/robofleet/tower/app"
	"github.com/robofleet/tower/config"
	"github.com/robofleet/tower/core/model"
	"github.com/robofleet/tower/core/scheduler"
	"github.com/robofleet/tower/infra/logger"
)

var (
	taskType     string
	taskPriority string
	taskSourceX  float64
	taskSourceY  float64
	taskFloor    string
	taskWait     time.Duration
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit a test task to the fleet",
	RunE:  submitTask,
}

func init() {
	taskCmd.Flags().StringVar(&taskType, "type", "delivery", "task type")
	taskCmd.Flags().StringVar(&taskPriority, "priority", "normal", "task priority")
	taskCmd.Flags().Float64Var(&taskSourceX, "source-x", 0, "pickup x coordinate")
	taskCmd.Flags().Float64Var(&taskSourceY, "source-y", 0, "pickup y coordinate")
	taskCmd.Flags().StringVar(&taskFloor, "floor", "1", "pickup floor")
	taskCmd.Flags().DurationVar(&taskWait, "wait", 5*time.Second, "time to wait for robots to connect")
	rootCmd.AddCommand(taskCmd)
}

func submitTask(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	typ, err := model.ParseTaskType(taskType)
	if err != nil {
		return err
	}
	prio, err := model.ParsePriority(taskPriority)
	if err != nil {
		return err
	}

	logg := logger.New("task-command")
	svc, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logg.Errorf("service close: %v", err)
		}
	}()
	go func() {
		if err := svc.Run(ctx); err != nil {
			logg.Errorf("service run: %v", err)
		}
	}()

	// Give robots a chance to register before scheduling.
	select {
	case <-time.After(taskWait):
	case <-ctx.Done():
		return nil
	}

	task := model.Task{
		Site:     cfg.Site,
		Type:     typ,
		Priority: prio,
		Sources:  []model.Location{{X: taskSourceX, Y: taskSourceY, Floor: taskFloor}},
	}
	res, err := svc.Dispatch.SubmitTask(task)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoRobotsAvailable) {
			return fmt.Errorf("no eligible robot for task: %w", err)
		}
		return err
	}
	logg.Infof("task %s assigned to %s (score %.3f)", res.TaskID, res.RobotID, res.Score)

	<-ctx.Done()
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mydolphin-bridge/internal/bridge"
	"mydolphin-bridge/internal/config"
	"mydolphin-bridge/internal/store"
)

// commandTimeout bounds one-shot verbs: connect, act, exit.
const commandTimeout = 2 * time.Minute

func buildBridge(cfg *config.Config, log *zap.Logger) (*bridge.Coordinator, *bridge.EventBus, func(), error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := st.SetPassword(cfg.Password); err != nil {
		log.Warn("could not store password", zap.Error(err))
	}

	var caCert []byte
	if cfg.IoT.CAFile != "" {
		caCert, err = os.ReadFile(cfg.IoT.CAFile)
		if err != nil {
			_ = st.Close()
			return nil, nil, nil, fmt.Errorf("read CA bundle: %w", err)
		}
	}

	bus := bridge.NewEventBus(log)
	c := bridge.New(bridge.Config{
		Username:          cfg.Username,
		Password:          cfg.Password,
		BaseURL:           cfg.API.BaseURL,
		IoTEndpoint:       cfg.IoT.Endpoint,
		IoTRegion:         cfg.IoT.Region,
		CACert:            caCert,
		InstanceID:        st.ClientID(),
		ReconnectInterval: cfg.Reconnect.Interval,
		TokenAttempts:     cfg.Reconnect.TokenAttempts,
	}, st, bus, log)

	cleanup := func() { _ = st.Close() }
	return c, bus, cleanup, nil
}

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			c, bus, cleanup, err := buildBridge(cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			bus.OnAll(func(e bridge.Event) {
				log.Info("event", zap.String("signal", e.Signal), zap.Any("payload", e.Payload))
			})

			if cfg.Metrics.Listen != "" {
				registry := prometheus.NewRegistry()
				registry.MustRegister(
					collectors.NewGoCollector(),
					bridge.NewMetricsCollector(c),
				)
				mux := http.NewServeMux()
				mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write([]byte("ok"))
				})
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
						log.Error("metrics server stopped", zap.Error(err))
					}
				}()
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			err = c.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// withReadyBridge runs a throwaway bridge instance, waits until both sides
// are connected, invokes the action, and shuts down.
func withReadyBridge(cmd *cobra.Command, configPath string, action func(context.Context, *bridge.Coordinator) error) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	c, bus, cleanup, err := buildBridge(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	ready := make(chan struct{})
	off := bus.On(bridge.EventReady, func(bridge.Event) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	defer off()

	runCtx, stopRun := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	select {
	case <-ready:
	case err := <-done:
		stopRun()
		return fmt.Errorf("bridge stopped before ready: %w", err)
	case <-ctx.Done():
		stopRun()
		<-done
		return fmt.Errorf("timed out waiting for connection")
	}

	actionErr := action(ctx, c)
	stopRun()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("bridge shutdown", zap.Error(err))
	}
	return actionErr
}

func newStatusCommand(configPath *string) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Connect, fetch the robot state, and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withReadyBridge(cmd, *configPath, func(ctx context.Context, c *bridge.Coordinator) error {
				deadline := time.After(wait)
				tick := time.NewTicker(100 * time.Millisecond)
				defer tick.Stop()
			settle:
				for {
					select {
					case <-ctx.Done():
						break settle
					case <-deadline:
						break settle
					case <-tick.C:
						if c.Derived().CalculatedState != "" {
							break settle
						}
					}
				}
				out, err := json.MarshalIndent(c.Diagnostics(), "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the first shadow snapshot")
	return cmd
}

func newSetModeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set-mode <all|short|floor|water|ultra|pickup>",
		Short: "Start a cleaning cycle in the given mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadyBridge(cmd, *configPath, func(_ context.Context, c *bridge.Coordinator) error {
				return c.SetCleaningMode(args[0])
			})
		},
	}
}

func newNavigateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "navigate <forward|backward|left|right|stop|exit>",
		Short: "Drive the robot manually",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReadyBridge(cmd, *configPath, func(_ context.Context, c *bridge.Coordinator) error {
				if args[0] == "exit" {
					return c.ExitJoystick()
				}
				return c.Navigate(args[0])
			})
		},
	}
}

func newLEDCommand(configPath *string) *cobra.Command {
	intensity := -1
	blinkMode := -1
	cmd := &cobra.Command{
		Use:   "led <on|off>",
		Short: "Control the robot light",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "on" && args[0] != "off" {
				return fmt.Errorf("led takes on or off, got %q", args[0])
			}
			return withReadyBridge(cmd, *configPath, func(_ context.Context, c *bridge.Coordinator) error {
				if intensity >= 0 {
					if err := c.SetLEDIntensity(intensity); err != nil {
						return err
					}
				}
				if blinkMode >= 0 {
					if err := c.SetLEDMode(blinkMode); err != nil {
						return err
					}
				}
				return c.SetLEDEnabled(args[0] == "on")
			})
		},
	}
	cmd.Flags().IntVar(&intensity, "intensity", -1, "brightness percent (0-100)")
	cmd.Flags().IntVar(&blinkMode, "blink-mode", -1, "vendor blink pattern")
	return cmd
}

func newPowerCommand(configPath *string, on bool) *cobra.Command {
	use, short := "power-off", "Turn the power supply off"
	if on {
		use, short = "power-on", "Turn the power supply on without starting a cycle"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withReadyBridge(cmd, *configPath, func(_ context.Context, c *bridge.Coordinator) error {
				if on {
					return c.PowerOn()
				}
				return c.PowerOff()
			})
		},
	}
}

func newPickupCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pickup",
		Short: "Send the robot to its pickup point",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withReadyBridge(cmd, *configPath, func(_ context.Context, c *bridge.Coordinator) error {
				return c.Pickup()
			})
		},
	}
}

func newLocateCommand(configPath *string) *cobra.Command {
	var stop bool
	cmd := &cobra.Command{
		Use:   "locate",
		Short: "Light the robot up to find it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withReadyBridge(cmd, *configPath, func(_ context.Context, c *bridge.Coordinator) error {
				if stop {
					return c.StopLocating()
				}
				return c.Locate()
			})
		},
	}
	cmd.Flags().BoolVar(&stop, "stop", false, "clear the locating flag instead")
	return cmd
}

func newResetFilterCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-filter",
		Short: "Clear the filter bag warning",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withReadyBridge(cmd, *configPath, func(_ context.Context, c *bridge.Coordinator) error {
				return c.ResetFilterIndicator()
			})
		},
	}
}

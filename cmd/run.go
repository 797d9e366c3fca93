package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/endpoint/internal/api"
	"example.com/backstage/services/endpoint/internal/bootkey"
	"example.com/backstage/services/endpoint/internal/command"
	"example.com/backstage/services/endpoint/internal/display"
	"example.com/backstage/services/endpoint/internal/infrastructure"
	"example.com/backstage/services/endpoint/internal/network"
	"example.com/backstage/services/endpoint/internal/ota"
	"example.com/backstage/services/endpoint/internal/peripheral"
	"example.com/backstage/services/endpoint/internal/preset"
	"example.com/backstage/services/endpoint/internal/provisioning"
	"example.com/backstage/services/endpoint/internal/session"
	"example.com/backstage/services/endpoint/internal/startup"
	"example.com/backstage/services/endpoint/internal/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runConsole bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the endpoint agent",
	Long: `Brings the endpoint up from cold start: store, Wi-Fi, provisioning,
optional firmware update and broker session, then serves control messages and
publishes telemetry until stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runConsole, "console", true, "render startup progress on stderr")
}

const shutdownTimeout = 5 * time.Second

func runAgent(parent context.Context) error {
	bootTime := time.Now()
	log := logger.WithFields(logrus.Fields{
		"component": "agent",
		"boot_id":   bootID,
	})
	log.Info("Endpoint agent starting")

	sigCtx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()
	rebooter := ota.NewExitRebooter(cancel)

	// --- Persistent store ---
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Peripherals ---
	board, err := peripheral.BoardByName(cfg.Device.Board)
	if err != nil {
		return err
	}
	bus, err := peripheral.OpenBus(ctx, cfg.Bus, logger)
	if err != nil {
		return fmt.Errorf("failed to open pin bus: %w", err)
	}
	defer bus.Close()

	periph, err := peripheral.NewExecutor(board, bus, logger)
	if err != nil {
		return err
	}
	presets := preset.NewExecutor(periph, logger)
	defer presets.Stop()
	dispatcher := command.NewDispatcher(periph, presets, logger)

	var (
		startupSensors   []startup.Sensor
		telemetrySensors []telemetry.Sensor
	)
	for _, s := range periph.Sensors() {
		startupSensors = append(startupSensors, s)
		telemetrySensors = append(telemetrySensors, s)
	}

	// --- Network and broker ---
	netMgr := network.NewManager(network.NewHostStation(cfg.Network.Interface), cfg.Network, logger)

	transport := infrastructure.NewMQTTTransport(cfg.MQTT.QueueSize, logger)
	sess := session.New(transport, cfg.MQTT, logger)
	sess.SetHandler(dispatcher.HandleMessage)
	sess.OnStateChange(func(s session.State) {
		log.WithField("session", s.String()).Info("MQTT session state changed")
	})

	// --- Firmware slots ---
	parts, err := ota.NewFilePartitions(cfg.OTA.PartitionDir)
	if err != nil {
		return err
	}
	updater := ota.NewUpdater(cfg.OTA, parts, rebooter, logger)
	version := runningVersion(parts)

	// --- Progress display ---
	sink := display.MultiSink{display.NewLogSink(logger)}
	if runConsole {
		sink = append(sink, display.NewConsoleSink(os.Stderr))
	}
	if cfg.ServiceBus.ConnectionString != "" {
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			log.WithError(err).Warn("Messaging service unavailable, continuing without it")
		} else {
			defer messaging.Close()
			mac := cfg.Device.MACAddress
			if mac == "" {
				mac, _ = netMgr.HardwareAddr()
			}
			forward := display.NewForwardSink(messaging, "", mac, bootID, logger)
			defer forward.Close()
			sink = append(sink, forward)
		}
	}

	orch := startup.New(startup.Deps{
		Store:   st,
		BootKey: bootkey.NewWatcher(periph.BootKey(), st, cfg.BootKey, logger),
		Network: netMgr,
		Config:  provisioning.NewClient(cfg.Provisioning, logger),
		Updater: updater,
		Session: sess,
		Sensors: startupSensors,
		Sink:    sink,
	}, startup.Options{
		ProductID:          cfg.Device.ProductID,
		FirmwareVersion:    version,
		MACAddress:         cfg.Device.MACAddress,
		InsecureSkipVerify: cfg.Provisioning.InsecureSkipVerify,
		StageDelay:         cfg.Startup.StageDelay,
		MQTTWait:           cfg.Startup.MQTTWait,
	}, logger)

	// --- Local API ---
	handlers := api.NewHandlers(api.Deps{
		Startup:     orch,
		Session:     sess,
		Peripherals: periph,
		Presets:     presets,
		Store:       st,
		Dispatcher:  dispatcher,
		Rebooter:    rebooter,
		BootID:      bootID,
		Version:     version,
	}, logger)
	server := api.NewServer(cfg.API, api.NewRouter(handlers, logger))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() {
			log.WithField("address", server.Addr).Info("Local API listening")
			errCh <- server.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("local api: %w", err)
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		}
	})

	g.Go(func() error {
		res, err := orch.Run(gctx)
		if err != nil {
			return afterStartupFailure(gctx, err, netMgr, log)
		}

		sched := telemetry.NewScheduler(cfg.Telemetry, sess, telemetry.Options{
			DeviceID: res.Assigned.DeviceID,
			Sensors:  telemetrySensors,
			Link:     netMgr,
			BootTime: bootTime,
		}, logger)
		handlers.AttachTelemetry(sched, res.Assigned.DeviceID, res.Assigned.DeviceUUID)

		steady, sctx := errgroup.WithContext(gctx)
		steady.Go(func() error { return sched.Run(sctx) })
		steady.Go(func() error { return netMgr.Monitor(sctx) })
		return steady.Wait()
	})

	err = g.Wait()

	// The scheduler has sent its offline heartbeat; the session can go.
	sess.Stop()

	if reason, ok := rebooter.Requested(); ok {
		log.WithField("reason", reason).Warn("Agent exiting for restart")
		return ota.ErrRebootRequested
	}
	if err != nil {
		return err
	}
	log.Info("Endpoint agent stopped")
	return nil
}

// afterStartupFailure decides what the agent does once startup has failed.
// The local API keeps serving so the portal can hand over new settings.
func afterStartupFailure(ctx context.Context, err error, netMgr *network.Manager, log *logrus.Entry) error {
	switch {
	case errors.Is(err, ota.ErrRebootRequested), ctx.Err() != nil:
		return nil
	case errors.Is(err, startup.NotRegistered):
		log.Warn("Device not registered, keeping Wi-Fi up until restarted")
		return netMgr.Monitor(ctx)
	case errors.Is(err, startup.NeedProvisioning),
		errors.Is(err, startup.WiFiTimeout),
		errors.Is(err, startup.ConfigFailed):
		log.WithError(err).Warn("Waiting for provisioning through the local API")
		<-ctx.Done()
		return nil
	}
	return err
}

// runningVersion prefers the version recorded for the booted slot.
func runningVersion(parts *ota.FilePartitions) string {
	state, err := parts.State()
	if err == nil {
		if v := state.Versions[state.BootSlot]; v != "" {
			return v
		}
	}
	return cfg.Device.FirmwareVersion
}

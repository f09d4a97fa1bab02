package main

/*------------------------------------------------------------------
 *
 * Purpose:	Main program for LBARD, the low-bandwidth asynchronous
 *		Rhizome bundle synchroniser for HF radio links.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/servalproject/lbard/lbard"
	"github.com/spf13/pflag"
)

func main() {
	var configFileName = pflag.StringP("config-file", "c", "lbard.yml", "Configuration file name.")
	var verbose = pflag.BoolP("verbose", "v", false, "Enable debug-level logging.")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "lbard - low-bandwidth asynchronous Rhizome bundle synchroniser.\n\n")
		fmt.Fprintf(os.Stderr, "Usage: lbard [options]\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(1)
	}

	level := charmlog.InfoLevel
	if *verbose {
		level = charmlog.DebugLevel
	}
	logger := lbard.NewLogger(os.Stderr, level)

	cfg, err := lbard.LoadConfig(*configFileName)
	if err != nil {
		logger.Errorf("loading configuration: %v", err)
		os.Exit(1)
	}

	dev, err := openConfiguredSerial(cfg, logger)
	if err != nil {
		logger.Errorf("opening serial device: %v", err)
		os.Exit(1)
	}
	defer dev.Close()

	registry := lbard.NewRegistry()
	if cfg.DNSSD.Enabled {
		registry.Register(lbard.NewDNSSDDriver(cfg.DNSSD.Name, cfg.DNSSD.Port, logger))
	}
	if cfg.ALE.SelfIndex != "" {
		hf := lbard.NewHFBarrettDriver(cfg.ALE.SelfIndex, cfg.Stations(), logger)
		if cfg.ALE.Timeouts.LinkEstablishmentSeconds > 0 {
			hf.LinkEstablishmentTimeout = time.Duration(cfg.ALE.Timeouts.LinkEstablishmentSeconds) * time.Second
		}
		if cfg.ALE.Timeouts.TurnaroundSeconds > 0 {
			hf.TurnaroundPause = time.Duration(cfg.ALE.Timeouts.TurnaroundSeconds) * time.Second
		}
		registry.Register(hf)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := registry.Detect(ctx, dev)
	if err != nil {
		logger.Errorf("detecting radio driver: %v", err)
		os.Exit(1)
	}
	logger.Infof("using radio driver %s (%s)", driver.ID(), driver.LongName())

	partials := lbard.NewPartialTable()
	catalogue := lbard.NewCatalogue(partials)
	catalogue.MeshMSOnly = cfg.Catalogue.MeshMSOnly
	catalogue.MinVersion = cfg.Catalogue.MinVersion

	if cfg.Log.MirrorDir != "" {
		namer, nerr := lbard.NewDailyFileNamer(cfg.Log.MirrorDir, "lbard-mirror-%Y-%m-%d.log")
		if nerr != nil {
			logger.Warnf("setting up debug mirror: %v", nerr)
		} else {
			catalogue.Mirror = func(b lbard.Bundle, outcome error) {
				f, ferr := namer.OpenToday()
				if ferr != nil {
					return
				}
				defer f.Close()
				fmt.Fprintf(f, "%s %s version=%d outcome=%v\n", time.Now().Format(time.RFC3339), b.BID, b.Version, outcome)
			}
		}
	}

	rc := &lbard.RhizomeClient{
		Server:     cfg.Rhizome.Server,
		Credential: cfg.Rhizome.Credential,
	}

	scheduler := lbard.NewScheduler(driver, dev, rc, catalogue, partials, logger)
	if cfg.Log.MirrorDir != "" {
		scheduler.Finaliser.DumpDir = cfg.Log.MirrorDir
	}

	if cfg.GPIO.Chip != "" {
		relay, rerr := lbard.NewGPIORelay(cfg.GPIO.Chip, cfg.GPIO.Line)
		if rerr != nil {
			logger.Warnf("antenna relay unavailable: %v", rerr)
		} else {
			defer relay.Close()
			scheduler.Relay = relay
		}
	}

	var rigMon *lbard.RigMonitor
	if cfg.Rig.Model > 0 {
		rigMon, err = lbard.NewRigMonitor(cfg.Rig.Model, cfg.Rig.Device, cfg.Rig.Baud, logger)
		if err != nil {
			logger.Warnf("rig diagnostics unavailable: %v", err)
			rigMon = nil
		} else {
			defer rigMon.Close()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("shutting down")
		cancel()
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduler.Tick(ctx)
			tick++
			if rigMon != nil && tick%50 == 0 {
				rigMon.Poll()
			}
		}
	}
}

// openConfiguredSerial resolves the configured serial device: a real
// path, "auto" for udev discovery, "pty" for a simulator-facing
// pseudo-terminal, or none at all when only the DNS-SD transport is in
// use.
func openConfiguredSerial(cfg *lbard.Config, logger lbard.Logger) (lbard.SerialPort, error) {
	switch cfg.Serial.Device {
	case "":
		return lbard.NullSerialPort{}, nil
	case "pty":
		port, err := lbard.OpenPTYSerialPort()
		if err != nil {
			return nil, err
		}
		logger.Infof("pseudo-terminal modem at %s", port.Name())
		return port, nil
	case "auto":
		paths, err := lbard.DetectSerialDevices()
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("no USB serial devices found")
		}
		logger.Infof("auto-detected serial device %s", paths[0])
		return lbard.OpenSerial(paths[0], cfg.Serial.Baud)
	default:
		return lbard.OpenSerial(cfg.Serial.Device, cfg.Serial.Baud)
	}
}

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	netsio "github.com/fujinet/netsiohub"
)

func main() {
	hostAddr := flag.String("host", "", "TCP listen address for the emulator (overrides config file)")
	peripheralAddr := flag.String("peripheral", "", "UDP bind address for peripherals (overrides config file)")
	configPath := flag.String("config", "", "optional ini config file, [hub] section")
	serialDevice := flag.String("serial", "", "bridge a single peripheral over this serial device instead of UDP")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg := netsio.DefaultConfig()
	if *configPath != "" {
		loaded, err := netsio.LoadConfigFile(*configPath, cfg)
		if err != nil {
			fmt.Printf("failed to load config file %s: %v\n", *configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *hostAddr != "" {
		cfg.HostAddr = *hostAddr
	}
	if *peripheralAddr != "" {
		cfg.PeripheralAddr = *peripheralAddr
	}
	if *serialDevice != "" {
		cfg.SerialDevice = *serialDevice
	}
	if *debug {
		cfg.Debug = true
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	hub := netsio.NewHub(cfg)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutdown requested")
		hub.Close()
	}()

	if err := hub.Run(); err != nil {
		fmt.Printf("hub exited with error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sifgrid/sifcore"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: sifopenid <path to sifcore.json>")
		os.Exit(1)
	}
	cfgPath := os.Args[1]
	cfg := &sifcore.Config{}
	if err := cfg.LoadFile(cfgPath); err != nil {
		fmt.Printf("Error loading config %v: %v\n", cfgPath, err)
		os.Exit(1)
	}
	if !cfg.HTTP.Enable {
		fmt.Println("The OpenID service is disabled in the configuration")
		os.Exit(1)
	}
	if !cfg.HTTP.Nonsecure {
		if _, err := os.Stat(cfg.HTTP.TLSKeyFile); err != nil {
			fmt.Printf("TLS key file %v is not readable: %v\n", cfg.HTTP.TLSKeyFile, err)
			os.Exit(1)
		}
		if _, err := os.Stat(cfg.HTTP.TLSCertFile); err != nil {
			fmt.Printf("TLS certificate file %v is not readable: %v\n", cfg.HTTP.TLSCertFile, err)
			os.Exit(1)
		}
	}

	central, err := sifcore.NewCentralFromConfig(cfg)
	if err != nil {
		fmt.Printf("Error starting service: %v\n", err)
		os.Exit(1)
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- sifcore.RunHttp(&cfg.HTTP, central)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				// Re-read the config so tunables do not need a full restart.
				// Stores and listeners keep running; changes to those still do.
				fresh := &sifcore.Config{}
				if err := fresh.LoadFile(cfgPath); err != nil {
					central.Log.Errorf("SIGHUP config reload failed, keeping old config: %v", err)
					continue
				}
				central.ApplyReloadedConfig(fresh)
				central.Log.Infof("SIGHUP handled; listener, store and GDP changes require a restart")
				continue
			}
			central.Log.Infof("Received %v, shutting down", sig)
			central.Close()
			os.Exit(0)
		case err := <-httpErr:
			central.Log.Errorf("HTTP server failed: %v", err)
			central.Close()
			os.Exit(1)
		}
	}
}

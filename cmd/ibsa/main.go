package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/ibsa/internal/config"
	"github.com/yuuki/ibsa/internal/server"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("ibsa", pflag.ExitOnError)
	config.SetupServerFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("ibsa v0.1.0")
		os.Exit(0)
	}

	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultServerConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadServerConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create SA server")
	}

	if err := config.WatchServerConfig(flagSet, srv.ApplyConfig); err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		log.Warn().Err(err).Msg("Failed to watch configuration file")
	}

	if err := srv.Run(); err != nil {
		log.Fatal().Err(err).Msg("SA server failed")
	}
}

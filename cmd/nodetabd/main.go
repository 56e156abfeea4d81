// Command nodetabd hosts the node and dist tables of one node and exposes
// them over the monitor endpoint.
package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/najoast/nodetab/bootstrap"
	"github.com/najoast/nodetab/config"
	"github.com/najoast/nodetab/reclaim"
)

func main() {
	var (
		configFile string
		nodeName   string
		creation   uint32
		gcDelay    string
		watch      bool
		dump       bool
	)
	pflag.StringVarP(&configFile, "config", "c", "", "Configuration file (default: search nodetab.yaml)")
	pflag.StringVar(&nodeName, "node", "", "Local node name, name@host")
	pflag.Uint32Var(&creation, "creation", 0, "Local node creation")
	pflag.StringVar(&gcDelay, "gc-delay", "", `Grace period before unreferenced records are deleted ("60s", "0", "infinity")`)
	pflag.BoolVar(&watch, "watch", true, "Reload the configuration file when it changes")
	pflag.BoolVar(&dump, "dump", false, "Print the tables after startup configuration and exit")
	pflag.Parse()

	cfg, file, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodetabd: %v\n", err)
		os.Exit(2)
	}

	if pflag.CommandLine.Changed("node") {
		cfg.Node.Name = nodeName
	}
	if pflag.CommandLine.Changed("creation") {
		cfg.Node.Creation = creation
	}
	if gcDelay != "" {
		d, err := reclaim.ParseDelay(gcDelay)
		if err != nil {
			fmt.Fprintf(os.Stderr, "nodetabd: --gc-delay: %v\n", err)
			os.Exit(2)
		}
		cfg.Dist.GCDelay = d
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "nodetabd: %v\n", err)
		os.Exit(2)
	}

	closer, err := config.SetupLogging(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodetabd: %v\n", err)
		os.Exit(2)
	}
	defer closer.Close()

	var opts []bootstrap.Option
	if watch && file != "" {
		w, err := config.NewWatcher(file, config.NewLoader())
		if err != nil {
			log.WithError(err).Fatal("Failed to watch configuration")
		}
		opts = append(opts, bootstrap.WithWatcher(w))
	}

	app, err := bootstrap.NewApplication(cfg, opts...)
	if err != nil {
		log.WithError(err).Fatal("Failed to create application")
	}

	if dump {
		if err := app.Tables().Dump(os.Stdout); err != nil {
			log.WithError(err).Fatal("Failed to dump tables")
		}
		return
	}

	log.WithFields(log.Fields{
		"node":     cfg.Node.Name,
		"creation": cfg.Node.Creation,
		"gc_delay": cfg.Dist.GCDelay.String(),
		"config":   file,
	}).Info("Starting nodetabd")

	if err := app.Run(context.Background()); err != nil {
		log.WithError(err).Fatal("Application failed")
	}
}

func loadConfig(file string) (*config.Config, string, error) {
	loader := config.NewLoader()
	if file == "" {
		return loader.AutoLoad()
	}
	cfg, err := loader.Load(file)
	return cfg, file, err
}

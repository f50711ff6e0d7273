// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bp7d/config"
)

// waitSigint blocks the current goroutine until a SIGINT appears.
func waitSigint() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	<-sig
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	n, statusServer, err := buildNode(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to wire node")
	}

	if err := n.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start node")
	}

	if statusServer != nil {
		go func() {
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("Status server stopped unexpectedly")
			}
		}()
	}

	watcher, err := config.NewWatcher(os.Args[1], func(reloaded config.Config) {
		log.Info("Configuration file changed; logging settings applied, topology changes require a restart")
	})
	if err != nil {
		log.WithError(err).Warn("Failed to start configuration watcher")
	} else {
		watcher.Start()
	}

	waitSigint()
	log.Info("Shutting down..")

	if watcher != nil {
		watcher.Stop()
	}

	if statusServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statusServer.Shutdown(ctx)
	}

	n.Stop()
}

// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2019, 2020 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads and hot-reloads the TOML configuration for a bp7d
// node, and applies its logging section to logrus.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Config describes the TOML-configuration for a bp7d node.
type Config struct {
	Core    CoreConf
	Logging LogConf
	Status  StatusConf
	Listen  []ConvergenceConf
	Peer    []ConvergenceConf
	Routing RoutingConf
}

// CoreConf describes the Core-configuration block.
type CoreConf struct {
	NodeId          string `toml:"node-id"`
	StoreCapacity   int    `toml:"store-capacity"`
	CleanupInterval string `toml:"cleanup-interval"`
}

// LogConf describes the Logging-configuration block.
type LogConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// StatusConf describes the read-only status HTTP surface.
type StatusConf struct {
	Address string
}

// ConvergenceConf describes one entry of the Listen/Peer-configuration
// blocks.
type ConvergenceConf struct {
	Node      string
	Protocol  string
	Endpoint  string
	Permanent bool
}

// RoutingConf describes the Routing-configuration block.
type RoutingConf struct {
	// Algorithm is one of "epidemic" or "spray".
	Algorithm string

	// MaxCopies is spray-and-wait's initial copy count at the source.
	MaxCopies int `toml:"max-copies"`
}

// Load parses the TOML configuration at filename and applies its Logging
// section to logrus immediately.
func Load(filename string) (cfg Config, err error) {
	if _, err = toml.DecodeFile(filename, &cfg); err != nil {
		return
	}

	applyLogging(cfg.Logging)

	if cfg.Core.NodeId == "" {
		err = fmt.Errorf("config: core.node-id is empty")
		return
	}

	return
}

func applyLogging(conf LogConf) {
	if conf.Level != "" {
		if lvl, lvlErr := log.ParseLevel(conf.Level); lvlErr != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    lvlErr,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("config: failed to set log level, keeping default")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.WithField("format", conf.Format).Warn("config: unknown logging format")
	}
}

// ReloadHandler is invoked with the freshly parsed Config whenever the
// watched file changes.
type ReloadHandler func(cfg Config)

// Watcher hot-reloads a config file via fsnotify, watching the file's
// containing directory so editors that replace-on-save (rename+recreate)
// are still picked up.
type Watcher struct {
	filename string
	watcher  *fsnotify.Watcher
	handler  ReloadHandler

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewWatcher creates a Watcher for filename. Start must be called to begin
// watching.
func NewWatcher(filename string, handler ReloadHandler) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher failed: %w", err)
	}

	if err := fw.Add(filepath.Dir(filename)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watching %s failed: %w", filename, err)
	}

	return &Watcher{
		filename: filename,
		watcher:  fw,
		handler:  handler,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}, nil
}

// Start begins the watch loop in a background goroutine.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopSyn:
			_ = w.watcher.Close()
			close(w.stopAck)
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.filename) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cfg, err := Load(w.filename)
			if err != nil {
				log.WithError(err).Warn("config: reload failed, keeping previous configuration")
				continue
			}

			log.Info("config: reloaded configuration file")
			w.handler(cfg)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				continue
			}
			log.WithError(err).Warn("config: watcher error")
		}
	}
}

// Stop shuts the watch loop down.
func (w *Watcher) Stop() {
	close(w.stopSyn)
	<-w.stopAck
}

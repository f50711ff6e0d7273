// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2019, 2020 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bp7d/bpv7"
	"github.com/dtn7/bp7d/cla"
	"github.com/dtn7/bp7d/cla/tcpconn"
	"github.com/dtn7/bp7d/cla/udpconn"
	"github.com/dtn7/bp7d/config"
	"github.com/dtn7/bp7d/fragment"
	"github.com/dtn7/bp7d/node"
	"github.com/dtn7/bp7d/routing"
	"github.com/dtn7/bp7d/store"
)

const defaultStoreCapacity = 10000

// buildNode assembles a node.Node and an optional status HTTP server from
// cfg, registering every configured Listen/Peer convergence layer.
func buildNode(cfg config.Config) (*node.Node, *http.Server, error) {
	localNode, err := bpv7.NewEndpointID(cfg.Core.NodeId)
	if err != nil {
		return nil, nil, fmt.Errorf("wiring: invalid core.node-id: %w", err)
	}

	capacity := cfg.Core.StoreCapacity
	if capacity <= 0 {
		capacity = defaultStoreCapacity
	}
	st := store.New(capacity)

	claManager := cla.NewManager()

	algorithm, algoErr := buildAlgorithm(cfg.Routing)
	if algoErr != nil {
		return nil, nil, algoErr
	}
	engine := routing.NewEngine(localNode, st, claManager, algorithm)

	if err := registerListeners(claManager, cfg.Listen); err != nil {
		return nil, nil, err
	}
	if err := registerPeers(engine, claManager, cfg.Peer); err != nil {
		return nil, nil, err
	}

	cleanupInterval := 10 * time.Minute
	if cfg.Core.CleanupInterval != "" {
		if parsed, parseErr := time.ParseDuration(cfg.Core.CleanupInterval); parseErr == nil {
			cleanupInterval = parsed
		} else {
			log.WithError(parseErr).Warn("wiring: invalid core.cleanup-interval, using default")
		}
	}

	n := node.New(node.Config{
		LocalNode:       localNode,
		Store:           st,
		FragManager:     fragment.NewManager(),
		Engine:          engine,
		CLAManager:      claManager,
		CleanupInterval: cleanupInterval,
	})
	n.SetDeliveryHandler(func(b bpv7.Bundle) {
		log.WithField("bundle", b.ID()).Info("wiring: delivered bundle locally")
	})

	var statusServer *http.Server
	if cfg.Status.Address != "" {
		statusServer = &http.Server{
			Addr:    cfg.Status.Address,
			Handler: config.NewStatusRouter(n),
		}
	}

	return n, statusServer, nil
}

func buildAlgorithm(conf config.RoutingConf) (routing.Algorithm, error) {
	switch conf.Algorithm {
	case "", "epidemic":
		return routing.NewEpidemic(), nil

	case "spray":
		maxCopies := conf.MaxCopies
		if maxCopies <= 0 {
			maxCopies = 10
		}
		return routing.NewSprayAndWait(maxCopies), nil

	default:
		return nil, fmt.Errorf("wiring: unknown routing.algorithm %q", conf.Algorithm)
	}
}

func registerListeners(manager *cla.Manager, listeners []config.ConvergenceConf) error {
	for _, l := range listeners {
		switch l.Protocol {
		case "tcp":
			receiver := tcpconn.NewReceiver(l.Endpoint)
			sender := tcpconn.NewSender(l.Permanent)
			manager.RegisterReceiver(receiver)
			manager.RegisterSender("tcp", sender)

		case "udp":
			receiver := udpconn.NewReceiver(l.Endpoint)
			sender, err := udpconn.NewSender()
			if err != nil {
				return fmt.Errorf("wiring: creating udp sender failed: %w", err)
			}
			manager.RegisterReceiver(receiver)
			manager.RegisterSender("udp", sender)

		default:
			return fmt.Errorf("wiring: unknown listen.protocol %q", l.Protocol)
		}
	}
	return nil
}

func registerPeers(engine *routing.Engine, manager *cla.Manager, peers []config.ConvergenceConf) error {
	for _, p := range peers {
		nodeID, err := bpv7.NewEndpointID(p.Node)
		if err != nil {
			return fmt.Errorf("wiring: invalid peer.node %q: %w", p.Node, err)
		}

		address := p.Protocol + "://" + p.Endpoint
		if !manager.IsEndpointReachable(address) {
			log.WithFields(log.Fields{
				"protocol": p.Protocol,
				"endpoint": p.Endpoint,
			}).Warn("wiring: configured peer not reachable at startup")
		}

		engine.NotifyPeerAppeared(routing.Peer{
			NodeID:        nodeID,
			Address:       address,
			ConvergenceID: p.Protocol,
		})
	}
	return nil
}

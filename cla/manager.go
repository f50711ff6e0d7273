// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/dtn7/bp7d/bpv7"
)

// Manager dispatches Send/IsEndpointReachable calls to the Sender registered
// for a peer address's URI scheme ("tcp", "udp", ...), and fans inbound
// bundles from every registered Receiver out to a single handler.
type Manager struct {
	mutex     sync.Mutex
	senders   map[string]Sender
	receivers []Receiver
	handler   BundleHandler
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{senders: make(map[string]Sender)}
}

// RegisterSender associates a Sender with the given URI scheme, e.g. "tcp".
func (m *Manager) RegisterSender(scheme string, s Sender) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.senders[scheme] = s
}

// RegisterReceiver adds r to the set of receivers this Manager starts and
// stops together, wiring it to the Manager's shared handler.
func (m *Manager) RegisterReceiver(r Receiver) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	r.SetHandler(m.dispatch)
	m.receivers = append(m.receivers, r)
}

// SetHandler sets the handler invoked for every bundle any registered
// Receiver decodes.
func (m *Manager) SetHandler(handler BundleHandler) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.handler = handler
}

func (m *Manager) dispatch(b bpv7.Bundle, sourceNode bpv7.EndpointID) {
	m.mutex.Lock()
	handler := m.handler
	m.mutex.Unlock()

	if handler != nil {
		handler(b, sourceNode)
	}
}

func schemeOf(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("cla: invalid peer address %q: %w", address, err)
	}
	return u.Scheme, nil
}

// Send implements Sender by dispatching to the registered Sender for
// address's scheme.
func (m *Manager) Send(b bpv7.Bundle, address string) error {
	scheme, err := schemeOf(address)
	if err != nil {
		return err
	}

	m.mutex.Lock()
	sender, ok := m.senders[scheme]
	m.mutex.Unlock()

	if !ok {
		return fmt.Errorf("cla: no sender registered for scheme %q", scheme)
	}
	return sender.Send(b, address)
}

// IsEndpointReachable implements Sender by dispatching to the registered
// Sender for address's scheme.
func (m *Manager) IsEndpointReachable(address string) bool {
	scheme, err := schemeOf(address)
	if err != nil {
		return false
	}

	m.mutex.Lock()
	sender, ok := m.senders[scheme]
	m.mutex.Unlock()

	return ok && sender.IsEndpointReachable(address)
}

// Start starts every registered Receiver.
func (m *Manager) Start() error {
	m.mutex.Lock()
	receivers := append([]Receiver(nil), m.receivers...)
	m.mutex.Unlock()

	for _, r := range receivers {
		if err, _ := r.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every registered Receiver.
func (m *Manager) Stop() {
	m.mutex.Lock()
	receivers := append([]Receiver(nil), m.receivers...)
	m.mutex.Unlock()

	for _, r := range receivers {
		r.Stop()
	}
}

// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package udpconn implements a UDP convergence layer. Bundles that fit a
// single datagram are sent with a single 0xBB marker byte. Larger bundles
// are split across datagrams, each prefixed with an 8-byte header
// [0x1B, bundle-id(4), fragment-index(2), fragment-count(1)]; the receiver
// reassembles them keyed by source address and bundle-id, expiring
// incomplete sets after 60 seconds.
package udpconn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bp7d/bpv7"
	"github.com/dtn7/bp7d/cla"
)

const (
	markerSingle = 0xBB
	markerMulti  = 0x1B

	maxSingleDatagram = 65507

	multiHeaderLen = 8

	reassemblyExpiry = 60 * time.Second
)

// Sender is a cla.Sender over UDP.
type Sender struct {
	conn *net.UDPConn

	mutex   sync.Mutex
	counter uint32
}

// NewSender creates a Sender using an unconnected, unbound UDP socket.
func NewSender() (*Sender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	return &Sender{conn: conn}, nil
}

func (s *Sender) nextBundleID() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.counter++
	return s.counter
}

// Send implements cla.Sender.
func (s *Sender) Send(b bpv7.Bundle, address string) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("udpconn: resolving %s failed: %w", address, err)
	}

	buff := new(bytes.Buffer)
	if err := cboring.Marshal(&b, buff); err != nil {
		return fmt.Errorf("udpconn: marshalling bundle failed: %w", err)
	}
	data := buff.Bytes()

	if len(data)+1 <= maxSingleDatagram {
		datagram := append([]byte{markerSingle}, data...)
		_, err := s.conn.WriteToUDP(datagram, addr)
		return err
	}

	return s.sendFragmented(data, addr)
}

func (s *Sender) sendFragmented(data []byte, addr *net.UDPAddr) error {
	chunkSize := maxSingleDatagram - multiHeaderLen
	fragmentCount := (len(data) + chunkSize - 1) / chunkSize
	if fragmentCount > 255 {
		return fmt.Errorf("udpconn: bundle requires %d fragments, exceeds 255", fragmentCount)
	}

	bundleID := s.nextBundleID()

	for i := 0; i < fragmentCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}

		header := make([]byte, multiHeaderLen)
		header[0] = markerMulti
		binary.BigEndian.PutUint32(header[1:5], bundleID)
		binary.BigEndian.PutUint16(header[5:7], uint16(i))
		header[7] = byte(fragmentCount)

		datagram := append(header, data[start:end]...)
		if _, err := s.conn.WriteToUDP(datagram, addr); err != nil {
			return fmt.Errorf("udpconn: sending fragment %d/%d failed: %w", i, fragmentCount, err)
		}
	}

	return nil
}

// IsEndpointReachable implements cla.Sender. UDP is connectionless, so this
// is only a syntactic check that the address resolves.
func (s *Sender) IsEndpointReachable(address string) bool {
	_, err := net.ResolveUDPAddr("udp", address)
	return err == nil
}

// Close releases the Sender's socket.
func (s *Sender) Close() {
	_ = s.conn.Close()
}

// pendingKey identifies one in-flight reassembly by source address and the
// sender-local bundle-id. This bundle-id is a 32-bit counter local to the
// sending link, not a bpv7.BundleID, and must never leak into routing.
type pendingKey struct {
	sourceAddr string
	bundleID   uint32
}

type pendingSet struct {
	fragments map[uint16][]byte
	total     int
	expires   time.Time
}

// Receiver is a cla.Receiver over UDP, reassembling fragmented datagrams.
type Receiver struct {
	listenAddr string
	conn       *net.UDPConn
	handler    cla.BundleHandler

	mutex   sync.Mutex
	pending map[pendingKey]*pendingSet

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewReceiver creates a Receiver bound to listenAddr (e.g. ":4557").
func NewReceiver(listenAddr string) *Receiver {
	return &Receiver{
		listenAddr: listenAddr,
		pending:    make(map[pendingKey]*pendingSet),
		stopSyn:    make(chan struct{}),
		stopAck:    make(chan struct{}),
	}
}

// SetHandler implements cla.Receiver.
func (r *Receiver) SetHandler(handler cla.BundleHandler) {
	r.handler = handler
}

// Address implements cla.Receiver.
func (r *Receiver) Address() string {
	return "udp://" + r.listenAddr
}

// Start implements cla.Receiver.
func (r *Receiver) Start() (error, bool) {
	addr, err := net.ResolveUDPAddr("udp", r.listenAddr)
	if err != nil {
		return err, true
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err, true
	}
	r.conn = conn

	go r.serve()
	go r.cleanupLoop()
	return nil, false
}

func (r *Receiver) serve() {
	buf := make([]byte, 65536)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.stopSyn:
				return
			default:
				log.WithError(err).Debug("udpconn: read failed")
				continue
			}
		}

		datagram := append([]byte(nil), buf[:n]...)
		r.handleDatagram(datagram, src.String())
	}
}

func (r *Receiver) handleDatagram(datagram []byte, sourceAddr string) {
	if len(datagram) == 0 {
		return
	}

	switch datagram[0] {
	case markerSingle:
		r.decodeAndDeliver(datagram[1:], sourceAddr)

	case markerMulti:
		if len(datagram) < multiHeaderLen {
			log.Warn("udpconn: multi-fragment datagram shorter than header")
			return
		}

		bundleID := binary.BigEndian.Uint32(datagram[1:5])
		index := binary.BigEndian.Uint16(datagram[5:7])
		count := int(datagram[7])
		payload := datagram[multiHeaderLen:]

		key := pendingKey{sourceAddr: sourceAddr, bundleID: bundleID}

		r.mutex.Lock()
		set, ok := r.pending[key]
		if !ok {
			set = &pendingSet{fragments: make(map[uint16][]byte), total: count, expires: time.Now().Add(reassemblyExpiry)}
			r.pending[key] = set
		}
		set.fragments[index] = payload
		complete := len(set.fragments) == set.total
		if complete {
			delete(r.pending, key)
		}
		r.mutex.Unlock()

		if complete {
			data := make([]byte, 0, set.total*len(payload))
			for i := 0; i < set.total; i++ {
				data = append(data, set.fragments[uint16(i)]...)
			}
			r.decodeAndDeliver(data, sourceAddr)
		}

	default:
		log.WithField("marker", datagram[0]).Warn("udpconn: unknown datagram marker")
	}
}

func (r *Receiver) decodeAndDeliver(data []byte, sourceAddr string) {
	var b bpv7.Bundle
	if err := cboring.Unmarshal(&b, bytes.NewReader(data)); err != nil {
		log.WithField("source", sourceAddr).WithError(err).Warn("udpconn: discarding malformed bundle")
		return
	}

	if r.handler != nil {
		r.handler(b, b.PrimaryBlock.SourceNode)
	}
}

func (r *Receiver) cleanupLoop() {
	ticker := time.NewTicker(reassemblyExpiry)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopSyn:
			close(r.stopAck)
			return
		case <-ticker.C:
			r.cleanup()
		}
	}
}

func (r *Receiver) cleanup() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now()
	for key, set := range r.pending {
		if now.After(set.expires) {
			delete(r.pending, key)
		}
	}
}

// Stop implements cla.Receiver.
func (r *Receiver) Stop() {
	close(r.stopSyn)
	if r.conn != nil {
		_ = r.conn.Close()
	}
	<-r.stopAck
}

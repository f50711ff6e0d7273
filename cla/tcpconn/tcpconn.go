// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tcpconn implements a TCP convergence layer using a simple 4-byte
// big-endian length prefix followed by the CBOR-encoded bundle. This is a
// source convention, not RFC 9174 TCPCL.
package tcpconn

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/bp7d/bpv7"
	"github.com/dtn7/bp7d/cla"
)

const lengthPrefixBytes = 4

func writeFramed(w io.Writer, data []byte) error {
	var lenBuf [lengthPrefixBytes]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixBytes]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Sender is a cla.Sender over TCP, using the length-prefix framing above.
// Connections may be ephemeral (closed after every Send) or permanent (kept
// open and reused across Sends), per the permanent flag.
type Sender struct {
	mutex     sync.Mutex
	conns     map[string]net.Conn
	permanent bool
	dialTime  time.Duration
}

// NewSender creates a Sender. permanent controls whether connections are
// reused across Send calls rather than closed after every transmission.
func NewSender(permanent bool) *Sender {
	return &Sender{
		conns:     make(map[string]net.Conn),
		permanent: permanent,
		dialTime:  2 * time.Second,
	}
}

func (s *Sender) dial(address string) (net.Conn, error) {
	return net.DialTimeout("tcp", address, s.dialTime)
}

// Send implements cla.Sender.
func (s *Sender) Send(b bpv7.Bundle, address string) error {
	buff := new(bytes.Buffer)
	if err := cboring.Marshal(&b, buff); err != nil {
		return fmt.Errorf("tcpconn: marshalling bundle failed: %w", err)
	}

	s.mutex.Lock()
	conn, ok := s.conns[address]
	s.mutex.Unlock()

	if !ok {
		var err error
		conn, err = s.dial(address)
		if err != nil {
			return fmt.Errorf("tcpconn: dial %s failed: %w", address, err)
		}
	}

	writer := bufio.NewWriter(conn)
	if err := writeFramed(writer, buff.Bytes()); err != nil {
		_ = conn.Close()
		s.forget(address)
		return fmt.Errorf("tcpconn: send to %s failed: %w", address, err)
	}
	if err := writer.Flush(); err != nil {
		_ = conn.Close()
		s.forget(address)
		return fmt.Errorf("tcpconn: flush to %s failed: %w", address, err)
	}

	if s.permanent {
		s.mutex.Lock()
		s.conns[address] = conn
		s.mutex.Unlock()
	} else {
		_ = conn.Close()
	}

	return nil
}

// IsEndpointReachable implements cla.Sender as a best-effort TCP dial probe.
func (s *Sender) IsEndpointReachable(address string) bool {
	conn, err := s.dial(address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (s *Sender) forget(address string) {
	s.mutex.Lock()
	delete(s.conns, address)
	s.mutex.Unlock()
}

// Close closes every permanent connection this Sender holds open.
func (s *Sender) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for addr, conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, addr)
	}
}

// Receiver is a cla.Receiver listening for framed bundles over TCP.
type Receiver struct {
	listenAddr string
	listener   net.Listener
	handler    cla.BundleHandler

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewReceiver creates a Receiver bound to listenAddr (e.g. ":4556").
func NewReceiver(listenAddr string) *Receiver {
	return &Receiver{
		listenAddr: listenAddr,
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
	return "tcp://" + r.listenAddr
}

// Start implements cla.Receiver.
func (r *Receiver) Start() (error, bool) {
	ln, err := net.Listen("tcp", r.listenAddr)
	if err != nil {
		return err, true
	}
	r.listener = ln

	go r.serve()
	return nil, false
}

func (r *Receiver) serve() {
	for {
		select {
		case <-r.stopSyn:
			close(r.stopAck)
			return
		default:
		}

		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.stopSyn:
				close(r.stopAck)
				return
			default:
				log.WithError(err).Warn("tcpconn: accept failed")
				continue
			}
		}

		go r.handleConn(conn)
	}
}

func (r *Receiver) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		data, err := readFramed(reader)
		if err != nil {
			if err != io.EOF {
				log.WithError(err).Debug("tcpconn: framing read failed, closing connection")
			}
			return
		}

		var b bpv7.Bundle
		if err := cboring.Unmarshal(&b, bytes.NewReader(data)); err != nil {
			log.WithError(err).Warn("tcpconn: discarding malformed bundle")
			continue
		}

		if r.handler != nil {
			r.handler(b, b.PrimaryBlock.SourceNode)
		}
	}
}

// Stop implements cla.Receiver.
func (r *Receiver) Stop() {
	close(r.stopSyn)
	if r.listener != nil {
		_ = r.listener.Close()
	}
	<-r.stopAck
}

// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"
	"regexp"
	"strconv"

	"github.com/dtn7/cboring"
)

const (
	ipnEndpointSchemeName = "ipn"
	ipnEndpointSchemeNo   = uint64(2)
)

// IpnEndpoint implements the "ipn" URI scheme: a numeric node/service pair, as used for
// resource-constrained or pre-provisioned deployments.
type IpnEndpoint struct {
	Node    uint64
	Service uint64
}

var ipnEndpointRe = regexp.MustCompile(`^ipn:(\d+)\.(\d+)$`)

// NewIpnEndpoint creates an IpnEndpoint from its URI representation, e.g. "ipn:23.42".
func NewIpnEndpoint(uri string) (e EndpointType, err error) {
	matches := ipnEndpointRe.FindStringSubmatch(uri)
	if len(matches) != 3 {
		err = fmt.Errorf("IpnEndpoint: invalid URI %q", uri)
		return
	}

	node, err := strconv.ParseUint(matches[1], 10, 64)
	if err != nil {
		return
	}
	service, err := strconv.ParseUint(matches[2], 10, 64)
	if err != nil {
		return
	}

	e = IpnEndpoint{Node: node, Service: service}
	return
}

func (ie IpnEndpoint) SchemeName() string {
	return ipnEndpointSchemeName
}

func (ie IpnEndpoint) SchemeNo() uint64 {
	return ipnEndpointSchemeNo
}

func (ie IpnEndpoint) Authority() string {
	return strconv.FormatUint(ie.Node, 10)
}

func (ie IpnEndpoint) Path() string {
	return strconv.FormatUint(ie.Service, 10)
}

// IsSingleton always returns true; every ipn node/service pair addresses exactly one endpoint.
func (ie IpnEndpoint) IsSingleton() bool {
	return true
}

func (ie IpnEndpoint) CheckValid() error {
	if ie.Node < 1 || ie.Service < 1 {
		return fmt.Errorf("IpnEndpoint: node and service numbers must be >= 1, got %d.%d", ie.Node, ie.Service)
	}
	return nil
}

func (ie IpnEndpoint) String() string {
	return fmt.Sprintf("ipn:%d.%d", ie.Node, ie.Service)
}

func (ie IpnEndpoint) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ie.Node, w); err != nil {
		return err
	}
	return cboring.WriteUInt(ie.Service, w)
}

func (ie *IpnEndpoint) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("IpnEndpoint: expected array of length 2, got %d", l)
	}

	if node, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		ie.Node = node
	}

	if service, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		ie.Service = service
	}

	return nil
}

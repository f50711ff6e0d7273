// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/dtn7/cboring"
)

const (
	dtnEndpointSchemeName = "dtn"
	dtnEndpointSchemeNo   = uint64(1)

	dtnEndpointDtnNoneSsp = "none"
)

// DtnEndpoint implements the "dtn" URI scheme for EndpointIDs, addressing a host with an
// optional path, or the "none" sentinel for the null endpoint.
type DtnEndpoint struct {
	Ssp string
}

var dtnEndpointRe = regexp.MustCompile(`^dtn:(.+)$`)

// NewDtnEndpoint creates a DtnEndpoint from its URI representation, e.g. "dtn://host/path" or
// "dtn:none".
func NewDtnEndpoint(uri string) (e EndpointType, err error) {
	matches := dtnEndpointRe.FindStringSubmatch(uri)
	if len(matches) != 2 {
		err = fmt.Errorf("DtnEndpoint: invalid URI %q", uri)
		return
	}

	e = DtnEndpoint{Ssp: matches[1]}
	return
}

// parseUri hacks net/url into parsing the SSP as an authority+path pair by prefixing "//" when
// the SSP does not already look like one.
func (de DtnEndpoint) parseUri() (*url.URL, error) {
	ssp := de.Ssp
	if !strings.HasPrefix(ssp, "//") {
		ssp = "//" + ssp
	}

	return url.Parse(ssp)
}

func (de DtnEndpoint) SchemeName() string {
	return dtnEndpointSchemeName
}

func (de DtnEndpoint) SchemeNo() uint64 {
	return dtnEndpointSchemeNo
}

func (de DtnEndpoint) Authority() string {
	if de.Ssp == dtnEndpointDtnNoneSsp {
		return dtnEndpointDtnNoneSsp
	}

	u, err := de.parseUri()
	if err != nil {
		return ""
	}
	return u.Host
}

func (de DtnEndpoint) Path() string {
	if de.Ssp == dtnEndpointDtnNoneSsp {
		return ""
	}

	u, err := de.parseUri()
	if err != nil {
		return ""
	}
	return u.Path
}

// IsSingleton always returns true; this core does not model dtn multicast groups.
func (de DtnEndpoint) IsSingleton() bool {
	return true
}

func (de DtnEndpoint) CheckValid() error {
	return nil
}

func (de DtnEndpoint) String() string {
	return "dtn:" + de.Ssp
}

// MarshalCbor writes the scheme-specific part: the unsigned integer 0 for "dtn:none", the SSP
// text string otherwise.
func (de DtnEndpoint) MarshalCbor(w io.Writer) error {
	if de.Ssp == dtnEndpointDtnNoneSsp {
		return cboring.WriteUInt(0, w)
	}
	return cboring.WriteTextString(de.Ssp, w)
}

func (de *DtnEndpoint) UnmarshalCbor(r io.Reader) error {
	major, val, err := cboring.ReadMajors(r)
	if err != nil {
		return err
	}

	switch major {
	case cboring.UInt:
		if val != 0 {
			return fmt.Errorf("DtnEndpoint: unexpected unsigned SSP value %d", val)
		}
		de.Ssp = dtnEndpointDtnNoneSsp

	case cboring.TextString:
		if data, err := cboring.ReadRawBytes(val, r); err != nil {
			return err
		} else {
			de.Ssp = string(data)
		}

	default:
		return fmt.Errorf("DtnEndpoint: unexpected major type %d", major)
	}

	return nil
}

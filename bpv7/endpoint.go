// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"encoding/gob"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"sync"

	"github.com/dtn7/cboring"
)

// EndpointType is the generalized interface for a concrete endpoint scheme, e.g. "dtn" or "ipn".
type EndpointType interface {
	// SchemeName is the scheme's string identifier, e.g., "dtn".
	SchemeName() string

	// SchemeNo is the scheme's numeric identifier, as assigned by IANA.
	SchemeNo() uint64

	// Authority is the scheme-specific authority part of this endpoint.
	Authority() string

	// Path is the scheme-specific path part of this endpoint.
	Path() string

	// IsSingleton returns true if this endpoint identifies exactly one node.
	IsSingleton() bool

	// CheckValid returns an error if this EndpointType is invalid.
	CheckValid() error

	// MarshalCbor writes this EndpointType's scheme-specific part.
	//
	// UnmarshalCbor is deliberately not part of this interface: a value type cannot implement it
	// with a pointer receiver, and EndpointID.UnmarshalCbor must construct a fresh, addressable
	// instance of the concrete type before it can decode into it. See EndpointID.UnmarshalCbor.
	MarshalCbor(w io.Writer) error

	fmt.Stringer
}

// endpointManager maps an endpoint scheme's name and number to its Go type and parser, allowing
// EndpointID to dispatch by number on the wire and by URI prefix when constructed from a string.
type endpointManager struct {
	typeMap map[uint64]reflect.Type
	newMap  map[string]func(string) (EndpointType, error)
	mutex   sync.Mutex
}

var (
	globalEndpointManager     *endpointManager
	globalEndpointManagerOnce sync.Once
)

func getEndpointManager() *endpointManager {
	globalEndpointManagerOnce.Do(func() {
		globalEndpointManager = &endpointManager{
			typeMap: make(map[uint64]reflect.Type),
			newMap:  make(map[string]func(string) (EndpointType, error)),
		}

		globalEndpointManager.register(DtnEndpoint{}, NewDtnEndpoint)
		globalEndpointManager.register(IpnEndpoint{}, NewIpnEndpoint)
	})

	return globalEndpointManager
}

func (em *endpointManager) register(et EndpointType, parser func(string) (EndpointType, error)) {
	em.mutex.Lock()
	defer em.mutex.Unlock()

	em.typeMap[et.SchemeNo()] = reflect.TypeOf(et)
	em.newMap[et.SchemeName()] = parser

	gob.Register(et)
}

func (em *endpointManager) typeFor(schemeNo uint64) (reflect.Type, bool) {
	em.mutex.Lock()
	defer em.mutex.Unlock()

	t, ok := em.typeMap[schemeNo]
	return t, ok
}

var schemeNameRe = regexp.MustCompile(`^([[:alnum:]]+):`)

func (em *endpointManager) parse(uri string) (EndpointType, error) {
	matches := schemeNameRe.FindStringSubmatch(uri)
	if len(matches) != 2 {
		return nil, fmt.Errorf("endpoint ID %q does not start with a scheme name", uri)
	}

	em.mutex.Lock()
	parser, ok := em.newMap[matches[1]]
	em.mutex.Unlock()

	if !ok {
		return nil, fmt.Errorf("no endpoint scheme registered for %q", matches[1])
	}

	return parser(uri)
}

// EndpointID represents an endpoint, addressable by a scheme-tagged URI.
type EndpointID struct {
	EndpointType
}

// NewEndpointID parses an endpoint ID from its URI representation, e.g. "dtn://foo/bar" or
// "ipn:1.2".
func NewEndpointID(uri string) (e EndpointID, err error) {
	et, err := getEndpointManager().parse(uri)
	if err != nil {
		return
	}

	e = EndpointID{EndpointType: et}
	return
}

// DtnNone returns the "dtn:none" endpoint, the null endpoint used when no report-to is desired.
func DtnNone() EndpointID {
	return EndpointID{EndpointType: DtnEndpoint{Ssp: dtnEndpointDtnNoneSsp}}
}

// MarshalCbor writes this EndpointID as the two-element CBOR array `[scheme-no, ssp]` defined in
// section 4.2.5.1 of RFC 9171.
func (eid *EndpointID) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(eid.SchemeNo(), w); err != nil {
		return err
	}

	return eid.EndpointType.MarshalCbor(w)
}

// UnmarshalCbor reads an EndpointID, dispatching on the scheme number to build the concrete
// EndpointType before delegating decode of the scheme-specific part to it.
func (eid *EndpointID) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("EndpointID: expected array of length 2, got %d", l)
	}

	schemeNo, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}

	elemType, ok := getEndpointManager().typeFor(schemeNo)
	if !ok {
		return fmt.Errorf("EndpointID: no endpoint scheme registered for number %d", schemeNo)
	}

	elem := reflect.New(elemType)
	method := elem.MethodByName("UnmarshalCbor")
	results := method.Call([]reflect.Value{reflect.ValueOf(r)})
	if errVal := results[0].Interface(); errVal != nil {
		return errVal.(error)
	}

	eid.EndpointType = elem.Elem().Interface().(EndpointType)
	return nil
}

// SameNode checks if both EndpointIDs share the same node authority, disregarding the path.
func (eid EndpointID) SameNode(other EndpointID) bool {
	return eid.SchemeNo() == other.SchemeNo() && eid.Authority() == other.Authority()
}

func (eid EndpointID) String() string {
	if eid.EndpointType == nil {
		return "dtn:none"
	}
	return eid.EndpointType.String()
}

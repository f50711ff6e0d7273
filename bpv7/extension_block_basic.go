// SPDX-FileCopyrightText: 2018, 2019, 2020, 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// PayloadBlock carries a bundle's application data, canonical block type 1.
type PayloadBlock []byte

func NewPayloadBlock(data []byte) *PayloadBlock {
	pb := PayloadBlock(data)
	return &pb
}

func (pb *PayloadBlock) Data() []byte { return *pb }

func (pb *PayloadBlock) BlockTypeCode() uint64  { return ExtBlockTypePayloadBlock }
func (pb *PayloadBlock) BlockTypeName() string  { return "Payload Block" }
func (pb *PayloadBlock) CheckValid() error      { return nil }
func (pb *PayloadBlock) MarshalBinary() ([]byte, error) { return *pb, nil }

func (pb *PayloadBlock) UnmarshalBinary(data []byte) error {
	*pb = data
	return nil
}

// MarshalJSON truncates large payloads to 100 bytes before encoding, so a
// bundle dump doesn't flood a log with megabytes of application data.
func (pb *PayloadBlock) MarshalJSON() ([]byte, error) {
	payload := pb.Data()
	if len(payload) > 100 {
		payload = payload[:100]
	}
	return json.Marshal(payload)
}

// PreviousNodeBlock records the EndpointID of the node that forwarded this
// bundle most recently, canonical block type 6.
type PreviousNodeBlock EndpointID

func NewPreviousNodeBlock(prev EndpointID) *PreviousNodeBlock {
	pnb := PreviousNodeBlock(prev)
	return &pnb
}

func (pnb *PreviousNodeBlock) Endpoint() EndpointID { return EndpointID(*pnb) }

func (pnb *PreviousNodeBlock) BlockTypeCode() uint64 { return ExtBlockTypePreviousNodeBlock }
func (pnb *PreviousNodeBlock) BlockTypeName() string { return "Previous Node Block" }

func (pnb *PreviousNodeBlock) CheckValid() error {
	return EndpointID(*pnb).CheckValid()
}

// CheckContextValid enforces at most one Previous Node Block per bundle.
func (pnb *PreviousNodeBlock) CheckContextValid(b *Bundle) error {
	cb, err := b.ExtensionBlock(ExtBlockTypePreviousNodeBlock)
	if err != nil {
		return err
	}
	if cb.Value != pnb {
		return fmt.Errorf("previous node block pointer mismatch, %p != %p", cb.Value, pnb)
	}
	return nil
}

func (pnb *PreviousNodeBlock) MarshalCbor(w io.Writer) error {
	endpoint := EndpointID(*pnb)
	return cboring.Marshal(&endpoint, w)
}

func (pnb *PreviousNodeBlock) UnmarshalCbor(r io.Reader) error {
	var endpoint EndpointID
	if err := cboring.Unmarshal(&endpoint, r); err != nil {
		return err
	}
	*pnb = PreviousNodeBlock(endpoint)
	return nil
}

func (pnb *PreviousNodeBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(pnb.Endpoint())
}

// GenericExtensionBlock is the fallback carrier for a canonical block whose
// type code isn't registered with this process; its payload is kept opaque.
type GenericExtensionBlock struct {
	raw      []byte
	typeCode uint64
}

func NewGenericExtensionBlock(data []byte, typeCode uint64) *GenericExtensionBlock {
	return &GenericExtensionBlock{raw: data, typeCode: typeCode}
}

func (geb *GenericExtensionBlock) BlockTypeCode() uint64 { return geb.typeCode }
func (geb *GenericExtensionBlock) BlockTypeName() string { return "N/A" }

// CheckValid is always nil: an opaque block carries no structure to check.
func (geb *GenericExtensionBlock) CheckValid() error { return nil }

func (geb *GenericExtensionBlock) CheckContextValid(*Bundle) error { return nil }

func (geb *GenericExtensionBlock) MarshalBinary() ([]byte, error) { return geb.raw, nil }

func (geb *GenericExtensionBlock) UnmarshalBinary(data []byte) error {
	geb.raw = data
	return nil
}

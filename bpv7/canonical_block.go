// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dtn7/cboring"
	"github.com/hashicorp/go-multierror"
)

// CanonicalBlock wraps an ExtensionBlock with the block metadata RFC 9171
// §4.2.3 requires of every non-primary bundle block: number, processing
// control flags, and an optional CRC.
type CanonicalBlock struct {
	BlockNumber       uint64
	BlockControlFlags BlockControlFlags
	CRCType           CRCType
	CRC               []byte
	Value             ExtensionBlock
}

func NewCanonicalBlock(no uint64, bcf BlockControlFlags, value ExtensionBlock) CanonicalBlock {
	return CanonicalBlock{
		BlockNumber:       no,
		BlockControlFlags: bcf,
		CRCType:           CRCNo,
		Value:             value,
	}
}

func (cb CanonicalBlock) TypeCode() uint64 {
	return cb.Value.BlockTypeCode()
}

func (cb CanonicalBlock) HasCRC() bool {
	return cb.GetCRCType() != CRCNo
}

func (cb CanonicalBlock) GetCRCType() CRCType {
	return cb.CRCType
}

func (cb *CanonicalBlock) SetCRCType(crcType CRCType) {
	cb.CRCType = crcType
}

func (cb *CanonicalBlock) MarshalCbor(w io.Writer) error {
	arrLen := uint64(5)
	if cb.HasCRC() {
		arrLen = 6
	}

	crcBuff := new(bytes.Buffer)
	if cb.HasCRC() {
		w = io.MultiWriter(w, crcBuff)
	}

	if err := cboring.WriteArrayLength(arrLen, w); err != nil {
		return err
	}

	header := []uint64{cb.TypeCode(), cb.BlockNumber, uint64(cb.BlockControlFlags), uint64(cb.CRCType)}
	for _, f := range header {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}

	if err := GetExtensionBlockManager().WriteBlock(cb.Value, w); err != nil {
		return fmt.Errorf("canonical block: marshalling value: %v", err)
	}

	if cb.HasCRC() {
		crcVal, err := calculateCRCBuff(crcBuff, cb.CRCType)
		if err != nil {
			return err
		}
		if err := cboring.WriteByteString(crcVal, w); err != nil {
			return err
		}
		cb.CRC = crcVal
	}

	return nil
}

func (cb *CanonicalBlock) UnmarshalCbor(r io.Reader) error {
	arrLen, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if arrLen != 5 && arrLen != 6 {
		return fmt.Errorf("canonical block: expected array of length 5 or 6, got %d", arrLen)
	}

	// A CRC-bearing block needs the array header replayed into the CRC
	// buffer too, since the CRC covers the whole encoded block.
	crcBuff := new(bytes.Buffer)
	if arrLen == 6 {
		if err := cboring.WriteArrayLength(arrLen, crcBuff); err != nil {
			return err
		}
		r = io.TeeReader(r, crcBuff)
	}

	blockType, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}

	if bn, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		cb.BlockNumber = bn
	}

	if bcf, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		cb.BlockControlFlags = BlockControlFlags(bcf)
	}

	if crcT, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		cb.CRCType = CRCType(crcT)
	}

	value, err := GetExtensionBlockManager().ReadBlock(blockType, r)
	if err != nil {
		return fmt.Errorf("canonical block: unmarshalling block type %d: %v", blockType, err)
	}
	cb.Value = value

	if arrLen == 6 {
		wantCRC, err := calculateCRCBuff(crcBuff, cb.CRCType)
		if err != nil {
			return err
		}
		gotCRC, err := cboring.ReadByteString(r)
		if err != nil {
			return err
		}
		if !bytes.Equal(wantCRC, gotCRC) {
			return fmt.Errorf("canonical block: crc mismatch, got %x want %x", gotCRC, wantCRC)
		}
		cb.CRC = gotCRC
	}

	return nil
}

func (cb CanonicalBlock) MarshalJSON() ([]byte, error) {
	var dataField interface{}
	if _, ok := cb.Value.(json.Marshaler); ok {
		dataField = cb.Value
	} else {
		var buff bytes.Buffer
		if err := GetExtensionBlockManager().WriteBlock(cb.Value, &buff); err != nil {
			return nil, err
		}
		dataField = buff.Bytes()
	}

	return json.Marshal(&struct {
		BlockNumber   uint64            `json:"blockNumber"`
		BlockTypeCode uint64            `json:"blockTypeCode"`
		BlockType     string            `json:"blockType"`
		ControlFlags  BlockControlFlags `json:"blockControlFlags"`
		Data          interface{}       `json:"data"`
	}{
		BlockNumber:   cb.BlockNumber,
		BlockType:     cb.Value.BlockTypeName(),
		BlockTypeCode: cb.Value.BlockTypeCode(),
		ControlFlags:  cb.BlockControlFlags,
		Data:          dataField,
	})
}

// CheckValid delegates to the block control flags and the wrapped
// ExtensionBlock, and enforces RFC 9171's "payload block is always number 1"
// convention.
func (cb CanonicalBlock) CheckValid() (errs error) {
	if err := cb.BlockControlFlags.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := cb.Value.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if cb.Value.BlockTypeCode() == ExtBlockTypePayloadBlock && cb.BlockNumber != 1 {
		errs = multierror.Append(errs, fmt.Errorf(
			"canonical block: payload block has block number %d, want 1", cb.BlockNumber))
	}
	return
}

func (cb CanonicalBlock) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "block type code: %d, ", cb.Value.BlockTypeCode())
	fmt.Fprintf(&sb, "block number: %d, ", cb.BlockNumber)
	fmt.Fprintf(&sb, "block processing control flags: %b, ", cb.BlockControlFlags)
	fmt.Fprintf(&sb, "crc type: %v, ", cb.CRCType)
	fmt.Fprintf(&sb, "data: %v", cb.Value)

	if cb.HasCRC() {
		fmt.Fprintf(&sb, ", crc: %x", cb.CRC)
	}

	return sb.String()
}

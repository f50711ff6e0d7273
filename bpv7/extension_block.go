// SPDX-FileCopyrightText: 2018, 2019, 2020, 2022 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/dtn7/cboring"
)

// Block type codes for the canonical blocks known to this implementation.
const (
	ExtBlockTypePayloadBlock      uint64 = 1
	ExtBlockTypePreviousNodeBlock uint64 = 6
	ExtBlockTypeBundleAgeBlock    uint64 = 7
	ExtBlockTypeHopCountBlock     uint64 = 10
)

// ExtensionBlock is the generalized Data container for a CanonicalBlock.
//
// Known block types are registered with the ExtensionBlockManager; an unknown type code is
// represented as a GenericExtensionBlock, preserving its raw bytes so an intermediate node that
// cannot interpret a block still forwards it intact.
type ExtensionBlock interface {
	// BlockTypeCode returns this ExtensionBlock's block type code.
	BlockTypeCode() uint64

	// BlockTypeName returns this ExtensionBlock's name, used for logging and JSON.
	BlockTypeName() string

	// CheckValid checks this ExtensionBlock's validity, regardless of its CanonicalBlock.
	CheckValid() error

	// CheckContextValid checks this ExtensionBlock's validity within the Bundle it is part of.
	CheckContextValid(b *Bundle) error
}

// ExtensionBlockManager keeps a collection of known ExtensionBlock types, mapped by their block
// type code, and creates new instances of them on demand.
type ExtensionBlockManager struct {
	data  map[uint64]reflect.Type
	mutex sync.Mutex
}

// NewExtensionBlockManager creates an empty ExtensionBlockManager.
func NewExtensionBlockManager() *ExtensionBlockManager {
	return &ExtensionBlockManager{
		data: make(map[uint64]reflect.Type),
	}
}

var (
	extensionBlockManager     *ExtensionBlockManager
	extensionBlockManagerOnce sync.Once
)

// GetExtensionBlockManager returns the single ExtensionBlockManager instance, registering the
// block types known to this core on first use.
func GetExtensionBlockManager() *ExtensionBlockManager {
	extensionBlockManagerOnce.Do(func() {
		extensionBlockManager = NewExtensionBlockManager()

		_ = extensionBlockManager.Register(NewPayloadBlock(nil))
		_ = extensionBlockManager.Register(NewPreviousNodeBlock(DtnNone()))
		_ = extensionBlockManager.Register(NewBundleAgeBlock(0))
		_ = extensionBlockManager.Register(NewHopCountBlock(0))
	})

	return extensionBlockManager
}

// IsKnown returns true if the given extension block type code is registered.
func (ebm *ExtensionBlockManager) IsKnown(typeCode uint64) bool {
	ebm.mutex.Lock()
	defer ebm.mutex.Unlock()

	_, ok := ebm.data[typeCode]
	return ok
}

// Register a new ExtensionBlock type. The passed instance is only used to derive its type;
// a fresh value is allocated for every decode.
func (ebm *ExtensionBlockManager) Register(eb ExtensionBlock) error {
	ebm.mutex.Lock()
	defer ebm.mutex.Unlock()

	typeCode := eb.BlockTypeCode()
	if _, exists := ebm.data[typeCode]; exists {
		return fmt.Errorf("ExtensionBlockManager already has an entry for type code %d", typeCode)
	}

	elem := reflect.TypeOf(eb)
	if elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}

	ebm.data[typeCode] = elem
	return nil
}

// Unregister a known ExtensionBlock type.
func (ebm *ExtensionBlockManager) Unregister(eb ExtensionBlock) {
	ebm.mutex.Lock()
	defer ebm.mutex.Unlock()

	delete(ebm.data, eb.BlockTypeCode())
}

// createBlock returns a fresh ExtensionBlock for the given type code; a GenericExtensionBlock
// if the type code is not registered.
func (ebm *ExtensionBlockManager) createBlock(typeCode uint64) ExtensionBlock {
	ebm.mutex.Lock()
	elem, known := ebm.data[typeCode]
	ebm.mutex.Unlock()

	if !known {
		return NewGenericExtensionBlock(nil, typeCode)
	}

	return reflect.New(elem).Interface().(ExtensionBlock)
}

// WriteBlock serializes an ExtensionBlock's payload into a CBOR byte string, written to w.
func (ebm *ExtensionBlockManager) WriteBlock(eb ExtensionBlock, w io.Writer) error {
	var data []byte
	var err error

	switch payload := eb.(type) {
	case cboring.CborMarshaler:
		buff := new(bytes.Buffer)
		if err = payload.MarshalCbor(buff); err != nil {
			return err
		}
		data = buff.Bytes()

	case encoding.BinaryMarshaler:
		if data, err = payload.MarshalBinary(); err != nil {
			return err
		}

	default:
		return fmt.Errorf("ExtensionBlock of type %T supports neither CBOR nor binary marshaling", eb)
	}

	return cboring.WriteByteString(data, w)
}

// ReadBlock reads an ExtensionBlock's CBOR byte string payload for the given block type code.
func (ebm *ExtensionBlockManager) ReadBlock(typeCode uint64, r io.Reader) (ExtensionBlock, error) {
	data, err := cboring.ReadByteString(r)
	if err != nil {
		return nil, err
	}

	eb := ebm.createBlock(typeCode)

	switch payload := eb.(type) {
	case cboring.CborMarshaler:
		if err = payload.UnmarshalCbor(bytes.NewReader(data)); err != nil {
			return nil, err
		}

	case encoding.BinaryUnmarshaler:
		if err = payload.UnmarshalBinary(data); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("ExtensionBlock of type %T supports neither CBOR nor binary marshaling", eb)
	}

	return eb, nil
}

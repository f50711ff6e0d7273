// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/dtn7/cboring"
)

// AdminRecordTypeStatusReport is the administrative record type code for a
// status report, RFC 9171 §6.1.
const AdminRecordTypeStatusReport uint64 = 1

// AdministrativeRecord is a bundle-protocol-internal message, e.g. a status
// report, carried as a bundle's payload with AdministrativeRecordPayload set.
type AdministrativeRecord interface {
	cboring.CborMarshaler

	RecordTypeCode() uint64
}

// AdministrativeRecordManager maps record type codes to the concrete Go type
// that decodes them, so ReadAdministrativeRecord can reconstruct the right
// AdministrativeRecord implementation from the wire. Use
// GetAdministrativeRecordManager for the process-wide singleton.
type AdministrativeRecordManager struct {
	types sync.Map // map[uint64]reflect.Type
}

func NewAdministrativeRecordManager() *AdministrativeRecordManager {
	return &AdministrativeRecordManager{}
}

func (arm *AdministrativeRecordManager) Register(ar AdministrativeRecord) error {
	code := ar.RecordTypeCode()
	t := reflect.TypeOf(ar).Elem()

	if existing, loaded := arm.types.LoadOrStore(code, t); loaded {
		return fmt.Errorf("administrative record: type code %d already registered for %s", code, existing.(reflect.Type).Name())
	}
	return nil
}

func (arm *AdministrativeRecordManager) Unregister(ar AdministrativeRecord) {
	arm.types.Delete(ar.RecordTypeCode())
}

func (arm *AdministrativeRecordManager) IsKnown(typeCode uint64) bool {
	_, known := arm.types.Load(typeCode)
	return known
}

// WriteAdministrativeRecord wraps ar in a two-element CBOR array of its
// record type code and its own encoding.
func (arm *AdministrativeRecordManager) WriteAdministrativeRecord(ar AdministrativeRecord, w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ar.RecordTypeCode(), w); err != nil {
		return err
	}
	if err := cboring.Marshal(ar, w); err != nil {
		return fmt.Errorf("administrative record: marshalling: %v", err)
	}
	return nil
}

// ReadAdministrativeRecord decodes the two-element array WriteAdministrativeRecord
// produces, dispatching on the record type code to a registered Go type.
func (arm *AdministrativeRecordManager) ReadAdministrativeRecord(r io.Reader) (AdministrativeRecord, error) {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return nil, err
	}
	if n != 2 {
		return nil, fmt.Errorf("administrative record: expected array of length 2, got %d", n)
	}

	typeCode, err := cboring.ReadUInt(r)
	if err != nil {
		return nil, err
	}

	t, ok := arm.types.Load(typeCode)
	if !ok {
		return nil, fmt.Errorf("administrative record: no type registered for record type code %d", typeCode)
	}

	ar := reflect.New(t.(reflect.Type)).Interface().(AdministrativeRecord)
	if err := cboring.Unmarshal(ar, r); err != nil {
		return nil, fmt.Errorf("administrative record: unmarshalling type code %d: %v", typeCode, err)
	}
	return ar, nil
}

var (
	adminRecordManagerOnce sync.Once
	adminRecordManager     *AdministrativeRecordManager
)

// GetAdministrativeRecordManager returns the process-wide AdministrativeRecordManager,
// pre-populated with StatusReport support.
func GetAdministrativeRecordManager() *AdministrativeRecordManager {
	adminRecordManagerOnce.Do(func() {
		adminRecordManager = NewAdministrativeRecordManager()
		_ = adminRecordManager.Register(&StatusReport{})
	})
	return adminRecordManager
}

// NewAdministrativeRecordFromCbor decodes an AdministrativeRecord from a
// standalone byte slice (as opposed to a stream).
func NewAdministrativeRecordFromCbor(data []byte) (AdministrativeRecord, error) {
	return GetAdministrativeRecordManager().ReadAdministrativeRecord(bytes.NewBuffer(data))
}

// AdministrativeRecordToCbor wraps ar as a payload-typed canonical block.
// The surrounding bundle must carry the AdministrativeRecordPayload flag.
func AdministrativeRecordToCbor(ar AdministrativeRecord) (CanonicalBlock, error) {
	buff := new(bytes.Buffer)
	if err := GetAdministrativeRecordManager().WriteAdministrativeRecord(ar, buff); err != nil {
		return CanonicalBlock{}, err
	}
	return NewCanonicalBlock(1, 0, NewPayloadBlock(buff.Bytes())), nil
}

// --- status reports ---

// BundleStatusItem is one entry of a StatusReport's status information
// array: whether the reporting node reached the corresponding processing
// stage, and optionally when.
type BundleStatusItem struct {
	Asserted        bool
	Time            DtnTime
	StatusRequested bool
}

// NewBundleStatusItem creates an entry with no time report.
func NewBundleStatusItem(asserted bool) BundleStatusItem {
	return BundleStatusItem{Asserted: asserted, Time: DtnTimeEpoch}
}

// NewTimeReportingBundleStatusItem creates an asserted entry carrying time.
func NewTimeReportingBundleStatusItem(time DtnTime) BundleStatusItem {
	return BundleStatusItem{Asserted: true, Time: time, StatusRequested: true}
}

func (bsi *BundleStatusItem) MarshalCbor(w io.Writer) error {
	withTime := bsi.Asserted && bsi.StatusRequested

	arrLen := uint64(1)
	if withTime {
		arrLen = 2
	}
	if err := cboring.WriteArrayLength(arrLen, w); err != nil {
		return err
	}
	if err := cboring.WriteBoolean(bsi.Asserted, w); err != nil {
		return err
	}
	if withTime {
		return cboring.WriteUInt(uint64(bsi.Time), w)
	}
	return nil
}

func (bsi *BundleStatusItem) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if n != 1 && n != 2 {
		return fmt.Errorf("bundle status item: expected array of length 1 or 2, got %d", n)
	}

	asserted, err := cboring.ReadBoolean(r)
	if err != nil {
		return err
	}
	bsi.Asserted = asserted

	if n != 2 {
		bsi.StatusRequested = false
		return nil
	}

	t, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	bsi.Time = DtnTime(t)
	bsi.StatusRequested = true
	return nil
}

func (bsi BundleStatusItem) String() string {
	if !bsi.Asserted {
		return fmt.Sprintf("BundleStatusItem(%t)", bsi.Asserted)
	}
	return fmt.Sprintf("BundleStatusItem(%t, %v)", bsi.Asserted, bsi.Time)
}

// StatusReportReason is the reason code attached to a StatusReport, RFC
// 9171 §6.1.1.
type StatusReportReason uint64

const (
	NoInformation              StatusReportReason = 0
	LifetimeExpired            StatusReportReason = 1
	ForwardUnidirectionalLink  StatusReportReason = 2
	TransmissionCanceled       StatusReportReason = 3
	DepletedStorage            StatusReportReason = 4
	DestEndpointUnintelligible StatusReportReason = 5
	NoRouteToDestination       StatusReportReason = 6
	NoNextNodeContact          StatusReportReason = 7
	BlockUnintelligible        StatusReportReason = 8
	HopLimitExceeded           StatusReportReason = 9
	TrafficPared               StatusReportReason = 10
	BlockUnsupported           StatusReportReason = 11
)

var statusReportReasonNames = map[StatusReportReason]string{
	NoInformation:              "No additional information",
	LifetimeExpired:            "Lifetime expired",
	ForwardUnidirectionalLink:  "Forward over unidirectional link",
	TransmissionCanceled:       "Transmission canceled",
	DepletedStorage:            "Depleted storage",
	DestEndpointUnintelligible: "Destination endpoint ID unintelligible",
	NoRouteToDestination:       "No known route to destination from here",
	NoNextNodeContact:          "No timely contact with next node on route",
	BlockUnintelligible:        "Block unintelligible",
	HopLimitExceeded:           "Hop limit exceeded",
	TrafficPared:               "Traffic pared",
	BlockUnsupported:           "Block unsupported",
}

func (srr StatusReportReason) String() string {
	if name, ok := statusReportReasonNames[srr]; ok {
		return name
	}
	return "unknown"
}

// StatusInformationPos indexes the four mandatory entries of a StatusReport's
// status information array.
type StatusInformationPos int

const (
	statusInformationCount = 4

	ReceivedBundle   StatusInformationPos = 0
	ForwardedBundle  StatusInformationPos = 1
	DeliveredBundle  StatusInformationPos = 2
	DeletedBundle    StatusInformationPos = 3
)

var statusInformationPosNames = map[StatusInformationPos]string{
	ReceivedBundle:  "received bundle",
	ForwardedBundle: "forwarded bundle",
	DeliveredBundle: "delivered bundle",
	DeletedBundle:   "deleted bundle",
}

func (sip StatusInformationPos) String() string {
	if name, ok := statusInformationPosNames[sip]; ok {
		return name
	}
	return "unknown"
}

// StatusReport is the RFC 9171 §6.1 bundle status report: which processing
// stages a referenced bundle reached, why, and when.
type StatusReport struct {
	StatusInformation []BundleStatusItem
	ReportReason      StatusReportReason
	RefBundle         BundleID
}

// NewStatusReport builds a status report for bndl, asserting statusItem
// (with a timestamp if bndl requested one) and leaving every other status
// information entry unasserted.
func NewStatusReport(bndl Bundle, statusItem StatusInformationPos, reason StatusReportReason, at DtnTime) *StatusReport {
	report := &StatusReport{
		StatusInformation: make([]BundleStatusItem, statusInformationCount),
		ReportReason:      reason,
		RefBundle:         bndl.ID(),
	}

	wantsTime := bndl.PrimaryBlock.BundleControlFlags.Has(RequestStatusTime)
	for i := 0; i < statusInformationCount; i++ {
		switch {
		case StatusInformationPos(i) == statusItem && wantsTime:
			report.StatusInformation[i] = NewTimeReportingBundleStatusItem(at)
		case StatusInformationPos(i) == statusItem:
			report.StatusInformation[i] = NewBundleStatusItem(true)
		default:
			report.StatusInformation[i] = NewBundleStatusItem(false)
		}
	}
	return report
}

// StatusInformations returns every asserted StatusInformationPos.
func (sr StatusReport) StatusInformations() (sips []StatusInformationPos) {
	for i, si := range sr.StatusInformation {
		if si.Asserted {
			sips = append(sips, StatusInformationPos(i))
		}
	}
	return
}

func (sr *StatusReport) RecordTypeCode() uint64 {
	return AdminRecordTypeStatusReport
}

func (sr *StatusReport) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2+sr.RefBundle.Len(), w); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(sr.StatusInformation)), w); err != nil {
		return err
	}
	for i := range sr.StatusInformation {
		if err := cboring.Marshal(&sr.StatusInformation[i], w); err != nil {
			return fmt.Errorf("status report: marshalling status item: %v", err)
		}
	}

	if err := cboring.WriteUInt(uint64(sr.ReportReason), w); err != nil {
		return err
	}

	if err := cboring.Marshal(&sr.RefBundle, w); err != nil {
		return fmt.Errorf("status report: marshalling referenced bundle id: %v", err)
	}
	return nil
}

func (sr *StatusReport) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	switch n {
	case 4:
		sr.RefBundle.IsFragment = false
	case 6:
		sr.RefBundle.IsFragment = true
	default:
		return fmt.Errorf("status report: expected array of length 4 or 6, got %d", n)
	}

	itemCount, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	sr.StatusInformation = make([]BundleStatusItem, itemCount)
	for i := range sr.StatusInformation {
		if err := cboring.Unmarshal(&sr.StatusInformation[i], r); err != nil {
			return fmt.Errorf("status report: unmarshalling status item: %v", err)
		}
	}

	reason, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	sr.ReportReason = StatusReportReason(reason)

	if err := cboring.Unmarshal(&sr.RefBundle, r); err != nil {
		return fmt.Errorf("status report: unmarshalling referenced bundle id: %v", err)
	}
	return nil
}

func (sr StatusReport) String() string {
	var b strings.Builder
	b.WriteString("StatusReport([")
	for i, si := range sr.StatusInformation {
		if !si.Asserted {
			continue
		}
		sip := StatusInformationPos(i)
		if si.Time == DtnTimeEpoch {
			fmt.Fprintf(&b, "%v,", sip)
		} else {
			fmt.Fprintf(&b, "%v %v,", sip, si.Time)
		}
	}
	fmt.Fprintf(&b, "], %v, %v", sr.ReportReason, sr.RefBundle)
	return b.String()
}

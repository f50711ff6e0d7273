// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dtn7/cboring"
)

// epochOffsetMillis is the number of milliseconds between the Unix epoch
// and the DTN epoch (2000-01-01T00:00:00Z), per RFC 9171 §4.2.6.
const epochOffsetMillis = 946684800000

const (
	millisPerSec  int64 = 1000
	nanosPerMilli int64 = 1000000
)

// DtnTime counts milliseconds since the DTN epoch (2000-01-01T00:00:00Z).
type DtnTime uint64

// DtnTimeEpoch is the zero DtnTime, used by sources with no accurate clock.
const DtnTimeEpoch DtnTime = 0

// DtnTimeFromTime converts a wall-clock time.Time into a DtnTime.
func DtnTimeFromTime(t time.Time) DtnTime {
	return DtnTime((t.UTC().UnixNano() / nanosPerMilli) - epochOffsetMillis)
}

// DtnTimeNow returns the current UTC time as a DtnTime.
func DtnTimeNow() DtnTime {
	return DtnTimeFromTime(time.Now())
}

// sinceUnixEpochMillis converts t to milliseconds since the Unix epoch.
func (t DtnTime) sinceUnixEpochMillis() int64 {
	return int64(t) + epochOffsetMillis
}

// Time converts t back into a UTC wall-clock time.Time.
func (t DtnTime) Time() time.Time {
	unixMillis := t.sinceUnixEpochMillis()
	sec := unixMillis / millisPerSec
	nsec := (unixMillis - sec*millisPerSec) * nanosPerMilli
	return time.Unix(sec, nsec).UTC()
}

func (t DtnTime) String() string {
	return t.Time().Format("2006-01-02 15:04:05.000")
}

// CreationTimestamp pairs a DtnTime with a per-source sequence number, so
// two bundles minted by the same source within the same millisecond (or by
// a source with no clock at all) still carry distinct identity. RFC 9171
// §4.2.7.
type CreationTimestamp [2]uint64

// NewCreationTimestamp builds a CreationTimestamp from a DtnTime and a
// sequence number.
func NewCreationTimestamp(t DtnTime, sequence uint64) CreationTimestamp {
	return CreationTimestamp{uint64(t), sequence}
}

func (ct CreationTimestamp) DtnTime() DtnTime { return DtnTime(ct[0]) }

func (ct CreationTimestamp) SequenceNumber() uint64 { return ct[1] }

// IsZeroTime reports whether ct's time part is the DTN epoch, indicating
// the source lacked an accurate clock when it minted this bundle.
func (ct CreationTimestamp) IsZeroTime() bool {
	return ct.DtnTime() == DtnTimeEpoch
}

func (ct CreationTimestamp) String() string {
	return fmt.Sprintf("(%v, %d)", ct.DtnTime(), ct[1])
}

func (ct CreationTimestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Date string `json:"date"`
		Seq  uint64 `json:"sequenceNo"`
	}{
		Date: ct.DtnTime().String(),
		Seq:  ct.SequenceNumber(),
	})
}

func (ct *CreationTimestamp) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	for _, f := range ct {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}
	return nil
}

func (ct *CreationTimestamp) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("creation timestamp: expected array of length 2, got %d", n)
	}

	for i := 0; i < 2; i++ {
		f, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		ct[i] = f
	}
	return nil
}

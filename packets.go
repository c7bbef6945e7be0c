package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var errUnknownTag = errors.New("unknown packet type tag")

// Wire records carried inside the framing envelope. Every record starts
// with a 3-byte ASCII type tag; all multi-byte fields are little-endian.

const (
	tagRange = "RNG"
	tagImu   = "IMU"
	tagCir   = "CIR"

	numRangeSlots = 8  // per-report range measurements, one per reference anchor
	numCirSamples = 16 // complex samples in a CIR window

	rangeReportLen = 3 + 2 + 8 + 1 + 8 + numRangeSlots*8 // 86
	imuReportLen   = 3 + 2 + 8 + 3*4 + 3*4               // 37
	cirReportLen   = 3 + 2 + 8 + 1 + 4*2 + numCirSamples*6
)

// rangeInvalidThreshold marks a range slot as "no measurement": the firmware
// reports unmeasured slots as non-finite or as huge sentinel distances.
const rangeInvalidThreshold = 1e6

// Packet is the tagged union over the wire record layouts. Adding a packet
// type means adding a record struct, its tag and a case in DecodePacket.
type Packet interface {
	Tag() string
}

// RangeReport carries one ranging round's distances from a single anchor.
// TriggerTxts is the transmit timestamp of the poll that started the round;
// it is the correlation key that joins reports across anchors.
type RangeReport struct {
	TagAddr     uint16                 `json:"tag_addr"`
	SystemTs    uint64                 `json:"system_ts"`
	SeqNum      uint8                  `json:"seq_num"`
	TriggerTxts uint64                 `json:"trigger_txts"`
	Ranges      [numRangeSlots]float64 `json:"ranges"`
}

func (r RangeReport) Tag() string { return tagRange }

// MarshalJSON emits non-finite range slots as null; encoding/json refuses
// IEEE-754 specials and unmeasured slots are reported as -Inf/NaN.
func (r RangeReport) MarshalJSON() ([]byte, error) {
	ranges := make([]interface{}, numRangeSlots)
	for i, v := range r.Ranges {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			ranges[i] = nil
		} else {
			ranges[i] = v
		}
	}
	return json.Marshal(struct {
		TagAddr     uint16        `json:"tag_addr"`
		SystemTs    uint64        `json:"system_ts"`
		SeqNum      uint8         `json:"seq_num"`
		TriggerTxts uint64        `json:"trigger_txts"`
		Ranges      []interface{} `json:"ranges"`
	}{r.TagAddr, r.SystemTs, r.SeqNum, r.TriggerTxts, ranges})
}

// MarshalBinary encodes the report in its wire layout.
func (r *RangeReport) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, rangeReportLen)
	out = append(out, tagRange...)
	out = binary.LittleEndian.AppendUint16(out, r.TagAddr)
	out = binary.LittleEndian.AppendUint64(out, r.SystemTs)
	out = append(out, r.SeqNum)
	out = binary.LittleEndian.AppendUint64(out, r.TriggerTxts)
	for _, v := range r.Ranges {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
	}
	return out, nil
}

// UnmarshalBinary decodes the wire layout, ignoring any trailing pad bytes.
func (r *RangeReport) UnmarshalBinary(data []byte) error {
	if len(data) < rangeReportLen {
		return fmt.Errorf("range report: have %d bytes, need %d", len(data), rangeReportLen)
	}
	if string(data[:3]) != tagRange {
		return fmt.Errorf("range report: bad tag %q", data[:3])
	}
	r.TagAddr = binary.LittleEndian.Uint16(data[3:])
	r.SystemTs = binary.LittleEndian.Uint64(data[5:])
	r.SeqNum = data[13]
	r.TriggerTxts = binary.LittleEndian.Uint64(data[14:])
	for i := 0; i < numRangeSlots; i++ {
		r.Ranges[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[22+8*i:]))
	}
	return nil
}

// ImuReport is a raw inertial sample relayed by a tag. Values are the
// sensor's fixed-point words; the gateway forwards them untouched.
type ImuReport struct {
	TagAddr  uint16    `json:"tag_addr"`
	SystemTs uint64    `json:"system_ts"`
	Accel    [3]uint32 `json:"accel"`
	Gyro     [3]uint32 `json:"gyro"`
}

func (r ImuReport) Tag() string { return tagImu }

func (r *ImuReport) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, imuReportLen)
	out = append(out, tagImu...)
	out = binary.LittleEndian.AppendUint16(out, r.TagAddr)
	out = binary.LittleEndian.AppendUint64(out, r.SystemTs)
	for _, v := range r.Accel {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	for _, v := range r.Gyro {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	return out, nil
}

func (r *ImuReport) UnmarshalBinary(data []byte) error {
	if len(data) < imuReportLen {
		return fmt.Errorf("imu report: have %d bytes, need %d", len(data), imuReportLen)
	}
	if string(data[:3]) != tagImu {
		return fmt.Errorf("imu report: bad tag %q", data[:3])
	}
	r.TagAddr = binary.LittleEndian.Uint16(data[3:])
	r.SystemTs = binary.LittleEndian.Uint64(data[5:])
	for i := 0; i < 3; i++ {
		r.Accel[i] = binary.LittleEndian.Uint32(data[13+4*i:])
		r.Gyro[i] = binary.LittleEndian.Uint32(data[25+4*i:])
	}
	return nil
}

// CirSample is one raw channel-impulse-response sample: 24-bit
// two's-complement in-phase and quadrature words.
type CirSample struct {
	Real [3]byte
	Imag [3]byte
}

// CirReport is a raw accumulator window around the first detected path.
type CirReport struct {
	SrcAddr    uint16
	SystemTs   uint64
	SeqNum     uint8
	IpPoa      uint16 // phase of arrival
	FpIndex    uint16 // first path index
	StartIndex uint16 // accumulator index of the first sample
	CirSize    uint16
	Cir        [numCirSamples]CirSample
}

func (r CirReport) Tag() string { return tagCir }

func (r *CirReport) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, cirReportLen)
	out = append(out, tagCir...)
	out = binary.LittleEndian.AppendUint16(out, r.SrcAddr)
	out = binary.LittleEndian.AppendUint64(out, r.SystemTs)
	out = append(out, r.SeqNum)
	out = binary.LittleEndian.AppendUint16(out, r.IpPoa)
	out = binary.LittleEndian.AppendUint16(out, r.FpIndex)
	out = binary.LittleEndian.AppendUint16(out, r.StartIndex)
	out = binary.LittleEndian.AppendUint16(out, r.CirSize)
	for _, s := range r.Cir {
		out = append(out, s.Real[:]...)
		out = append(out, s.Imag[:]...)
	}
	return out, nil
}

func (r *CirReport) UnmarshalBinary(data []byte) error {
	if len(data) < cirReportLen {
		return fmt.Errorf("cir report: have %d bytes, need %d", len(data), cirReportLen)
	}
	if string(data[:3]) != tagCir {
		return fmt.Errorf("cir report: bad tag %q", data[:3])
	}
	r.SrcAddr = binary.LittleEndian.Uint16(data[3:])
	r.SystemTs = binary.LittleEndian.Uint64(data[5:])
	r.SeqNum = data[13]
	r.IpPoa = binary.LittleEndian.Uint16(data[14:])
	r.FpIndex = binary.LittleEndian.Uint16(data[16:])
	r.StartIndex = binary.LittleEndian.Uint16(data[18:])
	r.CirSize = binary.LittleEndian.Uint16(data[20:])
	for i := 0; i < numCirSamples; i++ {
		off := 22 + 6*i
		copy(r.Cir[i].Real[:], data[off:off+3])
		copy(r.Cir[i].Imag[:], data[off+3:off+6])
	}
	return nil
}

// IQ is one sign-extended, float-normalized CIR sample.
type IQ struct {
	Re float64 `json:"re"`
	Im float64 `json:"im"`
}

// ConvertedCirReport is the floating-point form of a CirReport used for
// output. The 24-bit source width makes the conversion lossless.
type ConvertedCirReport struct {
	SrcAddr    uint16            `json:"src_addr"`
	SystemTs   uint64            `json:"system_ts"`
	SeqNum     uint8             `json:"seq_num"`
	IpPoa      uint16            `json:"ip_poa"`
	FpIndex    uint16            `json:"fp_index"`
	StartIndex uint16            `json:"start_index"`
	CirSize    uint16            `json:"cir_size"`
	Cir        [numCirSamples]IQ `json:"cir"`
}

func (r ConvertedCirReport) Tag() string { return tagCir }

// sign24 sign-extends a little-endian 24-bit two's-complement word.
func sign24(b [3]byte) int32 {
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	if b[2]&0x80 != 0 {
		v |= 0xFF << 24
	}
	return int32(v)
}

// Convert sign-extends every sample into the output form.
func (r *CirReport) Convert() ConvertedCirReport {
	out := ConvertedCirReport{
		SrcAddr:    r.SrcAddr,
		SystemTs:   r.SystemTs,
		SeqNum:     r.SeqNum,
		IpPoa:      r.IpPoa,
		FpIndex:    r.FpIndex,
		StartIndex: r.StartIndex,
		CirSize:    r.CirSize,
	}
	for i, s := range r.Cir {
		out.Cir[i] = IQ{Re: float64(sign24(s.Real)), Im: float64(sign24(s.Imag))}
	}
	return out
}

// DecodePacket dispatches an unstuffed payload by its type tag.
func DecodePacket(msg []byte) (Packet, error) {
	if len(msg) < 3 {
		return nil, fmt.Errorf("packet: %d bytes is too short for a type tag", len(msg))
	}
	switch string(msg[:3]) {
	case tagRange:
		var r RangeReport
		if err := r.UnmarshalBinary(msg); err != nil {
			return nil, err
		}
		return r, nil
	case tagImu:
		var r ImuReport
		if err := r.UnmarshalBinary(msg); err != nil {
			return nil, err
		}
		return r, nil
	case tagCir:
		var r CirReport
		if err := r.UnmarshalBinary(msg); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownTag, msg[:3])
	}
}

// validRange reports whether a range slot holds a usable measurement.
func validRange(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v <= rangeInvalidThreshold
}

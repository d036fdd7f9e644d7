// Package telemetry implements the fixed-width binary telemetry frame codec,
// the per-packet flight-phase classifier, and the flight-segmentation state
// machine that partitions a packet stream into discrete flights.
package telemetry

import (
	"encoding/binary"
	"fmt"
	"math"
)

// WireSize is the exact on-wire size of a packet: version 1 is fixed-width,
// little-endian, with no framing header.
const WireSize = 113

// ErrInsufficientBytes is returned by Decode when the input is shorter than
// WireSize.
var ErrInsufficientBytes = fmt.Errorf("telemetry: insufficient bytes (need %d)", WireSize)

// Packet is the fixed-layout telemetry frame. Field order matches the wire
// layout exactly and is also the order used for its JSON encoding.
type Packet struct {
	// GPS
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	AltitudeGPS  float32 `json:"altitude_gps"`
	GroundSpeed  float32 `json:"ground_speed"`
	Heading      float32 `json:"heading"`
	NumSatellites uint8  `json:"num_satellites"`
	GPSFixType   uint8   `json:"gps_fix_type"`

	// Barometric
	AltitudeBaro  float32 `json:"altitude_baro"`
	VerticalSpeed float32 `json:"vertical_speed"`
	Temperature   float32 `json:"temperature"`

	// IMU
	Roll   float32 `json:"roll"`
	Pitch  float32 `json:"pitch"`
	Yaw    float32 `json:"yaw"`
	GyroX  float32 `json:"gyro_x"`
	GyroY  float32 `json:"gyro_y"`
	GyroZ  float32 `json:"gyro_z"`
	AccelX float32 `json:"accel_x"`
	AccelY float32 `json:"accel_y"`
	AccelZ float32 `json:"accel_z"`

	// Power
	BatteryVoltage float32 `json:"battery_voltage"`
	BatteryCurrent float32 `json:"battery_current"`
	BatteryPower   float32 `json:"battery_power"`
	BatteryMAhUsed float32 `json:"battery_mah_used"`

	// Link
	RSSI int16   `json:"rssi"`
	SNR  float32 `json:"snr"`

	// System
	Timestamp      uint64 `json:"timestamp"`
	PacketSequence uint32 `json:"packet_sequence"`
	SystemStatus   uint8  `json:"system_status"`
}

// WithPhase is the subscriber-facing shape: a Packet with the classified
// flight phase embedded as a top-level field, computed at serve time and
// never stored.
type WithPhase struct {
	Packet
	FlightPhase string `json:"flight_phase"`
}

// Decode reads a Packet from buf using little-endian primitives in the
// exact field order of the wire layout. Trailing bytes beyond WireSize are
// ignored; framing is the transport's job.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < WireSize {
		return Packet{}, ErrInsufficientBytes
	}
	var p Packet
	r := &reader{buf: buf}

	p.Latitude = r.float64()
	p.Longitude = r.float64()
	p.AltitudeGPS = r.float32()
	p.GroundSpeed = r.float32()
	p.Heading = r.float32()
	p.NumSatellites = r.uint8()
	p.GPSFixType = r.uint8()

	p.AltitudeBaro = r.float32()
	p.VerticalSpeed = r.float32()
	p.Temperature = r.float32()

	p.Roll = r.float32()
	p.Pitch = r.float32()
	p.Yaw = r.float32()
	p.GyroX = r.float32()
	p.GyroY = r.float32()
	p.GyroZ = r.float32()
	p.AccelX = r.float32()
	p.AccelY = r.float32()
	p.AccelZ = r.float32()

	p.BatteryVoltage = r.float32()
	p.BatteryCurrent = r.float32()
	p.BatteryPower = r.float32()
	p.BatteryMAhUsed = r.float32()

	p.RSSI = r.int16()
	p.SNR = r.float32()

	p.Timestamp = r.uint64()
	p.PacketSequence = r.uint32()
	p.SystemStatus = r.uint8()

	return p, r.err
}

// Encode is the inverse of Decode; it always produces exactly WireSize
// bytes.
func Encode(p Packet) []byte {
	buf := make([]byte, WireSize)
	w := &writer{buf: buf}

	w.float64(p.Latitude)
	w.float64(p.Longitude)
	w.float32(p.AltitudeGPS)
	w.float32(p.GroundSpeed)
	w.float32(p.Heading)
	w.uint8(p.NumSatellites)
	w.uint8(p.GPSFixType)

	w.float32(p.AltitudeBaro)
	w.float32(p.VerticalSpeed)
	w.float32(p.Temperature)

	w.float32(p.Roll)
	w.float32(p.Pitch)
	w.float32(p.Yaw)
	w.float32(p.GyroX)
	w.float32(p.GyroY)
	w.float32(p.GyroZ)
	w.float32(p.AccelX)
	w.float32(p.AccelY)
	w.float32(p.AccelZ)

	w.float32(p.BatteryVoltage)
	w.float32(p.BatteryCurrent)
	w.float32(p.BatteryPower)
	w.float32(p.BatteryMAhUsed)

	w.int16(p.RSSI)
	w.float32(p.SNR)

	w.uint64(p.Timestamp)
	w.uint32(p.PacketSequence)
	w.uint8(p.SystemStatus)

	return buf
}

// reader decodes little-endian primitives field-by-field, advancing an
// internal cursor. Field-by-field decoding avoids any reliance on struct
// layout or alignment, since the wire contract is purely byte-level.
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) take(n int) []byte {
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) uint8() uint8   { return r.take(1)[0] }
func (r *reader) uint32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }
func (r *reader) uint64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }
func (r *reader) int16() int16   { return int16(binary.LittleEndian.Uint16(r.take(2))) }
func (r *reader) float32() float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(r.take(4)))
}
func (r *reader) float64() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(r.take(8)))
}

type writer struct {
	buf []byte
	pos int
}

func (w *writer) put(b []byte) {
	copy(w.buf[w.pos:], b)
	w.pos += len(b)
}

func (w *writer) uint8(v uint8) { w.put([]byte{v}) }
func (w *writer) uint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.put(b[:])
}
func (w *writer) uint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.put(b[:])
}
func (w *writer) int16(v int16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(v))
	w.put(b[:])
}
func (w *writer) float32(v float32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
	w.put(b[:])
}
func (w *writer) float64(v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	w.put(b[:])
}

// Phase name constants, returned by ClassifyPhase.
const (
	PhaseOnGround  = "On Ground"
	PhaseTakingOff = "Taking Off"
	PhaseAscent    = "Ascent"
	PhaseCruise    = "Cruise"
	PhaseDescent   = "Descent"
	PhaseLanding   = "Landing"
)

// ClassifyPhase returns a human-readable phase label for a single packet,
// independent of any segmenter state. Thresholds and decision order are
// normative: the first matching rule wins.
func ClassifyPhase(p Packet) string {
	onGround := p.AltitudeBaro < 2.0
	moving := p.GroundSpeed >= 3.0
	climbing := p.VerticalSpeed > 0.8
	descending := p.VerticalSpeed < -0.8

	switch {
	case onGround && !moving:
		return PhaseOnGround
	case onGround && moving:
		return PhaseTakingOff
	case p.AltitudeBaro < 20.0 && descending:
		return PhaseLanding
	case !onGround && climbing && p.AltitudeBaro < 140.0:
		return PhaseAscent
	case p.AltitudeBaro >= 140.0 && !climbing && !descending:
		return PhaseCruise
	case descending && p.AltitudeBaro > 20.0:
		return PhaseDescent
	case climbing:
		return PhaseAscent
	case !onGround:
		return PhaseCruise
	default:
		return PhaseOnGround
	}
}

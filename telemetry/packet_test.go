package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePacket() Packet {
	return Packet{
		Latitude:       49.8728,
		Longitude:      8.6512,
		AltitudeGPS:    120.5,
		GroundSpeed:    42.1,
		Heading:        270.0,
		NumSatellites:  11,
		GPSFixType:     3,
		AltitudeBaro:   118.2,
		VerticalSpeed:  1.5,
		Temperature:    21.3,
		Roll:           0.1,
		Pitch:          -0.2,
		Yaw:            45.0,
		GyroX:          0.01,
		GyroY:          -0.02,
		GyroZ:          0.03,
		AccelX:         0.1,
		AccelY:         0.2,
		AccelZ:         9.81,
		BatteryVoltage: 22.1,
		BatteryCurrent: 5.5,
		BatteryPower:   121.5,
		BatteryMAhUsed: 430.0,
		RSSI:           -67,
		SNR:            12.5,
		Timestamp:      1700000000000,
		PacketSequence: 42,
		SystemStatus:   1,
	}
}

func TestCodecRoundTrip(t *testing.T) {
	p := samplePacket()
	buf := Encode(p)
	assert.Len(t, buf, WireSize)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodeInsufficientBytes(t *testing.T) {
	_, err := Decode(make([]byte, WireSize-1))
	require.ErrorIs(t, err, ErrInsufficientBytes)
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	p := samplePacket()
	buf := append(Encode(p), 0xDE, 0xAD, 0xBE, 0xEF)
	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestClassifyPhaseOnGround(t *testing.T) {
	p := samplePacket()
	p.AltitudeBaro = 1.0
	p.GroundSpeed = 0
	p.VerticalSpeed = 0
	assert.Equal(t, PhaseOnGround, ClassifyPhase(p))
}

func TestClassifyPhaseTakingOff(t *testing.T) {
	p := samplePacket()
	p.AltitudeBaro = 1.0
	p.GroundSpeed = 25
	assert.Equal(t, PhaseTakingOff, ClassifyPhase(p))
}

func TestClassifyPhaseLanding(t *testing.T) {
	p := samplePacket()
	p.AltitudeBaro = 15
	p.VerticalSpeed = -1.0
	assert.Equal(t, PhaseLanding, ClassifyPhase(p))
}

func TestClassifyPhaseAscent(t *testing.T) {
	p := samplePacket()
	p.AltitudeBaro = 100
	p.VerticalSpeed = 2.0
	assert.Equal(t, PhaseAscent, ClassifyPhase(p))
}

func TestClassifyPhaseCruise(t *testing.T) {
	p := samplePacket()
	p.AltitudeBaro = 200
	p.VerticalSpeed = 0
	assert.Equal(t, PhaseCruise, ClassifyPhase(p))
}

func TestClassifyPhaseDescent(t *testing.T) {
	p := samplePacket()
	p.AltitudeBaro = 100
	p.VerticalSpeed = -2.0
	assert.Equal(t, PhaseDescent, ClassifyPhase(p))
}

func TestClassifyPhaseTotality(t *testing.T) {
	valid := map[string]bool{
		PhaseOnGround: true, PhaseTakingOff: true, PhaseAscent: true,
		PhaseCruise: true, PhaseDescent: true, PhaseLanding: true,
	}
	altitudes := []float32{-1, 0, 1.9, 2, 19, 20, 20.1, 139, 140, 500}
	speeds := []float32{0, 2.9, 3, 50}
	vspeeds := []float32{-5, -0.8, 0, 0.8, 5}
	for _, a := range altitudes {
		for _, g := range speeds {
			for _, v := range vspeeds {
				p := samplePacket()
				p.AltitudeBaro = a
				p.GroundSpeed = g
				p.VerticalSpeed = v
				assert.True(t, valid[ClassifyPhase(p)], "unexpected phase for alt=%v speed=%v vspeed=%v", a, g, v)
			}
		}
	}
}

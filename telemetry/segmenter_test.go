package telemetry

import (
	"testing"

	"github.com/aerobyte/telemkv/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groundedPacket(ts uint64) Packet {
	return Packet{
		Latitude: 49.8728, Longitude: 8.6512,
		AltitudeGPS: 0, GroundSpeed: 0,
		AltitudeBaro: 1.0, BatteryVoltage: 22.0,
		Timestamp: ts,
	}
}

func airbornePacket(ts uint64, altitudeGPS, groundSpeed float32) Packet {
	p := groundedPacket(ts)
	p.AltitudeGPS = altitudeGPS
	p.GroundSpeed = groundSpeed
	p.AltitudeBaro = altitudeGPS
	return p
}

func TestScenarioTakeoff(t *testing.T) {
	seg := NewSegmenter(kv.New())

	require.NoError(t, seg.SavePacket(airbornePacket(0, 0, 0)))
	assert.Empty(t, seg.ListFlights())

	require.NoError(t, seg.SavePacket(airbornePacket(500, 0, 0)))
	assert.Empty(t, seg.ListFlights())

	require.NoError(t, seg.SavePacket(airbornePacket(1000, 20, 25)))
	flights := seg.ListFlights()
	require.Len(t, flights, 1)
	assert.Equal(t, "flight_001", flights[0].FlightID)
	assert.Equal(t, uint64(1000), flights[0].StartTime)
	assert.Equal(t, uint64(1), flights[0].PacketCount)
}

func TestScenarioLandingConfirmation(t *testing.T) {
	seg := NewSegmenter(kv.New())
	for _, ts := range []uint64{0, 500} {
		require.NoError(t, seg.SavePacket(airbornePacket(ts, 0, 0)))
	}
	require.NoError(t, seg.SavePacket(airbornePacket(1000, 20, 25)))

	// D..H: altitude 15,0,0,0,0  speed 5,0,0,0,0  ts 1500,2000,4000,6000,7500
	alts := []float32{15, 0, 0, 0, 0}
	speeds := []float32{5, 0, 0, 0, 0}
	tss := []uint64{1500, 2000, 4000, 6000, 7500}
	for i := range alts {
		require.NoError(t, seg.SavePacket(airbornePacket(tss[i], alts[i], speeds[i])))
	}

	flights := seg.ListFlights()
	require.Len(t, flights, 1)
	assert.Equal(t, "Landed", flights[0].CurrentStatus)
	assert.True(t, flights[0].EndedNormally)
}

func TestScenarioCatastrophicTimeout(t *testing.T) {
	seg := NewSegmenter(kv.New())
	require.NoError(t, seg.SavePacket(airbornePacket(0, 0, 0)))
	require.NoError(t, seg.SavePacket(airbornePacket(500, 20, 25)))

	flights := seg.ListFlights()
	require.Len(t, flights, 1)
	firstID := flights[0].FlightID

	// 61000ms gap with a grounded packet: doesn't itself satisfy InFlight criteria.
	require.NoError(t, seg.SavePacket(groundedPacket(500+61000)))

	flights = seg.ListFlights()
	require.Len(t, flights, 1)
	assert.Equal(t, firstID, flights[0].FlightID)
	assert.False(t, flights[0].EndedNormally)

	_, hasOpen := seg.GetCurrentFlightID()
	assert.False(t, hasOpen)
}

func TestFlightCountInvariant(t *testing.T) {
	seg := NewSegmenter(kv.New())
	transitions := 0

	pkts := []Packet{
		airbornePacket(0, 0, 0),
		airbornePacket(1000, 20, 25), // OnGround->InFlight #1
		airbornePacket(1500, 0, 0),   // ->Landing
		airbornePacket(8000, 0, 0),   // ->OnGround (closed)
		airbornePacket(9000, 20, 25), // OnGround->InFlight #2
	}
	for _, p := range pkts {
		require.NoError(t, seg.SavePacket(p))
	}
	transitions = 2
	assert.Len(t, seg.ListFlights(), transitions)
}

func TestPacketCountMatchesStoredRecords(t *testing.T) {
	store := kv.New()
	seg := NewSegmenter(store)
	require.NoError(t, seg.SavePacket(airbornePacket(0, 20, 25)))
	require.NoError(t, seg.SavePacket(airbornePacket(1000, 25, 25)))
	require.NoError(t, seg.SavePacket(airbornePacket(2000, 30, 25)))

	flights := seg.ListFlights()
	require.Len(t, flights, 1)

	data := seg.GetFlightData(flights[0].FlightID)
	assert.Equal(t, flights[0].PacketCount, uint64(len(data)))
}

func TestDistanceMonotonicity(t *testing.T) {
	seg := NewSegmenter(kv.New())
	require.NoError(t, seg.SavePacket(airbornePacket(0, 20, 25)))
	flights := seg.ListFlights()
	last := flights[0].DistanceKm

	lat := 49.8728
	for i := 1; i <= 5; i++ {
		lat += 0.01
		p := airbornePacket(uint64(i*1000), 20, 25)
		p.Latitude = lat
		require.NoError(t, seg.SavePacket(p))
		flights = seg.ListFlights()
		assert.GreaterOrEqual(t, flights[0].DistanceKm, last)
		last = flights[0].DistanceKm
	}
}

func TestDeleteFlightRemovesAllRecords(t *testing.T) {
	seg := NewSegmenter(kv.New())
	require.NoError(t, seg.SavePacket(airbornePacket(0, 20, 25)))
	require.NoError(t, seg.SavePacket(airbornePacket(1000, 25, 25)))

	flights := seg.ListFlights()
	require.Len(t, flights, 1)
	id := flights[0].FlightID

	require.NoError(t, seg.DeleteFlight(id))
	assert.Empty(t, seg.ListFlights())
	assert.Empty(t, seg.GetFlightData(id))
}

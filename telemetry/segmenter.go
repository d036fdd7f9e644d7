package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/aerobyte/telemkv/kv"
)

// Flight segmentation thresholds. Normative; do not tune without a
// requirements decision.
const (
	altitudeThreshold   = 5.0   // meters, altitude_gps
	speedThreshold      = 2.0   // m/s, ground_speed
	gpsStableThreshold  = 1e-4  // degrees, absolute lat/lon delta
	landingConfirmMs    = 5000
	timeoutMs           = 60000
)

type flightState int

const (
	stateOnGround flightState = iota
	stateInFlight
	stateLanding
)

// Segmenter consumes an unbounded packet stream and partitions it into
// discrete flights, persisting packets and flight metadata into the
// underlying store as it goes. It is not internally synchronized; callers
// must serialize access the same way they serialize access to the store.
type Segmenter struct {
	store *kv.Store

	currentFlightID   string
	hasCurrentFlight  bool
	state             flightState
	landingCheckStart uint64
	hasLandingCheck   bool
	lastLat, lastLon  float64
	hasLastPosition   bool
	lastPacketTime    uint64
	hasLastPacketTime bool
	totalDistanceKm   float64
	lastPhase         string
	hasLastPhase      bool
}

// NewSegmenter wraps store with a flight segmenter in the initial OnGround
// state.
func NewSegmenter(store *kv.Store) *Segmenter {
	return &Segmenter{store: store, state: stateOnGround}
}

// SavePacket runs the per-packet segmentation algorithm: catastrophic
// timeout check, state transition, distance accumulation, edge-transition
// handling, then (if a flight is open) packet persistence and metadata
// update.
func (s *Segmenter) SavePacket(p Packet) error {
	if s.hasLastPacketTime {
		gap := saturatingSub(p.Timestamp, s.lastPacketTime)
		if gap > timeoutMs && s.hasCurrentFlight {
			log.Printf("flight_timeout id=%s gap_ms=%d", s.currentFlightID, gap)
			if err := s.endCurrentFlightCatastrophic(); err != nil {
				return err
			}
		}
	}

	newState := s.detectFlightState(p)

	if s.hasCurrentFlight && s.hasLastPosition {
		s.totalDistanceKm += haversineDistanceKm(s.lastLat, s.lastLon, p.Latitude, p.Longitude)
	}

	switch {
	case s.state == stateOnGround && newState == stateInFlight:
		if err := s.startNewFlight(p); err != nil {
			return err
		}
	case s.state == stateLanding && newState == stateOnGround:
		if err := s.endCurrentFlightNormally(); err != nil {
			return err
		}
	}

	s.state = newState

	if s.hasCurrentFlight {
		key := kv.TextKey(fmt.Sprintf("telem:%s:%d", s.currentFlightID, p.Timestamp))
		payload, err := json.Marshal(p)
		if err != nil {
			return err
		}
		s.store.Put(key, kv.TextValue(string(payload)))
		if err := s.updateFlightMetadata(p); err != nil {
			return err
		}
	}

	s.lastLat, s.lastLon = p.Latitude, p.Longitude
	s.hasLastPosition = true
	s.lastPacketTime = p.Timestamp
	s.hasLastPacketTime = true
	return nil
}

func (s *Segmenter) detectFlightState(p Packet) flightState {
	isOnGround := float64(p.AltitudeGPS) <= altitudeThreshold &&
		float64(p.GroundSpeed) <= speedThreshold &&
		s.isGPSStable(p)

	switch s.state {
	case stateOnGround:
		if !isOnGround {
			return stateInFlight
		}
		return stateOnGround

	case stateInFlight:
		if isOnGround {
			s.landingCheckStart = p.Timestamp
			s.hasLandingCheck = true
			return stateLanding
		}
		return stateInFlight

	case stateLanding:
		if !isOnGround {
			s.hasLandingCheck = false
			return stateInFlight
		}
		start := p.Timestamp
		if s.hasLandingCheck {
			start = s.landingCheckStart
		}
		if saturatingSub(p.Timestamp, start) >= landingConfirmMs {
			return stateOnGround
		}
		return stateLanding

	default:
		return stateOnGround
	}
}

func (s *Segmenter) isGPSStable(p Packet) bool {
	if !s.hasLastPosition {
		return true
	}
	latDiff := math.Abs(p.Latitude - s.lastLat)
	lonDiff := math.Abs(p.Longitude - s.lastLon)
	return latDiff < gpsStableThreshold && lonDiff < gpsStableThreshold
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func haversineDistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Pow(math.Sin(deltaLat/2), 2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Pow(math.Sin(deltaLon/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func (s *Segmenter) startNewFlight(p Packet) error {
	flightID := fmt.Sprintf("flight_%03d", s.nextFlightNumber())
	log.Printf("flight_started id=%s altitude=%.1f", flightID, p.AltitudeGPS)

	meta := FlightMetadata{
		FlightID:      flightID,
		StartTime:     p.Timestamp,
		EndTime:       p.Timestamp,
		DurationSecs:  0,
		PacketCount:   0,
		DistanceKm:    0,
		FirstLat:      p.Latitude,
		FirstLon:      p.Longitude,
		LastLat:       p.Latitude,
		LastLon:       p.Longitude,
		MaxAltitude:   p.AltitudeGPS,
		MinBattery:    p.BatteryVoltage,
		EndedNormally: true,
		CurrentStatus: ClassifyPhase(p),
	}
	if err := s.putFlight(flightID, meta); err != nil {
		return err
	}

	s.currentFlightID = flightID
	s.hasCurrentFlight = true
	s.totalDistanceKm = 0
	return nil
}

func (s *Segmenter) updateFlightMetadata(p Packet) error {
	meta, ok := s.getFlightMeta(s.currentFlightID)
	if !ok {
		return nil
	}
	meta.EndTime = p.Timestamp
	meta.DurationSecs = (meta.EndTime - meta.StartTime) / 1000
	meta.PacketCount++
	meta.DistanceKm = s.totalDistanceKm
	meta.LastLat = p.Latitude
	meta.LastLon = p.Longitude
	if p.AltitudeGPS > meta.MaxAltitude {
		meta.MaxAltitude = p.AltitudeGPS
	}
	if p.BatteryVoltage < meta.MinBattery {
		meta.MinBattery = p.BatteryVoltage
	}

	phase := ClassifyPhase(p)
	meta.CurrentStatus = phase
	if !s.hasLastPhase || s.lastPhase != phase {
		log.Printf("flight_phase_transition id=%s phase=%s", s.currentFlightID, phase)
		s.lastPhase = phase
		s.hasLastPhase = true
	}

	return s.putFlight(s.currentFlightID, meta)
}

func (s *Segmenter) endCurrentFlightNormally() error {
	if !s.hasCurrentFlight {
		return nil
	}
	log.Printf("flight_ended id=%s normally=true", s.currentFlightID)

	meta, ok := s.getFlightMeta(s.currentFlightID)
	if ok {
		meta.CurrentStatus = "Landed"
		if err := s.putFlight(s.currentFlightID, meta); err != nil {
			return err
		}
	}

	s.hasCurrentFlight = false
	s.currentFlightID = ""
	s.hasLandingCheck = false
	s.totalDistanceKm = 0
	s.hasLastPhase = false
	return nil
}

func (s *Segmenter) endCurrentFlightCatastrophic() error {
	if !s.hasCurrentFlight {
		return nil
	}
	log.Printf("flight_ended id=%s normally=false", s.currentFlightID)

	meta, ok := s.getFlightMeta(s.currentFlightID)
	if ok {
		meta.EndedNormally = false
		meta.DistanceKm = s.totalDistanceKm
		if err := s.putFlight(s.currentFlightID, meta); err != nil {
			return err
		}
	}

	s.hasCurrentFlight = false
	s.currentFlightID = ""
	s.hasLandingCheck = false
	s.totalDistanceKm = 0
	s.state = stateOnGround
	s.hasLastPhase = false
	return nil
}

func (s *Segmenter) nextFlightNumber() int {
	maxNum := 0
	const prefix = "flight:flight_"
	for _, k := range s.store.Keys() {
		if !k.IsText() {
			continue
		}
		text := k.Text()
		if !strings.HasPrefix(text, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(text, prefix)); err == nil && n > maxNum {
			maxNum = n
		}
	}
	return maxNum + 1
}

func (s *Segmenter) putFlight(flightID string, meta FlightMetadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	s.store.Put(kv.TextKey("flight:"+flightID), kv.TextValue(string(payload)))
	return nil
}

func (s *Segmenter) getFlightMeta(flightID string) (FlightMetadata, bool) {
	entry, err := s.store.Get(kv.TextKey("flight:" + flightID))
	if err != nil {
		return FlightMetadata{}, false
	}
	var meta FlightMetadata
	if err := json.Unmarshal([]byte(entry.Value.Text()), &meta); err != nil {
		return FlightMetadata{}, false
	}
	return meta, true
}

// ListFlights scans flight: metadata keys and returns them sorted by
// start_time ascending.
func (s *Segmenter) ListFlights() []FlightMetadata {
	var flights []FlightMetadata
	for _, k := range s.store.Keys() {
		if !k.IsText() || !strings.HasPrefix(k.Text(), "flight:") {
			continue
		}
		entry, err := s.store.Get(k)
		if err != nil {
			continue
		}
		var meta FlightMetadata
		if err := json.Unmarshal([]byte(entry.Value.Text()), &meta); err != nil {
			continue
		}
		flights = append(flights, meta)
	}
	sort.Slice(flights, func(i, j int) bool { return flights[i].StartTime < flights[j].StartTime })
	return flights
}

// GetFlight reads flight:<id>, returning ok=false if absent or undecodable.
func (s *Segmenter) GetFlight(flightID string) (FlightMetadata, bool) {
	return s.getFlightMeta(flightID)
}

// GetFlightData scans telem:<id>:* keys and returns the packets sorted by
// timestamp ascending.
func (s *Segmenter) GetFlightData(flightID string) []Packet {
	prefix := fmt.Sprintf("telem:%s:", flightID)
	var packets []Packet
	for _, k := range s.store.Keys() {
		if !k.IsText() || !strings.HasPrefix(k.Text(), prefix) {
			continue
		}
		entry, err := s.store.Get(k)
		if err != nil {
			continue
		}
		var p Packet
		if err := json.Unmarshal([]byte(entry.Value.Text()), &p); err != nil {
			continue
		}
		packets = append(packets, p)
	}
	sort.Slice(packets, func(i, j int) bool { return packets[i].Timestamp < packets[j].Timestamp })
	return packets
}

// DeleteFlight deletes the metadata key and all telem:<id>:* keys, then
// compacts the store.
func (s *Segmenter) DeleteFlight(flightID string) error {
	if err := s.store.Delete(kv.TextKey("flight:" + flightID)); err != nil {
		return err
	}
	prefix := fmt.Sprintf("telem:%s:", flightID)
	var toDelete []kv.Key
	for _, k := range s.store.Keys() {
		if k.IsText() && strings.HasPrefix(k.Text(), prefix) {
			toDelete = append(toDelete, k)
		}
	}
	for _, k := range toDelete {
		if err := s.store.Delete(k); err != nil {
			return err
		}
	}
	_, err := s.store.Compact()
	return err
}

// GetCurrentFlightID returns the id of the currently-open flight, if any.
func (s *Segmenter) GetCurrentFlightID() (string, bool) {
	return s.currentFlightID, s.hasCurrentFlight
}

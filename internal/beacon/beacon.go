package beacon

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// EventType classifies a beacon transition observed by the presence tracker,
// and doubles as the trigger selector on layout rules.
type EventType int

const (
	EventNone      EventType = 0
	EventEnter     EventType = 1
	EventExit      EventType = 2
	EventEnterExit EventType = 3
)

func (e EventType) String() string {
	switch e {
	case EventEnter:
		return "enter"
	case EventExit:
		return "exit"
	case EventEnterExit:
		return "enterExit"
	default:
		return "none"
	}
}

// DefaultPathLossExponent is the environmental factor N in the log-distance
// path loss model. 2.0 corresponds to free space.
const DefaultPathLossExponent = 2.0

// Beacon is one observed BLE beacon identity plus its latest signal data.
// Identity is the (ID1, ID2, ID3) triple; everything else varies per sighting.
type Beacon struct {
	ID1           string // 32 lowercase hex chars, no dashes
	ID2           uint16
	ID3           uint16
	RSSI          int
	MeasuredPower int
	SeenAt        time.Time
}

// New validates and normalizes the identity fields into a Beacon.
// id1 accepts UUID-style dashes and mixed case.
func New(id1 string, id2, id3 uint16) (Beacon, error) {
	normalized, err := NormalizeID1(id1)
	if err != nil {
		return Beacon{}, err
	}
	return Beacon{ID1: normalized, ID2: id2, ID3: id3}, nil
}

// NormalizeID1 strips dashes, lowercases, and validates that the result is
// exactly 32 hex characters.
func NormalizeID1(id1 string) (string, error) {
	s := strings.ToLower(strings.ReplaceAll(id1, "-", ""))
	if len(s) != 32 {
		return "", fmt.Errorf("id1 must be 32 hex chars, got %d", len(s))
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("id1 contains non-hex character %q", c)
		}
	}
	return s, nil
}

// PID returns the canonical proximity identifier: the normalized ID1 followed
// by ID2 and ID3, each zero-padded to five digits. It is a pure function of
// the identity triple, so recomputation after any field change is automatic.
func (b Beacon) PID() string {
	return fmt.Sprintf("%s%05d%05d", b.ID1, b.ID2, b.ID3)
}

// Matches reports whether two beacons share the same identity triple.
func (b Beacon) Matches(other Beacon) bool {
	return b.ID1 == other.ID1 && b.ID2 == other.ID2 && b.ID3 == other.ID3
}

// Distance estimates the distance in meters from the beacon using the
// log-distance path loss model: 10^((measuredPower - rssi) / (10*n)).
func (b Beacon) Distance(pathLossExponent float64) float64 {
	if pathLossExponent <= 0 {
		pathLossExponent = DefaultPathLossExponent
	}
	return math.Pow(10, float64(b.MeasuredPower-b.RSSI)/(10*pathLossExponent))
}

// UUIDString renders ID1 in the familiar 8-4-4-4-12 grouping.
func (b Beacon) UUIDString() string {
	s := b.ID1
	if len(s) != 32 {
		return s
	}
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
}

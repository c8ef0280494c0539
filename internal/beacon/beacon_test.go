package beacon

import (
	"math"
	"testing"
)

func TestNormalizeID1(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "plain lowercase hex",
			input: "7367672374000000ffff0000ffff0003",
			want:  "7367672374000000ffff0000ffff0003",
		},
		{
			name:  "uuid with dashes",
			input: "73676723-7400-0000-ffff-0000ffff0003",
			want:  "7367672374000000ffff0000ffff0003",
		},
		{
			name:  "mixed case",
			input: "73676723-7400-0000-FFFF-0000FFFF0003",
			want:  "7367672374000000ffff0000ffff0003",
		},
		{
			name:    "too short",
			input:   "7367672374",
			wantErr: true,
		},
		{
			name:    "non-hex character",
			input:   "7367672374000000ffff0000ffff000g",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeID1(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeID1(%q) expected error, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeID1(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeID1(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestBeacon_PID(t *testing.T) {
	tests := []struct {
		name     string
		id1      string
		id2, id3 uint16
		want     string
	}{
		{
			name: "large values",
			id1:  "7367672374000000ffff0000ffff0003",
			id2:  48869,
			id3:  21321,
			want: "7367672374000000ffff0000ffff00034886921321",
		},
		{
			name: "small values are zero padded",
			id1:  "7367672374000000ffff0000ffff0003",
			id2:  1,
			id3:  42,
			want: "7367672374000000ffff0000ffff00030000100042",
		},
		{
			name: "zero values",
			id1:  "00000000000000000000000000000000",
			id2:  0,
			id3:  0,
			want: "000000000000000000000000000000000000000000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.id1, tt.id2, tt.id3)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := b.PID(); got != tt.want {
				t.Errorf("PID() = %q, want %q", got, tt.want)
			}
			if len(b.PID()) != 42 {
				t.Errorf("PID() length = %d, want 42", len(b.PID()))
			}
		})
	}
}

func TestBeacon_PIDTracksFieldChanges(t *testing.T) {
	b, err := New("7367672374000000ffff0000ffff0003", 1, 1)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	before := b.PID()

	b.ID2 = 500
	after := b.PID()

	if before == after {
		t.Errorf("PID did not change after ID2 update: %q", after)
	}
	if want := "7367672374000000ffff0000ffff00030050000001"; after != want {
		t.Errorf("PID() = %q, want %q", after, want)
	}
}

func TestBeacon_Matches(t *testing.T) {
	a, _ := New("7367672374000000ffff0000ffff0003", 10, 20)
	b, _ := New("7367672374000000ffff0000ffff0003", 10, 20)
	c, _ := New("7367672374000000ffff0000ffff0003", 10, 21)

	// Signal fields must not affect identity.
	b.RSSI = -90
	b.MeasuredPower = -59

	if !a.Matches(b) {
		t.Error("beacons with same identity should match")
	}
	if a.Matches(c) {
		t.Error("beacons with different ID3 should not match")
	}
}

func TestBeacon_Distance(t *testing.T) {
	tests := []struct {
		name          string
		rssi          int
		measuredPower int
		exponent      float64
		want          float64
	}{
		{name: "at calibration distance", rssi: -59, measuredPower: -59, exponent: 2.0, want: 1.0},
		{name: "20 dB below over free space", rssi: -79, measuredPower: -59, exponent: 2.0, want: 10.0},
		{name: "zero exponent falls back to default", rssi: -79, measuredPower: -59, exponent: 0, want: 10.0},
		{name: "stronger than calibrated", rssi: -39, measuredPower: -59, exponent: 2.0, want: 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Beacon{RSSI: tt.rssi, MeasuredPower: tt.measuredPower}
			got := b.Distance(tt.exponent)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Distance() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBeacon_UUIDString(t *testing.T) {
	b, _ := New("7367672374000000ffff0000ffff0003", 1, 1)
	want := "73676723-7400-0000-ffff-0000ffff0003"
	if got := b.UUIDString(); got != want {
		t.Errorf("UUIDString() = %q, want %q", got, want)
	}
}

func TestEventType_String(t *testing.T) {
	tests := []struct {
		ev   EventType
		want string
	}{
		{EventNone, "none"},
		{EventEnter, "enter"},
		{EventExit, "exit"},
		{EventEnterExit, "enterExit"},
		{EventType(99), "none"},
	}

	for _, tt := range tests {
		if got := tt.ev.String(); got != tt.want {
			t.Errorf("EventType(%d).String() = %q, want %q", int(tt.ev), got, tt.want)
		}
	}
}

package cells

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shaunagostinho/cellbus/internal/fec"
)

func mustPack(t *testing.T, r Record) fec.Payload {
	t.Helper()
	p, err := r.Pack()
	if err != nil {
		t.Fatalf("Pack(%+v) err=%v", r, err)
	}
	return p
}

func TestUnpack(t *testing.T) {
	tests := []struct {
		name    string
		payload fec.Payload
		want    Record
	}{
		{
			name:    "zero",
			payload: fec.Payload{},
			want:    Record{},
		},
		{
			name:    "3300mV 250 idle",
			payload: fec.Payload{0x0C, 0xE4, 0xFA, 0x00},
			want:    Record{Millivolts: 3300, Temperature: 250},
		},
		{
			name:    "balancing and over voltage",
			payload: fec.Payload{0x10, 0x68, 0xC8, 0x05},
			want:    Record{Millivolts: 4200, Temperature: 200, Balancing: true, OverVoltage: true},
		},
		{
			name:    "all flags max temperature",
			payload: fec.Payload{0x0A, 0x8C, 0xFF, 0x0F},
			want: Record{
				Millivolts: 2700, Temperature: 255,
				Balancing: true, OverTemperature: true, OverVoltage: true, UnderVoltage: true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Unpack(tt.payload)
			if got != tt.want {
				t.Fatalf("Unpack(% X) = %+v, want %+v", tt.payload, got, tt.want)
			}
			if back := mustPack(t, got); back != tt.payload {
				t.Fatalf("Pack() = % X, want % X", back, tt.payload)
			}
		})
	}
}

func TestUnpackStatusByteIsSeparateFromTemperature(t *testing.T) {
	// Reserved status bits must not bleed into the temperature field.
	got := Unpack(fec.Payload{0x0C, 0xE4, 0x19, 0x10})
	want := Record{Millivolts: 3300, Temperature: 25}
	if got != want {
		t.Fatalf("Unpack = %+v, want %+v", got, want)
	}

	got = Unpack(fec.Payload{0x0C, 0xE4, 0x19, 0xF2})
	if got.Temperature != 25 || !got.OverTemperature || got.Balancing {
		t.Fatalf("Unpack with reserved bits = %+v", got)
	}
}

func TestPackRejectsWideTemperature(t *testing.T) {
	for _, temp := range []uint16{MaxTemperature + 1, 5000, 0xFFFF} {
		if _, err := (Record{Millivolts: 1, Temperature: temp}).Pack(); !errors.Is(err, ErrFieldRange) {
			t.Errorf("Pack(temperature=%d) err=%v, want ErrFieldRange", temp, err)
		}
	}
	if _, err := (Record{Temperature: MaxTemperature}).Pack(); err != nil {
		t.Errorf("Pack(temperature=%d) err=%v", MaxTemperature, err)
	}
}

func TestStoreApply(t *testing.T) {
	s := NewStore(3)
	if s.Len() != 3 {
		t.Fatalf("Len() = %d", s.Len())
	}
	for i := 0; i < s.Len(); i++ {
		if r, _ := s.At(i); r != (Record{}) {
			t.Fatalf("record %d not zero on construction: %+v", i, r)
		}
	}

	want := Record{Millivolts: 3310, Temperature: 240, Balancing: true}
	if err := s.Apply(1, mustPack(t, want)); err != nil {
		t.Fatalf("Apply err=%v", err)
	}
	got, err := s.At(1)
	if err != nil || got != want {
		t.Fatalf("At(1) = %+v, %v", got, err)
	}

	for _, idx := range []int{3, 100, -1} {
		if err := s.Apply(idx, mustPack(t, want)); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Apply(%d) err=%v, want ErrIndexOutOfRange", idx, err)
		}
		if _, err := s.At(idx); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("At(%d) err=%v, want ErrIndexOutOfRange", idx, err)
		}
	}
}

func TestStoreCloneIsIndependent(t *testing.T) {
	s := NewStore(2)
	_ = s.Set(0, Record{Millivolts: 3000})
	c := s.Clone()
	_ = s.Set(0, Record{Millivolts: 1})
	if r, _ := c.At(0); r.Millivolts != 3000 {
		t.Fatalf("clone changed with original: %+v", r)
	}

	recs := s.Records()
	recs[1].Millivolts = 42
	if r, _ := s.At(1); r.Millivolts != 0 {
		t.Fatalf("Records() aliases the store")
	}

	s.Reset()
	if r, _ := s.At(0); r != (Record{}) || s.Len() != 2 {
		t.Fatalf("Reset left %+v len=%d", r, s.Len())
	}
}

func TestStoreJSON(t *testing.T) {
	s := NewStore(2)
	_ = s.Set(1, Record{Millivolts: 3300, UnderVoltage: true})
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Store
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Len() != 2 {
		t.Fatalf("Len() = %d after round trip", back.Len())
	}
	if r, _ := back.At(1); r.Millivolts != 3300 || !r.UnderVoltage {
		t.Fatalf("record 1 = %+v", r)
	}
}

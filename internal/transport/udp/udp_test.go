// SPDX-License-Identifier: MIT
package udp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"sdrpipe/internal/analysis"
	"sdrpipe/internal/engine"
)

type fakeProvider struct {
	id string
	db []float64
}

func (f *fakeProvider) ID() string { return f.id }
func (f *fakeProvider) Latest() (analysis.Result, bool) { return analysis.Summarize(f.db), len(f.db) > 0 }
func (f *fakeProvider) Bins() int { return len(f.db) }

func (f *fakeProvider) DecibelsInto(dst []float64) (int, error) {
	if len(dst) < len(f.db) {
		return 0, errors.New("short")
	}
	return copy(dst, f.db), nil
}

type fakeSource []engine.DeviceSpectrum

func (s fakeSource) Spectra() []engine.DeviceSpectrum { return s }

type packetRecorder struct {
	mu      sync.Mutex
	packets [][]byte
}

func (r *packetRecorder) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, bytes.Clone(p))
	return nil
}

type packet struct {
	seq    uint32
	ts     int64
	device uint16
	values []float32
}

func decode(t *testing.T, b []byte) packet {
	t.Helper()
	var p packet
	var count uint16
	r := bytes.NewReader(b)
	for _, v := range []any{&p.seq, &p.ts, &p.device, &count} {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			t.Fatalf("decode header: %v", err)
		}
	}
	p.values = make([]float32, count)
	if err := binary.Read(r, binary.BigEndian, p.values); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("%d trailing bytes", r.Len())
	}
	return p
}

func TestShiftAndDecimate(t *testing.T) {
	tests := []struct {
		name  string
		db    []float64
		limit int
		want  []float32
	}{
		{"even", []float64{0, 1, 2, 3, -4, -3, -2, -1}, 8, []float32{-4, -3, -2, -1, 0, 1, 2, 3}},
		{"odd", []float64{0, 1, 2, -2, -1}, 8, []float32{-2, -1, 0, 1, 2}},
		{"decimate by max", []float64{0, 1, 2, 3, -4, -3, -2, -1}, 4, []float32{-3, -1, 1, 3}},
		{"uneven groups", []float64{0, 1, 2, 3, -4, -3, -2, -1}, 3, []float32{-2, 1, 3}},
		{"empty", nil, 4, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShiftAndDecimate(nil, tt.db, tt.limit)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ShiftAndDecimate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPacketLayout(t *testing.T) {
	rec := &packetRecorder{}
	src := fakeSource{
		{Index: 1, Provider: &fakeProvider{id: "#1", db: []float64{-10, -20, -30, -40}}},
		{Index: 2, Provider: &fakeProvider{id: "#2"}}, // nothing analyzed yet
		{Index: 3, Provider: &fakeProvider{id: "#3", db: []float64{5, 6}}},
	}
	p, err := NewUDPPublisher(time.Hour, 0, rec, src)
	if err != nil {
		t.Fatalf("NewUDPPublisher() error = %v", err)
	}

	before := time.Now().UnixNano()
	p.buildAndSendPackets()
	p.buildAndSendPackets()

	if len(rec.packets) != 4 {
		t.Fatalf("sent %d packets, want 4", len(rec.packets))
	}
	first := decode(t, rec.packets[0])
	if first.seq != 1 || first.device != 1 || first.ts < before {
		t.Errorf("first header = %+v", first)
	}
	if want := []float32{-30, -40, -10, -20}; !slices.Equal(first.values, want) {
		t.Errorf("first values = %v, want %v", first.values, want)
	}
	if got := decode(t, rec.packets[1]); got.seq != 2 || got.device != 3 || len(got.values) != 2 {
		t.Errorf("second packet = %+v", got)
	}
	if got := decode(t, rec.packets[3]); got.seq != 4 {
		t.Errorf("fourth packet seq = %d, want 4", got.seq)
	}
}

func TestPublisherCapsBins(t *testing.T) {
	db := make([]float64, 65536)
	for i := range db {
		db[i] = math.Sin(float64(i))
	}
	rec := &packetRecorder{}
	p, err := NewUDPPublisher(time.Hour, 1<<20, rec, fakeSource{{Index: 1, Provider: &fakeProvider{db: db}}})
	if err != nil {
		t.Fatalf("NewUDPPublisher() error = %v", err)
	}
	p.buildAndSendPackets()
	if len(rec.packets) != 1 || len(rec.packets[0]) > 65507 {
		t.Fatalf("packet too large or missing: %d packets", len(rec.packets))
	}
}

func TestPublisherOverUDP(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer ln.Close()

	sender, err := NewUDPSender(ln.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewUDPSender() error = %v", err)
	}
	defer sender.Close()

	src := fakeSource{{Index: 7, Provider: &fakeProvider{db: []float64{1, 2, 3, 4}}}}
	p, err := NewUDPPublisher(5*time.Millisecond, 2, sender, src)
	if err != nil {
		t.Fatalf("NewUDPPublisher() error = %v", err)
	}
	p.Start()
	p.Start()
	defer p.Close()

	buf := make([]byte, 65536)
	ln.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := ln.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	got := decode(t, buf[:n])
	if got.device != 7 || !slices.Equal(got.values, []float32{4, 2}) {
		t.Errorf("packet = %+v, want device 7 values [4 2]", got)
	}

	if err := p.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if err := sender.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := sender.Send([]byte{1}); !errors.Is(err, ErrSenderClosed) {
		t.Errorf("Send() after Close error = %v, want ErrSenderClosed", err)
	}
}

func TestNewUDPPublisherValidates(t *testing.T) {
	if _, err := NewUDPPublisher(0, 0, nil, fakeSource{}); err == nil {
		t.Error("nil sender accepted")
	}
	if _, err := NewUDPPublisher(0, 0, &packetRecorder{}, nil); err == nil {
		t.Error("nil source accepted")
	}
	if _, err := NewUDPSender("not an address"); err == nil {
		t.Error("NewUDPSender(bad) error = nil")
	}
}

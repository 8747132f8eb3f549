// SPDX-License-Identifier: MIT
package radio

import (
	"errors"
	"fmt"
	"testing"
)

type fakeDriver struct {
	name     string
	devices  []Args
	failEnum bool
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) Enumerate(filter Args) ([]Args, error) {
	if d.failEnum {
		return nil, errors.New("bus error")
	}
	var out []Args
	for _, a := range d.devices {
		if a.Matches(filter) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d *fakeDriver) Make(args Args) (Device, error) {
	return nil, fmt.Errorf("%w: fake cannot open %s", ErrNotSupported, args["serial"])
}

func registerFake(t *testing.T, d *fakeDriver) {
	t.Helper()
	Register(d)
	t.Cleanup(func() { unregister(d.name) })
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		format  Format
		want    int
		wantErr bool
	}{
		{CS8, 2, false},
		{CU8, 2, false},
		{CS16, 4, false},
		{CF32, 8, false},
		{Format("CF64"), 0, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			got, err := tt.format.Size()
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("Size() = %d, %v; want %d, err=%v", got, err, tt.want, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrNotSupported) {
				t.Errorf("error %v does not wrap ErrNotSupported", err)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(" cs16 "); err != nil || f != CS16 {
		t.Errorf("ParseFormat(cs16) = %q, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != "" {
		t.Errorf("ParseFormat(\"\") = %q, %v; want native", f, err)
	}
	if _, err := ParseFormat("bogus"); err == nil {
		t.Error("ParseFormat(bogus) returned nil error")
	}
}

func TestParseDirection(t *testing.T) {
	if d, err := ParseDirection("TX"); err != nil || d != TX {
		t.Errorf("ParseDirection(TX) = %v, %v", d, err)
	}
	if _, err := ParseDirection("both"); err == nil {
		t.Error("ParseDirection(both) returned nil error")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrTimeout, true},
		{fmt.Errorf("read: %w", ErrOverflow), true},
		{ErrUnderflow, true},
		{ErrTimeError, false},
		{ErrStreamError, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestArgs(t *testing.T) {
	a := Args{"driver": "sim", "serial": "0001"}
	b := a.Merge(Args{"serial": "0002", "rate": "1e6"})

	if a["serial"] != "0001" {
		t.Error("Merge modified the receiver")
	}
	if b.String() != "driver=sim, rate=1e6, serial=0002" {
		t.Errorf("String() = %q", b.String())
	}
	if !b.Matches(Args{"driver": "sim"}) || b.Matches(Args{"serial": "0001"}) {
		t.Error("Matches returned the wrong result")
	}
}

func TestRegistry(t *testing.T) {
	registerFake(t, &fakeDriver{
		name: "fake-a",
		devices: []Args{
			{"serial": "A1"},
			{"serial": "A2"},
		},
	})
	registerFake(t, &fakeDriver{name: "fake-broken", failEnum: true})

	found, err := Enumerate(Args{"driver": "fake-a"})
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("Enumerate() found %d devices, want 2", len(found))
	}
	for _, args := range found {
		if args["driver"] != "fake-a" {
			t.Errorf("enumerated device %v lacks driver key", args)
		}
	}

	// A failing driver is skipped rather than failing the whole search.
	if _, err := Enumerate(Args{"driver": "fake-broken"}); err != nil {
		t.Errorf("Enumerate(broken) error = %v, want nil", err)
	}

	if _, err := Enumerate(Args{"driver": "missing"}); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Enumerate(missing) error = %v, want ErrNoDevice", err)
	}

	if _, err := Make(found[0]); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Make() error = %v, want wrapped ErrNotSupported", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	registerFake(t, &fakeDriver{name: "fake-dup"})
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	Register(&fakeDriver{name: "fake-dup"})
}


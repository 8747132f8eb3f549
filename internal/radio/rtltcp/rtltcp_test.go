package rtltcp

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"sdrpipe/internal/radio"
)

type command struct {
	Cmd   uint8
	Param uint32
}

// fakeServer speaks enough of the rtl_tcp protocol for the driver: it sends
// the dongle header, records commands and writes samples on request.
type fakeServer struct {
	ln net.Listener

	mu       sync.Mutex
	commands []command
	conns    []net.Conn
	connCh   chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	s := &fakeServer{ln: ln, connCh: make(chan net.Conn, 8)}
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		header := make([]byte, 12)
		copy(header, "RTL0")
		binary.BigEndian.PutUint32(header[4:], 5)
		binary.BigEndian.PutUint32(header[8:], 29)
		if _, err := conn.Write(header); err != nil {
			continue
		}
		s.connCh <- conn
		go s.readCommands(conn)
	}
}

func (s *fakeServer) readCommands(conn net.Conn) {
	for {
		var c command
		if err := binary.Read(conn, binary.BigEndian, &c); err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, c)
		s.mu.Unlock()
	}
}

func (s *fakeServer) waitCommand(t *testing.T, want command) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, c := range s.commands {
			if c == want {
				s.mu.Unlock()
				return
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server never received command %+v", want)
}

func (s *fakeServer) client(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-s.connCh:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no client connected")
		return nil
	}
}

func dial(t *testing.T, srv *fakeServer) (*Device, net.Conn) {
	t.Helper()
	dev, err := Dial(srv.addr(), 0)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return dev, srv.client(t)
}

func TestDialTunesDefaults(t *testing.T) {
	srv := newFakeServer(t)
	dev, _ := dial(t, srv)

	srv.waitCommand(t, command{Cmd: 0x02, Param: 2048000})
	srv.waitCommand(t, command{Cmd: 0x01, Param: 100000000})

	if err := dev.SetFrequency(radio.RX, 0, 433.92e6, nil); err != nil {
		t.Fatalf("SetFrequency() error = %v", err)
	}
	srv.waitCommand(t, command{Cmd: 0x01, Param: 433920000})
	if got := dev.Frequency(radio.RX, 0); got != 433.92e6 {
		t.Errorf("Frequency() = %g", got)
	}
}

func TestRangesRejected(t *testing.T) {
	srv := newFakeServer(t)
	dev, _ := dial(t, srv)

	if err := dev.SetSampleRate(radio.RX, 0, 10e6); err == nil {
		t.Error("SetSampleRate(10e6) succeeded")
	}
	if err := dev.SetFrequency(radio.RX, 0, 2e9, nil); err == nil {
		t.Error("SetFrequency(2e9) succeeded")
	}
	if err := dev.SetFrequency(radio.TX, 0, 100e6, nil); !errors.Is(err, radio.ErrNotSupported) {
		t.Errorf("SetFrequency(TX) error = %v, want ErrNotSupported", err)
	}
}

func TestOpenStreamValidation(t *testing.T) {
	srv := newFakeServer(t)
	dev, _ := dial(t, srv)

	tests := []struct {
		name     string
		dir      radio.Direction
		format   radio.Format
		channels []int
	}{
		{"tx", radio.TX, "", []int{0}},
		{"cs16", radio.RX, radio.CS16, []int{0}},
		{"second channel", radio.RX, "", []int{1}},
		{"two channels", radio.RX, "", []int{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := dev.OpenStream(tt.dir, tt.format, tt.channels, nil); !errors.Is(err, radio.ErrNotSupported) {
				t.Errorf("OpenStream() error = %v, want ErrNotSupported", err)
			}
		})
	}

	s, err := dev.OpenStream(radio.RX, "", []int{0}, nil)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if _, err := dev.OpenStream(radio.RX, "", []int{0}, nil); err == nil {
		t.Error("second OpenStream() succeeded")
	}
	s.Close()
	if _, err := dev.OpenStream(radio.RX, "", []int{0}, nil); err != nil {
		t.Errorf("OpenStream() after Close error = %v", err)
	}
}

func TestReadConvertsToSigned(t *testing.T) {
	srv := newFakeServer(t)
	dev, conn := dial(t, srv)

	s, err := dev.OpenStream(radio.RX, radio.CS8, []int{0}, nil)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer s.Close()
	if err := s.Activate(); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	// Three whole elements then half of a fourth.
	if _, err := conn.Write([]byte{0x80, 0xFF, 0x00, 0x81, 0x7F, 0x80, 0x90}); err != nil {
		t.Fatalf("server Write() error = %v", err)
	}

	buf := make([]byte, 64)
	n, err := s.Read([][]byte{buf}, time.Second)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := []int8{0, 127, -128, 1, -1, 0}
	if n != 3 {
		t.Fatalf("Read() = %d elements, want 3", n)
	}
	for i, w := range want {
		if int8(buf[i]) != w {
			t.Errorf("sample %d = %d, want %d", i, int8(buf[i]), w)
		}
	}

	// The held byte pairs with the next one.
	if _, err := conn.Write([]byte{0x70}); err != nil {
		t.Fatalf("server Write() error = %v", err)
	}
	n, err = s.Read([][]byte{buf}, time.Second)
	if err != nil || n != 1 {
		t.Fatalf("Read() = %d, %v, want 1 element", n, err)
	}
	if i, q := int8(buf[0]), int8(buf[1]); i != 16 || q != -16 {
		t.Errorf("carried element = (%d, %d), want (16, -16)", i, q)
	}
}

func TestReadTimeout(t *testing.T) {
	srv := newFakeServer(t)
	dev, _ := dial(t, srv)

	s, err := dev.OpenStream(radio.RX, "", []int{0}, nil)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer s.Close()

	buf := make([]byte, 64)
	if _, err := s.Read([][]byte{buf}, 10*time.Millisecond); !errors.Is(err, radio.ErrStreamError) {
		t.Errorf("Read() before Activate error = %v, want ErrStreamError", err)
	}
	s.Activate()
	_, err = s.Read([][]byte{buf}, 20*time.Millisecond)
	if !errors.Is(err, radio.ErrTimeout) {
		t.Fatalf("Read() error = %v, want ErrTimeout", err)
	}
	if !radio.IsTransient(err) {
		t.Error("timeout should be transient")
	}
}

func TestReadServerGone(t *testing.T) {
	srv := newFakeServer(t)
	dev, conn := dial(t, srv)

	s, err := dev.OpenStream(radio.RX, "", []int{0}, nil)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	defer s.Close()
	s.Activate()

	conn.Close()
	_, err = s.Read([][]byte{make([]byte, 64)}, time.Second)
	if !errors.Is(err, radio.ErrStreamError) {
		t.Fatalf("Read() error = %v, want ErrStreamError", err)
	}
	if radio.IsTransient(err) {
		t.Error("lost connection should not be transient")
	}
}

func TestEnumerateProbes(t *testing.T) {
	srv := newFakeServer(t)
	// Nothing listens on a closed listener's port.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	found, err := radio.Enumerate(radio.Args{"driver": DriverName, "addr": srv.addr() + "," + deadAddr, "retries": "0"})
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if len(found) != 1 || found[0]["addr"] != srv.addr() {
		t.Fatalf("Enumerate() = %v, want only %s", found, srv.addr())
	}
	if found[0]["retries"] != "0" {
		t.Errorf("options not carried: %v", found[0])
	}

	dev, err := radio.Make(found[0])
	if err != nil {
		t.Fatalf("Make() error = %v", err)
	}
	defer dev.Close()
	if info := dev.Info(); info.Driver != DriverName || info.Serial != srv.addr() {
		t.Errorf("Info() = %+v", info)
	}
}

func TestDialNoServer(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := dead.Addr().String()
	dead.Close()

	if _, err := Dial(addr, 1); !errors.Is(err, radio.ErrNoDevice) {
		t.Errorf("Dial() error = %v, want ErrNoDevice", err)
	}
}

func TestToSigned(t *testing.T) {
	b := []byte{0, 127, 128, 255}
	ToSigned(b)
	want := []int8{-128, -1, 0, 127}
	for i, w := range want {
		if int8(b[i]) != w {
			t.Errorf("ToSigned()[%d] = %d, want %d", i, int8(b[i]), w)
		}
	}
}

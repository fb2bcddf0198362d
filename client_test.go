package mbclient

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

// fakeServer is a net.Conn whose peer answers immediately: each frame
// written to it is unpacked and handed to the handler, and the reply is
// packed with the request's transaction identifier and queued for the
// next read. dropNext swallows requests to simulate lost responses, so
// retry behavior can be tested against a server that answers the retry
// correctly instead of replaying a canned frame.
type fakeServer struct {
	packager *TCPPackager
	reads    bytes.Buffer
	handler  func(req []byte) []byte // response PDU; nil means no answer
	dropNext int
	requests [][]byte
}

func newFakeServer(handler func(req []byte) []byte) *fakeServer {
	return &fakeServer{packager: NewTCPPackager(), handler: handler}
}

func (f *fakeServer) Write(b []byte) (int, error) {
	txID, unitID, req, err := f.packager.Unpack(b)
	if err != nil {
		return 0, err
	}
	f.requests = append(f.requests, append([]byte(nil), req...))
	if f.dropNext > 0 {
		f.dropNext--
		return len(b), nil
	}
	if unitID == BroadcastID {
		// Nobody answers a broadcast.
		return len(b), nil
	}
	resp := f.handler(req)
	if resp == nil {
		return len(b), nil
	}
	frame, err := f.packager.Pack(txID, unitID, resp)
	if err != nil {
		return 0, err
	}
	f.reads.Write(frame)
	return len(b), nil
}

func (f *fakeServer) Read(b []byte) (int, error) {
	if f.reads.Len() == 0 {
		return 0, connTimeoutError{}
	}
	return f.reads.Read(b)
}

func (f *fakeServer) Close() error { return nil }

func (f *fakeServer) LocalAddr() net.Addr { return &net.TCPAddr{} }

func (f *fakeServer) RemoteAddr() net.Addr { return &net.TCPAddr{} }

func (f *fakeServer) SetDeadline(time.Time) error { return nil }

func (f *fakeServer) SetReadDeadline(time.Time) error { return nil }

func (f *fakeServer) SetWriteDeadline(time.Time) error { return nil }

// echoHandler answers write requests the way a conforming server does:
// with the echo prefix of the request.
func echoHandler(req []byte) []byte {
	switch req[0] {
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return append([]byte(nil), req[:5]...)
	case FuncCodeMaskWriteRegister:
		return append([]byte(nil), req[:7]...)
	}
	return nil
}

func newTestClient(srv *fakeServer, opts ...Option) *Client {
	return NewClient(NewTCPTransporter(srv), opts...)
}

func TestClient_Read_HoldingRegisters(t *testing.T) {
	srv := newFakeServer(func(req []byte) []byte {
		return []byte{0x03, 0x04, 0x00, 0x0A, 0x01, 0x02}
	})
	c := newTestClient(srv)

	values, err := c.Read(1, TargetHoldingRegisters, 1, 2, PrecisionUint16)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	expectedReq := []byte{0x03, 0x00, 0x00, 0x00, 0x02}
	if !bytes.Equal(srv.requests[0], expectedReq) {
		t.Errorf("request: got % X, want % X", srv.requests[0], expectedReq)
	}
	if len(values) != 2 || values[0] != 10 || values[1] != 258 {
		t.Errorf("values: got %v, want [10 258]", values)
	}
}

func TestClient_Read_InputRegisters(t *testing.T) {
	srv := newFakeServer(func(req []byte) []byte {
		return []byte{0x04, 0x02, 0x00, 0x2A}
	})
	c := newTestClient(srv)

	values, err := c.Read(1, TargetInputRegisters, 9, 1, PrecisionUint16)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	expectedReq := []byte{0x04, 0x00, 0x08, 0x00, 0x01}
	if !bytes.Equal(srv.requests[0], expectedReq) {
		t.Errorf("request: got % X, want % X", srv.requests[0], expectedReq)
	}
	if len(values) != 1 || values[0] != 42 {
		t.Errorf("values: got %v, want [42]", values)
	}
}

func TestClient_Read_Float32(t *testing.T) {
	srv := newFakeServer(func(req []byte) []byte {
		return []byte{0x03, 0x04, 0x3F, 0x80, 0x00, 0x00}
	})
	c := newTestClient(srv)

	values, err := c.Read(1, TargetHoldingRegisters, 1, 1, PrecisionFloat32)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	// One float32 value spans two registers on the wire.
	expectedReq := []byte{0x03, 0x00, 0x00, 0x00, 0x02}
	if !bytes.Equal(srv.requests[0], expectedReq) {
		t.Errorf("request: got % X, want % X", srv.requests[0], expectedReq)
	}
	if len(values) != 1 || values[0] != 1.0 {
		t.Errorf("values: got %v, want [1]", values)
	}
}

func TestClient_Read_Coils(t *testing.T) {
	srv := newFakeServer(func(req []byte) []byte {
		return []byte{0x01, 0x01, 0x0B}
	})
	c := newTestClient(srv)

	values, err := c.Read(1, TargetCoils, 20, 4, PrecisionUint16)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	expectedReq := []byte{0x01, 0x00, 0x13, 0x00, 0x04}
	if !bytes.Equal(srv.requests[0], expectedReq) {
		t.Errorf("request: got % X, want % X", srv.requests[0], expectedReq)
	}
	expected := []float64{1, 1, 0, 1}
	if len(values) != len(expected) {
		t.Fatalf("values: got %v, want %v", values, expected)
	}
	for i := range expected {
		if values[i] != expected[i] {
			t.Errorf("coil %d: got %g, want %g", i, values[i], expected[i])
		}
	}
}

func TestClient_Read_LittleEndianOrders(t *testing.T) {
	srv := newFakeServer(func(req []byte) []byte {
		return []byte{0x03, 0x04, 0x78, 0x56, 0x34, 0x12}
	})
	c := newTestClient(srv, WithByteOrder(LittleEndian), WithWordOrder(LittleEndian))

	values, err := c.Read(1, TargetHoldingRegisters, 1, 1, PrecisionUint32)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(values) != 1 || values[0] != float64(0x12345678) {
		t.Errorf("values: got %v, want [%d]", values, 0x12345678)
	}
}

func TestClient_Read_RepeatedIdentical(t *testing.T) {
	srv := newFakeServer(func(req []byte) []byte {
		return []byte{0x03, 0x02, 0x00, 0x2A}
	})
	c := newTestClient(srv)

	first, err := c.Read(1, TargetHoldingRegisters, 5, 1, PrecisionUint16)
	if err != nil {
		t.Fatalf("first Read failed: %v", err)
	}
	second, err := c.Read(1, TargetHoldingRegisters, 5, 1, PrecisionUint16)
	if err != nil {
		t.Fatalf("second Read failed: %v", err)
	}
	if len(first) != 1 || first[0] != 42 {
		t.Fatalf("first values: got %v, want [42]", first)
	}
	if len(second) != 1 || second[0] != first[0] {
		t.Errorf("second values: got %v, want %v", second, first)
	}
	// One exchange per call, and the same arguments produce the same
	// request bytes.
	if len(srv.requests) != 2 {
		t.Fatalf("requests: got %d, want 2", len(srv.requests))
	}
	if !bytes.Equal(srv.requests[0], srv.requests[1]) {
		t.Errorf("requests differ: % X vs % X", srv.requests[0], srv.requests[1])
	}
}

func TestClient_ReadSegments(t *testing.T) {
	srv := newFakeServer(func(req []byte) []byte {
		return []byte{0x03, 0x08, 0x00, 0x01, 0x00, 0x02, 0x3F, 0x80, 0x00, 0x00}
	})
	c := newTestClient(srv)

	values, err := c.ReadSegments(1, TargetHoldingRegisters, 1, []ReadSegment{
		{Count: 2, Precision: PrecisionUint16},
		{Count: 1, Precision: PrecisionFloat32},
	})
	if err != nil {
		t.Fatalf("ReadSegments failed: %v", err)
	}
	// Two uint16 registers plus one float32 make four registers in one
	// request.
	expectedReq := []byte{0x03, 0x00, 0x00, 0x00, 0x04}
	if !bytes.Equal(srv.requests[0], expectedReq) {
		t.Errorf("request: got % X, want % X", srv.requests[0], expectedReq)
	}
	expected := []float64{1, 2, 1.0}
	if len(values) != len(expected) {
		t.Fatalf("values: got %v, want %v", values, expected)
	}
	for i := range expected {
		if values[i] != expected[i] {
			t.Errorf("value %d: got %g, want %g", i, values[i], expected[i])
		}
	}
}

func TestClient_ReadSegments_TotalOverflowRejected(t *testing.T) {
	srv := newFakeServer(echoHandler)
	c := newTestClient(srv)

	// Every segment is valid on its own, but together they span 2^32+1
	// registers, a total that wraps to 1 in 32-bit arithmetic.
	segments := make([]ReadSegment, 0, 16386)
	for i := 0; i < 16384; i++ {
		segments = append(segments, ReadSegment{Count: 65535, Precision: PrecisionUint64})
	}
	segments = append(segments,
		ReadSegment{Count: 65535, Precision: PrecisionUint16},
		ReadSegment{Count: 2, Precision: PrecisionUint16},
	)

	_, err := c.ReadSegments(1, TargetHoldingRegisters, 1, segments)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
	if len(srv.requests) != 0 {
		t.Errorf("oversized segment list must not reach the wire, requests: %d", len(srv.requests))
	}
}

func TestClient_Write_SingleRegister(t *testing.T) {
	srv := newFakeServer(echoHandler)
	c := newTestClient(srv)

	if err := c.Write(1, TargetHoldingRegisters, 5, []float64{42}, PrecisionUint16); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectedReq := []byte{0x06, 0x00, 0x04, 0x00, 0x2A}
	if !bytes.Equal(srv.requests[0], expectedReq) {
		t.Errorf("request: got % X, want % X", srv.requests[0], expectedReq)
	}
}

func TestClient_Write_MultipleRegisters(t *testing.T) {
	srv := newFakeServer(echoHandler)
	c := newTestClient(srv)

	if err := c.Write(1, TargetHoldingRegisters, 1, []float64{10, 258}, PrecisionUint16); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectedReq := []byte{0x10, 0x00, 0x00, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02}
	if !bytes.Equal(srv.requests[0], expectedReq) {
		t.Errorf("request: got % X, want % X", srv.requests[0], expectedReq)
	}
}

func TestClient_Write_WidePrecisionUsesMultiple(t *testing.T) {
	srv := newFakeServer(echoHandler)
	c := newTestClient(srv)

	// A single float32 value still spans two registers, so it must go
	// out as a multiple write.
	if err := c.Write(1, TargetHoldingRegisters, 1, []float64{1.0}, PrecisionFloat32); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectedReq := []byte{0x10, 0x00, 0x00, 0x00, 0x02, 0x04, 0x3F, 0x80, 0x00, 0x00}
	if !bytes.Equal(srv.requests[0], expectedReq) {
		t.Errorf("request: got % X, want % X", srv.requests[0], expectedReq)
	}
}

func TestClient_Write_SingleCoil(t *testing.T) {
	srv := newFakeServer(echoHandler)
	c := newTestClient(srv)

	if err := c.Write(1, TargetCoils, 1, []float64{1}, PrecisionUint16); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectedReq := []byte{0x05, 0x00, 0x00, 0xFF, 0x00}
	if !bytes.Equal(srv.requests[0], expectedReq) {
		t.Errorf("request: got % X, want % X", srv.requests[0], expectedReq)
	}
}

func TestClient_Write_MultipleCoils(t *testing.T) {
	srv := newFakeServer(echoHandler)
	c := newTestClient(srv)

	if err := c.Write(1, TargetCoils, 1, []float64{1, 1, 0, 1}, PrecisionUint16); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectedReq := []byte{0x0F, 0x00, 0x00, 0x00, 0x04, 0x01, 0x0B}
	if !bytes.Equal(srv.requests[0], expectedReq) {
		t.Errorf("request: got % X, want % X", srv.requests[0], expectedReq)
	}
}

func TestClient_Write_Broadcast(t *testing.T) {
	srv := newFakeServer(func(req []byte) []byte {
		t.Error("a broadcast must not be answered")
		return nil
	})
	c := newTestClient(srv)

	if err := c.Write(BroadcastID, TargetHoldingRegisters, 1, []float64{42}, PrecisionUint16); err != nil {
		t.Fatalf("broadcast Write failed: %v", err)
	}
	if len(srv.requests) != 1 {
		t.Errorf("requests: got %d, want 1", len(srv.requests))
	}
}

func TestClient_MaskWrite(t *testing.T) {
	srv := newFakeServer(echoHandler)
	c := newTestClient(srv)

	if err := c.MaskWrite(1, 5, 0x00F2, 0x0025); err != nil {
		t.Fatalf("MaskWrite failed: %v", err)
	}
	expectedReq := []byte{0x16, 0x00, 0x04, 0x00, 0xF2, 0x00, 0x25}
	if !bytes.Equal(srv.requests[0], expectedReq) {
		t.Errorf("request: got % X, want % X", srv.requests[0], expectedReq)
	}
}

func TestClient_WriteRead(t *testing.T) {
	srv := newFakeServer(func(req []byte) []byte {
		return []byte{0x17, 0x04, 0x00, 0x0A, 0x00, 0x14}
	})
	c := newTestClient(srv)

	values, err := c.WriteRead(1, 6, []float64{0x1234}, PrecisionUint16, 1, 2, PrecisionUint16)
	if err != nil {
		t.Fatalf("WriteRead failed: %v", err)
	}
	expectedReq := []byte{
		0x17,       // read/write multiple registers
		0x00, 0x00, // read address
		0x00, 0x02, // read quantity
		0x00, 0x05, // write address
		0x00, 0x01, // write quantity
		0x02,       // write byte count
		0x12, 0x34, // write data
	}
	if !bytes.Equal(srv.requests[0], expectedReq) {
		t.Errorf("request: got % X, want % X", srv.requests[0], expectedReq)
	}
	if len(values) != 2 || values[0] != 10 || values[1] != 20 {
		t.Errorf("values: got %v, want [10 20]", values)
	}
}

func TestClient_Read_Exception(t *testing.T) {
	srv := newFakeServer(func(req []byte) []byte {
		return []byte{0x83, 0x02}
	})
	c := newTestClient(srv, WithNumRetries(2))

	_, err := c.Read(1, TargetHoldingRegisters, 0xFFF0, 1, PrecisionUint16)
	if err == nil {
		t.Fatal("Read should surface the exception")
	}
	if !errors.Is(err, ErrIllegalReadAddress) {
		t.Errorf("expected an illegal read address classification, got %v", err)
	}
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError, got %T: %v", err, err)
	}
	if se.ExceptionCode != 0x02 {
		t.Errorf("exception code: got %02X, want 02", se.ExceptionCode)
	}
	if len(srv.requests) != 1 {
		t.Errorf("an exception must not be retried, requests: %d", len(srv.requests))
	}
}

func TestClient_RetryThenSuccess(t *testing.T) {
	srv := newFakeServer(func(req []byte) []byte {
		return []byte{0x03, 0x02, 0x00, 0x2A}
	})
	srv.dropNext = 1
	c := newTestClient(srv)

	values, err := c.Read(1, TargetHoldingRegisters, 1, 1, PrecisionUint16)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(values) != 1 || values[0] != 42 {
		t.Errorf("values: got %v, want [42]", values)
	}
	if len(srv.requests) != 2 {
		t.Errorf("requests: got %d, want 2", len(srv.requests))
	}
}

func TestClient_AllAttemptsTimeOut(t *testing.T) {
	srv := newFakeServer(func(req []byte) []byte {
		return nil
	})
	c := newTestClient(srv, WithNumRetries(2))

	_, err := c.Read(1, TargetHoldingRegisters, 1, 1, PrecisionUint16)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %T: %v", err, err)
	}
	if te.Attempts != 3 {
		t.Errorf("attempts: got %d, want 3", te.Attempts)
	}
	if len(srv.requests) != 3 {
		t.Errorf("requests: got %d, want 3", len(srv.requests))
	}
}

func TestClient_ValidationStopsBeforeIO(t *testing.T) {
	srv := newFakeServer(echoHandler)
	c := newTestClient(srv)

	cases := []struct {
		name string
		call func() error
	}{
		{"zero count", func() error {
			_, err := c.Read(1, TargetHoldingRegisters, 1, 0, PrecisionUint16)
			return err
		}},
		{"register span over limit", func() error {
			_, err := c.Read(1, TargetHoldingRegisters, 1, 63, PrecisionUint32)
			return err
		}},
		{"bits over limit", func() error {
			_, err := c.Read(1, TargetCoils, 1, 2001, PrecisionUint16)
			return err
		}},
		{"address zero", func() error {
			_, err := c.Read(1, TargetHoldingRegisters, 0, 1, PrecisionUint16)
			return err
		}},
		{"range past end", func() error {
			_, err := c.Read(1, TargetHoldingRegisters, 0x10000, 2, PrecisionUint16)
			return err
		}},
		{"broadcast read", func() error {
			_, err := c.Read(0, TargetHoldingRegisters, 1, 1, PrecisionUint16)
			return err
		}},
		{"server id over limit", func() error {
			_, err := c.Read(248, TargetHoldingRegisters, 1, 1, PrecisionUint16)
			return err
		}},
		{"unknown target", func() error {
			_, err := c.Read(1, Target(9), 1, 1, PrecisionUint16)
			return err
		}},
		{"unknown precision", func() error {
			_, err := c.Read(1, TargetHoldingRegisters, 1, 1, Precision(99))
			return err
		}},
		{"write to read-only area", func() error {
			return c.Write(1, TargetDiscreteInputs, 1, []float64{1}, PrecisionUint16)
		}},
		{"empty write", func() error {
			return c.Write(1, TargetHoldingRegisters, 1, nil, PrecisionUint16)
		}},
		{"coil value out of domain", func() error {
			return c.Write(1, TargetCoils, 1, []float64{2}, PrecisionUint16)
		}},
		{"write span over limit", func() error {
			return c.Write(1, TargetHoldingRegisters, 1, make([]float64, 124), PrecisionUint16)
		}},
		{"no segments", func() error {
			_, err := c.ReadSegments(1, TargetHoldingRegisters, 1, nil)
			return err
		}},
		{"segments on bit area", func() error {
			_, err := c.ReadSegments(1, TargetCoils, 1, []ReadSegment{{Count: 1, Precision: PrecisionUint16}})
			return err
		}},
	}
	for _, tc := range cases {
		err := tc.call()
		if err == nil {
			t.Errorf("%s: expected an error", tc.name)
			continue
		}
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: expected ValidationError, got %T: %v", tc.name, err, err)
		}
	}
	if len(srv.requests) != 0 {
		t.Errorf("validation failures must not reach the wire, requests: %d", len(srv.requests))
	}
}

func TestClient_SetTimeout(t *testing.T) {
	srv := newFakeServer(echoHandler)
	tr := NewTCPTransporter(srv)
	c := NewClient(tr, WithTimeout(time.Millisecond))

	if tr.Timeout() != MinTimeout {
		t.Errorf("timeout should clamp to %v, got %v", MinTimeout, tr.Timeout())
	}
	c.SetTimeout(3 * time.Second)
	if tr.Timeout() != 3*time.Second {
		t.Errorf("got %v, want 3s", tr.Timeout())
	}
}

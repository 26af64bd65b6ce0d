package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/commatea/ModScope/pkg/modbus"
	"github.com/commatea/ModScope/pkg/transport"
	"github.com/commatea/ModScope/pkg/transport/sim"
)

func newTestClient(t *testing.T, slaveID uint8, chunkSize int, opts Options) (*Client, *sim.Slave) {
	t.Helper()

	slave := sim.NewSlave(slaveID)
	for i := uint16(0); i < 8; i++ {
		slave.SetHoldingRegister(i, i*100)
		slave.SetCoil(i, i%2 == 0)
	}

	opts.Mode = ModeRTU
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	if opts.ResponseTimeout == 0 {
		opts.ResponseTimeout = 100 * time.Millisecond
	}
	if opts.KeepAliveInterval == 0 {
		opts.KeepAliveInterval = -1
	}

	c := New(sim.NewClient(slave, chunkSize), opts)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })

	return c, slave
}

func TestReadHoldingRegisters(t *testing.T) {
	c, _ := newTestClient(t, 1, 0, Options{})

	resp, err := c.Do(context.Background(), modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 2,
		Quantity:     3,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.Success {
		t.Fatalf("response failed: %s", resp.ErrorMessage)
	}

	want := []uint16{200, 300, 400}
	if len(resp.Registers) != len(want) {
		t.Fatalf("got %d registers, want %d", len(resp.Registers), len(want))
	}
	for i := range want {
		if resp.Registers[i] != want[i] {
			t.Errorf("register %d = %d, want %d", i, resp.Registers[i], want[i])
		}
	}
	if len(resp.TxBytes) == 0 || len(resp.RxBytes) == 0 {
		t.Error("raw frames not captured")
	}
}

func TestReadTricklingOneBytePerChunk(t *testing.T) {
	c, _ := newTestClient(t, 1, 1, Options{})

	resp, err := c.Do(context.Background(), modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 0,
		Quantity:     2,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.Success {
		t.Fatalf("response failed: %s", resp.ErrorMessage)
	}
	if resp.Registers[0] != 0 || resp.Registers[1] != 100 {
		t.Errorf("registers = %v, want [0 100]", resp.Registers)
	}
}

func TestFIFOWriteThenRead(t *testing.T) {
	c, _ := newTestClient(t, 1, 0, Options{})

	// The write is submitted first, so the read must observe its effect.
	writeCh, err := c.Submit(modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncWriteSingleRegister,
		StartAddress: 4,
		WriteValues:  []uint16{0xBEEF},
	})
	if err != nil {
		t.Fatalf("Submit(write) error = %v", err)
	}
	readCh, err := c.Submit(modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 4,
		Quantity:     1,
	})
	if err != nil {
		t.Fatalf("Submit(read) error = %v", err)
	}

	writeResp := <-writeCh
	if !writeResp.Success {
		t.Fatalf("write failed: %s", writeResp.ErrorMessage)
	}
	readResp := <-readCh
	if !readResp.Success {
		t.Fatalf("read failed: %s", readResp.ErrorMessage)
	}
	if readResp.Registers[0] != 0xBEEF {
		t.Errorf("register = 0x%04X, want 0xBEEF", readResp.Registers[0])
	}
}

func TestWriteCoilsRoundTrip(t *testing.T) {
	c, slave := newTestClient(t, 1, 0, Options{})

	resp, err := c.Do(context.Background(), modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncWriteMultipleCoils,
		StartAddress: 10,
		WriteCoils:   []bool{true, true, false, true},
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.Success {
		t.Fatalf("write failed: %s", resp.ErrorMessage)
	}

	want := []bool{true, true, false, true}
	for i, w := range want {
		if got := slave.Coil(10 + uint16(i)); got != w {
			t.Errorf("coil %d = %v, want %v", 10+i, got, w)
		}
	}
}

func TestReadWriteMultipleRegisters(t *testing.T) {
	c, slave := newTestClient(t, 1, 0, Options{})

	resp, err := c.Do(context.Background(), modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadWriteMultipleRegisters,
		StartAddress: 6,
		Quantity:     1,
		WriteAddress: 6,
		WriteValues:  []uint16{0x1234},
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.Success {
		t.Fatalf("exchange failed: %s", resp.ErrorMessage)
	}
	// Write applies before the read.
	if resp.Registers[0] != 0x1234 {
		t.Errorf("read back 0x%04X, want 0x1234", resp.Registers[0])
	}
	if slave.HoldingRegister(6) != 0x1234 {
		t.Errorf("slave register = 0x%04X, want 0x1234", slave.HoldingRegister(6))
	}
}

func TestExceptionNotRetried(t *testing.T) {
	c, slave := newTestClient(t, 1, 0, Options{Retries: 2})
	slave.InjectFault(sim.Fault{Mode: sim.FaultException, Exception: modbus.ExceptionIllegalDataAddress})

	resp, err := c.Do(context.Background(), modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 0,
		Quantity:     1,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if resp.Success {
		t.Fatal("exception response reported success")
	}
	if resp.Exception != modbus.ExceptionIllegalDataAddress {
		t.Errorf("Exception = 0x%02X, want 0x02", resp.Exception)
	}
	if resp.ErrorMessage != "Illegal Data Address" {
		t.Errorf("ErrorMessage = %q", resp.ErrorMessage)
	}
	if got := c.Stats().Retries; got != 0 {
		t.Errorf("Retries = %d, want 0 (exceptions are authoritative)", got)
	}
}

func TestDroppedResponseRetried(t *testing.T) {
	c, slave := newTestClient(t, 1, 0, Options{Retries: 2, ResponseTimeout: 50 * time.Millisecond})
	slave.InjectFault(sim.Fault{Mode: sim.FaultDrop, Count: 1})

	resp, err := c.Do(context.Background(), modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 0,
		Quantity:     1,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.Success {
		t.Fatalf("retry did not recover: %s", resp.ErrorMessage)
	}
	if got := c.Stats().Retries; got != 1 {
		t.Errorf("Retries = %d, want 1", got)
	}
}

func TestCorruptCRCRetried(t *testing.T) {
	c, slave := newTestClient(t, 1, 0, Options{Retries: 2})
	slave.InjectFault(sim.Fault{Mode: sim.FaultCorruptCRC, Count: 1})

	resp, err := c.Do(context.Background(), modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 0,
		Quantity:     1,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.Success {
		t.Fatalf("retry did not recover: %s", resp.ErrorMessage)
	}
	if got := c.Stats().Retries; got != 1 {
		t.Errorf("Retries = %d, want 1", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	c, slave := newTestClient(t, 1, 0, Options{Retries: 2})
	slave.InjectFault(sim.Fault{Mode: sim.FaultDrop})

	resp, err := c.Do(context.Background(), modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 0,
		Quantity:     1,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.Success {
		t.Fatal("exhausted retries reported success")
	}
	if resp.ErrorMessage != "Response timeout" {
		t.Errorf("ErrorMessage = %q, want \"Response timeout\"", resp.ErrorMessage)
	}
	if got := c.Stats().Retries; got != 2 {
		t.Errorf("Retries = %d, want 2", got)
	}
}

func TestSubmitOptsOverridePolicy(t *testing.T) {
	req := modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 0,
		Quantity:     1,
	}

	t.Run("NoRetry", func(t *testing.T) {
		c, slave := newTestClient(t, 1, 0, Options{Retries: 2})
		slave.InjectFault(sim.Fault{Mode: sim.FaultDrop, Count: 1})

		resp, err := c.Do(context.Background(), req, SubmitOpts{NoRetry: true})
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		if resp.Success {
			t.Fatal("single-attempt request recovered from a dropped response")
		}
		if resp.ErrorMessage != "Response timeout" {
			t.Errorf("ErrorMessage = %q, want \"Response timeout\"", resp.ErrorMessage)
		}
		if got := c.Stats().Retries; got != 0 {
			t.Errorf("Retries = %d, want 0", got)
		}
	})

	t.Run("ExtraRetries", func(t *testing.T) {
		c, slave := newTestClient(t, 1, 0, Options{Retries: 0})
		slave.InjectFault(sim.Fault{Mode: sim.FaultDrop, Count: 2})

		resp, err := c.Do(context.Background(), req, SubmitOpts{Retries: 3})
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		if !resp.Success {
			t.Fatalf("override retries did not recover: %s", resp.ErrorMessage)
		}
		if got := c.Stats().Retries; got != 2 {
			t.Errorf("Retries = %d, want 2", got)
		}
	})
}

// failingTransport succeeds the first allow Connect calls and refuses
// every one after that. dropLink simulates an unsolicited link loss.
type failingTransport struct {
	mu       sync.Mutex
	connects int
	allow    int
	handler  transport.EventHandler
}

func (f *failingTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.allow {
		return nil
	}
	return errors.New("link down")
}

func (f *failingTransport) Close() error      { return nil }
func (f *failingTransport) IsConnected() bool { return false }

func (f *failingTransport) Send(ctx context.Context, data []byte) (int, error) {
	return 0, transport.ErrNotConnected
}

func (f *failingTransport) Receive(ctx context.Context) ([]byte, error) {
	return nil, transport.ErrNotConnected
}

func (f *failingTransport) Info() transport.Info { return transport.Info{Type: "fake"} }

func (f *failingTransport) SetEventHandler(h transport.EventHandler) { f.handler = h }

func (f *failingTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *failingTransport) dropLink() {
	f.handler.OnEvent(transport.Event{Type: transport.EventDisconnected, Timestamp: time.Now()})
}

func TestReconnectExhaustionEntersErrorState(t *testing.T) {
	tr := &failingTransport{allow: 1}
	c := New(tr, Options{
		Mode:               ModeRTU,
		KeepAliveInterval:  -1,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectAttempts:  3,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })

	states := c.Subscribe()
	<-states // initial connected snapshot

	tr.dropLink()

	deadline := time.After(time.Second)
	for {
		select {
		case state := <-states:
			if state != transport.StateError {
				continue
			}
			// 1 initial Connect plus one per reconnect attempt.
			if got := tr.connectCount(); got != 4 {
				t.Errorf("Connect called %d times, want 4", got)
			}
			if got := c.Stats().Reconnects; got != 3 {
				t.Errorf("Reconnects = %d, want 3", got)
			}
			return
		case <-deadline:
			t.Fatal("engine did not enter error state after exhausting reconnects")
		}
	}
}

func TestSubmitDuringTeardownResolves(t *testing.T) {
	c, _ := newTestClient(t, 1, 0, Options{})

	// Teardown begins by setting closing; the state flips to disconnected
	// only after the queue is drained. A submit landing in that window
	// must still resolve.
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	ch, err := c.Submit(modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 0,
		Quantity:     1,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case resp := <-ch:
		if resp.Success {
			t.Error("submit during teardown reported success")
		}
		if resp.ErrorMessage != "Not connected" {
			t.Errorf("ErrorMessage = %q, want \"Not connected\"", resp.ErrorMessage)
		}
	case <-time.After(time.Second):
		t.Fatal("submit during teardown never resolved")
	}

	c.mu.Lock()
	c.closing = false
	c.mu.Unlock()
}

func TestReconnectDelaySchedule(t *testing.T) {
	c := New(sim.NewClient(sim.NewSlave(1), 0), Options{Mode: ModeRTU})

	want := []time.Duration{2, 4, 6, 8, 10}
	for attempt, w := range want {
		if got := c.reconnectDelay(attempt); got != w*time.Second {
			t.Errorf("reconnectDelay(%d) = %v, want %vs", attempt, got, w)
		}
	}
}

func TestSubmitWhileDisconnected(t *testing.T) {
	slave := sim.NewSlave(1)
	c := New(sim.NewClient(slave, 0), Options{Mode: ModeRTU, KeepAliveInterval: -1})

	ch, err := c.Submit(modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 0,
		Quantity:     1,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	resp := <-ch
	if resp.Success {
		t.Fatal("disconnected submit reported success")
	}
	if resp.ErrorMessage != "Not connected" {
		t.Errorf("ErrorMessage = %q, want \"Not connected\"", resp.ErrorMessage)
	}
}

func TestDisconnectFailsPending(t *testing.T) {
	c, slave := newTestClient(t, 1, 0, Options{ResponseTimeout: time.Second})
	slave.InjectFault(sim.Fault{Mode: sim.FaultDelay, Delay: 150 * time.Millisecond})

	req := modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 0,
		Quantity:     1,
	}

	var channels []<-chan modbus.Response
	for i := 0; i < 3; i++ {
		ch, err := c.Submit(req)
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		channels = append(channels, ch)
	}

	// Let the worker pick up the first request, then tear down.
	time.Sleep(30 * time.Millisecond)
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	// The in-flight exchange runs to completion; everything still queued
	// resolves as a failure.
	first := <-channels[0]
	if !first.Success {
		t.Errorf("in-flight request failed: %s", first.ErrorMessage)
	}
	for i, ch := range channels[1:] {
		resp := <-ch
		if resp.Success {
			t.Errorf("queued request %d reported success after disconnect", i+1)
		}
		if resp.ErrorMessage != "Connection closed" {
			t.Errorf("queued request %d message = %q, want \"Connection closed\"", i+1, resp.ErrorMessage)
		}
	}
}

func TestReconnectAfterLinkLoss(t *testing.T) {
	c, _ := newTestClient(t, 1, 0, Options{
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectAttempts:  3,
	})

	states := c.Subscribe()
	<-states // initial connected snapshot

	// Unsolicited link loss.
	c.Transport().Close()

	sawConnecting := false
	deadline := time.After(time.Second)
	for {
		select {
		case state := <-states:
			if state == transport.StateConnecting {
				sawConnecting = true
			}
			if state == transport.StateConnected {
				if !sawConnecting {
					t.Error("reconnected without passing through connecting state")
				}
				if c.Stats().Reconnects == 0 {
					t.Error("Reconnects counter not incremented")
				}
				return
			}
		case <-deadline:
			t.Fatal("did not reconnect within 1s")
		}
	}
}

func TestKeepAliveProbesLastSlave(t *testing.T) {
	c, _ := newTestClient(t, 5, 0, Options{KeepAliveInterval: 20 * time.Millisecond})

	// Establish slave 5 as the last-addressed device.
	resp, err := c.Do(context.Background(), modbus.Request{
		SlaveID:      5,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 1,
		Quantity:     1,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.Success {
		t.Fatalf("read failed: %s", resp.ErrorMessage)
	}

	time.Sleep(70 * time.Millisecond)

	stats := c.Stats()
	if stats.KeepAlives == 0 {
		t.Fatal("no keep-alive probes fired")
	}
	// The probes address the simulated slave, so they must all succeed.
	if stats.Failures != 0 {
		t.Errorf("Failures = %d, want 0", stats.Failures)
	}
}

func TestSubscribeSuppressesDuplicates(t *testing.T) {
	c, _ := newTestClient(t, 1, 0, Options{})

	states := c.Subscribe()
	if got := <-states; got != transport.StateConnected {
		t.Fatalf("initial state = %v, want connected", got)
	}

	// Connecting again while connected is a no-op and must not notify.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case state := <-states:
		t.Errorf("unexpected state notification %v", state)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestValuesDecodedPerFormat(t *testing.T) {
	c, slave := newTestClient(t, 1, 0, Options{})

	// Pi as float32, big-endian layout.
	slave.SetHoldingRegister(20, 0x4049)
	slave.SetHoldingRegister(21, 0x0FDB)

	resp, err := c.Do(context.Background(), modbus.Request{
		SlaveID:      1,
		Function:     modbus.FuncReadHoldingRegisters,
		StartAddress: 20,
		Quantity:     2,
		Format:       modbus.FormatFloat32,
		Order:        modbus.BigEndian,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !resp.Success {
		t.Fatalf("read failed: %s", resp.ErrorMessage)
	}
	if len(resp.Values) != 1 {
		t.Fatalf("got %d values, want 1", len(resp.Values))
	}
	got := resp.Values[0].Float
	if got < 3.14159 || got > 3.1416 {
		t.Errorf("Float = %v, want ~pi", got)
	}
}

func TestInvalidRequestRejectedAtSubmit(t *testing.T) {
	c, _ := newTestClient(t, 1, 0, Options{})

	_, err := c.Submit(modbus.Request{
		SlaveID:  0, // out of range
		Function: modbus.FuncReadHoldingRegisters,
		Quantity: 1,
	})
	if err == nil {
		t.Error("Submit() accepted slave id 0")
	}
}

// Package client runs the Modbus master engine: a FIFO dispatcher that
// serializes exchanges over one transport, retries transient failures,
// reconnects a dropped link, and keeps an idle connection alive.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/commatea/ModScope/pkg/history"
	"github.com/commatea/ModScope/pkg/logger"
	"github.com/commatea/ModScope/pkg/metrics"
	"github.com/commatea/ModScope/pkg/modbus"
	"github.com/commatea/ModScope/pkg/parser"
	"github.com/commatea/ModScope/pkg/transport"
)

// Failure messages surfaced in Response.ErrorMessage.
const (
	msgNotConnected     = "Not connected"
	msgConnectionClosed = "Connection closed"
	msgTimeout          = "Response timeout"
)

// Engine defaults.
const (
	DefaultRetries            = 2
	DefaultRetryDelay         = 100 * time.Millisecond
	DefaultResponseTimeout    = 1 * time.Second
	DefaultKeepAliveInterval  = 30 * time.Second
	DefaultReconnectBaseDelay = 2 * time.Second
	DefaultReconnectAttempts  = 5
	DefaultQueueSize          = 64
)

// ErrQueueFull is returned by Submit when the dispatch queue is at capacity.
var ErrQueueFull = errors.New("request queue full")

// Mode selects the framing the engine speaks on the wire.
type Mode int

const (
	// ModeTCP frames requests with an MBAP header.
	ModeTCP Mode = iota
	// ModeRTU frames requests as slave id + PDU + CRC16.
	ModeRTU
)

// ModeForTransport maps a transport type to its natural framing: MBAP
// over tcp, RTU over a serial line or the simulator.
func ModeForTransport(transportType string) Mode {
	if transportType == "tcp" {
		return ModeTCP
	}
	return ModeRTU
}

// Options configures the engine. Zero fields take the defaults above.
type Options struct {
	Mode Mode

	// Retries is the number of additional attempts after a failed
	// exchange. Exception responses are never retried.
	Retries int

	// RetryDelay is the pause before each retry attempt.
	RetryDelay time.Duration

	// ResponseTimeout bounds one request-response exchange.
	ResponseTimeout time.Duration

	// KeepAliveInterval is how often an idle connection is probed with a
	// one-register holding read. Zero selects the default; negative
	// disables keep-alive.
	KeepAliveInterval time.Duration

	// ReconnectBaseDelay scales the backoff between reconnection
	// attempts: attempt n (0-based) waits (n+1) * ReconnectBaseDelay.
	ReconnectBaseDelay time.Duration

	// ReconnectAttempts caps automatic reconnection attempts before the
	// engine gives up and enters the error state.
	ReconnectAttempts int

	// QueueSize bounds the dispatch queue.
	QueueSize int

	// History, when set, records every resolved exchange.
	History history.Store

	Logger *logger.Logger
}

func (o *Options) applyDefaults() {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.KeepAliveInterval == 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.Logger == nil {
		o.Logger = logger.Global()
	}
}

// Stats are the engine's cumulative counters. Requests counts accepted
// submissions (including keep-alive probes), not wire attempts; retried
// attempts accumulate in Retries, so total attempts on the wire are
// Requests + Retries.
type Stats struct {
	Requests   uint64 `json:"requests"`
	Successes  uint64 `json:"successes"`
	Failures   uint64 `json:"failures"`
	Retries    uint64 `json:"retries"`
	Exceptions uint64 `json:"exceptions"`
	Reconnects uint64 `json:"reconnects"`
	KeepAlives uint64 `json:"keepalives"`
}

// SubmitOpts overrides the engine retry policy for a single request.
// Zero fields keep the engine defaults.
type SubmitOpts struct {
	// NoRetry disables retries for this request.
	NoRetry bool

	// Retries, when positive, overrides the engine retry count.
	Retries int

	// RetryDelay, when positive, overrides the pause between attempts.
	RetryDelay time.Duration

	// ResponseTimeout, when positive, overrides the per-exchange deadline.
	ResponseTimeout time.Duration
}

type pending struct {
	req       modbus.Request
	resp      chan modbus.Response
	keepAlive bool

	retries    int
	retryDelay time.Duration
	timeout    time.Duration
}

// Client is the Modbus master engine. One goroutine (the worker) owns
// the transport for exchanges, so requests resolve strictly in FIFO
// submission order.
type Client struct {
	tr   transport.Transport
	opts Options
	log  *logger.Logger

	tcpCodec  *modbus.TCPCodec
	rtuCodec  *modbus.RTUCodec
	rtuParser *parser.RTUParser
	buffer    *parser.Buffer

	queue chan *pending

	mu          sync.RWMutex
	state       transport.ConnectionState
	subscribers []chan transport.ConnectionState
	stats       Stats
	closing     bool
	started     bool

	// keepAliveSlave is the slave id of the most recently dispatched
	// request; the keep-alive probe addresses it. Only the worker
	// goroutine writes it.
	keepAliveSlave uint8

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an engine over the given transport.
func New(tr transport.Transport, opts Options) *Client {
	opts.applyDefaults()

	c := &Client{
		tr:             tr,
		opts:           opts,
		log:            opts.Logger.Named("client"),
		queue:          make(chan *pending, opts.QueueSize),
		state:          transport.StateDisconnected,
		keepAliveSlave: 1,
		done:           make(chan struct{}),
	}

	if opts.Mode == ModeTCP {
		c.tcpCodec = modbus.NewTCPCodec()
		c.buffer = parser.NewBuffer(4*modbus.MaxTCPFrameLength, parser.NewMBAPParser(0))
	} else {
		c.rtuCodec = modbus.NewRTUCodec()
		c.rtuParser = parser.NewRTUParser()
		c.buffer = parser.NewBuffer(4*modbus.MaxRTUFrameLength, c.rtuParser)
	}

	tr.SetEventHandler(transport.EventHandlerFunc(c.onTransportEvent))
	return c
}

// Connect establishes the link and starts the dispatch worker.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == transport.StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.mu.Unlock()

	c.setState(transport.StateConnecting)
	if err := c.tr.Connect(ctx); err != nil {
		c.setState(transport.StateError)
		return err
	}
	c.setState(transport.StateConnected)

	c.mu.Lock()
	if !c.started {
		c.started = true
		c.wg.Add(1)
		go c.worker()
	}
	c.mu.Unlock()

	return nil
}

// Disconnect tears the link down. Requests still waiting in the queue
// resolve as failures; the in-flight exchange, if any, runs to
// completion first.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	started := c.started
	c.started = false
	c.mu.Unlock()

	if started {
		close(c.done)
		c.wg.Wait()
	}

	c.failPending(msgConnectionClosed)

	err := c.tr.Close()
	c.setState(transport.StateDisconnected)

	c.mu.Lock()
	c.done = make(chan struct{})
	c.mu.Unlock()
	return err
}

// failPending drains the queue and resolves everything in it.
func (c *Client) failPending(msg string) {
	for {
		select {
		case p := <-c.queue:
			c.recordFailure(p.req, msg)
			p.resp <- modbus.FailureResponse(msg)
		default:
			return
		}
	}
}

// Submit enqueues a request and returns the channel its Response will be
// delivered on. Exactly one Response arrives per accepted request. An
// optional SubmitOpts overrides the retry policy for this request only.
func (c *Client) Submit(req modbus.Request, opts ...SubmitOpts) (<-chan modbus.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	resp := make(chan modbus.Response, 1)

	// The closing check and the enqueue happen under one lock hold, so a
	// request is either visible to Disconnect's queue drain or rejected
	// here; it can never sit in the queue with no worker to resolve it.
	c.mu.Lock()
	if c.closing || c.state != transport.StateConnected {
		c.mu.Unlock()
		c.recordFailure(req, msgNotConnected)
		resp <- modbus.FailureResponse(msgNotConnected)
		return resp, nil
	}

	select {
	case c.queue <- c.newPending(req, resp, opts):
		c.mu.Unlock()
		metrics.QueueDepth.Set(float64(len(c.queue)))
		return resp, nil
	default:
		c.mu.Unlock()
		return nil, ErrQueueFull
	}
}

// newPending resolves the effective policy for one request.
func (c *Client) newPending(req modbus.Request, resp chan modbus.Response, opts []SubmitOpts) *pending {
	p := &pending{
		req:        req,
		resp:       resp,
		retries:    c.opts.Retries,
		retryDelay: c.opts.RetryDelay,
		timeout:    c.opts.ResponseTimeout,
	}
	if len(opts) == 0 {
		return p
	}
	o := opts[0]
	if o.NoRetry {
		p.retries = 0
	} else if o.Retries > 0 {
		p.retries = o.Retries
	}
	if o.RetryDelay > 0 {
		p.retryDelay = o.RetryDelay
	}
	if o.ResponseTimeout > 0 {
		p.timeout = o.ResponseTimeout
	}
	return p
}

// Do submits a request and blocks until its response or ctx expiry.
func (c *Client) Do(ctx context.Context, req modbus.Request, opts ...SubmitOpts) (modbus.Response, error) {
	ch, err := c.Submit(req, opts...)
	if err != nil {
		return modbus.Response{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return modbus.Response{}, ctx.Err()
	}
}

// State returns the current connection state.
func (c *Client) State() transport.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stats returns a snapshot of the engine counters.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Transport returns the underlying transport.
func (c *Client) Transport() transport.Transport {
	return c.tr
}

// Subscribe returns a channel that receives connection state changes.
// Consecutive duplicates are suppressed; a slow receiver drops updates
// rather than blocking the engine.
func (c *Client) Subscribe() <-chan transport.ConnectionState {
	ch := make(chan transport.ConnectionState, 8)

	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	state := c.state
	c.mu.Unlock()

	ch <- state
	return ch
}

// setState transitions the state machine, notifying subscribers only on
// an actual change.
func (c *Client) setState(state transport.ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	old := c.state
	c.state = state
	subs := make([]chan transport.ConnectionState, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	c.log.Debug("connection state changed", "from", old.String(), "to", state.String())
	metrics.SetConnectionState(int(state))

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}
}

// onTransportEvent reacts to link-level events. An unsolicited
// disconnect starts the reconnection loop.
func (c *Client) onTransportEvent(event transport.Event) {
	if event.Type != transport.EventDisconnected {
		return
	}

	c.mu.RLock()
	closing := c.closing
	c.mu.RUnlock()
	if closing {
		return
	}

	c.log.Warn("link lost, reconnecting", "error", event.Error)
	go c.reconnect()
}

// reconnect retries the link with linear backoff: attempt n (0-based)
// waits (n+1) * ReconnectBaseDelay. After the attempt cap the engine
// enters the error state and stays there until an explicit Connect.
func (c *Client) reconnect() {
	c.setState(transport.StateConnecting)

	for attempt := 0; attempt < c.opts.ReconnectAttempts; attempt++ {
		delay := c.reconnectDelay(attempt)
		time.Sleep(delay)

		c.mu.RLock()
		closing := c.closing
		c.mu.RUnlock()
		if closing {
			return
		}

		c.mu.Lock()
		c.stats.Reconnects++
		c.mu.Unlock()
		metrics.ReconnectCount.Inc()

		ctx, cancel := context.WithTimeout(context.Background(), delay)
		err := c.tr.Connect(ctx)
		cancel()
		if err == nil {
			c.log.Info("reconnected", "attempt", attempt+1)
			c.setState(transport.StateConnected)
			return
		}
		c.log.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
	}

	c.log.Error("reconnection abandoned", "attempts", c.opts.ReconnectAttempts)
	c.setState(transport.StateError)
}

// reconnectDelay returns the backoff before reconnect attempt n (0-based).
func (c *Client) reconnectDelay(attempt int) time.Duration {
	return time.Duration(attempt+1) * c.opts.ReconnectBaseDelay
}

// worker is the single dispatch goroutine. It owns the transport for
// exchanges and the keep-alive timer, so exchanges never interleave.
func (c *Client) worker() {
	defer c.wg.Done()

	var keepAlive *time.Ticker
	var keepAliveC <-chan time.Time
	if c.opts.KeepAliveInterval > 0 {
		keepAlive = time.NewTicker(c.opts.KeepAliveInterval)
		keepAliveC = keepAlive.C
		defer keepAlive.Stop()
	}

	for {
		select {
		case <-c.done:
			return

		case p := <-c.queue:
			metrics.QueueDepth.Set(float64(len(c.queue)))
			if !p.keepAlive {
				c.keepAliveSlave = p.req.SlaveID
			}
			p.resp <- c.execute(p)
			if keepAlive != nil {
				keepAlive.Reset(c.opts.KeepAliveInterval)
			}

		case <-keepAliveC:
			c.probe()
		}
	}
}

// probe issues the keep-alive read: one holding register at address 0,
// addressed to the slave of the most recent request.
func (c *Client) probe() {
	if c.State() != transport.StateConnected {
		return
	}

	p := &pending{
		req: modbus.Request{
			SlaveID:      c.keepAliveSlave,
			Function:     modbus.FuncReadHoldingRegisters,
			StartAddress: 0,
			Quantity:     1,
		},
		keepAlive:  true,
		retries:    c.opts.Retries,
		retryDelay: c.opts.RetryDelay,
		timeout:    c.opts.ResponseTimeout,
	}

	c.mu.Lock()
	c.stats.KeepAlives++
	c.mu.Unlock()

	resp := c.execute(p)
	if !resp.Success {
		c.log.Warn("keep-alive probe failed", "slave", p.req.SlaveID, "error", resp.ErrorMessage)
	}
}

// execute runs one request to resolution, applying its retry policy:
// transient failures (timeout, malformed response) are retried up to
// the retry count with a pause between attempts; exception responses
// and a dead link fail immediately.
func (c *Client) execute(p *pending) modbus.Response {
	req := p.req

	c.mu.Lock()
	c.stats.Requests++
	c.mu.Unlock()

	var lastErr error
	var lastTx, lastRx []byte
	var lastElapsed time.Duration

	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			c.mu.Lock()
			c.stats.Retries++
			c.mu.Unlock()
			metrics.RetryCount.Inc()
			time.Sleep(p.retryDelay)
		}

		if c.State() != transport.StateConnected {
			return c.fail(req, msgNotConnected, lastTx, lastRx, lastElapsed)
		}

		result, tx, rx, elapsed, err := c.exchange(req, p.timeout)
		lastTx, lastRx, lastElapsed = tx, rx, elapsed

		if err == nil {
			return c.succeed(req, result, tx, rx, elapsed)
		}
		lastErr = err

		var exc *modbus.ExceptionError
		if errors.As(err, &exc) {
			return c.failException(req, exc, tx, rx, elapsed)
		}
		if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrConnClosed) {
			return c.fail(req, msgNotConnected, tx, rx, elapsed)
		}

		c.log.Debug("exchange attempt failed",
			"function", req.Function.String(),
			"slave", req.SlaveID,
			"attempt", attempt+1,
			"error", err)
	}

	msg := lastErr.Error()
	if errors.Is(lastErr, transport.ErrTimeout) {
		msg = msgTimeout
	}
	return c.fail(req, msg, lastTx, lastRx, lastElapsed)
}

// exchange performs one send/receive round trip.
func (c *Client) exchange(req modbus.Request, timeout time.Duration) (result *modbus.PDUResult, tx, rx []byte, elapsed time.Duration, err error) {
	var txID uint16

	if c.opts.Mode == ModeTCP {
		tx, txID, err = c.tcpCodec.Encode(req)
	} else {
		tx, err = c.rtuCodec.Encode(req)
	}
	if err != nil {
		return nil, nil, nil, 0, err
	}

	// Reset drops stale bytes and the previous primed length, so the RTU
	// parser is re-primed after it.
	c.buffer.Reset()
	if c.opts.Mode == ModeRTU {
		c.rtuParser.Expect(c.rtuCodec.ExpectedResponseLength(req))
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err = c.tr.Send(ctx, tx); err != nil {
		return nil, tx, nil, time.Since(start), err
	}

	for {
		chunk, rerr := c.tr.Receive(ctx)
		if rerr != nil {
			return nil, tx, rx, time.Since(start), rerr
		}
		rx = append(rx, chunk...)
		if werr := c.buffer.Write(chunk); werr != nil {
			return nil, tx, rx, time.Since(start), werr
		}

		frame, perr := c.buffer.Next()
		if errors.Is(perr, parser.ErrIncompleteFrame) {
			continue
		}
		if perr != nil {
			return nil, tx, rx, time.Since(start), perr
		}

		elapsed = time.Since(start)
		if c.opts.Mode == ModeTCP {
			result, err = c.tcpCodec.Decode(frame, req, txID)
		} else {
			result, err = c.rtuCodec.Decode(frame, req)
		}
		return result, tx, rx, elapsed, err
	}
}

// succeed builds the success response, converting registers per the
// request's format.
func (c *Client) succeed(req modbus.Request, result *modbus.PDUResult, tx, rx []byte, elapsed time.Duration) modbus.Response {
	resp := modbus.Response{
		Success:   true,
		Registers: result.Registers,
		Coils:     result.Coils,
		TxBytes:   tx,
		RxBytes:   rx,
		Elapsed:   elapsed,
		Timestamp: time.Now(),
	}

	// Write functions echo the submitted values back to the caller.
	if req.Function.IsWrite() && !req.Function.IsRead() {
		if req.Function.IsCoil() {
			resp.Coils = req.WriteCoils
			if req.Function == modbus.FuncWriteSingleCoil {
				resp.Coils = req.WriteCoils[:1]
			}
		} else {
			resp.Registers = req.WriteValues
		}
	}

	if len(resp.Registers) > 0 {
		values, err := modbus.ConvertRegisters(resp.Registers, req.Format, req.Order)
		if err == nil {
			resp.Values = values
		} else {
			c.log.Debug("register conversion failed", "format", req.Format.String(), "error", err)
		}
	}

	c.mu.Lock()
	c.stats.Successes++
	c.mu.Unlock()
	metrics.ObserveRequest(req.Function.String(), metrics.StatusSuccess, elapsed.Seconds())

	c.record(req, resp)
	return resp
}

// failException builds the terminal response for a device-reported
// exception. Exceptions are authoritative answers and are never retried.
func (c *Client) failException(req modbus.Request, exc *modbus.ExceptionError, tx, rx []byte, elapsed time.Duration) modbus.Response {
	resp := modbus.FailureResponse(modbus.ExceptionMessage(exc.Code))
	resp.Exception = exc.Code
	resp.TxBytes = tx
	resp.RxBytes = rx
	resp.Elapsed = elapsed

	c.mu.Lock()
	c.stats.Failures++
	c.stats.Exceptions++
	c.mu.Unlock()
	metrics.ObserveRequest(req.Function.String(), metrics.StatusFailed, elapsed.Seconds())
	metrics.IncException(fmt.Sprintf("0x%02X", exc.Code))

	c.record(req, resp)
	return resp
}

func (c *Client) fail(req modbus.Request, msg string, tx, rx []byte, elapsed time.Duration) modbus.Response {
	resp := modbus.FailureResponse(msg)
	resp.TxBytes = tx
	resp.RxBytes = rx
	resp.Elapsed = elapsed

	c.mu.Lock()
	c.stats.Failures++
	c.mu.Unlock()
	metrics.ObserveRequest(req.Function.String(), metrics.StatusFailed, elapsed.Seconds())

	c.record(req, resp)
	return resp
}

// recordFailure counts and records a request that never reached the wire.
func (c *Client) recordFailure(req modbus.Request, msg string) {
	c.mu.Lock()
	c.stats.Requests++
	c.stats.Failures++
	c.mu.Unlock()
	metrics.RequestCount.WithLabelValues(req.Function.String(), metrics.StatusFailed).Inc()

	c.record(req, modbus.FailureResponse(msg))
}

func (c *Client) record(req modbus.Request, resp modbus.Response) {
	if c.opts.History == nil {
		return
	}
	if err := c.opts.History.Save(history.NewRecord(req, resp)); err != nil {
		c.log.Warn("history save failed", "error", err)
	}
}

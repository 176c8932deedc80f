package hub

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ttybridge/devhubd-go/bert"
	"github.com/ttybridge/devhubd-go/framing"
	"github.com/ttybridge/devhubd-go/memorywriter"
	"github.com/ttybridge/devhubd-go/rsp"
)

// One actor goroutine per physical device. The actor exclusively owns
// the bridging subprocess, the framer buffers and the correlation
// table; everything else talks to it through the command channel.

// Frame tags select the logical sub-channel of application-mode
// frames (2 bytes, big-endian, in front of the payload).
const (
	TagGDB   uint16 = 0xFFFD // debug passthrough
	TagInfo  uint16 = 0xFFFB // textual log output
	TagReply uint16 = 0xFFFA // correlated call replies
	TagTerm  uint16 = 0xFFF6 // BERT-encoded terms
)

// Mode is the call style the resident firmware supports.
type Mode int

const (
	ModeBootloader Mode = iota
	ModeApplication
)

func (m Mode) String() string {
	if m == ModeApplication {
		return "application"
	}
	return "bootloader"
}

var (
	ErrCallInProgress = errors.New("hub: another call is in progress")
	ErrTimeout        = errors.New("hub: call timed out")
	ErrDeviceGone     = errors.New("hub: device is gone")
)

// Record is a diagnostic snapshot of a device actor's state.
type Record struct {
	ID               string `json:"id"`
	Host             string `json:"host"`
	Path             string `json:"path"`
	Port             int    `json:"port"`
	Mode             string `json:"mode"`
	UID              string `json:"uid,omitempty"`
	DecodeProto      string `json:"decode_proto"`
	EncodeProto      string `json:"encode_proto"`
	PendingBytes     int    `json:"pending_bytes"`
	OutstandingCalls int    `json:"outstanding_calls"`
	HasPeer          bool   `json:"has_peer"`
}

type callResult struct {
	data []byte
	err  error
}

// pendingCall tracks the single outstanding boot-loader or
// application-mode call.
type pendingCall struct {
	asm   rsp.Assembler
	reply chan callResult
	seq   int
	timer *time.Timer
}

type Device struct {
	id      string
	host    string
	path    string
	port    int
	hub     *Hub
	spawner Spawner
	timeout time.Duration
	log     *memorywriter.MemoryWriter

	cmds chan func()
	data chan []byte
	done chan struct{}

	// loop-owned state below; never touched outside run()
	bridge      Bridge
	mode        Mode
	uid         string
	decodeFam   framing.Family
	encodeFam   framing.Family
	dec         framing.Codec
	enc         framing.Codec
	rest        []byte // undecoded trailing bytes
	lineBuf     []byte // partial info line carried between frames
	table       *Table
	forward     func([]byte) // explicit target, pre-empts handler
	handler     func([]byte) // default handler for unmatched frames
	peer        *Device
	pendingBoot *pendingCall
	pendingApp  *pendingCall
	callSeq     int
	srv         *debugServer

	stopping   bool
	stopReason string
}

func newDevice(h *Hub, id string, n Notification, port int, spawner Spawner, timeout time.Duration, log *memorywriter.MemoryWriter) *Device {
	d := &Device{
		id:      id,
		host:    n.Host,
		path:    n.Path,
		port:    port,
		hub:     h,
		spawner: spawner,
		timeout: timeout,
		log:     log,
		cmds:    make(chan func()),
		data:    make(chan []byte),
		done:    make(chan struct{}),
		mode:    ModeBootloader,
		table:   NewTable(),
	}
	if n.AppRunning {
		d.mode = ModeApplication
	}
	d.bindFraming(framing.Raw{}, framing.Raw{})
	return d
}

func (d *Device) ID() string   { return d.id }
func (d *Device) Port() int    { return d.port }
func (d *Device) Path() string { return d.path }

// Done closes when the actor has terminated; the registry's liveness
// watch waits on it.
func (d *Device) Done() <-chan struct{} { return d.done }

func (d *Device) logf(format string, args ...interface{}) {
	d.log.Log(d.id + " - " + fmt.Sprintf(format, args...))
}

func (d *Device) bindFraming(dec, enc framing.Family) {
	d.decodeFam = dec
	d.encodeFam = enc
	d.dec = dec.Codec()
	d.enc = enc.Codec()
}

// run is the actor loop.
func (d *Device) run() {
	d.logf("connecting to %s on %s", d.path, d.host)
	bridge, err := d.spawner.Spawn(d.host, d.path)
	if err != nil {
		d.logf("bridge spawn failed: %s", err)
		close(d.done)
		return
	}
	d.bridge = bridge

	go d.readLoop()

	if d.mode == ModeBootloader {
		// metadata query runs detached so the loop stays responsive
		go d.negotiate()
	} else {
		d.logf("application already running, skipping metadata query")
		d.startServer()
	}

	for {
		select {
		case f := <-d.cmds:
			f()
		case chunk, ok := <-d.data:
			if !ok {
				d.stop("bridge channel closed")
			} else {
				d.handleData(chunk)
			}
		case err := <-d.bridge.Done():
			if err != nil {
				d.stop(fmt.Sprintf("bridge exited: %s", err))
			} else {
				d.stop("bridge exited")
			}
		}
		if d.stopping {
			d.cleanup()
			return
		}
	}
}

// readLoop pumps the bridge into the actor; it is the only reader of
// the bridge and the only sender on d.data.
func (d *Device) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := d.bridge.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case d.data <- chunk:
			case <-d.done:
				return
			}
		}
		if err != nil {
			close(d.data)
			return
		}
	}
}

// do runs f inside the actor loop.
func (d *Device) do(f func()) error {
	select {
	case d.cmds <- f:
		return nil
	case <-d.done:
		return ErrDeviceGone
	}
}

func (d *Device) stop(reason string) {
	if !d.stopping {
		d.stopping = true
		d.stopReason = reason
	}
}

func (d *Device) cleanup() {
	d.logf("terminating: %s", d.stopReason)
	d.failPending(&d.pendingBoot, ErrDeviceGone)
	d.failPending(&d.pendingApp, ErrDeviceGone)
	if d.srv != nil {
		d.srv.close()
	}
	if err := d.bridge.Close(); err != nil {
		d.logf("bridge close: %s", err)
	}
	close(d.done)
}

func (d *Device) failPending(p **pendingCall, err error) {
	if *p == nil {
		return
	}
	(*p).timer.Stop()
	(*p).reply <- callResult{err: err}
	*p = nil
}

// negotiate asks the boot loader for the device's unique identifier
// and its protocol names, then binds the framer pair and starts the
// debug server. Failures are logged; the device keeps running with
// raw framing.
func (d *Device) negotiate() {
	uid, uidErr := d.monitor("uid")
	proto, protoErr := d.monitor("protocol")
	proto2, _ := d.monitor("protocol2")

	errDo := d.do(func() {
		if uidErr != nil {
			d.logf("metadata: uid query failed: %s", uidErr)
		} else {
			d.uid = string(uid)
			d.logf("metadata: uid %s", d.uid)
		}
		if protoErr != nil {
			d.logf("metadata: protocol query failed: %s", protoErr)
		} else {
			d.bindNegotiated(string(proto), string(proto2))
		}
		d.startServer()
	})
	if errDo != nil {
		return
	}
	if uidErr == nil && protoErr == nil {
		d.hub.deviceReady(d, string(uid))
	}
}

// bindNegotiated selects the decode family from the inbound default
// and the encode family from the override, when there is one.
func (d *Device) bindNegotiated(proto, proto2 string) {
	dec, err := framing.Parse(proto)
	if err != nil {
		d.logf("metadata: %s", err)
		return
	}
	enc := dec
	if proto2 != "" {
		if f, err := framing.Parse(proto2); err == nil {
			enc = f
		} else {
			d.logf("metadata: %s", err)
		}
	}
	d.bindFraming(dec, enc)
	d.logf("metadata: decode %s encode %s", d.decodeFam, d.encodeFam)
}

// monitor runs one qRcmd round trip over the boot-loader call path.
// Stubs acknowledge before answering, so bare acks are skipped.
func (d *Device) monitor(cmd string) ([]byte, error) {
	packet, err := d.BootCall(rsp.Wrap(rsp.MonitorCommand(cmd)), d.timeout)
	for err == nil && len(packet) == 1 && packet[0] == '+' {
		packet, err = d.bootWait(d.timeout)
	}
	if err != nil {
		return nil, err
	}
	payload, err := rsp.Unwrap(packet)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(string(payload))
}

// bootWait waits for the next complete packet without sending
// anything.
func (d *Device) bootWait(timeout time.Duration) ([]byte, error) {
	return d.call(func(reply chan callResult) {
		if d.pendingBoot != nil {
			reply <- callResult{err: ErrCallInProgress}
			d.stop("second boot-loader call while one is outstanding")
			return
		}
		d.callSeq++
		seq := d.callSeq
		d.pendingBoot = &pendingCall{
			reply: reply,
			seq:   seq,
			timer: time.AfterFunc(timeout, func() {
				_ = d.do(func() { d.expire(&d.pendingBoot, seq) })
			}),
		}
	})
}

func (d *Device) startServer() {
	srv, err := newDebugServer(d.hub, d.id, d.port, d.timeout, d.log)
	if err != nil {
		// known limitation: no retry with a different port
		d.logf("debug server bind failed on %d: %s", d.port, err)
		return
	}
	d.srv = srv
	d.logf("debug server on port %d", d.port)
}

// call sends a start function into the loop, then blocks for its
// reply.
func (d *Device) call(start func(reply chan callResult)) ([]byte, error) {
	reply := make(chan callResult, 1)
	if err := d.do(func() { start(reply) }); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.data, res.err
	case <-d.done:
		// a result may have been buffered just before termination
		select {
		case res := <-reply:
			return res.data, res.err
		default:
			return nil, ErrDeviceGone
		}
	}
}

// BootCall is the synchronous pass-through call: raw request bytes go
// straight to the bridge and the reply is whatever the incremental
// assembler completes next. One in flight at a time; a second one is
// fatal to the actor.
func (d *Device) BootCall(req []byte, timeout time.Duration) ([]byte, error) {
	return d.call(func(reply chan callResult) {
		d.startBootCall(req, timeout, reply)
	})
}

func (d *Device) startBootCall(req []byte, timeout time.Duration, reply chan callResult) {
	if d.pendingBoot != nil {
		reply <- callResult{err: ErrCallInProgress}
		d.stop("second boot-loader call while one is outstanding")
		return
	}
	// a bare ack never gets an answer from the device
	if len(req) == 1 && req[0] == '+' {
		reply <- callResult{data: []byte{}}
		return
	}
	if _, err := d.bridge.Write(req); err != nil {
		reply <- callResult{err: err}
		d.stop(fmt.Sprintf("bridge write failed: %s", err))
		return
	}
	d.callSeq++
	seq := d.callSeq
	d.pendingBoot = &pendingCall{
		reply: reply,
		seq:   seq,
		timer: time.AfterFunc(timeout, func() {
			_ = d.do(func() { d.expire(&d.pendingBoot, seq) })
		}),
	}
}

// AppCall is the tag-wrapped call used once the application is
// running: the request goes out on the debug sub-channel and the
// reply is assembled from inbound debug-tagged frames.
func (d *Device) AppCall(req []byte, timeout time.Duration) ([]byte, error) {
	return d.call(func(reply chan callResult) {
		d.startAppCall(req, timeout, reply)
	})
}

func (d *Device) startAppCall(req []byte, timeout time.Duration, reply chan callResult) {
	if d.pendingApp != nil {
		reply <- callResult{err: ErrCallInProgress}
		d.stop("second application-mode call while one is outstanding")
		return
	}
	frame := make([]byte, 2, 2+len(req))
	binary.BigEndian.PutUint16(frame, TagGDB)
	frame = append(frame, req...)
	if _, err := d.bridge.Write(d.enc.Encode(frame)); err != nil {
		reply <- callResult{err: err}
		d.stop(fmt.Sprintf("bridge write failed: %s", err))
		return
	}
	d.callSeq++
	seq := d.callSeq
	d.pendingApp = &pendingCall{
		reply: reply,
		seq:   seq,
		timer: time.AfterFunc(timeout, func() {
			_ = d.do(func() { d.expire(&d.pendingApp, seq) })
		}),
	}
}

func (d *Device) expire(p **pendingCall, seq int) {
	if *p == nil || (*p).seq != seq {
		return
	}
	d.logf("call %d timed out", seq)
	(*p).reply <- callResult{err: ErrTimeout}
	*p = nil
}

// Call is the generic correlated call: the token rides along as an
// opaque ack blob and the reply comes back on the reply tag.
func (d *Device) Call(payload []byte, timeout time.Duration) ([]byte, error) {
	replyCh := make(chan []byte, 1)
	var token int
	err := d.do(func() {
		token = d.table.Allocate(replyCh)
		ack, err := bert.Encode(bert.Int(token))
		if err != nil {
			// unreachable for small ints; keep the table clean anyway
			_, _ = d.table.Resolve(token)
			d.logf("ack encode: %s", err)
			return
		}
		frame := make([]byte, 2, 2+len(payload)+1+len(ack))
		binary.BigEndian.PutUint16(frame, TagGDB)
		frame = append(frame, payload...)
		frame = append(frame, byte(len(ack)))
		frame = append(frame, ack...)
		d.sendFrame(frame)
	})
	if err != nil {
		return nil, err
	}
	select {
	case p := <-replyCh:
		return p, nil
	case <-time.After(timeout):
		// release the token; the reply, if it ever comes, is logged
		// by the dispatcher as unknown
		_ = d.do(func() {
			w, err := d.table.Resolve(token)
			if err == nil && w != (chan<- []byte)(replyCh) {
				// the token was already reused by a later call
				d.table.waiting[token] = w
			}
		})
		select {
		case p := <-replyCh:
			return p, nil
		default:
		}
		return nil, ErrTimeout
	case <-d.done:
		return nil, ErrDeviceGone
	}
}

// Send transmits one application frame through the encoder. The first
// such raw send is what flips the device out of boot-loader mode.
func (d *Device) Send(frame []byte) error {
	return d.do(func() { d.sendFrame(frame) })
}

func (d *Device) sendFrame(frame []byte) {
	if d.mode == ModeBootloader {
		d.mode = ModeApplication
		d.logf("switching to application mode")
	}
	if _, err := d.bridge.Write(d.enc.Encode(frame)); err != nil {
		d.stop(fmt.Sprintf("bridge write failed: %s", err))
	}
}

// SetForward binds the explicit forward target; it pre-empts the
// default handler.
func (d *Device) SetForward(f func([]byte)) error {
	return d.do(func() { d.forward = f })
}

// SetHandler binds the default handler for frames nothing else
// consumed.
func (d *Device) SetHandler(f func([]byte)) error {
	return d.do(func() { d.handler = f })
}

// LinkPeer binds a relay partner; undispatched frames are sent to it.
func (d *Device) LinkPeer(p *Device) error {
	return d.do(func() { d.peer = p })
}

// Snapshot dumps the current record for diagnostics.
func (d *Device) Snapshot() (Record, error) {
	var rec Record
	err := d.do(func() {
		rec = Record{
			ID:               d.id,
			Host:             d.host,
			Path:             d.path,
			Port:             d.port,
			Mode:             d.mode.String(),
			UID:              d.uid,
			DecodeProto:      d.decodeFam.String(),
			EncodeProto:      d.encodeFam.String(),
			PendingBytes:     len(d.rest),
			OutstandingCalls: d.table.Outstanding(),
			HasPeer:          d.peer != nil,
		}
	})
	return rec, err
}

// CurrentMode tells the debug server which call style to use.
func (d *Device) CurrentMode() Mode {
	res := make(chan Mode, 1)
	if err := d.do(func() { res <- d.mode }); err != nil {
		return ModeBootloader
	}
	select {
	case m := <-res:
		return m
	case <-d.done:
		return ModeBootloader
	}
}

// handleData dispatches one chunk from the bridge.
func (d *Device) handleData(chunk []byte) {
	if d.mode == ModeBootloader {
		d.handleBootData(chunk)
		return
	}
	d.rest = append(d.rest, chunk...)
	for {
		frame, rest, err := d.dec.Decode(d.rest)
		if err != nil {
			// drop the buffer and resynchronize on the next frame
			d.logf("framing error, resetting buffer: %s", err)
			d.rest = nil
			return
		}
		if frame == nil {
			d.rest = rest
			return
		}
		d.rest = rest
		if len(frame) > 0 {
			d.dispatchFrame(frame)
		}
		if len(d.rest) == 0 {
			return
		}
	}
}

// handleBootData feeds bytes into the pending pass-through call, if
// any; otherwise the chunk is unconsumed.
func (d *Device) handleBootData(chunk []byte) {
	if d.pendingBoot == nil {
		d.unconsumed(chunk)
		return
	}
	packets := d.pendingBoot.asm.Feed(chunk)
	if len(packets) == 0 {
		return
	}
	p := d.pendingBoot
	p.timer.Stop()
	d.pendingBoot = nil
	p.reply <- callResult{data: packets[0]}
	for _, extra := range packets[1:] {
		d.logf("discarding packet with no waiter: %q", extra)
	}
}

func (d *Device) dispatchFrame(frame []byte) {
	if len(frame) < 2 {
		d.logf("short frame: %q", frame)
		return
	}
	tag := binary.BigEndian.Uint16(frame)
	body := frame[2:]
	switch tag {
	case TagGDB:
		d.feedDebug(body)
	case TagInfo:
		d.infoLines(body)
	case TagReply:
		d.resolveReply(body)
	case TagTerm:
		term, err := bert.Decode(body)
		if err != nil {
			d.logf("term frame undecodable: %s: %q", err, body)
		} else {
			d.logf("term: %s", term)
		}
	default:
		d.unconsumed(frame)
	}
}

// feedDebug routes debug-tagged bytes into whichever call is waiting.
func (d *Device) feedDebug(body []byte) {
	p := d.pendingApp
	if p == nil {
		p = d.pendingBoot
	}
	if p == nil {
		d.logf("debug data with no waiter: %q", body)
		return
	}
	packets := p.asm.Feed(body)
	if len(packets) == 0 {
		return
	}
	p.timer.Stop()
	if p == d.pendingApp {
		d.pendingApp = nil
	} else {
		d.pendingBoot = nil
	}
	p.reply <- callResult{data: packets[0]}
	for _, extra := range packets[1:] {
		d.logf("discarding packet with no waiter: %q", extra)
	}
}

// infoLines buffers textual output and logs one line per newline.
func (d *Device) infoLines(body []byte) {
	d.lineBuf = append(d.lineBuf, body...)
	for {
		i := bytes.IndexByte(d.lineBuf, '\n')
		if i < 0 {
			return
		}
		d.logf("info: %s", d.lineBuf[:i])
		d.lineBuf = d.lineBuf[i+1:]
	}
}

// resolveReply decodes the ack blob of a reply frame and delivers the
// payload to the original caller. Bad acks are logged and dropped.
func (d *Device) resolveReply(body []byte) {
	if len(body) < 1 || len(body) < 1+int(body[0]) {
		d.logf("reply frame with truncated ack: %q", body)
		return
	}
	n := int(body[0])
	ack := body[1 : 1+n]
	payload := body[1+n:]
	term, err := bert.Decode(ack)
	if err != nil {
		d.logf("reply ack undecodable: %s", err)
		return
	}
	token, ok := term.(bert.Int)
	if !ok {
		d.logf("reply ack is not a token: %s", term)
		return
	}
	waiter, err := d.table.Resolve(int(token))
	if err != nil {
		d.logf("reply for token %d: %s", token, err)
		return
	}
	waiter <- payload
}

// unconsumed hands a frame to the forward target, the default
// handler, or the linked peer, in that order.
func (d *Device) unconsumed(frame []byte) {
	switch {
	case d.forward != nil:
		d.forward(frame)
	case d.handler != nil:
		d.handler(frame)
	case d.peer != nil:
		peer := d.peer
		go func() {
			if err := peer.Send(frame); err != nil {
				d.log.Log(fmt.Sprintf("%s - peer relay: %s", d.id, err))
			}
		}()
	default:
		d.logf("unconsumed frame: %q", frame)
	}
}

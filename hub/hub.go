package hub

import (
	"errors"
	"hash/fnv"
	"sort"
	"time"

	"github.com/ttybridge/devhubd-go/memorywriter"
)

// Hub is the process-wide directory of device actors. It is itself an
// actor: the identity map is mutated only inside run(), and everything
// else goes through queries.

var ErrDeviceNotFound = errors.New("hub: device not found")

const (
	// debug ports are picked deterministically out of this window;
	// collisions are not detected (known limitation)
	DefaultPortBase  = 10000
	DefaultPortRange = 16384

	DefaultCallTimeout = 3 * time.Second
)

// Notification is one device-attached event from the external
// discovery source.
type Notification struct {
	Host       string `json:"host" yaml:"host"`
	Path       string `json:"path" yaml:"path"`
	USBPort    string `json:"usb_port" yaml:"usb_port"`
	AppRunning bool   `json:"app_running" yaml:"app_running"`
}

// Identity derives the stable registry key: the physical USB port
// survives re-enumeration under a different device file, so it wins
// over the raw path.
func Identity(n Notification) string {
	if n.USBPort != "" {
		return n.Host + ":" + n.USBPort
	}
	return n.Host + ":" + n.Path
}

// Port computes the deterministic debug port for a device.
func Port(host, path string, base, span int) int {
	h := fnv.New32a()
	h.Write([]byte(host))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return base + int(h.Sum32()%uint32(span))
}

type Config struct {
	PortBase    int
	PortRange   int
	CallTimeout time.Duration
}

type Hub struct {
	cmds    chan func()
	spawner Spawner
	log     *memorywriter.MemoryWriter
	cfg     Config

	// owned by run()
	devices map[string]*Device
	uids    map[string]string // negotiated uid -> identity
}

func New(spawner Spawner, log *memorywriter.MemoryWriter, cfg Config) *Hub {
	if cfg.PortBase == 0 {
		cfg.PortBase = DefaultPortBase
	}
	if cfg.PortRange == 0 {
		cfg.PortRange = DefaultPortRange
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	h := &Hub{
		cmds:    make(chan func()),
		spawner: spawner,
		log:     log,
		cfg:     cfg,
		devices: make(map[string]*Device),
		uids:    make(map[string]string),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for f := range h.cmds {
		f()
	}
}

func (h *Hub) do(f func()) {
	done := make(chan struct{})
	h.cmds <- func() {
		f()
		close(done)
	}
	<-done
}

// Attach handles one device-attached notification. Attaching an
// already-registered identity is a no-op returning the existing actor.
func (h *Hub) Attach(n Notification) (*Device, error) {
	id := Identity(n)
	var dev *Device
	h.do(func() {
		if existing, ok := h.devices[id]; ok {
			h.log.Log("hub - " + id + " already registered")
			dev = existing
			return
		}
		port := Port(n.Host, n.Path, h.cfg.PortBase, h.cfg.PortRange)
		d := newDevice(h, id, n, port, h.spawner, h.cfg.CallTimeout, h.log)
		h.devices[id] = d
		h.log.Log("hub - registered " + id)
		go d.run()
		// liveness watch: deregister when the actor terminates
		go func() {
			<-d.Done()
			h.do(func() { h.remove(d) })
		}()
		dev = d
	})
	return dev, nil
}

func (h *Hub) remove(d *Device) {
	cur, ok := h.devices[d.id]
	if !ok || cur != d {
		h.log.Log("hub - warning: terminated device " + d.id + " was not registered")
		return
	}
	delete(h.devices, d.id)
	for uid, id := range h.uids {
		if id == d.id {
			delete(h.uids, uid)
		}
	}
	h.log.Log("hub - deregistered " + d.id)
}

// deviceReady records the negotiated unique identifier. Called from
// the device's metadata helper, never from its actor loop.
func (h *Hub) deviceReady(d *Device, uid string) {
	h.do(func() {
		// the actor may have terminated and been deregistered while
		// the metadata query was still in flight
		if h.devices[d.id] != d {
			h.log.Log("hub - ignoring ready from deregistered " + d.id)
			return
		}
		h.uids[uid] = d.id
		h.log.Log("hub - " + d.id + " ready, uid " + uid)
	})
}

// Device resolves an identity to the current actor handle.
func (h *Hub) Device(id string) (*Device, error) {
	var dev *Device
	h.do(func() { dev = h.devices[id] })
	if dev == nil {
		return nil, ErrDeviceNotFound
	}
	return dev, nil
}

// Identities lists all registered identities, sorted.
func (h *Hub) Identities() []string {
	var ids []string
	h.do(func() {
		for id := range h.devices {
			ids = append(ids, id)
		}
	})
	sort.Strings(ids)
	return ids
}

// UIDs lists the negotiated unique identifiers with their current
// identity.
func (h *Hub) UIDs() map[string]string {
	out := make(map[string]string)
	h.do(func() {
		for uid, id := range h.uids {
			out[uid] = id
		}
	})
	return out
}

// Dump snapshots one device record for diagnostics.
func (h *Hub) Dump(id string) (Record, error) {
	dev, err := h.Device(id)
	if err != nil {
		return Record{}, err
	}
	return dev.Snapshot()
}

// Records snapshots every registered device.
func (h *Hub) Records() []Record {
	var recs []Record
	for _, id := range h.Identities() {
		rec, err := h.Dump(id)
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

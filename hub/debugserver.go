package hub

import (
	"fmt"
	"net"
	"time"

	"github.com/ttybridge/devhubd-go/memorywriter"
	"github.com/ttybridge/devhubd-go/rsp"
)

// debugServer is the per-device TCP listener speaking the framed
// debug protocol. Connections are resolved to the device through the
// registry by identity, not by actor handle, so a restarted actor is
// picked up without the client reconnecting.
type debugServer struct {
	hub     *Hub
	id      string
	timeout time.Duration
	ln      net.Listener
	log     *memorywriter.MemoryWriter
}

func newDebugServer(h *Hub, id string, port int, timeout time.Duration, log *memorywriter.MemoryWriter) (*debugServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	s := &debugServer{
		hub:     h,
		id:      id,
		timeout: timeout,
		ln:      ln,
		log:     log,
	}
	go s.acceptLoop()
	return s, nil
}

func (s *debugServer) close() {
	if err := s.ln.Close(); err != nil {
		s.log.Log(fmt.Sprintf("%s - debug listener close: %s", s.id, err))
	}
}

func (s *debugServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// listener closed by the owning actor
			return
		}
		go s.serve(conn)
	}
}

// serve runs one fully synchronous request/reply loop per connection:
// read a complete packet, dispatch it by the device's current mode,
// write back the non-empty replies. Errors drop the connection.
func (s *debugServer) serve(conn net.Conn) {
	defer func() {
		if err := conn.Close(); err != nil {
			s.log.Log(fmt.Sprintf("%s - debug conn close: %s", s.id, err))
		}
	}()

	for {
		packet, err := rsp.ReadPacket(conn)
		if err != nil {
			return
		}

		dev, err := s.hub.Device(s.id)
		if err != nil {
			s.log.Log(fmt.Sprintf("%s - debug request for gone device", s.id))
			return
		}

		var reply []byte
		if dev.CurrentMode() == ModeBootloader {
			reply, err = dev.BootCall(packet, s.timeout)
		} else {
			reply, err = dev.AppCall(packet, s.timeout)
		}
		if err != nil {
			s.log.Log(fmt.Sprintf("%s - debug call: %s", s.id, err))
			return
		}
		if len(reply) == 0 {
			continue
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

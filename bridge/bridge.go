package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/ttybridge/devhubd-go/hub"
	"github.com/ttybridge/devhubd-go/memorywriter"
)

// Package bridge implements the spawn collaborators that give the hub
// byte-level access to a serial line: an external subprocess per
// device, or a dialed socket for devices exposed by a remote agent.

// Command spawns the configured bridging subprocess and exposes its
// stdin/stdout as the byte channel. Occurrences of {devpath} in the
// argv template are replaced with the device file path; devices on
// other hosts are reached by prefixing the remote shell.
type Command struct {
	Argv        []string // e.g. ["ttybridge", "-raw", "{devpath}"]
	RemoteShell []string // e.g. ["ssh"]; empty disables remote spawning
	LocalHost   string   // host name treated as local, "" means any
	Log         *memorywriter.MemoryWriter
}

func (c *Command) Spawn(host, devpath string) (hub.Bridge, error) {
	if len(c.Argv) == 0 {
		return nil, errors.New("bridge: no command configured")
	}
	argv := make([]string, len(c.Argv))
	for i, a := range c.Argv {
		argv[i] = strings.ReplaceAll(a, "{devpath}", devpath)
	}
	if host != "" && host != c.LocalHost {
		if len(c.RemoteShell) == 0 {
			return nil, fmt.Errorf("bridge: no remote shell configured for host %s", host)
		}
		remote := append([]string{}, c.RemoteShell...)
		remote = append(remote, host, strings.Join(argv, " "))
		argv = remote
	}

	c.Log.Log("bridge - spawning " + strings.Join(argv, " "))
	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = c.Log

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	return &process{
		in:   stdin,
		out:  stdout,
		cmd:  cmd,
		done: done,
	}, nil
}

type process struct {
	in   io.WriteCloser
	out  io.ReadCloser
	cmd  *exec.Cmd
	done chan error
}

func (p *process) Read(buf []byte) (int, error)  { return p.out.Read(buf) }
func (p *process) Write(buf []byte) (int, error) { return p.in.Write(buf) }

func (p *process) Done() <-chan error { return p.done }

// Close ends the subprocess; closing stdin is the polite signal, the
// kill covers bridges that ignore it. Whether the process already
// exited is read off the done channel, not cmd.ProcessState, which the
// Wait goroutine may still be writing.
func (p *process) Close() error {
	errIn := p.in.Close()
	select {
	case err := <-p.done:
		// already exited; keep the status available for Done readers
		p.done <- err
	default:
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}
	return errIn
}

// TCP dials a socket bridge. The device path is either a full
// "addr:port" endpoint or a bare port joined with the host.
type TCP struct {
	Log *memorywriter.MemoryWriter
}

func (t *TCP) Spawn(host, devpath string) (hub.Bridge, error) {
	endpoint := devpath
	if !strings.Contains(devpath, ":") {
		endpoint = net.JoinHostPort(host, devpath)
	}
	t.Log.Log("bridge - dialing " + endpoint)
	conn, err := net.Dial("tcp", endpoint)
	if err != nil {
		return nil, err
	}
	return &socket{Conn: conn, done: make(chan error, 1)}, nil
}

type socket struct {
	net.Conn
	done chan error
}

func (s *socket) Done() <-chan error { return s.done }

func (s *socket) Close() error {
	err := s.Conn.Close()
	select {
	case s.done <- err:
	default:
	}
	return err
}

package bridge

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ttybridge/devhubd-go/memorywriter"
)

func testLog(t *testing.T) *memorywriter.MemoryWriter {
	t.Helper()
	mw, err := memorywriter.New(90000, 200, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	return mw
}

func TestCommandSpawnPipes(t *testing.T) {
	c := &Command{Argv: []string{"cat"}, Log: testLog(t)}
	b, err := c.Spawn("", "/dev/ttyFake")
	if err != nil {
		t.Fatalf("spawn: %s", err)
	}
	defer b.Close()

	if _, err := b.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(b).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "hello\n" {
		t.Errorf("read %q, want hello", line)
	}
}

func TestCommandSubstitutesDevpath(t *testing.T) {
	c := &Command{Argv: []string{"echo", "{devpath}"}, Log: testLog(t)}
	b, err := c.Spawn("", "/dev/ttyACM3")
	if err != nil {
		t.Fatalf("spawn: %s", err)
	}
	defer b.Close()

	out, err := io.ReadAll(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, []byte("/dev/ttyACM3\n")) {
		t.Errorf("output = %q, want the substituted path", out)
	}

	select {
	case err := <-b.Done():
		if err != nil {
			t.Errorf("echo exited with %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Done never fired after the process exited")
	}
}

// A remote device is reached by handing the whole command line to the
// remote shell; echo standing in for ssh shows what would run.
func TestCommandRemoteShell(t *testing.T) {
	c := &Command{
		Argv:        []string{"ttybridge", "{devpath}"},
		RemoteShell: []string{"echo"},
		LocalHost:   "here",
		Log:         testLog(t),
	}
	b, err := c.Spawn("lab", "/dev/ttyUSB0")
	if err != nil {
		t.Fatalf("spawn: %s", err)
	}
	defer b.Close()

	out, err := io.ReadAll(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, []byte("lab ttybridge /dev/ttyUSB0\n")) {
		t.Errorf("remote command = %q", out)
	}
}

// Closing a bridge whose process already exited must not error, and
// the exit status has to stay readable afterwards.
func TestCommandCloseAfterExit(t *testing.T) {
	c := &Command{Argv: []string{"echo", "done"}, Log: testLog(t)}
	b, err := c.Spawn("", "/dev/ttyFake")
	if err != nil {
		t.Fatalf("spawn: %s", err)
	}
	// EOF on stdout means the process is gone
	if _, err := io.ReadAll(b); err != nil {
		t.Fatal(err)
	}
	// give the exit status time to land without consuming it
	time.Sleep(50 * time.Millisecond)

	if err := b.Close(); err != nil {
		t.Errorf("close after exit: %s", err)
	}
	select {
	case err := <-b.Done():
		if err != nil {
			t.Errorf("echo exited with %s", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("exit status lost after close")
	}
}

func TestCommandCloseKillsRunning(t *testing.T) {
	c := &Command{Argv: []string{"cat"}, Log: testLog(t)}
	b, err := c.Spawn("", "/dev/ttyFake")
	if err != nil {
		t.Fatalf("spawn: %s", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Error("process survived close")
	}
}

func TestCommandRemoteWithoutShell(t *testing.T) {
	c := &Command{Argv: []string{"cat"}, LocalHost: "here", Log: testLog(t)}
	if _, err := c.Spawn("lab", "/dev/ttyUSB0"); err == nil {
		t.Error("remote spawn without a shell did not fail")
	}
}

func TestCommandEmptyArgv(t *testing.T) {
	c := &Command{Log: testLog(t)}
	if _, err := c.Spawn("", "/dev/ttyACM0"); err == nil {
		t.Error("empty argv did not fail")
	}
}

func TestTCPSpawn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
		conn.Close()
	}()

	tr := &TCP{Log: testLog(t)}
	b, err := tr.Spawn("", ln.Addr().String())
	if err != nil {
		t.Fatalf("spawn: %s", err)
	}
	defer b.Close()

	if _, err := b.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte("ping")) {
		t.Errorf("echoed %q, want ping", buf)
	}
}

func TestTCPJoinsBarePort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	tr := &TCP{Log: testLog(t)}
	b, err := tr.Spawn("127.0.0.1", port)
	if err != nil {
		t.Fatalf("spawn with bare port: %s", err)
	}
	b.Close()
}

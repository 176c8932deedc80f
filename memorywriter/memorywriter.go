package memorywriter

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Package memorywriter keeps detailed logs in memory, rotating old
// lines out but always remembering a fixed number of lines from
// startup. The hub and the device actors log here; the status page
// and the log.gz export read it back.

// hardcoded cap so a runaway log line cannot eat memory
const maxLineLength = 500

type MemoryWriter struct {
	mutex sync.Mutex

	maxLineCount int
	lines        [][]byte // rotating tail, lines include newlines
	startCount   int
	startLines   [][]byte // first startCount lines, never rotated

	startTime time.Time
	printTime bool
	tee       io.Writer // optional, for -v
}

func New(size, startSize int, printTime bool, tee io.Writer) (*MemoryWriter, error) {
	if size < 1 || startSize < 1 {
		return nil, errors.New("memorywriter: sizes must be at least 1")
	}
	return &MemoryWriter{
		maxLineCount: size,
		lines:        make([][]byte, 0, size),
		startCount:   startSize,
		startLines:   make([][]byte, 0, startSize),
		startTime:    time.Now(),
		printTime:    printTime,
		tee:          tee,
	}, nil
}

// Log stores one line.
func (m *MemoryWriter) Log(s string) {
	_, err := m.Write([]byte(s + "\n"))
	if err != nil {
		// nothing better left to do
		fmt.Println(err)
	}
}

// Write implements io.Writer; each call is treated as one line.
func (m *MemoryWriter) Write(p []byte) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(p) > maxLineLength {
		p = p[:maxLineLength]
	}

	line := make([]byte, 0, len(p)+32)
	if m.printTime {
		elapsed := time.Since(m.startTime)
		stamp := fmt.Sprintf("[%.6f : %s] ", elapsed.Seconds(), time.Now().Format("15:04:05"))
		line = append(line, stamp...)
	}
	line = append(line, p...)

	if len(m.startLines) < m.startCount {
		m.startLines = append(m.startLines, line)
	} else {
		for len(m.lines) >= m.maxLineCount {
			m.lines = m.lines[1:]
		}
		m.lines = append(m.lines, line)
	}

	if m.tee != nil {
		if _, err := m.tee.Write(line); err != nil {
			fmt.Println(err)
		}
	}
	return len(p), nil
}

// writeTo exports the remembered lines, newest first, with the start
// lines at the bottom and an arbitrary header on top.
func (m *MemoryWriter) writeTo(header string, w io.Writer) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	for i := len(m.lines) - 1; i >= 0; i-- {
		if _, err := w.Write(m.lines[i]); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "...\n"); err != nil {
		return err
	}
	for i := len(m.startLines) - 1; i >= 0; i-- {
		if _, err := w.Write(m.startLines[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryWriter) String(header string) (string, error) {
	var b bytes.Buffer
	if err := m.writeTo(header, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Gzip exports the log as a gzipped file, for the status page download.
func (m *MemoryWriter) Gzip(header string) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	gw.Name = "log.txt"
	if err := m.writeTo(header, gw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

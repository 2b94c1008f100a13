package rtp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// dumpMagic starts every rtpdump file, followed by the source address.
const dumpMagic = "#!rtpplay1.0 0.0.0.0/0\n"

const (
	dumpFileHeaderLen   = 16
	dumpRecordHeaderLen = 8
)

// DumpRecord is one packet read back from an rtpdump file.
type DumpRecord struct {
	OffsetMs uint32
	RTCP     bool
	Data     []byte
}

// DumpWriter records RTP and RTCP packets in rtpdump format. Offsets
// are measured from the moment the file was created.
type DumpWriter struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
	count  uint64
}

// CreateDump creates path and writes the rtpdump file header.
func CreateDump(path string, now time.Time) (*DumpWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CreateDump",
			"path":     path,
			"error":    err.Error(),
		}).Error("Failed to create RTP dump")
		return nil, fmt.Errorf("create dump: %w", err)
	}

	d := &DumpWriter{file: f, w: bufio.NewWriter(f), start: now}
	if err := d.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateDump",
		"path":     path,
	}).Info("RTP dump started")
	return d, nil
}

func (d *DumpWriter) writeHeader() error {
	if _, err := d.w.WriteString(dumpMagic); err != nil {
		return err
	}
	var hdr [dumpFileHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(d.start.Unix()))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(d.start.Nanosecond()/1000))
	_, err := d.w.Write(hdr[:])
	return err
}

// WriteRTP appends an RTP packet.
func (d *DumpWriter) WriteRTP(packet []byte, now time.Time) error {
	return d.write(packet, uint16(len(packet)), now)
}

// WriteRTCP appends an RTCP packet. RTCP records carry a zero
// original-length field.
func (d *DumpWriter) WriteRTCP(packet []byte, now time.Time) error {
	return d.write(packet, 0, now)
}

func (d *DumpWriter) write(packet []byte, plen uint16, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDumpClosed
	}
	if len(packet)+dumpRecordHeaderLen > 0xffff {
		return fmt.Errorf("%w: packet of %d bytes", ErrDumpRecord, len(packet))
	}

	offset := now.Sub(d.start).Milliseconds()
	if offset < 0 {
		offset = 0
	}
	var hdr [dumpRecordHeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(len(packet)+dumpRecordHeaderLen))
	binary.BigEndian.PutUint16(hdr[2:4], plen)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(offset))
	if _, err := d.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := d.w.Write(packet); err != nil {
		return err
	}
	d.count++
	return nil
}

// Count returns the number of records written.
func (d *DumpWriter) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Close flushes and closes the file. Closing twice is an error.
func (d *DumpWriter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDumpClosed
	}
	d.closed = true
	if err := d.w.Flush(); err != nil {
		d.file.Close()
		return err
	}
	return d.file.Close()
}

// DumpReader reads records from an rtpdump stream.
type DumpReader struct {
	r     *bufio.Reader
	c     io.Closer
	Start time.Time
}

// OpenDump opens an rtpdump file for reading.
func OpenDump(path string) (*DumpReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dump: %w", err)
	}
	d, err := NewDumpReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.c = f
	return d, nil
}

// NewDumpReader validates the file header of r.
func NewDumpReader(r io.Reader) (*DumpReader, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil || len(line) < len("#!rtpplay1.0") || line[:len("#!rtpplay1.0")] != "#!rtpplay1.0" {
		return nil, ErrDumpHeader
	}
	var hdr [dumpFileHeaderLen]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, ErrDumpHeader
	}
	start := time.Unix(int64(binary.BigEndian.Uint32(hdr[0:4])), int64(binary.BigEndian.Uint32(hdr[4:8]))*1000)
	return &DumpReader{r: br, Start: start}, nil
}

// Next returns the next record, or io.EOF at the end of the stream.
func (d *DumpReader) Next() (DumpRecord, error) {
	var hdr [dumpRecordHeaderLen]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if err == io.EOF {
			return DumpRecord{}, io.EOF
		}
		return DumpRecord{}, ErrDumpRecord
	}
	length := int(binary.BigEndian.Uint16(hdr[0:2]))
	if length < dumpRecordHeaderLen {
		return DumpRecord{}, ErrDumpRecord
	}
	data := make([]byte, length-dumpRecordHeaderLen)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return DumpRecord{}, ErrDumpRecord
	}
	return DumpRecord{
		OffsetMs: binary.BigEndian.Uint32(hdr[4:8]),
		RTCP:     binary.BigEndian.Uint16(hdr[2:4]) == 0,
		Data:     data,
	}, nil
}

// Close closes the underlying file when opened with OpenDump.
func (d *DumpReader) Close() error {
	if d.c == nil {
		return nil
	}
	return d.c.Close()
}

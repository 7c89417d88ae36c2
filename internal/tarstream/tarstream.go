// Package tarstream decodes the USTAR-format tar archives PostgreSQL emits
// during a base backup, one CopyData frame at a time, without ever buffering
// a whole file in memory.
package tarstream

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const blockSize = 512

// FrameSource hands the decoder the next CopyData payload from the
// enclosing CopyBoth stream. It returns io.EOF once the server has sent
// CopyDone and no more frames remain.
type FrameSource interface {
	NextFrame() ([]byte, error)
}

// Entry is a single USTAR file header, as described in spec.md's TarEntry.
type Entry struct {
	Name     string
	Mode     uint32
	UID      uint32
	GID      uint32
	Size     int64
	Mtime    time.Time
	Checksum uint32
	TypeFlag byte
	LinkName string
	UName    string
	GName    string
	DevMajor uint32
	DevMinor uint32
}

// HasContent reports whether the entry carries file content to read.
// A zero-size entry, or one whose type flag is not a regular file ('0' or
// NUL), has nothing but its header.
func (e *Entry) HasContent() bool {
	return e.Size != 0 && (e.TypeFlag == '0' || e.TypeFlag == 0)
}

// Padding returns the number of zero-padding bytes that follow the
// entry's content so it rounds up to a 512-byte boundary.
func Padding(size int64) int64 {
	return ((size + blockSize - 1) &^ (blockSize - 1)) - size
}

// Decoder reads a sequence of tar entries out of a FrameSource.
type Decoder struct {
	src FrameSource

	frame    []byte // current CopyData payload
	frameOff int

	cur        *Entry
	entryRead  int64 // content bytes delivered to the caller for cur
	entryTotal int64 // cur.Size
}

// New creates a Decoder reading tar frames from src.
func New(src FrameSource) *Decoder {
	return &Decoder{src: src}
}

// Load reads exactly one 512-byte USTAR header, which by protocol always
// arrives as a single CopyData frame. It must be called only when no entry
// is currently open (after the previous entry was fully consumed or
// Dispose'd); a fully consumed entry's padding is skipped here. It
// returns (nil, nil) once the frame source reports the end of the stream.
func (d *Decoder) Load() (*Entry, error) {
	if d.cur != nil {
		if d.entryRead < d.entryTotal {
			return nil, fmt.Errorf("tarstream: previous entry %q not fully consumed", d.cur.Name)
		}
		if err := d.Dispose(); err != nil {
			return nil, err
		}
	}

	header, err := d.nextWholeFrame()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(header) != blockSize {
		return nil, fmt.Errorf("tarstream: header frame is %d bytes, want %d", len(header), blockSize)
	}

	e, err := parseHeader(header)
	if err != nil {
		return nil, err
	}

	d.cur = e
	d.entryRead = 0
	d.entryTotal = e.Size
	return e, nil
}

// Read copies up to len(buf) bytes of the current entry's content. It
// returns io.EOF once entryTotal bytes have been delivered.
func (d *Decoder) Read(buf []byte) (int, error) {
	if d.cur == nil {
		return 0, fmt.Errorf("tarstream: Read called with no entry loaded")
	}
	remaining := d.entryTotal - d.entryRead
	if remaining <= 0 {
		return 0, io.EOF
	}

	if d.frameOff >= len(d.frame) {
		f, err := d.src.NextFrame()
		if err != nil {
			return 0, err
		}
		d.frame = f
		d.frameOff = 0
	}

	want := int64(len(buf))
	if want > remaining {
		want = remaining
	}
	inFrame := int64(len(d.frame) - d.frameOff)
	if want > inFrame {
		want = inFrame
	}

	n := copy(buf[:want], d.frame[d.frameOff:d.frameOff+int(want)])
	d.frameOff += n
	d.entryRead += int64(n)
	return n, nil
}

// Dispose discards any unread content and padding bytes for the current
// entry, leaving the decoder ready for the next Load.
func (d *Decoder) Dispose() error {
	if d.cur == nil {
		return nil
	}
	toSkip := (d.entryTotal - d.entryRead) + Padding(d.entryTotal)
	if err := d.skip(toSkip); err != nil {
		return err
	}
	d.cur = nil
	d.entryRead = 0
	d.entryTotal = 0
	return nil
}

// BytesRead returns how much of the current entry's content has been
// delivered via Read so far.
func (d *Decoder) BytesRead() int64 { return d.entryRead }

func (d *Decoder) skip(n int64) error {
	buf := make([]byte, 32*1024)
	for n > 0 {
		if d.frameOff >= len(d.frame) {
			f, err := d.src.NextFrame()
			if err != nil {
				return err
			}
			d.frame = f
			d.frameOff = 0
		}
		avail := int64(len(d.frame) - d.frameOff)
		take := n
		if take > avail {
			take = avail
		}
		if take > int64(len(buf)) {
			take = int64(len(buf))
		}
		d.frameOff += int(take)
		n -= take
	}
	return nil
}

// nextWholeFrame returns the next complete CopyData payload, used for
// reading headers (always exactly one frame of blockSize bytes per
// protocol).
func (d *Decoder) nextWholeFrame() ([]byte, error) {
	if d.frameOff < len(d.frame) {
		// A prior entry left unconsumed bytes in the current frame; that
		// should never happen once Dispose has run, but guard anyway.
		return nil, fmt.Errorf("tarstream: %d bytes left over from previous entry", len(d.frame)-d.frameOff)
	}
	f, err := d.src.NextFrame()
	if err != nil {
		return nil, err
	}
	d.frame = nil
	d.frameOff = 0
	return f, nil
}

func parseHeader(h []byte) (*Entry, error) {
	name := cstr(h[0:100])
	mode, err := octal(h[100:108])
	if err != nil {
		return nil, fmt.Errorf("tarstream: mode field: %w", err)
	}
	uid, err := octal(h[108:116])
	if err != nil {
		return nil, fmt.Errorf("tarstream: uid field: %w", err)
	}
	gid, err := octal(h[116:124])
	if err != nil {
		return nil, fmt.Errorf("tarstream: gid field: %w", err)
	}
	size, err := octal(h[124:136])
	if err != nil {
		return nil, fmt.Errorf("tarstream: size field: %w", err)
	}
	mtime, err := octal(h[136:148])
	if err != nil {
		return nil, fmt.Errorf("tarstream: mtime field: %w", err)
	}
	chksum, err := octal(h[148:156])
	if err != nil {
		return nil, fmt.Errorf("tarstream: chksum field: %w", err)
	}
	typeFlag := h[156]
	linkname := cstr(h[157:257])
	uname := cstr(h[265:297])
	gname := cstr(h[297:329])
	devmajor, err := octalOrZero(h[329:337])
	if err != nil {
		return nil, fmt.Errorf("tarstream: devmajor field: %w", err)
	}
	devminor, err := octalOrZero(h[337:345])
	if err != nil {
		return nil, fmt.Errorf("tarstream: devminor field: %w", err)
	}
	prefix := cstr(h[345:500])
	if prefix != "" {
		name = prefix + "/" + name
	}

	return &Entry{
		Name:     name,
		Mode:     uint32(mode),
		UID:      uint32(uid),
		GID:      uint32(gid),
		Size:     size,
		Mtime:    time.Unix(mtime, 0).UTC(),
		Checksum: uint32(chksum),
		TypeFlag: typeFlag,
		LinkName: linkname,
		UName:    uname,
		GName:    gname,
		DevMajor: uint32(devmajor),
		DevMinor: uint32(devminor),
	}, nil
}

// cstr trims a NUL-terminated, NUL/space-padded fixed-width string field.
func cstr(b []byte) string {
	if i := indexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), " ")
}

// octal parses a tar numeric field: octal ASCII digits padded with
// trailing spaces and/or a NUL terminator.
func octal(b []byte) (int64, error) {
	s := strings.TrimRight(strings.TrimRight(string(b), "\x00"), " ")
	s = strings.TrimLeft(s, " ")
	s = strings.TrimRight(s, "\x00 ")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 8, 64)
}

// octalOrZero is octal but returns zero instead of an error for a
// devmajor/devminor field that does not parse.
func octalOrZero(b []byte) (int64, error) {
	v, err := octal(b)
	if err != nil {
		return 0, nil
	}
	return v, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

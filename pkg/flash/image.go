// Package flash parses firmware images into loadable segments.
//
// Three container formats are understood: ELF (load addresses taken from the
// program headers), Intel HEX (addresses carried by the records) and raw
// binary (caller supplies the base address). Parsed segments are normalized:
// sorted, merged when contiguous, and rejected when overlapping.
package flash

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Format identifies a firmware image container format.
type Format string

const (
	FormatAuto Format = "auto"
	FormatELF  Format = "elf"
	FormatHEX  Format = "hex"
	FormatBIN  Format = "bin"
)

// ParseFormat validates a user-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatAuto, FormatELF, FormatHEX, FormatBIN:
		return f, nil
	case "":
		return FormatAuto, nil
	default:
		return "", fmt.Errorf("unknown image format %q", s)
	}
}

// Segment is a contiguous run of bytes at a fixed load address.
type Segment struct {
	Addr uint64
	Data []byte
}

// End returns the first address past the segment.
func (s Segment) End() uint64 { return s.Addr + uint64(len(s.Data)) }

// Image is a parsed firmware image.
type Image struct {
	Format   Format
	Segments []Segment
}

// TotalSize returns the number of payload bytes across all segments.
func (img *Image) TotalSize() int {
	n := 0
	for _, s := range img.Segments {
		n += len(s.Data)
	}
	return n
}

// Range returns the lowest and one-past-highest addresses covered by the
// image. Both are zero for an empty image.
func (img *Image) Range() (start, end uint64) {
	if len(img.Segments) == 0 {
		return 0, 0
	}
	start = img.Segments[0].Addr
	end = img.Segments[len(img.Segments)-1].End()
	return start, end
}

// ParseImage parses raw image bytes. base is only consulted for raw binary
// images; ELF and HEX carry their own addressing.
func ParseImage(data []byte, format Format, base uint64) (*Image, error) {
	if format == FormatAuto {
		format = sniffFormat(data)
	}
	switch format {
	case FormatELF:
		return parseELF(data)
	case FormatHEX:
		return parseIntelHex(data)
	case FormatBIN:
		if len(data) == 0 {
			return nil, fmt.Errorf("empty binary image")
		}
		return &Image{Format: FormatBIN, Segments: []Segment{{Addr: base, Data: data}}}, nil
	default:
		return nil, fmt.Errorf("unknown image format %q", format)
	}
}

func sniffFormat(data []byte) Format {
	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		return FormatELF
	}
	if looksLikeIntelHex(data) {
		return FormatHEX
	}
	return FormatBIN
}

func looksLikeIntelHex(data []byte) bool {
	line := data
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		line = data[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) < 11 || line[0] != ':' || len(line)%2 != 1 {
		return false
	}
	_, err := hex.DecodeString(string(line[1:]))
	return err == nil
}

func parseELF(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("malformed ELF image: %v", err)
	}
	defer f.Close()

	var segs []Segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		buf := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(buf, 0); err != nil {
			return nil, fmt.Errorf("reading ELF segment at 0x%x: %v", prog.Paddr, err)
		}
		// Paddr is the load address for firmware images; Vaddr may point
		// at the RAM copy of initialized data.
		segs = append(segs, Segment{Addr: prog.Paddr, Data: buf})
	}
	return normalize(FormatELF, segs)
}

// Intel HEX record types.
const (
	recData             = 0x00
	recEOF              = 0x01
	recExtSegmentAddr   = 0x02
	recStartSegmentAddr = 0x03
	recExtLinearAddr    = 0x04
	recStartLinearAddr  = 0x05
)

func parseIntelHex(data []byte) (*Image, error) {
	var (
		segs []Segment
		high uint64 // upper address bits from type 02/04 records
		eof  bool
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if eof {
			return nil, fmt.Errorf("line %d: record after EOF record", lineno)
		}
		if line[0] != ':' {
			return nil, fmt.Errorf("line %d: missing ':' record mark", lineno)
		}
		rec, err := hex.DecodeString(line[1:])
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", lineno, err)
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("line %d: record too short", lineno)
		}
		count := int(rec[0])
		if len(rec) != count+5 {
			return nil, fmt.Errorf("line %d: record length mismatch", lineno)
		}
		var sum byte
		for _, b := range rec {
			sum += b
		}
		if sum != 0 {
			return nil, fmt.Errorf("line %d: checksum mismatch", lineno)
		}
		offset := uint64(rec[1])<<8 | uint64(rec[2])
		payload := rec[4 : 4+count]
		switch rec[3] {
		case recData:
			addr := high + offset
			segs = append(segs, Segment{Addr: addr, Data: append([]byte(nil), payload...)})
		case recEOF:
			eof = true
		case recExtSegmentAddr:
			if count != 2 {
				return nil, fmt.Errorf("line %d: bad extended segment address record", lineno)
			}
			high = (uint64(payload[0])<<8 | uint64(payload[1])) << 4
		case recExtLinearAddr:
			if count != 2 {
				return nil, fmt.Errorf("line %d: bad extended linear address record", lineno)
			}
			high = (uint64(payload[0])<<8 | uint64(payload[1])) << 16
		case recStartSegmentAddr, recStartLinearAddr:
			// Entry point records carry no load data.
		default:
			return nil, fmt.Errorf("line %d: unknown record type 0x%02x", lineno, rec[3])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !eof {
		return nil, fmt.Errorf("missing EOF record")
	}
	return normalize(FormatHEX, segs)
}

// normalize sorts segments, merges contiguous runs and rejects overlaps.
func normalize(format Format, segs []Segment) (*Image, error) {
	if len(segs) == 0 {
		return nil, fmt.Errorf("image contains no loadable data")
	}
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Addr < segs[j].Addr })
	merged := []Segment{{Addr: segs[0].Addr, Data: append([]byte(nil), segs[0].Data...)}}
	for _, s := range segs[1:] {
		last := &merged[len(merged)-1]
		switch {
		case s.Addr == last.End():
			last.Data = append(last.Data, s.Data...)
		case s.Addr > last.End():
			merged = append(merged, Segment{Addr: s.Addr, Data: append([]byte(nil), s.Data...)})
		default:
			return nil, fmt.Errorf("overlapping segments at 0x%x", s.Addr)
		}
	}
	return &Image{Format: format, Segments: merged}, nil
}

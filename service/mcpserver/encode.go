package mcpserver

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/probemcp/probemcp/service/api"
)

// parseAddr accepts "0x" hex or plain decimal addresses, the two notations
// firmware toolchains actually emit. A bare leading zero stays decimal;
// nobody writes target addresses in octal.
func parseAddr(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, api.Errorf(api.InvalidParameter, "empty address")
	}
	var v uint64
	var err error
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, api.Errorf(api.InvalidParameter, "bad address %q: %v", s, err)
	}
	return v, nil
}

// Memory display formats for read_memory. The format affects only the
// encoding of the result, never the bytes read.
const (
	formatHex     = "hex"
	formatDecimal = "decimal"
	formatBinary  = "binary"
	formatASCII   = "ascii"
)

func encodeBytes(data []byte, format string) (string, error) {
	switch format {
	case "", formatHex:
		parts := make([]string, len(data))
		for i, b := range data {
			parts[i] = fmt.Sprintf("%02x", b)
		}
		return strings.Join(parts, " "), nil
	case formatDecimal:
		parts := make([]string, len(data))
		for i, b := range data {
			parts[i] = strconv.Itoa(int(b))
		}
		return strings.Join(parts, " "), nil
	case formatBinary:
		parts := make([]string, len(data))
		for i, b := range data {
			parts[i] = fmt.Sprintf("%08b", b)
		}
		return strings.Join(parts, " "), nil
	case formatASCII:
		out := make([]byte, len(data))
		for i, b := range data {
			if b >= 0x20 && b < 0x7F {
				out[i] = b
			} else {
				out[i] = '.'
			}
		}
		return string(out), nil
	default:
		return "", api.Errorf(api.InvalidParameter, "unknown format %q", format)
	}
}

// decodeHexBytes parses write_memory data: hex digits with optional
// whitespace or "0x" prefixes between bytes.
func decodeHexBytes(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', ',':
			return -1
		}
		return r
	}, s)
	cleaned = strings.ReplaceAll(cleaned, "0x", "")
	if cleaned == "" {
		return nil, api.Errorf(api.InvalidParameter, "empty data")
	}
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, api.Errorf(api.InvalidParameter, "bad hex data: %v", err)
	}
	return data, nil
}

// RTT write encodings.
const (
	encodingText = "text"
	encodingHex  = "hex"
)

func decodeRTTData(s, encoding string) ([]byte, error) {
	switch encoding {
	case "", encodingText:
		return []byte(s), nil
	case encodingHex:
		return decodeHexBytes(s)
	default:
		return nil, api.Errorf(api.InvalidParameter, "unknown encoding %q", encoding)
	}
}

package iiod

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Context is the parsed XML description returned by PRINT.
type Context struct {
	XMLName     xml.Name `xml:"context"`
	Name        string   `xml:"name,attr"`
	Description string   `xml:"description,attr"`
	Devices     []Device `xml:"device"`
}

// Device is a single IIO device entry.
type Device struct {
	ID       string    `xml:"id,attr"`
	Name     string    `xml:"name,attr"`
	Channels []Channel `xml:"channel"`
}

// Channel is a device channel. ScanElement is set for channels that can be
// streamed through a buffer.
type Channel struct {
	ID          string       `xml:"id,attr"`
	Type        string       `xml:"type,attr"`
	ScanElement *ScanElement `xml:"scan-element"`
}

// ScanElement describes the sample layout of a streamable channel.
type ScanElement struct {
	Index  int    `xml:"index,attr"`
	Format string `xml:"format,attr"`
}

// Output reports whether the channel is an output (TX) channel.
func (ch Channel) Output() bool { return ch.Type == "output" }

// ParseContext decodes the PRINT XML payload.
func ParseContext(raw []byte) (*Context, error) {
	var ctx Context
	if err := xml.Unmarshal(raw, &ctx); err != nil {
		return nil, fmt.Errorf("parse iio context xml: %w", err)
	}
	return &ctx, nil
}

// FindDevice returns the first device whose name or id contains ident.
func FindDevice(devices []Device, ident string) (Device, bool) {
	ident = strings.ToLower(ident)
	for _, d := range devices {
		if strings.ToLower(d.Name) == ident || strings.ToLower(d.ID) == ident {
			return d, true
		}
	}
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), ident) {
			return d, true
		}
	}
	return Device{}, false
}

// ScanMask builds a channel mask enabling the first n scan elements.
func (d Device) ScanMask(n int) uint32 {
	var mask uint32
	count := 0
	for _, ch := range d.Channels {
		if ch.ScanElement == nil || count >= n {
			continue
		}
		mask |= 1 << uint(ch.ScanElement.Index)
		count++
	}
	return mask
}

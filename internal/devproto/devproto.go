// Package devproto is the client for the device-control bus the core talks
// to in order to operate the camera, focuser, mount and filter wheel. The
// wire format is a line-oriented stream of tagged property-vector elements
// (number/text/switch/blob), in the spirit of the INDI protocol: each
// property belongs to a device, carries a set of named elements, and state
// changes arrive as asynchronous events rather than RPC replies. The
// transport itself is a narrow implementation detail behind Client; the
// core only depends on the Event/operation surface below.
package devproto

import (
	"bufio"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// EventKind identifies the category of an asynchronous Event.
type EventKind int

const (
	ConnChange EventKind = iota
	DeviceConnected
	NewDevice
	DeviceDelete
	PropChange
	BlobStart
	ReadTimeOut
	Message
)

// PropState mirrors the device-advertised busy/ok/alert state of a
// property vector.
type PropState int

const (
	StateIdle PropState = iota
	StateOK
	StateBusy
	StateAlert
)

// Event is the single typed-union value subscribers receive; only the
// fields relevant to Kind are populated.
type Event struct {
	Kind      EventKind
	Device    string
	Prop      string
	Element   string
	Value     string
	State     PropState
	Connected bool
	Timestamp time.Time
	Err       error
}

// wireElement is the raw XML shape of one <newNumber>/<newSwitch>/... tag.
type wireElement struct {
	XMLName xml.Name
	Device  string `xml:"device,attr"`
	Name    string `xml:"name,attr"`
	State   string `xml:"state,attr"`
	Members []struct {
		Name   string `xml:"name,attr"`
		Size   int    `xml:"size,attr"`
		Format string `xml:"format,attr"`
		Value  string `xml:",chardata"`
	} `xml:",any"`
}

// pendingBlob caches the most recently decoded BLOB payload, announced by a
// BlobStart event, until the owning mode downloads it via FetchBlob.
type pendingBlob struct {
	device, prop, format string
	data                 []byte
}

// Client is a connection to the device-control bus.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	enc     *xml.Encoder
	subMu   sync.RWMutex
	subs    []chan Event
	closeCh chan struct{}

	blobMu  sync.Mutex
	pending pendingBlob
}

// Dial connects to a device-control bus at addr ("host:port").
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("devproto: dial %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		enc:     xml.NewEncoder(conn),
		closeCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	close(c.closeCh)
	return c.conn.Close()
}

// Subscribe returns a channel that receives every Event until Close.
// Mirrors the core's own fan-out subscribe pattern: a buffered channel per
// subscriber, never blocking the reader goroutine on a slow consumer.
func (c *Client) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

func (c *Client) publish(ev Event) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Client) readLoop() {
	defer c.publish(Event{Kind: ConnChange, Connected: false, Timestamp: time.Now()})

	reader := bufio.NewReaderSize(c.conn, 64*1024)
	dec := xml.NewDecoder(reader)
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		var el wireElement
		if err := dec.Decode(&el); err != nil {
			if err == io.EOF {
				return
			}
			c.publish(Event{Kind: ReadTimeOut, Err: err, Timestamp: time.Now()})
			return
		}

		switch el.XMLName.Local {
		case "defDevice":
			c.publish(Event{Kind: NewDevice, Device: el.Device, Timestamp: time.Now()})
		case "delDevice":
			c.publish(Event{Kind: DeviceDelete, Device: el.Device, Timestamp: time.Now()})
		case "setBLOBVector":
			if len(el.Members) > 0 {
				m := el.Members[0]
				trimmed := strings.TrimSpace(m.Value)
				dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(trimmed))
				size := m.Size
				if size <= 0 {
					size = base64.StdEncoding.DecodedLen(len(trimmed)) - strings.Count(trimmed, "=")
				}
				if data, err := c.GetBlob(dec, size); err == nil {
					c.blobMu.Lock()
					c.pending = pendingBlob{device: el.Device, prop: el.Name, format: m.Format, data: data}
					c.blobMu.Unlock()
				}
			}
			c.publish(Event{Kind: BlobStart, Device: el.Device, Prop: el.Name, State: parseState(el.State), Timestamp: time.Now()})
		default:
			for _, m := range el.Members {
				c.publish(Event{
					Kind:      PropChange,
					Device:    el.Device,
					Prop:      el.Name,
					Element:   m.Name,
					Value:     m.Value,
					State:     parseState(el.State),
					Timestamp: time.Now(),
				})
			}
		}
	}
}

func parseState(s string) PropState {
	switch s {
	case "Ok":
		return StateOK
	case "Busy":
		return StateBusy
	case "Alert":
		return StateAlert
	default:
		return StateIdle
	}
}

// SetNumber sends a newNumberVector setting a single named element.
func (c *Client) SetNumber(device, prop, element string, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	type oneNum struct {
		XMLName xml.Name `xml:"oneNumber"`
		Name    string   `xml:"name,attr"`
		Value   float64  `xml:",chardata"`
	}
	type vec struct {
		XMLName xml.Name `xml:"newNumberVector"`
		Device  string   `xml:"device,attr"`
		Name    string   `xml:"name,attr"`
		Member  oneNum
	}
	return c.enc.Encode(vec{Device: device, Name: prop, Member: oneNum{Name: element, Value: value}})
}

// SetSwitch sends a newSwitchVector turning a single named element on/off.
func (c *Client) SetSwitch(device, prop, element string, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := "Off"
	if on {
		state = "On"
	}
	type oneSwitch struct {
		XMLName xml.Name `xml:"oneSwitch"`
		Name    string   `xml:"name,attr"`
		Value   string   `xml:",chardata"`
	}
	type vec struct {
		XMLName xml.Name `xml:"newSwitchVector"`
		Device  string   `xml:"device,attr"`
		Name    string   `xml:"name,attr"`
		Member  oneSwitch
	}
	return c.enc.Encode(vec{Device: device, Name: prop, Member: oneSwitch{Name: element, Value: state}})
}

// FetchBlob returns the payload most recently announced by a BlobStart
// event for device/prop, decoded from the wire's base64 BLOB element by
// readLoop. It is the core's "download the blob" verb for the blob-arrival
// stimulus; each payload is returned at most once.
func (c *Client) FetchBlob(device, prop string) ([]byte, string, error) {
	c.blobMu.Lock()
	defer c.blobMu.Unlock()
	if c.pending.device != device || c.pending.prop != prop {
		return nil, "", fmt.Errorf("devproto: no pending blob for %s/%s", device, prop)
	}
	data, format := c.pending.data, c.pending.format
	c.pending = pendingBlob{}
	return data, format, nil
}

// GetBlob reads exactly size bytes of BLOB payload from r. readLoop calls
// it with a base64 decoder over the blob element's text, before it
// publishes the BlobStart event for that payload.
func (c *Client) GetBlob(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("devproto: read blob: %w", err)
	}
	return buf, nil
}

package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
)

// Event kinds broadcast by the server.
const (
	EventUserLogin  = "userlogin"
	EventUserLogout = "userlogout"
	EventMessage    = "message"
)

// Response is a server-to-client frame: *Event, *Error or *Success.
type Response interface {
	response()
}

// Event notifies clients of a login, logout or new message.
type Event struct {
	XMLName xml.Name `xml:"event"`
	Kind    string   `xml:"kind,attr"`
	User    string   `xml:"name,omitempty"`
	From    string   `xml:"from,omitempty"`
	Message string   `xml:"message,omitempty"`
}

// Error reports a failed request to a single client.
type Error struct {
	XMLName xml.Name `xml:"error"`
	Message string   `xml:"message"`
}

// Success carries the result of a list request.
type Success struct {
	XMLName xml.Name `xml:"success"`
	Users   []string `xml:"user"`
}

func (*Event) response()   {}
func (*Error) response()   {}
func (*Success) response() {}

func UserLoginEvent(username string) *Event {
	return &Event{Kind: EventUserLogin, User: username}
}

func UserLogoutEvent(username string) *Event {
	return &Event{Kind: EventUserLogout, User: username}
}

func MessageEvent(from, body string) *Event {
	return &Event{Kind: EventMessage, From: from, Message: body}
}

func NewError(message string) *Error {
	return &Error{Message: message}
}

func NewSuccess(users []string) *Success {
	return &Success{Users: users}
}

// EncodeResponse returns the framed wire form of resp.
func EncodeResponse(resp Response) ([]byte, error) {
	payload, err := xml.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return AppendFrame(nil, payload), nil
}

// ReadResponse reads the next response frame from r.
func ReadResponse(r io.Reader, maxSize int) (Response, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(payload)
}

// DecodeResponse picks the concrete response type from the root element.
func DecodeResponse(payload []byte) (Response, error) {
	d := xml.NewDecoder(bytes.NewReader(payload))
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var resp Response
		switch start.Name.Local {
		case "event":
			resp = &Event{}
		case "error":
			resp = &Error{}
		case "success":
			resp = &Success{}
		default:
			return nil, fmt.Errorf("%w: unexpected response element %q", ErrMalformedFrame, start.Name.Local)
		}
		if err := d.DecodeElement(resp, &start); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return resp, nil
	}
}

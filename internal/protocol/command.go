package protocol

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Kind identifies a client command.
type Kind int

const (
	Unknown Kind = iota
	Login
	List
	Message
	Logout
)

var kindNames = map[string]Kind{
	"login":   Login,
	"list":    List,
	"message": Message,
	"logout":  Logout,
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// Command is one decoded client request. Name keeps the raw commandName so
// unknown commands can still be reported.
type Command struct {
	Kind     Kind
	Name     string
	Username string
	Password string
	Message  string
}

// commandPayload mirrors the XML document carried by a command frame. The root
// element name is not checked.
type commandPayload struct {
	XMLName     xml.Name
	CommandName string `xml:"commandName"`
	Username    string `xml:"username,omitempty"`
	Password    string `xml:"password,omitempty"`
	Message     string `xml:"message,omitempty"`
}

// ReadCommand reads and decodes the next command frame from r.
func ReadCommand(r io.Reader, maxSize int) (Command, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return Command{}, err
	}
	return DecodeCommand(payload)
}

// DecodeCommand parses a command payload. An unrecognized commandName is not
// an error; it decodes with Kind Unknown.
func DecodeCommand(payload []byte) (Command, error) {
	var p commandPayload
	if err := xml.Unmarshal(payload, &p); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	name := strings.TrimSpace(p.CommandName)
	if name == "" {
		return Command{}, fmt.Errorf("%w: missing commandName", ErrMalformedFrame)
	}

	return Command{
		Kind:     kindNames[name],
		Name:     name,
		Username: p.Username,
		Password: p.Password,
		Message:  p.Message,
	}, nil
}

// EncodeCommand returns the framed wire form of cmd. Name wins over Kind when
// both are set.
func EncodeCommand(cmd Command) ([]byte, error) {
	payload, err := marshalCommand(cmd)
	if err != nil {
		return nil, err
	}
	return AppendFrame(nil, payload), nil
}

func marshalCommand(cmd Command) ([]byte, error) {
	name := cmd.Name
	if name == "" {
		name = cmd.Kind.String()
	}
	return xml.Marshal(commandPayload{
		XMLName:     xml.Name{Local: "command"},
		CommandName: name,
		Username:    cmd.Username,
		Password:    cmd.Password,
		Message:     cmd.Message,
	})
}

// WriteCommand encodes cmd and writes it to w.
func WriteCommand(w io.Writer, cmd Command) error {
	payload, err := marshalCommand(cmd)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

package websocket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/signaling-relay/backend/model"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	formatJSON    = "json"
	formatMsgpack = "msgpack"
)

var (
	ErrUnknownFormat    = errors.New("unknown frame format")
	ErrUnexpectedFrame  = errors.New("unexpected websocket frame type")
	ErrMissingEventName = errors.New("frame has no event name")
)

// codec maps events to websocket frames. JSON travels in text frames,
// msgpack in binary frames.
type codec struct {
	format      string
	messageType int
}

func codecForFormat(format string) (codec, error) {
	switch format {
	case "", formatJSON:
		return codec{format: formatJSON, messageType: websocket.TextMessage}, nil
	case formatMsgpack:
		return codec{format: formatMsgpack, messageType: websocket.BinaryMessage}, nil
	}
	return codec{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

func (c codec) encode(ev model.Event) ([]byte, error) {
	if c.format == formatMsgpack {
		return msgpack.Marshal(&ev)
	}
	return json.Marshal(&ev)
}

// decodeFrame decodes an inbound frame according to its frame type,
// so a client may mix text and binary frames on one connection.
func decodeFrame(messageType int, b []byte) (model.Event, error) {
	var (
		ev  model.Event
		err error
	)
	switch messageType {
	case websocket.TextMessage:
		err = json.Unmarshal(b, &ev)
	case websocket.BinaryMessage:
		err = msgpack.Unmarshal(b, &ev)
	default:
		err = ErrUnexpectedFrame
	}
	if err != nil {
		return model.Event{}, err
	}
	if ev.Name == "" {
		return model.Event{}, ErrMissingEventName
	}
	return ev, nil
}

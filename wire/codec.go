package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/onnwee/chat-relay/frame"
)

// Decode options tolerant of unknown fields and future variants; encode
// options use core deterministic CBOR so equal messages encode identically.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
	modeErr error
	once    sync.Once
)

func modes() (cbor.EncMode, cbor.DecMode, error) {
	once.Do(func() {
		encMode, modeErr = cbor.CoreDetEncOptions().EncMode()
		if modeErr != nil {
			return
		}
		decMode, modeErr = cbor.DecOptions{
			MaxArrayElements: 65536,
			MaxMapPairs:      65536,
		}.DecMode()
	})
	return encMode, decMode, modeErr
}

// Marshal encodes a message body to CBOR bytes.
func Marshal(msg *Message) ([]byte, error) {
	em, _, err := modes()
	if err != nil {
		return nil, err
	}
	return em.Marshal(msg)
}

// Unmarshal decodes CBOR bytes into a Message, ignoring unknown fields.
func Unmarshal(payload []byte) (*Message, error) {
	_, dm, err := modes()
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := dm.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	return &msg, nil
}

// EncodeFrame marshals msg and wraps it in a length-prefixed frame.
func EncodeFrame(msg *Message, maxFrame int) ([]byte, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	return frame.Encode(payload, maxFrame)
}

// DecodeFrame extracts and decodes one message from the front of buf,
// returning bytes consumed. frame.ErrInsufficientData means read more and
// retry; nothing is consumed.
func DecodeFrame(buf []byte, maxFrame int) (*Message, int, error) {
	payload, n, err := frame.Decode(buf, maxFrame)
	if err != nil {
		return nil, 0, err
	}
	msg, err := Unmarshal(payload)
	if err != nil {
		return nil, 0, err
	}
	return msg, n, nil
}

// WriteMessage frames and writes one message to w.
func WriteMessage(w io.Writer, msg *Message, maxFrame int) error {
	payload, err := Marshal(msg)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, payload, maxFrame)
}

// ReadMessage reads and decodes one framed message from r.
func ReadMessage(r *bufio.Reader, maxFrame int) (*Message, error) {
	payload, err := frame.ReadFrame(r, maxFrame)
	if err != nil {
		return nil, err
	}
	return Unmarshal(payload)
}

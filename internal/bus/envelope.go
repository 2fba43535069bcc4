package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gioruanova/fasttrack-push/internal/model"
)

// Type is the discriminator of an envelope on the wire.
type Type string

const (
	TypeClientPing        Type = "CLIENT_PING"
	TypePong              Type = "PONG"
	TypeSkipWaiting       Type = "SKIP_WAITING"
	TypeNavigateTo        Type = "NAVIGATE_TO"
	TypePushReceived      Type = "PUSH_RECEIVED"
	TypeNotificationShown Type = "NOTIFICATION_SHOWN"
	TypeNotificationError Type = "NOTIFICATION_ERROR"

	// Page to worker: where the tab is and whether it has focus.
	TypeClientURL Type = "CLIENT_URL"
	// Worker to page: bring the tab to the foreground.
	TypeFocus Type = "FOCUS"
	// Worker to page: a new worker took control.
	TypeControllerChanged Type = "CONTROLLER_CHANGED"
)

// ErrMissingType is returned by Decode when the message has no type.
var ErrMissingType = errors.New("envelope has no type")

// Envelope is one message exchanged between the worker and a page. The set
// of implementations is closed; Unknown stands for anything else.
type Envelope interface {
	Type() Type
	isEnvelope()
}

type ClientPing struct {
	Timestamp int64
}

type Pong struct {
	Timestamp int64
}

type SkipWaiting struct{}

type NavigateTo struct {
	URL string
}

// PushReceived carries the raw push payload. Data is the payload itself
// when it is valid JSON and a JSON string of the text otherwise.
type PushReceived struct {
	Data json.RawMessage
}

// NotificationShown carries what was rendered. Source is set when a page
// republishes the event on the broadcast channel.
type NotificationShown struct {
	Data   model.ShownNotification
	Source string
}

type NotificationError struct {
	Error string
}

type ClientURL struct {
	URL     string
	Focused bool
}

type Focus struct{}

type ControllerChanged struct {
	Version string
}

// Unknown is a well-formed envelope of a type this package does not know,
// or a known type whose fields could not be decoded. It is ignored.
type Unknown struct {
	RawType Type
	Raw     json.RawMessage
}

func (ClientPing) Type() Type        { return TypeClientPing }
func (Pong) Type() Type              { return TypePong }
func (SkipWaiting) Type() Type       { return TypeSkipWaiting }
func (NavigateTo) Type() Type        { return TypeNavigateTo }
func (PushReceived) Type() Type      { return TypePushReceived }
func (NotificationShown) Type() Type { return TypeNotificationShown }
func (NotificationError) Type() Type { return TypeNotificationError }
func (ClientURL) Type() Type         { return TypeClientURL }
func (Focus) Type() Type             { return TypeFocus }
func (ControllerChanged) Type() Type { return TypeControllerChanged }
func (u Unknown) Type() Type         { return u.RawType }

func (ClientPing) isEnvelope()        {}
func (Pong) isEnvelope()              {}
func (SkipWaiting) isEnvelope()       {}
func (NavigateTo) isEnvelope()        {}
func (PushReceived) isEnvelope()      {}
func (NotificationShown) isEnvelope() {}
func (NotificationError) isEnvelope() {}
func (ClientURL) isEnvelope()         {}
func (Focus) isEnvelope()             {}
func (ControllerChanged) isEnvelope() {}
func (Unknown) isEnvelope()           {}

// wire is the flat JSON form shared by every variant.
type wire struct {
	Type      Type            `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	URL       string          `json:"url,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Source    string          `json:"source,omitempty"`
	Error     string          `json:"error,omitempty"`
	Version   string          `json:"version,omitempty"`
	Focused   bool            `json:"focused,omitempty"`
}

// Encode serializes env to its wire form.
func Encode(env Envelope) ([]byte, error) {
	w := wire{Type: env.Type()}
	switch e := env.(type) {
	case ClientPing:
		w.Timestamp = e.Timestamp
	case Pong:
		w.Timestamp = e.Timestamp
	case SkipWaiting, Focus:
	case NavigateTo:
		w.URL = e.URL
	case PushReceived:
		w.Data = e.Data
	case NotificationShown:
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal notification: %w", err)
		}
		w.Data = data
		w.Source = e.Source
	case NotificationError:
		w.Error = e.Error
	case ClientURL:
		w.URL = e.URL
		w.Focused = e.Focused
	case ControllerChanged:
		w.Version = e.Version
	case Unknown:
		if e.Raw != nil {
			return e.Raw, nil
		}
	default:
		return nil, fmt.Errorf("encode envelope: unsupported type %T", env)
	}
	return json.Marshal(w)
}

// Decode parses a wire message. Messages that are not JSON objects with a
// type fail; anything else decodes, unrecognized types as Unknown.
func Decode(data []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if w.Type == "" {
		return nil, ErrMissingType
	}

	switch w.Type {
	case TypeClientPing:
		return ClientPing{Timestamp: w.Timestamp}, nil
	case TypePong:
		return Pong{Timestamp: w.Timestamp}, nil
	case TypeSkipWaiting:
		return SkipWaiting{}, nil
	case TypeNavigateTo:
		return NavigateTo{URL: w.URL}, nil
	case TypePushReceived:
		return PushReceived{Data: w.Data}, nil
	case TypeNotificationShown:
		var n model.ShownNotification
		if len(w.Data) > 0 {
			if err := json.Unmarshal(w.Data, &n); err != nil {
				return Unknown{RawType: w.Type, Raw: data}, nil
			}
		}
		return NotificationShown{Data: n, Source: w.Source}, nil
	case TypeNotificationError:
		return NotificationError{Error: w.Error}, nil
	case TypeClientURL:
		return ClientURL{URL: w.URL, Focused: w.Focused}, nil
	case TypeFocus:
		return Focus{}, nil
	case TypeControllerChanged:
		return ControllerChanged{Version: w.Version}, nil
	default:
		return Unknown{RawType: w.Type, Raw: data}, nil
	}
}

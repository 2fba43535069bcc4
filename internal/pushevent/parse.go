package pushevent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gioruanova/fasttrack-push/internal/model"
	"github.com/gioruanova/fasttrack-push/internal/notify"
)

// Notification defaults applied under whatever the payload supplies.
const (
	DefaultTitle = "FastTrack"
	DefaultBody  = "Tienes una nueva notificación"
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/icon-72x72.png"
	DefaultTag   = "fasttrack-notification"

	// ActionOpen and ActionClose are the default notification buttons.
	ActionOpen  = "open"
	ActionClose = "close"
)

// ParserDefault names the payload produced when every parser failed.
const ParserDefault = "default"

var errEmptyPayload = errors.New("empty payload")

// Parser turns a raw push body into a payload or fails.
type Parser struct {
	Name  string
	Parse func(data []byte) (model.Payload, error)
}

// Parsers is the fallback chain, tried in order.
var Parsers = []Parser{
	{Name: "json", Parse: parseJSON},
	{Name: "text", Parse: parseText},
}

// parseJSON accepts any JSON object. Text fields are taken when they are
// strings or numbers; other types are dropped. data is kept as is.
func parseJSON(data []byte) (model.Payload, error) {
	var p model.Payload
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return p, errEmptyPayload
	}
	if trimmed[0] != '{' {
		return p, errors.New("payload is not a json object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	p.Title = textField(fields["title"])
	p.Body = textField(fields["body"])
	p.Icon = textField(fields["icon"])
	p.Path = textField(fields["path"])
	if raw := fields["data"]; len(raw) > 0 && string(raw) != "null" {
		p.Data = raw
	}
	return p, nil
}

func textField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// parseText uses the whole body as the notification body. Structured
// fields such as data are not recovered.
func parseText(data []byte) (model.Payload, error) {
	if !utf8.Valid(data) {
		return model.Payload{}, errors.New("payload is not utf-8 text")
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return model.Payload{}, errEmptyPayload
	}
	return model.Payload{Body: text}, nil
}

// Parse runs the chain and returns the first success with the parser's
// name, or an empty payload named ParserDefault.
func Parse(data []byte, parsers []Parser) (model.Payload, string) {
	for _, p := range parsers {
		if payload, err := p.Parse(data); err == nil {
			return payload, p.Name
		}
	}
	return model.Payload{}, ParserDefault
}

// Defaults returns the notification rendered for an empty payload.
func Defaults() notify.Notification {
	return notify.Notification{
		Title:   DefaultTitle,
		Body:    DefaultBody,
		Icon:    DefaultIcon,
		Badge:   DefaultBadge,
		Tag:     DefaultTag,
		Vibrate: []int{200, 100, 200},
		Actions: []notify.Action{
			{Action: ActionOpen, Title: "Ver"},
			{Action: ActionClose, Title: "Cerrar"},
		},
	}
}

// Merge lays the payload's non-empty fields over the defaults.
func Merge(p model.Payload) notify.Notification {
	n := Defaults()
	if p.Title != "" {
		n.Title = p.Title
	}
	if p.Body != "" {
		n.Body = p.Body
	}
	if p.Icon != "" {
		n.Icon = p.Icon
	}
	n.Data = notify.Data{Path: p.Path, Extra: p.Data}
	return n
}

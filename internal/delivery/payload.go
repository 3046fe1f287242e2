package delivery

import (
	"encoding/base64"
	"fmt"
	"strings"

	"chanrelay/internal/routing"
	kit "chanrelay/internal/transport"
)

// MediaItem is one attachment of a Unit.
type MediaItem struct {
	Data     []byte
	FileName string
	Kind     kit.MediaKind
}

// Unit is what the listener hands to the relay: sanitized text, an optional
// source tag and zero or more media items. It is not modified after it is
// built.
type Unit struct {
	Text      string
	SourceTag string
	Media     []MediaItem
	Album     bool
}

// Caption joins text and source tag with a blank line.
func (u Unit) Caption() string {
	text := strings.TrimSpace(u.Text)
	tag := strings.TrimSpace(u.SourceTag)
	switch {
	case tag == "":
		return text
	case text == "":
		return tag
	default:
		return text + "\n\n" + tag
	}
}

func (u Unit) Empty() bool { return len(u.Media) == 0 && strings.TrimSpace(u.Caption()) == "" }

// Destination is an explicit target on the wire. When absent the relay fans
// out to its own destination list.
type Destination struct {
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

func DestinationOf(r routing.ChannelRef) *Destination {
	return &Destination{ID: r.ID, Username: r.Username}
}

func (d *Destination) Ref() routing.ChannelRef {
	if d == nil {
		return routing.ChannelRef{}
	}
	return routing.ChannelRef{ID: routing.CanonicalID(d.ID), Username: strings.TrimPrefix(d.Username, "@")}
}

// SecretHeader carries the shared secret so the relay can reject a request
// before reading its body. The body's secret_key is still sent.
const SecretHeader = "X-Forward-Secret"

// Payload is the POST /forward request body.
type Payload struct {
	SecretKey string `json:"secret_key"`
	Text      string `json:"text"`
	SourceTag string `json:"source_tag"`
	Caption   string `json:"caption"`
	Album     bool   `json:"album"`

	MediaBytes    string `json:"media_bytes,omitempty"`
	MediaFilename string `json:"media_filename,omitempty"`
	MediaType     string `json:"media_type,omitempty"`

	MediaBytesList    []string `json:"media_bytes_list,omitempty"`
	MediaFilenameList []string `json:"media_filename_list,omitempty"`
	MediaTypeList     []string `json:"media_type_list,omitempty"`

	Destination *Destination `json:"destination,omitempty"`
}

// Response is the POST /forward reply body.
type Response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

const (
	StatusOK           = "ok"
	StatusUnauthorized = "unauthorized"
	StatusError        = "error"
)

// NewPayload encodes u. Albums use the *_list fields, a single item uses
// the scalar ones.
func NewPayload(u Unit, secret string) Payload {
	p := Payload{
		SecretKey: secret,
		Text:      u.Text,
		SourceTag: u.SourceTag,
		Caption:   u.Caption(),
		Album:     u.Album,
	}
	if u.Album {
		for _, m := range u.Media {
			p.MediaBytesList = append(p.MediaBytesList, base64.StdEncoding.EncodeToString(m.Data))
			p.MediaFilenameList = append(p.MediaFilenameList, m.FileName)
			p.MediaTypeList = append(p.MediaTypeList, m.Kind.String())
		}
		return p
	}
	if len(u.Media) > 0 {
		m := u.Media[0]
		p.MediaBytes = base64.StdEncoding.EncodeToString(m.Data)
		p.MediaFilename = m.FileName
		p.MediaType = m.Kind.String()
	}
	return p
}

// Unit decodes the media of p. Lists win over scalar fields when both are
// present.
func (p Payload) Unit() (Unit, error) {
	u := Unit{Text: p.Text, SourceTag: p.SourceTag, Album: p.Album}
	if len(p.MediaBytesList) > 0 {
		for i, b64 := range p.MediaBytesList {
			data, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return Unit{}, fmt.Errorf("media_bytes_list[%d]: %w", i, err)
			}
			u.Media = append(u.Media, MediaItem{
				Data:     data,
				FileName: at(p.MediaFilenameList, i),
				Kind:     kit.ParseMediaKind(at(p.MediaTypeList, i)),
			})
		}
		return u, nil
	}
	if p.MediaBytes != "" {
		data, err := base64.StdEncoding.DecodeString(p.MediaBytes)
		if err != nil {
			return Unit{}, fmt.Errorf("media_bytes: %w", err)
		}
		u.Media = []MediaItem{{Data: data, FileName: p.MediaFilename, Kind: kit.ParseMediaKind(p.MediaType)}}
	}
	return u, nil
}

func at(list []string, i int) string {
	if i < len(list) {
		return list[i]
	}
	return ""
}

// CaptionOrBuild returns the sender's caption, rebuilding it from text and
// tag when the field was omitted.
func (p Payload) CaptionOrBuild() string {
	if strings.TrimSpace(p.Caption) != "" {
		return p.Caption
	}
	return Unit{Text: p.Text, SourceTag: p.SourceTag}.Caption()
}

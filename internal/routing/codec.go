package routing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// document is the persisted shape. Channel entries are decoded through
// refEntry, which also accepts the legacy bare-string form.
type document struct {
	Sources      []refEntry `json:"source_channels"`
	Destinations []refEntry `json:"destination_channels"`
	Admins       []adminID  `json:"admin_ids"`
	ShowSource   *bool      `json:"show_source,omitempty"`
}

type refEntry struct{ ref ChannelRef }

type refObject struct {
	ID       *int64  `json:"id"`
	Username *string `json:"username"`
}

func (e refEntry) MarshalJSON() ([]byte, error) {
	var o refObject
	if e.ref.ID != 0 {
		id := e.ref.ID
		o.ID = &id
	}
	if e.ref.Username != "" {
		name := e.ref.Username
		o.Username = &name
	}
	return json.Marshal(o)
}

func (e *refEntry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*e = refEntry{}
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		ref, _ := ParseRef(s)
		*e = refEntry{ref: ref}
		return nil
	case b[0] == '{':
		var raw struct {
			ID       json.RawMessage `json:"id"`
			Username *string         `json:"username"`
		}
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		id, err := decodeLooseInt(raw.ID)
		if err != nil {
			return fmt.Errorf("channel id: %w", err)
		}
		ref := ChannelRef{ID: CanonicalID(id)}
		if raw.Username != nil {
			ref.Username = normalizeUsername(*raw.Username)
		}
		*e = refEntry{ref: ref}
		return nil
	default:
		id, err := decodeLooseInt(b)
		if err != nil {
			return fmt.Errorf("channel entry: %w", err)
		}
		*e = refEntry{ref: ChannelRef{ID: CanonicalID(id)}}
		return nil
	}
}

type adminID int64

func (a *adminID) UnmarshalJSON(b []byte) error {
	id, err := decodeLooseInt(b)
	if err != nil {
		return fmt.Errorf("admin id: %w", err)
	}
	*a = adminID(id)
	return nil
}

// decodeLooseInt accepts a JSON number, a numeric string, or null.
func decodeLooseInt(b []byte) (int64, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return 0, nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return 0, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		return strconv.ParseInt(s, 10, 64)
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return 0, err
	}
	return n.Int64()
}

// Decode parses a routing document. Missing show_source defaults to true.
func Decode(raw []byte) (Config, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Config{}, err
	}
	cfg := Config{ShowSource: true}
	if doc.ShowSource != nil {
		cfg.ShowSource = *doc.ShowSource
	}
	for _, e := range doc.Sources {
		cfg.Sources = append(cfg.Sources, e.ref)
	}
	for _, e := range doc.Destinations {
		cfg.Destinations = append(cfg.Destinations, e.ref)
	}
	for _, a := range doc.Admins {
		cfg.Admins = append(cfg.Admins, int64(a))
	}
	cfg.normalize()
	return cfg, nil
}

// Encode renders cfg in the object form, admins sorted.
func Encode(cfg Config) ([]byte, error) {
	cfg = cfg.Clone()
	cfg.normalize()
	show := cfg.ShowSource
	doc := document{
		Sources:      make([]refEntry, 0, len(cfg.Sources)),
		Destinations: make([]refEntry, 0, len(cfg.Destinations)),
		Admins:       make([]adminID, 0, len(cfg.Admins)),
		ShowSource:   &show,
	}
	for _, r := range cfg.Sources {
		doc.Sources = append(doc.Sources, refEntry{ref: r})
	}
	for _, r := range cfg.Destinations {
		doc.Destinations = append(doc.Destinations, refEntry{ref: r})
	}
	for _, a := range cfg.Admins {
		doc.Admins = append(doc.Admins, adminID(a))
	}
	return json.MarshalIndent(doc, "", "  ")
}

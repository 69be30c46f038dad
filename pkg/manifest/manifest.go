// Package manifest declares subscriptions in YAML and keeps a client's
// subscriptions in line with the file.
//
// A manifest looks like:
//
//	subscriptions:
//	  - name: first-thing
//	    stream: things
//	    pk: 1
//	  - name: tagged
//	    stream: things
//	    args: {tag: blue}
//	    subscribe_action: subscribe_tag
//	    unsubscribe_action: unsubscribe_tag
//	    create_events: true
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/lightforgemedia/go-dcrf/pkg/client"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("manifest: invalid")

// Manifest is the root of a manifest file.
type Manifest struct {
	Subscriptions []Entry `yaml:"subscriptions"`
}

// Entry declares one subscription.
type Entry struct {
	Name              string         `yaml:"name"`
	Stream            string         `yaml:"stream"`
	PK                any            `yaml:"pk,omitempty"`
	Args              map[string]any `yaml:"args,omitempty"`
	RequestID         string         `yaml:"request_id,omitempty"`
	SubscribeAction   string         `yaml:"subscribe_action,omitempty"`
	UnsubscribeAction string         `yaml:"unsubscribe_action,omitempty"`
	CreateEvents      bool           `yaml:"create_events,omitempty"`
	DeleteEvents      *bool          `yaml:"delete_events,omitempty"`
}

// Target returns the pk-or-args value passed to Subscribe.
func (e Entry) Target() any {
	if e.Args != nil {
		return e.Args
	}
	return e.PK
}

// Options converts the entry's settings to subscribe options.
func (e Entry) Options() []client.SubscribeOption {
	opts := []client.SubscribeOption{client.WithCreateEvents(e.CreateEvents)}
	if e.RequestID != "" {
		opts = append(opts, client.WithSubscribeRequestID(e.RequestID))
	}
	if e.SubscribeAction != "" || e.UnsubscribeAction != "" {
		opts = append(opts, client.WithSubscribeActions(e.SubscribeAction, e.UnsubscribeAction))
	}
	if e.DeleteEvents != nil {
		opts = append(opts, client.WithDeleteEvents(*e.DeleteEvents))
	}
	return opts
}

// fingerprint identifies the entry's content; a changed fingerprint means
// the subscription must be replaced.
func (e Entry) fingerprint() string {
	out, err := yaml.Marshal(e)
	if err != nil {
		return fmt.Sprintf("%#v", e)
	}
	return string(out)
}

// Validate checks that every entry is usable and names are unique.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Subscriptions))
	for i, e := range m.Subscriptions {
		switch {
		case e.Name == "":
			return fmt.Errorf("%w: subscription %d has no name", ErrInvalid, i)
		case seen[e.Name]:
			return fmt.Errorf("%w: duplicate subscription name %q", ErrInvalid, e.Name)
		case e.Stream == "":
			return fmt.Errorf("%w: subscription %q has no stream", ErrInvalid, e.Name)
		case e.PK == nil && e.Args == nil:
			return fmt.Errorf("%w: subscription %q needs pk or args", ErrInvalid, e.Name)
		case e.PK != nil && e.Args != nil:
			return fmt.Errorf("%w: subscription %q sets both pk and args", ErrInvalid, e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

// Decode reads a manifest from r, rejecting unknown fields.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Parse decodes a manifest held in memory.
func Parse(data []byte) (*Manifest, error) {
	return Decode(bytes.NewReader(data))
}

// Load reads the manifest at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

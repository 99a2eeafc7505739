// Package seed holds the automated personas and the room conversations a
// fresh store starts with.
package seed

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"trendnet/cmd/identity"
	"trendnet/cmd/internal/realtime"

	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var defaultData []byte

// PersonaSpec is one persona as written in seed.yaml.
type PersonaSpec struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Style string `yaml:"style"`
}

// Line is one seeded room message.
type Line struct {
	Persona string `yaml:"persona"`
	Text    string `yaml:"text"`
}

// Room is a room and its opening conversation.
type Room struct {
	Name  string `yaml:"name"`
	Lines []Line `yaml:"lines"`
}

// Data is the parsed seed file.
type Data struct {
	Intro    []string      `yaml:"intro"`
	Personas []PersonaSpec `yaml:"personas"`
	Rooms    []Room        `yaml:"rooms"`
}

// Load parses the embedded seed.yaml.
func Load() (*Data, error) {
	return Parse(defaultData)
}

// Parse decodes and validates seed data.
func Parse(b []byte) (*Data, error) {
	var d Data
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("seed: decode: %w", err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Data) validate() error {
	ids := make(map[string]struct{}, len(d.Personas))
	for i, p := range d.Personas {
		id := identity.NormalizeID(p.ID)
		if id == "" || identity.NormalizeDisplayName(p.Name) == "" {
			return fmt.Errorf("seed: persona %d: missing id or name", i)
		}
		if _, dup := ids[id]; dup {
			return fmt.Errorf("seed: duplicate persona %q", id)
		}
		ids[id] = struct{}{}
	}
	for _, r := range d.Rooms {
		if strings.TrimSpace(r.Name) == "" {
			return errors.New("seed: room without a name")
		}
		for _, l := range r.Lines {
			if _, ok := ids[identity.NormalizeID(l.Persona)]; !ok {
				return fmt.Errorf("seed: room %q: unknown persona %q", r.Name, l.Persona)
			}
			if strings.TrimSpace(l.Text) == "" {
				return fmt.Errorf("seed: room %q: empty line", r.Name)
			}
		}
	}
	return nil
}

// Directory is an in-memory realtime.PersonaDirectory.
type Directory struct {
	byID map[string]realtime.Persona
}

// Directory builds the persona directory, expanding intro templates.
func (d *Data) Directory() *Directory {
	dir := &Directory{byID: make(map[string]realtime.Persona, len(d.Personas))}
	for _, ps := range d.Personas {
		p := identity.Participant{
			ID:          identity.NormalizeID(ps.ID),
			DisplayName: identity.NormalizeDisplayName(ps.Name),
			Automated:   true,
		}
		r := strings.NewReplacer("{name}", p.DisplayName, "{style}", ps.Style)
		intro := make([]string, 0, len(d.Intro))
		for _, line := range d.Intro {
			intro = append(intro, r.Replace(line))
		}
		dir.byID[p.ID] = realtime.Persona{Participant: p, Intro: intro}
	}
	return dir
}

// Persona implements realtime.PersonaDirectory.
func (d *Directory) Persona(id string) (realtime.Persona, bool) {
	p, ok := d.byID[identity.NormalizeID(id)]
	return p, ok
}

// All returns every persona ordered by id.
func (d *Directory) All() []realtime.Persona {
	out := make([]realtime.Persona, 0, len(d.byID))
	for _, p := range d.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant.ID < out[j].Participant.ID })
	return out
}

// RegisterAll adds every persona to reg so lookups by id succeed.
func (d *Directory) RegisterAll(reg *identity.MemoryRegistry) error {
	for _, p := range d.All() {
		if _, err := reg.Register(p.Participant); err != nil {
			return fmt.Errorf("seed: register %s: %w", p.Participant.ID, err)
		}
	}
	return nil
}

// Poster persists and delivers one message.
type Poster interface {
	Post(ctx context.Context, d realtime.Draft) (realtime.AppendResult, error)
}

// Counter reports how many messages a store holds.
type Counter interface {
	Len(ctx context.Context) (int, error)
}

// SeedRooms posts every room line through p when store is empty and returns
// the number of messages written. Lines carry a stable client_msg_id so a
// concurrent second seeder only produces duplicates the store collapses.
func (d *Data) SeedRooms(ctx context.Context, store Counter, p Poster, dir *Directory) (int, error) {
	n, err := store.Len(ctx)
	if err != nil {
		return 0, fmt.Errorf("seed: count: %w", err)
	}
	if n > 0 {
		return 0, nil
	}

	written := 0
	for _, room := range d.Rooms {
		for i, line := range room.Lines {
			persona, ok := dir.Persona(line.Persona)
			if !ok {
				return written, fmt.Errorf("seed: unknown persona %q", line.Persona)
			}
			res, err := p.Post(ctx, realtime.Draft{
				ClientMsgID: fmt.Sprintf("seed:%s:%d", room.Name, i),
				Sender:      persona.Participant,
				Text:        line.Text,
				Room:        room.Name,
			})
			if err != nil {
				return written, fmt.Errorf("seed: room %s: %w", room.Name, err)
			}
			if !res.Duplicated {
				written++
			}
		}
	}
	return written, nil
}

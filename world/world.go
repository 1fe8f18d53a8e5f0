// Package world holds the small slice of the world model that event
// handlers mutate: directed exits between locations and narrative layers
// attached to a location.
package world

import (
	"context"
	"errors"
	"time"
)

// Direction is a canonical exit direction.
type Direction string

const (
	North     Direction = "north"
	South     Direction = "south"
	East      Direction = "east"
	West      Direction = "west"
	Northeast Direction = "northeast"
	Northwest Direction = "northwest"
	Southeast Direction = "southeast"
	Southwest Direction = "southwest"
	Up        Direction = "up"
	Down      Direction = "down"
	In        Direction = "in"
	Out       Direction = "out"
)

var opposites = map[Direction]Direction{
	North:     South,
	South:     North,
	East:      West,
	West:      East,
	Northeast: Southwest,
	Southwest: Northeast,
	Northwest: Southeast,
	Southeast: Northwest,
	Up:        Down,
	Down:      Up,
	In:        Out,
	Out:       In,
}

// Directions lists every canonical direction in a stable order.
func Directions() []Direction {
	return []Direction{North, South, East, West, Northeast, Northwest, Southeast, Southwest, Up, Down, In, Out}
}

// DirectionNames is Directions as plain strings.
func DirectionNames() []string {
	ds := Directions()
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = string(d)
	}
	return out
}

// ParseDirection accepts only canonical, lower-case names.
func ParseDirection(s string) (Direction, bool) {
	d := Direction(s)
	_, ok := opposites[d]
	return d, ok
}

func (d Direction) Valid() bool {
	_, ok := opposites[d]
	return ok
}

// Opposite returns the reciprocal direction, or "" for an unknown direction.
func (d Direction) Opposite() Direction {
	return opposites[d]
}

// Exit is a directed edge from one location to another.
type Exit struct {
	FromLocationID string
	ToLocationID   string
	Direction      Direction
	CreatedUTC     time.Time
	// EventID is the event that created the exit.
	EventID string
}

// Reciprocal returns the exit leading back.
func (e Exit) Reciprocal() Exit {
	return Exit{
		FromLocationID: e.ToLocationID,
		ToLocationID:   e.FromLocationID,
		Direction:      e.Direction.Opposite(),
		CreatedUTC:     e.CreatedUTC,
		EventID:        e.EventID,
	}
}

// LayerType classifies narrative layers.
type LayerType string

const (
	LayerStructural LayerType = "structural"
	LayerAmbient    LayerType = "ambient"
)

// Layer is a piece of narrative attached to a location. A location holds at
// most one layer per (Type, Key).
type Layer struct {
	ID         string
	LocationID string
	Type       LayerType
	Key        string
	Content    string
	Attributes map[string]string
	CreatedUTC time.Time
	EventID    string
}

var (
	ErrInvalidExit  = errors.New("world: invalid exit")
	ErrInvalidLayer = errors.New("world: invalid layer")
)

// Validate checks the fields every store relies on.
func (e Exit) Validate() error {
	if e.FromLocationID == "" || e.ToLocationID == "" || !e.Direction.Valid() {
		return ErrInvalidExit
	}
	return nil
}

func (l Layer) Validate() error {
	if l.ID == "" || l.LocationID == "" || l.Type == "" || l.Key == "" {
		return ErrInvalidLayer
	}
	return nil
}

// ExitRepository stores exits. A location has at most one exit per direction.
type ExitRepository interface {
	// CreateExit inserts e unless an exit already leaves e.FromLocationID in
	// e.Direction. created is false when nothing was written.
	CreateExit(ctx context.Context, e Exit) (created bool, err error)
	ListExits(ctx context.Context, fromLocationID string) ([]Exit, error)
}

// LayerRepository stores narrative layers.
type LayerRepository interface {
	// AddLayer inserts l unless the location already has a layer with the
	// same type and key. created is false when nothing was written.
	AddLayer(ctx context.Context, l Layer) (created bool, err error)
	FindLayer(ctx context.Context, locationID string, typ LayerType, key string) (*Layer, error)
}

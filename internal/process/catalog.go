package process

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nerrad567/knx-process/internal/knx"
)

// Catalog is a read-only set of datapoints indexed by name and by group
// address. Several datapoints may share an address; ByAddress returns the
// first one added.
type Catalog struct {
	points    []Datapoint
	byName    map[string]Datapoint
	byAddress map[knx.GroupAddress]Datapoint
}

// NewCatalog builds a catalog from points.
//
// Returns ErrInvalidArgument for an empty or duplicated name.
func NewCatalog(points ...Datapoint) (*Catalog, error) {
	c := &Catalog{
		byName:    make(map[string]Datapoint, len(points)),
		byAddress: make(map[knx.GroupAddress]Datapoint, len(points)),
	}
	for _, dp := range points {
		if strings.TrimSpace(dp.Name) == "" {
			return nil, fmt.Errorf("%w: datapoint %s has no name", ErrInvalidArgument, dp.Address)
		}
		if _, dup := c.byName[dp.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate datapoint name %q", ErrInvalidArgument, dp.Name)
		}
		c.byName[dp.Name] = dp
		if _, seen := c.byAddress[dp.Address]; !seen {
			c.byAddress[dp.Address] = dp
		}
		c.points = append(c.points, dp)
	}
	return c, nil
}

// ByName returns the datapoint called name.
func (c *Catalog) ByName(name string) (Datapoint, bool) {
	if c == nil {
		return Datapoint{}, false
	}
	dp, ok := c.byName[name]
	return dp, ok
}

// ByAddress returns the datapoint for ga.
func (c *Catalog) ByAddress(ga knx.GroupAddress) (Datapoint, bool) {
	if c == nil {
		return Datapoint{}, false
	}
	dp, ok := c.byAddress[ga]
	return dp, ok
}

// All returns the datapoints sorted by name.
func (c *Catalog) All() []Datapoint {
	if c == nil {
		return nil
	}
	out := slices.Clone(c.points)
	slices.SortFunc(out, func(a, b Datapoint) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of datapoints.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.points)
}

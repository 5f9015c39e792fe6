package service

import (
	"github.com/pkg/errors"
)

// Catalog maps style identifiers to network slots. It is immutable once built.
type Catalog struct {
	ids     []string
	slots   map[string]int
	exposed int
}

// DefaultCatalog holds the ten styles the bundled network was trained on.
var DefaultCatalog = MustCatalog([]string{
	"1.png", "2.png", "3.png", "4.png", "5.png",
	"6.png", "7.png", "8.png", "9.png", "10.png",
}, 6)

// NewCatalog assigns slots in order. exposed limits Exposed; values outside
// (0, len(ids)] expose every style.
func NewCatalog(ids []string, exposed int) (*Catalog, error) {
	if len(ids) == 0 {
		return nil, errors.New("catalog is empty")
	}
	slots := make(map[string]int, len(ids))
	for i, id := range ids {
		if id == "" || id == NoStyle {
			return nil, errors.Errorf("catalog slot %d: reserved style id %q", i, id)
		}
		if _, dup := slots[id]; dup {
			return nil, errors.Errorf("catalog slot %d: duplicate style id %q", i, id)
		}
		slots[id] = i
	}
	if exposed <= 0 || exposed > len(ids) {
		exposed = len(ids)
	}
	return &Catalog{
		ids:     append([]string(nil), ids...),
		slots:   slots,
		exposed: exposed,
	}, nil
}

func MustCatalog(ids []string, exposed int) *Catalog {
	c, err := NewCatalog(ids, exposed)
	if err != nil {
		panic(err)
	}
	return c
}

// LoadCatalog reads one style id per line.
func LoadCatalog(path string, exposed int) (*Catalog, error) {
	ids, err := ReadLines(path)
	if err != nil {
		return nil, errors.Wrap(err, "read styles")
	}
	return NewCatalog(ids, exposed)
}

func (c *Catalog) Len() int {
	return len(c.ids)
}

func (c *Catalog) Slot(id string) (int, bool) {
	slot, ok := c.slots[id]
	return slot, ok
}

// IDs returns every style in slot order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.ids...)
}

// Exposed returns the user-facing subset in slot order.
func (c *Catalog) Exposed() []string {
	return append([]string(nil), c.ids[:c.exposed]...)
}

// OneHot builds the selector for id.
func (c *Catalog) OneHot(id string) (Selector, error) {
	slot, ok := c.slots[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStyle, "%q", id)
	}
	sel := c.Zero()
	sel[slot] = 1
	return sel, nil
}

// Zero returns an all-zero selector.
func (c *Catalog) Zero() Selector {
	return make(Selector, len(c.ids))
}

// Selectors returns the primary and secondary selectors for r.
func (c *Catalog) Selectors(r Request) (primary, secondary Selector, err error) {
	if r.Primary == "" || r.Primary == NoStyle {
		return nil, nil, errMissingPrimaryStyle
	}
	primary, err = c.OneHot(r.Primary)
	if err != nil {
		return nil, nil, err
	}
	if !r.HasSecondary() {
		return primary, c.Zero(), nil
	}
	secondary, err = c.OneHot(r.Secondary)
	if err != nil {
		return nil, nil, err
	}
	return primary, secondary, nil
}

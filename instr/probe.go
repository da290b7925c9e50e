package instr

import (
	"context"
	"strings"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/catalog"
	"github.com/arloliu/go-instr/command"
)

// Identity is the parsed answer to *IDN?.
type Identity struct {
	Manufacturer string
	Model        string
	Serial       string
	Firmware     string
	Raw          string
}

var identify = command.Raw("*IDN?", catalog.ShapeList)

// Probe checks the connection to addr: it opens the session if needed and queries *IDN?
// under the client policy of the address medium.
func (c *Client) Probe(ctx context.Context, addr address.Address) (Identity, error) {
	resp, err := c.Execute(ctx, addr, identify, nil, c.policies(addr.Medium()))
	if err != nil {
		return Identity{}, err
	}

	return parseIdentity(resp.Strings()), nil
}

func parseIdentity(fields []string) Identity {
	id := Identity{Raw: strings.Join(fields, ",")}
	for i, f := range fields {
		f = strings.TrimSpace(f)
		switch i {
		case 0:
			id.Manufacturer = f
		case 1:
			id.Model = f
		case 2:
			id.Serial = f
		case 3:
			id.Firmware = f
		}
	}

	return id
}

// MatchModel returns the catalog model whose ID equals the identity model, ignoring case.
func MatchModel(cat *catalog.Catalog, id Identity) (*catalog.Model, bool) {
	if cat == nil || id.Model == "" {
		return nil, false
	}
	for _, m := range cat.Models() {
		if strings.EqualFold(m.ID, id.Model) {
			return m, true
		}
	}

	return nil, false
}

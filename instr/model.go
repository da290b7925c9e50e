package instr

import (
	"context"
	"fmt"
	"maps"

	"github.com/arloliu/go-instr/address"
	"github.com/arloliu/go-instr/catalog"
	"github.com/arloliu/go-instr/command"
)

// ExecuteModel resolves command on the catalog model modelRef (a model ID or a
// "type/series/model" reference) and executes it on addr with the client policy of the
// address medium.
func (c *Client) ExecuteModel(ctx context.Context, addr address.Address, modelRef, cmd string, args command.Args) (*command.Response, error) {
	spec, err := c.ModelCommand(modelRef, cmd, addr.Medium())
	if err != nil {
		c.metrics.incDispatchCount()
		return nil, c.fail(addr, cmd, 0, err)
	}

	return c.Execute(ctx, addr, spec, args, c.policies(addr.Medium()))
}

// ModelCommand returns the effective CommandSpec of cmd on modelRef, checking that the
// model supports medium.
func (c *Client) ModelCommand(modelRef, cmd string, medium address.Medium) (*catalog.CommandSpec, error) {
	if c.catalog == nil {
		return nil, ErrNoCatalog
	}

	model, err := c.catalog.Resolve(modelRef)
	if err != nil {
		return nil, err
	}
	if !model.Supports(medium) {
		return nil, fmt.Errorf("%w: %s does not list %s", ErrUnsupportedMedium, model.ID, medium)
	}

	return model.Command(cmd)
}

// ComposeFor composes an address for model on medium. The connection defaults the model
// declares for medium are applied first; fields override them.
func ComposeFor(model *catalog.Model, medium address.Medium, fields address.Fields) (address.Address, error) {
	if !model.Supports(medium) {
		return address.Address{}, fmt.Errorf("%w: %s does not list %s", ErrUnsupportedMedium, model.ID, medium)
	}

	merged := model.DefaultFields(medium)
	maps.Copy(merged, fields)

	return address.Compose(medium, merged)
}

// ResolveInstance returns the catalog model and the parsed address of a configured
// instrument instance.
func ResolveInstance(cat *catalog.Catalog, inst catalog.Instance) (*catalog.Model, address.Address, error) {
	if cat == nil {
		return nil, address.Address{}, ErrNoCatalog
	}

	model, err := cat.FindModel(inst.GenericID)
	if err != nil {
		return nil, address.Address{}, fmt.Errorf("instr: instance %s: %w", inst.Name, err)
	}

	addr, err := address.Parse(inst.Address)
	if err != nil {
		return nil, address.Address{}, fmt.Errorf("instr: instance %s: %w", inst.Name, err)
	}

	if inst.ConnectionType != "" {
		medium, err := address.ParseMedium(inst.ConnectionType)
		if err != nil {
			return nil, address.Address{}, fmt.Errorf("instr: instance %s: %w", inst.Name, err)
		}
		if medium != addr.Medium() {
			return nil, address.Address{}, fmt.Errorf("instr: instance %s: connection type %s does not match address %s",
				inst.Name, inst.ConnectionType, addr)
		}
	}
	if !model.Supports(addr.Medium()) {
		return nil, address.Address{}, fmt.Errorf("instr: instance %s: %w: %s does not list %s",
			inst.Name, ErrUnsupportedMedium, model.ID, addr.Medium())
	}

	return model, addr, nil
}

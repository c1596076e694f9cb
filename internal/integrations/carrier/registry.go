package carrier

import (
	"github.com/parceldesk/parceldesk/internal/models"
	"github.com/pkg/errors"
)

// Registry maps a classified carrier to its gateway. The refresher looks up
// the gateway for each due shipment here.
type Registry struct {
	gateways map[models.Carrier]Gateway
}

func NewRegistry() *Registry {
	return &Registry{gateways: make(map[models.Carrier]Gateway)}
}

func (r *Registry) Register(c models.Carrier, g Gateway) *Registry {
	r.gateways[c] = g
	return r
}

func (r *Registry) Gateway(c models.Carrier) (Gateway, error) {
	g, ok := r.gateways[c]
	if !ok {
		return nil, errors.Errorf("no gateway registered for carrier %q", c)
	}
	return g, nil
}

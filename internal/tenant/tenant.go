// Package tenant resolves a device identifier to the tenant it belongs to
// and the upstream endpoint events for that tenant should be delivered to.
package tenant

import "strings"

// AuthType selects how the dispatcher authenticates to a tenant's upstream.
type AuthType string

const (
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
)

// Auth carries the credentials for a tenant's upstream endpoint.
type Auth struct {
	Type  AuthType
	User  string
	Pass  string
	Token string
}

// Tenant is one configured customer/organization and its upstream.
type Tenant struct {
	Name        string
	UpstreamURL string
	Auth        Auth
	ObjectID    string
}

// Resolver maps a device identifier (MAC, falling back to any other
// device-reported ID) to a Tenant. It is read-only after construction, per
// §4.I: device bindings are loaded once at startup and never mutated.
type Resolver struct {
	tenants  map[string]Tenant   // tenant name -> Tenant
	byDevice map[string]string   // uppercased device key -> tenant name
}

// NewResolver builds a Resolver from a tenant catalog and a device-key ->
// tenant-name binding map. Both are copied; the caller's maps may be
// discarded afterward.
func NewResolver(tenants map[string]Tenant, deviceBindings map[string]string) *Resolver {
	r := &Resolver{
		tenants:  make(map[string]Tenant, len(tenants)),
		byDevice: make(map[string]string, len(deviceBindings)),
	}
	for name, t := range tenants {
		r.tenants[name] = t
	}
	for device, tenantName := range deviceBindings {
		r.byDevice[strings.ToUpper(device)] = tenantName
	}
	return r
}

// Find looks up deviceKey.ToUpper() in the device binding index, then
// resolves the bound tenant name against the catalog. Never errors; a
// missing tenant is a first-class (zero Tenant, false) outcome per §4.I.
func (r *Resolver) Find(deviceKey string) (Tenant, bool) {
	tenantName, ok := r.byDevice[strings.ToUpper(deviceKey)]
	if !ok {
		return Tenant{}, false
	}
	t, ok := r.tenants[tenantName]
	return t, ok
}

// ByName looks a tenant up directly by its configured name, bypassing
// device-binding resolution. Used when a component already knows the
// tenant (e.g. the retry loop, whose pending records store the tenant name).
func (r *Resolver) ByName(name string) (Tenant, bool) {
	t, ok := r.tenants[name]
	return t, ok
}

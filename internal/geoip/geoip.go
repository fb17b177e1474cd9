// Package geoip is the seam for source-address geolocation. The service
// itself ships no lookup database; deployments plug in a Resolver and the
// capture pipeline stores whatever it returns. A nil location means the
// address is unknown, which is never an error.
package geoip

import "context"

type Location struct {
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	ISP         string  `json:"isp,omitempty"`
}

type Resolver interface {
	// Resolve maps an IP address to a location. (nil, nil) means unknown.
	Resolve(ctx context.Context, ip string) (*Location, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(ctx context.Context, ip string) (*Location, error)

func (f ResolverFunc) Resolve(ctx context.Context, ip string) (*Location, error) {
	return f(ctx, ip)
}

// Disabled returns a resolver that knows nothing.
func Disabled() Resolver {
	return ResolverFunc(func(context.Context, string) (*Location, error) {
		return nil, nil
	})
}

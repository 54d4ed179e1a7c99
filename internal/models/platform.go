package models

import "fmt"

// Platform identifies the vendor purchase framework a record came from
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ParsePlatform converts a configuration string into a Platform
func ParsePlatform(value string) (Platform, error) {
	switch Platform(value) {
	case PlatformIOS, PlatformAndroid:
		return Platform(value), nil
	}
	return "", fmt.Errorf("unknown platform %q", value)
}

// ProductType distinguishes one-time products from subscriptions
type ProductType string

const (
	ProductTypeInApp ProductType = "in-app"
	ProductTypeSubs  ProductType = "subs"
)

// ProductQueryType selects which product shapes a fetch returns
type ProductQueryType string

const (
	ProductQueryInApp ProductQueryType = "in-app"
	ProductQuerySubs  ProductQueryType = "subs"
	ProductQueryAll   ProductQueryType = "all"
)

// Matches reports whether a product of type t belongs to the query
func (q ProductQueryType) Matches(t ProductType) bool {
	switch q {
	case ProductQueryAll, "":
		return true
	case ProductQueryInApp:
		return t == ProductTypeInApp
	case ProductQuerySubs:
		return t == ProductTypeSubs
	}
	return false
}

// Valid reports whether q is a known query type
func (q ProductQueryType) Valid() bool {
	switch q {
	case ProductQueryInApp, ProductQuerySubs, ProductQueryAll:
		return true
	}
	return false
}

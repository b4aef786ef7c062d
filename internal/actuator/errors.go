package actuator

import "errors"

var (
	ErrVerifyFailed  = errors.New("route readback does not match requested route")
	ErrLinkNotFound  = errors.New("link not found in service namespace")
	ErrRouteNotFound = errors.New("default route not found")
)

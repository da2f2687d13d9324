// Package screen holds the UI-independent behaviour of the app's screens:
// the registration and login flows, the session guard and the chat view.
package screen

// Routes the screens navigate between.
const (
	RouteHome      = "/"
	RouteRegister  = "/register"
	RouteLogin     = "/login"
	RouteProtected = "/protected"
)

// Navigator moves the visitor to another route.
type Navigator interface {
	Navigate(route string)
}

// NavigatorFunc adapts a plain func to Navigator.
type NavigatorFunc func(route string)

// Navigate calls f(route).
func (f NavigatorFunc) Navigate(route string) {
	f(route)
}

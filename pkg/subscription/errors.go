package subscription

import "errors"

var (
	// ErrNotFound is returned when a subscription, package or customer does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a transition is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotRenewable is returned when renew is attempted on an ineligible subscription.
	ErrNotRenewable = errors.New("subscription cannot be renewed")

	// ErrInvalidPackage is returned for malformed package data.
	ErrInvalidPackage = errors.New("invalid package")

	// ErrNoUsername is returned when a customer has neither username nor phone.
	ErrNoUsername = errors.New("customer has no RADIUS username")

	// ErrReservedUsername is returned for a username that collides with the
	// package group namespace.
	ErrReservedUsername = errors.New("username is reserved for package groups")
)

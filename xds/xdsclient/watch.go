package xdsclient

import "google.golang.org/protobuf/types/known/anypb"

// Decoder bridges an opaque anypb.Any to a strongly-typed resource for one
// type URL. It is registered once, by the first watcher of that type
// (spec.md §4.9 / §9 "xDS watcher type erasure"): the Client stores only
// the returned `any` and a resource name, and never inspects the concrete
// schema itself.
//
// Name is returned even when err is non-nil whenever the wire bytes
// decoded far enough to identify the resource (protobuf unmarshal
// succeeded but a semantic validation rule failed); it is empty only when
// the bytes could not be parsed as the expected message type at all.
type Decoder func(res *anypb.Any) (name string, resource any, err error)

// ResourceWatcher is a type-erased subscriber to one (type URL, resource
// name) pair. The Client dispatches exactly one of these four methods per
// observed change, always on the Work Serializer (spec.md §4.1), so two
// callbacks for the same watcher — or for different watchers of the same
// Client — never run concurrently.
type ResourceWatcher interface {
	// OnResourceChanged is invoked with the decoded resource whenever the
	// management server sends a new or updated version of it.
	OnResourceChanged(resource any)

	// OnResourceDeleted is invoked when a resource the watcher previously
	// saw is no longer present in a response from a server that is
	// authoritative for it (spec.md §8 "resources absent ... generate
	// Delete").
	OnResourceDeleted()

	// OnResourceDoesNotExist fires once, per subscription, if no response
	// ever includes the resource within the configured timeout
	// (spec.md §4.9, default 15s). It never fires again for a name that
	// was subsequently seen at least once.
	OnResourceDoesNotExist()

	// OnResourceInvalid is invoked when a response containing this
	// resource failed validation; the previously delivered resource (if
	// any) remains authoritative (spec.md §7 kind 5).
	OnResourceInvalid(err error)
}

// TypedWatcher adapts a generically-typed set of callbacks to
// ResourceWatcher, so callers (xds/bridge) never type-assert by hand; the
// type parameter is resolved at the call site, while the Client storing
// the watcher only ever sees the ResourceWatcher interface (spec.md §9:
// "in languages with generics, parameterise the watcher").
type TypedWatcher[T any] struct {
	OnChanged      func(T)
	OnDeleted      func()
	OnDoesNotExist func()
	OnInvalid      func(error)
}

func (w TypedWatcher[T]) OnResourceChanged(resource any) {
	if w.OnChanged != nil {
		w.OnChanged(resource.(T))
	}
}

func (w TypedWatcher[T]) OnResourceDeleted() {
	if w.OnDeleted != nil {
		w.OnDeleted()
	}
}

func (w TypedWatcher[T]) OnResourceDoesNotExist() {
	if w.OnDoesNotExist != nil {
		w.OnDoesNotExist()
	}
}

func (w TypedWatcher[T]) OnResourceInvalid(err error) {
	if w.OnInvalid != nil {
		w.OnInvalid(err)
	}
}

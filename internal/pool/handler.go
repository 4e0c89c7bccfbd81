package pool

import (
	"context"
	"iter"
	"reflect"
)

// Message is what a handler receives for one leased message.
type Message struct {
	Payload any
	// RetryCount is set only when the handler declares AcceptsRetryCount.
	RetryCount int
	// MaxRetries is set only when the handler declares AcceptsMaxRetries.
	MaxRetries int
}

// Handler processes messages. One Handler is shared by every worker and must be
// safe for concurrent use.
//
// The result is turned into derived messages for the outputs: nil or empty
// means none. With Config.ExpandIterableOutput, an iter.Seq[any] or a slice
// yields one derived message per element.
type Handler interface {
	Handle(ctx context.Context, msg Message) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, msg Message) (any, error) {
	return f(ctx, msg)
}

// Capabilities declares which retry details a handler wants in Message.
type Capabilities struct {
	AcceptsRetryCount bool
	AcceptsMaxRetries bool
}

// CapabilityDescriber is implemented by handlers that want retry details.
// It is consulted once when the pool is created.
type CapabilityDescriber interface {
	Capabilities() Capabilities
}

// PreHandler runs once per worker before its first message.
type PreHandler interface {
	PreHandling(ctx context.Context) error
}

// PostHandler runs once per worker after the done broadcast.
type PostHandler interface {
	PostHandling(ctx context.Context) error
}

func capabilitiesOf(h Handler) Capabilities {
	if d, ok := h.(CapabilityDescriber); ok {
		return d.Capabilities()
	}
	return Capabilities{}
}

// eachItem calls fn for every derived message in out.
func eachItem(out any, expand bool, fn func(any) error) error {
	if isEmpty(out) {
		return nil
	}
	if !expand {
		return fn(out)
	}

	switch v := out.(type) {
	case iter.Seq[any]:
		for item := range v {
			if err := fn(item); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, item := range v {
			if err := fn(item); err != nil {
				return err
			}
		}
		return nil
	}

	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return fn(out)
	}
	// Byte slices are encoded bodies, not sequences.
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return fn(out)
	}
	for i := 0; i < rv.Len(); i++ {
		if err := fn(rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	return nil
}

func isEmpty(out any) bool {
	if out == nil {
		return true
	}
	rv := reflect.ValueOf(out)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	case reflect.Slice, reflect.Map, reflect.String:
		return rv.Len() == 0
	}
	return false
}

package channel

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/message"
)

// typeInfo is the resolved identity of a payload type.
type typeInfo struct {
	id     string
	goType reflect.Type
}

// typeResolver caches resolved identifiers per Go type.
type typeResolver struct {
	cache sync.Map // reflect.Type -> string
}

// ResolveType returns the wire type identifier declared by T through
// message.Typed. T may be a value type or a pointer to one.
func ResolveType[T any]() (string, error) {
	info, err := resolve[T](nil)
	return info.id, err
}

func resolve[T any](tr *typeResolver) (typeInfo, error) {
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if tr != nil {
		if id, ok := tr.cache.Load(rt); ok {
			return typeInfo{id: id.(string), goType: rt}, nil
		}
	}

	id, err := declaredType(rt)
	if err != nil {
		return typeInfo{}, err
	}
	if tr != nil {
		tr.cache.Store(rt, id)
	}
	return typeInfo{id: id, goType: rt}, nil
}

func declaredType(rt reflect.Type) (string, error) {
	if rt.Kind() == reflect.Interface {
		return "", errors.NewConfigurationError(rt.String(),
			fmt.Sprintf("interface type %s cannot carry a channel type", rt), nil)
	}

	// A fresh instance so value-receiver methods on pointer types never see nil.
	var candidates []any
	if rt.Kind() == reflect.Pointer {
		ptr := reflect.New(rt.Elem())
		candidates = append(candidates, ptr.Interface(), ptr.Elem().Interface())
	} else {
		ptr := reflect.New(rt)
		candidates = append(candidates, ptr.Elem().Interface(), ptr.Interface())
	}

	for _, c := range candidates {
		typed, ok := c.(message.Typed)
		if !ok {
			continue
		}
		id := typed.ChannelType()
		if id == "" {
			return "", errors.NewConfigurationError(rt.String(),
				fmt.Sprintf("type %s declares an empty channel type", rt), nil)
		}
		return id, nil
	}

	return "", errors.NewConfigurationError(rt.String(),
		fmt.Sprintf("type %s does not declare a channel type (missing ChannelType method)", rt), nil)
}

// newValue returns a ready-to-fill value of T. Pointer types get a fresh
// allocation instead of nil.
func newValue[T any]() T {
	var zero T
	rt := reflect.TypeOf((*T)(nil)).Elem()
	if rt.Kind() == reflect.Pointer {
		return reflect.New(rt.Elem()).Interface().(T)
	}
	return zero
}

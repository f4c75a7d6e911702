package channel

import (
	"testing"

	"github.com/DeBrosOfficial/roverlink/pkg/errors"
	"github.com/DeBrosOfficial/roverlink/pkg/message"
)

func TestResolveType(t *testing.T) {
	tests := []struct {
		name     string
		resolve  func() (string, error)
		expected string
		wantErr  bool
	}{
		{name: "value receiver", resolve: ResolveType[textMsg], expected: "test_msgs/Text"},
		{name: "pointer to value receiver", resolve: ResolveType[*textMsg], expected: "test_msgs/Text"},
		{name: "pointer receiver on value type", resolve: ResolveType[pointerMsg], expected: "test_msgs/Pointer"},
		{name: "pointer receiver on pointer type", resolve: ResolveType[*pointerMsg], expected: "test_msgs/Pointer"},
		{name: "message package type", resolve: ResolveType[message.Twist], expected: "geometry_msgs/Twist"},
		{name: "no declaration", resolve: ResolveType[untypedMsg], wantErr: true},
		{name: "empty declaration", resolve: ResolveType[blankMsg], wantErr: true},
		{name: "interface type", resolve: ResolveType[message.Typed], wantErr: true},
		{name: "builtin", resolve: ResolveType[string], wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.resolve()
			if tt.wantErr {
				if !errors.IsConfiguration(err) {
					t.Fatalf("Expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestResolverCachesPerGoType(t *testing.T) {
	var tr typeResolver

	first, err := resolve[textMsg](&tr)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := tr.cache.Load(first.goType); !ok {
		t.Fatal("Expected resolved type to be cached")
	}

	second, err := resolve[aliasMsg](&tr)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if first.id != second.id {
		t.Errorf("Expected identical wire ids, got %s and %s", first.id, second.id)
	}
	if first.goType == second.goType {
		t.Error("Expected distinct Go types")
	}

	if _, err := resolve[untypedMsg](&tr); err == nil {
		t.Fatal("Expected error for undeclared type")
	}
}

func TestNewValue(t *testing.T) {
	if p := newValue[*pointerMsg](); p == nil {
		t.Error("Expected allocated pointer")
	}
	if v := newValue[textMsg](); v.Text != "" {
		t.Errorf("Expected zero value, got %+v", v)
	}
}

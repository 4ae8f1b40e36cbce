package echo

import (
	"context"
	"reflect"
	"testing"
)

func TestEcho(t *testing.T) {
	b := Builtin()
	if err := b.Descriptor.Validate(); err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	c := b.New()

	out, err := c.Execute(context.Background(), map[string]any{"message": "hi", "upper": true})
	if err != nil || out != "HI" {
		t.Fatalf("got %v, %v", out, err)
	}
	params := map[string]any{"a": 1.0}
	out, err = c.Execute(context.Background(), params)
	if err != nil || !reflect.DeepEqual(out, params) {
		t.Fatalf("got %v, %v", out, err)
	}
}

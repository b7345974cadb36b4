package proxy

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Proxy wraps an object so its methods dispatch through interception by
// name. Method names on the wire are "<type>.<method>".
type Proxy struct {
	c      *Client
	target reflect.Value
	name   string
}

// Wrap builds an object proxy around target.
func (c *Client) Wrap(target any) *Proxy {
	rv := reflect.ValueOf(target)
	return &Proxy{
		c:      c,
		target: rv,
		name:   strings.TrimPrefix(rv.Type().String(), "*"),
	}
}

// Call intercepts one method invocation on the wrapped target.
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	m := p.target.MethodByName(method)
	if !m.IsValid() {
		return nil, fmt.Errorf("proxy: %s has no method %s", p.name, method)
	}
	return p.c.Call(ctx, p.name+"."+method, m.Interface(), args...)
}

// Target returns the wrapped object.
func (p *Proxy) Target() any { return p.target.Interface() }

// String delegates to the target when it prints itself.
func (p *Proxy) String() string {
	if s, ok := p.target.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("proxy(%s)", p.name)
}

package service

import (
	"context"
	"encoding/json"
	"net/http"

	"connectrpc.com/connect"
)

// Codec carries plain Go request and response structs as JSON. Handlers and
// clients must both be built with connect.WithCodec(Codec{}).
type Codec struct{}

var _ connect.Codec = Codec{}

// Name is the codec name; Connect derives the application/json content type from it.
func (Codec) Name() string { return "json" }

func (Codec) Marshal(msg any) ([]byte, error) { return json.Marshal(msg) }

func (Codec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, msg)
}

// unary builds a handler for one procedure with the JSON codec installed.
func unary[Req, Res any](procedure string, fn func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error), opts []connect.HandlerOption) http.Handler {
	return connect.NewUnaryHandler(procedure, fn, append([]connect.HandlerOption{connect.WithCodec(Codec{})}, opts...)...)
}

package arith

import (
	"context"

	"mini-rpc/message"
	"mini-rpc/server"
)

// Register adds Arith to svr, with Add overloaded for int64 and float64.
func Register(svr *server.Server) error {
	a := &Arith{}
	if err := svr.RegisterName(ServiceName, a); err != nil {
		return err
	}
	return svr.HandleFunc(ServiceName, "Add", []message.Type{message.TypeFloat64, message.TypeFloat64},
		func(_ context.Context, params []any) (any, error) {
			return a.AddFloat(params[0].(float64), params[1].(float64))
		})
}

package httpxfer

import "context"

func newCancelContext() (context.Context, func()) {
	return context.WithCancel(context.Background())
}

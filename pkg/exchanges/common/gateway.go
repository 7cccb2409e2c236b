package common

import "context"

// Gateway abstracts a futures venue that accepts order requests.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}

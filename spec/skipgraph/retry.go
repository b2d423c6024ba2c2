package skipgraph

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

type retryableWrapper struct {
	VNode
	retryInterval time.Duration
	retryAttempts uint
	onRetry       func(n uint, err error)
}

// WrapRetryRead wraps a given VNode to retry idempotent reads (table reads and
// searches) on retryable errors. Lock and update calls are passed through, as
// the join protocol handles their failures itself.
func WrapRetryRead(vnode VNode, interval time.Duration, maxAttempts uint, onRetry func(n uint, err error)) VNode {
	if onRetry == nil {
		onRetry = func(uint, error) {}
	}
	return &retryableWrapper{
		VNode:         vnode,
		retryInterval: interval,
		retryAttempts: maxAttempts,
		onRetry:       onRetry,
	}
}

func (n *retryableWrapper) retryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(n.retryAttempts),
		retry.Delay(n.retryInterval),
		retry.OnRetry(n.onRetry),
		retry.RetryIf(ErrorIsRetryable),
		retry.LastErrorOnly(true),
	}
}

func (n *retryableWrapper) GetIdentity(ctx context.Context) (Identity, error) {
	return retry.DoWithData(func() (Identity, error) {
		return n.VNode.GetIdentity(ctx)
	}, n.retryOptions(ctx)...)
}

func (n *retryableWrapper) IsAvailable(ctx context.Context) (bool, error) {
	return retry.DoWithData(func() (bool, error) {
		return n.VNode.IsAvailable(ctx)
	}, n.retryOptions(ctx)...)
}

func (n *retryableWrapper) GetLeftNode(ctx context.Context, level int) (Identity, error) {
	return retry.DoWithData(func() (Identity, error) {
		return n.VNode.GetLeftNode(ctx, level)
	}, n.retryOptions(ctx)...)
}

func (n *retryableWrapper) GetRightNode(ctx context.Context, level int) (Identity, error) {
	return retry.DoWithData(func() (Identity, error) {
		return n.VNode.GetRightNode(ctx, level)
	}, n.retryOptions(ctx)...)
}

func (n *retryableWrapper) SearchByNumID(ctx context.Context, target Identifier) (Identity, error) {
	return retry.DoWithData(func() (Identity, error) {
		return n.VNode.SearchByNumID(ctx, target)
	}, n.retryOptions(ctx)...)
}

func (n *retryableWrapper) SearchByMembershipVector(ctx context.Context, target MembershipVector) (*SearchResult, error) {
	return retry.DoWithData(func() (*SearchResult, error) {
		return n.VNode.SearchByMembershipVector(ctx, target)
	}, n.retryOptions(ctx)...)
}

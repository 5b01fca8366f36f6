package realtime

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var ErrChannelForbidden = errors.New("channel subscription forbidden")

// Authorizer decides channel membership.
type Authorizer interface {
	CanSubscribe(ctx context.Context, userID int64, channel string) (bool, error)
}

// Grants signs and checks per-socket subscription grants.
type Grants interface {
	SignChannel(userID int64, socketID, channel string) (string, error)
	VerifyChannel(grant, socketID, channel string) (int64, error)
}

// ChannelAuth issues grants over HTTP and re-validates them when a socket
// subscribes. Membership is consulted both times.
type ChannelAuth struct {
	authz   Authorizer
	grants  Grants
	logger  *zap.Logger
	metrics *Metrics
}

func NewChannelAuth(authz Authorizer, grants Grants, logger *zap.Logger, metrics *Metrics) *ChannelAuth {
	return &ChannelAuth{authz: authz, grants: grants, logger: logger.Named("channel-auth"), metrics: metrics}
}

// Grant returns a signed grant letting socketID of userID join channel.
func (a *ChannelAuth) Grant(ctx context.Context, userID int64, socketID, channel string) (string, error) {
	if err := a.check(ctx, userID, channel); err != nil {
		return "", err
	}
	return a.grants.SignChannel(userID, socketID, channel)
}

// Admit validates grant for the socket and channel and re-checks membership.
func (a *ChannelAuth) Admit(ctx context.Context, s Subscriber, channel, grant string) error {
	userID, err := a.grants.VerifyChannel(grant, s.ID(), channel)
	if err != nil || userID != s.UserID() {
		a.metrics.subscriptionRejected()
		return ErrChannelForbidden
	}
	return a.check(ctx, userID, channel)
}

func (a *ChannelAuth) check(ctx context.Context, userID int64, channel string) error {
	ok, err := a.authz.CanSubscribe(ctx, userID, channel)
	if err != nil {
		a.logger.Error("channel authorization failed", zap.String("channel", channel), zap.Error(err))
		return err
	}
	if !ok {
		a.metrics.subscriptionRejected()
		a.logger.Debug("channel subscription refused", zap.Int64("user_id", userID), zap.String("channel", channel))
		return ErrChannelForbidden
	}
	return nil
}

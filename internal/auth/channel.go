package auth

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// channelValidity bounds how long a subscription grant may be presented.
const channelValidity = 5 * time.Minute

// ChannelClaims grants one socket the right to join one channel.
type ChannelClaims struct {
	SocketID string `json:"socket_id"`
	Channel  string `json:"channel"`
	jwt.RegisteredClaims
}

// SignChannel issues a subscription grant for userID's socket on channel.
func (a *Authenticator) SignChannel(userID int64, socketID, channel string) (string, error) {
	now := a.now()
	claims := ChannelClaims{
		SocketID: socketID,
		Channel:  channel,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(channelValidity)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    a.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secretKey)
}

// VerifyChannel checks that grant was issued for socketID and channel and
// returns the user it was issued to.
func (a *Authenticator) VerifyChannel(grant, socketID, channel string) (int64, error) {
	claims := &ChannelClaims{}
	if err := a.parse(grant, claims); err != nil {
		return 0, err
	}
	if claims.SocketID == "" || claims.SocketID != socketID || claims.Channel != channel {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

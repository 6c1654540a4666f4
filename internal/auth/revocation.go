package auth

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-vms/internal/apikey"
)

// RevocationChannel is the Redis pub/sub channel API-key revocations are
// announced on, so every server process invalidates its bearer cache
// and reloads its apikey.Store promptly after an operator revokes a
// credential, without waiting for the next periodic store reload.
const RevocationChannel = "authz:apikey:revoke"

// RevocationOverlay subscribes to RevocationChannel and reacts to
// revocation announcements. It never participates in request-path
// authentication; a Redis outage only delays propagation, it never
// blocks Authenticate.
type RevocationOverlay struct {
	client *redis.Client
	auth   *Authenticator
	store  *apikey.Store
	log    *slog.Logger
}

// NewRevocationOverlay builds an overlay that, on any message on
// RevocationChannel, reloads the API key store and purges the bearer
// cache.
func NewRevocationOverlay(client *redis.Client, auth *Authenticator, store *apikey.Store, log *slog.Logger) *RevocationOverlay {
	return &RevocationOverlay{client: client, auth: auth, store: store, log: log}
}

// Run subscribes and processes revocation notifications until ctx is
// canceled or the subscription's message channel is closed. It does not
// resubscribe on its own.
func (o *RevocationOverlay) Run(ctx context.Context) {
	sub := o.client.Subscribe(ctx, RevocationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			o.log.Info("auth: revocation notification received", "subject", msg.Payload)
			if err := o.store.Reload(); err != nil {
				o.log.Error("auth: apikey store reload after revocation failed", "error", err)
			}
			o.auth.InvalidateBearerCache()
		}
	}
}

// Announce publishes a revocation notification for subject. Callers
// (e.g. an operator tool) use this after editing the API key store file
// so every running server process picks the change up immediately.
func Announce(ctx context.Context, client *redis.Client, subject string) error {
	return client.Publish(ctx, RevocationChannel, subject).Err()
}

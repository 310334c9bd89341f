package bridge

import (
	"context"

	"issuebridge/pkg/apikey"
	"issuebridge/pkg/logging"
	"issuebridge/pkg/prefs"
)

// OpenKeys loads the API key set. An unreadable set is logged and replaced
// by an empty one so the host keeps running; no client can authenticate
// until keys are generated again.
func OpenKeys(ctx context.Context, p prefs.Store, c apikey.Cipher, secret apikey.SecretFunc, log logging.Logger, opts ...apikey.Option) *apikey.Store {
	if log == nil {
		log = logging.Nop{}
	}
	opts = append([]apikey.Option{apikey.WithErrorHandler(func(err error) {
		log.Error("persist key usage failed", "error", err)
	})}, opts...)
	store, err := apikey.Open(ctx, p, c, secret, opts...)
	if err != nil {
		log.Error("load api keys failed, continuing with an empty key set", "error", err)
	}
	return store
}

// Copyright (c) 2019-2024 The Decred developers
// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package api

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	// userTokenRate is the token refill rate for the user request bucket,
	// per second.
	userTokenRate = 5

	// userBurst is the maximum token usage allowed per second for users.
	userBurst = 10

	// relayerTokenRate is the token refill rate for the relayer request
	// bucket, per second.  The relayer reports balances and resolves every
	// action so it is allowed a higher rate.
	relayerTokenRate = 50

	// relayerBurst is the maximum token usage allowed per second for the
	// relayer.
	relayerBurst = 100

	// UserClient represents a client calling pool operations.
	UserClient = "user"

	// RelayerClient represents the relayer reporting host state.
	RelayerClient = "relayer"
)

// RateLimiter keeps connected clients within their allocated request rates.
type RateLimiter struct {
	mutex    sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter initializes a rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterKey returns the limiter key of a client.  A host may be both a user
// and the relayer, each with its own bucket.
func limiterKey(ip string, clientType string) string {
	return clientType + "/" + ip
}

// AddRequestLimiter adds a new client request limiter to the limiter set.
func (r *RateLimiter) AddRequestLimiter(ip string, clientType string) *rate.Limiter {
	var limiter *rate.Limiter
	switch clientType {
	case UserClient:
		limiter = rate.NewLimiter(userTokenRate, userBurst)
	case RelayerClient:
		limiter = rate.NewLimiter(relayerTokenRate, relayerBurst)
	default:
		log.Errorf("unknown client type provided: %s", clientType)
		return nil
	}

	r.mutex.Lock()
	r.limiters[limiterKey(ip, clientType)] = limiter
	r.mutex.Unlock()

	return limiter
}

// GetLimiter fetches the request limiter referenced by the provided
// IP address and client type.
func (r *RateLimiter) GetLimiter(ip string, clientType string) *rate.Limiter {
	r.mutex.RLock()
	limiter := r.limiters[limiterKey(ip, clientType)]
	r.mutex.RUnlock()

	return limiter
}

// RemoveLimiter deletes the request limiter associated with the provided ip.
func (r *RateLimiter) RemoveLimiter(ip string, clientType string) {
	r.mutex.Lock()
	delete(r.limiters, limiterKey(ip, clientType))
	r.mutex.Unlock()
}

// WithinLimit asserts that the client referenced by the provided IP
// address is within the limits of the rate limiter, therefore can make
// further requests. If no request limiter is found for the provided IP
// address a new one is created.
func (r *RateLimiter) WithinLimit(ip string, clientType string) bool {
	reqLimiter := r.GetLimiter(ip, clientType)

	// create a new limiter if the incoming request is from a new client.
	if reqLimiter == nil {
		reqLimiter = r.AddRequestLimiter(ip, clientType)
		if reqLimiter == nil {
			return false
		}
	}

	return reqLimiter.Allow()
}

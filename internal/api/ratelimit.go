/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterPruneAbove = 1024
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ownerLimiter applies a token bucket per owner. A nil limiter allows
// everything.
type ownerLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[int64]*limiterEntry
	now     func() time.Time
}

func newOwnerLimiter(perMinute, burst int) *ownerLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &ownerLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		entries: make(map[int64]*limiterEntry),
		now:     time.Now,
	}
}

// Allow reports whether ownerID may make another request now
func (l *ownerLimiter) Allow(ownerID int64) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[ownerID]
	if !ok {
		if len(l.entries) >= limiterPruneAbove {
			l.prune(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ownerID] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

// prune drops owners idle for longer than limiterIdleTTL. Their buckets
// would be full again by then.
func (l *ownerLimiter) prune(now time.Time) {
	for id, entry := range l.entries {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.entries, id)
		}
	}
}

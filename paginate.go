// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"net/http"
)

// page is one response of a paginated list endpoint
type page[T any] struct {
	Items   []T
	HasNext bool
	Status  int
	// Token is the bearer token the page was requested with, so a 401 can
	// invalidate exactly that token.
	Token string
}

type pageFunc[T any] func(ctx context.Context, number int) (page[T], error)

type reauthFunc func(ctx context.Context, stale string) bool

type pageOutcome int

const (
	// pagesComplete - the last page reported hasNext=false
	pagesComplete pageOutcome = iota
	// pagesPartial - stopped early on an error, a 401 that could not be recovered, or cancellation
	pagesPartial
	// pagesCapped - stopped at the page cap while the server still reported hasNext
	pagesCapped
)

func (o pageOutcome) String() string {
	switch o {
	case pagesComplete:
		return "complete"
	case pagesCapped:
		return "capped"
	default:
		return "partial"
	}
}

// collectPages walks a list endpoint from page 1 and concatenates the items.
// A failed page ends the walk with whatever was gathered so far. A 401 leads
// to one reauthentication and a retry of the same page; a second 401 before
// any page succeeds again ends the walk.
func collectPages[T any](ctx context.Context, fetch pageFunc[T], reauth reauthFunc, maxPages int, logger *Logger) ([]T, pageOutcome) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	results := make([]T, 0)
	reauthed := false

	for number := 1; number <= maxPages; {
		if ctx.Err() != nil {
			logger.Warn("Pagination cancelled", "page", number, "error", ctx.Err())
			return results, pagesPartial
		}

		p, err := fetch(ctx, number)
		if err != nil {
			logger.Error("Page request failed", "page", number, "error", err)
			return results, pagesPartial
		}

		switch p.Status {
		case http.StatusOK:
			results = append(results, p.Items...)
			reauthed = false
			logger.Debug("Fetched page",
				"page", number,
				"has_next", p.HasNext,
				"items", len(p.Items),
			)
			if !p.HasNext {
				return results, pagesComplete
			}
			number++

		case http.StatusUnauthorized:
			if reauthed {
				logger.Error("Page still unauthorized after re-authentication", "page", number)
				return results, pagesPartial
			}
			logger.Warn("Token expired during pagination, re-authenticating", "page", number)
			if !reauth(ctx, p.Token) {
				logger.Error("Re-authentication failed during pagination", "page", number)
				return results, pagesPartial
			}
			reauthed = true

		default:
			logger.Error("Page request returned unexpected status", "page", number, "status_code", p.Status)
			return results, pagesPartial
		}
	}

	logger.Warn("Pagination stopped at page cap while server still reports more pages",
		"max_pages", maxPages,
		"items", len(results),
	)
	return results, pagesCapped
}

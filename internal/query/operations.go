package query

import (
	"cmp"
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/record"
)

// GetParams selects the exact (user, ad, query, position, depth) combination.
type GetParams struct {
	User     uint32 `json:"user"`
	Ad       uint32 `json:"ad"`
	Query    uint32 `json:"query"`
	Position uint8  `json:"position"`
	Depth    uint8  `json:"depth"`
}

type Totals struct {
	Clicks      uint64 `json:"clicks"`
	Impressions uint64 `json:"impressions"`
}

type AdQuery struct {
	Ad    uint32 `json:"ad"`
	Query uint32 `json:"query"`
}

func compareAdQuery(a, b AdQuery) int {
	if c := cmp.Compare(a.Ad, b.Ad); c != 0 {
		return c
	}
	return cmp.Compare(a.Query, b.Query)
}

// AdGroup is one ad both users were shown, with the first user's impressed
// records for it.
type AdGroup struct {
	Ad      uint32          `json:"ad"`
	Records []record.Record `json:"records"`
}

// Get sums clicks and impressions over the records matching p exactly. No
// match yields zero totals.
func (e *Engine) Get(ctx context.Context, p GetParams) (totals Totals, err error) {
	ctx, done := e.observe(ctx, OpGet)
	defer func() { done(1, err) }()

	recs, err := e.FetchRecords(ctx, p.User)
	if err != nil {
		return Totals{}, err
	}
	for _, r := range recs {
		if r.Matches(p.User, p.Ad, p.Query, p.Position, p.Depth) {
			totals.Clicks += uint64(r.Click)
			totals.Impressions += uint64(r.Impression)
		}
	}
	return totals, nil
}

// Clicked lists the distinct (ad, query) pairs user clicked, ascending.
func (e *Engine) Clicked(ctx context.Context, user uint32) (pairs []AdQuery, err error) {
	ctx, done := e.observe(ctx, OpClicked)
	defer func() { done(len(pairs), err) }()

	recs, err := e.FetchRecords(ctx, user)
	if err != nil {
		return nil, err
	}
	pairs = make([]AdQuery, 0, len(recs))
	for _, r := range recs {
		if r.HasClick() {
			pairs = append(pairs, AdQuery{Ad: r.AdID, Query: r.QueryID})
		}
	}
	slices.SortFunc(pairs, compareAdQuery)
	return slices.Compact(pairs), nil
}

// Impressed returns, ordered by ad id, the ads that both a and b have at least
// one impressed record for. Each group lists every impressed record of a for
// that ad, in index order.
func (e *Engine) Impressed(ctx context.Context, a, b uint32) (groups []AdGroup, err error) {
	ctx, done := e.observe(ctx, OpImpressed)
	defer func() { done(len(groups), err) }()

	var recsA, recsB []record.Record
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		recsA, err = e.impressedRecords(gctx, a)
		return err
	})
	g.Go(func() error {
		var err error
		recsB, err = e.impressedRecords(gctx, b)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	i, j := 0, 0
	for i < len(recsA) && j < len(recsB) {
		adA, adB := recsA[i].AdID, recsB[j].AdID
		switch {
		case adA < adB:
			i++
		case adA > adB:
			j++
		default:
			group := AdGroup{Ad: adA}
			for ; i < len(recsA) && recsA[i].AdID == adA; i++ {
				group.Records = append(group.Records, recsA[i])
			}
			for j < len(recsB) && recsB[j].AdID == adA {
				j++
			}
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// impressedRecords returns user's records with an impression, stably sorted
// by ad id.
func (e *Engine) impressedRecords(ctx context.Context, user uint32) ([]record.Record, error) {
	recs, err := e.FetchRecords(ctx, user)
	if err != nil {
		return nil, err
	}
	recs = slices.DeleteFunc(recs, func(r record.Record) bool { return !r.HasImpression() })
	slices.SortStableFunc(recs, func(x, y record.Record) int { return cmp.Compare(x.AdID, y.AdID) })
	return recs, nil
}

// Profit returns, ascending, every user whose click-through ratio on ad is at
// least threshold. A user with neither clicks nor impressions on ad qualifies
// only for a zero threshold; clicks without impressions never qualify.
func (e *Engine) Profit(ctx context.Context, ad uint32, threshold float64) (users []uint32, err error) {
	ctx, done := e.observe(ctx, OpProfit)
	defer func() { done(len(users), err) }()

	keys := make(chan uint32, e.cfg.ProfitWorkers*4)
	local := make([][]uint32, e.cfg.ProfitWorkers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(keys)
		for it := e.idx.Begin(); it.Valid(); it = e.idx.UpperBound(it.Key()) {
			select {
			case keys <- it.Key():
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := range local {
		g.Go(func() error {
			for user := range keys {
				ok, err := e.qualifies(user, ad, threshold)
				if err != nil {
					return err
				}
				if ok {
					local[w] = append(local[w], user)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	users = make([]uint32, 0)
	for _, l := range local {
		users = append(users, l...)
	}
	slices.Sort(users)
	return users, nil
}

func (e *Engine) qualifies(user, ad uint32, threshold float64) (bool, error) {
	recs, err := e.fetchSequential(e.offsets(user))
	if err != nil {
		return false, err
	}
	var clicks, impressions uint64
	for _, r := range recs {
		if r.AdID == ad {
			clicks += uint64(r.Click)
			impressions += uint64(r.Impression)
		}
	}
	return meetsThreshold(clicks, impressions, threshold), nil
}

func meetsThreshold(clicks, impressions uint64, threshold float64) bool {
	switch {
	case impressions == 0 && clicks == 0:
		return threshold == 0
	case impressions == 0:
		return false
	default:
		return float64(clicks)/float64(impressions) >= threshold
	}
}

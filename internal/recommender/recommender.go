package recommender

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yungbote/copurchase/internal/platform/logger"
)

const (
	// DefaultMaxResults is the suggestion count product pages ask for.
	DefaultMaxResults = 6

	defaultDeleteBatch = 500
	cleanupTimeout     = 5 * time.Second
	tracerName         = "github.com/yungbote/copurchase/internal/recommender"
)

// Suggestion is a ranked candidate with its summed co-occurrence score.
type Suggestion struct {
	ProductID ProductID
	Score     float64
}

// Recommender tracks which products are bought together and ranks companions for a
// set of seed products. It holds no mutable state of its own; everything lives in
// the Store.
type Recommender struct {
	store       Store
	log         *logger.Logger
	keys        KeySpace
	tracer      trace.Tracer
	deleteBatch int
	newToken    func() string
}

type Option func(*Recommender)

func WithKeySpace(k KeySpace) Option {
	return func(r *Recommender) { r.keys = k }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Recommender) {
		if t != nil {
			r.tracer = t
		}
	}
}

func WithDeleteBatchSize(n int) Option {
	return func(r *Recommender) {
		if n > 0 {
			r.deleteBatch = n
		}
	}
}

func New(store Store, log *logger.Logger, opts ...Option) (*Recommender, error) {
	if store == nil {
		return nil, fmt.Errorf("association store required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	r := &Recommender{
		store:       store,
		log:         log.With("service", "Recommender"),
		tracer:      otel.Tracer(tracerName),
		deleteBatch: defaultDeleteBatch,
		newToken:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Recommender) Keys() KeySpace { return r.keys }

// RecordPurchase increments the co-occurrence score of every ordered pair of distinct
// products in one completed order. Each pair is its own atomic store increment.
func (r *Recommender) RecordPurchase(ctx context.Context, products []ProductID) (err error) {
	ctx, span := r.tracer.Start(ctx, "recommender.RecordPurchase",
		trace.WithAttributes(attribute.Int("products.count", len(products))))
	defer func() { endSpan(span, err) }()

	ids, err := distinctValid(products)
	if err != nil {
		return err
	}
	if len(ids) < 2 {
		return nil
	}

	incs := make([]Increment, 0, len(ids)*(len(ids)-1))
	for _, p := range ids {
		key := r.keys.Product(p)
		for _, q := range ids {
			if p == q {
				continue
			}
			incs = append(incs, Increment{Key: key, Member: q, Delta: 1})
		}
	}

	if batch, ok := r.store.(PairIncrementer); ok {
		if err := batch.IncrPairs(ctx, incs); err != nil {
			return storeErr("incr_pairs", "", err)
		}
	} else {
		for _, inc := range incs {
			if err := r.store.IncrBy(ctx, inc.Key, inc.Member, inc.Delta); err != nil {
				return storeErr("incr", inc.Key, err)
			}
		}
	}
	span.SetAttributes(attribute.Int("pairs.count", len(incs)))
	r.log.Debug("purchase recorded", "products", len(ids), "pairs", len(incs))
	return nil
}

// Suggest returns up to maxResults product ids most often bought with the seeds.
func (r *Recommender) Suggest(ctx context.Context, products []ProductID, maxResults int) ([]ProductID, error) {
	scored, err := r.SuggestScored(ctx, products, maxResults)
	if err != nil {
		return nil, err
	}
	out := make([]ProductID, 0, len(scored))
	for _, s := range scored {
		out = append(out, s.ProductID)
	}
	return out, nil
}

// SuggestScored is Suggest with the summed scores. Seeds never appear in the result,
// and seeds without any purchase history contribute nothing.
func (r *Recommender) SuggestScored(ctx context.Context, products []ProductID, maxResults int) (out []Suggestion, err error) {
	ctx, span := r.tracer.Start(ctx, "recommender.Suggest",
		trace.WithAttributes(
			attribute.Int("seeds.count", len(products)),
			attribute.Int("max_results", maxResults),
		))
	defer func() { endSpan(span, err) }()

	if maxResults < 1 {
		return nil, &InputError{Code: InputErrorInvalidMaxResults, Value: strconv.Itoa(maxResults)}
	}
	seeds, err := distinctValid(products)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return []Suggestion{}, nil
	}

	if len(seeds) == 1 {
		out, err = r.topFiltered(ctx, r.keys.Product(seeds[0]), seeds, maxResults)
	} else {
		out, err = r.unionTop(ctx, seeds, maxResults)
	}
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("results.count", len(out)))
	return out, nil
}

func (r *Recommender) unionTop(ctx context.Context, seeds []ProductID, n int) (out []Suggestion, err error) {
	scratch := r.keys.Scratch(seeds, r.newToken())
	keys := make([]string, 0, len(seeds))
	for _, id := range seeds {
		keys = append(keys, r.keys.Product(id))
	}

	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if derr := r.store.Delete(cctx, scratch); derr != nil {
			r.log.Warn("scratch union cleanup failed", "key", scratch, "error", derr)
			if err == nil {
				err = storeErr("delete", scratch, derr)
				out = nil
			}
		}
	}()

	if err := r.store.UnionInto(ctx, scratch, keys); err != nil {
		return nil, storeErr("union", scratch, err)
	}
	if err := r.store.Remove(ctx, scratch, seeds...); err != nil {
		return nil, storeErr("remove", scratch, err)
	}
	return r.topFiltered(ctx, scratch, seeds, n)
}

// topFiltered reads the best members of key and drops seeds and non-positive ids. When
// filtering leaves fewer than n while the set may hold more, it reads a larger page.
func (r *Recommender) topFiltered(ctx context.Context, key string, seeds []ProductID, n int) ([]Suggestion, error) {
	want := n + len(seeds)
	for {
		entries, err := r.store.TopN(ctx, key, want)
		if err != nil {
			return nil, storeErr("top_n", key, err)
		}
		out := rank(entries, seeds, n)
		if len(out) >= n || len(entries) < want {
			return out, nil
		}
		r.log.Debug("filtered members displaced candidates; reading further", "key", key, "page", want)
		want *= 2
	}
}

// ClearAllPurchaseHistory deletes the association set of every given product.
func (r *Recommender) ClearAllPurchaseHistory(ctx context.Context, allKnownProductIDs []ProductID) (err error) {
	ctx, span := r.tracer.Start(ctx, "recommender.Clear",
		trace.WithAttributes(attribute.Int("products.count", len(allKnownProductIDs))))
	defer func() { endSpan(span, err) }()

	ids, err := distinctValid(allKnownProductIDs)
	if err != nil {
		return err
	}
	for start := 0; start < len(ids); start += r.deleteBatch {
		end := min(start+r.deleteBatch, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, r.keys.Product(id))
		}
		if err := r.store.Delete(ctx, keys...); err != nil {
			return storeErr("delete", "", err)
		}
	}
	r.log.Info("purchase history cleared", "products", len(ids))
	return nil
}

func rank(entries []Entry, seeds []ProductID, n int) []Suggestion {
	isSeed := make(map[ProductID]struct{}, len(seeds))
	for _, id := range seeds {
		isSeed[id] = struct{}{}
	}
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Member <= 0 {
			continue
		}
		if _, ok := isSeed[e.Member]; ok {
			continue
		}
		kept = append(kept, e)
	}
	SortEntries(kept)
	if len(kept) > n {
		kept = kept[:n]
	}
	out := make([]Suggestion, 0, len(kept))
	for _, e := range kept {
		out = append(out, Suggestion{ProductID: e.Member, Score: e.Score})
	}
	return out
}

func distinctValid(ids []ProductID) ([]ProductID, error) {
	seen := make(map[ProductID]struct{}, len(ids))
	out := make([]ProductID, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, &InputError{Code: InputErrorInvalidProductID, Value: id.String()}
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/progress"
)

// CacheKey derives the result-cache key of a request: a SHA-256 over the
// case-folded, sorted competitor names, the business-context hash and the
// run mode.
func CacheKey(competitors []model.Competitor, bctx model.BusinessContext, mode string) string {
	fold := cases.Fold()
	names := make([]string, len(competitors))
	for i, c := range competitors {
		names[i] = fold.String(strings.TrimSpace(c.Name))
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(strings.Join(names, "\n")))
	h.Write([]byte{0})
	h.Write([]byte(bctx.Hash()))
	h.Write([]byte{0})
	h.Write([]byte(mode))
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Run) cacheKey() string {
	return CacheKey(r.req.Competitors, r.req.BusinessContext, r.req.Options.ModeOrDefault())
}

// replayCached serves the run from the result cache when possible. It
// emits one competitor_complete per cached result and the complete event,
// and returns nil on a miss.
func (r *Run) replayCached(ctx context.Context, ch *progress.Channel, unsubscribe func()) *Outcome {
	if r.o.cache == nil || r.req.Options.SkipCache {
		return nil
	}
	key := r.cacheKey()
	raw, ok, err := r.o.cache.Get(ctx, key)
	if err != nil {
		r.log.Warn("orchestrator: cache lookup failed", zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	var cached model.RunResult
	if err := json.Unmarshal(raw, &cached); err != nil {
		r.log.Warn("orchestrator: discarding unreadable cache entry", zap.String("key", key), zap.Error(err))
		return nil
	}
	n := len(r.req.Competitors)
	results, ok := inRequestOrder(r.req.Competitors, cached.Results)
	if !ok {
		r.log.Warn("orchestrator: cache entry does not match request",
			zap.Int("cached", len(cached.Results)), zap.Int("requested", n))
		return nil
	}
	cached.Results = results

	r.log.Info("orchestrator: serving run from cache", zap.String("key", key))
	for i := range cached.Results {
		_, hi := band(i, n)
		ch.Emit(model.CompetitorCompleteEvent{
			Progress: hi,
			Result:   cached.Results[i],
			Index:    i,
			Total:    n,
		})
	}
	ch.Emit(model.ProgressEvent{Progress: progressFinalizing, Message: "Finalizing analysis"})
	unsubscribe()
	ch.Close(model.CompleteEvent{
		Message: "Analysis complete (cached): " + model.CountMessage(cached.Summary.SuccessfulAnalyses, n),
		Summary: cached.Summary,
		Results: cached.Results,
		Costs:   cached.Costs,
	})

	return &Outcome{
		RunID:   r.id,
		State:   StateCompleted,
		Summary: cached.Summary,
		Results: cached.Results,
		Costs:   cached.Costs,
		Cached:  true,
	}
}

// inRequestOrder lines cached results up with the requested competitors,
// matching case-folded names, and stamps each with the competitor as
// requested. It reports false when any requested name has no result.
func inRequestOrder(comps []model.Competitor, cached []model.CompetitorAnalysisResult) ([]model.CompetitorAnalysisResult, bool) {
	if len(cached) != len(comps) {
		return nil, false
	}
	fold := cases.Fold()
	byName := make(map[string][]model.CompetitorAnalysisResult, len(cached))
	for _, res := range cached {
		k := fold.String(strings.TrimSpace(res.Competitor.Name))
		byName[k] = append(byName[k], res)
	}

	out := make([]model.CompetitorAnalysisResult, 0, len(comps))
	for _, c := range comps {
		k := fold.String(strings.TrimSpace(c.Name))
		list := byName[k]
		if len(list) == 0 {
			return nil, false
		}
		res := list[0]
		byName[k] = list[1:]
		res.Competitor = c
		res.Metadata.Cached = true
		out = append(out, res)
	}
	return out, true
}

// storeCached writes a fully successful run to the cache. Failures are
// logged and otherwise ignored.
func (r *Run) storeCached(ctx context.Context, out *Outcome) {
	if r.o.cache == nil {
		return
	}
	raw, err := json.Marshal(out.RunResult())
	if err != nil {
		r.log.Warn("orchestrator: encode cache entry", zap.Error(err))
		return
	}
	if err := r.o.cache.Set(ctx, r.cacheKey(), raw, r.o.cacheTTL); err != nil {
		r.log.Warn("orchestrator: cache write failed", zap.Error(err))
	}
}

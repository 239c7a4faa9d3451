package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/atelierlabs/atelier/internal/critique"
	"github.com/atelierlabs/atelier/internal/domain/models"
	"github.com/atelierlabs/atelier/internal/fault"
	"github.com/atelierlabs/atelier/internal/ports"
	"github.com/atelierlabs/atelier/internal/ranking"
	"github.com/atelierlabs/atelier/internal/session"
)

// globalPass marks ranking events from the final cross-iteration ranking,
// which belongs to no single iteration.
const globalPass = -1

// rankAndSelect runs the pairwise ranking over the iteration's completed
// candidates, persists the ranking, marks survivors and critiques them for
// the next round.
func (r *run) rankAndSelect(ctx context.Context, number int, done []outcome) error {
	set := r.sched.source.Current()

	byID := make(map[int]outcome, len(done))
	images := make([]ranking.Image, len(done))
	for i, o := range done {
		byID[o.id] = o
		images[i] = ranking.Image{Key: models.GraphKey(number, o.id), Path: o.image}
	}

	r.publish(ctx, ports.ProgressEvent{
		Status:    ports.StatusInfo,
		Stage:     "ranking",
		Message:   fmt.Sprintf("iteration %d: ranking %d candidates", number, len(images)),
		Iteration: number,
	})

	engine := ranking.NewEngine(set.Comparator, ranking.Options{
		Alpha:               r.cfg.Alpha,
		EnsembleSize:        r.cfg.EnsembleSize,
		GracefulDegradation: true,
		Known:               r.knownFacts,
		Notifier:            r.sched.notifier,
		SessionID:           r.tracker.SessionID(),
		Iteration:           number,
	})
	res, err := engine.Rank(ctx, images, r.req.Prompt)
	if err != nil {
		return fault.Wrapf(fault.KindOf(err), "search.rank", err, "ranking iteration %d", number)
	}
	if cerr := cancelled(ctx); cerr != nil {
		return cerr
	}
	for _, rerr := range res.Errors {
		slog.WarnContext(ctx, "search: comparison skipped",
			"session_id", r.tracker.SessionID(), "iteration", number, "error", rerr)
	}
	r.knownFacts = append(r.knownFacts, res.Graph.DirectFacts()...)

	records := make([]models.RankingRecord, len(res.Ranked))
	for i, ri := range res.Ranked {
		_, candID, perr := models.ParseGraphKey(ri.Key)
		if perr != nil {
			return fault.Wrap(fault.Fatal, "search.rank", perr)
		}
		stats := ri.Stats
		records[i] = models.RankingRecord{
			CandidateID:    candID,
			Rank:           ri.Rank,
			Wins:           ri.Wins,
			Losses:         ri.Losses,
			AggregateStats: &stats,
		}
	}
	if err := r.tracker.RecordIterationRanking(ctx, number, records); err != nil {
		return err
	}

	topM := min(r.cfg.Survivors, len(res.Ranked))
	survivorIDs := make([]int, topM)
	for i := 0; i < topM; i++ {
		survivorIDs[i] = records[i].CandidateID
	}
	if err := r.tracker.MarkSurvivors(ctx, number, survivorIDs); err != nil {
		return err
	}

	nextDim := r.sched.dimension(number + 1)
	var picked []survivor
	for i, ri := range res.Ranked {
		candID := records[i].CandidateID
		o := byID[candID]
		fb := &models.AggregatedFeedback{Strengths: ri.Strengths, Weaknesses: ri.Weaknesses}
		data := session.RankingData{
			Comparisons:        res.Graph.FactsInvolving(ri.Key),
			AggregatedFeedback: fb,
		}

		if i < topM {
			crit, cerr := r.critiqueSurvivor(ctx, critique.Inputs{
				Dimension:     nextDim,
				UserPrompt:    r.req.Prompt,
				CurrentPrompt: halfFor(o, nextDim),
				Rank:          ri.Rank,
				Ranked:        len(res.Ranked),
				Feedback:      fb,
			})
			if cerr != nil {
				return cerr
			}
			data.Critique = crit
			picked = append(picked, survivor{
				ref:      models.CandidateRef{Iteration: number, CandidateID: candID},
				what:     o.what,
				how:      o.how,
				image:    o.image,
				critique: crit,
				rank:     ri.Rank,
			})
		}

		if err := r.tracker.EnrichCandidateWithRankingData(ctx, number, candID, data); err != nil {
			return err
		}
	}

	r.survivors = picked
	r.everSurvived = append(r.everSurvived, picked...)

	slog.InfoContext(ctx, "search: iteration ranked",
		"session_id", r.tracker.SessionID(),
		"iteration", number,
		"ranked", len(res.Ranked),
		"survivors", len(picked),
		"best", survivorIDs[0])
	return nil
}

// selectByScore is the legacy absolute-score path: candidates were already
// evaluated during generation, so selection is a sort on total score.
func (r *run) selectByScore(ctx context.Context, number int, done []outcome) error {
	sort.Slice(done, func(i, j int) bool {
		if *done[i].score != *done[j].score {
			return *done[i].score > *done[j].score
		}
		return done[i].id < done[j].id
	})

	records := make([]models.RankingRecord, len(done))
	for i, o := range done {
		records[i] = models.RankingRecord{CandidateID: o.id, Rank: i + 1}
	}
	if err := r.tracker.RecordIterationRanking(ctx, number, records); err != nil {
		return err
	}

	topM := min(r.cfg.Survivors, len(done))
	survivorIDs := make([]int, topM)
	for i := 0; i < topM; i++ {
		survivorIDs[i] = done[i].id
	}
	if err := r.tracker.MarkSurvivors(ctx, number, survivorIDs); err != nil {
		return err
	}

	nextDim := r.sched.dimension(number + 1)
	var picked []survivor
	for i, o := range done {
		fb := &models.AggregatedFeedback{Strengths: o.eval.Strengths, Weaknesses: o.eval.Weaknesses}
		data := session.RankingData{AggregatedFeedback: fb}

		if i < topM {
			crit, cerr := r.critiqueSurvivor(ctx, critique.Inputs{
				Dimension:     nextDim,
				UserPrompt:    r.req.Prompt,
				CurrentPrompt: halfFor(o, nextDim),
				Rank:          i + 1,
				Ranked:        len(done),
				Evaluation:    o.eval,
				Feedback:      fb,
			})
			if cerr != nil {
				return cerr
			}
			data.Critique = crit
			picked = append(picked, survivor{
				ref:      models.CandidateRef{Iteration: number, CandidateID: o.id},
				what:     o.what,
				how:      o.how,
				image:    o.image,
				critique: crit,
				rank:     i + 1,
				score:    o.score,
			})
		}

		if err := r.tracker.EnrichCandidateWithRankingData(ctx, number, o.id, data); err != nil {
			return err
		}
	}

	r.survivors = picked
	r.everSurvived = append(r.everSurvived, picked...)

	slog.InfoContext(ctx, "search: iteration scored",
		"session_id", r.tracker.SessionID(),
		"iteration", number,
		"scored", len(done),
		"survivors", len(picked),
		"best", survivorIDs[0])
	return nil
}

// critiqueSurvivor generates the forward-looking critique for one
// survivor. Only cancellation aborts; any other failure leaves the
// survivor critique-less and its children branch unrefined.
func (r *run) critiqueSurvivor(ctx context.Context, in critique.Inputs) (*models.Critique, error) {
	crit, err := r.sched.critic.Generate(ctx, in)
	if err == nil {
		return crit, nil
	}
	if cerr := cancelled(ctx); cerr != nil {
		return nil, cerr
	}
	slog.WarnContext(ctx, "search: critique generation failed",
		"session_id", r.tracker.SessionID(), "dimension", in.Dimension, "error", err)
	return nil, nil
}

// halfFor picks the prompt half an upcoming iteration will refine.
func halfFor(o outcome, dim models.Dimension) string {
	if dim == models.DimensionHow {
		return o.how
	}
	return o.what
}

// finalize identifies the global winner across every iteration's
// survivors, persists the final ranking and the winner's lineage.
func (r *run) finalize(ctx context.Context) error {
	if len(r.everSurvived) == 0 {
		return fault.New(fault.Fatal, "search.finalize", "session finished with no survivors")
	}

	r.publish(ctx, ports.ProgressEvent{
		Status:    ports.StatusInfo,
		Stage:     "ranking",
		Message:   fmt.Sprintf("final ranking over %d survivors", len(r.everSurvived)),
		Iteration: globalPass,
	})

	var rows []models.GlobalRank
	var winner models.FinalWinner
	var err error
	if r.cfg.RankingMode == models.RankingModeScore {
		rows, winner = r.finalByScore()
	} else {
		rows, winner, err = r.finalByRanking(ctx)
		if err != nil {
			return err
		}
	}

	if err := r.tracker.RecordFinalGlobalRanking(ctx, rows); err != nil {
		return err
	}
	if err := r.tracker.MarkFinalWinner(ctx, winner); err != nil {
		return err
	}

	slog.InfoContext(ctx, "search: final winner",
		"session_id", r.tracker.SessionID(),
		"iteration", winner.Iteration,
		"candidate", winner.CandidateID)
	return nil
}

func (r *run) finalByRanking(ctx context.Context) ([]models.GlobalRank, models.FinalWinner, error) {
	set := r.sched.source.Current()

	images := make([]ranking.Image, len(r.everSurvived))
	for i, sv := range r.everSurvived {
		images[i] = ranking.Image{Key: models.GraphKey(sv.ref.Iteration, sv.ref.CandidateID), Path: sv.image}
	}

	engine := ranking.NewEngine(set.Comparator, ranking.Options{
		Alpha:               r.cfg.Alpha,
		EnsembleSize:        r.cfg.EnsembleSize,
		GracefulDegradation: true,
		Known:               r.knownFacts,
		Notifier:            r.sched.notifier,
		SessionID:           r.tracker.SessionID(),
		Iteration:           globalPass,
	})
	res, err := engine.Rank(ctx, images, r.req.Prompt)
	if err != nil {
		return nil, models.FinalWinner{}, fault.Wrap(fault.KindOf(err), "search.finalize", err)
	}
	if cerr := cancelled(ctx); cerr != nil {
		return nil, models.FinalWinner{}, cerr
	}

	rows := make([]models.GlobalRank, len(res.Ranked))
	for i, ri := range res.Ranked {
		iter, candID, perr := models.ParseGraphKey(ri.Key)
		if perr != nil {
			return nil, models.FinalWinner{}, fault.Wrap(fault.Fatal, "search.finalize", perr)
		}
		rows[i] = models.GlobalRank{
			Iteration:   iter,
			CandidateID: candID,
			Rank:        ri.Rank,
			Wins:        ri.Wins,
			Losses:      ri.Losses,
		}
	}
	return rows, models.FinalWinner{Iteration: rows[0].Iteration, CandidateID: rows[0].CandidateID}, nil
}

func (r *run) finalByScore() ([]models.GlobalRank, models.FinalWinner) {
	ordered := make([]survivor, len(r.everSurvived))
	copy(ordered, r.everSurvived)
	sort.Slice(ordered, func(i, j int) bool {
		si, sj := scoreOf(ordered[i]), scoreOf(ordered[j])
		if si != sj {
			return si > sj
		}
		if ordered[i].ref.Iteration != ordered[j].ref.Iteration {
			return ordered[i].ref.Iteration < ordered[j].ref.Iteration
		}
		return ordered[i].ref.CandidateID < ordered[j].ref.CandidateID
	})

	rows := make([]models.GlobalRank, len(ordered))
	for i, sv := range ordered {
		rows[i] = models.GlobalRank{
			Iteration:   sv.ref.Iteration,
			CandidateID: sv.ref.CandidateID,
			Rank:        i + 1,
		}
	}

	best := ordered[0]
	return rows, models.FinalWinner{
		Iteration:   best.ref.Iteration,
		CandidateID: best.ref.CandidateID,
		TotalScore:  best.score,
	}
}

func scoreOf(sv survivor) float64 {
	if sv.score == nil {
		return 0
	}
	return *sv.score
}

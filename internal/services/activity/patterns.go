package activity

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/benvon/picklepal/internal/models"
	"github.com/google/uuid"
)

const (
	trendWindow         = 7 * 24 * time.Hour
	increasingThreshold = 1.2
	decreasingThreshold = 0.8

	longDurationSeconds = 600
	longDurationBonus   = 0.15
	flagBonus           = 0.05
	runningBase         = 0.5

	highEngagementThreshold = 0.7
	inactivityDays          = 7
	longSessionSeconds      = 3600
)

// baseWeights are the per-type engagement weights
var baseWeights = map[models.ActivityType]float64{
	models.ActivityTypeGameplay:       0.9,
	models.ActivityTypeMatch:          0.9,
	models.ActivityTypeSession:        0.7,
	models.ActivityTypeInvite:         0.6,
	models.ActivityTypeChat:           0.5,
	models.ActivityTypeRecommendation: 0.3,
}

var bonusFlags = []string{"multiplayer", "competitive", "social"}

// EngagementScore averages the type's weight with a running base of 0.5, adds 0.15 for
// durations over ten minutes and 0.05 per truthy multiplayer, competitive or social flag,
// and clamps the result to [0,1].
func EngagementScore(t models.ActivityType, duration *float64, metadata map[string]any) float64 {
	score := (runningBase + baseWeights[t]) / 2
	if duration != nil && *duration > longDurationSeconds {
		score += longDurationBonus
	}
	for _, flag := range bonusFlags {
		if truthy(metadata[flag]) {
			score += flagBonus
		}
	}
	return math.Max(0, math.Min(1, score))
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != "" && !strings.EqualFold(x, "false") && x != "0"
	case float64:
		return x != 0
	case int:
		return x != 0
	default:
		return false
	}
}

// ComputePatterns groups records by type. Types appear in models.ActivityTypes order and
// only when the user has records of that type.
func ComputePatterns(userID uuid.UUID, records []models.ActivityRecord, now time.Time) []models.ActivityPattern {
	type agg struct {
		count, withDuration, recent, previous int
		durationSum                           float64
		last                                  time.Time
	}
	byType := make(map[models.ActivityType]*agg)
	recentStart := now.Add(-trendWindow)
	previousStart := now.Add(-2 * trendWindow)

	for _, r := range records {
		g, ok := byType[r.Type]
		if !ok {
			g = &agg{}
			byType[r.Type] = g
		}
		g.count++
		if r.Duration != nil {
			g.withDuration++
			g.durationSum += *r.Duration
		}
		if r.Timestamp.After(g.last) {
			g.last = r.Timestamp
		}
		switch {
		case r.Timestamp.After(recentStart) && !r.Timestamp.After(now):
			g.recent++
		case r.Timestamp.After(previousStart) && !r.Timestamp.After(recentStart):
			g.previous++
		}
	}

	var patterns []models.ActivityPattern
	for _, t := range models.ActivityTypes {
		g, ok := byType[t]
		if !ok {
			continue
		}
		p := models.ActivityPattern{
			UserID:         userID,
			Type:           t,
			Frequency:      g.count,
			Trend:          ClassifyTrend(g.recent, g.previous),
			LastOccurrence: g.last,
		}
		if g.withDuration > 0 {
			p.AvgDuration = g.durationSum / float64(g.withDuration)
		}
		patterns = append(patterns, p)
	}
	return patterns
}

// ClassifyTrend compares the trailing week's count with the week before it. Any recent
// activity after an empty previous week counts as increasing.
func ClassifyTrend(recent, previous int) models.Trend {
	r, p := float64(recent), float64(previous)
	switch {
	case r > p*increasingThreshold:
		return models.TrendIncreasing
	case r < p*decreasingThreshold:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}

// GenerateInsights evaluates each insight rule independently and returns the fresh set
func GenerateInsights(userID uuid.UUID, records []models.ActivityRecord, patterns []models.ActivityPattern, now time.Time) []models.UserInsight {
	if len(records) == 0 {
		return nil
	}
	var insights []models.UserInsight
	add := func(in models.UserInsight) {
		in.UserID = userID
		in.Timestamp = now
		insights = append(insights, in)
	}

	var engagement float64
	var last time.Time
	var sessionSeconds float64
	var sessionsWithDuration int
	for _, r := range records {
		engagement += r.EngagementScore
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
		if r.Type == models.ActivityTypeSession && r.Duration != nil {
			sessionSeconds += *r.Duration
			sessionsWithDuration++
		}
	}

	if mean := engagement / float64(len(records)); mean > highEngagementThreshold {
		add(models.UserInsight{
			InsightType:    models.InsightHighEngagement,
			Description:    fmt.Sprintf("Highly engaged player (average engagement %.2f)", mean),
			Confidence:     mean,
			Actionable:     true,
			Recommendation: "Offer premium features such as advanced match stats or coaching sessions",
		})
	}

	var growing []string
	for _, p := range patterns {
		if p.Trend == models.TrendIncreasing {
			growing = append(growing, string(p.Type))
		}
	}
	if len(growing) > 0 {
		names := strings.Join(growing, ", ")
		add(models.UserInsight{
			InsightType:    models.InsightGrowingInterest,
			Description:    "Growing interest in " + names,
			Confidence:     0.8,
			Actionable:     true,
			Recommendation: "Suggest more " + names + " opportunities to keep the momentum going",
		})
	}

	if top, ok := primaryPattern(patterns); ok {
		add(models.UserInsight{
			InsightType: models.InsightPrimaryActivity,
			Description: fmt.Sprintf("Primary activity is %s (%d of %d)", top.Type, top.Frequency, len(records)),
			Confidence:  float64(top.Frequency) / float64(len(records)),
		})
	}

	if days := now.Sub(last).Hours() / 24; days > inactivityDays {
		add(models.UserInsight{
			InsightType:    models.InsightInactivity,
			Description:    fmt.Sprintf("No activity for %d days", int(days)),
			Confidence:     1.0,
			Actionable:     true,
			Recommendation: "Send a re-engagement nudge with open games nearby",
		})
	}

	if sessionsWithDuration > 0 && sessionSeconds/float64(sessionsWithDuration) > longSessionSeconds {
		add(models.UserInsight{
			InsightType:    models.InsightLongSessions,
			Description:    "Sessions usually run longer than an hour",
			Confidence:     0.7,
			Actionable:     true,
			Recommendation: "Remind the player about hydration and rest between games",
		})
	}
	return insights
}

// primaryPattern returns the highest-frequency pattern; ties go to the earlier type
func primaryPattern(patterns []models.ActivityPattern) (models.ActivityPattern, bool) {
	var best models.ActivityPattern
	found := false
	for _, p := range patterns {
		if !found || p.Frequency > best.Frequency {
			best, found = p, true
		}
	}
	return best, found
}

func mostFrequentType(records []models.ActivityRecord) models.ActivityType {
	counts := make(map[models.ActivityType]int)
	for _, r := range records {
		counts[r.Type]++
	}
	var best models.ActivityType
	for _, t := range models.ActivityTypes {
		if counts[t] > counts[best] {
			best = t
		}
	}
	return best
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// ActivityType is the kind of thing a user did in the app
type ActivityType string

const (
	ActivityTypeSession        ActivityType = "session"
	ActivityTypeMatch          ActivityType = "match"
	ActivityTypeInvite         ActivityType = "invite"
	ActivityTypeChat           ActivityType = "chat"
	ActivityTypeRecommendation ActivityType = "recommendation"
	ActivityTypeGameplay       ActivityType = "gameplay"
)

// ActivityTypes lists every activity type in a stable order
var ActivityTypes = []ActivityType{
	ActivityTypeSession,
	ActivityTypeMatch,
	ActivityTypeInvite,
	ActivityTypeChat,
	ActivityTypeRecommendation,
	ActivityTypeGameplay,
}

// Valid reports whether t is a known activity type
func (t ActivityType) Valid() bool {
	for _, known := range ActivityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ActivityRecord is a single append-only activity event
type ActivityRecord struct {
	ID              uuid.UUID      `json:"id"`
	UserID          uuid.UUID      `json:"user_id"`
	Type            ActivityType   `json:"type"`
	Action          string         `json:"action"`
	Timestamp       time.Time      `json:"timestamp"`
	Duration        *float64       `json:"duration,omitempty"` // seconds
	Metadata        map[string]any `json:"metadata,omitempty"`
	EngagementScore float64        `json:"engagement_score"`
}

// Trend describes how an activity's frequency is moving week over week
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// ActivityPattern aggregates a user's records of one type. Recomputed, never accumulated.
type ActivityPattern struct {
	UserID         uuid.UUID    `json:"user_id"`
	Type           ActivityType `json:"type"`
	Frequency      int          `json:"frequency"`
	AvgDuration    float64      `json:"avg_duration"`
	Trend          Trend        `json:"trend"`
	LastOccurrence time.Time    `json:"last_occurrence"`
}

// Insight types produced by the analyzer
const (
	InsightHighEngagement  = "high_engagement"
	InsightGrowingInterest = "growing_interest"
	InsightPrimaryActivity = "primary_activity"
	InsightInactivity      = "inactivity"
	InsightLongSessions    = "long_sessions"
)

// UserInsight is a derived conclusion about a user's behavior
type UserInsight struct {
	UserID         uuid.UUID `json:"user_id"`
	InsightType    string    `json:"insight_type"`
	Description    string    `json:"description"`
	Confidence     float64   `json:"confidence"`
	Actionable     bool      `json:"actionable"`
	Recommendation string    `json:"recommendation,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// UserAnalytics summarizes a user's activity log
type UserAnalytics struct {
	TotalActivities  int               `json:"total_activities"`
	ActiveMinutes    float64           `json:"active_minutes"`
	AvgEngagement    float64           `json:"avg_engagement"`
	MostFrequentType ActivityType      `json:"most_frequent_type,omitempty"`
	Patterns         []ActivityPattern `json:"patterns"`
	Insights         []UserInsight     `json:"insights"`
}

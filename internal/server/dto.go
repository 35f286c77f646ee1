package server

import (
	"kerya/internal/domain"
	"kerya/internal/interval"
)

// Request payloads

type CreateResourceRequest struct {
	ID                 string `json:"id,omitempty"`
	Kind               string `json:"kind" enum:"house,hotel,event"`
	Title              string `json:"title"`
	Status             string `json:"status,omitempty" enum:"draft,active,hidden"`
	Capacity           int    `json:"capacity,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
	CancellationPolicy string `json:"cancellation_policy,omitempty" enum:"flexible,moderate,strict"`
	HorizonDays        int    `json:"horizon_days,omitempty"`
	MinStayNights      int    `json:"min_stay_nights,omitempty"`
	Currency           string `json:"currency,omitempty"`
}

type UpdateResourceRequest struct {
	Title              *string `json:"title,omitempty"`
	Status             *string `json:"status,omitempty" enum:"draft,active,hidden,deleted"`
	Capacity           *int    `json:"capacity,omitempty"`
	Timezone           *string `json:"timezone,omitempty"`
	CancellationPolicy *string `json:"cancellation_policy,omitempty" enum:"flexible,moderate,strict"`
	HorizonDays        *int    `json:"horizon_days,omitempty"`
	MinStayNights      *int    `json:"min_stay_nights,omitempty"`
}

type CreateReservationRequest struct {
	ResourceID string            `json:"resource_id"`
	Interval   interval.Interval `json:"interval"`
	Guests     int               `json:"guests,omitempty"`
	Amount     int64             `json:"amount,omitempty"`
	Currency   string            `json:"currency,omitempty"`
}

type CreatePostRequest struct {
	ID        string            `json:"id,omitempty"`
	Category  string            `json:"category" enum:"house,hotel,event"`
	Interval  interval.Interval `json:"interval"`
	MaxPrice  int64             `json:"max_price"`
	Currency  string            `json:"currency,omitempty"`
	ExpiresAt string            `json:"expires_at,omitempty" format:"date-time"`
}

type SubmitOfferRequest struct {
	ResourceID string            `json:"resource_id"`
	Interval   interval.Interval `json:"interval"`
	Price      int64             `json:"price"`
}

type OpenThreadRequest struct {
	SubjectType string `json:"subject_type" enum:"reservation,offer"`
	SubjectID   string `json:"subject_id"`
}

type AppendMessageRequest struct {
	Body string `json:"body"`
}

type TokenRequest struct {
	ActorID string `json:"actor_id"`
	TTL     string `json:"ttl,omitempty" example:"24h"`
}

// Response payloads

type SweepResponse struct {
	ExpiredHolds int `json:"expired_holds"`
	ExpiredPosts int `json:"expired_posts"`
}

type MessagePage struct {
	Items      []domain.Message `json:"items"`
	NextCursor int64            `json:"next_cursor,omitempty"`
}

type EventPage struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
	Admin   bool   `json:"admin"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

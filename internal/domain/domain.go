package domain

import (
	"time"

	"kerya/internal/interval"
)

type ResourceStatus string

const (
	ResourceDraft   ResourceStatus = "draft"
	ResourceActive  ResourceStatus = "active"
	ResourceHidden  ResourceStatus = "hidden"
	ResourceDeleted ResourceStatus = "deleted"
)

type Resource struct {
	ID                 string             `json:"id"`
	OwnerID            string             `json:"owner_id"`
	Kind               ResourceKind       `json:"kind" enum:"house,hotel,event"`
	Title              string             `json:"title"`
	Status             ResourceStatus     `json:"status" enum:"draft,active,hidden,deleted"`
	Capacity           int                `json:"capacity"`
	Timezone           string             `json:"timezone"`
	CancellationPolicy CancellationPolicy `json:"cancellation_policy" enum:"flexible,moderate,strict"`
	HorizonDays        int                `json:"horizon_days"`
	MinStayNights      int                `json:"min_stay_nights"`
	Currency           string             `json:"currency"`
	Version            int64              `json:"version"`
	CreatedAt          time.Time          `json:"created_at" format:"date-time"`
	UpdatedAt          time.Time          `json:"updated_at" format:"date-time"`
}

// Bookable reports whether new reservations or offers may target the resource.
func (r Resource) Bookable() bool {
	return r.Status == ResourceActive
}

type ReservationStatus string

const (
	ReservationRequested         ReservationStatus = "requested"
	ReservationPendingHold       ReservationStatus = "pending_hold"
	ReservationConfirmed         ReservationStatus = "confirmed"
	ReservationCompleted         ReservationStatus = "completed"
	ReservationRejected          ReservationStatus = "rejected"
	ReservationCancelledByHost   ReservationStatus = "cancelled_by_host"
	ReservationCancelledByClient ReservationStatus = "cancelled_by_client"
	ReservationExpired           ReservationStatus = "expired"
)

// Holding reports whether the reservation occupies its interval.
func (s ReservationStatus) Holding() bool {
	return s == ReservationPendingHold || s == ReservationConfirmed
}

type Reservation struct {
	ID            string            `json:"id"`
	Reference     string            `json:"reference"`
	ResourceID    string            `json:"resource_id"`
	Interval      interval.Interval `json:"interval"`
	ClientID      string            `json:"client_id"`
	Guests        int               `json:"guests"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Status        ReservationStatus `json:"status"`
	OfferID       string            `json:"offer_id,omitempty"`
	HoldExpiresAt *time.Time        `json:"hold_expires_at,omitempty" format:"date-time"`
	Refund        *float64          `json:"refund_fraction,omitempty"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time         `json:"updated_at" format:"date-time"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty" format:"date-time"`
}

type PostStatus string

const (
	PostOpen    PostStatus = "open"
	PostMatched PostStatus = "matched"
	PostClosed  PostStatus = "closed"
	PostExpired PostStatus = "expired"
)

type BudgetPost struct {
	ID        string            `json:"id"`
	ClientID  string            `json:"client_id"`
	Category  ResourceKind      `json:"category" enum:"house,hotel,event"`
	Interval  interval.Interval `json:"interval"`
	MaxPrice  int64             `json:"max_price"`
	Currency  string            `json:"currency"`
	Status    PostStatus        `json:"status"`
	ExpiresAt time.Time         `json:"expires_at" format:"date-time"`
	Version   int64             `json:"version"`
	CreatedAt time.Time         `json:"created_at" format:"date-time"`
	UpdatedAt time.Time         `json:"updated_at" format:"date-time"`
}

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferWithdrawn OfferStatus = "withdrawn"
	OfferRejected  OfferStatus = "rejected"
	OfferExpired   OfferStatus = "expired"
)

type Offer struct {
	ID            string            `json:"id"`
	PostID        string            `json:"post_id"`
	HostID        string            `json:"host_id"`
	ResourceID    string            `json:"resource_id"`
	Interval      interval.Interval `json:"interval"`
	Price         int64             `json:"price"`
	Status        OfferStatus       `json:"status"`
	ReservationID string            `json:"reservation_id,omitempty"`
	Version       int64             `json:"version"`
	SubmittedAt   time.Time         `json:"submitted_at" format:"date-time"`
	UpdatedAt     time.Time         `json:"updated_at" format:"date-time"`
}

// ScoreComponents are the weighted inputs that produced an offer score.
type ScoreComponents struct {
	Price       float64 `json:"price"`
	Overlap     float64 `json:"overlap"`
	Reliability float64 `json:"reliability"`
}

type OfferView struct {
	Offer      Offer           `json:"offer"`
	Score      float64         `json:"score"`
	Components ScoreComponents `json:"components"`
	Rank       int             `json:"rank"`
}

type SubjectType string

const (
	SubjectReservation SubjectType = "reservation"
	SubjectOffer       SubjectType = "offer"
)

type Thread struct {
	ID          string      `json:"id"`
	SubjectType SubjectType `json:"subject_type" enum:"reservation,offer"`
	SubjectID   string      `json:"subject_id"`
	LastSeq     int64       `json:"last_seq"`
	CreatedAt   time.Time   `json:"created_at" format:"date-time"`
}

type Message struct {
	ThreadID  string    `json:"thread_id"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Availability is a point-in-time view of a resource calendar.
type Availability struct {
	ResourceID string              `json:"resource_id"`
	Window     interval.Interval   `json:"window"`
	Busy       []interval.Interval `json:"busy"`
	Free       []interval.Interval `json:"free"`
}

package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"kerya/internal/domain"
	"kerya/internal/events"
)

type ResourceCreateOptions struct {
	ID                 string
	OwnerID            string
	Kind               string
	Title              string
	Status             string
	Capacity           int
	Timezone           string
	CancellationPolicy string
	HorizonDays        int
	MinStayNights      int
	Currency           string
}

func (e Engine) CreateResource(ctx context.Context, opts ResourceCreateOptions) (domain.Resource, error) {
	if strings.TrimSpace(opts.OwnerID) == "" {
		return domain.Resource{}, domain.ValidationError{Field: "owner_id", Reason: "required"}
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Resource{}, domain.ValidationError{Field: "title", Reason: "required"}
	}
	kind, err := domain.ParseKind(opts.Kind)
	if err != nil {
		return domain.Resource{}, err
	}
	rules := kind.Rules()
	policy := rules.DefaultPolicy
	if opts.CancellationPolicy != "" {
		if policy, err = domain.ParsePolicy(opts.CancellationPolicy); err != nil {
			return domain.Resource{}, err
		}
	}
	status := domain.ResourceActive
	if opts.Status != "" {
		if status, err = parseResourceStatus(opts.Status); err != nil {
			return domain.Resource{}, err
		}
	}
	tz := opts.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return domain.Resource{}, domain.ValidationError{Field: "timezone", Reason: err.Error()}
	}
	if opts.Capacity < 0 || opts.HorizonDays < 0 || opts.MinStayNights < 0 {
		return domain.Resource{}, domain.ValidationError{Reason: "capacity, horizon_days and min_stay_nights must not be negative"}
	}
	if opts.MinStayNights > 0 && !rules.UsesMinStay {
		return domain.Resource{}, domain.ValidationError{Field: "min_stay_nights", Reason: fmt.Sprintf("not supported for %s resources", kind)}
	}
	horizon := opts.HorizonDays
	if horizon == 0 {
		horizon = e.cfg().Booking.DefaultHorizonDays
	}
	currency := opts.Currency
	if currency == "" {
		currency = e.cfg().Booking.Currency
	}
	id := opts.ID
	if id == "" {
		id = newID()
	}
	now := e.now()
	res := domain.Resource{
		ID:                 id,
		OwnerID:            opts.OwnerID,
		Kind:               kind,
		Title:              opts.Title,
		Status:             status,
		Capacity:           opts.Capacity,
		Timezone:           tz,
		CancellationPolicy: policy,
		HorizonDays:        horizon,
		MinStayNights:      opts.MinStayNights,
		Currency:           strings.ToUpper(currency),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertResourceTx(ctx, tx, res); err != nil {
			return fmt.Errorf("insert resource: %w", err)
		}
		return e.events().Append(ctx, tx, "resource.create", "resource", res.ID, res.OwnerID, events.EventPayload{
			"kind": res.Kind, "status": res.Status, "capacity": res.Capacity,
		})
	})
	if err != nil {
		return domain.Resource{}, err
	}
	return res, nil
}

// ResourceUpdateOptions carries the fields to change; nil leaves a field alone.
type ResourceUpdateOptions struct {
	ID                 string
	ActorID            string
	Title              *string
	Status             *string
	CancellationPolicy *string
	Capacity           *int
	Timezone           *string
	HorizonDays        *int
	MinStayNights      *int
}

// UpdateResource edits a resource. Fields that shape its calendar are
// frozen once any reservation references the resource.
func (e Engine) UpdateResource(ctx context.Context, opts ResourceUpdateOptions) (domain.Resource, error) {
	var out domain.Resource
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := e.Repo.LockResourceTx(ctx, tx, opts.ID)
		if err != nil {
			return err
		}
		if err := e.auth().RequireOwner(res.OwnerID, opts.ActorID, "resource.update"); err != nil {
			return err
		}
		changed := map[string]any{}
		var temporal []string
		if opts.Title != nil && *opts.Title != res.Title {
			if strings.TrimSpace(*opts.Title) == "" {
				return domain.ValidationError{Field: "title", Reason: "required"}
			}
			res.Title = *opts.Title
			changed["title"] = res.Title
		}
		if opts.Status != nil && domain.ResourceStatus(*opts.Status) != res.Status {
			if res.Status, err = parseResourceStatus(*opts.Status); err != nil {
				return err
			}
			changed["status"] = res.Status
		}
		if opts.CancellationPolicy != nil && domain.CancellationPolicy(*opts.CancellationPolicy) != res.CancellationPolicy {
			if res.CancellationPolicy, err = domain.ParsePolicy(*opts.CancellationPolicy); err != nil {
				return err
			}
			changed["cancellation_policy"] = res.CancellationPolicy
		}
		if opts.Capacity != nil && *opts.Capacity != res.Capacity {
			if *opts.Capacity < 0 {
				return domain.ValidationError{Field: "capacity", Reason: "must not be negative"}
			}
			res.Capacity = *opts.Capacity
			changed["capacity"] = res.Capacity
			temporal = append(temporal, "capacity")
		}
		if opts.Timezone != nil && *opts.Timezone != res.Timezone {
			if _, err := time.LoadLocation(*opts.Timezone); err != nil {
				return domain.ValidationError{Field: "timezone", Reason: err.Error()}
			}
			res.Timezone = *opts.Timezone
			changed["timezone"] = res.Timezone
			temporal = append(temporal, "timezone")
		}
		if opts.HorizonDays != nil && *opts.HorizonDays != res.HorizonDays {
			if *opts.HorizonDays <= 0 {
				return domain.ValidationError{Field: "horizon_days", Reason: "must be positive"}
			}
			res.HorizonDays = *opts.HorizonDays
			changed["horizon_days"] = res.HorizonDays
			temporal = append(temporal, "horizon_days")
		}
		if opts.MinStayNights != nil && *opts.MinStayNights != res.MinStayNights {
			if *opts.MinStayNights < 0 || (*opts.MinStayNights > 0 && !res.Kind.Rules().UsesMinStay) {
				return domain.ValidationError{Field: "min_stay_nights", Reason: fmt.Sprintf("invalid for %s resources", res.Kind)}
			}
			res.MinStayNights = *opts.MinStayNights
			changed["min_stay_nights"] = res.MinStayNights
			temporal = append(temporal, "min_stay_nights")
		}
		if len(changed) == 0 {
			out = res
			return nil
		}
		if len(temporal) > 0 {
			used, err := e.Repo.ResourceHasReservationsTx(ctx, tx, res.ID)
			if err != nil {
				return err
			}
			if used {
				return domain.ValidationError{Field: temporal[0], Reason: "cannot change once the resource has reservations"}
			}
		}
		res.UpdatedAt = e.now()
		if err := e.Repo.UpdateResourceTx(ctx, tx, res); err != nil {
			return lostRace(err, res.ID)
		}
		res.Version++
		if err := e.events().Append(ctx, tx, "resource.update", "resource", res.ID, opts.ActorID, events.EventPayload(changed)); err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return domain.Resource{}, err
	}
	return out, nil
}

func (e Engine) GetResource(ctx context.Context, id string) (domain.Resource, error) {
	return e.Repo.GetResource(ctx, id)
}

func (e Engine) ListResources(ctx context.Context, ownerID string) ([]domain.Resource, error) {
	return e.Repo.ListResources(ctx, ownerID)
}

func parseResourceStatus(s string) (domain.ResourceStatus, error) {
	switch st := domain.ResourceStatus(s); st {
	case domain.ResourceDraft, domain.ResourceActive, domain.ResourceHidden, domain.ResourceDeleted:
		return st, nil
	}
	return "", domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown resource status %q", s)}
}

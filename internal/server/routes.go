package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"kerya/internal/domain"
	"kerya/internal/engine"
	"kerya/internal/interval"
	"kerya/internal/repo"
)

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

type idPath struct {
	ID string `path:"id"`
}

type resourceOut struct {
	Body domain.Resource `json:"body"`
}

type reservationOut struct {
	Body domain.Reservation `json:"body"`
}

type postOut struct {
	Body domain.BudgetPost `json:"body"`
}

type offerOut struct {
	Body domain.Offer `json:"body"`
}

type threadOut struct {
	Body domain.Thread `json:"body"`
}

func registerResources(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-resource",
		Method:        http.MethodPost,
		Path:          "/resources",
		Summary:       "Create a bookable resource owned by the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateResourceRequest `json:"body"`
	}) (*resourceOut, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		res, err := e.CreateResource(ctx, engine.ResourceCreateOptions{
			ID:                 b.ID,
			OwnerID:            actor,
			Kind:               b.Kind,
			Title:              b.Title,
			Status:             b.Status,
			Capacity:           b.Capacity,
			Timezone:           b.Timezone,
			CancellationPolicy: b.CancellationPolicy,
			HorizonDays:        b.HorizonDays,
			MinStayNights:      b.MinStayNights,
			Currency:           b.Currency,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &resourceOut{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-resources",
		Method:      http.MethodGet,
		Path:        "/resources",
		Summary:     "List resources, optionally by owner",
	}, func(ctx context.Context, input *struct {
		OwnerID string `query:"owner_id"`
	}) (*struct {
		Body []domain.Resource `json:"body"`
	}, error) {
		items, err := e.ListResources(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Resource `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-resource",
		Method:      http.MethodGet,
		Path:        "/resources/{id}",
		Summary:     "Get resource",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*resourceOut, error) {
		res, err := e.GetResource(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &resourceOut{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-resource",
		Method:      http.MethodPatch,
		Path:        "/resources/{id}",
		Summary:     "Update resource",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateResourceRequest `json:"body"`
	}) (*resourceOut, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		res, err := e.UpdateResource(ctx, engine.ResourceUpdateOptions{
			ID:                 input.ID,
			ActorID:            actor,
			Title:              b.Title,
			Status:             b.Status,
			CancellationPolicy: b.CancellationPolicy,
			Capacity:           b.Capacity,
			Timezone:           b.Timezone,
			HorizonDays:        b.HorizonDays,
			MinStayNights:      b.MinStayNights,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &resourceOut{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resource-availability",
		Method:      http.MethodGet,
		Path:        "/resources/{id}/availability",
		Summary:     "Busy and free ranges of a resource",
		Description: "Without from/to the window runs from today to the end of the booking horizon.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		From string `query:"from" format:"date-time"`
		To   string `query:"to" format:"date-time"`
	}) (*struct {
		Body domain.Availability `json:"body"`
	}, error) {
		from, err := parseTime("from", input.From)
		if err != nil {
			return nil, handleError(err)
		}
		to, err := parseTime("to", input.To)
		if err != nil {
			return nil, handleError(err)
		}
		avail, err := e.Availability(ctx, input.ID, interval.Interval{Start: from, End: to})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Availability `json:"body"`
		}{Body: avail}, nil
	})
}

func registerReservations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-reservation",
		Method:        http.MethodPost,
		Path:          "/reservations",
		Summary:       "Place a pending hold on a resource interval",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateReservationRequest `json:"body"`
	}) (*reservationOut, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.RequestReservation(ctx, engine.ReservationRequest{
			ResourceID: input.Body.ResourceID,
			Interval:   input.Body.Interval,
			ClientID:   actor,
			Guests:     input.Body.Guests,
			Amount:     input.Body.Amount,
			Currency:   input.Body.Currency,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &reservationOut{Body: rv}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reservations",
		Method:      http.MethodGet,
		Path:        "/reservations",
		Summary:     "List the caller's reservations, or a resource's when the caller owns it",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ResourceID string `query:"resource_id"`
		Status     string `query:"status"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Reservation `json:"body"`
	}, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.ReservationFilter{ResourceID: input.ResourceID, Status: input.Status, Limit: normalizeLimit(input.Limit)}
		if input.ResourceID != "" {
			res, err := e.GetResource(ctx, input.ResourceID)
			if err != nil {
				return nil, handleError(err)
			}
			if err := e.Auth.RequireOwner(res.OwnerID, actor, "reservation.list"); err != nil {
				f.ClientID = actor
			}
		} else {
			f.ClientID = actor
		}
		items, err := e.ListReservations(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Reservation `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reservation",
		Method:      http.MethodGet,
		Path:        "/reservations/{id}",
		Summary:     "Get reservation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*reservationOut, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.GetReservation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.GetResource(ctx, rv.ResourceID)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Auth.Party(res.OwnerID, rv.ClientID, actor, "reservation.read"); err != nil {
			return nil, handleError(err)
		}
		return &reservationOut{Body: rv}, nil
	})

	transitions := []struct {
		name    string
		summary string
		apply   func(ctx context.Context, id, actor string) (domain.Reservation, error)
	}{
		{"confirm", "Host confirms a pending hold", e.ConfirmReservation},
		{"reject", "Host declines a pending hold", e.RejectReservation},
		{"cancel", "Host or client cancels", e.CancelReservation},
		{"complete", "Host marks a confirmed stay completed", e.CompleteReservation},
	}
	for _, tr := range transitions {
		apply := tr.apply
		huma.Register(api, huma.Operation{
			OperationID: tr.name + "-reservation",
			Method:      http.MethodPost,
			Path:        "/reservations/{id}/" + tr.name,
			Summary:     tr.summary,
			Errors:      append([]int{http.StatusGone}, writeErrors...),
		}, func(ctx context.Context, input *idPath) (*reservationOut, error) {
			actor, authErr := actorID(ctx)
			if authErr != nil {
				return nil, authErr
			}
			rv, err := apply(ctx, input.ID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &reservationOut{Body: rv}, nil
		})
	}
}

func registerPosts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-post",
		Method:        http.MethodPost,
		Path:          "/posts",
		Summary:       "Publish a budget post",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePostRequest `json:"body"`
	}) (*postOut, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		expires, err := parseTime("expires_at", input.Body.ExpiresAt)
		if err != nil {
			return nil, handleError(err)
		}
		post, err := e.CreateBudgetPost(ctx, engine.BudgetPostInput{
			ID:        input.Body.ID,
			ClientID:  actor,
			Category:  input.Body.Category,
			Interval:  input.Body.Interval,
			MaxPrice:  input.Body.MaxPrice,
			Currency:  input.Body.Currency,
			ExpiresAt: expires,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &postOut{Body: post}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-posts",
		Method:      http.MethodGet,
		Path:        "/posts",
		Summary:     "List budget posts",
	}, func(ctx context.Context, input *struct {
		ClientID string `query:"client_id"`
		Status   string `query:"status"`
	}) (*struct {
		Body []domain.BudgetPost `json:"body"`
	}, error) {
		items, err := e.ListBudgetPosts(ctx, input.ClientID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BudgetPost `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-post",
		Method:      http.MethodGet,
		Path:        "/posts/{id}",
		Summary:     "Get budget post",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*postOut, error) {
		post, err := e.GetBudgetPost(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &postOut{Body: post}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-post",
		Method:      http.MethodPost,
		Path:        "/posts/{id}/close",
		Summary:     "Close a matched post whose reservation is over",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*postOut, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		post, err := e.CloseBudgetPost(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &postOut{Body: post}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-offer",
		Method:        http.MethodPost,
		Path:          "/posts/{id}/offers",
		Summary:       "Offer one of the caller's resources against a post",
		DefaultStatus: http.StatusCreated,
		Errors:        append([]int{http.StatusGone}, writeErrors...),
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SubmitOfferRequest `json:"body"`
	}) (*offerOut, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.SubmitOffer(ctx, engine.OfferInput{
			PostID:     input.ID,
			HostID:     actor,
			ResourceID: input.Body.ResourceID,
			Interval:   input.Body.Interval,
			Price:      input.Body.Price,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &offerOut{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-offers",
		Method:      http.MethodGet,
		Path:        "/posts/{id}/offers",
		Summary:     "List offers on a post",
		Description: "The post's client sees every offer; a host sees only their own.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status"`
	}) (*struct {
		Body []domain.Offer `json:"body"`
	}, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		post, err := e.GetBudgetPost(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListOffers(ctx, input.ID, domain.OfferStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		if e.Auth.RequireOwner(post.ClientID, actor, "offer.list") != nil {
			mine := items[:0]
			for _, o := range items {
				if o.HostID == actor {
					mine = append(mine, o)
				}
			}
			items = mine
		}
		return &struct {
			Body []domain.Offer `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rank-offers",
		Method:      http.MethodGet,
		Path:        "/posts/{id}/ranking",
		Summary:     "Pending offers in rank order with score components",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.OfferView `json:"body"`
	}, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		post, err := e.GetBudgetPost(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Auth.RequireOwner(post.ClientID, actor, "offer.rank"); err != nil {
			return nil, handleError(err)
		}
		views, err := e.RankOffers(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.OfferView `json:"body"`
		}{Body: nonNil(views)}, nil
	})
}

func registerOffers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-offer",
		Method:      http.MethodGet,
		Path:        "/offers/{id}",
		Summary:     "Get offer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*offerOut, error) {
		o, err := e.GetOffer(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &offerOut{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-offer",
		Method:      http.MethodPost,
		Path:        "/offers/{id}/withdraw",
		Summary:     "Host retracts a pending offer",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*offerOut, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.WithdrawOffer(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &offerOut{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-offer",
		Method:      http.MethodPost,
		Path:        "/offers/{id}/accept",
		Summary:     "Client accepts an offer, matching the post and placing a hold",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *idPath) (*reservationOut, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.AcceptOffer(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &reservationOut{Body: rv}, nil
	})
}

func registerThreads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "open-thread",
		Method:      http.MethodPost,
		Path:        "/threads",
		Summary:     "Open, or fetch, the thread of a reservation or offer",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body OpenThreadRequest `json:"body"`
	}) (*threadOut, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		th, err := e.OpenThread(ctx, domain.SubjectType(input.Body.SubjectType), input.Body.SubjectID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &threadOut{Body: th}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-thread",
		Method:      http.MethodGet,
		Path:        "/threads/{id}",
		Summary:     "Get thread",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*threadOut, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		th, err := e.GetThread(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &threadOut{Body: th}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-message",
		Method:        http.MethodPost,
		Path:          "/threads/{id}/messages",
		Summary:       "Append a message",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body AppendMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		msg, err := e.AppendMessage(ctx, input.ID, actor, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: msg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/threads/{id}/messages",
		Summary:     "Messages after a sequence number, oldest first",
		Description: "Pass next_cursor back as after to continue.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		After int64  `query:"after"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body MessagePage `json:"body"`
	}, error) {
		actor, authErr := actorID(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		page := MessagePage{Items: []domain.Message{}}
		for m, err := range e.ListMessages(ctx, input.ID, actor, input.After) {
			if err != nil {
				return nil, handleError(err)
			}
			if len(page.Items) == limit {
				page.NextCursor = page.Items[limit-1].Seq
				break
			}
			page.Items = append(page.Items, m)
		}
		return &struct {
			Body MessagePage `json:"body"`
		}{Body: page}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, newest first (admins only)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body EventPage `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, e, "events.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			BeforeID:   input.Cursor,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := EventPage{Items: nonNil(items)}
		if len(items) > limit {
			page.Items = items[:limit]
			page.NextCursor = items[limit-1].ID
		}
		return &struct {
			Body EventPage `json:"body"`
		}{Body: page}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/admin/sweep",
		Summary:     "Expire lapsed holds and posts now (admins only)",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, e, "sweep"); err != nil {
			return nil, handleError(err)
		}
		out, err := e.SweepExpired(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{ExpiredHolds: out.ExpiredHolds, ExpiredPosts: out.ExpiredPosts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-token",
		Method:      http.MethodPost,
		Path:        "/admin/tokens",
		Summary:     "Mint a bearer token for an actor (admins only)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body TokenRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx, e, "token.issue"); err != nil {
			return nil, handleError(err)
		}
		var ttl time.Duration
		if input.Body.TTL != "" {
			d, err := time.ParseDuration(input.Body.TTL)
			if err != nil {
				return nil, handleError(domain.ValidationError{Field: "ttl", Reason: err.Error()})
			}
			ttl = d
		}
		token, expires, err := SignToken(authCfg.JWTSecret, input.Body.ActorID, ttl, time.Now())
		if err != nil {
			return nil, handleError(domain.ValidationError{Reason: err.Error()})
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token, ExpiresAt: expires.Format(time.RFC3339)}}, nil
	})
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kerya/internal/domain"
	"kerya/internal/engine"
	"kerya/internal/repo"
)

func resourceCmd() *cobra.Command {
	res := &cobra.Command{Use: "resource", Short: "Manage rentable resources"}
	res.AddCommand(resourceCreateCmd())
	res.AddCommand(resourceListCmd())
	res.AddCommand(resourceShowCmd())
	res.AddCommand(resourceUpdateCmd())
	res.AddCommand(resourceAvailabilityCmd())
	return res
}

func resourceCreateCmd() *cobra.Command {
	var opts engine.ResourceCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a resource owned by --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OwnerID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateResource(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "resource id (generated when empty)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "house, hotel or event")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Status, "status", "", "draft, active or hidden")
	cmd.Flags().IntVar(&opts.Capacity, "capacity", 0, "guests, beds or seats")
	cmd.Flags().StringVar(&opts.Timezone, "timezone", "", "IANA timezone")
	cmd.Flags().StringVar(&opts.CancellationPolicy, "policy", "", "cancellation policy (defaults by kind)")
	cmd.Flags().IntVar(&opts.HorizonDays, "horizon-days", 0, "booking horizon in days")
	cmd.Flags().IntVar(&opts.MinStayNights, "min-stay", 0, "minimum stay in nights (houses)")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "ISO currency code")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func resourceListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListResources(ctx, owner)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	return cmd
}

func resourceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.GetResource(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func resourceUpdateCmd() *cobra.Command {
	var title, status, policy, tz string
	var capacity, horizon, minStay int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ResourceUpdateOptions{ID: args[0], ActorID: actor()}
			flags := cmd.Flags()
			if flags.Changed("title") {
				opts.Title = &title
			}
			if flags.Changed("status") {
				opts.Status = &status
			}
			if flags.Changed("policy") {
				opts.CancellationPolicy = &policy
			}
			if flags.Changed("timezone") {
				opts.Timezone = &tz
			}
			if flags.Changed("capacity") {
				opts.Capacity = &capacity
			}
			if flags.Changed("horizon-days") {
				opts.HorizonDays = &horizon
			}
			if flags.Changed("min-stay") {
				opts.MinStayNights = &minStay
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.UpdateResource(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&status, "status", "", "draft, active, hidden or deleted")
	cmd.Flags().StringVar(&policy, "policy", "", "cancellation policy")
	cmd.Flags().StringVar(&tz, "timezone", "", "IANA timezone")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "capacity")
	cmd.Flags().IntVar(&horizon, "horizon-days", 0, "booking horizon in days")
	cmd.Flags().IntVar(&minStay, "min-stay", 0, "minimum stay in nights")
	return cmd
}

func resourceAvailabilityCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "availability <id>",
		Short: "Show busy and free intervals in a window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := parseWindow(from, to)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				av, err := e.Availability(ctx, args[0], window)
				if err != nil {
					return err
				}
				return printJSONOrTable(av)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "window end (RFC 3339)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func reservationCmd() *cobra.Command {
	rv := &cobra.Command{Use: "reservation", Aliases: []string{"rv"}, Short: "Holds and bookings"}
	rv.AddCommand(reservationRequestCmd())
	rv.AddCommand(reservationListCmd())
	rv.AddCommand(reservationShowCmd())
	transitions := []struct {
		use, short string
		fn         func(engine.Engine, context.Context, string, string) (domain.Reservation, error)
	}{
		{"confirm", "Confirm a pending hold (host)", engine.Engine.ConfirmReservation},
		{"reject", "Reject a pending hold (host)", engine.Engine.RejectReservation},
		{"complete", "Mark a confirmed stay or event complete (host)", engine.Engine.CompleteReservation},
		{"cancel", "Cancel a reservation (client or host)", engine.Engine.CancelReservation},
	}
	for _, tr := range transitions {
		rv.AddCommand(&cobra.Command{
			Use:   tr.use + " <id>",
			Short: tr.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					out, err := tr.fn(e, ctx, args[0], actor())
					if err != nil {
						return err
					}
					return printJSONOrTable(out)
				})
			},
		})
	}
	return rv
}

func reservationRequestCmd() *cobra.Command {
	var req engine.ReservationRequest
	var from, to string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Place a pending hold for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := parseWindow(from, to)
			if err != nil {
				return err
			}
			req.Interval = window
			req.ClientID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.RequestReservation(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&req.ResourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&from, "from", "", "start (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "end (RFC 3339)")
	cmd.Flags().IntVar(&req.Guests, "guests", 1, "party size")
	cmd.Flags().Int64Var(&req.Amount, "amount", 0, "agreed amount in minor units")
	cmd.Flags().StringVar(&req.Currency, "currency", "", "ISO currency code")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func reservationListCmd() *cobra.Command {
	var f repo.ReservationFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListReservations(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.ResourceID, "resource", "", "filter by resource")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "filter by client")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by status")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func reservationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.GetReservation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func postCmd() *cobra.Command {
	post := &cobra.Command{Use: "post", Short: "Client budget posts"}
	post.AddCommand(postCreateCmd())
	post.AddCommand(postListCmd())
	post.AddCommand(postShowCmd())
	post.AddCommand(postCloseCmd())
	post.AddCommand(postOffersCmd())
	post.AddCommand(postRankCmd())
	return post
}

func postCreateCmd() *cobra.Command {
	var in engine.BudgetPostInput
	var from, to string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Publish a budget post for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := parseWindow(from, to)
			if err != nil {
				return err
			}
			in.Interval = window
			in.ClientID = actor()
			if ttl > 0 {
				in.ExpiresAt = time.Now().UTC().Add(ttl)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateBudgetPost(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&in.Category, "category", "", "house, hotel or event")
	cmd.Flags().StringVar(&from, "from", "", "start (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "end (RFC 3339)")
	cmd.Flags().Int64Var(&in.MaxPrice, "max-price", 0, "ceiling price in minor units")
	cmd.Flags().StringVar(&in.Currency, "currency", "", "ISO currency code")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "time until the post expires (default from kerya.yml)")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("max-price")
	return cmd
}

func postListCmd() *cobra.Command {
	var client, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List budget posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListBudgetPosts(ctx, client, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "filter by client")
	cmd.Flags().StringVar(&status, "status", "", "open, matched, expired or closed")
	return cmd
}

func postShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a budget post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetBudgetPost(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func postCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <id>",
		Short: "Close an open post and reject its pending offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CloseBudgetPost(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func postOffersCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "offers <post-id>",
		Short: "List offers on a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListOffers(ctx, args[0], domain.OfferStatus(status))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func postRankCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rank <post-id>",
		Short: "Rank pending offers on a post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				views, err := e.RankOffers(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(views)
			})
		},
	}
}

func offerCmd() *cobra.Command {
	offer := &cobra.Command{Use: "offer", Short: "Host offers against budget posts"}
	offer.AddCommand(offerSubmitCmd())
	offer.AddCommand(offerShowCmd())
	offer.AddCommand(&cobra.Command{
		Use:   "withdraw <id>",
		Short: "Withdraw a pending offer (host)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.WithdrawOffer(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	})
	offer.AddCommand(&cobra.Command{
		Use:   "accept <id>",
		Short: "Accept an offer and place a hold on its resource (client)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rv, err := e.AcceptOffer(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	})
	return offer
}

func offerSubmitCmd() *cobra.Command {
	var in engine.OfferInput
	var from, to string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an offer as --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := parseWindow(from, to)
			if err != nil {
				return err
			}
			in.Interval = window
			in.HostID = actor()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.SubmitOffer(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&in.PostID, "post", "", "budget post id")
	cmd.Flags().StringVar(&in.ResourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&from, "from", "", "start (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "end (RFC 3339)")
	cmd.Flags().Int64Var(&in.Price, "price", 0, "price in minor units")
	for _, name := range []string{"post", "resource", "from", "to", "price"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func offerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.GetOffer(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
}

func threadCmd() *cobra.Command {
	th := &cobra.Command{Use: "thread", Short: "Reservation and offer conversations"}

	var subject string
	open := &cobra.Command{
		Use:   "open <subject-id>",
		Short: "Open (or fetch) the thread for a reservation or offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.OpenThread(ctx, domain.SubjectType(subject), args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	open.Flags().StringVar(&subject, "subject", string(domain.SubjectReservation), "reservation or offer")

	appendCmd := &cobra.Command{
		Use:   "append <thread-id> <body...>",
		Short: "Append a message as --actor-id",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := strings.Join(args[1:], " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AppendMessage(ctx, args[0], actor(), body)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}

	var after int64
	var limit int
	list := &cobra.Command{
		Use:   "list <thread-id>",
		Short: "List messages in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var msgs []domain.Message
				for m, err := range e.ListMessages(ctx, args[0], actor(), after) {
					if err != nil {
						return err
					}
					msgs = append(msgs, m)
					if limit > 0 && len(msgs) >= limit {
						break
					}
				}
				return printJSONOrTable(msgs)
			})
		},
	}
	list.Flags().Int64Var(&after, "after", 0, "only messages with a higher sequence number")
	list.Flags().IntVar(&limit, "limit", 0, "max messages (0 for all)")

	th.AddCommand(open, appendCmd, list)
	return th
}

func hostCmd() *cobra.Command {
	host := &cobra.Command{Use: "host", Short: "Host records used by offer ranking"}
	host.AddCommand(&cobra.Command{
		Use:   "reliability <host-id> <score>",
		Short: "Set a host's reliability score in [0,1]",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var score float64
			if _, err := fmt.Sscanf(args[1], "%g", &score); err != nil || score < 0 || score > 1 {
				return fmt.Errorf("score must be a number in [0,1]")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.SetHostReliability(ctx, args[0], score, time.Now().UTC())
			})
		},
	})
	return host
}

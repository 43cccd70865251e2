package league

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jensholdgaard/gullybot/internal/event"
	"github.com/jensholdgaard/gullybot/internal/store"
	"github.com/jensholdgaard/gullybot/internal/transfer"
)

type transferEvent struct {
	event.Event
	data event.TransferData
}

// transferEvents returns the events of type t for gullyID recorded at or
// after since. Payloads that do not decode are logged and skipped.
func (r *Registry) transferEvents(ctx context.Context, t event.Type, gullyID string, since time.Time) ([]transferEvent, error) {
	evs, err := r.deps.Repos.Events.LoadByType(ctx, t, since)
	if err != nil {
		return nil, fmt.Errorf("loading %s events: %w", t, err)
	}
	var out []transferEvent
	for _, e := range evs {
		var d event.TransferData
		if err := e.Decode(&d); err != nil {
			r.logger.WarnContext(ctx, "skipping undecodable transfer event",
				slog.String("event_id", e.ID),
				slog.Any("error", err),
			)
			continue
		}
		if d.GullyID == gullyID {
			out = append(out, transferEvent{Event: e, data: d})
		}
	}
	return out, nil
}

// recoverMarket rebuilds the transfer market from the journal: whether the
// window is open, the allowances spent since it opened and every release
// that had not resolved. It runs after the queue is recovered so overdue
// releases can shelve or list their player straight away.
func (r *Registry) recoverMarket(ctx context.Context, g *Gully) (transfer.Recovered, error) {
	repos := r.deps.Repos
	var rec transfer.Recovered

	window, err := repos.Events.Load(ctx, g.ID)
	if err != nil {
		return rec, fmt.Errorf("loading transfer window: %w", err)
	}
	var openedAt time.Time
	for _, e := range window {
		switch e.Type {
		case event.TransferWindowOpened:
			rec.Open, openedAt = true, e.CreatedAt
		case event.TransferWindowClosed:
			rec.Open = false
		}
	}

	resolved, err := r.transferEvents(ctx, event.TransferResolved, g.ID, time.Time{})
	if err != nil {
		return rec, err
	}
	done := make(map[string]bool, len(resolved))
	for _, e := range resolved {
		done[e.AggregateID] = true
		if e.CreatedAt.Before(openedAt) {
			continue
		}
		switch e.data.Outcome {
		case transfer.OutcomeDirectSale:
			rec.Buyers = append(rec.Buyers, e.data.BuyerID)
		case transfer.OutcomeAuction:
			row, err := repos.Listings.GetByID(ctx, e.data.ListingID)
			if err != nil {
				r.logger.WarnContext(ctx, "skipping transfer auction without listing",
					slog.String("listing_id", e.data.ListingID),
					slog.Any("error", err),
				)
				continue
			}
			if row.State == store.ListingSold && row.CurrentBidder != nil {
				rec.Buyers = append(rec.Buyers, *row.CurrentBidder)
			}
		}
	}

	released, err := r.transferEvents(ctx, event.TransferReleased, g.ID, time.Time{})
	if err != nil {
		return rec, err
	}
	for _, e := range released {
		if done[e.AggregateID] {
			continue
		}
		p, err := r.catalog.Player(ctx, e.data.PlayerID)
		if err != nil {
			return rec, fmt.Errorf("loading released player %s: %w", e.data.PlayerID, err)
		}
		rel := transfer.Release{
			ID:       e.AggregateID,
			GullyID:  g.ID,
			Player:   p,
			SellerID: e.data.SellerID,
			Deadline: e.data.Deadline,
			Interest: make(map[string]int64),
		}
		if rel.Deadline.IsZero() {
			rel.Deadline = e.CreatedAt.Add(r.cfg.Transfer.CollectionWindow)
		}

		history, err := repos.Events.Load(ctx, e.AggregateID)
		if err != nil {
			return rec, fmt.Errorf("loading release %s: %w", e.AggregateID, err)
		}
		for _, h := range history {
			if h.Type != event.TransferInterestDeclared {
				continue
			}
			var d event.TransferData
			if err := h.Decode(&d); err != nil {
				r.logger.WarnContext(ctx, "skipping undecodable interest",
					slog.String("event_id", h.ID),
					slog.Any("error", err),
				)
				continue
			}
			if _, seen := rel.Interest[d.BuyerID]; !seen {
				rel.Interested = append(rel.Interested, d.BuyerID)
			}
			rel.Interest[d.BuyerID] = d.Price
		}
		rec.Releases = append(rec.Releases, rel)
	}

	g.Market.Recover(ctx, rec)
	return rec, nil
}

package tokenledger

import "context"

// ListActivity returns the user's merged purchase and spend history, newest
// first, for wallet-style displays.
func (service *Service) ListActivity(ctx context.Context, userID UserID, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	return service.store.ListActivity(ctx, userID.String(), limit)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/richardliu001/parcel-service/internal/model"
	"github.com/richardliu001/parcel-service/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createDelivery(t *testing.T, h *harness, senderID string) *model.Delivery {
	t.Helper()
	d, err := h.delivery.Create(context.Background(), sender(senderID), parcel("12 Moi Avenue, Nairobi", "Oginga Odinga St, Kisumu"))
	require.NoError(t, err)
	return d
}

func assertHistoryMatches(t *testing.T, d *model.Delivery) {
	t.Helper()
	last, ok := d.LastTracking()
	require.True(t, ok)
	assert.Equal(t, d.Status, last.Status)
	for i, e := range d.TrackingHistory {
		assert.Equal(t, i+1, e.Seq)
	}
}

func TestDeliveryService_Create(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	p := parcel("Nairobi CBD", "Mombasa Old Town")
	p.Price = dec("100")
	p.ItemWeight = dec("5")
	d, err := h.delivery.Create(ctx, sender("s1"), p)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, d.Status)
	assert.Nil(t, d.TravelerID)
	assert.Equal(t, "s1", d.SenderID)
	require.Len(t, d.TrackingHistory, 1)
	assert.Equal(t, "Nairobi CBD", d.TrackingHistory[0].Location)

	stored, err := h.delivery.Get(ctx, sender("s1"), d.ID)
	require.NoError(t, err)
	assert.True(t, stored.Price.Equal(dec("100")))
	assertHistoryMatches(t, stored)

	events, err := h.repo.PollOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventDeliveryCreated, events[0].EventType)
	assert.Equal(t, d.ID, events[0].AggregateID)
}

func TestDeliveryService_CreateRejects(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.delivery.Create(ctx, traveler("t1"), parcel("A", "B"))
	assert.ErrorIs(t, err, ErrForbidden)

	bad := parcel("A", "B")
	bad.Price = dec("0")
	bad.ItemName = " "
	_, err = h.delivery.Create(ctx, sender("s1"), bad)
	require.ErrorIs(t, err, ErrValidation)
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 2)

	var n int64
	require.NoError(t, h.db.Model(&model.Delivery{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestDeliveryService_AcceptRace(t *testing.T) {
	h := newHarness(t, false)
	d := createDelivery(t, h, "s1")

	const travelers = 8
	var wg sync.WaitGroup
	errs := make([]error, travelers)
	start := make(chan struct{})
	for i := 0; i < travelers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.delivery.Accept(context.Background(), traveler(fmt.Sprintf("t%d", i)), d.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "two travelers won the claim")
			winner = i
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyClaimed)
	}
	require.NotEqual(t, -1, winner)

	got, err := h.delivery.Get(context.Background(), traveler(fmt.Sprintf("t%d", winner)), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, got.Status)
	require.NotNil(t, got.TravelerID)
	assert.Equal(t, fmt.Sprintf("t%d", winner), *got.TravelerID)
	assert.Len(t, got.TrackingHistory, 2)
	assertHistoryMatches(t, got)
}

func TestDeliveryService_AcceptRejects(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	d := createDelivery(t, h, "s1")

	_, err := h.delivery.Accept(ctx, sender("s2"), d.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.delivery.Accept(ctx, traveler("t1"), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.delivery.Cancel(ctx, sender("s1"), d.ID)
	require.NoError(t, err)
	_, err = h.delivery.Accept(ctx, traveler("t1"), d.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestDeliveryService_AcceptRetryAfterClaim(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	d := createDelivery(t, h, "s1")

	_, err := h.delivery.Accept(ctx, traveler("t1"), d.ID)
	require.NoError(t, err)
	// a retried accept, even by the winner, never claims twice
	_, err = h.delivery.Accept(ctx, traveler("t1"), d.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	_, err = h.delivery.Accept(ctx, traveler("t2"), d.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	got, err := h.delivery.Get(ctx, traveler("t1"), d.ID)
	require.NoError(t, err)
	assert.Len(t, got.TrackingHistory, 2)
}

func TestDeliveryService_HappyPath(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	d := createDelivery(t, h, "s1")
	t1 := traveler("t1")

	_, err := h.delivery.Accept(ctx, t1, d.ID)
	require.NoError(t, err)

	steps := []model.DeliveryStatus{model.StatusPickedUp, model.StatusInTransit, model.StatusDelivered}
	for i, next := range steps {
		got, err := h.delivery.UpdateStatus(ctx, t1, d.ID, next, "Checkpoint", "")
		require.NoError(t, err, next)
		assert.Equal(t, next, got.Status)
		assert.Len(t, got.TrackingHistory, 3+i)
		assertHistoryMatches(t, got)
		last, _ := got.LastTracking()
		assert.Equal(t, "Checkpoint", last.Location)
		assert.Equal(t, fmt.Sprintf("Status updated to %s", next), last.Description)
	}

	// delivered is terminal
	for _, next := range []model.DeliveryStatus{model.StatusCancelled, model.StatusInTransit, model.StatusPending} {
		_, err = h.delivery.UpdateStatus(ctx, t1, d.ID, next, "", "")
		assert.ErrorIs(t, err, ErrInvalidTransition, next)
	}

	// no payout unless enabled
	bal, err := h.wallet.GetBalance(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestDeliveryService_UpdateStatusRejects(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	d := createDelivery(t, h, "s1")

	// nobody is assigned yet
	_, err := h.delivery.UpdateStatus(ctx, traveler("t1"), d.ID, model.StatusPickedUp, "", "")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.delivery.Accept(ctx, traveler("t1"), d.ID)
	require.NoError(t, err)

	_, err = h.delivery.UpdateStatus(ctx, traveler("t2"), d.ID, model.StatusPickedUp, "", "")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.delivery.UpdateStatus(ctx, sender("s1"), d.ID, model.StatusPickedUp, "", "")
	assert.ErrorIs(t, err, ErrForbidden)

	// skipping picked_up and in_transit
	_, err = h.delivery.UpdateStatus(ctx, traveler("t1"), d.ID, model.StatusDelivered, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.delivery.UpdateStatus(ctx, traveler("t1"), d.ID, model.StatusAccepted, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.delivery.UpdateStatus(ctx, traveler("t1"), d.ID, "lost", "", "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.delivery.UpdateStatus(ctx, traveler("t1"), uuid.NewString(), model.StatusPickedUp, "", "")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := h.delivery.Get(ctx, traveler("t1"), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, got.Status)
	assert.Len(t, got.TrackingHistory, 2)
}

func TestDeliveryService_TravelerCancelIsTerminal(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	d := createDelivery(t, h, "s1")

	_, err := h.delivery.Accept(ctx, traveler("t1"), d.ID)
	require.NoError(t, err)
	_, err = h.delivery.UpdateStatus(ctx, traveler("t1"), d.ID, model.StatusPickedUp, "Nairobi", "collected")
	require.NoError(t, err)
	got, err := h.delivery.UpdateStatus(ctx, traveler("t1"), d.ID, model.StatusCancelled, "Nairobi", "vehicle broke down")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assertHistoryMatches(t, got)

	_, err = h.delivery.UpdateStatus(ctx, traveler("t1"), d.ID, model.StatusInTransit, "", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDeliveryService_ConcurrentStatusUpdates(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	d := createDelivery(t, h, "s1")
	_, err := h.delivery.Accept(ctx, traveler("t1"), d.ID)
	require.NoError(t, err)

	// picked_up and cancelled race from accepted; both can legally land in
	// some order, but never one on top of a stale read
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, next := range []model.DeliveryStatus{model.StatusPickedUp, model.StatusCancelled} {
		wg.Add(1)
		go func(i int, next model.DeliveryStatus) {
			defer wg.Done()
			_, errs[i] = h.delivery.UpdateStatus(ctx, traveler("t1"), d.ID, next, "", "")
		}(i, next)
	}
	wg.Wait()

	got, err := h.delivery.Get(ctx, traveler("t1"), d.ID)
	require.NoError(t, err)
	assertHistoryMatches(t, got)
	assert.Equal(t, model.StatusCancelled, got.Status)
	applied := 0
	for _, err := range errs {
		if err == nil {
			applied++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
	assert.Len(t, got.TrackingHistory, 2+applied)
}

func TestDeliveryService_SenderCancel(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	d := createDelivery(t, h, "s1")

	_, err := h.delivery.Cancel(ctx, sender("s2"), d.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := h.delivery.Cancel(ctx, sender("s1"), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Nil(t, got.TravelerID)
	assertHistoryMatches(t, got)

	_, err = h.delivery.Cancel(ctx, sender("s1"), d.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	// once claimed the sender can no longer withdraw it
	d2 := createDelivery(t, h, "s1")
	_, err = h.delivery.Accept(ctx, traveler("t1"), d2.ID)
	require.NoError(t, err)
	_, err = h.delivery.Cancel(ctx, sender("s1"), d2.ID)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestDeliveryService_GetAuthorization(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	d := createDelivery(t, h, "s1")
	_, err := h.delivery.Accept(ctx, traveler("t1"), d.ID)
	require.NoError(t, err)

	for _, a := range []Actor{sender("s1"), traveler("t1"), {ID: "root", Role: model.RoleAdmin}} {
		_, err := h.delivery.Get(ctx, a, d.ID)
		assert.NoError(t, err, a.ID)
	}
	for _, a := range []Actor{sender("s2"), traveler("t2")} {
		_, err := h.delivery.Get(ctx, a, d.ID)
		assert.ErrorIs(t, err, ErrForbidden, a.ID)
	}
	_, err = h.delivery.Get(ctx, sender("s1"), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeliveryService_ListAvailable(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	nbo, err := h.delivery.Create(ctx, sender("s1"), parcel("Westlands, Nairobi", "Nyali, Mombasa"))
	require.NoError(t, err)
	_, err = h.delivery.Create(ctx, sender("s1"), parcel("Kisumu", "Eldoret"))
	require.NoError(t, err)
	claimed, err := h.delivery.Create(ctx, sender("s2"), parcel("Karen, Nairobi", "Mombasa"))
	require.NoError(t, err)
	_, err = h.delivery.Accept(ctx, traveler("t1"), claimed.ID)
	require.NoError(t, err)

	all, err := h.delivery.ListAvailable(ctx, repo.RouteFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	route, err := h.delivery.ListAvailable(ctx, repo.RouteFilter{From: "nairobi", To: "MOMBASA"})
	require.NoError(t, err)
	require.Len(t, route, 1)
	assert.Equal(t, nbo.ID, route[0].ID)

	none, err := h.delivery.ListAvailable(ctx, repo.RouteFilter{From: "Nakuru"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestDeliveryService_ListMine(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	a := createDelivery(t, h, "s1")
	createDelivery(t, h, "s1")
	createDelivery(t, h, "s2")
	_, err := h.delivery.Accept(ctx, traveler("t1"), a.ID)
	require.NoError(t, err)

	page, err := h.delivery.ListMine(ctx, sender("s1"), "", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)

	page, err = h.delivery.ListMine(ctx, sender("s1"), model.StatusPending, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)

	page, err = h.delivery.ListMine(ctx, traveler("t1"), "", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, a.ID, page.Items[0].ID)

	page, err = h.delivery.ListMine(ctx, Actor{ID: "root", Role: model.RoleAdmin}, "", 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, page.Total)
	assert.Len(t, page.Items, 2)

	_, err = h.delivery.ListMine(ctx, sender("s1"), "lost", 1, 10)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDeliveryService_PayoutOnDelivery(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	d := createDelivery(t, h, "s1")
	t1 := traveler("t1")

	_, err := h.delivery.Accept(ctx, t1, d.ID)
	require.NoError(t, err)
	for _, next := range []model.DeliveryStatus{model.StatusPickedUp, model.StatusInTransit} {
		_, err = h.delivery.UpdateStatus(ctx, t1, d.ID, next, "", "")
		require.NoError(t, err)
	}
	bal, err := h.wallet.GetBalance(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	_, err = h.delivery.UpdateStatus(ctx, t1, d.ID, model.StatusDelivered, "Kisumu", "handed to recipient")
	require.NoError(t, err)

	bal, err = h.wallet.GetBalance(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("500")))

	page, err := h.wallet.ListTransactions(ctx, "t1", model.TxCredit, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "delivery-payout:"+d.ID, page.Items[0].Reference)

	rec, err := h.wallet.Reconcile(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestDeliveryService_EventsFollowLifecycle(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	d := createDelivery(t, h, "s1")
	_, err := h.delivery.Accept(ctx, traveler("t1"), d.ID)
	require.NoError(t, err)
	_, err = h.delivery.UpdateStatus(ctx, traveler("t1"), d.ID, model.StatusPickedUp, "", "")
	require.NoError(t, err)
	// rejected commands leave no event behind
	_, err = h.delivery.Accept(ctx, traveler("t2"), d.ID)
	require.Error(t, err)

	events, err := h.repo.PollOutbox(ctx, 10)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{EventDeliveryCreated, EventDeliveryAccepted, EventDeliveryStatusChanged}, types)
}

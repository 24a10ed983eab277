package store

import (
	"context"

	"github.com/stretchr/testify/suite"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/auth"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/refunds"
)

type testStore interface {
	refunds.Store
	auth.ClientStore
	PutClient(ctx context.Context, c *auth.Client) error
}

// StoreSuite runs the same behaviour checks against every backend.
type StoreSuite struct {
	suite.Suite
	ctx   context.Context
	store testStore
	reset func()
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	if s.reset != nil {
		s.reset()
	}
}

func amount(v float64) *float64 { return &v }

func sampleRefund(id string) *refunds.Refund {
	return &refunds.Refund{
		ID:            id,
		CurrentStatus: refunds.StatusDocsPending,
		History: []refunds.RawEvent{
			{To: "requested", At: "2024-01-01T09:00:00-03:00", By: "web"},
			{From: "requested", To: "docs_pending", At: "2024-01-05", By: "ops", Note: "faltan cartolas"},
			{From: "docs_pending", To: "docs_pending", At: "not-a-date"},
		},
	}
}

func (s *StoreSuite) TestGetRefund_NotFound() {
	_, err := s.store.GetRefund(s.ctx, "missing")
	s.ErrorIs(err, refunds.ErrRefundNotFound)
}

func (s *StoreSuite) TestSaveRefund_RoundTripKeepsRawHistory() {
	in := sampleRefund("r-100")
	s.Require().NoError(s.store.SaveRefund(s.ctx, in))

	out, err := s.store.GetRefund(s.ctx, "r-100")
	s.Require().NoError(err)
	s.Equal(refunds.StatusDocsPending, out.CurrentStatus)
	s.Equal(in.History, out.History)
	s.False(out.UpdatedAt.IsZero())
}

func (s *StoreSuite) TestSaveRefund_AppendsOnlyNewEvents() {
	in := sampleRefund("r-200")
	s.Require().NoError(s.store.SaveRefund(s.ctx, in))

	next := sampleRefund("r-200")
	next.CurrentStatus = refunds.StatusPaymentScheduled
	next.History = append(next.History, refunds.RawEvent{
		From: "docs_pending", To: "payment_scheduled", At: "2024-02-01T12:00:00Z", By: "ops", RealAmount: amount(125000.5),
	})
	s.Require().NoError(s.store.SaveRefund(s.ctx, next))

	out, err := s.store.GetRefund(s.ctx, "r-200")
	s.Require().NoError(err)
	s.Equal(refunds.StatusPaymentScheduled, out.CurrentStatus)
	s.Require().Len(out.History, 4)
	s.Require().NotNil(out.History[3].RealAmount)
	s.InDelta(125000.5, *out.History[3].RealAmount, 0.0001)
	s.Nil(out.History[0].RealAmount)

	// saving the same entity again is a no-op for the history
	s.Require().NoError(s.store.SaveRefund(s.ctx, next))
	out, err = s.store.GetRefund(s.ctx, "r-200")
	s.Require().NoError(err)
	s.Len(out.History, 4)
}

func (s *StoreSuite) TestSaveRefund_RejectsTruncatedHistory() {
	in := sampleRefund("r-300")
	s.Require().NoError(s.store.SaveRefund(s.ctx, in))

	short := sampleRefund("r-300")
	short.History = short.History[:1]
	err := s.store.SaveRefund(s.ctx, short)
	s.ErrorIs(err, ErrHistoryTruncated)

	out, err := s.store.GetRefund(s.ctx, "r-300")
	s.Require().NoError(err)
	s.Len(out.History, 3)
}

func (s *StoreSuite) TestListRefunds() {
	for _, id := range []string{"r-3", "r-1", "r-2"} {
		s.Require().NoError(s.store.SaveRefund(s.ctx, sampleRefund(id)))
	}
	paid := &refunds.Refund{ID: "r-4", CurrentStatus: refunds.StatusPaid}
	s.Require().NoError(s.store.SaveRefund(s.ctx, paid))

	all, err := s.store.ListRefunds(s.ctx, refunds.ListFilter{})
	s.Require().NoError(err)
	s.Equal([]string{"r-1", "r-2", "r-3", "r-4"}, ids(all))
	s.Len(all[0].History, 3)
	s.Empty(all[3].History)

	page, err := s.store.ListRefunds(s.ctx, refunds.ListFilter{Limit: 2, Offset: 1})
	s.Require().NoError(err)
	s.Equal([]string{"r-2", "r-3"}, ids(page))

	onlyPaid, err := s.store.ListRefunds(s.ctx, refunds.ListFilter{CurrentStatus: refunds.StatusPaid})
	s.Require().NoError(err)
	s.Equal([]string{"r-4"}, ids(onlyPaid))

	none, err := s.store.ListRefunds(s.ctx, refunds.ListFilter{Offset: 10})
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *StoreSuite) TestClients() {
	_, err := s.store.GetClient(s.ctx, "backoffice")
	s.ErrorIs(err, auth.ErrClientNotFound)

	hash, err := auth.HashClientSecret("s3cret")
	s.Require().NoError(err)
	s.Require().NoError(s.store.PutClient(s.ctx, &auth.Client{
		ID:         "backoffice",
		SecretHash: hash,
		Scopes:     []string{auth.ScopeRefundsRead, auth.ScopeRefundsWrite},
		Actor:      "ops@tedevuelvo.cl",
	}))

	c, err := s.store.GetClient(s.ctx, "backoffice")
	s.Require().NoError(err)
	s.Equal([]string{auth.ScopeRefundsRead, auth.ScopeRefundsWrite}, c.Scopes)
	s.Equal("ops@tedevuelvo.cl", c.Actor)
	s.True(auth.VerifyClientSecret(c.SecretHash, "s3cret"))
}

func ids(list []*refunds.Refund) []string {
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.ID
	}
	return out
}

package window_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"livechat-sync/internal/domain"
	"livechat-sync/internal/window"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: "conv-1",
		Direction:      domain.DirectionIncoming,
		Content:        "msg " + id,
		Type:           domain.MessageTypeText,
		Status:         domain.StatusDelivered,
		CreatedAt:      base.Add(offset),
	}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

var _ = Describe("Cache", func() {
	var cache *window.Cache

	BeforeEach(func() {
		cache = window.NewCache(50)
	})

	Describe("loading the latest page", func() {
		It("seeds the window in ascending order", func() {
			gen := cache.BeginLatest("conv-1")
			ok := cache.ApplyLatest("conv-1", gen, window.Page{
				Messages: []domain.Message{msg("m3", 3*time.Minute), msg("m1", time.Minute), msg("m2", 2*time.Minute)},
				HasMore:  true,
			})

			Expect(ok).To(BeTrue())
			Expect(ids(cache.Messages("conv-1"))).To(Equal([]string{"m1", "m2", "m3"}))
			Expect(cache.HasMore("conv-1")).To(BeTrue())
		})

		It("drops a stale result when a newer load has started", func() {
			first := cache.BeginLatest("conv-1")
			second := cache.BeginLatest("conv-1")

			Expect(cache.ApplyLatest("conv-1", first, window.Page{Messages: []domain.Message{msg("old", 0)}})).To(BeFalse())
			Expect(cache.ApplyLatest("conv-1", second, window.Page{Messages: []domain.Message{msg("new", 0)}})).To(BeTrue())
			Expect(ids(cache.Messages("conv-1"))).To(Equal([]string{"new"}))
		})

		It("preserves a pending optimistic send across the replace", func() {
			gen := cache.BeginLatest("conv-1")
			Expect(cache.ApplyLatest("conv-1", gen, window.Page{Messages: []domain.Message{msg("m1", 0)}})).To(BeTrue())

			prov := domain.Message{
				ID: "prov-1", ConversationID: "conv-1",
				Direction: domain.DirectionOutgoing, Status: domain.StatusPending,
				CreatedAt: base.Add(time.Hour),
			}
			cache.ApplyOptimistic("conv-1", prov)

			gen = cache.BeginLatest("conv-1")
			Expect(cache.ApplyLatest("conv-1", gen, window.Page{
				Messages: []domain.Message{msg("m1", 0), msg("m2", time.Minute)},
			})).To(BeTrue())

			Expect(ids(cache.Messages("conv-1"))).To(Equal([]string{"m1", "m2", "prov-1"}))
		})
	})

	Describe("loading older pages", func() {
		BeforeEach(func() {
			gen := cache.BeginLatest("conv-1")
			cache.ApplyLatest("conv-1", gen, window.Page{
				Messages: []domain.Message{msg("m10", 10*time.Minute), msg("m11", 11*time.Minute)},
				HasMore:  true,
			})
		})

		It("prepends the page and advances pagination", func() {
			page, gen, ok := cache.BeginOlder("conv-1")
			Expect(ok).To(BeTrue())
			Expect(page).To(Equal(2))
			Expect(cache.LoadingOlder("conv-1")).To(BeTrue())

			Expect(cache.ApplyOlder("conv-1", gen, window.Page{
				Messages: []domain.Message{msg("m9", 9*time.Minute), msg("m8", 8*time.Minute)},
				HasMore:  true,
			})).To(BeTrue())

			Expect(ids(cache.Messages("conv-1"))).To(Equal([]string{"m8", "m9", "m10", "m11"}))
			Expect(cache.LoadingOlder("conv-1")).To(BeFalse())

			page, _, ok = cache.BeginOlder("conv-1")
			Expect(ok).To(BeTrue())
			Expect(page).To(Equal(3))
		})

		It("refuses a second load while one is in flight", func() {
			_, _, ok := cache.BeginOlder("conv-1")
			Expect(ok).To(BeTrue())
			_, _, ok = cache.BeginOlder("conv-1")
			Expect(ok).To(BeFalse())
		})

		It("refuses to page past the beginning of history", func() {
			_, gen, _ := cache.BeginOlder("conv-1")
			cache.ApplyOlder("conv-1", gen, window.Page{Messages: []domain.Message{msg("m9", 9*time.Minute)}, HasMore: false})

			_, _, ok := cache.BeginOlder("conv-1")
			Expect(ok).To(BeFalse())
		})

		It("drops an older page that lands after a resync replaced the window", func() {
			_, gen, _ := cache.BeginOlder("conv-1")

			latest := cache.BeginLatest("conv-1")
			cache.ApplyLatest("conv-1", latest, window.Page{Messages: []domain.Message{msg("m20", 20*time.Minute)}})

			Expect(cache.ApplyOlder("conv-1", gen, window.Page{Messages: []domain.Message{msg("m9", 9*time.Minute)}})).To(BeFalse())
			Expect(ids(cache.Messages("conv-1"))).To(Equal([]string{"m20"}))
		})

		It("clears the in-flight flag on abort so the load can be retried", func() {
			_, gen, _ := cache.BeginOlder("conv-1")
			cache.AbortOlder("conv-1", gen)

			Expect(cache.LoadingOlder("conv-1")).To(BeFalse())
			_, _, ok := cache.BeginOlder("conv-1")
			Expect(ok).To(BeTrue())
		})

		It("skips messages already present when pages overlap", func() {
			_, gen, _ := cache.BeginOlder("conv-1")
			cache.ApplyOlder("conv-1", gen, window.Page{
				Messages: []domain.Message{msg("m9", 9*time.Minute), msg("m10", 10*time.Minute)},
				HasMore:  false,
			})

			Expect(ids(cache.Messages("conv-1"))).To(Equal([]string{"m9", "m10", "m11"}))
		})
	})

	Describe("live inserts", func() {
		It("keeps the window ordered by (created_at, id)", func() {
			Expect(cache.ApplyIncoming(msg("m2", 2*time.Minute))).To(BeTrue())
			Expect(cache.ApplyIncoming(msg("m1", time.Minute))).To(BeTrue())
			Expect(cache.ApplyIncoming(msg("b", 2*time.Minute))).To(BeTrue())

			Expect(ids(cache.Messages("conv-1"))).To(Equal([]string{"m1", "b", "m2"}))
		})

		It("ignores a redelivered message id", func() {
			Expect(cache.ApplyIncoming(msg("m1", 0))).To(BeTrue())
			Expect(cache.ApplyIncoming(msg("m1", 0))).To(BeFalse())
			Expect(cache.Messages("conv-1")).To(HaveLen(1))
		})
	})

	Describe("optimistic sends", func() {
		var prov domain.Message

		BeforeEach(func() {
			cache.ApplyIncoming(msg("m1", 0))
			prov = domain.Message{
				ID: "prov-1", ConversationID: "conv-1",
				Direction: domain.DirectionOutgoing, Content: "hello",
				Status: domain.StatusPending, CreatedAt: base.Add(time.Minute),
			}
		})

		It("reconciles the ack in place, rebinding id and status", func() {
			token := cache.ApplyOptimistic("conv-1", prov)
			Expect(cache.ConversationForToken(token)).To(Equal("conv-1"))

			server := prov
			server.ID = "srv-1"
			server.Status = domain.StatusSent
			server.CreatedAt = base.Add(2 * time.Minute)
			Expect(cache.Reconcile(token, server)).To(BeTrue())

			msgs := cache.Messages("conv-1")
			Expect(ids(msgs)).To(Equal([]string{"m1", "srv-1"}))
			Expect(msgs[1].Status).To(Equal(domain.StatusSent))
			Expect(msgs[1].CreatedAt).To(Equal(base.Add(2 * time.Minute)))

			st, ok := cache.Status("srv-1")
			Expect(ok).To(BeTrue())
			Expect(st).To(Equal(domain.StatusSent))
			_, ok = cache.Status("prov-1")
			Expect(ok).To(BeFalse())
		})

		It("keeps the local timestamp when the server one would regress", func() {
			token := cache.ApplyOptimistic("conv-1", prov)

			server := prov
			server.ID = "srv-1"
			server.Status = domain.StatusSent
			server.CreatedAt = base.Add(-time.Hour)
			Expect(cache.Reconcile(token, server)).To(BeTrue())

			msgs := cache.Messages("conv-1")
			Expect(ids(msgs)).To(Equal([]string{"m1", "srv-1"}))
			Expect(msgs[1].CreatedAt).To(Equal(prov.CreatedAt))
		})

		It("converges on the live copy when message:new beat the ack", func() {
			token := cache.ApplyOptimistic("conv-1", prov)

			live := prov
			live.ID = "srv-1"
			live.Status = domain.StatusSent
			cache.ApplyIncoming(live)

			Expect(cache.Reconcile(token, live)).To(BeTrue())
			Expect(ids(cache.Messages("conv-1"))).To(Equal([]string{"m1", "srv-1"}))
		})

		It("marks a timed-out send failed but keeps it visible", func() {
			token := cache.ApplyOptimistic("conv-1", prov)
			Expect(cache.ReconcileFailure(token)).To(BeTrue())

			msgs := cache.Messages("conv-1")
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[1].ID).To(Equal("prov-1"))
			Expect(msgs[1].Status).To(Equal(domain.StatusFailed))
		})

		It("ignores a late ack after the send was marked failed", func() {
			token := cache.ApplyOptimistic("conv-1", prov)
			Expect(cache.ReconcileFailure(token)).To(BeTrue())

			server := prov
			server.ID = "srv-1"
			server.Status = domain.StatusSent
			Expect(cache.Reconcile(token, server)).To(BeFalse())

			msgs := cache.Messages("conv-1")
			Expect(msgs[1].ID).To(Equal("prov-1"))
			Expect(msgs[1].Status).To(Equal(domain.StatusFailed))
		})

		It("lets the UI discard a failed send", func() {
			token := cache.ApplyOptimistic("conv-1", prov)
			cache.ReconcileFailure(token)

			Expect(cache.Remove("conv-1", "prov-1")).To(BeTrue())
			Expect(ids(cache.Messages("conv-1"))).To(Equal([]string{"m1"}))
			Expect(cache.ConversationForToken(token)).To(BeEmpty())
		})

		It("ignores reconciliation for an unknown token", func() {
			Expect(cache.Reconcile("nope", prov)).To(BeFalse())
			Expect(cache.ReconcileFailure("nope")).To(BeFalse())
		})
	})

	Describe("status updates", func() {
		It("applies forward transitions and drops regressions", func() {
			sent := msg("m1", 0)
			sent.Direction = domain.DirectionOutgoing
			sent.Status = domain.StatusSent
			cache.ApplyIncoming(sent)

			Expect(cache.ApplyStatus("conv-1", "m1", domain.StatusRead)).To(BeTrue())
			Expect(cache.ApplyStatus("conv-1", "m1", domain.StatusDelivered)).To(BeFalse())

			Expect(cache.Messages("conv-1")[0].Status).To(Equal(domain.StatusRead))
		})

		It("drops updates for messages outside the window", func() {
			Expect(cache.ApplyStatus("conv-1", "ghost", domain.StatusRead)).To(BeFalse())
		})
	})

	Describe("IncomingIDs", func() {
		It("lists only incoming messages", func() {
			cache.ApplyIncoming(msg("in-1", 0))
			out := msg("out-1", time.Minute)
			out.Direction = domain.DirectionOutgoing
			cache.ApplyIncoming(out)

			Expect(cache.IncomingIDs("conv-1")).To(Equal([]string{"in-1"}))
		})
	})
})

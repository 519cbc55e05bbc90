package presence_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"livechat-sync/internal/domain"
	"livechat-sync/internal/presence"
)

var _ = Describe("Registry", func() {
	var registry *presence.Registry

	BeforeEach(func() {
		registry = presence.NewRegistry()
	})

	It("tracks online, away and busy users", func() {
		registry.Set("u1", domain.PresenceOnline)
		registry.Set("u2", domain.PresenceAway)
		registry.Set("u1", domain.PresenceBusy)

		st, ok := registry.Get("u1")
		Expect(ok).To(BeTrue())
		Expect(st).To(Equal(domain.PresenceBusy))
		Expect(registry.Len()).To(Equal(2))
	})

	It("treats offline as absence", func() {
		registry.Set("u1", domain.PresenceOnline)
		registry.Set("u1", domain.PresenceOffline)

		_, ok := registry.Get("u1")
		Expect(ok).To(BeFalse())
		Expect(registry.Len()).To(BeZero())
	})

	It("snapshots entries sorted by user id", func() {
		registry.Set("zoe", domain.PresenceOnline)
		registry.Set("amy", domain.PresenceAway)

		snap := registry.Snapshot()
		Expect(snap).To(HaveLen(2))
		Expect(snap[0].UserID).To(Equal("amy"))
		Expect(snap[1].UserID).To(Equal("zoe"))
	})

	It("clears on resync", func() {
		registry.Set("u1", domain.PresenceOnline)
		registry.Clear()
		Expect(registry.Len()).To(BeZero())
	})
})

package directory_test

import (
	"strings"
	"time"
	"unicode/utf8"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"livechat-sync/internal/directory"
	"livechat-sync/internal/domain"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func conv(id string, mutate ...func(*domain.Conversation)) domain.Conversation {
	c := domain.Conversation{
		ID:        id,
		Contact:   domain.Contact{ID: "c-" + id, Name: "Contact " + id},
		Channel:   domain.ChannelWhatsApp,
		Status:    domain.ConversationActive,
		Priority:  domain.PriorityNormal,
		CreatedAt: base,
		UpdatedAt: base,
	}
	for _, m := range mutate {
		m(&c)
	}
	return c
}

func incoming(convID, msgID string, at time.Time) domain.MessageNewEvent {
	return domain.MessageNewEvent{
		ConversationID: convID,
		Message: domain.Message{
			ID:             msgID,
			ConversationID: convID,
			Direction:      domain.DirectionIncoming,
			Content:        "hello from " + convID,
			Type:           domain.MessageTypeText,
			Status:         domain.StatusDelivered,
			CreatedAt:      at,
		},
	}
}

func listIDs(views []directory.View) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.ID
	}
	return out
}

var _ = Describe("Directory", func() {
	var dir *directory.Directory

	BeforeEach(func() {
		dir = directory.New()
	})

	Describe("unread counting", func() {
		BeforeEach(func() {
			dir.Seed([]domain.Conversation{conv("a"), conv("b")})
		})

		It("bumps unread for incoming messages on unselected conversations", func() {
			dir.UpsertFromEvent(incoming("a", "m1", base.Add(time.Minute)))
			dir.UpsertFromEvent(incoming("a", "m2", base.Add(2*time.Minute)))

			got, _ := dir.Get("a")
			Expect(got.UnreadCount).To(Equal(2))
		})

		It("keeps the selected conversation at zero unread", func() {
			dir.Select("a")
			dir.UpsertFromEvent(incoming("a", "m1", base.Add(time.Minute)))

			got, _ := dir.Get("a")
			Expect(got.UnreadCount).To(BeZero())
		})

		It("does not count outgoing messages", func() {
			ev := incoming("a", "m1", base.Add(time.Minute))
			ev.Message.Direction = domain.DirectionOutgoing
			dir.UpsertFromEvent(ev)

			got, _ := dir.Get("a")
			Expect(got.UnreadCount).To(BeZero())
		})

		It("zeroes unread on select and on mark-as-read", func() {
			dir.UpsertFromEvent(incoming("a", "m1", base.Add(time.Minute)))

			Expect(dir.MarkAsRead("a")).To(BeTrue())
			Expect(dir.MarkAsRead("a")).To(BeFalse())

			dir.UpsertFromEvent(incoming("b", "m2", base.Add(time.Minute)))
			dir.Select("b")
			got, _ := dir.Get("b")
			Expect(got.UnreadCount).To(BeZero())
		})
	})

	Describe("UpsertFromEvent", func() {
		It("creates a conversation for an unseen id", func() {
			created := dir.UpsertFromEvent(incoming("new-conv", "m1", base))

			Expect(created).To(BeTrue())
			got, ok := dir.Get("new-conv")
			Expect(ok).To(BeTrue())
			Expect(got.Status).To(Equal(domain.ConversationActive))
			Expect(got.UnreadCount).To(Equal(1))
		})

		It("refreshes the last-message preview", func() {
			dir.Seed([]domain.Conversation{conv("a")})
			dir.UpsertFromEvent(incoming("a", "m1", base.Add(time.Minute)))

			views := dir.List()
			Expect(views).To(HaveLen(1))
			Expect(views[0].LastMessage).NotTo(BeNil())
			Expect(views[0].LastMessage.ID).To(Equal("m1"))
			Expect(views[0].LastMessage.At).To(Equal(base.Add(time.Minute)))
		})

		It("truncates the preview excerpt on a rune boundary", func() {
			dir.Seed([]domain.Conversation{conv("a")})
			ev := incoming("a", "m1", base.Add(time.Minute))
			ev.Message.Content = strings.Repeat("a", 119) + "日本語のメッセージ"
			dir.UpsertFromEvent(ev)

			got := dir.List()[0].LastMessage.Excerpt
			Expect(len(got)).To(BeNumerically("<=", 120))
			Expect(utf8.ValidString(got)).To(BeTrue())
			Expect(got).To(Equal(strings.Repeat("a", 119)))
		})
	})

	Describe("SetPreview", func() {
		It("refreshes the preview from a loaded page", func() {
			dir.Seed([]domain.Conversation{conv("a")})
			dir.SetPreview("a", domain.Message{
				ID:        "m9",
				Content:   "latest",
				Direction: domain.DirectionIncoming,
				CreatedAt: base.Add(time.Hour),
			})

			views := dir.List()
			Expect(views[0].LastMessage).NotTo(BeNil())
			Expect(views[0].LastMessage.ID).To(Equal("m9"))
			Expect(views[0].LastMessage.Excerpt).To(Equal("latest"))
		})

		It("ignores unknown conversations", func() {
			dir.SetPreview("ghost", domain.Message{ID: "m9"})
			Expect(dir.List()).To(BeEmpty())
		})
	})

	Describe("ApplyPatch", func() {
		It("merges only the fields present in the patch", func() {
			dir.Seed([]domain.Conversation{conv("a", func(c *domain.Conversation) {
				c.Department = "sales"
				c.Tags = []string{"vip"}
			})})

			closed := domain.ConversationClosed
			agent := "agent-9"
			Expect(dir.ApplyPatch(domain.ConversationPatch{
				ID:              "a",
				Status:          &closed,
				AssignedAgentID: &agent,
			})).To(BeTrue())

			got, _ := dir.Get("a")
			Expect(got.Status).To(Equal(domain.ConversationClosed))
			Expect(got.AssignedAgentID).To(Equal("agent-9"))
			Expect(got.Department).To(Equal("sales"))
			Expect(got.Tags).To(Equal([]string{"vip"}))
		})

		It("drops patches for unknown conversations", func() {
			Expect(dir.ApplyPatch(domain.ConversationPatch{ID: "ghost"})).To(BeFalse())
		})
	})

	Describe("Seed", func() {
		It("replaces the set and keeps the selection unread-free", func() {
			dir.Seed([]domain.Conversation{conv("a"), conv("b")})
			dir.Select("a")

			dir.Seed([]domain.Conversation{
				conv("a", func(c *domain.Conversation) { c.UnreadCount = 5 }),
				conv("c"),
			})

			Expect(dir.Has("b")).To(BeFalse())
			Expect(dir.Has("c")).To(BeTrue())
			Expect(dir.SelectedID()).To(Equal("a"))
			got, _ := dir.Get("a")
			Expect(got.UnreadCount).To(BeZero())
		})
	})

	Describe("filtering", func() {
		BeforeEach(func() {
			dir.Seed([]domain.Conversation{
				conv("a", func(c *domain.Conversation) {
					c.Channel = domain.ChannelTelegram
					c.AssignedAgentID = "agent-1"
					c.Department = "sales"
					c.Tags = []string{"vip", "billing"}
					c.UnreadCount = 2
					c.Contact.Name = "Alice Johnson"
				}),
				conv("b", func(c *domain.Conversation) {
					c.Status = domain.ConversationPending
					c.Priority = domain.PriorityUrgent
					c.UpdatedAt = base.Add(2 * time.Hour)
					c.Contact.Phone = "+6281234"
				}),
				conv("c", func(c *domain.Conversation) {
					c.Status = domain.ConversationClosed
					c.Tags = []string{"billing"}
				}),
			})
		})

		It("filters by status", func() {
			pending := domain.ConversationPending
			dir.SetFilters(directory.Filters{Status: &pending})
			Expect(listIDs(dir.List())).To(Equal([]string{"b"}))
		})

		It("filters by channel", func() {
			tg := domain.ChannelTelegram
			dir.SetFilters(directory.Filters{Channel: &tg})
			Expect(listIDs(dir.List())).To(Equal([]string{"a"}))
		})

		It("filters by assigned agent and the unassigned sentinel", func() {
			agent := "agent-1"
			dir.SetFilters(directory.Filters{AssignedAgent: &agent})
			Expect(listIDs(dir.List())).To(Equal([]string{"a"}))

			unassigned := directory.AgentUnassigned
			dir.SetFilters(directory.Filters{AssignedAgent: &unassigned})
			Expect(listIDs(dir.List())).To(ConsistOf("b", "c"))
		})

		It("filters by unread flag", func() {
			hasUnread := true
			dir.SetFilters(directory.Filters{HasUnread: &hasUnread})
			Expect(listIDs(dir.List())).To(Equal([]string{"a"}))

			hasUnread = false
			dir.SetFilters(directory.Filters{HasUnread: &hasUnread})
			Expect(listIDs(dir.List())).To(ConsistOf("b", "c"))
		})

		It("matches any of the requested tags", func() {
			dir.SetFilters(directory.Filters{Tags: []string{"vip", "billing"}})
			Expect(listIDs(dir.List())).To(ConsistOf("a", "c"))
		})

		It("filters by updatedAt date range", func() {
			from := base.Add(time.Hour)
			dir.SetFilters(directory.Filters{DateFrom: &from})
			Expect(listIDs(dir.List())).To(Equal([]string{"b"}))

			to := base.Add(time.Hour)
			dir.SetFilters(directory.Filters{DateTo: &to})
			Expect(listIDs(dir.List())).To(ConsistOf("a", "c"))
		})

		It("searches contact fields case-insensitively", func() {
			dir.SetFilters(directory.Filters{Search: "alice"})
			Expect(listIDs(dir.List())).To(Equal([]string{"a"}))

			dir.SetFilters(directory.Filters{Search: "6281234"})
			Expect(listIDs(dir.List())).To(Equal([]string{"b"}))
		})

		It("searches the last-message excerpt", func() {
			dir.UpsertFromEvent(incoming("c", "m1", base.Add(time.Minute)))
			dir.SetFilters(directory.Filters{Search: "hello from c"})
			Expect(listIDs(dir.List())).To(Equal([]string{"c"}))
		})

		It("AND-combines filters", func() {
			active := domain.ConversationActive
			dir.SetFilters(directory.Filters{Status: &active, Tags: []string{"billing"}})
			Expect(listIDs(dir.List())).To(Equal([]string{"a"}))
		})
	})

	Describe("sorting", func() {
		BeforeEach(func() {
			dir.Seed([]domain.Conversation{
				conv("a", func(c *domain.Conversation) {
					c.CreatedAt = base.Add(-time.Hour)
					c.UnreadCount = 3
				}),
				conv("b", func(c *domain.Conversation) {
					c.Priority = domain.PriorityUrgent
					c.UnreadCount = 1
				}),
				conv("c", func(c *domain.Conversation) {
					c.Priority = domain.PriorityLow
				}),
			})
			dir.UpsertFromEvent(incoming("c", "m1", base.Add(time.Minute)))
			dir.UpsertFromEvent(incoming("a", "m2", base.Add(2*time.Minute)))
		})

		It("defaults to last message time, newest first", func() {
			Expect(listIDs(dir.List())).To(Equal([]string{"a", "c", "b"}))
		})

		It("sorts by priority rank", func() {
			dir.SetSort(directory.SortPriority, false)
			views := dir.List()
			Expect(views[0].ID).To(Equal("b"))
			Expect(views[len(views)-1].ID).To(Equal("c"))
		})

		It("sorts by unread count", func() {
			dir.SetSort(directory.SortUnreadCount, false)
			Expect(listIDs(dir.List())[0]).To(Equal("a"))
		})

		It("sorts by created time ascending when asked", func() {
			dir.SetSort(directory.SortCreatedAt, true)
			Expect(listIDs(dir.List())[0]).To(Equal("a"))
		})

		It("breaks ties deterministically by id", func() {
			dir.SetSort(directory.SortCreatedAt, true)
			// b and c share CreatedAt
			got := listIDs(dir.List())
			Expect(got).To(Equal([]string{"a", "b", "c"}))
		})
	})
})

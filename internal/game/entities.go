package game

import (
	"roverworld.ai/internal/catalogs"
	"roverworld.ai/internal/model"
)

type missionRow struct {
	MissionID string `db:"mission_id"`
	ParentID  string `db:"parent_id"`
	Done      bool   `db:"done"`
	DoneAt    *int64 `db:"done_at"`
	StartedAt int64  `db:"started_at"`
	ViewedAt  *int64 `db:"viewed_at"`
}

type Mission struct {
	model.Base
	def catalogs.MissionDef

	ParentID  string
	Done      bool
	DoneAt    *int64
	StartedAt int64
	ViewedAt  *int64
}

var missionSchema = model.NewSchema("mission", "mission_id",
	[]model.Field{
		model.F("mission_id", func(m *Mission) any { return m.ID() }),
		model.F("parent_id", func(m *Mission) any { return m.ParentID }),
		model.F("title", func(m *Mission) any { return m.def.Title }),
		model.F("summary", func(m *Mission) any { return m.def.Summary }),
		model.F("done", func(m *Mission) any { return m.Done }),
		model.F("done_at", func(m *Mission) any { return m.DoneAt }),
		model.F("started_at", func(m *Mission) any { return m.StartedAt }),
		model.F("viewed_at", func(m *Mission) any { return m.ViewedAt }),
	},
	nil,
)

func (m *Mission) Schema() *model.Schema    { return missionSchema }
func (m *Mission) Def() catalogs.MissionDef { return m.def }

func newMission(row missionRow, def catalogs.MissionDef, isNew bool) *Mission {
	m := &Mission{def: def, ParentID: row.ParentID, Done: row.Done, DoneAt: row.DoneAt, StartedAt: row.StartedAt, ViewedAt: row.ViewedAt}
	model.Init(m, row.MissionID, "", isNew)
	return m
}

type messageRow struct {
	MessageID string `db:"message_id"`
	MsgType   string `db:"msg_type"`
	SentAt    int64  `db:"sent_at"`
	ReadAt    *int64 `db:"read_at"`
	Locked    bool   `db:"locked"`
}

// Message is a delivered story message. Its body is only handed out by
// MessageContent, never in the tree.
type Message struct {
	model.Base
	def catalogs.MessageDef

	MsgType string
	SentAt  int64
	ReadAt  *int64
	Locked  bool
}

var messageSchema = model.NewSchema("message", "message_id",
	[]model.Field{
		model.F("message_id", func(m *Message) any { return m.ID() }),
		model.F("msg_type", func(m *Message) any { return m.MsgType }),
		model.F("sender", func(m *Message) any { return m.def.Sender }),
		model.F("subject", func(m *Message) any { return m.def.Subject }),
		model.F("sent_at", func(m *Message) any { return m.SentAt }),
		model.F("read_at", func(m *Message) any { return m.ReadAt }),
		model.F("locked", func(m *Message) any { return m.Locked }),
	},
	nil,
)

func (m *Message) Schema() *model.Schema    { return messageSchema }
func (m *Message) Def() catalogs.MessageDef { return m.def }

func newMessage(row messageRow, def catalogs.MessageDef, isNew bool) *Message {
	m := &Message{def: def, MsgType: row.MsgType, SentAt: row.SentAt, ReadAt: row.ReadAt, Locked: row.Locked}
	model.Init(m, row.MessageID, "", isNew)
	return m
}

type Region struct {
	model.Base
	def catalogs.RegionDef
}

var regionSchema = model.NewSchema("region", "region_id",
	[]model.Field{
		model.F("region_id", func(r *Region) any { return r.ID() }),
		model.F("title", func(r *Region) any { return r.def.Title }),
		model.F("shape", func(r *Region) any { return r.def.Shape }),
		model.F("center", func(r *Region) any { return r.def.Center }),
		model.F("radius", func(r *Region) any { return r.def.RadiusM }),
		model.F("points", func(r *Region) any { return r.def.Points }),
		model.F("restrict", func(r *Region) any { return r.def.Restrict }),
	},
	nil,
)

func (r *Region) Schema() *model.Schema   { return regionSchema }
func (r *Region) Def() catalogs.RegionDef { return r.def }

func newRegion(def catalogs.RegionDef, isNew bool) *Region {
	r := &Region{def: def}
	model.Init(r, def.ID, "", isNew)
	return r
}

type progressRow struct {
	Key        string `db:"key"`
	Value      string `db:"value"`
	AchievedAt int64  `db:"achieved_at"`
}

// Progress is a client-reported tutorial or story milestone.
type Progress struct {
	model.Base
	Value      string
	AchievedAt int64
}

var progressSchema = model.NewSchema("progress", "key",
	[]model.Field{
		model.F("key", func(p *Progress) any { return p.ID() }),
		model.F("value", func(p *Progress) any { return p.Value }),
		model.F("achieved_at", func(p *Progress) any { return p.AchievedAt }),
	},
	nil,
)

func (p *Progress) Schema() *model.Schema { return progressSchema }

func newProgress(row progressRow, isNew bool) *Progress {
	p := &Progress{Value: row.Value, AchievedAt: row.AchievedAt}
	model.Init(p, row.Key, "", isNew)
	return p
}

type achievementRow struct {
	AchievementKey string `db:"achievement_key"`
	AchievedAt     int64  `db:"achieved_at"`
	ViewedAt       *int64 `db:"viewed_at"`
}

type Achievement struct {
	model.Base
	def catalogs.AchievementDef

	AchievedAt int64
	ViewedAt   *int64
}

var achievementSchema = model.NewSchema("achievement", "achievement_key",
	[]model.Field{
		model.F("achievement_key", func(a *Achievement) any { return a.ID() }),
		model.F("title", func(a *Achievement) any { return a.def.Title }),
		model.F("description", func(a *Achievement) any { return a.def.Description }),
		model.F("points", func(a *Achievement) any { return a.def.Points }),
		model.F("achieved_at", func(a *Achievement) any { return a.AchievedAt }),
		model.F("viewed_at", func(a *Achievement) any { return a.ViewedAt }),
	},
	nil,
)

func (a *Achievement) Schema() *model.Schema { return achievementSchema }

func newAchievement(row achievementRow, def catalogs.AchievementDef, isNew bool) *Achievement {
	a := &Achievement{def: def, AchievedAt: row.AchievedAt, ViewedAt: row.ViewedAt}
	model.Init(a, row.AchievementKey, "", isNew)
	return a
}

type capabilityRow struct {
	CapabilityKey string `db:"capability_key"`
	Uses          int    `db:"uses"`
	Unlimited     bool   `db:"unlimited"`
}

// Capability is a consumable budget a rover feature draws on.
type Capability struct {
	model.Base
	Uses      int
	Unlimited bool
}

var capabilitySchema = model.NewSchema("capability", "capability_key",
	[]model.Field{
		model.F("capability_key", func(c *Capability) any { return c.ID() }),
		model.F("uses", func(c *Capability) any { return c.Uses }),
		model.F("unlimited", func(c *Capability) any { return c.Unlimited }),
	},
	nil,
)

func (c *Capability) Schema() *model.Schema { return capabilitySchema }

// Available reports whether one more use may be consumed.
func (c *Capability) Available() bool { return c.Unlimited || c.Uses > 0 }

func newCapability(row capabilityRow, isNew bool) *Capability {
	c := &Capability{Uses: row.Uses, Unlimited: row.Unlimited}
	model.Init(c, row.CapabilityKey, "", isNew)
	return c
}

type voucherRow struct {
	VoucherKey  string `db:"voucher_key"`
	DeliveredAt int64  `db:"delivered_at"`
}

type Voucher struct {
	model.Base
	DeliveredAt int64
}

var voucherSchema = model.NewSchema("voucher", "voucher_key",
	[]model.Field{
		model.F("voucher_key", func(v *Voucher) any { return v.ID() }),
		model.F("delivered_at", func(v *Voucher) any { return v.DeliveredAt }),
	},
	nil,
)

func (v *Voucher) Schema() *model.Schema { return voucherSchema }

func newVoucher(row voucherRow, isNew bool) *Voucher {
	v := &Voucher{DeliveredAt: row.DeliveredAt}
	model.Init(v, row.VoucherKey, "", isNew)
	return v
}

type invitationRow struct {
	InviteID           string  `db:"invite_id"`
	RecipientEmail     string  `db:"recipient_email"`
	RecipientFirstName string  `db:"recipient_first_name"`
	SentAt             int64   `db:"sent_at"`
	AcceptedAt         *int64  `db:"accepted_at"`
	RecipientID        *string `db:"recipient_id"`
}

type Invitation struct {
	model.Base
	RecipientEmail     string
	RecipientFirstName string
	SentAt             int64
	AcceptedAt         *int64
}

var invitationSchema = model.NewSchema("invitation", "invite_id",
	[]model.Field{
		model.F("invite_id", func(i *Invitation) any { return i.ID() }),
		model.F("recipient_email", func(i *Invitation) any { return i.RecipientEmail }),
		model.F("recipient_first_name", func(i *Invitation) any { return i.RecipientFirstName }),
		model.F("sent_at", func(i *Invitation) any { return i.SentAt }),
		model.F("accepted_at", func(i *Invitation) any { return i.AcceptedAt }),
	},
	nil,
)

func (i *Invitation) Schema() *model.Schema { return invitationSchema }

func newInvitation(row invitationRow) *Invitation {
	i := &Invitation{RecipientEmail: row.RecipientEmail, RecipientFirstName: row.RecipientFirstName, SentAt: row.SentAt, AcceptedAt: row.AcceptedAt}
	model.Init(i, row.InviteID, "", false)
	return i
}

type giftRow struct {
	GiftID     string  `db:"gift_id"`
	GiftType   string  `db:"gift_type"`
	Annotation string  `db:"annotation"`
	Created    int64   `db:"created"`
	RedeemedBy *string `db:"redeemed_by"`
}

type Gift struct {
	model.Base
	GiftType   string
	Annotation string
	Created    int64
	Redeemed   bool
}

var giftSchema = model.NewSchema("gift", "gift_id",
	[]model.Field{
		model.F("gift_id", func(g *Gift) any { return g.ID() }),
		model.F("gift_type", func(g *Gift) any { return g.GiftType }),
		model.F("annotation", func(g *Gift) any { return g.Annotation }),
		model.F("created", func(g *Gift) any { return g.Created }),
		model.F("redeemed", func(g *Gift) any { return g.Redeemed }),
	},
	nil,
)

func (g *Gift) Schema() *model.Schema { return giftSchema }

func newGift(row giftRow) *Gift {
	g := &Gift{GiftType: row.GiftType, Annotation: row.Annotation, Created: row.Created, Redeemed: row.RedeemedBy != nil}
	model.Init(g, row.GiftID, "", false)
	return g
}

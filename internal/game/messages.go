package game

import (
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/deferred"
	"roverworld.ai/internal/events"
	"roverworld.ai/internal/model"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/protocol"
)

// MessageBody is what MessageContent hands out for an unlocked message.
type MessageBody struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (s *Session) messageByType(msgType string) (*Message, bool, error) {
	return s.Player.Messages.Find(func(m *Message) bool { return m.MsgType == msgType })
}

func (s *Session) findMessage(messageID string) (*Message, error) {
	m, ok, err := s.Player.Messages.Get(messageID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundf("no message %s", messageID)
	}
	return m, nil
}

// DeliverMessage puts msgType in the player's inbox now. A type already
// delivered is returned as is.
func (s *Session) DeliverMessage(msgType string) (*Message, error) {
	def, ok := s.g.cat.Messages.ByID[msgType]
	if !ok {
		return nil, notFoundf("no message definition %s", msgType)
	}
	if m, ok, err := s.messageByType(msgType); err != nil || ok {
		return m, err
	}
	row := messageRow{
		MessageID: uuid.NewString(),
		MsgType:   msgType,
		SentAt:    s.EpochNow(),
		Locked:    def.Password != "",
	}
	if _, err := s.c.Exec("message_insert", store.Args{
		"message_id": row.MessageID,
		"user_id":    s.UserID(),
		"msg_type":   row.MsgType,
		"sent_at":    row.SentAt,
		"locked":     store.Bool(row.Locked),
	}); err != nil {
		return nil, err
	}
	m := newMessage(row, def, true)
	s.Player.Messages.Add(m)
	if _, err := s.Dispatch(events.ScopeMessage, msgType, events.MessageDelivered, m, nil); err != nil {
		return nil, err
	}
	return m, nil
}

// ScheduleMessage queues msgType for delivery after delay. A negative delay
// uses the message definition's own. It reports whether a row was queued.
func (s *Session) ScheduleMessage(msgType string, delay time.Duration) (bool, error) {
	def, ok := s.g.cat.Messages.ByID[msgType]
	if !ok {
		return false, notFoundf("no message definition %s", msgType)
	}
	if delay < 0 {
		delay = time.Duration(def.DelaySeconds) * time.Second
	}
	return s.g.queue.Schedule(s.c, s.UserID(), DeferredMessageDelivery, msgType, delay, nil)
}

// MessageDeliveredOrQueued reports whether msgType is in the inbox or on
// its way there.
func (s *Session) MessageDeliveredOrQueued(msgType string) (bool, error) {
	if _, ok, err := s.messageByType(msgType); err != nil || ok {
		return ok, err
	}
	return s.g.queue.Exists(s.c, s.UserID(), DeferredMessageDelivery, msgType)
}

// MessageDelivered reports whether msgType is in the inbox.
func (s *Session) MessageDelivered(msgType string) (bool, error) {
	_, ok, err := s.messageByType(msgType)
	return ok, err
}

func (s *Session) messageDelivery(row deferred.Row) error {
	_, err := s.DeliverMessage(row.Subtype)
	return err
}

// MessageContent returns a message body and marks the message read.
func (s *Session) MessageContent(messageID string) (MessageBody, error) {
	m, err := s.findMessage(messageID)
	if err != nil {
		return MessageBody{}, err
	}
	if m.Locked {
		return MessageBody{}, s.reject(constraintf(protocol.ErrMessageLocked, "message %s is locked", messageID))
	}
	if m.ReadAt == nil {
		now := clock.Micros(s.Now())
		if _, err := s.c.Exec("message_read", store.Args{"message_id": m.ID(), "now": now}); err != nil {
			return MessageBody{}, err
		}
		model.Set(m, "read_at", &m.ReadAt, &now)
	}
	def := m.Def()
	return MessageBody{MessageID: m.ID(), Sender: def.Sender, Subject: def.Subject, Body: def.Body}, nil
}

// MessageUnlock opens a password-protected message. Passwords compare
// case-insensitively with surrounding space ignored.
func (s *Session) MessageUnlock(messageID, password string) error {
	m, err := s.findMessage(messageID)
	if err != nil {
		return err
	}
	if !m.Locked {
		return nil
	}
	want := strings.TrimSpace(m.Def().Password)
	if !strings.EqualFold(strings.TrimSpace(password), want) {
		return s.reject(constraintf(protocol.ErrBadPassword, "wrong password for message %s", messageID))
	}
	if _, err := s.c.Exec("message_unlock", store.Args{"message_id": m.ID()}); err != nil {
		return err
	}
	model.Set(m, "locked", &m.Locked, false)
	return nil
}

// MessageForward queues an email copy of a message to recipient.
func (s *Session) MessageForward(messageID, recipient string) error {
	m, err := s.findMessage(messageID)
	if err != nil {
		return err
	}
	if m.Locked {
		return s.reject(constraintf(protocol.ErrMessageLocked, "message %s is locked", messageID))
	}
	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return validationf(protocol.ErrBadEmail, "bad recipient %q", recipient)
	}
	id, err := store.Row[int64](s.c, "email_insert", store.Args{
		"user_id":    s.UserID(),
		"email_from": s.Player.Email,
		"email_to":   addr.Address,
		"subject":    m.Def().Subject,
		"body_key":   m.MsgType,
		"created":    clock.Micros(s.Now()),
	})
	if err != nil {
		return err
	}
	_, err = s.g.queue.Schedule(s.c, s.UserID(), DeferredEmailDelivery, "email:"+strconv.FormatInt(id, 10), 0, emailJob{EmailID: id})
	return err
}

type emailJob struct {
	EmailID int64 `json:"email_id"`
}

// emailDelivery hands a queued email to the outbound mailer. Delivery
// itself happens outside the engine; the row is marked sent here.
func (s *Session) emailDelivery(row deferred.Row) error {
	var job emailJob
	if err := row.Decode(&job); err != nil {
		return err
	}
	n, err := s.c.Exec("email_mark_sent", store.Args{"email_id": job.EmailID, "now": clock.Micros(s.Now())})
	if err != nil {
		return err
	}
	if n == 0 {
		s.warnf("email %d already sent or missing", job.EmailID)
	}
	return nil
}

// AddAchievement awards key once and reports whether it was new.
func (s *Session) AddAchievement(key string) (bool, error) {
	def, ok := s.g.cat.Achievements.ByID[key]
	if !ok {
		return false, notFoundf("no achievement %s", key)
	}
	if _, ok, err := s.Player.Achievements.Get(key); err != nil || ok {
		return false, err
	}
	row := achievementRow{AchievementKey: key, AchievedAt: s.EpochNow()}
	if _, err := s.c.Exec("achievement_insert", store.Args{"user_id": s.UserID(), "achievement_key": key, "achieved_at": row.AchievedAt}); err != nil {
		return false, err
	}
	s.Player.Achievements.Add(newAchievement(row, def, true))
	return true, nil
}

// StartMission opens missionID and grants the region it names.
func (s *Session) StartMission(missionID, parentID string) (*Mission, error) {
	def, ok := s.g.cat.Missions.ByID[missionID]
	if !ok {
		return nil, notFoundf("no mission %s", missionID)
	}
	if m, ok, err := s.Player.Missions.Get(missionID); err != nil || ok {
		return m, err
	}
	row := missionRow{MissionID: missionID, ParentID: parentID, StartedAt: s.EpochNow()}
	if _, err := s.c.Exec("mission_insert", store.Args{
		"user_id":    s.UserID(),
		"mission_id": missionID,
		"parent_id":  parentID,
		"started_at": row.StartedAt,
	}); err != nil {
		return nil, err
	}
	m := newMission(row, def, true)
	s.Player.Missions.Add(m)
	if def.Region != "" {
		if err := s.AddRegion(def.Region); err != nil {
			return nil, err
		}
	}
	for _, part := range def.Parts {
		if _, err := s.StartMission(part, missionID); err != nil {
			return nil, err
		}
	}
	if _, err := s.Dispatch(events.ScopeMission, missionID, events.MissionStarted, m, nil); err != nil {
		return nil, err
	}
	return m, nil
}

// CompleteMission marks missionID done, awards its achievement and closes
// the parent once every part is done.
func (s *Session) CompleteMission(missionID string) error {
	m, ok, err := s.Player.Missions.Get(missionID)
	if err != nil {
		return err
	}
	if !ok {
		return notFoundf("no mission %s", missionID)
	}
	if m.Done {
		return nil
	}
	now := s.EpochNow()
	if _, err := s.c.Exec("mission_done", store.Args{"user_id": s.UserID(), "mission_id": missionID, "done_at": now}); err != nil {
		return err
	}
	model.Set(m, "done", &m.Done, true)
	model.Set(m, "done_at", &m.DoneAt, &now)
	if a := m.Def().Achievement; a != "" {
		if _, err := s.AddAchievement(a); err != nil {
			return err
		}
	}
	if _, err := s.Dispatch(events.ScopeMission, missionID, events.MissionDone, m, nil); err != nil {
		return err
	}
	if m.ParentID == "" {
		return nil
	}
	siblings, err := s.Player.Missions.All()
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if sib.ParentID == m.ParentID && !sib.Done {
			return nil
		}
	}
	return s.CompleteMission(m.ParentID)
}

// AddRegion grants regionID to the player.
func (s *Session) AddRegion(regionID string) error {
	def, ok := s.g.cat.Regions.ByID[regionID]
	if !ok {
		return notFoundf("no region %s", regionID)
	}
	if _, ok, err := s.Player.Regions.Get(regionID); err != nil || ok {
		return err
	}
	if _, err := s.c.Exec("region_insert", store.Args{"user_id": s.UserID(), "region_id": regionID}); err != nil {
		return err
	}
	s.Player.Regions.Add(newRegion(def, true))
	return nil
}

// CreateProgress records a client milestone. Repeating a key is a no-op.
func (s *Session) CreateProgress(key, value string) (*Progress, error) {
	if key == "" || len(key) > 64 {
		return nil, validationf(protocol.ErrBadRequest, "bad progress key %q", key)
	}
	if p, ok, err := s.Player.Progress.Get(key); err != nil || ok {
		return p, err
	}
	row := progressRow{Key: key, Value: value, AchievedAt: s.EpochNow()}
	if _, err := s.c.Exec("progress_insert", store.Args{"user_id": s.UserID(), "key": key, "value": value, "achieved_at": row.AchievedAt}); err != nil {
		return nil, err
	}
	p := newProgress(row, true)
	s.Player.Progress.Add(p)
	return p, nil
}

// Viewable kinds for MarkViewed.
const (
	ViewTarget      = "target"
	ViewMessage     = "message"
	ViewAchievement = "achievement"
	ViewSpecies     = "species"
	ViewMission     = "mission"
)

// MarkViewed records that the player looked at an entity. Viewing is
// idempotent; the first instant sticks.
func (s *Session) MarkViewed(kind, id string) error {
	now := clock.Micros(s.Now())
	arg := store.Args{"user_id": s.UserID(), "id": id, "now": now}
	switch kind {
	case ViewTarget:
		t, err := s.findTarget(id)
		if err != nil {
			return err
		}
		if !t.Arrived(s.EpochNow(), s.g.tun.LeewaySeconds) {
			return s.reject(constraintf(protocol.ErrNotArrived, "target %s has not arrived", id))
		}
		return s.markViewed(t, &t.ViewedAt, "target_viewed", arg, now)
	case ViewMessage:
		m, err := s.findMessage(id)
		if err != nil {
			return err
		}
		return s.markViewed(m, &m.ReadAt, "message_read_by_id", arg, now)
	case ViewAchievement:
		a, ok, err := s.Player.Achievements.Get(id)
		if err := found(ok, err, "achievement", id); err != nil {
			return err
		}
		return s.markViewed(a, &a.ViewedAt, "achievement_viewed", arg, now)
	case ViewSpecies:
		sp, ok, err := s.Player.Species.Get(id)
		if err := found(ok, err, "species", id); err != nil {
			return err
		}
		return s.markViewed(sp, &sp.ViewedAt, "species_viewed", arg, now)
	case ViewMission:
		m, ok, err := s.Player.Missions.Get(id)
		if err := found(ok, err, "mission", id); err != nil {
			return err
		}
		return s.markViewed(m, &m.ViewedAt, "mission_viewed", arg, now)
	}
	return validationf(protocol.ErrBadRequest, "cannot view a %q", kind)
}

func (s *Session) markViewed(n model.Node, dst **int64, query string, arg store.Args, now int64) error {
	if *dst != nil {
		return nil
	}
	if _, err := s.c.Exec(query, arg); err != nil {
		return err
	}
	field := "viewed_at"
	if _, ok := n.(*Message); ok {
		field = "read_at"
	}
	model.Set(n, field, dst, &now)
	return nil
}

func found(ok bool, err error, what, id string) error {
	if err != nil {
		return errors.WithStack(err)
	}
	if !ok {
		return notFoundf("no %s %s", what, id)
	}
	return nil
}
